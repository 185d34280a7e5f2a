// Package market wires pricing, margin, portfolio and standing-order logic
// into the simulation engine's public service surface.
package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/marketsim/internal/market/margin"
	"github.com/quantfold/marketsim/internal/market/model"
	"github.com/quantfold/marketsim/internal/market/orders"
	"github.com/quantfold/marketsim/internal/market/portfolio"
	"github.com/quantfold/marketsim/internal/market/pricing"
	"github.com/quantfold/marketsim/internal/store"
	"github.com/quantfold/marketsim/pkg/metrics"
)

// Config holds the engine-level knobs not owned by a subsystem.
type Config struct {
	RetryAttempts int
	RetryBackoff  time.Duration
}

// DefaultConfig returns the standard engine parameters.
func DefaultConfig() Config {
	return Config{
		RetryAttempts: 3,
		RetryBackoff:  25 * time.Millisecond,
	}
}

// TradeResult describes a completed market trade.
type TradeResult struct {
	Ticker          string          `json:"ticker"`
	Direction       string          `json:"direction"`
	Shares          decimal.Decimal `json:"shares"`
	Price           decimal.Decimal `json:"price"`
	Profit          decimal.Decimal `json:"profit,omitempty"`
	Cash            decimal.Decimal `json:"cash"`
	PortfolioValue  decimal.Decimal `json:"portfolio_value"`
	AffectedTickers []string        `json:"affected_tickers"`
}

// ShortRisk is one short position's margin health.
type ShortRisk struct {
	AccountID    uuid.UUID       `json:"account_id"`
	Ticker       string          `json:"ticker"`
	Shares       decimal.Decimal `json:"shares"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	Collateral   decimal.Decimal `json:"collateral"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	EquityRatio  decimal.Decimal `json:"equity_ratio"`
	AtRisk       bool            `json:"at_risk"`
}

// Service is the simulation engine's public API.
type Service interface {
	SeedInstruments(ctx context.Context, insts []*model.Instrument) error
	Instruments(ctx context.Context) ([]*model.Instrument, error)
	Instrument(ctx context.Context, ticker string) (*model.Instrument, error)
	PriceHistory(ctx context.Context, ticker string, limit int) ([]model.PricePoint, error)
	OverridePrice(ctx context.Context, ticker string, price decimal.Decimal) ([]string, error)

	CreateAccount(ctx context.Context, cash decimal.Decimal, marginEligible bool) (*model.Account, error)
	Account(ctx context.Context, id uuid.UUID) (*model.Account, error)
	PortfolioValue(ctx context.Context, id uuid.UUID) (decimal.Decimal, error)

	Quote(ctx context.Context, ticker string, shares decimal.Decimal, direction string) (*model.Quote, error)
	ExecuteTrade(ctx context.Context, accountID uuid.UUID, ticker, direction string, shares decimal.Decimal) (*TradeResult, error)
	OpenShort(ctx context.Context, accountID uuid.UUID, ticker string, shares decimal.Decimal) (*TradeResult, error)
	CoverShort(ctx context.Context, accountID uuid.UUID, ticker string, shares decimal.Decimal) (*TradeResult, error)

	EquityRatio(ctx context.Context, accountID uuid.UUID, ticker string) (*ShortRisk, error)
	ListAtRiskPositions(ctx context.Context) ([]ShortRisk, error)

	CreateStandingOrder(ctx context.Context, accountID uuid.UUID, ticker, direction string, shares, limitPrice decimal.Decimal, allowPartial bool) (*model.StandingOrder, error)
	CancelStandingOrder(ctx context.Context, orderID uuid.UUID) error
	StandingOrder(ctx context.Context, orderID uuid.UUID) (*model.StandingOrder, error)
	SweepExpiredOrders(ctx context.Context) (int, error)
}

type service struct {
	store     store.Store
	pricing   *pricing.Engine
	ledger    *margin.Ledger
	evaluator *orders.Evaluator
	cfg       Config
	logger    *zap.Logger
	clock     func() time.Time

	mu        sync.Mutex
	acctLocks map[uuid.UUID]*sync.Mutex
}

// NewService assembles the engine from its subsystems and registers itself
// as the evaluator's trade executor.
func NewService(st store.Store, eng *pricing.Engine, ledger *margin.Ledger, evaluator *orders.Evaluator, cfg Config, logger *zap.Logger) Service {
	s := &service{
		store:     st,
		pricing:   eng,
		ledger:    ledger,
		evaluator: evaluator,
		cfg:       cfg,
		logger:    logger,
		clock:     time.Now,
		acctLocks: make(map[uuid.UUID]*sync.Mutex),
	}
	evaluator.SetExecutor(s)
	return s
}

// LockAccount serializes mutations to one account. Margin checks read cash,
// equity and capacity together; the lock keeps two concurrent short opens
// from both passing on the same headroom.
func (s *service) LockAccount(id uuid.UUID) (unlock func()) {
	s.mu.Lock()
	lock, ok := s.acctLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.acctLocks[id] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// SeedInstruments loads the instrument universe. Correlation edges and
// composite constituents must reference seeded tickers.
func (s *service) SeedInstruments(ctx context.Context, insts []*model.Instrument) error {
	known := make(map[string]bool, len(insts))
	for _, inst := range insts {
		if inst.Price.IsZero() {
			inst.Price = inst.BasePrice
		}
		if err := inst.Validate(); err != nil {
			return err
		}
		if known[inst.Ticker] {
			return fmt.Errorf("duplicate ticker %s", inst.Ticker)
		}
		known[inst.Ticker] = true
	}
	for _, inst := range insts {
		for _, edge := range inst.Correlations {
			if !known[edge.Target] {
				return fmt.Errorf("correlation %s -> %s: %w", inst.Ticker, edge.Target, model.ErrUnknownInstrument)
			}
		}
		for _, c := range inst.Constituents {
			if !known[c] {
				return fmt.Errorf("constituent %s of %s: %w", c, inst.Ticker, model.ErrUnknownInstrument)
			}
		}
	}

	now := s.clock()
	err := s.store.Update(ctx, func(tx store.Tx) error {
		for _, inst := range insts {
			if _, err := tx.Instrument(inst.Ticker); err == nil {
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			inst.UpdatedAt = now
			if err := tx.CreateInstrument(inst); err != nil {
				return err
			}
			if err := tx.AppendPricePoint(inst.Ticker, model.PricePoint{
				Timestamp: now.UnixMilli(),
				Price:     inst.Price,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("instrument universe seeded", zap.Int("count", len(insts)))
	return nil
}

func (s *service) Instruments(ctx context.Context) ([]*model.Instrument, error) {
	var insts []*model.Instrument
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		insts, err = tx.Instruments()
		return err
	})
	return insts, err
}

func (s *service) Instrument(ctx context.Context, ticker string) (*model.Instrument, error) {
	var inst *model.Instrument
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		inst, err = tx.Instrument(ticker)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", ticker, model.ErrUnknownInstrument)
		}
		return err
	})
	return inst, err
}

func (s *service) PriceHistory(ctx context.Context, ticker string, limit int) ([]model.PricePoint, error) {
	var points []model.PricePoint
	err := s.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.Instrument(ticker); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%s: %w", ticker, model.ErrUnknownInstrument)
			}
			return err
		}
		var err error
		points, err = tx.PriceHistory(ticker, limit)
		return err
	})
	return points, err
}

// OverridePrice sets an instrument's price directly and propagates the move
// through its correlation graph like any trade-driven move.
func (s *service) OverridePrice(ctx context.Context, ticker string, price decimal.Decimal) ([]string, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("override price %s must be positive", price)
	}
	var affected []string
	err := s.retry(ctx, func() error {
		return s.store.Update(ctx, func(tx store.Tx) error {
			inst, err := tx.Instrument(ticker)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%s: %w", ticker, model.ErrUnknownInstrument)
				}
				return err
			}
			affected, err = s.pricing.ApplyOverride(tx, inst, price, s.clock())
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.evaluator.EvaluateTickers(ctx, affected); err != nil {
		s.logger.Warn("evaluation after price override failed", zap.Error(err))
	}
	return affected, nil
}

func (s *service) CreateAccount(ctx context.Context, cash decimal.Decimal, marginEligible bool) (*model.Account, error) {
	if cash.IsNegative() {
		return nil, fmt.Errorf("opening cash %s must not be negative", cash)
	}
	acct := model.NewAccount(cash, marginEligible)
	err := s.store.Update(ctx, func(tx store.Tx) error {
		return tx.CreateAccount(acct)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("account created",
		zap.String("account_id", acct.ID.String()),
		zap.String("cash", cash.String()),
		zap.Bool("margin_eligible", marginEligible))
	return acct, nil
}

func (s *service) Account(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	var acct *model.Account
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		acct, err = tx.Account(id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, model.ErrUnknownAccount)
		}
		return err
	})
	return acct, err
}

func (s *service) PortfolioValue(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	var value decimal.Decimal
	err := s.store.View(ctx, func(tx store.Tx) error {
		acct, err := tx.Account(id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%s: %w", id, model.ErrUnknownAccount)
			}
			return err
		}
		value, err = portfolio.Value(acct, txPriceFunc(tx))
		return err
	})
	return value, err
}

// Quote prices a hypothetical trade without mutating anything.
func (s *service) Quote(ctx context.Context, ticker string, shares decimal.Decimal, direction string) (*model.Quote, error) {
	var quote *model.Quote
	err := s.store.View(ctx, func(tx store.Tx) error {
		inst, err := tx.Instrument(ticker)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%s: %w", ticker, model.ErrUnknownInstrument)
			}
			return err
		}
		quote, err = s.pricing.Quote(inst, shares, direction)
		return err
	})
	return quote, err
}

// ExecuteTrade runs a market trade in one of the four directions, applies
// its price impact and contagion, then evaluates standing orders on every
// ticker the move touched.
func (s *service) ExecuteTrade(ctx context.Context, accountID uuid.UUID, ticker, direction string, shares decimal.Decimal) (*TradeResult, error) {
	if !model.ValidDirection(direction) {
		return nil, fmt.Errorf("%q: %w", direction, model.ErrInvalidDirection)
	}
	if !shares.IsPositive() {
		return nil, model.ErrNonPositiveShares
	}

	result, err := s.executeLocked(ctx, accountID, ticker, direction, shares)
	if err != nil {
		return nil, err
	}
	if _, err := s.evaluator.EvaluateTickers(ctx, result.AffectedTickers); err != nil {
		s.logger.Warn("evaluation after trade failed", zap.Error(err))
	}
	return result, nil
}

// executeLocked holds the account lock for the transaction only; standing
// orders for the same account are evaluated after release.
func (s *service) executeLocked(ctx context.Context, accountID uuid.UUID, ticker, direction string, shares decimal.Decimal) (*TradeResult, error) {
	unlock := s.LockAccount(accountID)
	defer unlock()

	var result *TradeResult
	err := s.retry(ctx, func() error {
		return s.store.Update(ctx, func(tx store.Tx) error {
			acct, err := tx.Account(accountID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%s: %w", accountID, model.ErrUnknownAccount)
				}
				return err
			}
			inst, err := tx.Instrument(ticker)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%s: %w", ticker, model.ErrUnknownInstrument)
				}
				return err
			}
			fill, err := s.FillTrade(tx, acct, inst, direction, shares, s.clock())
			if err != nil {
				return err
			}
			value, err := portfolio.Value(acct, txPriceFunc(tx))
			if err != nil {
				return err
			}
			result = &TradeResult{
				Ticker:          ticker,
				Direction:       direction,
				Shares:          shares,
				Price:           fill.Price,
				Profit:          fill.Profit,
				Cash:            acct.Cash,
				PortfolioValue:  value,
				AffectedTickers: fill.AffectedTickers,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("trade executed",
		zap.String("account_id", accountID.String()),
		zap.String("ticker", ticker),
		zap.String("direction", direction),
		zap.String("shares", shares.String()),
		zap.String("price", result.Price.String()),
		zap.Strings("affected", result.AffectedTickers))
	return result, nil
}

// FillTrade applies a trade to the account and the order book price inside
// tx. It validates against the state at this instant, settles cash and
// positions, then moves the price and runs contagion. It implements
// orders.Executor so standing-order fills settle through the same path.
func (s *service) FillTrade(tx store.Tx, acct *model.Account, inst *model.Instrument, direction string, shares decimal.Decimal, now time.Time) (*orders.Fill, error) {
	if err := acct.Validate(); err != nil {
		return nil, err
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	quote, err := s.pricing.Quote(inst, shares, direction)
	if err != nil {
		return nil, err
	}

	fill := &orders.Fill{Profit: decimal.Zero}
	switch direction {
	case model.DirectionBuy:
		cost := quote.Ask.Mul(shares)
		if acct.Cash.LessThan(cost) {
			return nil, fmt.Errorf("cost %s exceeds cash %s: %w", cost, acct.Cash, model.ErrInsufficientFunds)
		}
		acct.Cash = acct.Cash.Sub(cost)
		addLong(acct, inst.Ticker, shares, quote.Ask)
		fill.Price = quote.Ask

	case model.DirectionSell:
		pos, ok := acct.Longs[inst.Ticker]
		if !ok || pos.Shares.LessThan(shares) {
			return nil, fmt.Errorf("%s: %w", inst.Ticker, model.ErrInsufficientShares)
		}
		acct.Cash = acct.Cash.Add(quote.Bid.Mul(shares))
		pos.Shares = pos.Shares.Sub(shares)
		if pos.Shares.IsZero() {
			delete(acct.Longs, inst.Ticker)
		}
		fill.Price = quote.Bid

	case model.DirectionShort:
		equity, err := portfolio.Value(acct, txPriceFunc(tx))
		if err != nil {
			return nil, err
		}
		if err := s.ledger.OpenShort(acct, inst.Ticker, shares, quote.Bid, equity, now); err != nil {
			return nil, err
		}
		fill.Price = quote.Bid

	case model.DirectionCover:
		profit, err := s.ledger.CoverShort(acct, inst.Ticker, shares, quote.Ask)
		if err != nil {
			return nil, err
		}
		fill.Price = quote.Ask
		fill.Profit = profit

	default:
		return nil, fmt.Errorf("%q: %w", direction, model.ErrInvalidDirection)
	}

	affected, err := s.pricing.ApplyTrade(tx, inst, direction, shares, now)
	if err != nil {
		return nil, err
	}
	fill.AffectedTickers = affected

	if _, err := portfolio.UpdatePeak(acct, txPriceFunc(tx)); err != nil {
		return nil, err
	}
	acct.UpdatedAt = now
	if err := tx.PutAccount(acct); err != nil {
		return nil, err
	}

	metrics.TradesExecuted.WithLabelValues(direction).Inc()
	return fill, nil
}

// OpenShort is ExecuteTrade in the SHORT direction.
func (s *service) OpenShort(ctx context.Context, accountID uuid.UUID, ticker string, shares decimal.Decimal) (*TradeResult, error) {
	return s.ExecuteTrade(ctx, accountID, ticker, model.DirectionShort, shares)
}

// CoverShort is ExecuteTrade in the COVER direction.
func (s *service) CoverShort(ctx context.Context, accountID uuid.UUID, ticker string, shares decimal.Decimal) (*TradeResult, error) {
	return s.ExecuteTrade(ctx, accountID, ticker, model.DirectionCover, shares)
}

// EquityRatio reports the margin health of one short position.
func (s *service) EquityRatio(ctx context.Context, accountID uuid.UUID, ticker string) (*ShortRisk, error) {
	var risk *ShortRisk
	err := s.store.View(ctx, func(tx store.Tx) error {
		acct, err := tx.Account(accountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%s: %w", accountID, model.ErrUnknownAccount)
			}
			return err
		}
		pos, ok := acct.Shorts[ticker]
		if !ok {
			return fmt.Errorf("no short on %s: %w", ticker, model.ErrPositionNotFound)
		}
		inst, err := tx.Instrument(ticker)
		if err != nil {
			return err
		}
		risk = s.shortRisk(accountID, ticker, pos, inst.Price)
		return nil
	})
	return risk, err
}

// ListAtRiskPositions scans every short position and returns those whose
// equity ratio sits below the liquidation threshold.
func (s *service) ListAtRiskPositions(ctx context.Context) ([]ShortRisk, error) {
	var risks []ShortRisk
	err := s.store.View(ctx, func(tx store.Tx) error {
		risks = nil
		accounts, err := tx.Accounts()
		if err != nil {
			return err
		}
		for _, acct := range accounts {
			for ticker, pos := range acct.Shorts {
				inst, err := tx.Instrument(ticker)
				if err != nil {
					return err
				}
				r := s.shortRisk(acct.ID, ticker, pos, inst.Price)
				if r.AtRisk {
					risks = append(risks, *r)
				}
			}
		}
		return nil
	})
	return risks, err
}

func (s *service) shortRisk(accountID uuid.UUID, ticker string, pos *model.ShortPosition, currentPrice decimal.Decimal) *ShortRisk {
	return &ShortRisk{
		AccountID:    accountID,
		Ticker:       ticker,
		Shares:       pos.Shares,
		EntryPrice:   pos.EntryPrice,
		Collateral:   pos.Collateral,
		CurrentPrice: currentPrice,
		EquityRatio:  s.ledger.EquityRatio(pos, currentPrice),
		AtRisk:       s.ledger.AtRisk(pos, currentPrice),
	}
}

func (s *service) CreateStandingOrder(ctx context.Context, accountID uuid.UUID, ticker, direction string, shares, limitPrice decimal.Decimal, allowPartial bool) (*model.StandingOrder, error) {
	return s.evaluator.Create(ctx, accountID, ticker, direction, shares, limitPrice, allowPartial)
}

func (s *service) CancelStandingOrder(ctx context.Context, orderID uuid.UUID) error {
	return s.evaluator.Cancel(ctx, orderID)
}

func (s *service) StandingOrder(ctx context.Context, orderID uuid.UUID) (*model.StandingOrder, error) {
	var order *model.StandingOrder
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.Order(orderID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", orderID, model.ErrOrderNotFound)
		}
		return err
	})
	return order, err
}

func (s *service) SweepExpiredOrders(ctx context.Context) (int, error) {
	return s.evaluator.SweepExpired(ctx, s.clock())
}

func (s *service) retry(ctx context.Context, fn func() error) error {
	return store.WithRetry(ctx, s.cfg.RetryAttempts, s.cfg.RetryBackoff, func() error {
		err := fn()
		if errors.Is(err, store.ErrConflict) {
			metrics.StoreConflicts.Inc()
		}
		return err
	})
}

// txPriceFunc reads current prices out of the transaction, seeing any moves
// staged earlier in the same transaction.
func txPriceFunc(tx store.Tx) portfolio.PriceFunc {
	return func(ticker string) (decimal.Decimal, error) {
		inst, err := tx.Instrument(ticker)
		if err != nil {
			return decimal.Zero, err
		}
		return inst.Price, nil
	}
}

// addLong extends a long position at a weighted-average cost basis.
func addLong(acct *model.Account, ticker string, shares, price decimal.Decimal) {
	pos, ok := acct.Longs[ticker]
	if !ok {
		acct.Longs[ticker] = &model.LongPosition{Shares: shares, AvgCost: price}
		return
	}
	total := pos.Shares.Add(shares)
	pos.AvgCost = pos.AvgCost.Mul(pos.Shares).Add(price.Mul(shares)).Div(total)
	pos.Shares = total
}
