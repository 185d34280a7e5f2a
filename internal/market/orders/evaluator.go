// Package orders manages the standing (limit) order lifecycle and fills
// orders against live prices after every price-affecting event.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/marketsim/internal/market/margin"
	"github.com/quantfold/marketsim/internal/market/model"
	"github.com/quantfold/marketsim/internal/market/portfolio"
	"github.com/quantfold/marketsim/internal/market/pricing"
	"github.com/quantfold/marketsim/internal/store"
	"github.com/quantfold/marketsim/pkg/metrics"
)

// Config holds the standing-order parameters.
type Config struct {
	// TTL is the window from creation to an order's absolute expiry.
	TTL time.Duration
	// LimitPriceMultiple bounds how far a limit price may sit from the
	// current price at creation time.
	LimitPriceMultiple decimal.Decimal
	// RetryAttempts bounds transparent retries on write conflicts.
	RetryAttempts int
	// RetryBackoff is the base backoff between retries.
	RetryBackoff time.Duration
	// MaxChainedEvaluations bounds how many order evaluations one price
	// event may trigger transitively through fill cascades.
	MaxChainedEvaluations int
}

// DefaultConfig returns the standard order parameters.
func DefaultConfig() Config {
	return Config{
		TTL:                   24 * time.Hour,
		LimitPriceMultiple:    decimal.NewFromInt(10),
		RetryAttempts:         3,
		RetryBackoff:          25 * time.Millisecond,
		MaxChainedEvaluations: 64,
	}
}

// Fill is the result of executing a trade for a standing order.
type Fill struct {
	Price           decimal.Decimal
	Profit          decimal.Decimal
	AffectedTickers []string
}

// Executor runs a trade inside a store transaction on behalf of the
// evaluator. The market service implements it; the indirection keeps order
// evaluation and trade execution in separate packages without a cycle.
type Executor interface {
	// FillTrade applies the trade to the account and the instrument's
	// price within tx. Account and instrument were read inside tx and are
	// mutated in place.
	FillTrade(tx store.Tx, acct *model.Account, inst *model.Instrument, direction string, shares decimal.Decimal, now time.Time) (*Fill, error)
	// LockAccount serializes account-mutating operations for one account.
	LockAccount(id uuid.UUID) (unlock func())
}

// Evaluator owns standing-order creation, cancellation, evaluation against
// live prices, and the expiry sweep.
type Evaluator struct {
	store    store.Store
	pricing  *pricing.Engine
	ledger   *margin.Ledger
	executor Executor
	cfg      Config
	logger   *zap.Logger
	clock    func() time.Time
}

// NewEvaluator creates a standing-order evaluator. The executor is attached
// afterwards via SetExecutor because the market service and the evaluator
// reference each other.
func NewEvaluator(st store.Store, eng *pricing.Engine, ledger *margin.Ledger, cfg Config, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		store:   st,
		pricing: eng,
		ledger:  ledger,
		cfg:     cfg,
		logger:  logger,
		clock:   time.Now,
	}
}

// SetExecutor attaches the trade executor.
func (ev *Evaluator) SetExecutor(executor Executor) { ev.executor = executor }

// SetClock overrides the evaluator's clock; tests use it to control expiry.
func (ev *Evaluator) SetClock(clock func() time.Time) { ev.clock = clock }

// Create validates and persists a new standing order in PENDING state.
// Funds are not escrowed at creation; every fill re-validates against the
// account's state at that moment.
func (ev *Evaluator) Create(ctx context.Context, accountID uuid.UUID, ticker, direction string, shares, limitPrice decimal.Decimal, allowPartial bool) (*model.StandingOrder, error) {
	if !model.ValidDirection(direction) {
		return nil, fmt.Errorf("%q: %w", direction, model.ErrInvalidDirection)
	}
	if !shares.IsPositive() {
		return nil, model.ErrNonPositiveShares
	}
	if !limitPrice.IsPositive() {
		return nil, fmt.Errorf("limit price %s: %w", limitPrice, model.ErrLimitPriceOutOfRange)
	}

	now := ev.clock()
	order := &model.StandingOrder{
		ID:           uuid.New(),
		AccountID:    accountID,
		Ticker:       ticker,
		Direction:    direction,
		Shares:       shares,
		FilledShares: decimal.Zero,
		LimitPrice:   limitPrice,
		AllowPartial: allowPartial,
		Status:       model.OrderStatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ev.cfg.TTL),
		UpdatedAt:    now,
	}

	err := ev.store.Update(ctx, func(tx store.Tx) error {
		inst, err := tx.Instrument(ticker)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%s: %w", ticker, model.ErrUnknownInstrument)
			}
			return err
		}
		if err := inst.Validate(); err != nil {
			return err
		}
		lower := inst.Price.Div(ev.cfg.LimitPriceMultiple)
		upper := inst.Price.Mul(ev.cfg.LimitPriceMultiple)
		if limitPrice.LessThan(lower) || limitPrice.GreaterThan(upper) {
			return fmt.Errorf("limit %s vs current %s: %w", limitPrice, inst.Price, model.ErrLimitPriceOutOfRange)
		}
		if _, err := tx.Account(accountID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%s: %w", accountID, model.ErrUnknownAccount)
			}
			return err
		}
		return tx.CreateOrder(order)
	})
	if err != nil {
		return nil, err
	}

	ev.logger.Info("standing order created",
		zap.String("order_id", order.ID.String()),
		zap.String("ticker", ticker),
		zap.String("direction", direction),
		zap.String("shares", shares.String()),
		zap.String("limit_price", limitPrice.String()))

	// The order may already be eligible at the current price; return the
	// post-evaluation state so an immediate fill is visible to the caller.
	if _, err := ev.EvaluateTickers(ctx, []string{ticker}); err != nil {
		ev.logger.Warn("evaluation after order creation failed", zap.Error(err))
	}
	if err := ev.store.View(ctx, func(tx store.Tx) error {
		latest, err := tx.Order(order.ID)
		if err == nil {
			order = latest
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return order, nil
}

// Cancel transitions an order to CANCELED if it is still in a non-terminal
// state. A fill that races ahead of the cancel wins: the conditional
// transition then fails with ErrOrderTerminal.
func (ev *Evaluator) Cancel(ctx context.Context, orderID uuid.UUID) error {
	return ev.retry(ctx, func() error {
		return ev.store.Update(ctx, func(tx store.Tx) error {
			order, err := tx.Order(orderID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%s: %w", orderID, model.ErrOrderNotFound)
				}
				return err
			}
			if order.Terminal() {
				return fmt.Errorf("%s is %s: %w", orderID, order.Status, model.ErrOrderTerminal)
			}
			order.Status = model.OrderStatusCanceled
			order.UpdatedAt = ev.clock()
			return tx.PutOrder(order)
		})
	})
}

// EvaluateTickers evaluates every non-terminal order on the given tickers.
// Fills move prices, which can make further orders eligible; those tickers
// are queued and processed in turn, bounded by MaxChainedEvaluations so a
// pathological fill chain terminates.
func (ev *Evaluator) EvaluateTickers(ctx context.Context, tickers []string) ([]uuid.UUID, error) {
	queue := append([]string(nil), tickers...)
	var filled []uuid.UUID
	evaluations := 0

	for len(queue) > 0 {
		ticker := queue[0]
		queue = queue[1:]

		open, err := ev.openOrders(ctx, ticker)
		if err != nil {
			return filled, err
		}
		for _, snapshot := range open {
			if evaluations >= ev.cfg.MaxChainedEvaluations {
				ev.logger.Warn("evaluation chain bound reached", zap.Int("evaluations", evaluations))
				return filled, nil
			}
			evaluations++

			affected, didFill, err := ev.tryFill(ctx, snapshot.ID)
			if err != nil {
				ev.logger.Warn("order evaluation failed",
					zap.String("order_id", snapshot.ID.String()), zap.Error(err))
				continue
			}
			if didFill {
				filled = append(filled, snapshot.ID)
				queue = append(queue, affected...)
			}
		}
	}
	return filled, nil
}

func (ev *Evaluator) openOrders(ctx context.Context, ticker string) ([]*model.StandingOrder, error) {
	var open []*model.StandingOrder
	err := ev.store.View(ctx, func(tx store.Tx) error {
		var err error
		open, err = tx.OpenOrdersByTicker(ticker)
		return err
	})
	return open, err
}

// tryFill re-reads the order, instrument and account inside one transaction
// and attempts a fill at the price of that moment. Prices are never cached
// across the decision. A fill that cannot be satisfied leaves the order
// untouched for future evaluation.
func (ev *Evaluator) tryFill(ctx context.Context, orderID uuid.UUID) (affected []string, didFill bool, err error) {
	var accountID uuid.UUID
	if err := ev.store.View(ctx, func(tx store.Tx) error {
		order, err := tx.Order(orderID)
		if err != nil {
			return err
		}
		accountID = order.AccountID
		return nil
	}); err != nil {
		return nil, false, err
	}

	unlock := ev.executor.LockAccount(accountID)
	defer unlock()

	err = ev.retry(ctx, func() error {
		affected, didFill = nil, false
		return ev.store.Update(ctx, func(tx store.Tx) error {
			order, err := tx.Order(orderID)
			if err != nil {
				return err
			}
			if order.Terminal() {
				return nil
			}
			now := ev.clock()
			if order.Expired(now) {
				order.Status = model.OrderStatusExpired
				order.UpdatedAt = now
				metrics.OrdersExpired.Inc()
				return tx.PutOrder(order)
			}

			inst, err := tx.Instrument(order.Ticker)
			if err != nil {
				return err
			}
			if err := inst.Validate(); err != nil {
				return err
			}
			if !order.Triggered(inst.Price) {
				return nil
			}

			acct, err := tx.Account(order.AccountID)
			if err != nil {
				return err
			}
			if err := acct.Validate(); err != nil {
				return err
			}

			remaining := order.Remaining()
			fillable, err := ev.satisfiable(tx, acct, inst, order.Direction, remaining)
			if err != nil {
				return err
			}
			if !fillable.IsPositive() {
				return nil
			}
			if !order.AllowPartial && fillable.LessThan(remaining) {
				// all-or-nothing: wait until the whole remainder fits
				return nil
			}
			shares := decimal.Min(fillable, remaining)

			// The fill executes at the post-impact quote; it must still
			// respect the order's limit.
			quote, err := ev.pricing.Quote(inst, shares, order.Direction)
			if err != nil {
				return err
			}
			execPrice := quote.Bid
			if model.BuySide(order.Direction) {
				execPrice = quote.Ask
				if execPrice.GreaterThan(order.LimitPrice) {
					return nil
				}
			} else if execPrice.LessThan(order.LimitPrice) {
				return nil
			}

			fill, err := ev.executor.FillTrade(tx, acct, inst, order.Direction, shares, now)
			if err != nil {
				if errors.Is(err, store.ErrConflict) {
					return err
				}
				// validation failure: leave the order pending
				ev.logger.Debug("fill not satisfiable",
					zap.String("order_id", order.ID.String()), zap.Error(err))
				return nil
			}

			order.FilledShares = order.FilledShares.Add(shares)
			if order.Remaining().IsZero() {
				order.Status = model.OrderStatusFilled
			} else {
				order.Status = model.OrderStatusPartiallyFilled
			}
			order.UpdatedAt = now
			if err := tx.PutOrder(order); err != nil {
				return err
			}

			metrics.OrderFills.WithLabelValues(order.Status).Inc()
			ev.logger.Info("standing order filled",
				zap.String("order_id", order.ID.String()),
				zap.String("ticker", order.Ticker),
				zap.String("shares", shares.String()),
				zap.String("price", fill.Price.String()),
				zap.String("status", order.Status))

			affected = fill.AffectedTickers
			didFill = true
			return nil
		})
	})
	return affected, didFill, err
}

// satisfiable returns how many of the requested shares the account could
// fill right now, in whole shares. Zero means the order stays untouched.
func (ev *Evaluator) satisfiable(tx store.Tx, acct *model.Account, inst *model.Instrument, direction string, requested decimal.Decimal) (decimal.Decimal, error) {
	quote, err := ev.pricing.Quote(inst, requested, direction)
	if err != nil {
		return decimal.Zero, err
	}

	switch direction {
	case model.DirectionBuy:
		cost := quote.Ask.Mul(requested)
		if acct.Cash.GreaterThanOrEqual(cost) {
			return requested, nil
		}
		if !quote.Ask.IsPositive() {
			return decimal.Zero, nil
		}
		// The ask for a smaller trade is never higher, so flooring
		// against the full-size ask cannot overcommit cash.
		return acct.Cash.Div(quote.Ask).Floor(), nil

	case model.DirectionSell:
		pos, ok := acct.Longs[inst.Ticker]
		if !ok {
			return decimal.Zero, nil
		}
		return decimal.Min(requested, pos.Shares), nil

	case model.DirectionShort:
		if !acct.MarginEligible {
			return decimal.Zero, nil
		}
		equity, err := portfolio.Value(acct, func(t string) (decimal.Decimal, error) {
			i, err := tx.Instrument(t)
			if err != nil {
				return decimal.Zero, err
			}
			return i.Price, nil
		})
		if err != nil {
			return decimal.Zero, err
		}
		perShare := ev.ledger.RequiredCollateral(quote.Bid, decimal.NewFromInt(1))
		if !perShare.IsPositive() {
			return decimal.Zero, nil
		}
		headroom := decimal.Min(
			decimal.Min(acct.Cash, equity.Sub(acct.TotalShortCollateral())),
			ev.ledger.Capacity(acct.PeakValue).Sub(acct.TotalShortCollateral()),
		)
		if !headroom.IsPositive() {
			return decimal.Zero, nil
		}
		return decimal.Min(requested, headroom.Div(perShare).Floor()), nil

	case model.DirectionCover:
		pos, ok := acct.Shorts[inst.Ticker]
		if !ok {
			return decimal.Zero, nil
		}
		return decimal.Min(requested, pos.Shares), nil
	}
	return decimal.Zero, fmt.Errorf("%q: %w", direction, model.ErrInvalidDirection)
}

// SweepExpired transitions every non-terminal order past its expiry to
// EXPIRED and returns how many it moved.
func (ev *Evaluator) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	err := ev.store.Update(ctx, func(tx store.Tx) error {
		expired = 0
		open, err := tx.OpenOrders()
		if err != nil {
			return err
		}
		for _, order := range open {
			if !order.Expired(now) {
				continue
			}
			order.Status = model.OrderStatusExpired
			order.UpdatedAt = now
			if err := tx.PutOrder(order); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		metrics.OrdersExpired.Add(float64(expired))
		ev.logger.Info("expired standing orders", zap.Int("count", expired))
	}
	return expired, nil
}

func (ev *Evaluator) retry(ctx context.Context, fn func() error) error {
	return store.WithRetry(ctx, ev.cfg.RetryAttempts, ev.cfg.RetryBackoff, func() error {
		err := fn()
		if errors.Is(err, store.ErrConflict) {
			metrics.StoreConflicts.Inc()
		}
		return err
	})
}
