// Package margin manages the short-position lifecycle: collateral
// requirements on open, proportional release on cover, and liquidation-risk
// flagging. The ledger computes and exposes the at-risk flag only; forcing
// liquidation is an external risk-management responsibility.
package margin

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/marketsim/internal/market/model"
)

// Config holds the margin parameters.
type Config struct {
	// RequirementRatio is the fraction of notional a short seller posts as
	// collateral.
	RequirementRatio decimal.Decimal
	// LiquidationThreshold is the equity ratio below which a position is
	// flagged at risk.
	LiquidationThreshold decimal.Decimal
	// Tiers is the margin capacity schedule keyed by peak portfolio value,
	// ascending by MinPeak.
	Tiers []Tier
}

// Tier grants a margin capacity once an account's peak portfolio value
// reaches MinPeak. Capacity is keyed by the historical peak, which never
// decreases, so borrowing power tracks demonstrated account strength rather
// than short-term price noise.
type Tier struct {
	MinPeak  decimal.Decimal
	Capacity decimal.Decimal
}

// DefaultConfig returns the standard margin parameters.
func DefaultConfig() Config {
	return Config{
		RequirementRatio:     decimal.NewFromFloat(0.5),
		LiquidationThreshold: decimal.NewFromFloat(0.25),
		Tiers: []Tier{
			{MinPeak: decimal.Zero, Capacity: decimal.NewFromInt(10_000)},
			{MinPeak: decimal.NewFromInt(25_000), Capacity: decimal.NewFromInt(50_000)},
			{MinPeak: decimal.NewFromInt(100_000), Capacity: decimal.NewFromInt(250_000)},
			{MinPeak: decimal.NewFromInt(1_000_000), Capacity: decimal.NewFromInt(5_000_000)},
		},
	}
}

// Ledger applies short-position mutations to accounts. It is stateless;
// accounts are mutated in place and the caller commits them transactionally.
type Ledger struct {
	cfg    Config
	logger *zap.Logger
}

// NewLedger creates a margin ledger.
func NewLedger(cfg Config, logger *zap.Logger) *Ledger {
	return &Ledger{cfg: cfg, logger: logger}
}

// RequiredCollateral returns price × shares × requirement ratio.
func (l *Ledger) RequiredCollateral(price, shares decimal.Decimal) decimal.Decimal {
	return price.Mul(shares).Mul(l.cfg.RequirementRatio)
}

// Capacity returns the margin capacity granted by the tier schedule for the
// given peak portfolio value.
func (l *Ledger) Capacity(peakValue decimal.Decimal) decimal.Decimal {
	capacity := decimal.Zero
	for _, tier := range l.cfg.Tiers {
		if peakValue.GreaterThanOrEqual(tier.MinPeak) {
			capacity = tier.Capacity
		}
	}
	return capacity
}

// OpenShort posts collateral and creates or extends the account's short
// position at the given entry price. The account must hold the collateral
// in cash, and total short collateral is capped both by the account's
// portfolio equity (preventing unbounded leverage spirals) and by the tier
// capacity for its peak value. The entry price of an extended position is
// the weighted average across opens.
func (l *Ledger) OpenShort(acct *model.Account, ticker string, shares, entryPrice, portfolioEquity decimal.Decimal, now time.Time) error {
	if !shares.IsPositive() {
		return model.ErrNonPositiveShares
	}
	if !acct.MarginEligible {
		return model.ErrMarginNotEligible
	}

	required := l.RequiredCollateral(entryPrice, shares)
	if acct.Cash.LessThan(required) {
		return fmt.Errorf("need %s collateral, have %s cash: %w", required, acct.Cash, model.ErrInsufficientFunds)
	}
	existing := acct.TotalShortCollateral()
	if required.Add(existing).GreaterThan(portfolioEquity) {
		return fmt.Errorf("collateral %s + existing %s exceeds equity %s: %w",
			required, existing, portfolioEquity, model.ErrEquityCapExceeded)
	}
	if capacity := l.Capacity(acct.PeakValue); required.Add(existing).GreaterThan(capacity) {
		return fmt.Errorf("collateral %s + existing %s exceeds tier capacity %s: %w",
			required, existing, capacity, model.ErrMarginCapacityExceeded)
	}

	acct.Cash = acct.Cash.Sub(required)
	pos, ok := acct.Shorts[ticker]
	if !ok {
		acct.Shorts[ticker] = &model.ShortPosition{
			Shares:     shares,
			EntryPrice: entryPrice,
			Collateral: required,
			OpenedAt:   now,
		}
	} else {
		newShares := pos.Shares.Add(shares)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Shares).Add(entryPrice.Mul(shares)).Div(newShares)
		pos.Shares = newShares
		pos.Collateral = pos.Collateral.Add(required)
	}

	l.logger.Debug("opened short",
		zap.String("account", acct.ID.String()),
		zap.String("ticker", ticker),
		zap.String("shares", shares.String()),
		zap.String("entry_price", entryPrice.String()),
		zap.String("collateral", required.String()))
	return nil
}

// CoverShort closes shares of the account's short at the current ask price.
// Profit is (entry − ask) × shares and may be negative; collateral is
// released in proportion to the covered share count. The position is deleted
// when its share count reaches zero.
func (l *Ledger) CoverShort(acct *model.Account, ticker string, shares, askPrice decimal.Decimal) (decimal.Decimal, error) {
	if !shares.IsPositive() {
		return decimal.Zero, model.ErrNonPositiveShares
	}
	pos, ok := acct.Shorts[ticker]
	if !ok {
		return decimal.Zero, fmt.Errorf("no short position in %s: %w", ticker, model.ErrPositionNotFound)
	}
	if shares.GreaterThan(pos.Shares) {
		return decimal.Zero, fmt.Errorf("covering %s of %s shorted: %w", shares, pos.Shares, model.ErrInsufficientShort)
	}

	profit := pos.EntryPrice.Sub(askPrice).Mul(shares)
	returned := pos.Collateral.Mul(shares.Div(pos.Shares))
	credit := returned.Add(profit)
	if acct.Cash.Add(credit).IsNegative() {
		return decimal.Zero, fmt.Errorf("cover loss %s exceeds cash %s: %w", credit.Neg(), acct.Cash, model.ErrInsufficientFunds)
	}

	acct.Cash = acct.Cash.Add(credit)
	if shares.Equal(pos.Shares) {
		delete(acct.Shorts, ticker)
	} else {
		pos.Shares = pos.Shares.Sub(shares)
		pos.Collateral = pos.Collateral.Sub(returned)
	}

	l.logger.Debug("covered short",
		zap.String("account", acct.ID.String()),
		zap.String("ticker", ticker),
		zap.String("shares", shares.String()),
		zap.String("ask_price", askPrice.String()),
		zap.String("profit", profit.String()),
		zap.String("collateral_returned", returned.String()))
	return profit, nil
}

// EquityRatio returns (collateral + (entry − current) × shares) /
// (current × shares) for a short position.
func (l *Ledger) EquityRatio(pos *model.ShortPosition, currentPrice decimal.Decimal) decimal.Decimal {
	notional := currentPrice.Mul(pos.Shares)
	if !notional.IsPositive() {
		return decimal.Zero
	}
	equity := pos.Collateral.Add(pos.EntryPrice.Sub(currentPrice).Mul(pos.Shares))
	return equity.Div(notional)
}

// AtRisk reports whether the position's equity ratio has fallen below the
// liquidation threshold.
func (l *Ledger) AtRisk(pos *model.ShortPosition, currentPrice decimal.Decimal) bool {
	return l.EquityRatio(pos, currentPrice).LessThan(l.cfg.LiquidationThreshold)
}
