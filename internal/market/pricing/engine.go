// Package pricing owns price formation: trade-driven impact on the mid
// price, bid/ask quoting, and contagion of a price move through the
// correlation graph.
package pricing

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/marketsim/internal/market/model"
	"github.com/quantfold/marketsim/internal/store"
	"github.com/quantfold/marketsim/pkg/metrics"
)

var two = decimal.NewFromInt(2)

// Config holds the price-formation parameters.
type Config struct {
	// ImpactCoefficient scales the square-root impact law.
	ImpactCoefficient decimal.Decimal
	// SpreadRatio is the bid/ask spread as a fraction of the mid price.
	SpreadRatio decimal.Decimal
	// MinPrice is the floor below which no price can move.
	MinPrice decimal.Decimal
	// MaxDepth bounds how many hops a contagion cascade travels.
	MaxDepth int
}

// DefaultConfig returns the standard market parameters.
func DefaultConfig() Config {
	return Config{
		ImpactCoefficient: decimal.NewFromFloat(0.1),
		SpreadRatio:       decimal.NewFromFloat(0.02),
		MinPrice:          decimal.NewFromFloat(0.01),
		MaxDepth:          3,
	}
}

// Engine computes quotes and applies trades to instrument prices. It holds
// no mutable market state of its own; all state lives in the store and is
// mutated inside the caller's transaction.
type Engine struct {
	cfg        Config
	propagator *Propagator
	logger     *zap.Logger
}

// NewEngine creates a pricing engine.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		propagator: newPropagator(cfg, logger),
		logger:     logger,
	}
}

// Impact computes the price displacement a trade of the given size causes:
// price × coefficient × sqrt(shares/liquidity). The square root gives
// diminishing marginal impact per additional share, so a single large order
// cannot move the price linearly without bound.
func (e *Engine) Impact(price, shares, liquidity decimal.Decimal) decimal.Decimal {
	ratio, _ := shares.Div(liquidity).Float64()
	if ratio < 0 {
		ratio = 0
	}
	return price.Mul(e.cfg.ImpactCoefficient).Mul(decimal.NewFromFloat(math.Sqrt(ratio)))
}

// projectMid returns the mid price after the given trade would execute,
// floored at the minimum price and rounded to the instrument's precision.
func (e *Engine) projectMid(inst *model.Instrument, direction string, shares decimal.Decimal) decimal.Decimal {
	impact := e.Impact(inst.Price, shares, inst.Liquidity)
	var mid decimal.Decimal
	if model.BuySide(direction) {
		mid = inst.Price.Add(impact)
	} else {
		mid = inst.Price.Sub(impact)
	}
	if mid.LessThan(e.cfg.MinPrice) {
		mid = e.cfg.MinPrice
	}
	return inst.Round(mid)
}

// Quote projects the post-impact mid for a trade of the given size and
// derives bid and ask around it. The trader pays or receives the post-impact
// price: slippage is charged to whoever causes it.
func (e *Engine) Quote(inst *model.Instrument, shares decimal.Decimal, direction string) (*model.Quote, error) {
	if !shares.IsPositive() {
		return nil, model.ErrNonPositiveShares
	}
	if !model.ValidDirection(direction) {
		return nil, fmt.Errorf("%q: %w", direction, model.ErrInvalidDirection)
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}

	mid := e.projectMid(inst, direction, shares)
	half := mid.Mul(e.cfg.SpreadRatio).Div(two)
	bid := inst.Round(mid.Sub(half))
	if bid.LessThan(e.cfg.MinPrice) {
		bid = e.cfg.MinPrice
	}
	return &model.Quote{
		Ticker: inst.Ticker,
		Shares: shares,
		Mid:    mid,
		Bid:    bid,
		Ask:    inst.Round(mid.Add(half)),
		Impact: e.Impact(inst.Price, shares, inst.Liquidity),
	}, nil
}

// ApplyTrade moves the instrument's mid by the trade's impact, records the
// new price point, and cascades the move through the correlation graph. All
// writes go through tx so the whole batch commits together. The returned
// tickers are every instrument whose price changed, source first.
func (e *Engine) ApplyTrade(tx store.Tx, inst *model.Instrument, direction string, shares decimal.Decimal, now time.Time) ([]string, error) {
	oldPrice := inst.Price
	newPrice := e.projectMid(inst, direction, shares)
	return e.applyMove(tx, inst, oldPrice, newPrice, now)
}

// ApplyOverride sets the instrument's mid to an explicit price. Operator
// overrides route through the same contagion step as trades, so correlated
// instruments stay consistent regardless of why a price changed.
func (e *Engine) ApplyOverride(tx store.Tx, inst *model.Instrument, price decimal.Decimal, now time.Time) ([]string, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("override price %s: %w", price, model.ErrCorruptState)
	}
	oldPrice := inst.Price
	newPrice := inst.Round(price)
	if newPrice.LessThan(e.cfg.MinPrice) {
		newPrice = e.cfg.MinPrice
	}
	return e.applyMove(tx, inst, oldPrice, newPrice, now)
}

func (e *Engine) applyMove(tx store.Tx, inst *model.Instrument, oldPrice, newPrice decimal.Decimal, now time.Time) ([]string, error) {
	inst.Price = newPrice
	inst.UpdatedAt = now

	moved := []*model.Instrument{inst}
	if !newPrice.Equal(oldPrice) {
		cascade, err := e.propagator.Propagate(tx, inst, oldPrice, newPrice, now)
		if err != nil {
			return nil, err
		}
		moved = append(moved, cascade...)
	}

	tickers := make([]string, 0, len(moved))
	for _, m := range moved {
		if err := tx.PutInstrument(m); err != nil {
			return nil, fmt.Errorf("commit price for %s: %w", m.Ticker, err)
		}
		ts, err := e.nextTimestamp(tx, m.Ticker, now)
		if err != nil {
			return nil, err
		}
		if err := tx.AppendPricePoint(m.Ticker, model.PricePoint{Timestamp: ts, Price: m.Price}); err != nil {
			return nil, err
		}
		tickers = append(tickers, m.Ticker)
	}

	metrics.CascadeSize.Observe(float64(len(moved) - 1))
	e.logger.Debug("applied price move",
		zap.String("ticker", inst.Ticker),
		zap.String("old_price", oldPrice.String()),
		zap.String("new_price", newPrice.String()),
		zap.Int("cascade_size", len(moved)-1))
	return tickers, nil
}

// nextTimestamp returns a history timestamp strictly after the last recorded
// point, bumping by one millisecond on collision so history stays totally
// ordered for charting and replay.
func (e *Engine) nextTimestamp(tx store.Tx, ticker string, now time.Time) (int64, error) {
	ts := now.UnixMilli()
	last, ok, err := tx.LastPricePoint(ticker)
	if err != nil {
		return 0, err
	}
	if ok && ts <= last.Timestamp {
		ts = last.Timestamp + 1
	}
	return ts, nil
}
