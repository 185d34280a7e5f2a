// Package portfolio aggregates an account's cash, long holdings and short
// equity into a single portfolio value.
package portfolio

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantfold/marketsim/internal/market/model"
)

// PriceFunc resolves the current reference price for a ticker. Callers pass
// a closure over their store transaction so valuation always sees the prices
// of the moment.
type PriceFunc func(ticker string) (decimal.Decimal, error)

// Value computes cash + Σ longShares×price + Σ (shortCollateral +
// (entry − price)×shortShares). Short equity terms may be negative.
func Value(acct *model.Account, price PriceFunc) (decimal.Decimal, error) {
	total := acct.Cash
	for ticker, pos := range acct.Longs {
		p, err := price(ticker)
		if err != nil {
			return decimal.Zero, fmt.Errorf("value long %s: %w", ticker, err)
		}
		total = total.Add(pos.Shares.Mul(p))
	}
	for ticker, pos := range acct.Shorts {
		p, err := price(ticker)
		if err != nil {
			return decimal.Zero, fmt.Errorf("value short %s: %w", ticker, err)
		}
		equity := pos.Collateral.Add(pos.EntryPrice.Sub(p).Mul(pos.Shares))
		total = total.Add(equity)
	}
	return total, nil
}

// UpdatePeak recomputes the account's portfolio value and advances the peak
// watermark if the current value exceeds it. The peak never decreases.
func UpdatePeak(acct *model.Account, price PriceFunc) (decimal.Decimal, error) {
	value, err := Value(acct, price)
	if err != nil {
		return decimal.Zero, err
	}
	if value.GreaterThan(acct.PeakValue) {
		acct.PeakValue = value
	}
	return value, nil
}
