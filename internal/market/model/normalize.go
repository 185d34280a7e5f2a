package model

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Stored account documents predate the structured position records: a long
// holding may appear as a bare share count, and short records have carried
// optional fields. Decoding normalizes every shape to one tagged record at
// the ingestion boundary and rejects anything malformed instead of letting
// it flow downstream.

// DecodeLongPosition normalizes a raw long-position document. Accepted
// shapes: a bare number (share count, unknown cost basis) or a structured
// record with shares and avg_cost.
func DecodeLongPosition(raw json.RawMessage) (*LongPosition, error) {
	var shares decimal.Decimal
	if err := json.Unmarshal(raw, &shares); err == nil {
		if shares.IsNegative() {
			return nil, fmt.Errorf("long position with negative shares %s: %w", shares, ErrCorruptState)
		}
		return &LongPosition{Shares: shares, AvgCost: decimal.Zero}, nil
	}

	var pos LongPosition
	if err := json.Unmarshal(raw, &pos); err != nil {
		return nil, fmt.Errorf("malformed long position document: %w", ErrCorruptState)
	}
	if pos.Shares.IsNegative() || pos.AvgCost.IsNegative() {
		return nil, fmt.Errorf("long position with negative fields: %w", ErrCorruptState)
	}
	return &pos, nil
}

// DecodeShortPosition normalizes a raw short-position document.
func DecodeShortPosition(raw json.RawMessage) (*ShortPosition, error) {
	var pos ShortPosition
	if err := json.Unmarshal(raw, &pos); err != nil {
		return nil, fmt.Errorf("malformed short position document: %w", ErrCorruptState)
	}
	if pos.Shares.IsNegative() || pos.EntryPrice.IsNegative() || pos.Collateral.IsNegative() {
		return nil, fmt.Errorf("short position with negative fields: %w", ErrCorruptState)
	}
	return &pos, nil
}

// Validate checks an instrument for numerically invalid state. The engine
// refuses to execute new operations against an instrument that fails this
// check; repairing stored state is an external maintenance concern.
func (i *Instrument) Validate() error {
	if i.Ticker == "" {
		return fmt.Errorf("instrument with empty ticker: %w", ErrCorruptState)
	}
	if !i.Price.IsPositive() {
		return fmt.Errorf("instrument %s with non-positive price %s: %w", i.Ticker, i.Price, ErrCorruptState)
	}
	if !i.Liquidity.IsPositive() {
		return fmt.Errorf("instrument %s with non-positive liquidity %s: %w", i.Ticker, i.Liquidity, ErrCorruptState)
	}
	return nil
}

// Validate checks an account for numerically invalid state.
func (a *Account) Validate() error {
	if a.Cash.IsNegative() {
		return fmt.Errorf("account %s with negative cash %s: %w", a.ID, a.Cash, ErrCorruptState)
	}
	for ticker, pos := range a.Longs {
		if pos == nil || !pos.Shares.IsPositive() || pos.AvgCost.IsNegative() {
			return fmt.Errorf("account %s long position %s invalid: %w", a.ID, ticker, ErrCorruptState)
		}
	}
	for ticker, pos := range a.Shorts {
		if pos == nil || !pos.Shares.IsPositive() || pos.EntryPrice.IsNegative() || pos.Collateral.IsNegative() {
			return fmt.Errorf("account %s short position %s invalid: %w", a.ID, ticker, ErrCorruptState)
		}
	}
	return nil
}

// Validate checks a standing order's internal consistency.
func (o *StandingOrder) Validate() error {
	if !o.Shares.IsPositive() || o.FilledShares.IsNegative() {
		return fmt.Errorf("order %s with invalid share counts: %w", o.ID, ErrCorruptState)
	}
	if o.FilledShares.GreaterThan(o.Shares) {
		return fmt.Errorf("order %s filled %s exceeds requested %s: %w", o.ID, o.FilledShares, o.Shares, ErrCorruptState)
	}
	if !o.LimitPrice.IsPositive() {
		return fmt.Errorf("order %s with non-positive limit price: %w", o.ID, ErrCorruptState)
	}
	return nil
}
