package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for trade directions and standing-order statuses
const (
	// Trade directions
	DirectionBuy   = "BUY"
	DirectionSell  = "SELL"
	DirectionShort = "SHORT"
	DirectionCover = "COVER"

	// Standing-order statuses
	OrderStatusPending         = "PENDING"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusExpired         = "EXPIRED"
)

// ValidDirection reports whether d is one of the four trade directions.
func ValidDirection(d string) bool {
	switch d {
	case DirectionBuy, DirectionSell, DirectionShort, DirectionCover:
		return true
	}
	return false
}

// BuySide reports whether a direction exerts buy-side pressure on price.
// COVER closes a short by buying, so it presses the price up like BUY.
func BuySide(direction string) bool {
	return direction == DirectionBuy || direction == DirectionCover
}

// SellSide reports whether a direction exerts sell-side pressure on price.
func SellSide(direction string) bool {
	return direction == DirectionSell || direction == DirectionShort
}

// TerminalStatus reports whether a standing-order status admits no further
// transitions.
func TerminalStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired:
		return true
	}
	return false
}

// CorrelationEdge is a directed, weighted link in the static correlation
// graph. A price move on the owning instrument cascades to Target scaled by
// Coefficient.
type CorrelationEdge struct {
	Target      string          `json:"target"`
	Coefficient decimal.Decimal `json:"coefficient"`
}

// Instrument represents one tradable instrument. Everything except Price and
// Version is static data seeded once at startup. Composite instruments are
// baskets whose price moves only through trades and contagion from their
// constituents; there is no separate recompute-from-constituents path.
type Instrument struct {
	Ticker        string            `json:"ticker"`
	BasePrice     decimal.Decimal   `json:"base_price"`
	Volatility    decimal.Decimal   `json:"volatility"`
	Liquidity     decimal.Decimal   `json:"liquidity"`
	PriceDecimals int32             `json:"price_decimals"`
	Correlations  []CorrelationEdge `json:"correlations,omitempty"`
	Composite     bool              `json:"composite,omitempty"`
	Constituents  []string          `json:"constituents,omitempty"`

	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
	Version   uint64          `json:"-"`
}

// Round snaps a price to the instrument's precision.
func (i *Instrument) Round(p decimal.Decimal) decimal.Decimal {
	return p.Round(i.PriceDecimals)
}

// PricePoint is one entry in an instrument's append-only price history.
// Timestamps are unix milliseconds and strictly increase within one
// instrument's history; writers bump colliding timestamps by one unit.
type PricePoint struct {
	Timestamp int64           `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
}

// LongPosition is a holding of shares with a weighted-average cost basis.
// It exists only while Shares > 0.
type LongPosition struct {
	Shares  decimal.Decimal `json:"shares"`
	AvgCost decimal.Decimal `json:"avg_cost"`
}

// ShortPosition is an open short with its posted collateral. Collateral is
// the sum of the amounts posted at each open, released proportionally on
// cover.
type ShortPosition struct {
	Shares     decimal.Decimal `json:"shares"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Collateral decimal.Decimal `json:"collateral"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// Account holds a trader's cash, positions and margin state. PeakValue is a
// monotonic watermark of portfolio value; margin capacity is keyed off it
// rather than the current value.
type Account struct {
	ID             uuid.UUID                 `json:"id"`
	Cash           decimal.Decimal           `json:"cash"`
	Longs          map[string]*LongPosition  `json:"longs"`
	Shorts         map[string]*ShortPosition `json:"shorts"`
	MarginEligible bool                      `json:"margin_eligible"`
	PeakValue      decimal.Decimal           `json:"peak_value"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	Version        uint64                    `json:"-"`
}

// NewAccount creates an account with the given starting cash.
func NewAccount(cash decimal.Decimal, marginEligible bool) *Account {
	now := time.Now()
	return &Account{
		ID:             uuid.New(),
		Cash:           cash,
		Longs:          make(map[string]*LongPosition),
		Shorts:         make(map[string]*ShortPosition),
		MarginEligible: marginEligible,
		PeakValue:      cash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// TotalShortCollateral sums collateral across all open short positions.
func (a *Account) TotalShortCollateral() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range a.Shorts {
		total = total.Add(pos.Collateral)
	}
	return total
}

// StandingOrder is a limit order that fills against the live reference price
// once its trigger condition holds. Status transitions:
// PENDING -> PARTIALLY_FILLED | FILLED | CANCELED | EXPIRED, and
// PARTIALLY_FILLED -> PARTIALLY_FILLED | FILLED | CANCELED | EXPIRED.
type StandingOrder struct {
	ID           uuid.UUID       `json:"id"`
	AccountID    uuid.UUID       `json:"account_id"`
	Ticker       string          `json:"ticker"`
	Direction    string          `json:"direction"`
	Shares       decimal.Decimal `json:"shares"`
	FilledShares decimal.Decimal `json:"filled_shares"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	AllowPartial bool            `json:"allow_partial"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Version      uint64          `json:"-"`
}

// Remaining returns the unfilled share count.
func (o *StandingOrder) Remaining() decimal.Decimal {
	return o.Shares.Sub(o.FilledShares)
}

// Terminal reports whether the order admits no further transitions.
func (o *StandingOrder) Terminal() bool {
	return TerminalStatus(o.Status)
}

// Triggered reports whether the current reference price satisfies the
// order's limit condition: buy-side orders fill at or below their limit,
// sell-side orders at or above it.
func (o *StandingOrder) Triggered(currentPrice decimal.Decimal) bool {
	if BuySide(o.Direction) {
		return currentPrice.LessThanOrEqual(o.LimitPrice)
	}
	return currentPrice.GreaterThanOrEqual(o.LimitPrice)
}

// Expired reports whether the order's absolute expiry has passed.
func (o *StandingOrder) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Quote is a projected bid/ask for a given trade size. Mid is the
// post-impact mid price, so the quoted prices already charge the slippage
// the trade itself would cause.
type Quote struct {
	Ticker string          `json:"ticker"`
	Shares decimal.Decimal `json:"shares"`
	Mid    decimal.Decimal `json:"mid"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Impact decimal.Decimal `json:"impact"`
}
