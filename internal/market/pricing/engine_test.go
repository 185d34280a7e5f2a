package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quantfold/marketsim/internal/market/model"
	"github.com/quantfold/marketsim/internal/store"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testInstrument(ticker string, price string, liquidity int64) *model.Instrument {
	return &model.Instrument{
		Ticker:        ticker,
		BasePrice:     dec(price),
		Volatility:    dec("0.2"),
		Liquidity:     decimal.NewFromInt(liquidity),
		PriceDecimals: 2,
		Price:         dec(price),
	}
}

func newTestEngine(t *testing.T) *Engine {
	return NewEngine(DefaultConfig(), zaptest.NewLogger(t))
}

func TestImpactSquareRootLaw(t *testing.T) {
	eng := newTestEngine(t)

	// 100 shares against liquidity 10000: sqrt(0.01) = 0.1, so the
	// displacement is 100 * 0.1 * 0.1 = 1.00.
	impact := eng.Impact(dec("100"), dec("100"), dec("10000"))
	assert.True(t, impact.Equal(dec("1")), "got %s", impact)

	// Quadrupling size only doubles the impact.
	impact4x := eng.Impact(dec("100"), dec("400"), dec("10000"))
	assert.True(t, impact4x.Equal(dec("2")), "got %s", impact4x)
}

func TestImpactMonotonicInSize(t *testing.T) {
	eng := newTestEngine(t)
	prev := decimal.Zero
	for _, shares := range []string{"10", "50", "100", "500", "1000"} {
		impact := eng.Impact(dec("100"), dec(shares), dec("10000"))
		assert.True(t, impact.GreaterThan(prev), "impact for %s shares not increasing", shares)
		prev = impact
	}
}

func TestQuoteChargesSlippageToCauser(t *testing.T) {
	eng := newTestEngine(t)
	inst := testInstrument("ACME", "100", 10000)

	quote, err := eng.Quote(inst, dec("100"), model.DirectionBuy)
	require.NoError(t, err)

	// Post-impact mid 101; half-spread 101 * 0.02 / 2 = 1.01.
	assert.True(t, quote.Mid.Equal(dec("101")), "mid %s", quote.Mid)
	assert.True(t, quote.Ask.Equal(dec("102.01")), "ask %s", quote.Ask)
	assert.True(t, quote.Bid.Equal(dec("99.99")), "bid %s", quote.Bid)
	assert.True(t, quote.Impact.Equal(dec("1")), "impact %s", quote.Impact)

	// The instrument itself is untouched by quoting.
	assert.True(t, inst.Price.Equal(dec("100")))
}

func TestQuoteSellSideMovesDown(t *testing.T) {
	eng := newTestEngine(t)
	inst := testInstrument("ACME", "100", 10000)

	quote, err := eng.Quote(inst, dec("100"), model.DirectionSell)
	require.NoError(t, err)
	assert.True(t, quote.Mid.Equal(dec("99")), "mid %s", quote.Mid)
	assert.True(t, quote.Bid.Equal(dec("98.01")), "bid %s", quote.Bid)
	assert.True(t, quote.Ask.Equal(dec("99.99")), "ask %s", quote.Ask)
}

func TestQuoteDirections(t *testing.T) {
	eng := newTestEngine(t)
	inst := testInstrument("ACME", "100", 10000)

	// COVER presses the price up like BUY; SHORT presses down like SELL.
	cover, err := eng.Quote(inst, dec("100"), model.DirectionCover)
	require.NoError(t, err)
	short, err := eng.Quote(inst, dec("100"), model.DirectionShort)
	require.NoError(t, err)
	assert.True(t, cover.Mid.Equal(dec("101")))
	assert.True(t, short.Mid.Equal(dec("99")))

	_, err = eng.Quote(inst, dec("100"), "HOLD")
	assert.ErrorIs(t, err, model.ErrInvalidDirection)
	_, err = eng.Quote(inst, decimal.Zero, model.DirectionBuy)
	assert.ErrorIs(t, err, model.ErrNonPositiveShares)
}

func TestPriceFloor(t *testing.T) {
	eng := newTestEngine(t)
	inst := testInstrument("PENNY", "0.02", 100)

	// A sell big enough to push the mid negative pins it at the floor.
	quote, err := eng.Quote(inst, dec("10000"), model.DirectionSell)
	require.NoError(t, err)
	assert.True(t, quote.Mid.Equal(dec("0.01")), "mid %s", quote.Mid)
	assert.True(t, quote.Bid.Equal(dec("0.01")), "bid %s", quote.Bid)
}

func TestApplyTradeMovesPriceAndRecordsHistory(t *testing.T) {
	eng := newTestEngine(t)
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		return tx.CreateInstrument(testInstrument("ACME", "100", 10000))
	}))

	var affected []string
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		inst, err := tx.Instrument("ACME")
		require.NoError(t, err)
		affected, err = eng.ApplyTrade(tx, inst, model.DirectionBuy, dec("100"), now)
		return err
	}))
	assert.Equal(t, []string{"ACME"}, affected)

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		inst, err := tx.Instrument("ACME")
		require.NoError(t, err)
		assert.True(t, inst.Price.Equal(dec("101")), "price %s", inst.Price)

		points, err := tx.PriceHistory("ACME", 10)
		require.NoError(t, err)
		require.Len(t, points, 1)
		assert.True(t, points[0].Price.Equal(dec("101")))
		return nil
	}))
}

func TestHistoryTimestampsStrictlyIncrease(t *testing.T) {
	eng := newTestEngine(t)
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		return tx.CreateInstrument(testInstrument("ACME", "100", 10000))
	}))

	// Two trades in the same millisecond: the second point's timestamp is
	// bumped past the first.
	for i := 0; i < 2; i++ {
		require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
			inst, err := tx.Instrument("ACME")
			require.NoError(t, err)
			_, err = eng.ApplyTrade(tx, inst, model.DirectionBuy, dec("100"), now)
			return err
		}))
	}

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		points, err := tx.PriceHistory("ACME", 10)
		require.NoError(t, err)
		require.Len(t, points, 2)
		assert.Less(t, points[0].Timestamp, points[1].Timestamp)
		return nil
	}))
}

func TestApplyOverrideRoutesThroughContagion(t *testing.T) {
	eng := newTestEngine(t)
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	a := testInstrument("AAA", "100", 10000)
	a.Correlations = []model.CorrelationEdge{{Target: "BBB", Coefficient: dec("0.5")}}
	b := testInstrument("BBB", "50", 10000)

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.CreateInstrument(a))
		return tx.CreateInstrument(b)
	}))

	var affected []string
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		inst, err := tx.Instrument("AAA")
		require.NoError(t, err)
		affected, err = eng.ApplyOverride(tx, inst, dec("110"), time.Now())
		return err
	}))
	assert.Equal(t, []string{"AAA", "BBB"}, affected)

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		bb, err := tx.Instrument("BBB")
		require.NoError(t, err)
		// +10% on AAA scaled by 0.5 moves BBB +5%.
		assert.True(t, bb.Price.Equal(dec("52.5")), "price %s", bb.Price)
		return nil
	}))
}
