package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/marketsim/internal/market/model"
)

func openTestDB(t *testing.T) *GormStore {
	t.Helper()
	st, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestGormInstrumentRoundtrip(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()

	inst := &model.Instrument{
		Ticker:        "ACME",
		BasePrice:     dec("100"),
		Volatility:    dec("0.2"),
		Liquidity:     dec("10000"),
		PriceDecimals: 2,
		Correlations: []model.CorrelationEdge{
			{Target: "BETA", Coefficient: dec("0.4")},
		},
		Price:     dec("100"),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.Update(ctx, func(tx Tx) error {
		return tx.CreateInstrument(inst)
	}))

	require.NoError(t, st.View(ctx, func(tx Tx) error {
		got, err := tx.Instrument("ACME")
		require.NoError(t, err)
		assert.True(t, got.Price.Equal(dec("100")))
		require.Len(t, got.Correlations, 1)
		assert.Equal(t, "BETA", got.Correlations[0].Target)
		assert.True(t, got.Correlations[0].Coefficient.Equal(dec("0.4")))

		_, err = tx.Instrument("NOPE")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestGormVersionConflict(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()
	seedInstrument(t, st, "ACME")

	var stale *model.Instrument
	require.NoError(t, st.View(ctx, func(tx Tx) error {
		var err error
		stale, err = tx.Instrument("ACME")
		return err
	}))

	require.NoError(t, st.Update(ctx, func(tx Tx) error {
		inst, err := tx.Instrument("ACME")
		require.NoError(t, err)
		inst.Price = dec("110")
		return tx.PutInstrument(inst)
	}))

	stale.Price = dec("90")
	err := st.Update(ctx, func(tx Tx) error { return tx.PutInstrument(stale) })
	assert.ErrorIs(t, err, ErrConflict)

	// Puts against records that were never created miss, not conflict.
	err = st.Update(ctx, func(tx Tx) error {
		return tx.PutOrder(&model.StandingOrder{ID: uuid.New()})
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormAccountRoundtrip(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()

	acct := model.NewAccount(dec("1000"), true)
	acct.Longs["AAA"] = &model.LongPosition{Shares: dec("5"), AvgCost: dec("90")}
	acct.Shorts["BBB"] = &model.ShortPosition{
		Shares:     dec("10"),
		EntryPrice: dec("80"),
		Collateral: dec("400"),
		OpenedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.Update(ctx, func(tx Tx) error {
		return tx.CreateAccount(acct)
	}))

	require.NoError(t, st.Update(ctx, func(tx Tx) error {
		got, err := tx.Account(acct.ID)
		require.NoError(t, err)
		assert.True(t, got.Cash.Equal(dec("1000")))
		require.NotNil(t, got.Longs["AAA"])
		assert.True(t, got.Longs["AAA"].AvgCost.Equal(dec("90")))
		require.NotNil(t, got.Shorts["BBB"])
		assert.True(t, got.Shorts["BBB"].Collateral.Equal(dec("400")))

		got.Cash = dec("900")
		return tx.PutAccount(got)
	}))

	require.NoError(t, st.View(ctx, func(tx Tx) error {
		got, err := tx.Account(acct.ID)
		require.NoError(t, err)
		assert.True(t, got.Cash.Equal(dec("900")))
		return nil
	}))
}

// Position documents written by earlier revisions stored longs as bare share
// counts. They decode to structured records; malformed documents are
// rejected instead of loaded.
func TestGormLegacyPositionDocuments(t *testing.T) {
	legacy := &accountRow{
		ID:        uuid.New(),
		Cash:      dec("500"),
		Longs:     `{"AAA": 25, "BBB": {"shares":"10","avg_cost":"50"}}`,
		Shorts:    `{}`,
		PeakValue: dec("500"),
		Version:   1,
	}
	acct, err := rowToAccount(legacy)
	require.NoError(t, err)
	require.NotNil(t, acct.Longs["AAA"])
	assert.True(t, acct.Longs["AAA"].Shares.Equal(dec("25")))
	assert.True(t, acct.Longs["AAA"].AvgCost.IsZero())
	assert.True(t, acct.Longs["BBB"].AvgCost.Equal(dec("50")))

	corrupt := &accountRow{
		ID:     uuid.New(),
		Cash:   dec("500"),
		Longs:  `{"AAA": "garbage"}`,
		Shorts: `{}`,
	}
	_, err = rowToAccount(corrupt)
	assert.ErrorIs(t, err, model.ErrCorruptState)
}

func TestGormOrderLifecycle(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()

	acct := model.NewAccount(dec("1000"), false)
	require.NoError(t, st.Update(ctx, func(tx Tx) error {
		return tx.CreateAccount(acct)
	}))

	now := time.Now().UTC()
	order := &model.StandingOrder{
		ID:         uuid.New(),
		AccountID:  acct.ID,
		Ticker:     "ACME",
		Direction:  model.DirectionBuy,
		Shares:     dec("10"),
		LimitPrice: dec("95"),
		Status:     model.OrderStatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
		UpdatedAt:  now,
	}
	require.NoError(t, st.Update(ctx, func(tx Tx) error {
		return tx.CreateOrder(order)
	}))

	require.NoError(t, st.Update(ctx, func(tx Tx) error {
		open, err := tx.OpenOrdersByTicker("ACME")
		require.NoError(t, err)
		require.Len(t, open, 1)

		got := open[0]
		got.Status = model.OrderStatusFilled
		got.FilledShares = got.Shares
		return tx.PutOrder(got)
	}))

	require.NoError(t, st.View(ctx, func(tx Tx) error {
		open, err := tx.OpenOrdersByTicker("ACME")
		require.NoError(t, err)
		assert.Empty(t, open)

		got, err := tx.Order(order.ID)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusFilled, got.Status)
		return nil
	}))
}

func TestGormPriceHistory(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()
	seedInstrument(t, st, "ACME")

	require.NoError(t, st.Update(ctx, func(tx Tx) error {
		for i := int64(1); i <= 4; i++ {
			if err := tx.AppendPricePoint("ACME", model.PricePoint{Timestamp: i, Price: dec("100")}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, st.View(ctx, func(tx Tx) error {
		points, err := tx.PriceHistory("ACME", 2)
		require.NoError(t, err)
		require.Len(t, points, 2)
		assert.Equal(t, int64(3), points[0].Timestamp)
		assert.Equal(t, int64(4), points[1].Timestamp)

		last, ok, err := tx.LastPricePoint("ACME")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(4), last.Timestamp)
		return nil
	}))
}
