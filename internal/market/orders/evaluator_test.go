package orders

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quantfold/marketsim/internal/market/margin"
	"github.com/quantfold/marketsim/internal/market/model"
	"github.com/quantfold/marketsim/internal/market/pricing"
	"github.com/quantfold/marketsim/internal/store"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// stubExecutor records fills without settling them; the order state machine
// under test only needs the executor to succeed.
type stubExecutor struct {
	fills  int
	shares []decimal.Decimal
}

func (s *stubExecutor) FillTrade(tx store.Tx, acct *model.Account, inst *model.Instrument, direction string, shares decimal.Decimal, now time.Time) (*Fill, error) {
	s.fills++
	s.shares = append(s.shares, shares)
	return &Fill{Price: inst.Price, Profit: decimal.Zero}, nil
}

func (s *stubExecutor) LockAccount(uuid.UUID) func() { return func() {} }

type fixture struct {
	st   *store.MemoryStore
	ev   *Evaluator
	exec *stubExecutor
	acct *model.Account
}

func newFixture(t *testing.T, cash string) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	log := zaptest.NewLogger(t)
	eng := pricing.NewEngine(pricing.DefaultConfig(), log)
	ledger := margin.NewLedger(margin.DefaultConfig(), log)
	ev := NewEvaluator(st, eng, ledger, DefaultConfig(), log)
	exec := &stubExecutor{}
	ev.SetExecutor(exec)

	acct := model.NewAccount(dec(cash), true)
	require.NoError(t, st.Update(context.Background(), func(tx store.Tx) error {
		if err := tx.CreateInstrument(&model.Instrument{
			Ticker:        "ACME",
			BasePrice:     dec("100"),
			Liquidity:     dec("10000"),
			PriceDecimals: 2,
			Price:         dec("100"),
		}); err != nil {
			return err
		}
		return tx.CreateAccount(acct)
	}))
	return &fixture{st: st, ev: ev, exec: exec, acct: acct}
}

func (f *fixture) order(t *testing.T, id uuid.UUID) *model.StandingOrder {
	t.Helper()
	var order *model.StandingOrder
	require.NoError(t, f.st.View(context.Background(), func(tx store.Tx) error {
		var err error
		order, err = tx.Order(id)
		return err
	}))
	return order
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()

	_, err := f.ev.Create(ctx, f.acct.ID, "ACME", "HOLD", dec("10"), dec("90"), false)
	assert.ErrorIs(t, err, model.ErrInvalidDirection)

	_, err = f.ev.Create(ctx, f.acct.ID, "ACME", model.DirectionBuy, decimal.Zero, dec("90"), false)
	assert.ErrorIs(t, err, model.ErrNonPositiveShares)

	_, err = f.ev.Create(ctx, f.acct.ID, "NOPE", model.DirectionBuy, dec("10"), dec("90"), false)
	assert.ErrorIs(t, err, model.ErrUnknownInstrument)

	_, err = f.ev.Create(ctx, uuid.New(), "ACME", model.DirectionBuy, dec("10"), dec("90"), false)
	assert.ErrorIs(t, err, model.ErrUnknownAccount)

	// Limits beyond a 10x band around the current price are rejected.
	_, err = f.ev.Create(ctx, f.acct.ID, "ACME", model.DirectionBuy, dec("10"), dec("9.99"), false)
	assert.ErrorIs(t, err, model.ErrLimitPriceOutOfRange)
	_, err = f.ev.Create(ctx, f.acct.ID, "ACME", model.DirectionBuy, dec("10"), dec("1001"), false)
	assert.ErrorIs(t, err, model.ErrLimitPriceOutOfRange)
	_, err = f.ev.Create(ctx, f.acct.ID, "ACME", model.DirectionBuy, dec("10"), dec("-5"), false)
	assert.ErrorIs(t, err, model.ErrLimitPriceOutOfRange)
}

func TestCreateFillsImmediatelyWhenEligible(t *testing.T) {
	f := newFixture(t, "10000")

	// Price 100 is at or below the 200 limit and the account can afford
	// the whole order, so creation evaluates straight to FILLED.
	order, err := f.ev.Create(context.Background(), f.acct.ID, "ACME", model.DirectionBuy, dec("10"), dec("200"), false)
	require.NoError(t, err)

	stored := f.order(t, order.ID)
	assert.Equal(t, model.OrderStatusFilled, stored.Status)
	assert.True(t, stored.FilledShares.Equal(dec("10")))
	assert.Equal(t, 1, f.exec.fills)
}

func TestBuyNeverFillsAboveLimit(t *testing.T) {
	f := newFixture(t, "100000")

	// The current price equals the limit so the order triggers, but the
	// execution ask includes impact and half the spread and lands above
	// the limit. The order must stay pending rather than fill beyond it.
	order, err := f.ev.Create(context.Background(), f.acct.ID, "ACME", model.DirectionBuy, dec("10"), dec("100"), false)
	require.NoError(t, err)

	stored := f.order(t, order.ID)
	assert.Equal(t, model.OrderStatusPending, stored.Status)
	assert.True(t, stored.FilledShares.IsZero())
	assert.Zero(t, f.exec.fills)
}

func TestSellNeverFillsBelowLimit(t *testing.T) {
	f := newFixture(t, "1000")
	require.NoError(t, f.st.Update(context.Background(), func(tx store.Tx) error {
		acct, err := tx.Account(f.acct.ID)
		if err != nil {
			return err
		}
		acct.Longs["ACME"] = &model.LongPosition{Shares: dec("10"), AvgCost: dec("100")}
		return tx.PutAccount(acct)
	}))

	order, err := f.ev.Create(context.Background(), f.acct.ID, "ACME", model.DirectionSell, dec("10"), dec("100"), false)
	require.NoError(t, err)

	stored := f.order(t, order.ID)
	assert.Equal(t, model.OrderStatusPending, stored.Status)
	assert.Zero(t, f.exec.fills)
}

func TestAllOrNothingWaitsForFullQuantity(t *testing.T) {
	// Cash covers roughly half the order; with partial fills disallowed
	// the order must not move to PARTIALLY_FILLED.
	f := newFixture(t, "500")

	order, err := f.ev.Create(context.Background(), f.acct.ID, "ACME", model.DirectionBuy, dec("10"), dec("200"), false)
	require.NoError(t, err)

	stored := f.order(t, order.ID)
	assert.Equal(t, model.OrderStatusPending, stored.Status)
	assert.True(t, stored.FilledShares.IsZero())
	assert.Zero(t, f.exec.fills)
}

func TestPartialFillFloorsToWholeShares(t *testing.T) {
	f := newFixture(t, "500")

	order, err := f.ev.Create(context.Background(), f.acct.ID, "ACME", model.DirectionBuy, dec("10"), dec("200"), true)
	require.NoError(t, err)

	stored := f.order(t, order.ID)
	assert.Equal(t, model.OrderStatusPartiallyFilled, stored.Status)
	require.Equal(t, 1, f.exec.fills)
	// 500 of cash against a quote just above 101 affords 4 whole shares.
	assert.True(t, f.exec.shares[0].Equal(dec("4")), "filled %s", f.exec.shares[0])
	assert.True(t, stored.Remaining().Equal(dec("6")))
}

func TestCancelTransitions(t *testing.T) {
	f := newFixture(t, "100000")
	ctx := context.Background()

	// Limit far below the market keeps the order resting.
	order, err := f.ev.Create(ctx, f.acct.ID, "ACME", model.DirectionBuy, dec("10"), dec("50"), false)
	require.NoError(t, err)

	require.NoError(t, f.ev.Cancel(ctx, order.ID))
	assert.Equal(t, model.OrderStatusCanceled, f.order(t, order.ID).Status)

	// Terminal orders admit no further transitions.
	assert.ErrorIs(t, f.ev.Cancel(ctx, order.ID), model.ErrOrderTerminal)
	assert.ErrorIs(t, f.ev.Cancel(ctx, uuid.New()), model.ErrOrderNotFound)

	filled, err := f.ev.Create(ctx, f.acct.ID, "ACME", model.DirectionBuy, dec("10"), dec("200"), false)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusFilled, f.order(t, filled.ID).Status)
	assert.ErrorIs(t, f.ev.Cancel(ctx, filled.ID), model.ErrOrderTerminal)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, "100000")
	ctx := context.Background()

	resting, err := f.ev.Create(ctx, f.acct.ID, "ACME", model.DirectionBuy, dec("10"), dec("50"), false)
	require.NoError(t, err)

	// Before expiry the sweep is a no-op.
	n, err := f.ev.SweepExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.ev.SweepExpired(ctx, resting.ExpiresAt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.OrderStatusExpired, f.order(t, resting.ID).Status)

	// Expired orders do not fill even if the price becomes eligible.
	_, err = f.ev.EvaluateTickers(ctx, []string{"ACME"})
	require.NoError(t, err)
	assert.Zero(t, f.exec.fills)
}

func TestEvaluationMarksOverdueOrdersExpired(t *testing.T) {
	f := newFixture(t, "100000")
	ctx := context.Background()

	resting, err := f.ev.Create(ctx, f.acct.ID, "ACME", model.DirectionBuy, dec("10"), dec("50"), false)
	require.NoError(t, err)

	// Advance the evaluator's clock past expiry; the next evaluation
	// transitions the order instead of filling it.
	f.ev.SetClock(func() time.Time { return resting.ExpiresAt.Add(time.Minute) })
	_, err = f.ev.EvaluateTickers(ctx, []string{"ACME"})
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusExpired, f.order(t, resting.ID).Status)
	assert.Zero(t, f.exec.fills)
}

func TestEvaluateSkipsUntriggeredOrders(t *testing.T) {
	f := newFixture(t, "100000")
	ctx := context.Background()

	order, err := f.ev.Create(ctx, f.acct.ID, "ACME", model.DirectionBuy, dec("10"), dec("50"), false)
	require.NoError(t, err)

	_, err = f.ev.EvaluateTickers(ctx, []string{"ACME"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, f.order(t, order.ID).Status)
	assert.Zero(t, f.exec.fills)
}
