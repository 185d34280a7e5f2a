package margin

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quantfold/marketsim/internal/market/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestLedger(t *testing.T) *Ledger {
	return NewLedger(DefaultConfig(), zaptest.NewLogger(t))
}

func TestRequiredCollateral(t *testing.T) {
	l := newTestLedger(t)
	// 80 * 10 * 0.5 = 400
	assert.True(t, l.RequiredCollateral(dec("80"), dec("10")).Equal(dec("400")))
}

func TestCapacityTiers(t *testing.T) {
	l := newTestLedger(t)
	cases := []struct {
		peak, want string
	}{
		{"0", "10000"},
		{"24999", "10000"},
		{"25000", "50000"},
		{"99999", "50000"},
		{"100000", "250000"},
		{"1000000", "5000000"},
		{"9000000", "5000000"},
	}
	for _, tc := range cases {
		got := l.Capacity(dec(tc.peak))
		assert.True(t, got.Equal(dec(tc.want)), "peak %s: got %s", tc.peak, got)
	}
}

func TestOpenShortPostsCollateral(t *testing.T) {
	l := newTestLedger(t)
	acct := model.NewAccount(dec("1000"), true)

	err := l.OpenShort(acct, "ACME", dec("10"), dec("80"), dec("1000"), time.Now())
	require.NoError(t, err)

	assert.True(t, acct.Cash.Equal(dec("600")), "cash %s", acct.Cash)
	pos := acct.Shorts["ACME"]
	require.NotNil(t, pos)
	assert.True(t, pos.Shares.Equal(dec("10")))
	assert.True(t, pos.EntryPrice.Equal(dec("80")))
	assert.True(t, pos.Collateral.Equal(dec("400")))
}

func TestOpenShortRejections(t *testing.T) {
	l := newTestLedger(t)
	now := time.Now()

	ineligible := model.NewAccount(dec("1000"), false)
	err := l.OpenShort(ineligible, "ACME", dec("10"), dec("80"), dec("1000"), now)
	assert.ErrorIs(t, err, model.ErrMarginNotEligible)

	poor := model.NewAccount(dec("100"), true)
	err = l.OpenShort(poor, "ACME", dec("10"), dec("80"), dec("5000"), now)
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	// Cash covers the collateral but total collateral would exceed the
	// account's portfolio equity.
	levered := model.NewAccount(dec("1000"), true)
	err = l.OpenShort(levered, "ACME", dec("10"), dec("80"), dec("300"), now)
	assert.ErrorIs(t, err, model.ErrEquityCapExceeded)

	err = l.OpenShort(model.NewAccount(dec("1000"), true), "ACME", decimal.Zero, dec("80"), dec("1000"), now)
	assert.ErrorIs(t, err, model.ErrNonPositiveShares)
}

func TestOpenShortTierCapacity(t *testing.T) {
	l := newTestLedger(t)
	// Plenty of cash and equity, but the account's peak value keeps it in
	// the bottom tier: capacity 10000.
	acct := model.NewAccount(dec("40000"), true)
	acct.PeakValue = dec("20000")

	err := l.OpenShort(acct, "ACME", dec("300"), dec("80"), dec("40000"), time.Now())
	assert.ErrorIs(t, err, model.ErrMarginCapacityExceeded)

	// The same open passes once the peak reaches the next tier.
	acct.PeakValue = dec("25000")
	err = l.OpenShort(acct, "ACME", dec("300"), dec("80"), dec("40000"), time.Now())
	assert.NoError(t, err)
}

func TestOpenShortExtendsAtWeightedAverage(t *testing.T) {
	l := newTestLedger(t)
	acct := model.NewAccount(dec("2000"), true)
	now := time.Now()

	require.NoError(t, l.OpenShort(acct, "ACME", dec("10"), dec("80"), dec("2000"), now))
	require.NoError(t, l.OpenShort(acct, "ACME", dec("10"), dec("90"), dec("2000"), now))

	pos := acct.Shorts["ACME"]
	require.NotNil(t, pos)
	assert.True(t, pos.Shares.Equal(dec("20")))
	assert.True(t, pos.EntryPrice.Equal(dec("85")), "entry %s", pos.EntryPrice)
	assert.True(t, pos.Collateral.Equal(dec("850")), "collateral %s", pos.Collateral)
	assert.True(t, acct.Cash.Equal(dec("1150")), "cash %s", acct.Cash)
}

func TestCoverShortAtEntryReconstitutesCash(t *testing.T) {
	l := newTestLedger(t)
	acct := model.NewAccount(dec("1000"), true)
	now := time.Now()

	require.NoError(t, l.OpenShort(acct, "ACME", dec("10"), dec("80"), dec("1000"), now))
	profit, err := l.CoverShort(acct, "ACME", dec("10"), dec("80"))
	require.NoError(t, err)

	// Covering at the entry price returns exactly the posted collateral.
	assert.True(t, profit.IsZero())
	assert.True(t, acct.Cash.Equal(dec("1000")), "cash %s", acct.Cash)
	assert.Empty(t, acct.Shorts)
}

func TestCoverShortProfitAndLoss(t *testing.T) {
	l := newTestLedger(t)
	now := time.Now()

	winner := model.NewAccount(dec("1000"), true)
	require.NoError(t, l.OpenShort(winner, "ACME", dec("10"), dec("80"), dec("1000"), now))
	profit, err := l.CoverShort(winner, "ACME", dec("10"), dec("70"))
	require.NoError(t, err)
	assert.True(t, profit.Equal(dec("100")))
	assert.True(t, winner.Cash.Equal(dec("1100")))

	loser := model.NewAccount(dec("1000"), true)
	require.NoError(t, l.OpenShort(loser, "ACME", dec("10"), dec("80"), dec("1000"), now))
	profit, err = l.CoverShort(loser, "ACME", dec("10"), dec("95"))
	require.NoError(t, err)
	assert.True(t, profit.Equal(dec("-150")))
	assert.True(t, loser.Cash.Equal(dec("850")))
}

func TestCoverShortPartialReleasesProportionally(t *testing.T) {
	l := newTestLedger(t)
	acct := model.NewAccount(dec("1000"), true)

	require.NoError(t, l.OpenShort(acct, "ACME", dec("10"), dec("80"), dec("1000"), time.Now()))
	profit, err := l.CoverShort(acct, "ACME", dec("4"), dec("80"))
	require.NoError(t, err)
	assert.True(t, profit.IsZero())

	pos := acct.Shorts["ACME"]
	require.NotNil(t, pos)
	assert.True(t, pos.Shares.Equal(dec("6")))
	assert.True(t, pos.Collateral.Equal(dec("240")), "collateral %s", pos.Collateral)
	assert.True(t, acct.Cash.Equal(dec("760")), "cash %s", acct.Cash)
}

func TestCoverShortRejections(t *testing.T) {
	l := newTestLedger(t)
	acct := model.NewAccount(dec("1000"), true)

	_, err := l.CoverShort(acct, "ACME", dec("10"), dec("80"))
	assert.ErrorIs(t, err, model.ErrPositionNotFound)

	require.NoError(t, l.OpenShort(acct, "ACME", dec("10"), dec("80"), dec("1000"), time.Now()))
	_, err = l.CoverShort(acct, "ACME", dec("11"), dec("80"))
	assert.ErrorIs(t, err, model.ErrInsufficientShort)
}

func TestEquityRatioAndAtRisk(t *testing.T) {
	l := newTestLedger(t)
	pos := &model.ShortPosition{
		Shares:     dec("10"),
		EntryPrice: dec("80"),
		Collateral: dec("400"),
	}

	// At entry price the ratio equals the requirement ratio.
	assert.True(t, l.EquityRatio(pos, dec("80")).Equal(dec("0.5")))
	assert.False(t, l.AtRisk(pos, dec("80")))

	// Price up to 100: equity 400 + (80-100)*10 = 200, notional 1000.
	ratio := l.EquityRatio(pos, dec("100"))
	assert.True(t, ratio.Equal(dec("0.2")), "ratio %s", ratio)
	assert.True(t, l.AtRisk(pos, dec("100")))

	// Falling price only improves the ratio.
	assert.False(t, l.AtRisk(pos, dec("60")))
}
