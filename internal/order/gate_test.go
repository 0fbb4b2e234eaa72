package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exchange "execution-core/pkg/exchanges/common"
)

func TestGateCooldown(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewGate(10, time.Hour)
	g.now = func() time.Time { return now }

	require.Nil(t, g.Reserve("s1"))
	r := g.Reserve("s1")
	require.NotNil(t, r)
	assert.Equal(t, RefusalInFlight, r.Code)

	g.Commit("s1")
	r = g.Reserve("s1")
	require.NotNil(t, r)
	assert.Equal(t, RefusalCooldown, r.Code)
	assert.Equal(t, time.Hour, g.CooldownRemaining("s1"))

	now = now.Add(59 * time.Minute)
	assert.NotNil(t, g.Reserve("s1"))
	now = now.Add(time.Minute)
	assert.Nil(t, g.Reserve("s1"))
}

func TestGateReleaseReturnsSlot(t *testing.T) {
	g := NewGate(1, time.Hour)
	require.Nil(t, g.Reserve("s1"))
	assert.Equal(t, RefusalDailyLimit, g.Reserve("s2").Code)

	g.Release("s1")
	assert.Zero(t, g.DailyCount())
	assert.Zero(t, g.CooldownRemaining("s1"))
	assert.Nil(t, g.Reserve("s1"))
}

func TestGateResetDailyKeepsInFlight(t *testing.T) {
	g := NewGate(2, 0)
	require.Nil(t, g.Reserve("a"))
	require.Nil(t, g.Reserve("b"))
	g.Commit("a")
	g.ResetDaily()
	assert.Equal(t, 1, g.DailyCount())
}

func TestGateEmergencyWins(t *testing.T) {
	g := NewGate(0, 0)
	assert.False(t, g.SetEmergency(true))
	assert.Equal(t, RefusalEmergencyStop, g.Reserve("s").Code)
	assert.True(t, g.SetEmergency(false))
	assert.Nil(t, g.Reserve("s"))
}

func TestOrderStateTransitions(t *testing.T) {
	cases := []struct {
		name    string
		from    exchange.OrderStatus
		filled  float64
		to      exchange.OrderStatus
		toFill  float64
		changed bool
		wantErr bool
	}{
		{"submit", "", 0, exchange.StatusPending, 0, true, false},
		{"reject before submit", "", 0, exchange.StatusRejected, 0, true, false},
		{"partial", exchange.StatusPending, 0, exchange.StatusPartial, 0.3, true, false},
		{"more partial", exchange.StatusPartial, 0.3, exchange.StatusPartial, 0.6, true, false},
		{"same partial", exchange.StatusPartial, 0.3, exchange.StatusPartial, 0.3, false, false},
		{"stale pending", exchange.StatusPartial, 0.3, exchange.StatusPending, 0, false, false},
		{"fill", exchange.StatusPartial, 0.3, exchange.StatusFilled, 1, true, false},
		{"cancel partial", exchange.StatusPartial, 0.3, exchange.StatusCancelled, 0.3, true, false},
		{"reopen filled", exchange.StatusFilled, 1, exchange.StatusPending, 0, false, true},
		{"uncancel", exchange.StatusCancelled, 0, exchange.StatusPartial, 0.2, false, true},
		{"partial after reject", exchange.StatusPartial, 0.3, exchange.StatusRejected, 0.3, false, true},
		{"fill shrinks", exchange.StatusPartial, 0.5, exchange.StatusFilled, 0.4, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := Order{Status: tc.from, FilledQuantity: tc.filled}
			changed, err := o.advance(tc.to, tc.toFill)
			assert.Equal(t, tc.changed, changed)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tc.from, o.Status)
				assert.Equal(t, tc.filled, o.FilledQuantity)
				return
			}
			require.NoError(t, err)
			if changed {
				assert.Equal(t, tc.to, o.Status)
			}
		})
	}
}

func TestMeasureQuality(t *testing.T) {
	book := &exchange.Orderbook{
		Bids: []exchange.PriceLevel{{Price: 99, Size: 1}},
		Asks: []exchange.PriceLevel{{Price: 101, Size: 1}},
	}
	q := measureQuality(exchange.SideBuy, 102, 2, 1, time.Second, book)
	assert.InDelta(t, 1.0/101, q.Slippage, 1e-12)
	assert.InDelta(t, 1.0/101, q.MarketImpact, 1e-12)
	assert.InDelta(t, 2.0/101, q.ImplementationShortfall, 1e-12)
	assert.InDelta(t, 0.04, q.EffectiveSpread, 1e-12)
	assert.InDelta(t, 0.5, q.FillRate, 1e-12)

	sell := measureQuality(exchange.SideSell, 98, 1, 1, 0, book)
	assert.InDelta(t, 1.0/99, sell.Slippage, 1e-12)

	bare := measureQuality(exchange.SideBuy, 100, 1, 1, time.Second, nil)
	assert.Zero(t, bare.Slippage)
	assert.Zero(t, bare.MarketImpact)
	assert.Equal(t, 1.0, bare.FillRate)
}

func TestQualityRingOverwritesOldest(t *testing.T) {
	r := newQualityRing(3)
	for _, s := range []float64{0.9, 0.1, 0.2, 0.3} {
		r.add(ExecutionQuality{Slippage: s, FillRate: 1, ExecutionTime: time.Second})
	}
	st := r.stats()
	assert.Equal(t, 3, st.TotalExecutions)
	assert.InDelta(t, 0.2, st.AvgSlippage, 1e-12)
	assert.InDelta(t, 0.3, st.MaxSlippage, 1e-12)
	assert.Equal(t, time.Second, st.AvgExecutionTime)

	assert.Zero(t, newQualityRing(0).stats().TotalExecutions)
}
