package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderbookDerivedValues(t *testing.T) {
	book := Orderbook{
		Instrument: "BTC-USD",
		Bids:       []PriceLevel{{Price: 49990, Size: 1}, {Price: 49980, Size: 2}},
		Asks:       []PriceLevel{{Price: 50010, Size: 1}, {Price: 50020, Size: 3}},
	}
	assert.Equal(t, 49990.0, book.BestBid())
	assert.Equal(t, 50010.0, book.BestAsk())
	assert.InDelta(t, 20.0, book.Spread(), 1e-9)
	assert.InDelta(t, 50000.0, book.MidPrice(), 1e-9)
	assert.False(t, book.Empty())

	oneSided := Orderbook{Bids: book.Bids}
	assert.Equal(t, 0.0, oneSided.Spread())
	assert.Equal(t, 0.0, oneSided.MidPrice())
	assert.True(t, oneSided.Empty())
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{StatusFilled, StatusCancelled, StatusRejected} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []OrderStatus{StatusPending, StatusPartial} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestSplitInstrument(t *testing.T) {
	base, quote, err := SplitInstrument("btc-usd")
	require.NoError(t, err)
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "USD", quote)

	base, quote, err = SplitInstrument("ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, "ETH", base)
	assert.Equal(t, "USDT", quote)

	_, _, err = SplitInstrument("BTCUSD")
	assert.Error(t, err)
}

func TestReportAveragePrice(t *testing.T) {
	r := OrderStatusReport{FilledQuantity: 0.02, ExecutedValue: 1000}
	assert.InDelta(t, 50000.0, r.AveragePrice(), 1e-9)
	assert.Equal(t, 0.0, OrderStatusReport{}.AveragePrice())
}

func TestRateLimiterSerializesRequests(t *testing.T) {
	rl := NewRateLimiter(20 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, rl.Wait(ctx))
	}
	// first request is immediate, the other three wait one interval each
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)

	n, _ := rl.GetUsage()
	assert.Equal(t, uint64(4), n)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	rl := NewRateLimiter(time.Hour)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx))
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	var err error = &ExchangeConnectionError{Op: "connect", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connect")

	err = &OrderExecutionError{Op: "place_order", StatusCode: 400, Message: "size too small"}
	var oe *OrderExecutionError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, 400, oe.StatusCode)
	assert.Contains(t, err.Error(), "size too small")
}

func TestTimeSyncOffset(t *testing.T) {
	ts := NewTimeSync(func(context.Context) (time.Time, error) {
		return time.Now().Add(2 * time.Second), nil
	})
	require.NoError(t, ts.Sync(context.Background()))
	assert.InDelta(t, float64(2*time.Second), float64(ts.Offset()), float64(100*time.Millisecond))
}
