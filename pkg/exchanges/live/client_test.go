package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exchange "execution-core/pkg/exchanges/common"
)

var testSecret = base64.StdEncoding.EncodeToString([]byte("super-secret-key"))

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:         srv.URL,
		APIKey:          "key",
		APISecret:       testSecret,
		Passphrase:      "pass",
		MinInterval:     time.Millisecond,
		BreakerFailures: 3,
		BreakerCooldown: time.Minute,
	})
}

// verifySignature recomputes the signature from what the server received.
func verifySignature(t *testing.T, r *http.Request, body string) {
	t.Helper()
	assert.Equal(t, "key", r.Header.Get("CB-ACCESS-KEY"))
	assert.Equal(t, "pass", r.Header.Get("CB-ACCESS-PASSPHRASE"))
	ts := r.Header.Get("CB-ACCESS-TIMESTAMP")
	require.NotEmpty(t, ts)
	want, err := sign(testSecret, ts, r.Method, r.URL.RequestURI(), body)
	require.NoError(t, err)
	assert.Equal(t, want, r.Header.Get("CB-ACCESS-SIGN"))
}

func TestSignKnownVector(t *testing.T) {
	a, err := sign(testSecret, "1700000000", "GET", "/accounts", "")
	require.NoError(t, err)
	b, err := sign(testSecret, "1700000000", "GET", "/accounts", "")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := sign(testSecret, "1700000001", "GET", "/accounts", "")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = sign("%%%not-base64", "1", "GET", "/", "")
	assert.Error(t, err)
}

func TestConnectSyncsAndAuthenticates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/time", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(serverTime{Epoch: float64(time.Now().Unix())})
	})
	mux.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r, "")
		w.Write([]byte(`[{"currency":"USD","balance":"1000.5","available":"900.5","hold":"100"},{"currency":"BTC","balance":"0.1","available":"0.1","hold":"0"}]`))
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())
	assert.True(t, c.Connected())

	bal, err := c.GetAccountBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 900.5, bal["USD"], 1e-9)
	assert.InDelta(t, 0.1, bal["BTC"], 1e-9)
}

func TestConnectInvalidCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/time", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"epoch": 1700000000.5}`))
	})
	mux.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"invalid signature"}`))
	})
	c := newTestClient(t, mux)

	err := c.Connect(context.Background())
	var ce *exchange.ExchangeConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusUnauthorized, ce.StatusCode)
	assert.Equal(t, "invalid signature", ce.Message)
	assert.False(t, c.Connected())
}

func TestConnectUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", APIKey: "k", APISecret: testSecret, Passphrase: "p", Timeout: time.Second})
	err := c.Connect(context.Background())
	var ce *exchange.ExchangeConnectionError
	assert.ErrorAs(t, err, &ce)
}

func TestConnectMissingCredentials(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	var ce *exchange.ExchangeConnectionError
	assert.ErrorAs(t, c.Connect(context.Background()), &ce)
}

func TestPlaceOrderPayload(t *testing.T) {
	var got orderPayload
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/orders", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		raw, _ := io.ReadAll(r.Body)
		verifySignature(t, r, string(raw))
		require.NoError(t, json.Unmarshal(raw, &got))
		w.Write([]byte(`{"id":"abc-123","status":"pending"}`))
	}))

	id, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		ClientID:    "cid-1",
		Instrument:  "btc-usd",
		Side:        exchange.SideBuy,
		Type:        exchange.OrderTypeLimit,
		Quantity:    0.1 + 0.2, // float artefact must not reach the wire
		Price:       49975.5,
		TimeInForce: exchange.TIFGTC,
	})
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
	assert.Equal(t, "BTC-USD", got.ProductID)
	assert.Equal(t, "buy", got.Side)
	assert.Equal(t, "limit", got.Type)
	assert.Equal(t, "0.3", got.Size)
	assert.Equal(t, "49975.5", got.Price)
	assert.Equal(t, "GTC", got.TimeInForce)
	assert.Equal(t, "cid-1", got.ClientOID)
}

func TestStopLossPayload(t *testing.T) {
	p, err := newOrderPayload(exchange.OrderRequest{
		Instrument: "BTC-USD", Side: exchange.SideSell, Type: exchange.OrderTypeStopLoss,
		Quantity: 1, StopPrice: 47500,
	})
	require.NoError(t, err)
	assert.Equal(t, "loss", p.Stop)
	assert.Equal(t, "47500", p.StopPrice)
	assert.Empty(t, p.Price)

	p, err = newOrderPayload(exchange.OrderRequest{
		Instrument: "BTC-USD", Side: exchange.SideBuy, Type: exchange.OrderTypeStopLoss,
		Quantity: 1, StopPrice: 52500,
	})
	require.NoError(t, err)
	assert.Equal(t, "entry", p.Stop)

	_, err = newOrderPayload(exchange.OrderRequest{Type: "ICEBERG"})
	assert.Error(t, err)
}

func TestPlaceOrderVenueRejection(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"size is too small"}`))
	}))
	_, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Instrument: "BTC-USD", Side: exchange.SideSell, Type: exchange.OrderTypeMarket, Quantity: 0.00000001,
	})
	var oe *exchange.OrderExecutionError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, http.StatusBadRequest, oe.StatusCode)
	assert.Equal(t, "size is too small", oe.Message)
}

func TestOrderStatusMapping(t *testing.T) {
	cases := []struct {
		body string
		want exchange.OrderStatus
		qty  float64
	}{
		{`{"id":"1","status":"open","filled_size":"0"}`, exchange.StatusPending, 0},
		{`{"id":"1","status":"open","filled_size":"0.005","executed_value":"250"}`, exchange.StatusPartial, 0.005},
		{`{"id":"1","status":"done","done_reason":"filled","filled_size":"0.01","executed_value":"500.5","fill_fees":"2.5"}`, exchange.StatusFilled, 0.01},
		{`{"id":"1","status":"done","done_reason":"canceled","filled_size":"0"}`, exchange.StatusCancelled, 0},
		{`{"id":"1","status":"rejected"}`, exchange.StatusRejected, 0},
	}
	for _, tc := range cases {
		body := tc.body
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			verifySignature(t, r, "")
			w.Write([]byte(body))
		}))
		rep, err := c.GetOrderStatus(context.Background(), "BTC-USD", "1")
		require.NoError(t, err)
		assert.Equal(t, tc.want, rep.Status, tc.body)
		assert.InDelta(t, tc.qty, rep.FilledQuantity, 1e-12, tc.body)
	}
}

func TestCancelOrder(t *testing.T) {
	status := http.StatusOK
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "BTC-USD", r.URL.Query().Get("product_id"))
		verifySignature(t, r, "")
		w.WriteHeader(status)
		w.Write([]byte(`"abc"`))
	}))

	ok, err := c.CancelOrder(context.Background(), "BTC-USD", "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	for _, s := range []int{http.StatusBadRequest, http.StatusNotFound} {
		status = s
		ok, err = c.CancelOrder(context.Background(), "BTC-USD", "abc")
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestGetOrderbook(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/products/BTC-USD/book", r.URL.Path)
		require.Equal(t, "2", r.URL.Query().Get("level"))
		w.Write([]byte(`{"sequence":1,"bids":[["49990.00","1.5",3],["49980.00","2",1]],"asks":[["50010.00","0.5",2]]}`))
	}))
	book, err := c.GetOrderbook(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 49990.0, book.BestBid())
	assert.Equal(t, 50010.0, book.BestAsk())
	assert.Len(t, book.Bids, 2)
	assert.InDelta(t, 1.5, book.Bids[0].Size, 1e-12)
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	for i := 0; i < 3; i++ {
		_, err := c.GetOrderbook(context.Background(), "BTC-USD")
		var oe *exchange.OrderExecutionError
		require.ErrorAs(t, err, &oe)
		assert.Equal(t, http.StatusBadGateway, oe.StatusCode)
	}

	_, err := c.GetOrderbook(context.Background(), "BTC-USD")
	var ce *exchange.ExchangeConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "circuit breaker open", ce.Message)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"NotFound"}`))
	}))
	for i := 0; i < 5; i++ {
		_, err := c.GetOrderStatus(context.Background(), "BTC-USD", "x")
		var ce *exchange.ExchangeConnectionError
		assert.False(t, errors.As(err, &ce))
	}
}

func TestRequestsAreSpaced(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bids":[],"asks":[]}`))
	}))
	c.rateLimiter = exchange.NewRateLimiter(25 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.GetOrderbook(context.Background(), "BTC-USD")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
	n, _ := c.RateLimiterUsage()
	assert.Equal(t, uint64(3), n)
}
