// Package live implements the Backend contract against a signed REST venue.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	exchange "execution-core/pkg/exchanges/common"
)

const name = "live"

// Config holds venue credentials and transport tuning.
type Config struct {
	BaseURL    string
	APIKey     string
	APISecret  string // base64, as issued by the venue
	Passphrase string

	MinInterval     time.Duration // minimum spacing between requests
	Timeout         time.Duration
	BreakerFailures uint32        // consecutive failures before the breaker opens
	BreakerCooldown time.Duration // how long the breaker stays open
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.exchange.coinbase.com"
	}
	if c.MinInterval == 0 {
		c.MinInterval = 100 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown == 0 {
		c.BreakerCooldown = 30 * time.Second
	}
}

// Client is the live Backend. Every request passes the rate limiter and the
// circuit breaker; private endpoints are signed.
type Client struct {
	cfg         Config
	http        *resty.Client
	rateLimiter *exchange.RateLimiter
	timeSync    *exchange.TimeSync
	breaker     *gobreaker.CircuitBreaker

	connected atomic.Bool
	mu        sync.Mutex
	stopSync  context.CancelFunc
}

var errServerSide = errors.New("venue server error")

func New(cfg Config) *Client {
	cfg.applyDefaults()

	httpClient := resty.New()
	httpClient.SetBaseURL(cfg.BaseURL)
	httpClient.SetTimeout(cfg.Timeout)
	httpClient.SetHeader("Accept", "application/json")

	c := &Client{
		cfg:         cfg,
		http:        httpClient,
		rateLimiter: exchange.NewRateLimiter(cfg.MinInterval),
	}
	c.timeSync = exchange.NewTimeSync(c.GetServerTime)
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "live-backend",
		Timeout: cfg.BreakerCooldown,
		// only transport errors and 5xx count; 4xx answers are venue decisions
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("live: circuit breaker %s %s -> %s", name, from, to)
		},
	})
	return c
}

func (c *Client) Name() string { return name }

// Connected reports whether Connect succeeded and Disconnect has not been called.
func (c *Client) Connected() bool { return c.connected.Load() }

// Connect syncs the venue clock and proves the credentials by listing accounts.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" || c.cfg.Passphrase == "" {
		return &exchange.ExchangeConnectionError{Op: "connect", Message: "api key, secret and passphrase required"}
	}
	if err := c.timeSync.Sync(ctx); err != nil {
		return asConnectionError("connect", err)
	}
	if _, err := c.GetAccountBalance(ctx); err != nil {
		return asConnectionError("connect", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopSync == nil {
		syncCtx, cancel := context.WithCancel(context.Background())
		c.stopSync = cancel
		c.timeSync.Start(syncCtx)
	}
	c.connected.Store(true)
	log.Printf("live: connected to %s (clock offset %v)", c.cfg.BaseURL, c.timeSync.Offset())
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopSync != nil {
		c.stopSync()
		c.stopSync = nil
	}
	c.connected.Store(false)
	return nil
}

// GetServerTime reads the venue clock. The endpoint is public.
func (c *Client) GetServerTime(ctx context.Context) (time.Time, error) {
	var st serverTime
	if err := c.call(ctx, "server_time", http.MethodGet, "/time", nil, nil, false, &st); err != nil {
		return time.Time{}, err
	}
	sec, frac := math.Modf(st.Epoch)
	return time.Unix(int64(sec), int64(frac*1e9)), nil
}

func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	payload, err := newOrderPayload(req)
	if err != nil {
		return "", &exchange.OrderExecutionError{Op: "place_order", Err: err}
	}
	var resp orderResponse
	if err := c.call(ctx, "place_order", http.MethodPost, "/orders", nil, payload, true, &resp); err != nil {
		return "", err
	}
	if resp.Status == "rejected" {
		return "", &exchange.OrderExecutionError{Op: "place_order", Message: resp.RejectReason}
	}
	if resp.ID == "" {
		return "", &exchange.OrderExecutionError{Op: "place_order", Message: "venue returned no order id"}
	}
	return resp.ID, nil
}

// CancelOrder returns false without error when the venue no longer knows the
// order as open (already done or unknown).
func (c *Client) CancelOrder(ctx context.Context, instrument, exchangeOrderID string) (bool, error) {
	params := url.Values{}
	if instrument != "" {
		params.Set("product_id", instrument)
	}
	err := c.call(ctx, "cancel_order", http.MethodDelete, "/orders/"+url.PathEscape(exchangeOrderID), params, nil, true, nil)
	if err == nil {
		return true, nil
	}
	var oe *exchange.OrderExecutionError
	if errors.As(err, &oe) && (oe.StatusCode == http.StatusBadRequest || oe.StatusCode == http.StatusNotFound) {
		return false, nil
	}
	return false, err
}

func (c *Client) GetOrderStatus(ctx context.Context, instrument, exchangeOrderID string) (exchange.OrderStatusReport, error) {
	var resp orderResponse
	if err := c.call(ctx, "get_order_status", http.MethodGet, "/orders/"+url.PathEscape(exchangeOrderID), nil, nil, true, &resp); err != nil {
		return exchange.OrderStatusReport{}, err
	}
	return resp.report(), nil
}

func (c *Client) GetOrderbook(ctx context.Context, instrument string) (exchange.Orderbook, error) {
	params := url.Values{}
	params.Set("level", "2")
	var resp bookResponse
	if err := c.call(ctx, "get_orderbook", http.MethodGet, "/products/"+url.PathEscape(instrument)+"/book", params, nil, false, &resp); err != nil {
		return exchange.Orderbook{}, err
	}
	bids, err := parseLevels(resp.Bids)
	if err != nil {
		return exchange.Orderbook{}, &exchange.OrderExecutionError{Op: "get_orderbook", Err: err}
	}
	asks, err := parseLevels(resp.Asks)
	if err != nil {
		return exchange.Orderbook{}, &exchange.OrderExecutionError{Op: "get_orderbook", Err: err}
	}
	return exchange.Orderbook{
		Instrument: instrument,
		Timestamp:  time.Now(),
		Bids:       bids,
		Asks:       asks,
	}, nil
}

// GetAccountBalance returns available funds per currency.
func (c *Client) GetAccountBalance(ctx context.Context) (map[string]float64, error) {
	var accounts []account
	if err := c.call(ctx, "get_account_balance", http.MethodGet, "/accounts", nil, nil, true, &accounts); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(accounts))
	for _, a := range accounts {
		out[a.Currency] += parseAmount(a.Available)
	}
	return out, nil
}

// HoldsOpenOrderFunds reports that /accounts "available" already nets out
// the venue's holds for open orders.
func (c *Client) HoldsOpenOrderFunds() bool { return true }

// RateLimiterUsage exposes limiter counters for health output.
func (c *Client) RateLimiterUsage() (uint64, time.Duration) {
	return c.rateLimiter.GetUsage()
}

// call performs one rate-limited request through the breaker and decodes the
// JSON answer into out (when non-nil).
func (c *Client) call(ctx context.Context, op, method, path string, params url.Values, payload any, signed bool, out any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return &exchange.ExchangeConnectionError{Op: op, Err: err}
	}

	requestPath := path
	if len(params) > 0 {
		requestPath += "?" + params.Encode()
	}
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return &exchange.OrderExecutionError{Op: op, Err: fmt.Errorf("encode payload: %w", err)}
		}
	}

	r := c.http.R().SetContext(ctx)
	if body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if signed {
		ts := strconv.FormatInt(c.timeSync.Now().Unix(), 10)
		sig, err := sign(c.cfg.APISecret, ts, method, requestPath, string(body))
		if err != nil {
			return &exchange.ExchangeConnectionError{Op: op, Err: err}
		}
		r.SetHeaders(map[string]string{
			"CB-ACCESS-KEY":        c.cfg.APIKey,
			"CB-ACCESS-SIGN":       sig,
			"CB-ACCESS-TIMESTAMP":  ts,
			"CB-ACCESS-PASSPHRASE": c.cfg.Passphrase,
		})
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := r.Execute(method, requestPath)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return resp, errServerSide
		}
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &exchange.ExchangeConnectionError{Op: op, Message: "circuit breaker open", Err: err}
	}
	if err != nil && !errors.Is(err, errServerSide) {
		return &exchange.ExchangeConnectionError{Op: op, Err: err}
	}

	resp := res.(*resty.Response)
	status := resp.StatusCode()
	if !resp.IsSuccess() {
		msg := venueMessage(resp.Body())
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return &exchange.ExchangeConnectionError{Op: op, StatusCode: status, Message: msg}
		}
		return &exchange.OrderExecutionError{Op: op, StatusCode: status, Message: msg}
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &exchange.OrderExecutionError{Op: op, StatusCode: status, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func venueMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Message != "" {
		return eb.Message
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return string(body)
}

func asConnectionError(op string, err error) error {
	var ce *exchange.ExchangeConnectionError
	if errors.As(err, &ce) {
		return err
	}
	var oe *exchange.OrderExecutionError
	if errors.As(err, &oe) {
		return &exchange.ExchangeConnectionError{Op: op, StatusCode: oe.StatusCode, Message: oe.Message, Err: err}
	}
	return &exchange.ExchangeConnectionError{Op: op, Err: err}
}

var _ exchange.Backend = (*Client)(nil)
