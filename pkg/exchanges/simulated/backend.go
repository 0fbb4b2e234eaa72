// Package simulated is an in-process Backend that fills orders against a
// caller-driven reference price with fixed slippage and fees.
package simulated

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	exchange "execution-core/pkg/exchanges/common"
)

const name = "simulated"

type Config struct {
	Slippage       float64 // fraction applied against the taker
	FeeRate        float64 // fraction of notional, charged in quote currency
	ReferencePrice float64 // used for instruments without a SetPrice yet
	Spread         float64 // synthetic book spread as a fraction of price
	Depth          int     // synthetic book levels per side
	LevelSize      float64
	Balances       map[string]float64
}

func DefaultConfig() Config {
	return Config{
		Slippage:       0.001,
		FeeRate:        0.005,
		ReferencePrice: 50000,
		Spread:         0.0002,
		Depth:          5,
		LevelSize:      1,
		Balances:       map[string]float64{"USD": 10000},
	}
}

type simOrder struct {
	req       exchange.OrderRequest
	status    exchange.OrderStatus
	filled    float64
	value     float64
	fees      float64
	createdAt time.Time
}

// Backend keeps balances and orders in memory. Resting LIMIT and STOP_LOSS
// orders only move when SetPrice is called.
type Backend struct {
	cfg Config

	mu        sync.Mutex
	connected bool
	prices    map[string]float64
	balances  map[string]float64
	orders    map[string]*simOrder
}

func New(cfg Config) *Backend {
	if cfg.Depth <= 0 {
		cfg.Depth = 5
	}
	if cfg.LevelSize <= 0 {
		cfg.LevelSize = 1
	}
	balances := make(map[string]float64, len(cfg.Balances))
	for k, v := range cfg.Balances {
		balances[k] = v
	}
	return &Backend{
		cfg:      cfg,
		prices:   make(map[string]float64),
		balances: balances,
		orders:   make(map[string]*simOrder),
	}
}

func (b *Backend) Name() string { return name }

func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	log.Printf("simulated: connected (slippage=%.4f fee=%.4f)", b.cfg.Slippage, b.cfg.FeeRate)
	return nil
}

func (b *Backend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

// Connected reports whether Connect was called.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// PlaceOrder fills MARKET orders immediately. Lack of funds is recorded as a
// REJECTED order rather than returned as an error.
func (b *Backend) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	if err := checkRequest(req); err != nil {
		return "", err
	}
	base, quote, err := exchange.SplitInstrument(req.Instrument)
	if err != nil {
		return "", &exchange.OrderExecutionError{Op: "place_order", StatusCode: 400, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return "", &exchange.ExchangeConnectionError{Op: "place_order", Message: "not connected"}
	}

	id := uuid.NewString()
	o := &simOrder{req: req, status: exchange.StatusPending, createdAt: time.Now()}
	b.orders[id] = o

	switch req.Type {
	case exchange.OrderTypeMarket:
		b.fillLocked(o, base, quote, b.takerPrice(req.Instrument, req.Side))
	case exchange.OrderTypeLimit:
		if !b.affordableLocked(req.Side, base, quote, req.Price, req.Quantity) {
			o.status = exchange.StatusRejected
		}
	}
	if o.status == exchange.StatusRejected {
		log.Printf("simulated: order %s rejected: insufficient funds", id)
	}
	return id, nil
}

func (b *Backend) CancelOrder(ctx context.Context, instrument, exchangeOrderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[exchangeOrderID]
	if !ok || o.status.Terminal() {
		return false, nil
	}
	o.status = exchange.StatusCancelled
	return true, nil
}

func (b *Backend) GetOrderStatus(ctx context.Context, instrument, exchangeOrderID string) (exchange.OrderStatusReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[exchangeOrderID]
	if !ok {
		return exchange.OrderStatusReport{}, &exchange.OrderExecutionError{
			Op: "get_order_status", StatusCode: 404, Message: "order not found",
		}
	}
	return exchange.OrderStatusReport{
		Status:         o.status,
		FilledQuantity: o.filled,
		ExecutedValue:  o.value,
		Fees:           o.fees,
	}, nil
}

// GetOrderbook builds a symmetric synthetic book around the reference price.
func (b *Backend) GetOrderbook(ctx context.Context, instrument string) (exchange.Orderbook, error) {
	b.mu.Lock()
	ref := b.priceLocked(instrument)
	b.mu.Unlock()

	step := ref * b.cfg.Spread
	if step <= 0 {
		step = ref * 0.0001
	}
	book := exchange.Orderbook{
		Instrument: instrument,
		Timestamp:  time.Now(),
		Bids:       make([]exchange.PriceLevel, 0, b.cfg.Depth),
		Asks:       make([]exchange.PriceLevel, 0, b.cfg.Depth),
	}
	for i := 0; i < b.cfg.Depth; i++ {
		off := step/2 + float64(i)*step
		size := b.cfg.LevelSize * float64(i+1)
		book.Bids = append(book.Bids, exchange.PriceLevel{Price: ref - off, Size: size})
		book.Asks = append(book.Asks, exchange.PriceLevel{Price: ref + off, Size: size})
	}
	return book, nil
}

func (b *Backend) GetAccountBalance(ctx context.Context) (map[string]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]float64, len(b.balances))
	for k, v := range b.balances {
		out[k] = v
	}
	return out, nil
}

// SetPrice moves the reference price and advances resting orders on the instrument.
func (b *Backend) SetPrice(instrument string, price float64) {
	if price <= 0 {
		return
	}
	base, quote, err := exchange.SplitInstrument(instrument)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[instrument] = price
	for id, o := range b.orders {
		if o.req.Instrument != instrument || o.status.Terminal() {
			continue
		}
		switch o.req.Type {
		case exchange.OrderTypeLimit:
			if (o.req.Side == exchange.SideBuy && price <= o.req.Price) ||
				(o.req.Side == exchange.SideSell && price >= o.req.Price) {
				b.fillLocked(o, base, quote, o.req.Price)
				log.Printf("simulated: limit %s %s", id, o.status)
			}
		case exchange.OrderTypeStopLoss:
			if (o.req.Side == exchange.SideBuy && price >= o.req.StopPrice) ||
				(o.req.Side == exchange.SideSell && price <= o.req.StopPrice) {
				b.fillLocked(o, base, quote, b.takerPrice(instrument, o.req.Side))
				log.Printf("simulated: stop %s triggered at %.2f: %s", id, price, o.status)
			}
		}
	}
}

func (b *Backend) priceLocked(instrument string) float64 {
	if p, ok := b.prices[instrument]; ok {
		return p
	}
	return b.cfg.ReferencePrice
}

func (b *Backend) takerPrice(instrument string, side exchange.Side) float64 {
	ref := b.priceLocked(instrument)
	if side == exchange.SideBuy {
		return ref * (1 + b.cfg.Slippage)
	}
	return ref * (1 - b.cfg.Slippage)
}

func (b *Backend) affordableLocked(side exchange.Side, base, quote string, price, qty float64) bool {
	if side == exchange.SideBuy {
		notional := price * qty
		return b.balances[quote] >= notional+notional*b.cfg.FeeRate
	}
	return b.balances[base] >= qty
}

// fillLocked settles o in full at price, or rejects it when funds are short.
func (b *Backend) fillLocked(o *simOrder, base, quote string, price float64) {
	qty := o.req.Quantity
	if !b.affordableLocked(o.req.Side, base, quote, price, qty) {
		o.status = exchange.StatusRejected
		return
	}
	notional := price * qty
	fee := notional * b.cfg.FeeRate
	if o.req.Side == exchange.SideBuy {
		b.balances[quote] -= notional + fee
		b.balances[base] += qty
	} else {
		b.balances[base] -= qty
		b.balances[quote] += notional - fee
	}
	o.filled = qty
	o.value = notional
	o.fees = fee
	o.status = exchange.StatusFilled
}

func checkRequest(req exchange.OrderRequest) error {
	var msg string
	switch {
	case req.Quantity <= 0:
		msg = "quantity must be positive"
	case req.Type == exchange.OrderTypeLimit && req.Price <= 0:
		msg = "limit order requires price"
	case req.Type == exchange.OrderTypeStopLoss && req.StopPrice <= 0:
		msg = "stop order requires stop price"
	case req.Type != exchange.OrderTypeMarket && req.Type != exchange.OrderTypeLimit && req.Type != exchange.OrderTypeStopLoss:
		msg = fmt.Sprintf("unsupported order type %q", req.Type)
	default:
		return nil
	}
	return &exchange.OrderExecutionError{Op: "place_order", StatusCode: 400, Message: msg}
}

var (
	_ exchange.Backend      = (*Backend)(nil)
	_ exchange.PriceUpdater = (*Backend)(nil)
)
