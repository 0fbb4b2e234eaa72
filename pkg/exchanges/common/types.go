package common

import (
	"fmt"
	"strings"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the order types the core submits.
type OrderType string

const (
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypeStopLoss OrderType = "STOP_LOSS"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes venue status into the engine's lifecycle states.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether no further transition can happen.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// OrderRequest captures an order intent to be sent to a backend.
type OrderRequest struct {
	ClientID    string
	Instrument  string
	Side        Side
	Type        OrderType
	Quantity    float64
	Price       float64 // required for LIMIT
	StopPrice   float64 // required for STOP_LOSS
	TimeInForce TimeInForce
}

// OrderStatusReport is the idempotent view returned by GetOrderStatus.
type OrderStatusReport struct {
	Status         OrderStatus
	FilledQuantity float64
	ExecutedValue  float64 // sum of price*size over fills
	Fees           float64
}

// AveragePrice returns the volume-weighted fill price, 0 when nothing filled.
func (r OrderStatusReport) AveragePrice() float64 {
	if r.FilledQuantity <= 0 {
		return 0
	}
	return r.ExecutedValue / r.FilledQuantity
}

// PriceLevel is one aggregated book level.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Orderbook is an ephemeral snapshot. Bids descend, asks ascend.
type Orderbook struct {
	Instrument string       `json:"instrument"`
	Timestamp  time.Time    `json:"timestamp"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
}

func (b Orderbook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

func (b Orderbook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Spread is 0 unless both sides are present.
func (b Orderbook) Spread() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

// MidPrice is 0 unless both sides are present.
func (b Orderbook) MidPrice() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Empty reports a book with no usable top of book.
func (b Orderbook) Empty() bool {
	return b.BestBid() == 0 || b.BestAsk() == 0
}

// SplitInstrument splits "BTC-USD" (or "BTC/USD") into base and quote.
func SplitInstrument(instrument string) (base, quote string, err error) {
	sep := "-"
	if !strings.Contains(instrument, sep) {
		sep = "/"
	}
	parts := strings.SplitN(instrument, sep, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid instrument %q: want BASE-QUOTE", instrument)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}
