package order

import (
	"time"

	exchange "execution-core/pkg/exchanges/common"
)

// TradeSignal is what a strategy hands to the executor.
type TradeSignal struct {
	Strategy   string        `json:"strategy_name"`
	Instrument string        `json:"instrument"`
	Type       exchange.Side `json:"signal_type"`
	Confidence float64       `json:"confidence"`

	Executed      bool      `json:"executed"`
	ExecutedPrice float64   `json:"executed_price,omitempty"`
	ExecutedAt    time.Time `json:"executed_at,omitempty"`
}

// MarkExecuted stamps the fill onto the signal.
func (s *TradeSignal) MarkExecuted(price float64, at time.Time) {
	s.Executed = true
	s.ExecutedPrice = price
	s.ExecutedAt = at
}

// Order is owned by the executor for its whole lifetime. Quantity and prices
// never change after creation; Status and fill fields move forward only.
type Order struct {
	ID              string               `json:"id"`
	Strategy        string               `json:"strategy_name"`
	Instrument      string               `json:"instrument"`
	Type            exchange.OrderType   `json:"order_type"`
	Side            exchange.Side        `json:"side"`
	Quantity        float64              `json:"quantity"`
	Price           float64              `json:"price,omitempty"`      // LIMIT
	StopPrice       float64              `json:"stop_price,omitempty"` // STOP_LOSS
	TimeInForce     exchange.TimeInForce `json:"time_in_force,omitempty"`
	ReferencePrice  float64              `json:"reference_price,omitempty"` // caller's price, used for the funds estimate
	Status          exchange.OrderStatus `json:"status"`
	FilledQuantity  float64              `json:"filled_quantity"`
	AvgFillPrice    float64              `json:"avg_fill_price,omitempty"`
	Fees            float64              `json:"fees,omitempty"`
	ExchangeOrderID string               `json:"exchange_order_id,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	SubmittedAt     time.Time            `json:"submitted_at,omitempty"`
}

func (o Order) request() exchange.OrderRequest {
	return exchange.OrderRequest{
		ClientID:    o.ID,
		Instrument:  o.Instrument,
		Side:        o.Side,
		Type:        o.Type,
		Quantity:    o.Quantity,
		Price:       o.Price,
		StopPrice:   o.StopPrice,
		TimeInForce: o.TimeInForce,
	}
}

// Execution is the trade of record for a filled order. Written once.
type Execution struct {
	OrderID      string        `json:"order_id"`
	Strategy     string        `json:"strategy_name"`
	Instrument   string        `json:"instrument"`
	Side         exchange.Side `json:"side"`
	Quantity     float64       `json:"quantity"`
	Price        float64       `json:"price"`
	Fee          float64       `json:"fee"`
	TradeID      string        `json:"trade_id"`
	CreatedAt    time.Time     `json:"created_at"`
	Slippage     float64       `json:"slippage"`
	MarketImpact float64       `json:"market_impact"`
}

// ExecutionQuality is derived per fill and kept only for aggregate stats.
type ExecutionQuality struct {
	Slippage                float64       `json:"slippage"`
	MarketImpact            float64       `json:"market_impact"`
	FillRate                float64       `json:"fill_rate"`
	ExecutionTime           time.Duration `json:"execution_time"`
	EffectiveSpread         float64       `json:"effective_spread"`
	ImplementationShortfall float64       `json:"implementation_shortfall"`
}

// Outcome says how an execution attempt ended when no error occurred.
type Outcome string

const (
	OutcomeFilled    Outcome = "filled"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRejected  Outcome = "rejected"
	OutcomeRefused   Outcome = "refused"
)

// Refusal codes.
const (
	RefusalEmergencyStop = "emergency_stop"
	RefusalDailyLimit    = "daily_limit"
	RefusalCooldown      = "cooldown"
	RefusalInFlight      = "in_flight"
)

// Refusal explains why a signal never reached the venue.
type Refusal struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Result is returned by ExecuteSignal and ExecuteOrder. Execution and Quality
// are set only for OutcomeFilled.
type Result struct {
	Outcome   Outcome           `json:"outcome"`
	Order     Order             `json:"order"`
	Execution *Execution        `json:"execution,omitempty"`
	Quality   *ExecutionQuality `json:"quality,omitempty"`
	Refusal   *Refusal          `json:"refusal,omitempty"`
}

// Filled is a convenience for callers.
func (r Result) Filled() bool { return r.Outcome == OutcomeFilled && r.Execution != nil }

// QualityStats aggregates the recent-quality ring.
type QualityStats struct {
	AvgSlippage        float64       `json:"avg_slippage"`
	MaxSlippage        float64       `json:"max_slippage"`
	AvgMarketImpact    float64       `json:"avg_market_impact"`
	AvgShortfall       float64       `json:"avg_implementation_shortfall"`
	AvgExecutionTime   time.Duration `json:"avg_execution_time"`
	AvgFillRate        float64       `json:"avg_fill_rate"`
	AvgEffectiveSpread float64       `json:"avg_effective_spread"`
	TotalExecutions    int           `json:"total_executions"`
}

// Health is the operational snapshot.
type Health struct {
	Connected       bool               `json:"connected"`
	Backend         string             `json:"backend_name"`
	PaperMode       bool               `json:"paper_mode"`
	EmergencyStop   bool               `json:"emergency_stop"`
	ActiveOrders    int                `json:"active_orders"`
	DailyTradeCount int                `json:"daily_trade_count"`
	Balances        map[string]float64 `json:"balances"`
	BalanceError    string             `json:"balance_error,omitempty"`
	Quality         QualityStats       `json:"execution_quality_summary"`
}
