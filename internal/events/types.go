package events

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventPriceTick            Event = "price_tick"
	EventRiskAlert            Event = "risk_alert"
	EventPositionOpened       Event = "position.opened"
	EventPositionClosed       Event = "position.closed"
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"
	EventOrderCancelled       Event = "order.cancelled"
	EventOrderTimedOut        Event = "order.timed_out"
	EventSignalRefused        Event = "signal.refused"
	EventEmergencyStop        Event = "emergency_stop"
)

// PriceTick is published by price feeds.
type PriceTick struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
}

// Refusal records a signal that was turned away before reaching the venue.
type Refusal struct {
	Strategy string `json:"strategy"`
	Code     string `json:"code"`
	Reason   string `json:"reason"`
}

// RiskAlert is a textual warning for the notification layer.
type RiskAlert struct {
	Message string `json:"message"`
}

// EmergencyStopChange is published when the kill switch flips.
type EmergencyStopChange struct {
	Enabled   bool `json:"enabled"`
	Cancelled int  `json:"cancelled"`
}
