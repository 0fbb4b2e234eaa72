// Package engine ties signals, the risk manager and the order executor
// together. The API layer only talks to the engine through Service.
package engine

import (
	"context"

	"execution-core/internal/order"
	"execution-core/internal/risk"
)

// Service defines the operations exposed to the operator surface.
type Service interface {
	// Signals
	HandleSignal(ctx context.Context, sig *order.TradeSignal, volatility float64) (order.Result, error)
	Submit(sig *order.TradeSignal, volatility float64) error

	// Kill switch
	EnableEmergencyStop(ctx context.Context) int
	DisableEmergencyStop()

	// Queries
	ActiveOrders() []order.Order
	ExecutionQuality() order.QualityStats
	Positions(openOnly bool) []risk.Position
	Risk() RiskOverview
	Health(ctx context.Context) order.Health
	SystemStatus() SystemStatus
}
