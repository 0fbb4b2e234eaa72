package engine

import (
	"time"

	"execution-core/internal/order"
	"execution-core/internal/risk"
)

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Backend     string    `json:"backend"`
	PaperMode   bool      `json:"paper_mode"`
	Instruments []string  `json:"instruments"`
	UseMockFeed bool      `json:"use_mock_feed"`
	Version     string    `json:"version"`
	InstanceID  string    `json:"instance_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	ServerTime  time.Time `json:"server_time"`
}

// RiskOverview bundles the risk views served to operators.
type RiskOverview struct {
	State   risk.RiskState        `json:"state"`
	Metrics risk.PortfolioMetrics `json:"metrics"`
	Signals []string              `json:"signals"`
}

// SignalRequest is one queued strategy signal.
type SignalRequest struct {
	Signal     *order.TradeSignal `json:"signal"`
	Volatility float64            `json:"volatility"`
}
