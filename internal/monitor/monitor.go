package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"execution-core/internal/events"
)

// Monitor forwards risk alerts and kill-switch changes to a sink.
type Monitor struct {
	Bus     *events.Bus
	Sink    AlertSink
	Metrics *Metrics
}

// Start subscribes and returns immediately; delivery stops with ctx.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	alerts, unsubAlerts := m.Bus.Subscribe(events.EventRiskAlert, 50)
	stops, unsubStops := m.Bus.Subscribe(events.EventEmergencyStop, 8)
	go func() {
		defer unsubAlerts()
		defer unsubStops()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-alerts:
				if !ok {
					return
				}
				if m.Metrics != nil {
					m.Metrics.RiskAlert()
				}
				m.deliver(msg)
			case msg, ok := <-stops:
				if !ok {
					return
				}
				m.deliver(msg)
			}
		}
	}()
}

func (m *Monitor) deliver(msg events.Message) {
	if err := m.Sink.Send(formatAlert(msg)); err != nil {
		log.Printf("⚠️ monitor: alert delivery failed: %v", err)
	}
}

func formatAlert(msg events.Message) string {
	at := msg.Time
	if at.IsZero() {
		at = time.Now()
	}
	return "[" + at.Format(time.RFC3339) + "] " + describe(msg.Payload)
}

func describe(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case events.RiskAlert:
		return t.Message
	case events.EmergencyStopChange:
		if t.Enabled {
			return fmt.Sprintf("Emergency stop enabled, %d orders cancelled", t.Cancelled)
		}
		return "Emergency stop disabled"
	default:
		return "alert triggered"
	}
}
