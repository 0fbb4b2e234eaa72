package monitor

import (
	"context"
	"log"
	"strings"
	"time"

	"execution-core/internal/events"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the standard logger.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("🚨 %s", message)
	return nil
}

// SignalSource yields the current textual risk warnings.
type SignalSource interface {
	GetRiskSignals() []string
}

// RiskWatcher polls a SignalSource and publishes a RiskAlert the first time
// each kind of warning appears. A warning that clears can fire again later.
type RiskWatcher struct {
	Source   SignalSource
	Bus      *events.Bus
	Interval time.Duration

	active map[string]bool
}

// Run blocks until ctx is done.
func (w *RiskWatcher) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.Check()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check runs one poll and returns the warnings it published.
func (w *RiskWatcher) Check() []string {
	if w.Source == nil {
		return nil
	}
	if w.active == nil {
		w.active = make(map[string]bool)
	}
	seen := make(map[string]bool)
	var fresh []string
	for _, s := range w.Source.GetRiskSignals() {
		key := signalKey(s)
		seen[key] = true
		if w.active[key] {
			continue
		}
		fresh = append(fresh, s)
		if w.Bus != nil {
			w.Bus.Publish(events.EventRiskAlert, events.RiskAlert{Message: s})
		}
	}
	w.active = seen
	return fresh
}

// signalKey drops the measured value so "High drawdown: 21%" and
// "High drawdown: 22%" count as the same warning.
func signalKey(s string) string {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}
