// Package reconciliation compares risk-managed positions with what the
// backend account actually holds.
package reconciliation

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/risk"
	exchange "execution-core/pkg/exchanges/common"
)

const tolerance = 1e-8

// PositionSource yields the positions the risk manager believes are open.
type PositionSource interface {
	Positions(openOnly bool) []risk.Position
}

// BalanceSource reports account holdings per currency.
type BalanceSource interface {
	GetAccountBalance(ctx context.Context) (map[string]float64, error)
}

// Service handles periodic reconciliation
type Service struct {
	positions PositionSource
	balances  BalanceSource
	bus       *events.Bus
	interval  time.Duration

	mu   sync.Mutex
	last *Report
}

// Report contains reconciliation results
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	Diffs     []Diff    `json:"diffs"`
	HasDiffs  bool      `json:"has_diffs"`
}

// Diff is a base currency whose open long quantity exceeds the holding.
type Diff struct {
	Currency    string  `json:"currency"`
	LocalQty    float64 `json:"local_qty"`
	ExchangeQty float64 `json:"exchange_qty"`
	Shortfall   float64 `json:"shortfall"`
}

// NewService creates a new reconciliation service
func NewService(positions PositionSource, balances BalanceSource, bus *events.Bus, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{positions: positions, balances: balances, bus: bus, interval: interval}
}

// Start begins periodic reconciliation
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					log.Printf("❌ reconciliation: %v", err)
					continue
				}
				s.handleReport(report)
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("reconciliation: started (interval: %v)", s.interval)
}

// Reconcile performs one check. Only long positions are compared since a
// spot account has no base-currency liability to match a short.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: time.Now(), Diffs: []Diff{}}

	local := make(map[string]float64)
	for _, p := range s.positions.Positions(true) {
		if p.Side != risk.SideLong {
			continue
		}
		base, _, err := exchange.SplitInstrument(p.Instrument)
		if err != nil {
			continue
		}
		local[base] += p.Quantity
	}
	if len(local) == 0 {
		s.last = report
		return report, nil
	}

	held, err := s.balances.GetAccountBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch balances: %w", err)
	}

	for cur, qty := range local {
		if have := held[cur]; qty-have > tolerance {
			report.Diffs = append(report.Diffs, Diff{
				Currency:    cur,
				LocalQty:    qty,
				ExchangeQty: have,
				Shortfall:   qty - have,
			})
		}
	}
	sort.Slice(report.Diffs, func(i, j int) bool { return report.Diffs[i].Currency < report.Diffs[j].Currency })
	report.HasDiffs = len(report.Diffs) > 0
	s.last = report
	return report, nil
}

// LastReport returns the most recent report, or nil before the first run.
func (s *Service) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// handleReport processes reconciliation report
func (s *Service) handleReport(report *Report) {
	if !report.HasDiffs {
		return
	}
	log.Printf("⚠️ reconciliation: position differences detected:")
	for _, d := range report.Diffs {
		log.Printf("  %s: local=%.8f exchange=%.8f shortfall=%.8f", d.Currency, d.LocalQty, d.ExchangeQty, d.Shortfall)
		if s.bus != nil {
			s.bus.Publish(events.EventRiskAlert, events.RiskAlert{Message: fmt.Sprintf(
				"Position mismatch: %s open %.8f but account holds %.8f", d.Currency, d.LocalQty, d.ExchangeQty)})
		}
	}
}
