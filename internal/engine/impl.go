package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"execution-core/internal/events"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	exchange "execution-core/pkg/exchanges/common"
)

// ErrNoPrice means no tick has been seen for the instrument yet.
var ErrNoPrice = errors.New("no price for instrument")

// RiskObserver receives the risk counters after every change.
type RiskObserver interface {
	ObserveRisk(st risk.RiskState, openPositions int)
}

// Impl implements the Service interface by composing existing modules.
type Impl struct {
	executor *order.Executor
	riskMgr  *risk.Manager
	backend  exchange.Backend
	bus      *events.Bus
	queue    *Queue
	observer RiskObserver

	mu     sync.RWMutex
	prices map[string]float64

	exits conc.WaitGroup

	// System metadata
	meta SystemStatus
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	Executor *order.Executor
	RiskMgr  *risk.Manager
	Bus      *events.Bus
	Queue    *Queue
	Observer RiskObserver
	Meta     SystemStatus
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	q := cfg.Queue
	if q == nil {
		q = NewQueue(0)
	}
	meta := cfg.Meta
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}
	e := &Impl{
		executor: cfg.Executor,
		riskMgr:  cfg.RiskMgr,
		bus:      cfg.Bus,
		queue:    q,
		observer: cfg.Observer,
		prices:   make(map[string]float64),
		meta:     meta,
	}
	if cfg.Executor != nil {
		e.backend = cfg.Executor.Backend()
		cfg.Executor.SetLateFillHandler(e.onLateFill)
	}
	return e
}

// --- Prices ---

// Price returns the last price seen for instrument.
func (e *Impl) Price(instrument string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.prices[instrument]
	return p, ok
}

// OnPrice records a tick, forwards it to a backend that simulates fills,
// marks positions and sends exit orders for everything the tick closed.
func (e *Impl) OnPrice(ctx context.Context, instrument string, price float64) []risk.Position {
	if price <= 0 {
		return nil
	}
	e.mu.Lock()
	e.prices[instrument] = price
	e.mu.Unlock()

	if pu, ok := e.backend.(exchange.PriceUpdater); ok {
		pu.SetPrice(instrument, price)
	}

	closed := e.riskMgr.UpdatePositions(map[string]float64{instrument: price})
	for _, p := range closed {
		e.publish(events.EventPositionClosed, p)
		e.exits.Go(func() { e.exit(ctx, p, price) })
	}
	if len(closed) > 0 {
		e.observeRisk()
	}
	return closed
}

func (e *Impl) exit(ctx context.Context, p risk.Position, price float64) {
	side := exchange.SideSell
	if p.Side == risk.SideShort {
		side = exchange.SideBuy
	}
	o := &order.Order{
		ID:             uuid.NewString(),
		Strategy:       p.Strategy,
		Instrument:     p.Instrument,
		Type:           exchange.OrderTypeMarket,
		Side:           side,
		Quantity:       p.Quantity,
		ReferencePrice: price,
		CreatedAt:      time.Now(),
	}
	res, err := e.executor.ExecuteOrder(ctx, o)
	if err != nil {
		log.Printf("❌ engine: exit for position %s failed: %v", p.ID, err)
		return
	}
	log.Printf("engine: exit for position %s %s (%s)", p.ID, res.Outcome, o.ID)
}

// WaitExits blocks until every exit order started by OnPrice has returned.
func (e *Impl) WaitExits() { e.exits.Wait() }

// Run consumes price ticks from the bus and queued signals until ctx is done.
func (e *Impl) Run(ctx context.Context) {
	ticks, unsub := e.bus.Subscribe(events.EventPriceTick, 256)
	defer unsub()

	go e.queue.Drain(ctx, func(r SignalRequest) {
		if _, err := e.HandleSignal(ctx, r.Signal, r.Volatility); err != nil {
			log.Printf("❌ engine: queued signal failed: %v", err)
		}
	})

	for {
		select {
		case <-ctx.Done():
			e.exits.Wait()
			return
		case msg, ok := <-ticks:
			if !ok {
				return
			}
			if tick, ok := msg.Payload.(events.PriceTick); ok {
				e.OnPrice(ctx, tick.Instrument, tick.Price)
			}
		}
	}
}

// --- Signals ---

// HandleSignal checks the risk ceilings, sizes the order from the risk
// budget, executes it and records the resulting position on a fill.
func (e *Impl) HandleSignal(ctx context.Context, sig *order.TradeSignal, volatility float64) (order.Result, error) {
	if sig == nil {
		return order.Result{}, fmt.Errorf("nil signal")
	}
	price, ok := e.Price(sig.Instrument)
	if !ok {
		return order.Result{}, fmt.Errorf("%w: %s", ErrNoPrice, sig.Instrument)
	}

	if d := e.riskMgr.CanOpen(); !d.Allowed {
		return e.refuse(sig, d.Code, d.Reason), nil
	}
	qty := e.riskMgr.CalculatePositionSize(price, volatility) / price
	if qty <= 0 {
		return e.refuse(sig, risk.RefusalZeroSize, "computed position size is zero"), nil
	}

	res, err := e.executor.ExecuteSignal(ctx, sig, price, qty)
	if err != nil || res.Execution == nil {
		return res, err
	}
	// a timed-out order may still carry a partial fill
	e.recordEntry(*res.Execution, volatility)
	return res, nil
}

// onLateFill records positions for signal orders the reconciler settled
// after HandleSignal had already returned.
func (e *Impl) onLateFill(res order.Result) {
	if res.Execution != nil {
		e.recordEntry(*res.Execution, 0)
	}
}

// recordEntry opens the risk position backing a fill. A refusal here means
// the venue holds a position the risk manager does not track, which is
// raised as an alert.
func (e *Impl) recordEntry(exec order.Execution, volatility float64) (risk.Position, bool) {
	side := risk.SideLong
	if exec.Side == exchange.SideSell {
		side = risk.SideShort
	}
	pos, d := e.riskMgr.OpenPosition(risk.OpenRequest{
		Strategy:   exec.Strategy,
		Instrument: exec.Instrument,
		Side:       side,
		EntryPrice: exec.Price,
		Volatility: volatility,
		Quantity:   exec.Quantity,
	})
	if !d.Allowed {
		log.Printf("⚠️ engine: filled %s but position not recorded: %s", exec.OrderID, d.Reason)
		e.publish(events.EventRiskAlert, events.RiskAlert{Message: fmt.Sprintf(
			"Untracked fill: %s %s %.8f %s @ %.2f not recorded as a position: %s",
			exec.Strategy, exec.Side, exec.Quantity, exec.Instrument, exec.Price, d.Reason)})
		return risk.Position{}, false
	}
	e.publish(events.EventPositionOpened, pos)
	e.observeRisk()
	return pos, true
}

// Submit queues a signal for Run to execute.
func (e *Impl) Submit(sig *order.TradeSignal, volatility float64) error {
	if sig == nil {
		return fmt.Errorf("nil signal")
	}
	return e.queue.Enqueue(SignalRequest{Signal: sig, Volatility: volatility})
}

func (e *Impl) refuse(sig *order.TradeSignal, code, reason string) order.Result {
	log.Printf("🚫 engine: signal from %s refused by risk: %s", sig.Strategy, reason)
	e.publish(events.EventSignalRefused, events.Refusal{Strategy: sig.Strategy, Code: code, Reason: reason})
	e.publish(events.EventRiskAlert, events.RiskAlert{Message: "Signal refused: " + reason})
	return order.Result{Outcome: order.OutcomeRefused, Refusal: &order.Refusal{Code: code, Reason: reason}}
}

// --- Kill switch ---

func (e *Impl) EnableEmergencyStop(ctx context.Context) int {
	return e.executor.EnableEmergencyStop(ctx)
}

func (e *Impl) DisableEmergencyStop() { e.executor.DisableEmergencyStop() }

// ResetDaily clears the daily counters of both the executor and the risk manager.
func (e *Impl) ResetDaily() {
	e.executor.ResetDaily()
	e.riskMgr.ResetDaily()
	log.Println("engine: daily counters reset")
}

// --- Queries ---

func (e *Impl) ActiveOrders() []order.Order { return e.executor.ActiveOrders() }

func (e *Impl) ExecutionQuality() order.QualityStats { return e.executor.ExecutionQualityStats() }

func (e *Impl) Positions(openOnly bool) []risk.Position { return e.riskMgr.Positions(openOnly) }

func (e *Impl) Risk() RiskOverview {
	signals := e.riskMgr.GetRiskSignals()
	if signals == nil {
		signals = []string{}
	}
	return RiskOverview{
		State:   e.riskMgr.State(),
		Metrics: e.riskMgr.CalculatePortfolioMetrics(),
		Signals: signals,
	}
}

func (e *Impl) Health(ctx context.Context) order.Health { return e.executor.HealthCheck(ctx) }

func (e *Impl) SystemStatus() SystemStatus {
	st := e.meta
	st.ServerTime = time.Now()
	return st
}

func (e *Impl) observeRisk() {
	if e.observer == nil {
		return
	}
	e.observer.ObserveRisk(e.riskMgr.State(), len(e.riskMgr.Positions(true)))
}

func (e *Impl) publish(ev events.Event, payload any) {
	if e.bus != nil {
		e.bus.Publish(ev, payload)
	}
}

var _ Service = (*Impl)(nil)
