package order

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"execution-core/internal/balance"
	"execution-core/internal/events"
	exchange "execution-core/pkg/exchanges/common"
)

// Execution strategies.
const (
	StrategyAggressive = "aggressive" // MARKET
	StrategyPassive    = "passive"    // LIMIT near the current price
)

type Config struct {
	Strategy        string
	LimitOffset     float64 // fraction of price added (BUY) or removed (SELL) for passive limits
	OrderTimeout    time.Duration
	PollInterval    time.Duration
	MonitorInterval time.Duration
	MaxDailyTrades  int
	Cooldown        time.Duration
	QualityWindow   int
	FeeBuffer       float64 // extra fraction of notional reserved for fees on BUY
	FallbackPrice   float64 // cost estimate for MARKET orders when nothing better is known
	PaperMode       bool
}

func DefaultConfig() Config {
	return Config{
		Strategy:        StrategyAggressive,
		LimitOffset:     0.0005,
		OrderTimeout:    300 * time.Second,
		PollInterval:    time.Second,
		MonitorInterval: 5 * time.Second,
		MaxDailyTrades:  50,
		Cooldown:        time.Hour,
		QualityWindow:   1000,
	}
}

// TradeStore persists executions. Implementations must not block the trading path.
type TradeStore interface {
	SaveTrade(ctx context.Context, e Execution) error
}

// Funds backs the pre-submission balance check.
type Funds interface {
	Sync(ctx context.Context) error
	Available(currency string) float64
	Reserve(currency string, amount float64) error
	Release(currency string, amount float64)
}

// Observer receives execution telemetry.
type Observer interface {
	OrderSubmitted(orderType string)
	OrderOutcome(outcome string)
	Fill(slippage float64, elapsed time.Duration)
	Refused(code string)
	ActiveOrders(n int)
	EmergencyStop(on bool)
}

type nopObserver struct{}

func (nopObserver) OrderSubmitted(string) {}
func (nopObserver) OrderOutcome(string) {}
func (nopObserver) Fill(float64, time.Duration) {}
func (nopObserver) Refused(string) {}
func (nopObserver) ActiveOrders(int) {}
func (nopObserver) EmergencyStop(bool) {}

// tracked is an order in the active set. Fields below mu are guarded by
// Executor.mu; result and err are written once by the settler before done closes.
type tracked struct {
	instrument string
	exchangeID string
	deadline   time.Time
	book       *exchange.Orderbook // snapshot taken at submission
	reserveCur string
	reserveAmt float64
	gated      bool // holds a gate reservation for order.Strategy until settled
	done       chan struct{}

	// guarded by Executor.mu
	order      Order
	timedOut   bool
	cancelSent bool
	detached   bool // the submitting caller stopped waiting

	result Result
	err    error
}

// Executor validates, submits, supervises and settles orders against a Backend.
type Executor struct {
	cfg      Config
	backend  exchange.Backend
	bus      *events.Bus
	store    TradeStore
	funds    Funds
	observer Observer
	gate     *Gate
	quality  *qualityRing
	lateFill func(Result)

	// admit is held shared from the emergency check until the order joins
	// the active set, and exclusively by EnableEmergencyStop before it
	// collects orders to cancel.
	admit sync.RWMutex

	mu     sync.Mutex
	active map[string]*tracked
}

func NewExecutor(cfg Config, backend exchange.Backend, bus *events.Bus, store TradeStore) *Executor {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = def.OrderTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	return &Executor{
		cfg:      cfg,
		backend:  backend,
		bus:      bus,
		store:    store,
		funds:    balance.NewManager(backend, 0),
		observer: nopObserver{},
		gate:     NewGate(cfg.MaxDailyTrades, cfg.Cooldown),
		quality:  newQualityRing(cfg.QualityWindow),
		active:   make(map[string]*tracked),
	}
}

// SetFunds replaces the default balance manager (e.g. with a shared one).
func (e *Executor) SetFunds(f Funds) { e.funds = f }

// SetObserver installs a telemetry sink.
func (e *Executor) SetObserver(o Observer) {
	if o != nil {
		e.observer = o
	}
}

// SetLateFillHandler installs fn to receive fills of signal orders settled
// after ExecuteSignal returned (timeout or cancelled context). fn runs on the
// settling goroutine.
func (e *Executor) SetLateFillHandler(fn func(Result)) { e.lateFill = fn }

// Gate exposes the safety state for inspection.
func (e *Executor) Gate() *Gate { return e.gate }

// Backend returns the venue this executor trades on.
func (e *Executor) Backend() exchange.Backend { return e.backend }

// ExecuteSignal turns a strategy signal into an order and runs it. Refusals
// by the safety gate come back as OutcomeRefused with a nil error.
//
// The gate reservation lives as long as the order does: settlement commits
// it when anything filled and releases it otherwise. An order still open
// when ExecuteSignal returns keeps its strategy in flight until the
// reconciler settles it.
func (e *Executor) ExecuteSignal(ctx context.Context, sig *TradeSignal, currentPrice, quantity float64) (Result, error) {
	if sig == nil {
		return Result{}, &ValidationError{Field: "signal", Reason: "required"}
	}
	if refusal := e.gate.Reserve(sig.Strategy); refusal != nil {
		e.refuse(sig.Strategy, refusal)
		return Result{Outcome: OutcomeRefused, Refusal: refusal}, nil
	}

	o := e.buildOrder(sig, currentPrice, quantity)
	res, err := e.execute(ctx, o, true)
	if res.Execution != nil {
		sig.MarkExecuted(res.Execution.Price, res.Execution.CreatedAt)
	}
	return res, err
}

func (e *Executor) buildOrder(sig *TradeSignal, currentPrice, quantity float64) *Order {
	o := &Order{
		ID:             uuid.NewString(),
		Strategy:       sig.Strategy,
		Instrument:     sig.Instrument,
		Side:           sig.Type,
		Type:           exchange.OrderTypeMarket,
		Quantity:       quantity,
		ReferencePrice: currentPrice,
		CreatedAt:      time.Now(),
	}
	if e.cfg.Strategy == StrategyPassive && currentPrice > 0 {
		o.Type = exchange.OrderTypeLimit
		o.TimeInForce = exchange.TIFGTC
		o.Price = limitPrice(sig.Type, currentPrice, e.cfg.LimitOffset)
	}
	return o
}

// limitPrice leans slightly through the market so the limit fills quickly,
// bounded by offset.
func limitPrice(side exchange.Side, price, offset float64) float64 {
	if side == exchange.SideBuy {
		return price * (1 + offset)
	}
	return price * (1 - offset)
}

// ExecuteOrder validates, reserves funds, submits and supervises o until it
// settles or times out. o is updated with the final observed state.
//
// Errors are *ValidationError, *InsufficientFundsError (order never sent) or
// *ExecutionError (venue failure; the order has left the active set). A
// timeout cancels the order and returns OutcomeTimedOut with a nil error.
func (e *Executor) ExecuteOrder(ctx context.Context, o *Order) (Result, error) {
	return e.execute(ctx, o, false)
}

func (e *Executor) execute(ctx context.Context, o *Order, gated bool) (Result, error) {
	// until the order is tracked, giving back the reservation is ours to do
	release := func() {
		if gated {
			e.gate.Release(o.Strategy)
		}
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if err := ValidateOrder(*o); err != nil {
		release()
		log.Printf("executor: order %s rejected by validation: %v", o.ID, err)
		return Result{Order: *o}, err
	}

	e.admit.RLock()
	admitted := false
	defer func() {
		if !admitted {
			e.admit.RUnlock()
		}
	}()
	if e.gate.Emergency() {
		release()
		return e.refuseEmergency(o), nil
	}

	book := e.snapshotBook(ctx, o.Instrument)
	cur, amt, err := e.reserveFunds(ctx, *o, book)
	if err != nil {
		release()
		log.Printf("executor: order %s: %v", o.ID, err)
		return Result{Order: *o}, err
	}
	// the stop may have been engaged while the book and balances were fetched
	if e.gate.Emergency() {
		e.funds.Release(cur, amt)
		release()
		return e.refuseEmergency(o), nil
	}

	exchID, err := e.backend.PlaceOrder(ctx, o.request())
	if err != nil {
		e.funds.Release(cur, amt)
		release()
		o.advance(exchange.StatusRejected, 0)
		log.Printf("❌ executor: place order %s failed: %v", o.ID, err)
		e.publish(events.EventOrderRejected, *o)
		e.observer.OrderOutcome("error")
		return Result{Outcome: OutcomeRejected, Order: *o}, &ExecutionError{OrderID: o.ID, Op: "place_order", Err: err}
	}

	o.ExchangeOrderID = exchID
	o.SubmittedAt = time.Now()
	o.advance(exchange.StatusPending, 0)

	if h, ok := e.backend.(exchange.FundsHolder); ok && h.HoldsOpenOrderFunds() {
		// the venue now holds the funds itself; keeping ours would count them twice
		if err := e.funds.Sync(ctx); err != nil {
			log.Printf("executor: balance refresh after placing %s failed: %v", o.ID, err)
		}
		e.funds.Release(cur, amt)
		amt = 0
	}

	t := &tracked{
		instrument: o.Instrument,
		exchangeID: exchID,
		deadline:   o.SubmittedAt.Add(e.cfg.OrderTimeout),
		book:       book,
		reserveCur: cur,
		reserveAmt: amt,
		gated:      gated,
		done:       make(chan struct{}),
		order:      *o,
	}
	e.mu.Lock()
	e.active[o.ID] = t
	n := len(e.active)
	e.mu.Unlock()
	admitted = true
	e.admit.RUnlock()

	e.observer.OrderSubmitted(string(o.Type))
	e.observer.ActiveOrders(n)
	e.publish(events.EventOrderSubmitted, *o)
	log.Printf("executor: submitted %s %s %s qty=%.8f exch_id=%s", o.ID, o.Side, o.Type, o.Quantity, exchID)

	res, err := e.await(ctx, t)
	*o = res.Order
	switch {
	case err != nil:
		e.observer.OrderOutcome("error")
	default:
		e.observer.OrderOutcome(string(res.Outcome))
	}
	return res, err
}

func (e *Executor) refuseEmergency(o *Order) Result {
	refusal := &Refusal{Code: RefusalEmergencyStop, Reason: "emergency stop engaged"}
	e.refuse(o.Strategy, refusal)
	return Result{Outcome: OutcomeRefused, Order: *o, Refusal: refusal}
}

func (e *Executor) snapshotBook(ctx context.Context, instrument string) *exchange.Orderbook {
	book, err := e.backend.GetOrderbook(ctx, instrument)
	if err != nil {
		log.Printf("executor: orderbook snapshot for %s failed: %v", instrument, err)
		return nil
	}
	return &book
}

// reserveFunds earmarks quote (BUY) or base (SELL) for the order.
func (e *Executor) reserveFunds(ctx context.Context, o Order, book *exchange.Orderbook) (string, float64, error) {
	base, quote, _ := exchange.SplitInstrument(o.Instrument)
	if err := e.funds.Sync(ctx); err != nil {
		log.Printf("executor: balance refresh failed, using cached balances: %v", err)
	}

	cur, amt := base, o.Quantity
	if o.Side == exchange.SideBuy {
		price := e.estimatePrice(o, book)
		if price <= 0 {
			return "", 0, &ValidationError{Field: "price", Reason: "no reference price to estimate cost"}
		}
		cur, amt = quote, price*o.Quantity*(1+e.cfg.FeeBuffer)
	}

	if err := e.funds.Reserve(cur, amt); err != nil {
		var ie *balance.InsufficientError
		if errors.As(err, &ie) {
			return "", 0, &InsufficientFundsError{Currency: ie.Currency, Required: ie.Required, Available: ie.Available}
		}
		return "", 0, err
	}
	return cur, amt, nil
}

func (e *Executor) estimatePrice(o Order, book *exchange.Orderbook) float64 {
	switch {
	case o.Type == exchange.OrderTypeLimit:
		return o.Price
	case o.Type == exchange.OrderTypeStopLoss:
		return o.StopPrice
	case o.ReferencePrice > 0:
		return o.ReferencePrice
	case book != nil && book.BestAsk() > 0:
		return book.BestAsk()
	}
	return e.cfg.FallbackPrice
}

// EnableEmergencyStop blocks new submissions and fans out a cancel to every
// active order. Submissions already past their last emergency check finish
// placing first and are cancelled with the rest. It returns how many cancels
// were attempted.
func (e *Executor) EnableEmergencyStop(ctx context.Context) int {
	if prev := e.gate.SetEmergency(true); !prev {
		log.Printf("🛑 executor: EMERGENCY STOP engaged")
	}
	e.observer.EmergencyStop(true)

	e.admit.Lock()
	orders := e.trackedOrders()
	e.admit.Unlock()

	e.mu.Lock()
	for _, t := range orders {
		t.cancelSent = true
	}
	e.mu.Unlock()

	var (
		wg        conc.WaitGroup
		cancelled atomic.Int64
	)
	for _, t := range orders {
		t := t
		wg.Go(func() {
			ok, err := e.backend.CancelOrder(ctx, t.instrument, t.exchangeID)
			if err != nil {
				log.Printf("executor: emergency cancel %s failed: %v", t.exchangeID, err)
				return
			}
			if ok {
				cancelled.Add(1)
			}
		})
	}
	wg.Wait()

	log.Printf("executor: emergency stop attempted %d cancels, %d acknowledged", len(orders), cancelled.Load())
	e.publish(events.EventEmergencyStop, events.EmergencyStopChange{Enabled: true, Cancelled: int(cancelled.Load())})
	return len(orders)
}

// DisableEmergencyStop re-admits new submissions.
func (e *Executor) DisableEmergencyStop() {
	if prev := e.gate.SetEmergency(false); prev {
		log.Printf("executor: emergency stop cleared")
	}
	e.observer.EmergencyStop(false)
	e.publish(events.EventEmergencyStop, events.EmergencyStopChange{Enabled: false})
}

func (e *Executor) EmergencyStopped() bool { return e.gate.Emergency() }

// ResetDaily zeroes the daily trade counter.
func (e *Executor) ResetDaily() {
	e.gate.ResetDaily()
	log.Printf("executor: daily trade counter reset")
}

// ActiveOrders returns a snapshot of the active set, oldest first.
func (e *Executor) ActiveOrders() []Order {
	e.mu.Lock()
	out := make([]Order, 0, len(e.active))
	for _, t := range e.active {
		out = append(out, t.order)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ExecutionQualityStats aggregates the recent-quality ring.
func (e *Executor) ExecutionQualityStats() QualityStats {
	return e.quality.stats()
}

// HealthCheck reports the operational state. Balance lookup failures are
// reported in the snapshot, not returned.
func (e *Executor) HealthCheck(ctx context.Context) Health {
	e.mu.Lock()
	active := len(e.active)
	e.mu.Unlock()

	h := Health{
		Connected:       true,
		Backend:         e.backend.Name(),
		PaperMode:       e.cfg.PaperMode,
		EmergencyStop:   e.gate.Emergency(),
		ActiveOrders:    active,
		DailyTradeCount: e.gate.DailyCount(),
		Quality:         e.quality.stats(),
	}
	if c, ok := e.backend.(interface{ Connected() bool }); ok {
		h.Connected = c.Connected()
	}
	bal, err := e.backend.GetAccountBalance(ctx)
	if err != nil {
		h.BalanceError = err.Error()
	} else {
		h.Balances = bal
	}
	return h
}

func (e *Executor) refuse(strategy string, r *Refusal) {
	log.Printf("🚫 executor: signal from %q refused (%s): %s", strategy, r.Code, r.Reason)
	e.observer.Refused(r.Code)
	e.publish(events.EventSignalRefused, events.Refusal{Strategy: strategy, Code: r.Code, Reason: r.Reason})
}

func (e *Executor) publish(ev events.Event, payload any) {
	if e.bus != nil {
		e.bus.Publish(ev, payload)
	}
}
