package risk

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const storeTimeout = 5 * time.Second

// Manager owns balance, open positions, trade history and the portfolio
// counters. One mutex serializes every mutation. Store writes are queued
// under that mutex and applied after it is released, in queue order.
type Manager struct {
	cfg   Config
	store Store

	mu        sync.RWMutex
	state     RiskState
	positions map[string]*Position
	history   []TradeRecord
	pending   []pendingWrite // guarded by mu
	now       func() time.Time

	storeMu sync.Mutex // serializes flushes
}

type pendingWrite struct {
	what string
	save func(ctx context.Context) error
}

// NewManager creates a risk manager. A nil store keeps everything in memory.
func NewManager(cfg Config, store Store) *Manager {
	def := DefaultConfig()
	if cfg.BaseFraction <= 0 {
		cfg.BaseFraction = def.BaseFraction
	}
	if cfg.MaxFraction <= 0 {
		cfg.MaxFraction = def.MaxFraction
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = def.InitialBalance
	}

	m := &Manager{
		cfg:       cfg,
		store:     store,
		positions: make(map[string]*Position),
		now:       time.Now,
	}
	m.state = RiskState{
		Balance:        cfg.InitialBalance,
		InitialBalance: cfg.InitialBalance,
		PeakBalance:    cfg.InitialBalance,
		UpdatedAt:      m.now(),
	}
	log.Printf("risk: manager initialized balance=%.2f stop_loss=%.1f%% take_profit=%.1f%%",
		cfg.InitialBalance, cfg.StopLossPct*100, cfg.TakeProfitPct*100)
	return m
}

// Restore loads persisted counters, open positions and trade history.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	st, found, err := m.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}
	positions, err := m.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	trades, err := m.store.LoadTrades(ctx)
	if err != nil {
		return fmt.Errorf("load trade history: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if found {
		m.state = st
	}
	for i := range positions {
		p := positions[i]
		if p.Status == StatusOpen {
			m.positions[p.ID] = &p
		}
	}
	m.history = append(m.history[:0], trades...)
	log.Printf("risk: restored balance=%.2f open_positions=%d trades=%d", m.state.Balance, len(m.positions), len(m.history))
	return nil
}

// CalculatePositionSize returns the notional to commit at price. Volatility 0
// means unknown and applies no taper.
func (m *Manager) CalculatePositionSize(price, volatility float64) float64 {
	if price <= 0 {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeLocked(volatility)
}

func (m *Manager) sizeLocked(volatility float64) float64 {
	bal := m.state.Balance
	if bal <= 0 {
		return 0
	}
	c := m.cfg
	size := bal * c.BaseFraction

	if c.VolatilityThreshold > 0 && volatility > c.VolatilityThreshold {
		size *= taper(volatility, c.VolatilityThreshold, c.VolatilityCeiling, c.MinVolatilityFactor)
	}
	if dd := m.state.CurrentDrawdown; c.DrawdownThreshold > 0 && dd > c.DrawdownThreshold {
		size *= taper(dd, c.DrawdownThreshold, c.MaxDrawdown, c.DrawdownFloor)
	}
	if extra := m.state.ConsecutiveLosses - c.LossStreakThreshold; extra > 0 {
		size *= math.Max(c.LossStreakFloor, 1-c.LossStreakStep*float64(extra))
	}
	return math.Min(size, bal*c.MaxFraction)
}

// taper falls linearly from 1 at from to floor at to, and stays at floor beyond.
func taper(x, from, to, floor float64) float64 {
	if to <= from {
		return floor
	}
	f := 1 - (1-floor)*(x-from)/(to-from)
	return math.Max(floor, math.Min(1, f))
}

// CanOpen checks the refusal ceilings.
func (m *Manager) CanOpen() RiskDecision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.canOpenLocked()
}

func (m *Manager) canOpenLocked() RiskDecision {
	if m.cfg.MaxDrawdown > 0 && m.state.CurrentDrawdown > m.cfg.MaxDrawdown {
		return RiskDecision{Code: RefusalDrawdown, Reason: fmt.Sprintf(
			"drawdown %.2f%% exceeds limit %.2f%%", m.state.CurrentDrawdown*100, m.cfg.MaxDrawdown*100)}
	}
	if m.cfg.MaxConsecutiveLosses > 0 && m.state.ConsecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		return RiskDecision{Code: RefusalLossStreak, Reason: fmt.Sprintf(
			"%d consecutive losses reached limit %d", m.state.ConsecutiveLosses, m.cfg.MaxConsecutiveLosses)}
	}
	return RiskDecision{Allowed: true}
}

// Levels returns stop-loss and take-profit for an entry on side.
func (m *Manager) Levels(side Side, entry float64) (stopLoss, takeProfit float64) {
	return levels(side, entry, m.cfg.StopLossPct, m.cfg.TakeProfitPct)
}

func levels(side Side, entry, stopPct, takePct float64) (float64, float64) {
	e := decimal.NewFromFloat(entry)
	one := decimal.NewFromInt(1)
	sl, tp := decimal.NewFromFloat(stopPct), decimal.NewFromFloat(takePct)
	if side == SideShort {
		return e.Mul(one.Add(sl)).InexactFloat64(), e.Mul(one.Sub(tp)).InexactFloat64()
	}
	return e.Mul(one.Sub(sl)).InexactFloat64(), e.Mul(one.Add(tp)).InexactFloat64()
}

// OpenPosition sizes and records a new open position. Ceiling breaches and
// malformed requests come back as a refusal; no position is created.
func (m *Manager) OpenPosition(req OpenRequest) (Position, RiskDecision) {
	if req.Side != SideLong && req.Side != SideShort {
		return Position{}, RiskDecision{Code: RefusalInvalid, Reason: fmt.Sprintf("unknown side %q", req.Side)}
	}
	if req.EntryPrice <= 0 {
		return Position{}, RiskDecision{Code: RefusalInvalid, Reason: "entry price must be positive"}
	}

	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	if d := m.canOpenLocked(); !d.Allowed {
		log.Printf("🚫 risk: open %s %s refused: %s", req.Strategy, req.Instrument, d.Reason)
		return Position{}, d
	}

	qty := req.Quantity
	if qty <= 0 {
		qty = m.sizeLocked(req.Volatility) / req.EntryPrice
	}
	if qty <= 0 {
		return Position{}, RiskDecision{Code: RefusalZeroSize, Reason: "computed position size is zero"}
	}

	sl, tp := levels(req.Side, req.EntryPrice, m.cfg.StopLossPct, m.cfg.TakeProfitPct)
	p := &Position{
		ID:            uuid.NewString(),
		Strategy:      req.Strategy,
		Instrument:    req.Instrument,
		Side:          req.Side,
		EntryPrice:    req.EntryPrice,
		CurrentPrice:  req.EntryPrice,
		Quantity:      qty,
		StopLoss:      sl,
		TakeProfit:    tp,
		EntryTime:     m.now(),
		Status:        StatusOpen,
		HighWaterMark: req.EntryPrice,
	}
	m.positions[p.ID] = p
	m.persistPosition(*p)

	log.Printf("risk: opened %s %s %s qty=%.8f entry=%.2f sl=%.2f tp=%.2f",
		p.ID, p.Side, p.Instrument, qty, p.EntryPrice, sl, tp)
	return *p, RiskDecision{Allowed: true}
}

// UpdatePositions marks open positions to the given prices (keyed by
// instrument) and closes those whose stop or target is hit. It returns the
// positions closed by this call.
func (m *Manager) UpdatePositions(prices map[string]float64) []Position {
	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	var closed []Position
	for _, p := range m.sortedLocked(true) {
		price, ok := prices[p.Instrument]
		if !ok || price <= 0 {
			continue
		}
		p.CurrentPrice = price
		p.UnrealizedPnL = pnl(p.Side, p.EntryPrice, price, p.Quantity)

		if m.cfg.UseTrailingStop && ratchet(p, m.cfg.TrailingPercent) {
			m.persistPosition(*p)
		}

		reason, hit := triggered(*p, m.cfg.UseTrailingStop)
		if !hit {
			continue
		}
		if _, err := m.closeLocked(p.ID, price, reason); err != nil {
			log.Printf("risk: auto-close %s failed: %v", p.ID, err)
			continue
		}
		closed = append(closed, *p)
	}
	return closed
}

// ClosePosition realizes P&L on an open position. Closing an unknown or
// already closed position returns an error and changes nothing.
func (m *Manager) ClosePosition(id string, exitPrice float64, reason string) (TradeRecord, error) {
	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(id, exitPrice, reason)
}

func (m *Manager) closeLocked(id string, exitPrice float64, reason string) (TradeRecord, error) {
	p, ok := m.positions[id]
	if !ok {
		return TradeRecord{}, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if p.Status == StatusClosed {
		return TradeRecord{}, fmt.Errorf("%w: %s", ErrPositionClosed, id)
	}
	if exitPrice <= 0 {
		return TradeRecord{}, fmt.Errorf("close %s: exit price must be positive", id)
	}
	if reason == "" {
		reason = ReasonManual
	}

	realized := pnl(p.Side, p.EntryPrice, exitPrice, p.Quantity)
	now := m.now()

	st := &m.state
	st.Balance += realized
	st.DailyPnL += realized
	switch {
	case realized > 0:
		st.ConsecutiveLosses = 0
	case realized < 0:
		st.ConsecutiveLosses++
	}
	if st.Balance > st.PeakBalance {
		st.PeakBalance = st.Balance
	}
	st.CurrentDrawdown = 0
	if st.PeakBalance > 0 {
		st.CurrentDrawdown = math.Max(0, (st.PeakBalance-st.Balance)/st.PeakBalance)
	}
	st.UpdatedAt = now

	p.Status = StatusClosed
	p.CurrentPrice = exitPrice
	p.UnrealizedPnL = 0
	p.CloseReason = reason

	rec := TradeRecord{
		PositionID: p.ID,
		Strategy:   p.Strategy,
		Instrument: p.Instrument,
		Side:       p.Side,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   p.Quantity,
		PnL:        realized,
		ReturnPct:  realized / (p.EntryPrice * p.Quantity),
		Reason:     reason,
		EntryTime:  p.EntryTime,
		ExitTime:   now,
	}
	m.history = append(m.history, rec)

	m.persistPosition(*p)
	m.persist(func(ctx context.Context) error { return m.store.SaveTrade(ctx, rec) }, "trade "+p.ID)
	snapshot := *st
	m.persist(func(ctx context.Context) error { return m.store.SaveState(ctx, snapshot) }, "risk state")

	log.Printf("risk: closed %s (%s) exit=%.2f pnl=%.2f balance=%.2f drawdown=%.2f%% losses=%d",
		p.ID, reason, exitPrice, realized, st.Balance, st.CurrentDrawdown*100, st.ConsecutiveLosses)
	return rec, nil
}

func pnl(side Side, entry, exit, qty float64) float64 {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	if side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromFloat(qty)).Round(8).InexactFloat64()
}

// State returns a copy of the portfolio counters.
func (m *Manager) State() RiskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Position returns a copy of one position.
func (m *Manager) Position(id string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions lists positions by entry time.
func (m *Manager) Positions(openOnly bool) []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps := m.sortedLocked(openOnly)
	out := make([]Position, len(ps))
	for i, p := range ps {
		out[i] = *p
	}
	return out
}

func (m *Manager) sortedLocked(openOnly bool) []*Position {
	out := make([]*Position, 0, len(m.positions))
	for _, p := range m.positions {
		if openOnly && p.Status != StatusOpen {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

// TradeHistory returns a copy of all closed trades, oldest first.
func (m *Manager) TradeHistory() []TradeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TradeRecord(nil), m.history...)
}

// ResetDaily zeroes the daily P&L counter.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.DailyPnL = 0
	log.Printf("risk: daily counters reset")
}

func (m *Manager) persistPosition(p Position) {
	m.persist(func(ctx context.Context) error { return m.store.SavePosition(ctx, p) }, "position "+p.ID)
}

// persist queues a write; callers hold m.mu.
func (m *Manager) persist(save func(ctx context.Context) error, what string) {
	if m.store == nil {
		return
	}
	m.pending = append(m.pending, pendingWrite{what: what, save: save})
}

// flush applies queued writes without holding m.mu. When it returns, every
// write queued before the call has reached the store.
func (m *Manager) flush() {
	if m.store == nil {
		return
	}
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	writes := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, w := range writes {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := w.save(ctx); err != nil {
			log.Printf("❌ risk: persist %s failed: %v", w.what, err)
		}
		cancel()
	}
}
