package risk

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestLevels(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil)

	sl, tp := mgr.Levels(SideLong, 50000)
	if sl != 47500 || tp != 55000 {
		t.Fatalf("long levels = %v/%v, expected 47500/55000", sl, tp)
	}
	sl, tp = mgr.Levels(SideShort, 50000)
	if sl != 52500 || tp != 45000 {
		t.Fatalf("short levels = %v/%v, expected 52500/45000", sl, tp)
	}
	if !(sl > 50000 && 50000 > tp) {
		t.Fatalf("short ordering violated: sl=%v tp=%v", sl, tp)
	}
}

func TestCalculatePositionSize(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Manager)
		cfg        func(*Config)
		volatility float64
		want       float64
	}{
		{name: "base", want: 1000},
		{name: "volatility unknown", volatility: 0, want: 1000},
		{name: "volatility below threshold", volatility: 0.015, want: 1000},
		{name: "volatility taper", volatility: 0.06, want: 625},
		{name: "volatility floor", volatility: 0.5, want: 250},
		{name: "drawdown taper", mutate: func(m *Manager) { m.state.CurrentDrawdown = 0.125 }, want: 650},
		{name: "drawdown floor", mutate: func(m *Manager) { m.state.CurrentDrawdown = 0.5 }, want: 300},
		{name: "loss streak", mutate: func(m *Manager) { m.state.ConsecutiveLosses = 4 }, want: 800},
		{name: "loss streak floor", mutate: func(m *Manager) { m.state.ConsecutiveLosses = 12 }, want: 500},
		{name: "hard cap", cfg: func(c *Config) { c.BaseFraction = 0.6 }, want: 2500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			mgr := NewManager(cfg, nil)
			if tt.mutate != nil {
				tt.mutate(mgr)
			}
			if got := mgr.CalculatePositionSize(50000, tt.volatility); math.Abs(got-tt.want) > 1e-6 {
				t.Fatalf("size=%v, expected %v", got, tt.want)
			}
		})
	}

	if got := NewManager(DefaultConfig(), nil).CalculatePositionSize(0, 0); got != 0 {
		t.Fatalf("zero price size=%v, expected 0", got)
	}
}

func TestOpenPositionSizesFromBalance(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil)
	p, d := mgr.OpenPosition(OpenRequest{Strategy: "trend", Instrument: "BTC-USD", Side: SideLong, EntryPrice: 50000})
	if !d.Allowed {
		t.Fatalf("open refused: %+v", d)
	}
	if !near(p.Quantity, 0.02) {
		t.Fatalf("quantity=%v, expected 0.02", p.Quantity)
	}
	if p.StopLoss != 47500 || p.TakeProfit != 55000 {
		t.Fatalf("levels=%v/%v", p.StopLoss, p.TakeProfit)
	}
	if p.Status != StatusOpen || p.ID == "" {
		t.Fatalf("unexpected position %+v", p)
	}

	if _, d := mgr.OpenPosition(OpenRequest{Instrument: "BTC-USD", Side: "flat", EntryPrice: 1}); d.Allowed || d.Code != RefusalInvalid {
		t.Fatalf("bad side decision=%+v", d)
	}
}

func TestOpenPositionRefusedAfterLossStreak(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil)
	for i := 0; i < 5; i++ {
		p, d := mgr.OpenPosition(OpenRequest{Strategy: "s", Instrument: "BTC-USD", Side: SideLong, EntryPrice: 100, Quantity: 1})
		if !d.Allowed {
			t.Fatalf("open %d refused: %+v", i, d)
		}
		if _, err := mgr.ClosePosition(p.ID, 99, ReasonManual); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	before := mgr.State()
	if before.ConsecutiveLosses != 5 {
		t.Fatalf("ConsecutiveLosses=%d, expected 5", before.ConsecutiveLosses)
	}

	_, d := mgr.OpenPosition(OpenRequest{Strategy: "s", Instrument: "BTC-USD", Side: SideLong, EntryPrice: 100})
	if d.Allowed || d.Code != RefusalLossStreak {
		t.Fatalf("decision=%+v, expected loss streak refusal", d)
	}
	if got := len(mgr.Positions(true)); got != 0 {
		t.Fatalf("open positions=%d, expected 0", got)
	}
	if mgr.State().Balance != before.Balance {
		t.Fatalf("balance changed by refused open")
	}

	// a profitable close resets the streak
	mgr.state.ConsecutiveLosses = 0
	p, _ := mgr.OpenPosition(OpenRequest{Strategy: "s", Instrument: "BTC-USD", Side: SideLong, EntryPrice: 100, Quantity: 1})
	mgr.state.ConsecutiveLosses = 3
	if _, err := mgr.ClosePosition(p.ID, 101, ReasonManual); err != nil {
		t.Fatal(err)
	}
	if got := mgr.State().ConsecutiveLosses; got != 0 {
		t.Fatalf("ConsecutiveLosses after win=%d, expected 0", got)
	}
}

func TestOpenPositionRefusedBeyondDrawdown(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil)
	mgr.state.CurrentDrawdown = 0.21
	if d := mgr.CanOpen(); d.Allowed || d.Code != RefusalDrawdown {
		t.Fatalf("decision=%+v, expected drawdown refusal", d)
	}
}

func TestDrawdownAndPeakInvariants(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil)
	exits := []float64{110, 90, 80, 130, 95, 70, 150}
	prevPeak := mgr.State().PeakBalance

	for i, exit := range exits {
		p, d := mgr.OpenPosition(OpenRequest{Strategy: "s", Instrument: "ETH-USD", Side: SideLong, EntryPrice: 100, Quantity: 20})
		if !d.Allowed {
			mgr.state.ConsecutiveLosses = 0
			mgr.state.CurrentDrawdown = 0
			p, _ = mgr.OpenPosition(OpenRequest{Strategy: "s", Instrument: "ETH-USD", Side: SideLong, EntryPrice: 100, Quantity: 20})
		}
		if _, err := mgr.ClosePosition(p.ID, exit, ReasonManual); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
		s := mgr.State()
		if s.CurrentDrawdown < 0 {
			t.Fatalf("step %d: negative drawdown %v", i, s.CurrentDrawdown)
		}
		if s.PeakBalance < prevPeak {
			t.Fatalf("step %d: peak decreased %v -> %v", i, prevPeak, s.PeakBalance)
		}
		want := math.Max(0, (s.PeakBalance-s.Balance)/s.PeakBalance)
		if !near(s.CurrentDrawdown, want) {
			t.Fatalf("step %d: drawdown=%v, expected %v", i, s.CurrentDrawdown, want)
		}
		prevPeak = s.PeakBalance
	}
}

func TestClosePositionGuards(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil)
	p, _ := mgr.OpenPosition(OpenRequest{Strategy: "s", Instrument: "BTC-USD", Side: SideShort, EntryPrice: 200, Quantity: 2})

	rec, err := mgr.ClosePosition(p.ID, 180, "")
	if err != nil {
		t.Fatal(err)
	}
	if rec.PnL != 40 || !near(rec.ReturnPct, 0.1) || rec.Reason != ReasonManual {
		t.Fatalf("unexpected record %+v", rec)
	}
	balance := mgr.State().Balance

	if _, err := mgr.ClosePosition(p.ID, 150, ReasonManual); !errors.Is(err, ErrPositionClosed) {
		t.Fatalf("second close err=%v, expected ErrPositionClosed", err)
	}
	if _, err := mgr.ClosePosition("missing", 150, ReasonManual); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("unknown close err=%v, expected ErrPositionNotFound", err)
	}
	if mgr.State().Balance != balance {
		t.Fatalf("balance changed by rejected close")
	}
	if got := len(mgr.TradeHistory()); got != 1 {
		t.Fatalf("history=%d, expected 1", got)
	}
}

func TestUpdatePositionsTriggers(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil)
	long, _ := mgr.OpenPosition(OpenRequest{Strategy: "a", Instrument: "BTC-USD", Side: SideLong, EntryPrice: 50000, Quantity: 0.01})
	short, _ := mgr.OpenPosition(OpenRequest{Strategy: "b", Instrument: "ETH-USD", Side: SideShort, EntryPrice: 100, Quantity: 1})

	if closed := mgr.UpdatePositions(map[string]float64{"BTC-USD": 49000, "ETH-USD": 95}); len(closed) != 0 {
		t.Fatalf("unexpected closes %+v", closed)
	}
	if p, _ := mgr.Position(short.ID); p.UnrealizedPnL != 5 {
		t.Fatalf("short unrealized=%v, expected 5", p.UnrealizedPnL)
	}

	closed := mgr.UpdatePositions(map[string]float64{"BTC-USD": 47500, "ETH-USD": 89})
	if len(closed) != 2 {
		t.Fatalf("closed=%d, expected 2", len(closed))
	}
	reasons := map[string]string{}
	for _, p := range closed {
		reasons[p.ID] = p.CloseReason
		if p.Status != StatusClosed {
			t.Fatalf("position %s still %s", p.ID, p.Status)
		}
	}
	if reasons[long.ID] != ReasonStopLoss || reasons[short.ID] != ReasonTakeProfit {
		t.Fatalf("reasons=%v", reasons)
	}
	if closed := mgr.UpdatePositions(map[string]float64{"BTC-USD": 40000}); len(closed) != 0 {
		t.Fatalf("closed position re-triggered")
	}
}

func TestTrailingStopRatchets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseTrailingStop = true
	cfg.TrailingPercent = 0.01
	cfg.TakeProfitPct = 1
	mgr := NewManager(cfg, nil)
	p, _ := mgr.OpenPosition(OpenRequest{Strategy: "t", Instrument: "BTC-USD", Side: SideLong, EntryPrice: 100, Quantity: 1})

	mgr.UpdatePositions(map[string]float64{"BTC-USD": 110})
	got, _ := mgr.Position(p.ID)
	if !near(got.StopLoss, 108.9) {
		t.Fatalf("stop=%v, expected 108.9", got.StopLoss)
	}

	mgr.UpdatePositions(map[string]float64{"BTC-USD": 109})
	got, _ = mgr.Position(p.ID)
	if !near(got.StopLoss, 108.9) {
		t.Fatalf("stop loosened to %v", got.StopLoss)
	}

	closed := mgr.UpdatePositions(map[string]float64{"BTC-USD": 108.5})
	if len(closed) != 1 || closed[0].CloseReason != ReasonTrailingStop {
		t.Fatalf("closed=%+v, expected trailing stop", closed)
	}
}

func TestPortfolioMetrics(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil)
	if pm := mgr.CalculatePortfolioMetrics(); pm.TotalTrades != 0 || pm.SharpeRatio != 0 || pm.ProfitFactor != 0 {
		t.Fatalf("empty metrics=%+v", pm)
	}

	for _, exit := range []float64{110, 95, 120} {
		p, _ := mgr.OpenPosition(OpenRequest{Strategy: "m", Instrument: "BTC-USD", Side: SideLong, EntryPrice: 100, Quantity: 1})
		if _, err := mgr.ClosePosition(p.ID, exit, ReasonManual); err != nil {
			t.Fatal(err)
		}
	}
	pm := mgr.CalculatePortfolioMetrics()

	if pm.TotalTrades != 3 || pm.WinningTrades != 2 || pm.LosingTrades != 1 {
		t.Fatalf("counts=%+v", pm)
	}
	if !near(pm.WinRate, 2.0/3) || !near(pm.AvgWin, 15) || !near(pm.AvgLoss, 5) || !near(pm.ProfitFactor, 6) {
		t.Fatalf("ratios=%+v", pm)
	}
	if !near(pm.MaxDrawdown, 0.05) {
		t.Fatalf("MaxDrawdown=%v, expected 0.05", pm.MaxDrawdown)
	}
	if !near(pm.VaR95, -0.05*10025) {
		t.Fatalf("VaR95=%v, expected %v", pm.VaR95, -0.05*10025)
	}

	returns := []float64{0.1, -0.05, 0.2}
	mean := (returns[0] + returns[1] + returns[2]) / 3
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	want := (mean - DefaultConfig().RiskFreeRateDaily) / math.Sqrt(ss/2) * math.Sqrt(252)
	if math.Abs(pm.SharpeRatio-want) > 1e-9 {
		t.Fatalf("Sharpe=%v, expected %v", pm.SharpeRatio, want)
	}
}

func TestGetRiskSignals(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil)
	if s := mgr.GetRiskSignals(); len(s) != 0 {
		t.Fatalf("unexpected signals %v", s)
	}

	for i := 0; i < 2; i++ {
		p, _ := mgr.OpenPosition(OpenRequest{Strategy: "s", Instrument: "BTC-USD", Side: SideLong, EntryPrice: 100, Quantity: 10})
		mgr.ClosePosition(p.ID, 25, ReasonStopLoss)
	}
	mgr.OpenPosition(OpenRequest{Strategy: "s", Instrument: "ETH-USD", Side: SideLong, EntryPrice: 5000, Quantity: 1})

	joined := strings.Join(mgr.GetRiskSignals(), "\n")
	for _, want := range []string{"High drawdown", "Consecutive losses: 2", "Over-concentration", "Capital loss"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("signals %q missing %q", joined, want)
		}
	}
}

type memStore struct {
	mu        sync.Mutex
	state     *RiskState
	positions map[string]Position
	trades    []TradeRecord
}

func newMemStore() *memStore { return &memStore{positions: map[string]Position{}} }

func (s *memStore) SavePosition(_ context.Context, p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p
	return nil
}

func (s *memStore) SaveTrade(_ context.Context, t TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	return nil
}

func (s *memStore) SaveState(_ context.Context, st RiskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = &st
	return nil
}

func (s *memStore) LoadState(context.Context) (RiskState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return RiskState{}, false, nil
	}
	return *s.state, true, nil
}

func (s *memStore) LoadPositions(context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Position
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *memStore) LoadTrades(context.Context) ([]TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TradeRecord(nil), s.trades...), nil
}

func TestRestoreFromStore(t *testing.T) {
	store := newMemStore()
	mgr := NewManager(DefaultConfig(), store)
	closed, _ := mgr.OpenPosition(OpenRequest{Strategy: "s", Instrument: "BTC-USD", Side: SideLong, EntryPrice: 100, Quantity: 1})
	mgr.ClosePosition(closed.ID, 90, ReasonManual)
	open, _ := mgr.OpenPosition(OpenRequest{Strategy: "s", Instrument: "BTC-USD", Side: SideLong, EntryPrice: 100, Quantity: 1})

	restored := NewManager(DefaultConfig(), store)
	if err := restored.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got, want := restored.State(), mgr.State(); got.Balance != want.Balance || got.ConsecutiveLosses != 1 {
		t.Fatalf("state=%+v, expected %+v", got, want)
	}
	ps := restored.Positions(true)
	if len(ps) != 1 || ps[0].ID != open.ID {
		t.Fatalf("open positions=%+v", ps)
	}
	if got := len(restored.TradeHistory()); got != 1 {
		t.Fatalf("history=%d, expected 1", got)
	}
}

// slowStore parks the first SavePosition until release is closed.
type slowStore struct {
	*memStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) SavePosition(ctx context.Context, p Position) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.memStore.SavePosition(ctx, p)
}

func TestStoreWritesDoNotHoldManagerLock(t *testing.T) {
	store := &slowStore{memStore: newMemStore(), entered: make(chan struct{}), release: make(chan struct{})}
	mgr := NewManager(DefaultConfig(), store)

	opened := make(chan Position, 1)
	go func() {
		p, _ := mgr.OpenPosition(OpenRequest{Strategy: "s", Instrument: "BTC-USD", Side: SideLong, EntryPrice: 100, Quantity: 1})
		opened <- p
	}()
	<-store.entered

	sized := make(chan float64, 1)
	go func() { sized <- mgr.CalculatePositionSize(100, 0) }()
	select {
	case got := <-sized:
		if !near(got, 1000) {
			t.Fatalf("size=%v, expected 1000", got)
		}
	case <-time.After(time.Second):
		t.Fatal("sizing blocked behind a store write")
	}
	if got := len(mgr.Positions(true)); got != 1 {
		t.Fatalf("open positions=%d while write pending, expected 1", got)
	}

	close(store.release)
	p := <-opened
	store.mu.Lock()
	_, saved := store.positions[p.ID]
	store.mu.Unlock()
	if !saved {
		t.Fatalf("position %s not persisted after OpenPosition returned", p.ID)
	}
}
