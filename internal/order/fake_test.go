package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	exchange "execution-core/pkg/exchanges/common"
)

// fakeBackend is a scripted venue. The nth placed order replays scripts[n]
// one report per status poll and then repeats the last report; unscripted
// orders stay PENDING.
type fakeBackend struct {
	mu sync.Mutex

	placeErr      error
	statusErr     error
	cancelApplies bool
	scripts       [][]exchange.OrderStatusReport
	book          exchange.Orderbook
	balances      map[string]float64

	orders   map[string]*fakeOrder
	placed   []exchange.OrderRequest
	cancels  int
	bookHold *bookHold
}

// bookHold parks one GetOrderbook call until release is closed.
type bookHold struct {
	entered chan struct{}
	release chan struct{}
}

type fakeOrder struct {
	queue   []exchange.OrderStatusReport
	current exchange.OrderStatusReport
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		cancelApplies: true,
		book: exchange.Orderbook{
			Instrument: "BTC-USD",
			Bids:       []exchange.PriceLevel{{Price: 49990, Size: 1}},
			Asks:       []exchange.PriceLevel{{Price: 50010, Size: 1}},
		},
		balances: map[string]float64{"USD": 100000, "BTC": 10},
		orders:   make(map[string]*fakeOrder),
	}
}

func filledAt(qty, price float64) exchange.OrderStatusReport {
	return exchange.OrderStatusReport{Status: exchange.StatusFilled, FilledQuantity: qty, ExecutedValue: qty * price}
}

func (b *fakeBackend) Name() string                     { return "fake" }
func (b *fakeBackend) Connect(context.Context) error    { return nil }
func (b *fakeBackend) Disconnect(context.Context) error { return nil }

func (b *fakeBackend) PlaceOrder(_ context.Context, req exchange.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return "", b.placeErr
	}
	n := len(b.placed)
	b.placed = append(b.placed, req)
	id := fmt.Sprintf("ex-%d", n+1)
	o := &fakeOrder{current: exchange.OrderStatusReport{Status: exchange.StatusPending}}
	if n < len(b.scripts) {
		o.queue = append(o.queue, b.scripts[n]...)
	}
	b.orders[id] = o
	return id, nil
}

func (b *fakeBackend) CancelOrder(_ context.Context, _, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	o, ok := b.orders[id]
	if !ok || o.current.Status.Terminal() {
		return false, nil
	}
	if b.cancelApplies {
		o.queue = nil
		o.current.Status = exchange.StatusCancelled
	}
	return true, nil
}

func (b *fakeBackend) GetOrderStatus(_ context.Context, _, id string) (exchange.OrderStatusReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusErr != nil {
		return exchange.OrderStatusReport{}, b.statusErr
	}
	o, ok := b.orders[id]
	if !ok {
		return exchange.OrderStatusReport{}, fmt.Errorf("unknown order %s", id)
	}
	if len(o.queue) > 0 {
		o.current = o.queue[0]
		o.queue = o.queue[1:]
	}
	return o.current, nil
}

func (b *fakeBackend) GetOrderbook(context.Context, string) (exchange.Orderbook, error) {
	b.mu.Lock()
	hold := b.bookHold
	b.bookHold = nil
	b.mu.Unlock()
	if hold != nil {
		close(hold.entered)
		<-hold.release
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	book := b.book
	book.Timestamp = time.Now()
	return book, nil
}

func (b *fakeBackend) GetAccountBalance(context.Context) (map[string]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]float64, len(b.balances))
	for k, v := range b.balances {
		out[k] = v
	}
	return out, nil
}

// complete finishes an order out of band, as the venue would.
func (b *fakeBackend) complete(id string, rep exchange.OrderStatusReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orders[id]; ok {
		o.queue = nil
		o.current = rep
	}
}

// holdNextBook makes the next orderbook fetch block until the hold is released.
func (b *fakeBackend) holdNextBook() *bookHold {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bookHold = &bookHold{entered: make(chan struct{}), release: make(chan struct{})}
	return b.bookHold
}

// holdingBackend reports balances net of venue holds, like the live client.
type holdingBackend struct{ *fakeBackend }

func (holdingBackend) HoldsOpenOrderFunds() bool { return true }

func (b *fakeBackend) placedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.placed)
}

func (b *fakeBackend) cancelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels
}

type memoryStore struct {
	mu     sync.Mutex
	trades []Execution
}

func (s *memoryStore) SaveTrade(_ context.Context, e Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, e)
	return nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.OrderTimeout = 2 * time.Second
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MonitorInterval = 10 * time.Millisecond
	cfg.Cooldown = time.Hour
	cfg.MaxDailyTrades = 50
	return cfg
}
