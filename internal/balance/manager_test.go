package balance

import (
	"context"
	"errors"
	"testing"
)

type staticSource struct {
	bal map[string]float64
	err error
}

func (s *staticSource) GetAccountBalance(ctx context.Context) (map[string]float64, error) {
	return s.bal, s.err
}

func TestReserveAndRelease(t *testing.T) {
	m := NewManager(&staticSource{bal: map[string]float64{"usd": 1000}}, 0)
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := m.Available("USD"); got != 1000 {
		t.Fatalf("available = %v", got)
	}

	if err := m.Reserve("USD", 600); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	err := m.Reserve("USD", 500)
	var ie *InsufficientError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InsufficientError, got %v", err)
	}
	if ie.Available != 400 {
		t.Fatalf("available in error = %v", ie.Available)
	}

	m.Release("USD", 600)
	if got := m.Available("USD"); got != 1000 {
		t.Fatalf("available after release = %v", got)
	}
}

func TestSyncErrorKeepsCache(t *testing.T) {
	src := &staticSource{bal: map[string]float64{"BTC": 1}}
	m := NewManager(src, 0)
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	src.err = errors.New("venue down")
	if err := m.Sync(context.Background()); err == nil {
		t.Fatalf("expected sync error")
	}
	if m.Snapshot()["BTC"] != 1 {
		t.Fatalf("cache lost after failed sync")
	}
}
