package balance

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Source is anything that can report balances per currency (a Backend).
type Source interface {
	GetAccountBalance(ctx context.Context) (map[string]float64, error)
}

// InsufficientError is returned by Reserve when available funds are short.
type InsufficientError struct {
	Currency  string
	Required  float64
	Available float64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient %s balance: need %.8f, have %.8f", e.Currency, e.Required, e.Available)
}

// Manager caches venue balances and tracks amounts reserved by in-flight orders.
type Manager struct {
	source       Source
	syncInterval time.Duration

	mu       sync.RWMutex
	balances map[string]float64
	reserved map[string]float64
	lastSync time.Time
}

// NewManager creates a new balance manager
func NewManager(source Source, syncInterval time.Duration) *Manager {
	if syncInterval <= 0 {
		syncInterval = 30 * time.Second
	}
	return &Manager{
		source:       source,
		syncInterval: syncInterval,
		balances:     make(map[string]float64),
		reserved:     make(map[string]float64),
	}
}

// Start begins periodic balance sync
func (m *Manager) Start(ctx context.Context) {
	if err := m.Sync(ctx); err != nil {
		log.Printf("balance: initial sync failed: %v", err)
	}

	ticker := time.NewTicker(m.syncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil {
					log.Printf("❌ balance: sync error: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches latest balances from the source.
func (m *Manager) Sync(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	latest, err := m.source.GetAccountBalance(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.balances = make(map[string]float64, len(latest))
	for k, v := range latest {
		m.balances[strings.ToUpper(k)] = v
	}
	m.lastSync = time.Now()
	m.mu.Unlock()
	return nil
}

// Available returns the cached balance minus outstanding reservations.
func (m *Manager) Available(currency string) float64 {
	currency = strings.ToUpper(currency)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[currency] - m.reserved[currency]
}

// Reserve earmarks amount of currency for an order until Release.
func (m *Manager) Reserve(currency string, amount float64) error {
	currency = strings.ToUpper(currency)
	m.mu.Lock()
	defer m.mu.Unlock()

	avail := m.balances[currency] - m.reserved[currency]
	if amount > avail {
		return &InsufficientError{Currency: currency, Required: amount, Available: avail}
	}
	m.reserved[currency] += amount
	return nil
}

// Release returns a reservation.
func (m *Manager) Release(currency string, amount float64) {
	currency = strings.ToUpper(currency)
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reserved[currency] -= amount
	if m.reserved[currency] <= 1e-12 {
		delete(m.reserved, currency)
	}
}

// Snapshot returns a copy of the cached balances.
func (m *Manager) Snapshot() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out
}

// LastSync returns when balances were last refreshed.
func (m *Manager) LastSync() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSync
}
