package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	exchange "execution-core/pkg/exchanges/common"
)

var ErrBackendUnhealthy = errors.New("backend is unhealthy")

// Config holds configuration for the Supervisor.
type Config struct {
	HealthInterval   time.Duration // interval between health probes
	ProbeTimeout     time.Duration
	FailureThreshold int           // failed probes before a reconnect
	CircuitTimeout   time.Duration // minimum wait between reconnect attempts
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		HealthInterval:   30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		FailureThreshold: 3,
		CircuitTimeout:   time.Minute,
	}
}

// Status is a snapshot of backend health.
type Status struct {
	Backend       string    `json:"backend"`
	Healthy       bool      `json:"healthy"`
	Failures      int       `json:"failures"`
	LastHealthyAt time.Time `json:"last_healthy_at"`
	LastError     string    `json:"last_error,omitempty"`
	Reconnects    int       `json:"reconnects"`
}

// Supervisor probes one Backend with a balance query and reconnects it after
// repeated failures.
type Supervisor struct {
	backend exchange.Backend
	config  Config

	mu            sync.RWMutex
	failures      int
	healthyAt     time.Time
	lastErr       error
	lastReconnect time.Time
	reconnects    int

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor; call Start to begin probing.
func NewSupervisor(backend exchange.Backend, cfg Config) *Supervisor {
	def := DefaultConfig()
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CircuitTimeout < 0 {
		cfg.CircuitTimeout = def.CircuitTimeout
	}
	return &Supervisor{backend: backend, config: cfg, stopCh: make(chan struct{})}
}

// Start begins the background health loop.
func (s *Supervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Probe(ctx)
			}
		}
	}()
}

// Stop ends the health loop and waits for it.
func (s *Supervisor) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Probe runs one health check and reconnects when the failure threshold is
// reached and the circuit timeout has passed since the last attempt.
func (s *Supervisor) Probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	_, err := s.backend.GetAccountBalance(pctx)
	cancel()

	s.mu.Lock()
	if err == nil {
		s.failures = 0
		s.healthyAt = time.Now()
		s.lastErr = nil
		s.mu.Unlock()
		return nil
	}
	s.failures++
	s.lastErr = err
	reconnect := s.failures >= s.config.FailureThreshold &&
		time.Since(s.lastReconnect) >= s.config.CircuitTimeout
	if reconnect {
		s.lastReconnect = time.Now()
		s.reconnects++
	}
	failures := s.failures
	s.mu.Unlock()

	log.Printf("gateway: %s health probe failed (%d): %v", s.backend.Name(), failures, err)
	if !reconnect {
		return err
	}
	return s.reconnect(ctx)
}

func (s *Supervisor) reconnect(ctx context.Context) error {
	log.Printf("gateway: reconnecting %s", s.backend.Name())
	_ = s.backend.Disconnect(ctx)
	if err := s.backend.Connect(ctx); err != nil {
		log.Printf("gateway: reconnect %s failed: %v", s.backend.Name(), err)
		return errors.Join(ErrBackendUnhealthy, err)
	}
	s.mu.Lock()
	s.failures = 0
	s.healthyAt = time.Now()
	s.lastErr = nil
	s.mu.Unlock()
	log.Printf("gateway: %s reconnected", s.backend.Name())
	return nil
}

// Healthy is false once the failure threshold is reached without a
// successful reconnect.
func (s *Supervisor) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures < s.config.FailureThreshold
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Backend:       s.backend.Name(),
		Healthy:       s.failures < s.config.FailureThreshold,
		Failures:      s.failures,
		LastHealthyAt: s.healthyAt,
		Reconnects:    s.reconnects,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
