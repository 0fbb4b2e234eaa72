package order

import (
	"fmt"
	"sync"
	"time"
)

// Gate owns the safety state: emergency stop, daily counter and per-strategy
// cooldowns. Reserve checks and claims in one critical section, so two signals
// for the same strategy can never both pass.
type Gate struct {
	mu        sync.Mutex
	emergency bool
	maxDaily  int
	cooldown  time.Duration
	daily     int
	lastTrade map[string]time.Time
	inFlight  map[string]bool
	now       func() time.Time
}

func NewGate(maxDaily int, cooldown time.Duration) *Gate {
	return &Gate{
		maxDaily:  maxDaily,
		cooldown:  cooldown,
		lastTrade: make(map[string]time.Time),
		inFlight:  make(map[string]bool),
		now:       time.Now,
	}
}

// Reserve admits a signal for strategy or explains why not. An admitted
// signal holds one daily slot and blocks its strategy until Commit or Release.
func (g *Gate) Reserve(strategy string) *Refusal {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.emergency {
		return &Refusal{Code: RefusalEmergencyStop, Reason: "emergency stop engaged"}
	}
	if g.maxDaily > 0 && g.daily >= g.maxDaily {
		return &Refusal{Code: RefusalDailyLimit, Reason: fmt.Sprintf("daily trade limit %d reached", g.maxDaily)}
	}
	if g.inFlight[strategy] {
		return &Refusal{Code: RefusalInFlight, Reason: fmt.Sprintf("strategy %s already has an order in flight", strategy)}
	}
	if last, ok := g.lastTrade[strategy]; ok {
		if left := g.cooldown - g.now().Sub(last); left > 0 {
			return &Refusal{Code: RefusalCooldown, Reason: fmt.Sprintf("strategy %s cooling down for %s", strategy, left.Round(time.Second))}
		}
	}
	g.inFlight[strategy] = true
	g.daily++
	return nil
}

// Commit finalizes a successful execution and starts the cooldown.
func (g *Gate) Commit(strategy string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, strategy)
	g.lastTrade[strategy] = g.now()
}

// Release gives back the daily slot after a failed attempt.
func (g *Gate) Release(strategy string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, strategy)
	if g.daily > 0 {
		g.daily--
	}
}

// SetEmergency flips the kill switch and returns the previous value.
func (g *Gate) SetEmergency(on bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.emergency
	g.emergency = on
	return prev
}

func (g *Gate) Emergency() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emergency
}

func (g *Gate) DailyCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.daily
}

// ResetDaily zeroes the counter; in-flight slots are not forgiven.
func (g *Gate) ResetDaily() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.daily = len(g.inFlight)
}

// CooldownRemaining returns how long strategy must still wait.
func (g *Gate) CooldownRemaining(strategy string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.lastTrade[strategy]
	if !ok {
		return 0
	}
	if left := g.cooldown - g.now().Sub(last); left > 0 {
		return left
	}
	return 0
}
