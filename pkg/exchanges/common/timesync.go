package common

import (
	"context"
	"log"
	"sync"
	"time"
)

// TimeSync tracks the offset between the local clock and a venue clock so
// signed requests carry a timestamp the venue accepts.
type TimeSync struct {
	getServerTime func(ctx context.Context) (time.Time, error)
	offset        time.Duration // server - local
	lastSync      time.Time
	syncInterval  time.Duration
	mu            sync.RWMutex
}

// NewTimeSync creates a new time synchronization manager.
func NewTimeSync(getServerTime func(ctx context.Context) (time.Time, error)) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
	}
}

// Start re-syncs periodically until ctx is done. The initial sync is the caller's job.
func (ts *TimeSync) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					log.Printf("timesync: periodic sync failed: %v", err)
				}
			}
		}
	}()
}

// Sync measures the offset once, assuming symmetric network latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now()
	server, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now()
	local := before.Add(after.Sub(before) / 2)

	ts.mu.Lock()
	ts.offset = server.Sub(local)
	ts.lastSync = after
	ts.mu.Unlock()

	log.Printf("timesync: offset=%v", ts.offset)
	return nil
}

// Now returns the current time adjusted for the venue offset.
func (ts *TimeSync) Now() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().Add(ts.offset)
}

// Offset returns the current offset.
func (ts *TimeSync) Offset() time.Duration {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
