package persistence

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// WriteOp represents a database write operation.
type WriteOp struct {
	Table string
	Query string
	Args  []any
}

// BatchWriter buffers writes off the trading path and applies them in one
// transaction per flush. A failed batch is logged, counted and dropped.
type BatchWriter struct {
	db       *sql.DB
	maxSize  int
	interval time.Duration

	mu     sync.Mutex
	buffer []WriteOp
	last   batchInfo

	flushMu sync.Mutex // one transaction at a time
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	writes  atomic.Uint64
	batches atomic.Uint64
	errors  atomic.Uint64
}

type batchInfo struct {
	size int
	at   time.Time
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	Pending       int       `json:"pending"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter starts a writer that flushes every interval or whenever
// maxSize operations are buffered.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		db:       db,
		buffer:   make([]WriteOp, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		done:     make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write adds a write operation to the batch.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		go bw.Flush(context.Background())
	}
}

// WriteQuery is a convenience method for simple queries.
func (bw *BatchWriter) WriteQuery(table, query string, args ...any) {
	bw.Write(WriteOp{Table: table, Query: query, Args: args})
}

// Flush writes everything buffered so far.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ctx, ops)
}

func (bw *BatchWriter) executeBatch(ctx context.Context, ops []WriteOp) error {
	bw.writes.Add(uint64(len(ops)))
	bw.batches.Add(1)
	bw.mu.Lock()
	bw.last = batchInfo{size: len(ops), at: time.Now()}
	bw.mu.Unlock()

	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		bw.errors.Add(1)
		log.Printf("❌ persistence: begin transaction failed, dropping %d writes: %v", len(ops), err)
		return err
	}

	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			tx.Rollback()
			bw.errors.Add(1)
			log.Printf("❌ persistence: write to %s failed, rolled back %d writes: %v", op.Table, len(ops), err)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		bw.errors.Add(1)
		log.Printf("❌ persistence: commit failed: %v", err)
		return err
	}

	log.Printf("💾 persistence: flushed %d writes", len(ops))
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bw.Flush(context.Background())
		case <-bw.done:
			// final flush before shutdown
			bw.Flush(context.Background())
			return
		}
	}
}

// Pending returns the number of pending operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Metrics returns counters for the operator surface.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   bw.writes.Load(),
		TotalBatches:  bw.batches.Load(),
		TotalErrors:   bw.errors.Load(),
		Pending:       len(bw.buffer),
		LastBatchSize: bw.last.size,
		LastFlushTime: bw.last.at,
	}
}

// Close flushes what is left and stops the background loop. Safe to call twice.
func (bw *BatchWriter) Close() error {
	bw.once.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
