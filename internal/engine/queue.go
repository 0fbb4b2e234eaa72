package engine

import (
	"context"
	"errors"
)

// ErrQueueFull is returned when the signal buffer has no room.
var ErrQueueFull = errors.New("signal queue full")

// Queue buffers signals before execution.
type Queue struct {
	ch chan SignalRequest
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan SignalRequest, size)}
}

// Enqueue never blocks.
func (q *Queue) Enqueue(r SignalRequest) error {
	select {
	case q.ch <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) Len() int { return len(q.ch) }

// Drain consumes signals with a handler until context is canceled.
func (q *Queue) Drain(ctx context.Context, handler func(SignalRequest)) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-q.ch:
			handler(r)
		}
	}
}
