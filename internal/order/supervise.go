package order

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/events"
	exchange "execution-core/pkg/exchanges/common"
)

// Settlement has a single writer: whoever removes an order from the active
// set under e.mu builds its result, releases its funds, resolves its gate
// reservation and closes done. Everyone else waits on done.

// await polls t until it settles, the deadline passes or ctx ends.
func (e *Executor) await(ctx context.Context, t *tracked) (Result, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(time.Until(t.deadline))
	defer timer.Stop()

	for {
		if e.poll(ctx, t, true) {
			<-t.done
			return t.result, t.err
		}
		select {
		case <-t.done:
			return t.result, t.err
		case <-ctx.Done():
			// the reconciler keeps supervising the order
			if !e.detach(t) {
				<-t.done
				return t.result, t.err
			}
			o := e.snapshot(t)
			return Result{Order: o}, &ExecutionError{OrderID: o.ID, Op: "monitor", Err: ctx.Err()}
		case <-timer.C:
			return e.expire(ctx, t)
		case <-ticker.C:
		}
	}
}

// poll fetches the venue status once and applies it. It reports whether t
// has left the active set. With fatal set, a status error settles t as failed;
// otherwise it is logged and retried on the next pass.
func (e *Executor) poll(ctx context.Context, t *tracked, fatal bool) bool {
	rep, err := e.backend.GetOrderStatus(ctx, t.instrument, t.exchangeID)
	if err != nil {
		if !fatal {
			log.Printf("executor: status poll for %s failed, will retry: %v", t.exchangeID, err)
			return false
		}
		e.fail(t, &ExecutionError{OrderID: e.snapshot(t).ID, Op: "get_order_status", Err: err})
		return true
	}
	return e.apply(ctx, t, rep)
}

func (e *Executor) apply(ctx context.Context, t *tracked, rep exchange.OrderStatusReport) bool {
	e.mu.Lock()
	id := t.order.ID
	if _, ok := e.active[id]; !ok {
		e.mu.Unlock()
		return true
	}
	filled := rep.FilledQuantity
	if rep.Status == exchange.StatusFilled && filled <= 0 {
		filled = t.order.Quantity
	}
	changed, err := t.order.advance(rep.Status, filled)
	if err != nil {
		e.mu.Unlock()
		log.Printf("executor: ignoring status report for %s: %v", id, err)
		return false
	}
	if rep.FilledQuantity > 0 {
		t.order.AvgFillPrice = rep.AveragePrice()
		t.order.Fees = rep.Fees
	}
	terminal := t.order.Status.Terminal()
	if terminal {
		delete(e.active, id)
	}
	n := len(e.active)
	o := t.order
	timedOut, detached := t.timedOut, t.detached
	e.mu.Unlock()

	if !terminal {
		if changed && o.Status == exchange.StatusPartial {
			log.Printf("executor: %s partially filled %.8f/%.8f", id, o.FilledQuantity, o.Quantity)
			e.publish(events.EventOrderPartiallyFilled, o)
		}
		return false
	}
	e.observer.ActiveOrders(n)
	e.settle(ctx, t, o, timedOut, detached)
	return true
}

// detach hands t over to the reconciler once its caller stops waiting. It
// reports false when t has already left the active set.
func (e *Executor) detach(t *tracked) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[t.order.ID]; !ok {
		return false
	}
	t.detached = true
	return true
}

// fail settles t after a venue error.
func (e *Executor) fail(t *tracked, err error) {
	e.mu.Lock()
	id := t.order.ID
	if _, ok := e.active[id]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.active, id)
	n := len(e.active)
	o := t.order
	e.mu.Unlock()

	log.Printf("❌ executor: supervising %s failed: %v", id, err)
	e.observer.ActiveOrders(n)
	e.funds.Release(t.reserveCur, t.reserveAmt)
	if t.gated {
		e.gate.Release(o.Strategy)
	}
	t.result = Result{Order: o}
	t.err = err
	close(t.done)
}

func (e *Executor) settle(ctx context.Context, t *tracked, o Order, timedOut, detached bool) {
	res := Result{Order: o}
	switch o.Status {
	case exchange.StatusFilled:
		exec, q := e.recordFill(ctx, t, o)
		res.Outcome = OutcomeFilled
		res.Execution = &exec
		res.Quality = &q
	case exchange.StatusCancelled:
		res.Outcome = OutcomeCancelled
		if timedOut {
			res.Outcome = OutcomeTimedOut
		}
		log.Printf("executor: %s cancelled (filled %.8f/%.8f)", o.ID, o.FilledQuantity, o.Quantity)
		e.publish(events.EventOrderCancelled, o)
		if o.FilledQuantity > 0 {
			// the filled part is a real trade
			exec, q := e.recordFill(ctx, t, o)
			res.Execution = &exec
			res.Quality = &q
		}
	case exchange.StatusRejected:
		res.Outcome = OutcomeRejected
		log.Printf("❌ executor: %s rejected by %s", o.ID, e.backend.Name())
		e.publish(events.EventOrderRejected, o)
	}

	// refresh before releasing so a fill is never counted twice as available
	if err := e.funds.Sync(ctx); err != nil {
		log.Printf("executor: balance refresh after %s failed: %v", o.ID, err)
	}
	e.funds.Release(t.reserveCur, t.reserveAmt)

	if t.gated {
		if res.Execution != nil {
			e.gate.Commit(o.Strategy)
		} else {
			e.gate.Release(o.Strategy)
		}
	}

	t.result = res
	close(t.done)

	if detached && t.gated && res.Execution != nil && e.lateFill != nil {
		log.Printf("executor: late fill for %s reported after its caller returned", o.ID)
		e.lateFill(res)
	}
}

func (e *Executor) recordFill(ctx context.Context, t *tracked, o Order) (Execution, ExecutionQuality) {
	price := o.AvgFillPrice
	if price <= 0 {
		price = o.Price
	}
	if price <= 0 {
		price = o.ReferencePrice
	}

	book := t.book
	if book == nil {
		book = e.snapshotBook(ctx, o.Instrument)
	}
	elapsed := time.Since(o.SubmittedAt)
	q := measureQuality(o.Side, price, o.Quantity, o.FilledQuantity, elapsed, book)
	e.quality.add(q)
	e.observer.Fill(q.Slippage, elapsed)

	exec := Execution{
		OrderID:      o.ID,
		Strategy:     o.Strategy,
		Instrument:   o.Instrument,
		Side:         o.Side,
		Quantity:     o.FilledQuantity,
		Price:        price,
		Fee:          o.Fees,
		TradeID:      uuid.NewString(),
		CreatedAt:    time.Now(),
		Slippage:     q.Slippage,
		MarketImpact: q.MarketImpact,
	}
	if e.store != nil {
		if err := e.store.SaveTrade(ctx, exec); err != nil {
			log.Printf("executor: persisting trade %s failed: %v", o.ID, err)
		}
	}
	log.Printf("✅ executor: %s filled %s %.8f @ %.8f slippage=%.5f%%", o.ID, o.Side, exec.Quantity, price, q.Slippage*100)
	e.publish(events.EventOrderFilled, exec)
	return exec, q
}

// expire cancels t after its deadline and polls once. A cancel the venue
// applies synchronously settles here; anything else is detached and left to
// the reconciler.
func (e *Executor) expire(ctx context.Context, t *tracked) (Result, error) {
	e.mu.Lock()
	t.timedOut = true
	t.cancelSent = true
	e.mu.Unlock()

	log.Printf("⏱ executor: %s timed out after %s, cancelling", t.exchangeID, e.cfg.OrderTimeout)
	if _, err := e.backend.CancelOrder(ctx, t.instrument, t.exchangeID); err != nil {
		log.Printf("executor: cancel after timeout for %s failed: %v", t.exchangeID, err)
	}
	o := e.snapshot(t)
	e.publish(events.EventOrderTimedOut, o)

	if e.poll(ctx, t, false) || !e.detach(t) {
		<-t.done
		return t.result, t.err
	}
	return Result{Outcome: OutcomeTimedOut, Order: e.snapshot(t)}, nil
}

// Run supervises the active set until ctx ends: it polls every order and
// cancels those past their deadline. It settles orders whose caller stopped
// waiting.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()
	log.Printf("executor: reconciler started (interval=%s)", e.cfg.MonitorInterval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("executor: reconciler stopped")
			return
		case <-ticker.C:
			e.reconcile(ctx)
		}
	}
}

func (e *Executor) reconcile(ctx context.Context) {
	now := time.Now()
	for _, t := range e.trackedOrders() {
		e.mu.Lock()
		expired := !t.cancelSent && now.After(t.deadline)
		if expired {
			t.cancelSent = true
			t.timedOut = true
		}
		e.mu.Unlock()

		if expired {
			log.Printf("⏱ executor: reconciler cancelling expired order %s", t.exchangeID)
			if _, err := e.backend.CancelOrder(ctx, t.instrument, t.exchangeID); err != nil {
				log.Printf("executor: reconciler cancel for %s failed: %v", t.exchangeID, err)
			}
		}
		e.poll(ctx, t, false)
	}
}

func (e *Executor) trackedOrders() []*tracked {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*tracked, 0, len(e.active))
	for _, t := range e.active {
		out = append(out, t)
	}
	return out
}

func (e *Executor) snapshot(t *tracked) Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.order
}
