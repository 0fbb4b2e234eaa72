package order

import (
	"math"
	"sync"
	"time"

	exchange "execution-core/pkg/exchanges/common"
)

// measureQuality derives fill quality against book. The reference is the best
// ask for a BUY and the best bid for a SELL. A missing book or side zeroes the
// book-relative metrics; fill rate and timing are still reported.
func measureQuality(side exchange.Side, fillPrice, quantity, filled float64, elapsed time.Duration, book *exchange.Orderbook) ExecutionQuality {
	q := ExecutionQuality{ExecutionTime: elapsed}
	if quantity > 0 {
		q.FillRate = filled / quantity
	}
	if book == nil || fillPrice <= 0 {
		return q
	}

	ref := book.BestAsk()
	if side == exchange.SideSell {
		ref = book.BestBid()
	}
	if ref > 0 {
		q.Slippage = math.Abs(fillPrice-ref) / ref
		q.MarketImpact = (book.Spread() / 2) / ref
		q.ImplementationShortfall = q.Slippage + q.MarketImpact
	}
	if mid := book.MidPrice(); mid > 0 {
		q.EffectiveSpread = 2 * math.Abs(fillPrice-mid) / mid
	}
	return q
}

// qualityRing keeps the most recent samples; the oldest are overwritten.
type qualityRing struct {
	mu    sync.Mutex
	buf   []ExecutionQuality
	next  int
	count int
}

func newQualityRing(capacity int) *qualityRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &qualityRing{buf: make([]ExecutionQuality, capacity)}
}

func (r *qualityRing) add(q ExecutionQuality) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = q
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *qualityRing) stats() QualityStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := QualityStats{TotalExecutions: r.count}
	if r.count == 0 {
		return s
	}
	var slip, impact, shortfall, fill, spread float64
	var elapsed time.Duration
	for i := 0; i < r.count; i++ {
		q := r.buf[i]
		slip += q.Slippage
		impact += q.MarketImpact
		shortfall += q.ImplementationShortfall
		fill += q.FillRate
		spread += q.EffectiveSpread
		elapsed += q.ExecutionTime
		if q.Slippage > s.MaxSlippage {
			s.MaxSlippage = q.Slippage
		}
	}
	n := float64(r.count)
	s.AvgSlippage = slip / n
	s.AvgMarketImpact = impact / n
	s.AvgShortfall = shortfall / n
	s.AvgFillRate = fill / n
	s.AvgEffectiveSpread = spread / n
	s.AvgExecutionTime = elapsed / time.Duration(r.count)
	return s
}
