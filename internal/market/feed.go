package market

import (
	"context"
	"log"
	"time"

	"execution-core/internal/events"
	exchange "execution-core/pkg/exchanges/common"
)

// Feed polls the backend orderbook and publishes the mid price.
type Feed struct {
	Backend     exchange.Backend
	Bus         *events.Bus
	Instruments []string
	Interval    time.Duration
}

// Start begins polling for the configured instruments.
func (f *Feed) Start(ctx context.Context) {
	if f.Bus == nil || f.Backend == nil {
		log.Println("market feed not fully configured; skipping start")
		return
	}
	if f.Interval <= 0 {
		f.Interval = 5 * time.Second
	}
	go f.poll(ctx)
}

func (f *Feed) poll(ctx context.Context) {
	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()

	for {
		f.Snapshot(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Snapshot publishes one tick per instrument whose book has a mid price.
func (f *Feed) Snapshot(ctx context.Context) int {
	published := 0
	for _, inst := range f.Instruments {
		book, err := f.Backend.GetOrderbook(ctx, inst)
		if err != nil {
			log.Printf("market feed snapshot %s error: %v", inst, err)
			continue
		}
		mid := book.MidPrice()
		if mid <= 0 {
			continue
		}
		f.Bus.Publish(events.EventPriceTick, events.PriceTick{Instrument: inst, Price: mid})
		published++
	}
	return published
}
