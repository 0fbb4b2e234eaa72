package market

import (
	"context"
	"log"
	"math/rand"
	"time"

	"execution-core/internal/events"
)

// MockFeed generates synthetic ticks for local development.
type MockFeed struct {
	Bus         *events.Bus
	Instruments []string
	StartPrice  float64
	Step        float64 // maximum relative move per tick
	Interval    time.Duration
	Rand        *rand.Rand

	prices map[string]float64
}

func (m *MockFeed) defaults() {
	if len(m.Instruments) == 0 {
		m.Instruments = []string{"BTC-USD"}
	}
	if m.StartPrice <= 0 {
		m.StartPrice = 50000
	}
	if m.Step <= 0 {
		m.Step = 0.001
	}
	if m.Interval <= 0 {
		m.Interval = time.Second
	}
	if m.Rand == nil {
		m.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if m.prices == nil {
		m.prices = make(map[string]float64, len(m.Instruments))
	}
}

func (m *MockFeed) Start(ctx context.Context) {
	if m.Bus == nil {
		log.Println("mock feed: bus not set")
		return
	}
	m.defaults()

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for _, tick := range m.Next() {
					m.Bus.Publish(events.EventPriceTick, tick)
				}
			}
		}
	}()
}

// Next advances every instrument by one multiplicative random step.
// Not safe for concurrent use with Start.
func (m *MockFeed) Next() []events.PriceTick {
	m.defaults()
	out := make([]events.PriceTick, 0, len(m.Instruments))
	for _, inst := range m.Instruments {
		price, ok := m.prices[inst]
		if !ok {
			price = m.StartPrice
		}
		price *= 1 + (m.Rand.Float64()*2-1)*m.Step
		m.prices[inst] = price
		out = append(out, events.PriceTick{Instrument: inst, Price: price})
	}
	return out
}
