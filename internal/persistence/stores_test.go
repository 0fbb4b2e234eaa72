package persistence

import (
	"context"
	"testing"
	"time"

	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
)

func openTestDB(t *testing.T) *db.Database {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestTradeStoreFlushesOnClose(t *testing.T) {
	d := openTestDB(t)
	bw := NewBatchWriter(d.DB, 100, time.Hour)
	store := NewTradeStore(bw)

	exec := order.Execution{
		OrderID: "o-1", Strategy: "momentum", Instrument: "BTC-USD", Side: exchange.SideBuy,
		Quantity: 0.1, Price: 50050, Fee: 25.025, TradeID: "t-1", CreatedAt: time.Now(), Slippage: 0.0009,
	}
	if err := store.SaveTrade(context.Background(), exec); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	// a replayed fill must not double up
	if err := store.SaveTrade(context.Background(), exec); err != nil {
		t.Fatalf("SaveTrade replay: %v", err)
	}
	if bw.Pending() != 2 {
		t.Fatalf("Pending=%d, expected 2", bw.Pending())
	}
	bw.Close()

	rows, err := d.ListExecutions(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(rows) != 1 || rows[0].OrderID != "o-1" || rows[0].Price != 50050 {
		t.Fatalf("rows=%+v", rows)
	}
	m := bw.Metrics()
	if m.TotalWrites != 2 || m.TotalBatches != 1 || m.TotalErrors != 0 {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestBatchWriterCountsFailedBatch(t *testing.T) {
	d := openTestDB(t)
	bw := NewBatchWriter(d.DB, 100, time.Hour)
	defer bw.Close()

	bw.WriteQuery("missing", "INSERT INTO no_such_table (x) VALUES (?)", 1)
	if err := bw.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error")
	}
	if got := bw.Metrics().TotalErrors; got != 1 {
		t.Fatalf("TotalErrors=%d, expected 1", got)
	}
	if bw.Pending() != 0 {
		t.Fatalf("failed batch should be dropped")
	}
}

func TestRiskStoreRoundTrip(t *testing.T) {
	d := openTestDB(t)
	store := NewRiskStore(d)
	ctx := context.Background()

	if _, found, err := store.LoadState(ctx); err != nil || found {
		t.Fatalf("fresh LoadState found=%v err=%v", found, err)
	}

	mgr := risk.NewManager(risk.DefaultConfig(), store)
	loser, _ := mgr.OpenPosition(risk.OpenRequest{Strategy: "s", Instrument: "BTC-USD", Side: risk.SideLong, EntryPrice: 100, Quantity: 2})
	if _, err := mgr.ClosePosition(loser.ID, 90, risk.ReasonStopLoss); err != nil {
		t.Fatalf("close: %v", err)
	}
	open, _ := mgr.OpenPosition(risk.OpenRequest{Strategy: "s", Instrument: "BTC-USD", Side: risk.SideShort, EntryPrice: 100, Quantity: 1})

	restored := risk.NewManager(risk.DefaultConfig(), store)
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	st := restored.State()
	if st.Balance != 9980 || st.ConsecutiveLosses != 1 || st.PeakBalance != 10000 {
		t.Fatalf("restored state=%+v", st)
	}
	ps := restored.Positions(true)
	if len(ps) != 1 || ps[0].ID != open.ID || ps[0].Side != risk.SideShort || ps[0].StopLoss != 105 {
		t.Fatalf("restored positions=%+v", ps)
	}
	hist := restored.TradeHistory()
	if len(hist) != 1 || hist[0].PnL != -20 || hist[0].Reason != risk.ReasonStopLoss {
		t.Fatalf("restored history=%+v", hist)
	}
}
