package persistence

import (
	"context"
	"errors"

	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
)

// TradeStore records executions through the batch writer. SaveTrade never
// blocks on the database and never fails once the writer is running.
type TradeStore struct {
	writer *BatchWriter
}

func NewTradeStore(writer *BatchWriter) *TradeStore {
	return &TradeStore{writer: writer}
}

func (s *TradeStore) SaveTrade(_ context.Context, e order.Execution) error {
	if s.writer == nil {
		return errors.New("trade store has no writer")
	}
	row := db.Execution{
		OrderID:      e.OrderID,
		TradeID:      e.TradeID,
		StrategyName: e.Strategy,
		Instrument:   e.Instrument,
		Side:         string(e.Side),
		Quantity:     e.Quantity,
		Price:        e.Price,
		Fee:          e.Fee,
		Slippage:     e.Slippage,
		MarketImpact: e.MarketImpact,
		CreatedAt:    e.CreatedAt,
	}
	s.writer.WriteQuery("executions", db.InsertExecutionQuery, db.ExecutionArgs(row)...)
	return nil
}

// RiskStore persists risk manager state synchronously so a restart resumes
// with the same counters and open positions.
type RiskStore struct {
	db *db.Database
}

func NewRiskStore(d *db.Database) *RiskStore {
	return &RiskStore{db: d}
}

func (s *RiskStore) SavePosition(ctx context.Context, p risk.Position) error {
	return s.db.UpsertPosition(ctx, db.Position{
		ID:            p.ID,
		StrategyName:  p.Strategy,
		Instrument:    p.Instrument,
		Side:          string(p.Side),
		EntryPrice:    p.EntryPrice,
		CurrentPrice:  p.CurrentPrice,
		Quantity:      p.Quantity,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
		EntryTime:     p.EntryTime,
		Status:        string(p.Status),
		UnrealizedPnL: p.UnrealizedPnL,
		HighWaterMark: p.HighWaterMark,
	})
}

func (s *RiskStore) SaveTrade(ctx context.Context, t risk.TradeRecord) error {
	return s.db.CreateTradeHistory(ctx, db.TradeHistory{
		PositionID:   t.PositionID,
		StrategyName: t.Strategy,
		Instrument:   t.Instrument,
		Side:         string(t.Side),
		EntryPrice:   t.EntryPrice,
		ExitPrice:    t.ExitPrice,
		Quantity:     t.Quantity,
		PnL:          t.PnL,
		ReturnPct:    t.ReturnPct,
		Reason:       t.Reason,
		EntryTime:    t.EntryTime,
		ExitTime:     t.ExitTime,
	})
}

func (s *RiskStore) SaveState(ctx context.Context, st risk.RiskState) error {
	return s.db.SaveRiskState(ctx, db.RiskState{
		Balance:           st.Balance,
		InitialBalance:    st.InitialBalance,
		PeakBalance:       st.PeakBalance,
		CurrentDrawdown:   st.CurrentDrawdown,
		ConsecutiveLosses: st.ConsecutiveLosses,
	})
}

func (s *RiskStore) LoadState(ctx context.Context) (risk.RiskState, bool, error) {
	row, err := s.db.GetRiskState(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return risk.RiskState{}, false, nil
	}
	if err != nil {
		return risk.RiskState{}, false, err
	}
	return risk.RiskState{
		Balance:           row.Balance,
		InitialBalance:    row.InitialBalance,
		PeakBalance:       row.PeakBalance,
		CurrentDrawdown:   row.CurrentDrawdown,
		ConsecutiveLosses: row.ConsecutiveLosses,
		UpdatedAt:         row.UpdatedAt,
	}, true, nil
}

func (s *RiskStore) LoadPositions(ctx context.Context) ([]risk.Position, error) {
	rows, err := s.db.ListPositions(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]risk.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, risk.Position{
			ID:            r.ID,
			Strategy:      r.StrategyName,
			Instrument:    r.Instrument,
			Side:          risk.Side(r.Side),
			EntryPrice:    r.EntryPrice,
			CurrentPrice:  r.CurrentPrice,
			Quantity:      r.Quantity,
			StopLoss:      r.StopLoss,
			TakeProfit:    r.TakeProfit,
			EntryTime:     r.EntryTime,
			Status:        risk.Status(r.Status),
			UnrealizedPnL: r.UnrealizedPnL,
			HighWaterMark: r.HighWaterMark,
		})
	}
	return out, nil
}

func (s *RiskStore) LoadTrades(ctx context.Context) ([]risk.TradeRecord, error) {
	rows, err := s.db.ListTradeHistory(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]risk.TradeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, risk.TradeRecord{
			PositionID: r.PositionID,
			Strategy:   r.StrategyName,
			Instrument: r.Instrument,
			Side:       risk.Side(r.Side),
			EntryPrice: r.EntryPrice,
			ExitPrice:  r.ExitPrice,
			Quantity:   r.Quantity,
			PnL:        r.PnL,
			ReturnPct:  r.ReturnPct,
			Reason:     r.Reason,
			EntryTime:  r.EntryTime,
			ExitTime:   r.ExitTime,
		})
	}
	return out, nil
}

var (
	_ order.TradeStore = (*TradeStore)(nil)
	_ risk.Store       = (*RiskStore)(nil)
)
