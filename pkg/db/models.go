package db

import (
	"context"
	"time"
)

// Execution is one fill of record. At most one row per order.
type Execution struct {
	OrderID      string
	TradeID      string
	StrategyName string
	Instrument   string
	Side         string
	Quantity     float64
	Price        float64
	Fee          float64
	Slippage     float64
	MarketImpact float64
	CreatedAt    time.Time
}

// Position mirrors a risk-managed position.
type Position struct {
	ID            string
	StrategyName  string
	Instrument    string
	Side          string
	EntryPrice    float64
	CurrentPrice  float64
	Quantity      float64
	StopLoss      float64
	TakeProfit    float64
	EntryTime     time.Time
	Status        string
	UnrealizedPnL float64
	HighWaterMark float64
	UpdatedAt     time.Time
}

// TradeHistory is written once when a position closes.
type TradeHistory struct {
	PositionID   string
	StrategyName string
	Instrument   string
	Side         string
	EntryPrice   float64
	ExitPrice    float64
	Quantity     float64
	PnL          float64
	ReturnPct    float64
	Reason       string
	EntryTime    time.Time
	ExitTime     time.Time
}

// RiskState is the single portfolio counters row.
type RiskState struct {
	Balance           float64
	InitialBalance    float64
	PeakBalance       float64
	CurrentDrawdown   float64
	ConsecutiveLosses int
	UpdatedAt         time.Time
}

// InsertExecutionQuery ignores duplicates so a replayed fill never doubles up.
const InsertExecutionQuery = `
	INSERT OR IGNORE INTO executions (
		order_id, trade_id, strategy_name, instrument, side, quantity, price, fee, slippage, market_impact, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// ExecutionArgs returns bind args for InsertExecutionQuery.
func ExecutionArgs(e Execution) []any {
	return []any{
		e.OrderID, e.TradeID, e.StrategyName, e.Instrument, e.Side,
		e.Quantity, e.Price, e.Fee, e.Slippage, e.MarketImpact, e.CreatedAt,
	}
}

// CreateExecution inserts an execution row directly.
func (d *Database) CreateExecution(ctx context.Context, e Execution) error {
	_, err := d.DB.ExecContext(ctx, InsertExecutionQuery, ExecutionArgs(e)...)
	return err
}

// UpsertPosition stores the latest state of a position.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (
			id, strategy_name, instrument, side, entry_price, current_price, quantity,
			stop_loss, take_profit, entry_time, status, unrealized_pnl, high_water_mark, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			current_price = excluded.current_price,
			quantity = excluded.quantity,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			status = excluded.status,
			unrealized_pnl = excluded.unrealized_pnl,
			high_water_mark = excluded.high_water_mark,
			updated_at = CURRENT_TIMESTAMP
	`,
		p.ID, p.StrategyName, p.Instrument, p.Side, p.EntryPrice, p.CurrentPrice, p.Quantity,
		p.StopLoss, p.TakeProfit, p.EntryTime, p.Status, p.UnrealizedPnL, p.HighWaterMark,
	)
	return err
}

// CreateTradeHistory appends a closed-trade record.
func (d *Database) CreateTradeHistory(ctx context.Context, t TradeHistory) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trade_history (
			position_id, strategy_name, instrument, side, entry_price, exit_price, quantity,
			pnl, return_pct, reason, entry_time, exit_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.PositionID, t.StrategyName, t.Instrument, t.Side, t.EntryPrice, t.ExitPrice, t.Quantity,
		t.PnL, t.ReturnPct, t.Reason, t.EntryTime, t.ExitTime,
	)
	return err
}

// SaveRiskState upserts the single risk_state row.
func (d *Database) SaveRiskState(ctx context.Context, s RiskState) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_state (id, balance, initial_balance, peak_balance, current_drawdown, consecutive_losses, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			balance = excluded.balance,
			initial_balance = excluded.initial_balance,
			peak_balance = excluded.peak_balance,
			current_drawdown = excluded.current_drawdown,
			consecutive_losses = excluded.consecutive_losses,
			updated_at = CURRENT_TIMESTAMP
	`, s.Balance, s.InitialBalance, s.PeakBalance, s.CurrentDrawdown, s.ConsecutiveLosses)
	return err
}
