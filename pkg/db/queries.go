package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ListExecutions returns the most recent executions, newest first.
func (d *Database) ListExecutions(ctx context.Context, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT order_id, trade_id, strategy_name, instrument, side, quantity, price, fee, slippage, market_impact, created_at
		FROM executions
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var res []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.OrderID, &e.TradeID, &e.StrategyName, &e.Instrument, &e.Side,
			&e.Quantity, &e.Price, &e.Fee, &e.Slippage, &e.MarketImpact, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListPositions returns positions, optionally only the open ones.
func (d *Database) ListPositions(ctx context.Context, openOnly bool) ([]Position, error) {
	query := `
		SELECT id, strategy_name, instrument, side, entry_price, current_price, quantity,
			stop_loss, take_profit, entry_time, status, unrealized_pnl, COALESCE(high_water_mark, 0), updated_at
		FROM positions`
	if openOnly {
		query += ` WHERE status = 'open'`
	}
	query += ` ORDER BY entry_time`

	rows, err := d.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.ID, &p.StrategyName, &p.Instrument, &p.Side, &p.EntryPrice, &p.CurrentPrice, &p.Quantity,
			&p.StopLoss, &p.TakeProfit, &p.EntryTime, &p.Status, &p.UnrealizedPnL, &p.HighWaterMark, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListTradeHistory returns closed trades in exit order.
func (d *Database) ListTradeHistory(ctx context.Context) ([]TradeHistory, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT position_id, strategy_name, instrument, side, entry_price, exit_price, quantity,
			pnl, return_pct, COALESCE(reason, ''), entry_time, exit_time
		FROM trade_history
		ORDER BY exit_time`)
	if err != nil {
		return nil, fmt.Errorf("query trade history: %w", err)
	}
	defer rows.Close()

	var res []TradeHistory
	for rows.Next() {
		var t TradeHistory
		if err := rows.Scan(&t.PositionID, &t.StrategyName, &t.Instrument, &t.Side, &t.EntryPrice, &t.ExitPrice, &t.Quantity,
			&t.PnL, &t.ReturnPct, &t.Reason, &t.EntryTime, &t.ExitTime); err != nil {
			return nil, fmt.Errorf("scan trade history: %w", err)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// GetRiskState loads the risk_state row or ErrNotFound on a fresh database.
func (d *Database) GetRiskState(ctx context.Context) (RiskState, error) {
	var s RiskState
	err := d.DB.QueryRowContext(ctx, `
		SELECT balance, COALESCE(initial_balance, 0), peak_balance, current_drawdown, consecutive_losses, updated_at
		FROM risk_state WHERE id = 1
	`).Scan(&s.Balance, &s.InitialBalance, &s.PeakBalance, &s.CurrentDrawdown, &s.ConsecutiveLosses, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RiskState{}, ErrNotFound
	}
	if err != nil {
		return RiskState{}, fmt.Errorf("query risk state: %w", err)
	}
	return s, nil
}
