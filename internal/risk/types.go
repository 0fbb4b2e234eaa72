package risk

import (
	"context"
	"errors"
	"time"
)

// Side of a risk-managed position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Status of a position. Closing is one-way.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Close reasons recorded in trade history.
const (
	ReasonStopLoss     = "stop_loss"
	ReasonTakeProfit   = "take_profit"
	ReasonTrailingStop = "trailing_stop"
	ReasonManual       = "manual"
)

// Refusal codes for RiskDecision.
const (
	RefusalDrawdown   = "max_drawdown"
	RefusalLossStreak = "consecutive_losses"
	RefusalInvalid    = "invalid_request"
	RefusalZeroSize   = "zero_size"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionClosed   = errors.New("position already closed")
)

// Config defines sizing, protection and alerting parameters.
type Config struct {
	InitialBalance float64 `json:"initial_balance"`

	// Sizing
	BaseFraction float64 `json:"base_fraction"` // share of balance before tapers
	MaxFraction  float64 `json:"max_fraction"`  // hard cap

	VolatilityThreshold float64 `json:"volatility_threshold"`
	VolatilityCeiling   float64 `json:"volatility_ceiling"`
	MinVolatilityFactor float64 `json:"min_volatility_factor"`

	DrawdownThreshold float64 `json:"drawdown_threshold"`
	MaxDrawdown       float64 `json:"max_drawdown"` // refusal ceiling and end of the taper
	DrawdownFloor     float64 `json:"drawdown_floor"`

	LossStreakThreshold  int     `json:"loss_streak_threshold"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	LossStreakStep       float64 `json:"loss_streak_step"`
	LossStreakFloor      float64 `json:"loss_streak_floor"`

	// Stop Loss / Take Profit
	StopLossPct     float64 `json:"stop_loss_pct"`
	TakeProfitPct   float64 `json:"take_profit_pct"`
	UseTrailingStop bool    `json:"use_trailing_stop"`
	TrailingPercent float64 `json:"trailing_percent"`

	// Metrics and alerts
	RiskFreeRateDaily    float64 `json:"risk_free_rate_daily"`
	ConcentrationLimit   float64 `json:"concentration_limit"`
	CapitalLossThreshold float64 `json:"capital_loss_threshold"`
}

// DefaultConfig returns default risk configuration
func DefaultConfig() Config {
	return Config{
		InitialBalance:       10000,
		BaseFraction:         0.10,
		MaxFraction:          0.25,
		VolatilityThreshold:  0.02,
		VolatilityCeiling:    0.10,
		MinVolatilityFactor:  0.25,
		DrawdownThreshold:    0.05,
		MaxDrawdown:          0.20,
		DrawdownFloor:        0.3,
		LossStreakThreshold:  2,
		MaxConsecutiveLosses: 5,
		LossStreakStep:       0.1,
		LossStreakFloor:      0.5,
		StopLossPct:          0.05,
		TakeProfitPct:        0.10,
		TrailingPercent:      0.015,
		RiskFreeRateDaily:    0.02 / 365,
		ConcentrationLimit:   0.5,
		CapitalLossThreshold: 0.10,
	}
}

// Position represents a trading position
type Position struct {
	ID            string    `json:"id"`
	Strategy      string    `json:"strategy_name"`
	Instrument    string    `json:"instrument"`
	Side          Side      `json:"side"`
	EntryPrice    float64   `json:"entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	Quantity      float64   `json:"quantity"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	EntryTime     time.Time `json:"entry_time"`
	Status        Status    `json:"status"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	HighWaterMark float64   `json:"high_water_mark"` // best price seen; low-water mark for shorts
	CloseReason   string    `json:"close_reason,omitempty"`
}

// Notional is the position value at the current price.
func (p Position) Notional() float64 {
	price := p.CurrentPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return price * p.Quantity
}

// TradeRecord is appended once per closed position.
type TradeRecord struct {
	PositionID string    `json:"position_id"`
	Strategy   string    `json:"strategy_name"`
	Instrument string    `json:"instrument"`
	Side       Side      `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	PnL        float64   `json:"pnl"`
	ReturnPct  float64   `json:"return_pct"`
	Reason     string    `json:"reason"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
}

// RiskState is the portfolio counters record.
// CurrentDrawdown = max(0, (PeakBalance-Balance)/PeakBalance); PeakBalance never decreases.
type RiskState struct {
	Balance           float64   `json:"balance"`
	InitialBalance    float64   `json:"initial_balance"`
	PeakBalance       float64   `json:"peak_balance"`
	CurrentDrawdown   float64   `json:"current_drawdown"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	DailyPnL          float64   `json:"daily_pnl"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// RiskDecision represents the result of risk evaluation
type RiskDecision struct {
	Allowed bool   `json:"allowed"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// OpenRequest describes a position to open. Quantity 0 sizes from balance.
type OpenRequest struct {
	Strategy   string  `json:"strategy_name"`
	Instrument string  `json:"instrument"`
	Side       Side    `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	Volatility float64 `json:"volatility,omitempty"`
	Quantity   float64 `json:"quantity,omitempty"`
}

// PortfolioMetrics is a point-in-time snapshot recomputed from trade history.
type PortfolioMetrics struct {
	TotalTrades     int     `json:"total_trades"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	WinRate         float64 `json:"win_rate"`
	AvgWin          float64 `json:"avg_win"`
	AvgLoss         float64 `json:"avg_loss"`
	ProfitFactor    float64 `json:"profit_factor"`
	SharpeRatio     float64 `json:"sharpe_ratio"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	VaR95           float64 `json:"var_95"`
	TotalPnL        float64 `json:"total_pnl"`
	Balance         float64 `json:"balance"`
	PeakBalance     float64 `json:"peak_balance"`
	CurrentDrawdown float64 `json:"current_drawdown"`
	OpenPositions   int     `json:"open_positions"`
}

// Store persists risk state. Save failures are logged by the manager and
// never undo an in-memory mutation.
type Store interface {
	SavePosition(ctx context.Context, p Position) error
	SaveTrade(ctx context.Context, t TradeRecord) error
	SaveState(ctx context.Context, s RiskState) error

	// LoadState reports found=false on a fresh store.
	LoadState(ctx context.Context) (s RiskState, found bool, err error)
	LoadPositions(ctx context.Context) ([]Position, error)
	LoadTrades(ctx context.Context) ([]TradeRecord, error)
}
