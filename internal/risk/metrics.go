package risk

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

const tradingDaysPerYear = 252

// CalculatePortfolioMetrics recomputes the portfolio snapshot from the full
// trade history. Per-trade return is pnl / (entry * quantity).
func (m *Manager) CalculatePortfolioMetrics() PortfolioMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pm := PortfolioMetrics{
		TotalTrades:     len(m.history),
		Balance:         m.state.Balance,
		PeakBalance:     m.state.PeakBalance,
		CurrentDrawdown: m.state.CurrentDrawdown,
	}
	for _, p := range m.positions {
		if p.Status == StatusOpen {
			pm.OpenPositions++
		}
	}
	if len(m.history) == 0 {
		return pm
	}

	returns := make(stats.Float64Data, 0, len(m.history))
	var grossProfit, grossLoss float64
	for _, t := range m.history {
		returns = append(returns, t.ReturnPct)
		pm.TotalPnL += t.PnL
		switch {
		case t.PnL > 0:
			pm.WinningTrades++
			grossProfit += t.PnL
		case t.PnL < 0:
			pm.LosingTrades++
			grossLoss += -t.PnL
		}
	}

	pm.WinRate = float64(pm.WinningTrades) / float64(pm.TotalTrades)
	if pm.WinningTrades > 0 {
		pm.AvgWin = grossProfit / float64(pm.WinningTrades)
	}
	if pm.LosingTrades > 0 {
		pm.AvgLoss = grossLoss / float64(pm.LosingTrades)
	}
	if grossLoss > 0 {
		pm.ProfitFactor = grossProfit / grossLoss
	}

	pm.SharpeRatio = sharpe(returns, m.cfg.RiskFreeRateDaily)
	pm.MaxDrawdown = curveDrawdown(returns)
	if p5, err := stats.PercentileNearestRank(returns, 5); err == nil {
		pm.VaR95 = p5 * m.state.Balance
	}
	return pm
}

// sharpe annualises the mean excess return over the sample standard deviation.
func sharpe(returns stats.Float64Data, riskFree float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, err := stats.Mean(returns)
	if err != nil {
		return 0
	}
	sd, err := stats.StandardDeviationSample(returns)
	if err != nil || sd == 0 {
		return 0
	}
	return (mean - riskFree) / sd * math.Sqrt(tradingDaysPerYear)
}

// curveDrawdown is the largest peak-to-trough decline of the compounded
// cumulative-return curve.
func curveDrawdown(returns stats.Float64Data) float64 {
	wealth, peak, worst := 1.0, 1.0, 0.0
	for _, r := range returns {
		wealth *= 1 + r
		if wealth > peak {
			peak = wealth
		}
		if dd := (peak - wealth) / peak; dd > worst {
			worst = dd
		}
	}
	return worst
}

// GetRiskSignals returns the active textual warnings.
func (m *Manager) GetRiskSignals() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	st := m.state
	if st.CurrentDrawdown > m.cfg.DrawdownThreshold {
		out = append(out, fmt.Sprintf("High drawdown: %.2f%%", st.CurrentDrawdown*100))
	}
	if m.cfg.LossStreakThreshold > 0 && st.ConsecutiveLosses >= m.cfg.LossStreakThreshold {
		out = append(out, fmt.Sprintf("Consecutive losses: %d", st.ConsecutiveLosses))
	}
	if st.Balance > 0 && m.cfg.ConcentrationLimit > 0 {
		for _, p := range m.sortedLocked(true) {
			if share := p.Notional() / st.Balance; share > m.cfg.ConcentrationLimit {
				out = append(out, fmt.Sprintf("Over-concentration: %s %s is %.1f%% of balance", p.Instrument, p.ID, share*100))
			}
		}
	}
	if st.InitialBalance > 0 {
		if loss := (st.InitialBalance - st.Balance) / st.InitialBalance; loss > m.cfg.CapitalLossThreshold {
			out = append(out, fmt.Sprintf("Capital loss: %.2f%% below initial balance", loss*100))
		}
	}
	return out
}
