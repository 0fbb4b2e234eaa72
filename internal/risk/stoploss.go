package risk

// ratchet tracks the best price seen and trails the stop behind it. The stop
// only ever tightens. It reports whether the stop moved.
func ratchet(p *Position, trailingPct float64) bool {
	if trailingPct <= 0 {
		return false
	}
	if p.Side == SideLong {
		// For long position, track highest price
		if p.CurrentPrice <= p.HighWaterMark {
			return false
		}
		p.HighWaterMark = p.CurrentPrice
		if stop := p.HighWaterMark * (1 - trailingPct); stop > p.StopLoss {
			p.StopLoss = stop
			return true
		}
		return false
	}

	// For short position, track lowest price
	if p.HighWaterMark > 0 && p.CurrentPrice >= p.HighWaterMark {
		return false
	}
	p.HighWaterMark = p.CurrentPrice
	if stop := p.HighWaterMark * (1 + trailingPct); stop < p.StopLoss {
		p.StopLoss = stop
		return true
	}
	return false
}

// triggered checks stop and target against the current price.
func triggered(p Position, trailing bool) (string, bool) {
	price := p.CurrentPrice
	if price <= 0 {
		return "", false
	}
	stopHit := price <= p.StopLoss
	targetHit := price >= p.TakeProfit
	if p.Side == SideShort {
		stopHit = price >= p.StopLoss
		targetHit = price <= p.TakeProfit
	}

	switch {
	case stopHit:
		if trailing && p.HighWaterMark != p.EntryPrice {
			return ReasonTrailingStop, true
		}
		return ReasonStopLoss, true
	case targetHit:
		return ReasonTakeProfit, true
	}
	return "", false
}
