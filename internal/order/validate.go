package order

import (
	exchange "execution-core/pkg/exchanges/common"
)

// ValidateOrder runs the static checks. Funds are checked separately at submission.
func ValidateOrder(o Order) error {
	if o.Instrument == "" {
		return &ValidationError{Field: "instrument", Reason: "required"}
	}
	if _, _, err := exchange.SplitInstrument(o.Instrument); err != nil {
		return &ValidationError{Field: "instrument", Reason: err.Error()}
	}
	if o.Side != exchange.SideBuy && o.Side != exchange.SideSell {
		return &ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}
	if o.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	switch o.Type {
	case exchange.OrderTypeMarket:
	case exchange.OrderTypeLimit:
		if o.Price <= 0 {
			return &ValidationError{Field: "price", Reason: "required for LIMIT"}
		}
	case exchange.OrderTypeStopLoss:
		if o.StopPrice <= 0 {
			return &ValidationError{Field: "stop_price", Reason: "required for STOP_LOSS"}
		}
	default:
		return &ValidationError{Field: "order_type", Reason: "unsupported " + string(o.Type)}
	}
	return nil
}
