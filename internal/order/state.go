package order

import (
	"fmt"

	exchange "execution-core/pkg/exchanges/common"
)

// allowed lists the forward transitions. "" is a created, unsubmitted order.
var allowed = map[exchange.OrderStatus][]exchange.OrderStatus{
	"":                     {exchange.StatusPending, exchange.StatusRejected},
	exchange.StatusPending: {exchange.StatusPartial, exchange.StatusFilled, exchange.StatusCancelled, exchange.StatusRejected},
	exchange.StatusPartial: {exchange.StatusPartial, exchange.StatusFilled, exchange.StatusCancelled},
}

// advance moves the order to next with the given cumulative fill. It reports
// whether anything changed; a backward move is refused and leaves o untouched.
func (o *Order) advance(next exchange.OrderStatus, filled float64) (bool, error) {
	if next == o.Status {
		if next == exchange.StatusPartial && filled > o.FilledQuantity {
			o.FilledQuantity = filled
			return true, nil
		}
		return false, nil
	}
	// a PENDING report after progress is stale, not a transition
	if next == exchange.StatusPending && o.Status == exchange.StatusPartial {
		return false, nil
	}
	for _, s := range allowed[o.Status] {
		if s == next {
			if filled < o.FilledQuantity {
				return false, fmt.Errorf("%w: filled quantity %.8f -> %.8f", ErrInvalidTransition, o.FilledQuantity, filled)
			}
			o.Status = next
			o.FilledQuantity = filled
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, statusName(o.Status), next)
}

func statusName(s exchange.OrderStatus) string {
	if s == "" {
		return "CREATED"
	}
	return string(s)
}
