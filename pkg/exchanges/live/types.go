package live

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	exchange "execution-core/pkg/exchanges/common"
)

type serverTime struct {
	ISO   string  `json:"iso"`
	Epoch float64 `json:"epoch"`
}

type account struct {
	Currency  string `json:"currency"`
	Balance   string `json:"balance"`
	Available string `json:"available"`
	Hold      string `json:"hold"`
}

type orderPayload struct {
	ProductID   string `json:"product_id"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Size        string `json:"size"`
	Price       string `json:"price,omitempty"`
	Stop        string `json:"stop,omitempty"`
	StopPrice   string `json:"stop_price,omitempty"`
	TimeInForce string `json:"time_in_force,omitempty"`
	ClientOID   string `json:"client_oid,omitempty"`
}

type orderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	DoneReason    string `json:"done_reason"`
	RejectReason  string `json:"reject_reason"`
	FilledSize    string `json:"filled_size"`
	ExecutedValue string `json:"executed_value"`
	FillFees      string `json:"fill_fees"`
}

type bookResponse struct {
	Sequence int64               `json:"sequence"`
	Bids     [][]json.RawMessage `json:"bids"`
	Asks     [][]json.RawMessage `json:"asks"`
}

type errorBody struct {
	Message string `json:"message"`
}

func newOrderPayload(req exchange.OrderRequest) (orderPayload, error) {
	p := orderPayload{
		ProductID: strings.ToUpper(req.Instrument),
		Side:      strings.ToLower(string(req.Side)),
		Size:      wireDecimal(req.Quantity),
		ClientOID: req.ClientID,
	}
	switch req.Type {
	case exchange.OrderTypeMarket:
		p.Type = "market"
	case exchange.OrderTypeLimit:
		p.Type = "limit"
		p.Price = wireDecimal(req.Price)
		if req.TimeInForce != "" {
			p.TimeInForce = string(req.TimeInForce)
		}
	case exchange.OrderTypeStopLoss:
		// stop market: a sell stop triggers on a fall, a buy stop on a rise
		p.Type = "market"
		p.StopPrice = wireDecimal(req.StopPrice)
		p.Stop = "loss"
		if req.Side == exchange.SideBuy {
			p.Stop = "entry"
		}
	default:
		return orderPayload{}, fmt.Errorf("unsupported order type %q", req.Type)
	}
	return p, nil
}

// report maps venue order state onto the engine lifecycle.
func (o orderResponse) report() exchange.OrderStatusReport {
	filled := parseAmount(o.FilledSize)
	r := exchange.OrderStatusReport{
		FilledQuantity: filled,
		ExecutedValue:  parseAmount(o.ExecutedValue),
		Fees:           parseAmount(o.FillFees),
	}
	switch strings.ToLower(o.Status) {
	case "pending", "open", "active", "received":
		r.Status = exchange.StatusPending
		if filled > 0 {
			r.Status = exchange.StatusPartial
		}
	case "done", "settled":
		switch strings.ToLower(o.DoneReason) {
		case "canceled", "cancelled":
			r.Status = exchange.StatusCancelled
		case "rejected":
			r.Status = exchange.StatusRejected
		default:
			r.Status = exchange.StatusFilled
		}
	case "rejected":
		r.Status = exchange.StatusRejected
	default:
		r.Status = exchange.StatusPending
	}
	return r
}

// wireDecimal renders a float with at most 8 decimals and no binary float noise.
func wireDecimal(v float64) string {
	return decimal.NewFromFloat(v).Round(8).String()
}

func parseAmount(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

// parseLevels reads ["price", "size", num_orders] rows.
func parseLevels(rows [][]json.RawMessage) ([]exchange.PriceLevel, error) {
	levels := make([]exchange.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("malformed book level: %d fields", len(row))
		}
		var price, size string
		if err := json.Unmarshal(row[0], &price); err != nil {
			return nil, fmt.Errorf("book price: %w", err)
		}
		if err := json.Unmarshal(row[1], &size); err != nil {
			return nil, fmt.Errorf("book size: %w", err)
		}
		levels = append(levels, exchange.PriceLevel{Price: parseAmount(price), Size: parseAmount(size)})
	}
	return levels, nil
}
