package common

import "context"

// Backend abstracts a trading venue. Implementations must be safe for
// concurrent use; GetOrderStatus must be idempotent and side-effect free.
type Backend interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	// CancelOrder is best-effort and returns false if the order is already terminal.
	CancelOrder(ctx context.Context, instrument, exchangeOrderID string) (bool, error)
	GetOrderStatus(ctx context.Context, instrument, exchangeOrderID string) (OrderStatusReport, error)
	GetOrderbook(ctx context.Context, instrument string) (Orderbook, error)
	GetAccountBalance(ctx context.Context) (map[string]float64, error)
}

// FundsHolder is implemented by backends whose reported balances already
// exclude funds held by the venue for open orders.
type FundsHolder interface {
	HoldsOpenOrderFunds() bool
}

// PriceUpdater is implemented by backends that are driven by caller price updates.
type PriceUpdater interface {
	SetPrice(instrument string, price float64)
}
