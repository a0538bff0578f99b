package exchange

import (
	"context"

	"kraken-mcp-trader/internal/core"
)

// Exchange is the account surface the command executor needs.
type Exchange interface {
	Name() string
	Balance(ctx context.Context) (core.Balance, error)
	PlaceOrder(ctx context.Context, req core.OrderRequest) (core.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (core.CancelResult, error)
	// OpenOrders lists open orders; a non-empty clientOrderID narrows the query.
	OpenOrders(ctx context.Context, clientOrderID string) ([]core.Order, error)
}
