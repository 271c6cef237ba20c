package inventory

import "context"

// IntegrationHandler receives stock events once the owning unit of work committed.
type IntegrationHandler interface {
	HandleStockReconciled(ctx context.Context, evt StockReconciledEvent) error
}
