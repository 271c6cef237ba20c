package inventory

import (
	"time"

	"github.com/stockroom-erp/stockroom/internal/txkind"
)

// StockReconciledEvent is emitted after a status change moved stock or units.
type StockReconciledEvent struct {
	TransactionID int64         `json:"transaction_id"`
	InvoiceNumber string        `json:"invoice_number"`
	Type          txkind.Type   `json:"type"`
	From          txkind.Status `json:"from"`
	To            txkind.Status `json:"to"`
	ProductIDs    []int64       `json:"product_ids"`
	CorrelationID string        `json:"correlation_id"`
	At            time.Time     `json:"at"`
}
