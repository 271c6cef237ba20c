package inventory

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockroom-erp/stockroom/internal/shared"
	"github.com/stockroom-erp/stockroom/internal/txkind"
)

// Product is the stock-bearing entity referenced by transaction items.
type Product struct {
	ID           int64  `json:"id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	IsSerialized bool   `json:"is_serialized"`
	CurrentStock int    `json:"current_stock"`
}

// PartyRef points at the customer or supplier of a transaction.
type PartyRef struct {
	Kind txkind.PartyKind `json:"kind" validate:"required,oneof=CUSTOMER SUPPLIER"`
	ID   int64            `json:"id" validate:"required,gt=0"`
}

// Transaction is the header of a stock movement document.
type Transaction struct {
	ID            int64             `json:"id"`
	Type          txkind.Type       `json:"type"`
	Status        txkind.Status     `json:"status"`
	Party         *PartyRef         `json:"party,omitempty"`
	Date          time.Time         `json:"date"`
	InvoiceNumber string            `json:"invoice_number"`
	TotalAmount   decimal.Decimal   `json:"total_amount"`
	Notes         string            `json:"notes,omitempty"`
	CreatedBy     int64             `json:"created_by"`
	UpdatedBy     int64             `json:"updated_by"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Items         []TransactionItem `json:"items"`
}

// TransactionItem is one product line of a transaction.
type TransactionItem struct {
	ID            int64            `json:"id"`
	TransactionID int64            `json:"transaction_id"`
	ProductID     int64            `json:"product_id"`
	Quantity      int              `json:"quantity"`
	UnitPrice     decimal.Decimal  `json:"unit_price"`
	LineTotal     decimal.Decimal  `json:"line_total"`
	Direction     txkind.Direction `json:"direction,omitempty"`
	Serials       []string         `json:"serials"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ItemInput describes a new line item.
type ItemInput struct {
	ProductID int64            `json:"product_id" validate:"required,gt=0"`
	Quantity  int              `json:"quantity" validate:"required,gt=0"`
	UnitPrice decimal.Decimal  `json:"unit_price"`
	Direction txkind.Direction `json:"direction,omitempty" validate:"omitempty,oneof=INFLOW OUTFLOW"`
	Serials   []string         `json:"serials,omitempty" validate:"omitempty,dive,required,max=128"`
}

// ItemUpdate carries the fields of an item that change. Nil fields stay as they are.
type ItemUpdate struct {
	Quantity  *int              `json:"quantity,omitempty" validate:"omitempty,gt=0"`
	UnitPrice *decimal.Decimal  `json:"unit_price,omitempty"`
	Direction *txkind.Direction `json:"direction,omitempty" validate:"omitempty,oneof=INFLOW OUTFLOW"`
	Serials   *[]string         `json:"serials,omitempty" validate:"omitempty,dive,required,max=128"`
}

// TransactionDraft is the typed payload accepted by CreateTransaction.
type TransactionDraft struct {
	Type           txkind.Type   `json:"type" validate:"required"`
	Status         txkind.Status `json:"status,omitempty" validate:"omitempty,oneof=DRAFT PENDING"`
	Party          *PartyRef     `json:"party,omitempty" validate:"omitempty"`
	Date           time.Time     `json:"date"`
	Notes          string        `json:"notes,omitempty" validate:"max=2000"`
	Items          []ItemInput   `json:"items,omitempty" validate:"omitempty,dive"`
	IdempotencyKey string        `json:"-"`
}

// ListFilter narrows ListTransactions.
type ListFilter struct {
	Type    txkind.Type
	Status  txkind.Status
	From    time.Time
	To      time.Time
	Page    int
	PerPage int
}

// TransactionPage is one page of transactions.
type TransactionPage struct {
	Transactions []Transaction     `json:"transactions"`
	Pagination   shared.Pagination `json:"pagination"`
}

// StockLevel reports on-hand stock of a product.
type StockLevel struct {
	ProductID    int64  `json:"product_id"`
	SKU          string `json:"sku"`
	IsSerialized bool   `json:"is_serialized"`
	CurrentStock int    `json:"current_stock"`
	PendingUnits int    `json:"pending_units"`
}

// IntegrityRequest scopes a stock integrity run. Empty ProductIDs means every
// serialized product.
type IntegrityRequest struct {
	ProductIDs []int64 `json:"product_ids,omitempty"`
	Repair     bool    `json:"repair"`
}

// StockDrift is a serialized product whose recorded stock disagrees with its units.
type StockDrift struct {
	ProductID int64 `json:"product_id"`
	Recorded  int   `json:"recorded"`
	Counted   int   `json:"counted"`
}

// IntegrityReport summarises a stock integrity run.
type IntegrityReport struct {
	Checked  int          `json:"checked"`
	Drifts   []StockDrift `json:"drifts"`
	Repaired bool         `json:"repaired"`
}

// LineTotal computes quantity times unit price.
func LineTotal(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

// SumLineTotals adds up the line totals of items.
func SumLineTotals(items []TransactionItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal)
	}
	return total
}
