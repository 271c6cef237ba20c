// Package txkind holds the tagged variants shared by every stock movement:
// transaction type, transaction status and adjustment direction.
package txkind

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownValue is returned when parsing an unsupported enum value.
var ErrUnknownValue = errors.New("txkind: unknown value")

// Type enumerates the supported business transactions.
type Type string

const (
	Purchase        Type = "PURCHASE"
	Sale            Type = "SALE"
	CustomerReturn  Type = "CUSTOMER_RETURN"
	SupplierReturn  Type = "SUPPLIER_RETURN"
	StockAdjustment Type = "STOCK_ADJUSTMENT"
)

// Types lists every transaction type in a stable order.
var Types = []Type{Purchase, Sale, CustomerReturn, SupplierReturn, StockAdjustment}

// IsValid reports whether t is a known type.
func (t Type) IsValid() bool {
	switch t {
	case Purchase, Sale, CustomerReturn, SupplierReturn, StockAdjustment:
		return true
	default:
		return false
	}
}

// PartyKind returns which counterparty the type carries.
func (t Type) PartyKind() PartyKind {
	switch t {
	case Sale, CustomerReturn:
		return PartyCustomer
	case Purchase, SupplierReturn:
		return PartySupplier
	default:
		return PartyNone
	}
}

// NeedsDirection reports whether items of this type carry an adjustment direction.
func (t Type) NeedsDirection() bool {
	return t == StockAdjustment
}

// StockSign is the effect one unit of an item has on on-hand stock when
// the transaction completes: +1, -1.
func (t Type) StockSign(dir Direction) int {
	switch t {
	case Purchase, CustomerReturn:
		return 1
	case Sale, SupplierReturn:
		return -1
	case StockAdjustment:
		if dir == Outflow {
			return -1
		}
		return 1
	}
	return 0
}

// ParseType normalises and validates a type string.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: type %q", ErrUnknownValue, raw)
	}
	return t, nil
}

// PartyKind identifies the counterparty of a transaction.
type PartyKind string

const (
	PartyNone     PartyKind = ""
	PartyCustomer PartyKind = "CUSTOMER"
	PartySupplier PartyKind = "SUPPLIER"
)

// Direction is the flow of a stock adjustment line.
type Direction string

const (
	NoDirection Direction = ""
	Inflow      Direction = "INFLOW"
	Outflow     Direction = "OUTFLOW"
)

// IsValid reports whether d is inflow or outflow.
func (d Direction) IsValid() bool {
	return d == Inflow || d == Outflow
}

// ParseDirection normalises a direction string. Empty input yields NoDirection.
func ParseDirection(raw string) (Direction, error) {
	d := Direction(strings.ToUpper(strings.TrimSpace(raw)))
	if d == NoDirection || d.IsValid() {
		return d, nil
	}
	return "", fmt.Errorf("%w: direction %q", ErrUnknownValue, raw)
}

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

var statusRank = map[Status]int{
	StatusDraft:     0,
	StatusPending:   1,
	StatusConfirmed: 2,
	StatusCompleted: 3,
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// AllowsItemEdit reports whether line items may still change.
func (s Status) AllowsItemEdit() bool {
	return s == StatusDraft || s == StatusPending || s == StatusConfirmed
}

// Reserving reports whether serial sets must be complete and valid in this status.
func (s Status) Reserving() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusCompleted
}

// Holding reports whether create-kind serials sit at PendingStock in this status.
func (s Status) Holding() bool {
	return s == StatusPending || s == StatusConfirmed
}

// CanTransition reports whether the lifecycle graph allows s -> to.
// Forward moves may skip states; Cancelled is reachable from everything but itself.
func (s Status) CanTransition(to Status) bool {
	if !s.IsValid() || !to.IsValid() || s == to {
		return false
	}
	if s == StatusCancelled {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	return statusRank[to] > statusRank[s]
}

// ParseStatus normalises and validates a status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("%w: status %q", ErrUnknownValue, raw)
	}
	return s, nil
}
