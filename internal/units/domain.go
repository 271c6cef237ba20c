// Package units owns the lifecycle of serialized product instances.
package units

import (
	"errors"
	"time"
)

// Status is the lifecycle state of one physical unit.
type Status string

const (
	StatusInStock           Status = "IN_STOCK"
	StatusSold              Status = "SOLD"
	StatusPendingStock      Status = "PENDING_STOCK"
	StatusAdjustedOut       Status = "ADJUSTED_OUT"
	StatusRemoved           Status = "REMOVED"
	StatusReturnedResalable Status = "RETURNED_RESALABLE"
	StatusReturnedDefective Status = "RETURNED_DEFECTIVE"
)

// IsValid reports whether s is a known unit status.
func (s Status) IsValid() bool {
	switch s {
	case StatusInStock, StatusSold, StatusPendingStock, StatusAdjustedOut,
		StatusRemoved, StatusReturnedResalable, StatusReturnedDefective:
		return true
	default:
		return false
	}
}

// Role names the transaction item role that produced a unit's current status.
type Role string

const (
	RolePurchasedBy            Role = "PURCHASED_BY"
	RoleSoldBy                 Role = "SOLD_BY"
	RoleReturnedFromCustomerBy Role = "RETURNED_FROM_CUSTOMER_BY"
	RoleReturnedToSupplierBy   Role = "RETURNED_TO_SUPPLIER_BY"
	RoleAdjustedInBy           Role = "ADJUSTED_IN_BY"
	RoleAdjustedOutBy          Role = "ADJUSTED_OUT_BY"
)

// Link associates a unit with the transaction item currently responsible for it.
type Link struct {
	Role   Role
	ItemID int64
}

// Is reports whether l points at the given role and item.
func (l *Link) Is(role Role, itemID int64) bool {
	return l != nil && l.Role == role && l.ItemID == itemID
}

// Snapshot captures a unit's state before its current link was established.
// An empty Status means the unit did not exist yet.
type Snapshot struct {
	Status Status
	Link   *Link
}

// Instance is one serialized unit.
type Instance struct {
	ID           int64
	ProductID    int64
	SerialNumber string
	Status       Status
	Link         *Link
	Prior        *Snapshot
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Key identifies a unit by product and serial.
type Key struct {
	ProductID    int64
	SerialNumber string
}

// Key returns the identity of the instance.
func (i Instance) Key() Key {
	return Key{ProductID: i.ProductID, SerialNumber: i.SerialNumber}
}

var (
	// ErrInvalidState indicates a unit whose status or link does not satisfy a rule.
	ErrInvalidState = errors.New("units: invalid serial state")
	// ErrNoRule indicates an unsupported (type, direction) combination.
	ErrNoRule = errors.New("units: no transition rule")
	// ErrNotHoldable indicates Hold on a rule that matches existing units.
	ErrNotHoldable = errors.New("units: rule does not hold units")
)
