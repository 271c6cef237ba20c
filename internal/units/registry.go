package units

import (
	"fmt"
	"slices"

	"github.com/stockroom-erp/stockroom/internal/txkind"
)

// Kind distinguishes rules that create units from rules that match existing ones.
type Kind int

const (
	// KindCreate brings a unit into stock, creating it on first reference.
	KindCreate Kind = iota
	// KindMatch moves an existing unit found by exact (product, serial).
	KindMatch
)

// Rule is one row of the transition table.
type Rule struct {
	Role     Role
	Kind     Kind
	Pre      []Status
	CommitTo Status
	RevertTo Status
}

type ruleKey struct {
	typ txkind.Type
	dir txkind.Direction
}

var table = map[ruleKey]Rule{
	{txkind.Purchase, txkind.NoDirection}: {
		Role: RolePurchasedBy, Kind: KindCreate,
		Pre:      []Status{StatusRemoved},
		CommitTo: StatusInStock, RevertTo: StatusRemoved,
	},
	{txkind.Sale, txkind.NoDirection}: {
		Role: RoleSoldBy, Kind: KindMatch,
		Pre:      []Status{StatusInStock},
		CommitTo: StatusSold, RevertTo: StatusInStock,
	},
	{txkind.CustomerReturn, txkind.NoDirection}: {
		Role: RoleReturnedFromCustomerBy, Kind: KindMatch,
		Pre:      []Status{StatusSold},
		CommitTo: StatusInStock, RevertTo: StatusSold,
	},
	{txkind.SupplierReturn, txkind.NoDirection}: {
		Role: RoleReturnedToSupplierBy, Kind: KindMatch,
		Pre:      []Status{StatusInStock},
		CommitTo: StatusRemoved, RevertTo: StatusInStock,
	},
	{txkind.StockAdjustment, txkind.Inflow}: {
		Role: RoleAdjustedInBy, Kind: KindCreate,
		Pre:      []Status{StatusRemoved, StatusAdjustedOut},
		CommitTo: StatusInStock, RevertTo: StatusRemoved,
	},
	{txkind.StockAdjustment, txkind.Outflow}: {
		Role: RoleAdjustedOutBy, Kind: KindMatch,
		Pre:      []Status{StatusInStock},
		CommitTo: StatusAdjustedOut, RevertTo: StatusInStock,
	},
}

// RuleFor looks up the transition rule for a transaction type and direction.
// Direction is ignored for every type but StockAdjustment.
func RuleFor(typ txkind.Type, dir txkind.Direction) (Rule, error) {
	if !typ.NeedsDirection() {
		dir = txkind.NoDirection
	}
	rule, ok := table[ruleKey{typ, dir}]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s/%s", ErrNoRule, typ, dir)
	}
	return rule, nil
}

func (r Rule) heldBy(inst *Instance, itemID int64) bool {
	return inst != nil && inst.Status == StatusPendingStock && inst.Link.Is(r.Role, itemID)
}

// Check verifies that a unit (nil when the serial is unknown) satisfies the
// rule's precondition for itemID.
func (r Rule) Check(inst *Instance, itemID int64) error {
	switch r.Kind {
	case KindCreate:
		if inst == nil || r.heldBy(inst, itemID) || slices.Contains(r.Pre, inst.Status) {
			return nil
		}
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, inst.SerialNumber, inst.Status)
	default:
		if inst == nil {
			return fmt.Errorf("%w: serial not found", ErrInvalidState)
		}
		if !slices.Contains(r.Pre, inst.Status) {
			return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidState, inst.SerialNumber, inst.Status, r.Pre[0])
		}
		return nil
	}
}

// Hold parks a create-kind unit at PendingStock for an uncommitted item.
func (r Rule) Hold(inst *Instance, key Key, itemID int64) (Instance, error) {
	if r.Kind != KindCreate {
		return Instance{}, ErrNotHoldable
	}
	if err := r.Check(inst, itemID); err != nil {
		return Instance{}, err
	}
	if r.heldBy(inst, itemID) {
		return *inst, nil
	}
	next := r.fresh(inst, key)
	next.Prior = snapshot(inst)
	next.Status = StatusPendingStock
	next.Link = &Link{Role: r.Role, ItemID: itemID}
	return next, nil
}

// Release undoes a Hold, restoring the unit's pre-link state. Units that did
// not exist before the hold are parked at Removed.
func (r Rule) Release(inst Instance, itemID int64) (Instance, error) {
	if !r.heldBy(&inst, itemID) {
		return Instance{}, fmt.Errorf("%w: %s not held by item %d", ErrInvalidState, inst.SerialNumber, itemID)
	}
	restore(&inst, StatusRemoved)
	return inst, nil
}

// Commit applies the rule when the owning transaction completes.
func (r Rule) Commit(inst *Instance, key Key, itemID int64) (Instance, error) {
	if err := r.Check(inst, itemID); err != nil {
		return Instance{}, err
	}
	if r.heldBy(inst, itemID) {
		next := *inst
		next.Status = r.CommitTo
		return next, nil
	}
	next := r.fresh(inst, key)
	next.Prior = snapshot(inst)
	next.Status = r.CommitTo
	next.Link = &Link{Role: r.Role, ItemID: itemID}
	return next, nil
}

// Revert undoes Commit when a completed transaction is cancelled. The unit must
// still carry this item's link in the committed status.
func (r Rule) Revert(inst *Instance, itemID int64) (Instance, error) {
	if inst == nil {
		return Instance{}, fmt.Errorf("%w: serial not found", ErrInvalidState)
	}
	if inst.Status != r.CommitTo || !inst.Link.Is(r.Role, itemID) {
		return Instance{}, fmt.Errorf("%w: %s is %s and no longer owned by item %d", ErrInvalidState, inst.SerialNumber, inst.Status, itemID)
	}
	next := *inst
	if r.Kind == KindMatch {
		next.Status = r.RevertTo
		next.Link, next.Prior = priorLink(inst.Prior), nil
		return next, nil
	}
	restore(&next, r.RevertTo)
	return next, nil
}

// Unlink drops a link without a status change, used when the owning item is
// deleted after its effects were already reverted.
func Unlink(inst Instance) Instance {
	inst.Link = nil
	inst.Prior = nil
	return inst
}

func (r Rule) fresh(inst *Instance, key Key) Instance {
	if inst != nil {
		return *inst
	}
	return Instance{ProductID: key.ProductID, SerialNumber: key.SerialNumber}
}

func snapshot(inst *Instance) *Snapshot {
	if inst == nil {
		return &Snapshot{}
	}
	return &Snapshot{Status: inst.Status, Link: inst.Link}
}

func priorLink(prior *Snapshot) *Link {
	if prior == nil {
		return nil
	}
	return prior.Link
}

// restore rolls a create-kind unit back to its snapshot. A unit that did not
// exist before is parked at fallback.
func restore(inst *Instance, fallback Status) {
	prior := inst.Prior
	inst.Prior = nil
	if prior == nil || prior.Status == "" {
		inst.Status = fallback
		inst.Link = nil
		return
	}
	inst.Status = prior.Status
	inst.Link = prior.Link
}
