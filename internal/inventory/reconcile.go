package inventory

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/stockroom-erp/stockroom/internal/txkind"
	"github.com/stockroom-erp/stockroom/internal/units"
)

// reconciler turns status changes and serial sets into unit and stock writes.
// Every method runs inside the caller's unit of work.
type reconciler struct {
	allowNegative bool
}

// transition is the outcome of applyTransition.
type transition struct {
	tx      Transaction
	touched []int64
}

// applyTransition moves t to status to. serialsByItem replaces the stored
// serial set of the items it names; other items keep theirs.
func (e *reconciler) applyTransition(ctx context.Context, repo TxRepository, t Transaction, to txkind.Status, serialsByItem map[int64][]string, actorID int64) (transition, error) {
	items, err := repo.ListItems(ctx, t.ID)
	if err != nil {
		return transition{}, err
	}
	t.Items = items
	from := t.Status
	if from == to {
		return transition{tx: t}, nil
	}
	if !from.CanTransition(to) {
		return transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	for itemID := range serialsByItem {
		if !slices.ContainsFunc(items, func(it TransactionItem) bool { return it.ID == itemID }) {
			return transition{}, fmt.Errorf("%w: item %d does not belong to transaction %d", ErrValidation, itemID, t.ID)
		}
	}

	products, err := repo.LockProducts(ctx, productIDs(items))
	if err != nil {
		return transition{}, err
	}
	sets := make(map[int64][]string, len(items))
	for _, item := range items {
		if set, ok := serialsByItem[item.ID]; ok {
			sets[item.ID] = set
		} else {
			sets[item.ID] = item.Serials
		}
	}
	insts, err := e.lockUnits(ctx, repo, items, products, sets)
	if err != nil {
		return transition{}, err
	}

	var touched []int64
	switch {
	case to.Reserving():
		report := newValidationReport()
		for _, item := range items {
			if err := e.validateItem(t, item, products[item.ProductID], sets[item.ID], insts, report); err != nil {
				return transition{}, err
			}
		}
		if err := report.orNil(); err != nil {
			return transition{}, err
		}
		plan, err := e.planReserve(t, from, to, items, products, sets, insts)
		if err != nil {
			return transition{}, err
		}
		for i, item := range items {
			if set, ok := serialsByItem[item.ID]; ok && !slices.Equal(set, item.Serials) {
				if err := repo.ReplaceItemSerials(ctx, item.ID, set); err != nil {
					return transition{}, err
				}
				items[i].Serials = set
			}
		}
		if err := e.saveUnits(ctx, repo, plan); err != nil {
			return transition{}, err
		}
		if to == txkind.StatusCompleted {
			touched, err = e.moveStock(ctx, repo, t, items, products, 1)
			if err != nil {
				return transition{}, err
			}
		}
	case to == txkind.StatusCancelled && from == txkind.StatusCompleted:
		plan, err := e.planRevert(t, items, products, insts)
		if err != nil {
			return transition{}, err
		}
		if err := e.saveUnits(ctx, repo, plan); err != nil {
			return transition{}, err
		}
		touched, err = e.moveStock(ctx, repo, t, items, products, -1)
		if err != nil {
			return transition{}, err
		}
	case to == txkind.StatusCancelled && from.Holding():
		plan, err := e.planRelease(t, items, products, insts)
		if err != nil {
			return transition{}, err
		}
		if err := e.saveUnits(ctx, repo, plan); err != nil {
			return transition{}, err
		}
	}

	if err := repo.UpdateTransactionStatus(ctx, t.ID, to, actorID); err != nil {
		return transition{}, err
	}
	t.Status = to
	t.UpdatedBy = actorID
	t.Items = items
	return transition{tx: t, touched: touched}, nil
}

// lockUnits locks every unit referenced by stored or submitted serial sets.
func (e *reconciler) lockUnits(ctx context.Context, repo TxRepository, items []TransactionItem, products map[int64]Product, sets map[int64][]string) (map[units.Key]units.Instance, error) {
	seen := map[units.Key]bool{}
	var keys []units.Key
	for _, item := range items {
		if !products[item.ProductID].IsSerialized {
			continue
		}
		for _, sn := range append(slices.Clone(item.Serials), sets[item.ID]...) {
			k := units.Key{ProductID: item.ProductID, SerialNumber: sn}
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sortKeys(keys)
	return repo.LockInstances(ctx, keys)
}

// validateItem records the serial issues of one item against the registry
// preconditions. It returns an error only for problems outside the report.
func (e *reconciler) validateItem(t Transaction, item TransactionItem, product Product, set []string, insts map[units.Key]units.Instance, report *ValidationReport) error {
	if !product.IsSerialized {
		if len(set) > 0 {
			report.add(item, fmt.Errorf("%w: product %d", ErrSerialsNotAllowed, product.ID), set...)
		}
		return nil
	}
	if dups := duplicateSerials(set); len(dups) > 0 {
		report.add(item, fmt.Errorf("%w: %v", ErrDuplicateSerial, dups), dups...)
	}
	if len(set) != item.Quantity {
		report.add(item, fmt.Errorf("%w: quantity %d, serials %d", ErrSerialCountMismatch, item.Quantity, len(set)))
	}
	rule, err := units.RuleFor(t.Type, item.Direction)
	if err != nil {
		return fmt.Errorf("%w: item %d: %w", ErrValidation, item.ID, err)
	}
	for _, sn := range uniqueSerials(set) {
		if err := rule.Check(lookup(insts, item.ProductID, sn), item.ID); err != nil {
			report.add(item, fmt.Errorf("%w: %w", ErrInvalidSerialState, err), sn)
		}
	}
	return nil
}

// planReserve computes unit writes for a move into Pending, Confirmed or
// Completed. Create-kind serials dropped from a held set are released first.
func (e *reconciler) planReserve(t Transaction, from, to txkind.Status, items []TransactionItem, products map[int64]Product, sets map[int64][]string, insts map[units.Key]units.Instance) ([]units.Instance, error) {
	var plan []units.Instance
	for _, item := range items {
		if !products[item.ProductID].IsSerialized {
			continue
		}
		rule, err := units.RuleFor(t.Type, item.Direction)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %w", ErrValidation, item.ID, err)
		}
		set := sets[item.ID]
		if rule.Kind == units.KindCreate && from.Holding() {
			released, err := release(rule, item, difference(item.Serials, set), insts)
			if err != nil {
				return nil, err
			}
			plan = append(plan, released...)
		}
		for _, sn := range set {
			key := units.Key{ProductID: item.ProductID, SerialNumber: sn}
			current := lookup(insts, item.ProductID, sn)
			var next units.Instance
			switch {
			case to == txkind.StatusCompleted:
				next, err = rule.Commit(current, key, item.ID)
			case rule.Kind == units.KindCreate:
				next, err = rule.Hold(current, key, item.ID)
			default:
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("%w: item %d: %w", ErrInvalidSerialState, item.ID, err)
			}
			if !unchanged(current, next) {
				plan = append(plan, next)
			}
		}
	}
	return plan, nil
}

// planRevert computes the inverse of completion using the stored serial sets.
func (e *reconciler) planRevert(t Transaction, items []TransactionItem, products map[int64]Product, insts map[units.Key]units.Instance) ([]units.Instance, error) {
	report := newValidationReport()
	var plan []units.Instance
	for _, item := range items {
		if !products[item.ProductID].IsSerialized {
			continue
		}
		rule, err := units.RuleFor(t.Type, item.Direction)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %w", ErrValidation, item.ID, err)
		}
		for _, sn := range item.Serials {
			next, err := rule.Revert(lookup(insts, item.ProductID, sn), item.ID)
			if err != nil {
				report.add(item, fmt.Errorf("%w: %w", ErrInvalidSerialState, err), sn)
				continue
			}
			plan = append(plan, next)
		}
	}
	if err := report.orNil(); err != nil {
		return nil, err
	}
	return plan, nil
}

// planRelease frees the create-kind holds of a transaction that never completed.
func (e *reconciler) planRelease(t Transaction, items []TransactionItem, products map[int64]Product, insts map[units.Key]units.Instance) ([]units.Instance, error) {
	var plan []units.Instance
	for _, item := range items {
		if !products[item.ProductID].IsSerialized {
			continue
		}
		rule, err := units.RuleFor(t.Type, item.Direction)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %w", ErrValidation, item.ID, err)
		}
		if rule.Kind != units.KindCreate {
			continue
		}
		released, err := release(rule, item, item.Serials, insts)
		if err != nil {
			return nil, err
		}
		plan = append(plan, released...)
	}
	return plan, nil
}

// planUnlink drops every remaining link to the items of a transaction about to
// be deleted. Holds are released to their pre-link state first.
func (e *reconciler) planUnlink(t Transaction, items []TransactionItem, products map[int64]Product, insts map[units.Key]units.Instance) ([]units.Instance, error) {
	var plan []units.Instance
	if t.Status.Holding() {
		released, err := e.planRelease(t, items, products, insts)
		if err != nil {
			return nil, err
		}
		for _, inst := range released {
			insts[inst.Key()] = inst
		}
		plan = append(plan, released...)
	}
	for _, item := range items {
		for _, sn := range item.Serials {
			inst := lookup(insts, item.ProductID, sn)
			if inst == nil || inst.Link == nil || inst.Link.ItemID != item.ID {
				continue
			}
			plan = append(plan, units.Unlink(*inst))
		}
	}
	return plan, nil
}

// syncItem validates an edited item of a reserving transaction and moves its
// holds from oldSet to the item's current set.
func (e *reconciler) syncItem(ctx context.Context, repo TxRepository, t Transaction, item TransactionItem, product Product, oldSet []string) error {
	report := newValidationReport()
	if !product.IsSerialized {
		if len(item.Serials) > 0 {
			report.add(item, fmt.Errorf("%w: product %d", ErrSerialsNotAllowed, product.ID), item.Serials...)
		}
		return report.orNil()
	}
	if dups := duplicateSerials(item.Serials); len(dups) > 0 {
		report.add(item, fmt.Errorf("%w: %v", ErrDuplicateSerial, dups), dups...)
	}
	if !t.Status.Reserving() {
		return report.orNil()
	}

	stored := item
	stored.Serials = oldSet
	products := map[int64]Product{product.ID: product}
	sets := map[int64][]string{item.ID: item.Serials}
	insts, err := e.lockUnits(ctx, repo, []TransactionItem{stored}, products, sets)
	if err != nil {
		return err
	}
	if err := e.validateItem(t, item, product, item.Serials, insts, report); err != nil {
		return err
	}
	if err := report.orNil(); err != nil {
		return err
	}
	plan, err := e.planReserve(t, t.Status, t.Status, []TransactionItem{stored}, products, sets, insts)
	if err != nil {
		return err
	}
	return e.saveUnits(ctx, repo, plan)
}

// dropItem releases the holds of an item about to be deleted.
func (e *reconciler) dropItem(ctx context.Context, repo TxRepository, t Transaction, item TransactionItem, product Product) error {
	if !product.IsSerialized || !t.Status.Holding() || len(item.Serials) == 0 {
		return nil
	}
	products := map[int64]Product{product.ID: product}
	insts, err := e.lockUnits(ctx, repo, []TransactionItem{item}, products, nil)
	if err != nil {
		return err
	}
	plan, err := e.planRelease(t, []TransactionItem{item}, products, insts)
	if err != nil {
		return err
	}
	return e.saveUnits(ctx, repo, plan)
}

// moveStock applies (direction 1) or reverses (direction -1) the stock effect
// of a completed transaction and returns the affected product ids.
func (e *reconciler) moveStock(ctx context.Context, repo TxRepository, t Transaction, items []TransactionItem, products map[int64]Product, direction int) ([]int64, error) {
	touched := make([]int64, 0, len(items))
	for _, item := range items {
		product := products[item.ProductID]
		if product.IsSerialized {
			count, err := repo.CountUnits(ctx, product.ID, units.StatusInStock)
			if err != nil {
				return nil, err
			}
			if err := repo.SetProductStock(ctx, product.ID, count); err != nil {
				return nil, err
			}
			product.CurrentStock = count
		} else {
			next := product.CurrentStock + direction*t.Type.StockSign(item.Direction)*item.Quantity
			if next < 0 && !e.allowNegative {
				return nil, fmt.Errorf("%w: product %d would drop to %d", ErrNegativeStock, product.ID, next)
			}
			if err := repo.SetProductStock(ctx, product.ID, next); err != nil {
				return nil, err
			}
			product.CurrentStock = next
		}
		products[product.ID] = product
		touched = append(touched, product.ID)
	}
	return touched, nil
}

func (e *reconciler) saveUnits(ctx context.Context, repo TxRepository, plan []units.Instance) error {
	for _, inst := range plan {
		if _, err := repo.SaveInstance(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}

func release(rule units.Rule, item TransactionItem, serials []string, insts map[units.Key]units.Instance) ([]units.Instance, error) {
	var out []units.Instance
	for _, sn := range serials {
		current := lookup(insts, item.ProductID, sn)
		if current == nil {
			continue
		}
		next, err := rule.Release(*current, item.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %w", ErrInvalidSerialState, item.ID, err)
		}
		out = append(out, next)
	}
	return out, nil
}

func lookup(insts map[units.Key]units.Instance, productID int64, serial string) *units.Instance {
	inst, ok := insts[units.Key{ProductID: productID, SerialNumber: serial}]
	if !ok {
		return nil
	}
	return &inst
}

func unchanged(current *units.Instance, next units.Instance) bool {
	if current == nil || current.Status != next.Status {
		return false
	}
	if current.Link == nil || next.Link == nil {
		return current.Link == nil && next.Link == nil
	}
	return *current.Link == *next.Link
}

func productIDs(items []TransactionItem) []int64 {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if !slices.Contains(ids, item.ProductID) {
			ids = append(ids, item.ProductID)
		}
	}
	slices.Sort(ids)
	return ids
}

func sortKeys(keys []units.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ProductID != keys[j].ProductID {
			return keys[i].ProductID < keys[j].ProductID
		}
		return keys[i].SerialNumber < keys[j].SerialNumber
	})
}

func duplicateSerials(serials []string) []string {
	seen := make(map[string]int, len(serials))
	var dups []string
	for _, sn := range serials {
		seen[sn]++
		if seen[sn] == 2 {
			dups = append(dups, sn)
		}
	}
	return dups
}

func uniqueSerials(serials []string) []string {
	seen := make(map[string]bool, len(serials))
	out := make([]string, 0, len(serials))
	for _, sn := range serials {
		if !seen[sn] {
			seen[sn] = true
			out = append(out, sn)
		}
	}
	return out
}

// difference returns the serials of a that are not in b.
func difference(a, b []string) []string {
	var out []string
	for _, sn := range a {
		if !slices.Contains(b, sn) {
			out = append(out, sn)
		}
	}
	return out
}
