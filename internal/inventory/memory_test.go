package inventory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockroom-erp/stockroom/internal/shared"
	"github.com/stockroom-erp/stockroom/internal/txkind"
	"github.com/stockroom-erp/stockroom/internal/units"
)

type memoryState struct {
	transactions map[int64]Transaction
	items        map[int64]TransactionItem
	products     map[int64]Product
	instances    map[units.Key]units.Instance
	nextTx       int64
	nextItem     int64
	nextInstance int64
}

func (s memoryState) clone() memoryState {
	out := s
	out.transactions = maps.Clone(s.transactions)
	out.items = make(map[int64]TransactionItem, len(s.items))
	for id, item := range s.items {
		item.Serials = slices.Clone(item.Serials)
		out.items[id] = item
	}
	out.products = maps.Clone(s.products)
	out.instances = maps.Clone(s.instances)
	return out
}

// memoryRepo serialises units of work with a mutex and restores a snapshot
// when fn fails.
type memoryRepo struct {
	mu    sync.Mutex
	state memoryState
	now   time.Time
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		state: memoryState{
			transactions: map[int64]Transaction{},
			items:        map[int64]TransactionItem{},
			products:     map[int64]Product{},
			instances:    map[units.Key]units.Instance{},
		},
		now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (r *memoryRepo) addProduct(p Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.products[p.ID] = p
}

func (r *memoryRepo) addInstance(productID int64, serial string, status units.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.nextInstance++
	inst := units.Instance{ID: r.state.nextInstance, ProductID: productID, SerialNumber: serial, Status: status}
	r.state.instances[inst.Key()] = inst
}

func (r *memoryRepo) product(id int64) Product {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.products[id]
}

func (r *memoryRepo) instance(productID int64, serial string) (units.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.state.instances[units.Key{ProductID: productID, SerialNumber: serial}]
	return inst, ok
}

func (r *memoryRepo) itemCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.items)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.state.clone()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.state = snapshot
		return err
	}
	return nil
}

func (r *memoryRepo) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{repo: r}
	t, err := tx.LockTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	t.Items, err = tx.ListItems(ctx, id)
	return t, err
}

func (r *memoryRepo) ListTransactions(ctx context.Context, filter ListFilter) ([]Transaction, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []Transaction
	for _, t := range r.state.transactions {
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && t.Date.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && t.Date.After(filter.To) {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	start := (filter.Page - 1) * filter.PerPage
	if start > len(matched) {
		start = len(matched)
	}
	end := min(start+filter.PerPage, len(matched))
	return append([]Transaction{}, matched[start:end]...), len(matched), nil
}

func (r *memoryRepo) GetStockLevel(ctx context.Context, productID int64) (StockLevel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.products[productID]
	if !ok {
		return StockLevel{}, fmt.Errorf("%w: product %d", ErrNotFound, productID)
	}
	pending := 0
	for _, inst := range r.state.instances {
		if inst.ProductID == productID && inst.Status == units.StatusPendingStock {
			pending++
		}
	}
	return StockLevel{ProductID: p.ID, SKU: p.SKU, IsSerialized: p.IsSerialized, CurrentStock: p.CurrentStock, PendingUnits: pending}, nil
}

func (r *memoryRepo) SerializedProductIDs(ctx context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, p := range r.state.products {
		if p.IsSerialized {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (tx *memoryTx) InvoiceNumbersWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	for _, t := range tx.repo.state.transactions {
		if strings.HasPrefix(t.InvoiceNumber, prefix) {
			out = append(out, t.InvoiceNumber)
		}
	}
	return out, nil
}

func (tx *memoryTx) InvoiceNumberExists(ctx context.Context, number string) (bool, error) {
	for _, t := range tx.repo.state.transactions {
		if t.InvoiceNumber == number {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) LockTransaction(ctx context.Context, id int64) (Transaction, error) {
	t, ok := tx.repo.state.transactions[id]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: transaction %d", ErrNotFound, id)
	}
	return t, nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	if ok, _ := tx.InvoiceNumberExists(ctx, t.InvoiceNumber); ok {
		return Transaction{}, errInvoiceNumberTaken
	}
	s := &tx.repo.state
	s.nextTx++
	t.ID = s.nextTx
	t.CreatedAt, t.UpdatedAt = tx.repo.now, tx.repo.now
	t.UpdatedBy = t.CreatedBy
	t.Items = nil
	s.transactions[t.ID] = t
	return t, nil
}

func (tx *memoryTx) UpdateTransactionStatus(ctx context.Context, id int64, status txkind.Status, actorID int64) error {
	t, err := tx.LockTransaction(ctx, id)
	if err != nil {
		return err
	}
	t.Status, t.UpdatedBy = status, actorID
	tx.repo.state.transactions[id] = t
	return nil
}

func (tx *memoryTx) UpdateTransactionTotal(ctx context.Context, id int64, total decimal.Decimal, actorID int64) error {
	t, err := tx.LockTransaction(ctx, id)
	if err != nil {
		return err
	}
	t.TotalAmount, t.UpdatedBy = total, actorID
	tx.repo.state.transactions[id] = t
	return nil
}

func (tx *memoryTx) DeleteTransaction(ctx context.Context, id int64) error {
	if _, err := tx.LockTransaction(ctx, id); err != nil {
		return err
	}
	for itemID, item := range tx.repo.state.items {
		if item.TransactionID == id {
			delete(tx.repo.state.items, itemID)
		}
	}
	delete(tx.repo.state.transactions, id)
	return nil
}

func (tx *memoryTx) ListItems(ctx context.Context, txID int64) ([]TransactionItem, error) {
	items := []TransactionItem{}
	for _, item := range tx.repo.state.items {
		if item.TransactionID == txID {
			item.Serials = slices.Clone(item.Serials)
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (tx *memoryTx) GetItem(ctx context.Context, itemID int64) (TransactionItem, error) {
	item, ok := tx.repo.state.items[itemID]
	if !ok {
		return TransactionItem{}, fmt.Errorf("%w: item %d", ErrNotFound, itemID)
	}
	item.Serials = slices.Clone(item.Serials)
	return item, nil
}

func (tx *memoryTx) InsertItem(ctx context.Context, item TransactionItem) (TransactionItem, error) {
	s := &tx.repo.state
	if _, ok := s.transactions[item.TransactionID]; !ok {
		return TransactionItem{}, fmt.Errorf("%w: transaction %d", ErrNotFound, item.TransactionID)
	}
	for _, other := range s.items {
		if other.TransactionID == item.TransactionID && other.ProductID == item.ProductID {
			return TransactionItem{}, ErrDuplicateProductLine
		}
	}
	s.nextItem++
	item.ID = s.nextItem
	item.Serials = []string{}
	item.CreatedAt, item.UpdatedAt = tx.repo.now, tx.repo.now
	s.items[item.ID] = item
	return item, nil
}

func (tx *memoryTx) UpdateItem(ctx context.Context, item TransactionItem) error {
	stored, err := tx.GetItem(ctx, item.ID)
	if err != nil {
		return err
	}
	stored.Quantity, stored.UnitPrice, stored.LineTotal, stored.Direction = item.Quantity, item.UnitPrice, item.LineTotal, item.Direction
	tx.repo.state.items[item.ID] = stored
	return nil
}

func (tx *memoryTx) DeleteItem(ctx context.Context, itemID int64) error {
	if _, err := tx.GetItem(ctx, itemID); err != nil {
		return err
	}
	delete(tx.repo.state.items, itemID)
	return nil
}

func (tx *memoryTx) ReplaceItemSerials(ctx context.Context, itemID int64, serials []string) error {
	item, err := tx.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if len(duplicateSerials(serials)) > 0 {
		return fmt.Errorf("%w: item serial", ErrConstraintViolation)
	}
	item.Serials = slices.Clone(serials)
	if item.Serials == nil {
		item.Serials = []string{}
	}
	tx.repo.state.items[itemID] = item
	return nil
}

func (tx *memoryTx) LockProducts(ctx context.Context, ids []int64) (map[int64]Product, error) {
	out := make(map[int64]Product, len(ids))
	for _, id := range ids {
		p, ok := tx.repo.state.products[id]
		if !ok {
			return nil, fmt.Errorf("%w: product %d", ErrNotFound, id)
		}
		out[id] = p
	}
	return out, nil
}

func (tx *memoryTx) SetProductStock(ctx context.Context, productID int64, stock int) error {
	p, ok := tx.repo.state.products[productID]
	if !ok {
		return fmt.Errorf("%w: product %d", ErrNotFound, productID)
	}
	p.CurrentStock = stock
	tx.repo.state.products[productID] = p
	return nil
}

func (tx *memoryTx) CountUnits(ctx context.Context, productID int64, status units.Status) (int, error) {
	n := 0
	for _, inst := range tx.repo.state.instances {
		if inst.ProductID == productID && inst.Status == status {
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) LockInstances(ctx context.Context, keys []units.Key) (map[units.Key]units.Instance, error) {
	out := make(map[units.Key]units.Instance, len(keys))
	for _, k := range keys {
		if inst, ok := tx.repo.state.instances[k]; ok {
			out[k] = inst
		}
	}
	return out, nil
}

func (tx *memoryTx) SaveInstance(ctx context.Context, inst units.Instance) (units.Instance, error) {
	s := &tx.repo.state
	if inst.ID == 0 {
		if _, exists := s.instances[inst.Key()]; exists {
			return units.Instance{}, fmt.Errorf("%w: %w", ErrInvalidSerialState, ErrConstraintViolation)
		}
		s.nextInstance++
		inst.ID = s.nextInstance
		inst.CreatedAt = tx.repo.now
	}
	inst.UpdatedAt = tx.repo.now
	s.instances[inst.Key()] = inst
	return inst, nil
}

type memoryAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, log.Action)
	return nil
}

func (a *memoryAudit) recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.actions)
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]bool{}
	}
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type recordingIntegration struct {
	mu     sync.Mutex
	events []StockReconciledEvent
}

func (r *recordingIntegration) HandleStockReconciled(ctx context.Context, evt StockReconciledEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}
