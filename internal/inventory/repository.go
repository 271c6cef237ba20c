package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockroom-erp/stockroom/internal/invoice"
	"github.com/stockroom-erp/stockroom/internal/platform/db"
	"github.com/stockroom-erp/stockroom/internal/shared"
	"github.com/stockroom-erp/stockroom/internal/txkind"
	"github.com/stockroom-erp/stockroom/internal/units"
)

// Constraint names mapped to domain errors.
const (
	constraintInvoiceNumber = "uq_transactions_invoice_number"
	constraintItemProduct   = "uq_transaction_items_product"
	constraintInstance      = "uq_product_instances_serial"
)

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	invoice.Lookup
	LockTransaction(ctx context.Context, id int64) (Transaction, error)
	InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id int64, status txkind.Status, actorID int64) error
	UpdateTransactionTotal(ctx context.Context, id int64, total decimal.Decimal, actorID int64) error
	DeleteTransaction(ctx context.Context, id int64) error
	ListItems(ctx context.Context, txID int64) ([]TransactionItem, error)
	GetItem(ctx context.Context, itemID int64) (TransactionItem, error)
	InsertItem(ctx context.Context, item TransactionItem) (TransactionItem, error)
	UpdateItem(ctx context.Context, item TransactionItem) error
	DeleteItem(ctx context.Context, itemID int64) error
	ReplaceItemSerials(ctx context.Context, itemID int64, serials []string) error
	LockProducts(ctx context.Context, ids []int64) (map[int64]Product, error)
	SetProductStock(ctx context.Context, productID int64, stock int) error
	CountUnits(ctx context.Context, productID int64, status units.Status) (int, error)
	LockInstances(ctx context.Context, keys []units.Key) (map[units.Key]units.Instance, error)
	SaveInstance(ctx context.Context, inst units.Instance) (units.Instance, error)
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository persists stock documents and units in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, db: pool}
}

// WithTx executes the callback inside a read-committed transaction. Rows read
// through the Lock* methods stay locked until commit.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTxIso(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &Repository{pool: r.pool, db: tx})
	})
}

const transactionColumns = `id, tx_type, status, COALESCE(party_kind, ''), COALESCE(party_id, 0), tx_date, invoice_number,
total_amount, notes, COALESCE(created_by, 0), COALESCE(updated_by, 0), created_at, updated_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t         Transaction
		partyKind string
		partyID   int64
	)
	err := row.Scan(&t.ID, &t.Type, &t.Status, &partyKind, &partyID, &t.Date, &t.InvoiceNumber,
		&t.TotalAmount, &t.Notes, &t.CreatedBy, &t.UpdatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Transaction{}, err
	}
	if partyKind != "" {
		t.Party = &PartyRef{Kind: txkind.PartyKind(partyKind), ID: partyID}
	}
	return t, nil
}

// GetTransaction loads a transaction with its items.
func (r *Repository) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=$1`, id))
	if err != nil {
		return Transaction{}, notFound(err, "transaction %d", id)
	}
	items, err := r.ListItems(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	t.Items = items
	return t, nil
}

// LockTransaction loads a transaction header and locks its row.
func (r *Repository) LockTransaction(ctx context.Context, id int64) (Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return Transaction{}, notFound(err, "transaction %d", id)
	}
	return t, nil
}

// ListTransactions returns headers matching filter and the total match count.
func (r *Repository) ListTransactions(ctx context.Context, filter ListFilter) ([]Transaction, int, error) {
	var (
		conditions []string
		args       []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filter.Type != "" {
		add("tx_type = $%d", string(filter.Type))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.From.IsZero() {
		add("tx_date >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("tx_date <= $%d", filter.To)
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM transactions "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, page.PerPage, page.Offset())
	query := fmt.Sprintf("SELECT %s FROM transactions %s ORDER BY tx_date DESC, id DESC LIMIT $%d OFFSET $%d",
		transactionColumns, where, len(args)-1, len(args))
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := []Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// InvoiceNumbersWithPrefix returns existing invoice numbers starting with prefix.
func (r *Repository) InvoiceNumbersWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT invoice_number FROM transactions WHERE invoice_number LIKE $1 || '%'`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var numbers []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

// InvoiceNumberExists reports whether number is taken.
func (r *Repository) InvoiceNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE invoice_number=$1)`, number).Scan(&exists)
	return exists, err
}

// InsertTransaction stores a transaction header.
func (r *Repository) InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	var partyKind, partyID interface{}
	if tx.Party != nil {
		partyKind, partyID = string(tx.Party.Kind), tx.Party.ID
	}
	err := r.db.QueryRow(ctx, `INSERT INTO transactions (tx_type, status, party_kind, party_id, tx_date, invoice_number, total_amount, notes, created_by, updated_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9,NOW(),NOW()) RETURNING id, created_at, updated_at`,
		string(tx.Type), string(tx.Status), partyKind, partyID, tx.Date, tx.InvoiceNumber, tx.TotalAmount, tx.Notes, nullInt(tx.CreatedBy)).
		Scan(&tx.ID, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return Transaction{}, mapConstraint(err)
	}
	tx.UpdatedBy = tx.CreatedBy
	return tx, nil
}

// UpdateTransactionStatus writes the lifecycle status.
func (r *Repository) UpdateTransactionStatus(ctx context.Context, id int64, status txkind.Status, actorID int64) error {
	return r.execOne(ctx, "transaction", id, `UPDATE transactions SET status=$2, updated_by=$3, updated_at=NOW() WHERE id=$1`, id, string(status), nullInt(actorID))
}

// UpdateTransactionTotal writes the resummed total amount.
func (r *Repository) UpdateTransactionTotal(ctx context.Context, id int64, total decimal.Decimal, actorID int64) error {
	return r.execOne(ctx, "transaction", id, `UPDATE transactions SET total_amount=$2, updated_by=$3, updated_at=NOW() WHERE id=$1`, id, total, nullInt(actorID))
}

// DeleteTransaction removes serial rows, items and the header.
func (r *Repository) DeleteTransaction(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM transaction_item_serials WHERE item_id IN (SELECT id FROM transaction_items WHERE transaction_id=$1)`, id); err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM transaction_items WHERE transaction_id=$1`, id); err != nil {
		return err
	}
	return r.execOne(ctx, "transaction", id, `DELETE FROM transactions WHERE id=$1`, id)
}

const itemColumns = `id, transaction_id, product_id, quantity, unit_price, line_total, COALESCE(direction, ''), created_at, updated_at`

func scanItem(row pgx.Row) (TransactionItem, error) {
	var item TransactionItem
	err := row.Scan(&item.ID, &item.TransactionID, &item.ProductID, &item.Quantity, &item.UnitPrice,
		&item.LineTotal, &item.Direction, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

// ListItems loads the items of a transaction with their serial sets.
func (r *Repository) ListItems(ctx context.Context, txID int64) ([]TransactionItem, error) {
	rows, err := r.db.Query(ctx, `SELECT `+itemColumns+` FROM transaction_items WHERE transaction_id=$1 ORDER BY id`, txID)
	if err != nil {
		return nil, err
	}
	items := []TransactionItem{}
	index := map[int64]int{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		item.Serials = []string{}
		index[item.ID] = len(items)
		items = append(items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return items, nil
	}

	serialRows, err := r.db.Query(ctx, `SELECT s.item_id, s.serial_number
FROM transaction_item_serials s JOIN transaction_items i ON i.id = s.item_id
WHERE i.transaction_id=$1 ORDER BY s.item_id, s.position`, txID)
	if err != nil {
		return nil, err
	}
	defer serialRows.Close()
	for serialRows.Next() {
		var (
			itemID int64
			serial string
		)
		if err := serialRows.Scan(&itemID, &serial); err != nil {
			return nil, err
		}
		if i, ok := index[itemID]; ok {
			items[i].Serials = append(items[i].Serials, serial)
		}
	}
	return items, serialRows.Err()
}

// GetItem loads one item with its serial set.
func (r *Repository) GetItem(ctx context.Context, itemID int64) (TransactionItem, error) {
	item, err := scanItem(r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM transaction_items WHERE id=$1`, itemID))
	if err != nil {
		return TransactionItem{}, notFound(err, "item %d", itemID)
	}
	rows, err := r.db.Query(ctx, `SELECT serial_number FROM transaction_item_serials WHERE item_id=$1 ORDER BY position`, itemID)
	if err != nil {
		return TransactionItem{}, err
	}
	defer rows.Close()
	item.Serials = []string{}
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return TransactionItem{}, err
		}
		item.Serials = append(item.Serials, serial)
	}
	return item, rows.Err()
}

// InsertItem stores a line item. Serials are written separately.
func (r *Repository) InsertItem(ctx context.Context, item TransactionItem) (TransactionItem, error) {
	err := r.db.QueryRow(ctx, `INSERT INTO transaction_items (transaction_id, product_id, quantity, unit_price, line_total, direction, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW()) RETURNING id, created_at, updated_at`,
		item.TransactionID, item.ProductID, item.Quantity, item.UnitPrice, item.LineTotal, nullString(string(item.Direction))).
		Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return TransactionItem{}, mapConstraint(err)
	}
	return item, nil
}

// UpdateItem rewrites quantity, price, total and direction of an item.
func (r *Repository) UpdateItem(ctx context.Context, item TransactionItem) error {
	return r.execOne(ctx, "item", item.ID, `UPDATE transaction_items SET quantity=$2, unit_price=$3, line_total=$4, direction=$5, updated_at=NOW() WHERE id=$1`,
		item.ID, item.Quantity, item.UnitPrice, item.LineTotal, nullString(string(item.Direction)))
}

// DeleteItem removes an item and its serial rows.
func (r *Repository) DeleteItem(ctx context.Context, itemID int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM transaction_item_serials WHERE item_id=$1`, itemID); err != nil {
		return err
	}
	return r.execOne(ctx, "item", itemID, `DELETE FROM transaction_items WHERE id=$1`, itemID)
}

// ReplaceItemSerials stores serials as the item's submitted set, keeping order.
func (r *Repository) ReplaceItemSerials(ctx context.Context, itemID int64, serials []string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM transaction_item_serials WHERE item_id=$1`, itemID); err != nil {
		return err
	}
	if len(serials) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `INSERT INTO transaction_item_serials (item_id, position, serial_number)
SELECT $1, t.ord, t.sn FROM unnest($2::text[]) WITH ORDINALITY AS t(sn, ord)`, itemID, serials)
	return mapConstraint(err)
}

// LockProducts locks product rows in id order.
func (r *Repository) LockProducts(ctx context.Context, ids []int64) (map[int64]Product, error) {
	out := make(map[int64]Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.Query(ctx, `SELECT id, sku, name, is_serialized, current_stock FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.IsSerialized, &p.CurrentStock); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("%w: product %d", ErrNotFound, id)
		}
	}
	return out, nil
}

// SetProductStock writes current_stock.
func (r *Repository) SetProductStock(ctx context.Context, productID int64, stock int) error {
	return r.execOne(ctx, "product", productID, `UPDATE products SET current_stock=$2, updated_at=NOW() WHERE id=$1`, productID, stock)
}

// CountUnits counts instances of a product in the given status.
func (r *Repository) CountUnits(ctx context.Context, productID int64, status units.Status) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM product_instances WHERE product_id=$1 AND status=$2`, productID, string(status)).Scan(&n)
	return n, err
}

const instanceColumns = `id, product_id, serial_number, status, link_role, link_item_id, has_prior,
prior_status, prior_link_role, prior_link_item_id, created_at, updated_at`

func scanInstance(row pgx.Row) (units.Instance, error) {
	var (
		inst                  units.Instance
		linkRole, priorStatus *string
		priorRole             *string
		linkItem, priorItem   *int64
		hasPrior              bool
	)
	err := row.Scan(&inst.ID, &inst.ProductID, &inst.SerialNumber, &inst.Status, &linkRole, &linkItem, &hasPrior,
		&priorStatus, &priorRole, &priorItem, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return units.Instance{}, err
	}
	inst.Link = toLink(linkRole, linkItem)
	if hasPrior {
		inst.Prior = &units.Snapshot{Link: toLink(priorRole, priorItem)}
		if priorStatus != nil {
			inst.Prior.Status = units.Status(*priorStatus)
		}
	}
	return inst, nil
}

// LockInstances locks the units behind keys in (product, serial) order. Keys
// without a unit are absent from the result.
func (r *Repository) LockInstances(ctx context.Context, keys []units.Key) (map[units.Key]units.Instance, error) {
	out := make(map[units.Key]units.Instance, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	productIDs := make([]int64, len(keys))
	serials := make([]string, len(keys))
	for i, k := range keys {
		productIDs[i], serials[i] = k.ProductID, k.SerialNumber
	}
	rows, err := r.db.Query(ctx, `SELECT `+instanceColumns+` FROM product_instances
WHERE (product_id, serial_number) IN (SELECT * FROM unnest($1::bigint[], $2::text[]))
ORDER BY product_id, serial_number FOR UPDATE`, productIDs, serials)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out[inst.Key()] = inst
	}
	return out, rows.Err()
}

// SaveInstance inserts a new unit or updates an existing one.
func (r *Repository) SaveInstance(ctx context.Context, inst units.Instance) (units.Instance, error) {
	linkRole, linkItem := fromLink(inst.Link)
	var (
		hasPrior             bool
		priorStatus          interface{}
		priorRole, priorItem interface{}
	)
	if inst.Prior != nil {
		hasPrior = true
		priorStatus = nullString(string(inst.Prior.Status))
		priorRole, priorItem = fromLink(inst.Prior.Link)
	}
	if inst.ID == 0 {
		err := r.db.QueryRow(ctx, `INSERT INTO product_instances (product_id, serial_number, status, link_role, link_item_id, has_prior, prior_status, prior_link_role, prior_link_item_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW()) RETURNING id, created_at, updated_at`,
			inst.ProductID, inst.SerialNumber, string(inst.Status), linkRole, linkItem, hasPrior, priorStatus, priorRole, priorItem).
			Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt)
		if err != nil {
			return units.Instance{}, mapConstraint(err)
		}
		return inst, nil
	}
	err := r.db.QueryRow(ctx, `UPDATE product_instances SET status=$2, link_role=$3, link_item_id=$4, has_prior=$5, prior_status=$6,
prior_link_role=$7, prior_link_item_id=$8, updated_at=NOW() WHERE id=$1 RETURNING updated_at`,
		inst.ID, string(inst.Status), linkRole, linkItem, hasPrior, priorStatus, priorRole, priorItem).Scan(&inst.UpdatedAt)
	if err != nil {
		return units.Instance{}, notFound(err, "unit %d", inst.ID)
	}
	return inst, nil
}

// GetStockLevel reads a product's stock and pending units.
func (r *Repository) GetStockLevel(ctx context.Context, productID int64) (StockLevel, error) {
	level := StockLevel{ProductID: productID}
	err := r.db.QueryRow(ctx, `SELECT p.sku, p.is_serialized, p.current_stock,
(SELECT COUNT(*) FROM product_instances i WHERE i.product_id = p.id AND i.status = $2)
FROM products p WHERE p.id=$1`, productID, string(units.StatusPendingStock)).
		Scan(&level.SKU, &level.IsSerialized, &level.CurrentStock, &level.PendingUnits)
	if err != nil {
		return StockLevel{}, notFound(err, "product %d", productID)
	}
	return level, nil
}

// SerializedProductIDs lists every serialized product.
func (r *Repository) SerializedProductIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM products WHERE is_serialized ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) execOne(ctx context.Context, entity string, id int64, sql string, args ...interface{}) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return mapConstraint(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %d", ErrNotFound, entity, id)
	}
	return nil
}

func mapConstraint(err error) error {
	if err == nil {
		return nil
	}
	name, ok := db.UniqueViolation(err)
	if !ok {
		if db.IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return err
	}
	switch name {
	case constraintInvoiceNumber:
		return errInvoiceNumberTaken
	case constraintItemProduct:
		return ErrDuplicateProductLine
	case constraintInstance:
		return fmt.Errorf("%w: %w", ErrInvalidSerialState, ErrConstraintViolation)
	default:
		return fmt.Errorf("%w: %s", ErrConstraintViolation, name)
	}
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}

func toLink(role *string, itemID *int64) *units.Link {
	if role == nil || itemID == nil {
		return nil
	}
	return &units.Link{Role: units.Role(*role), ItemID: *itemID}
}

func fromLink(link *units.Link) (interface{}, interface{}) {
	if link == nil {
		return nil, nil
	}
	return string(link.Role), link.ItemID
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
