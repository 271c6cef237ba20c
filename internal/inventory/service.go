package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/stockroom-erp/stockroom/internal/invoice"
	"github.com/stockroom-erp/stockroom/internal/platform/cache"
	"github.com/stockroom-erp/stockroom/internal/shared"
	"github.com/stockroom-erp/stockroom/internal/txkind"
	"github.com/stockroom-erp/stockroom/internal/units"
)

const (
	idempotencyModule    = "stockroom.transactions"
	defaultCreateRetries = 3
	integrityParallelism = 4
	maxPerPage           = 200
	repairLockKey        = "stock:integrity:repair"
	repairLockTTL        = 5 * time.Minute
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTransaction(ctx context.Context, id int64) (Transaction, error)
	ListTransactions(ctx context.Context, filter ListFilter) ([]Transaction, int, error)
	GetStockLevel(ctx context.Context, productID int64) (StockLevel, error)
	SerializedProductIDs(ctx context.Context) ([]int64, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards CreateTransaction against replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// RepairLocker serialises integrity repairs across processes.
type RepairLocker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Service coordinates stock transactions: their lines, status lifecycle and
// the unit and stock changes each status implies.
type Service struct {
	repo          RepositoryPort
	audit         AuditPort
	idempotency   IdempotencyPort
	cache         StockCachePort
	integration   IntegrationHandler
	engine        reconciler
	invoices      *invoice.Generator
	validate      *validator.Validate
	logger        *slog.Logger
	clock         func() time.Time
	createRetries int
	repairLock    RepairLocker
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
	InvoiceMaxAttempts int
	// CreateRetries bounds reruns of a create whose invoice number lost a race.
	CreateRetries int
	Clock         func() time.Time
	Logger        *slog.Logger
	// RepairLock, when set, keeps two repairing integrity runs from overlapping.
	RepairLock RepairLocker
}

// NewService builds Service. audit, idem, stock and integration may be nil.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, stock StockCachePort, cfg ServiceConfig, integration IntegrationHandler) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.CreateRetries
	if retries <= 0 {
		retries = defaultCreateRetries
	}
	return &Service{
		repo:          repo,
		audit:         audit,
		idempotency:   idem,
		cache:         stock,
		integration:   integration,
		engine:        reconciler{allowNegative: cfg.AllowNegativeStock},
		invoices:      invoice.NewGenerator(cfg.InvoiceMaxAttempts, clock),
		validate:      validator.New(),
		logger:        logger,
		clock:         clock,
		createRetries: retries,
		repairLock:    cfg.RepairLock,
	}
}

// CreateTransaction stores a new transaction with an invoice number and the
// draft's items. A draft may start in Draft or Pending.
func (s *Service) CreateTransaction(ctx context.Context, actorID int64, draft TransactionDraft) (Transaction, error) {
	if err := s.validateDraft(draft); err != nil {
		return Transaction{}, err
	}
	status := draft.Status
	if status == "" {
		status = txkind.StatusDraft
	}
	date := draft.Date
	if date.IsZero() {
		date = s.clock()
	}
	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)

	key := draft.IdempotencyKey
	if key != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			return Transaction{}, err
		}
	}

	var (
		created Transaction
		err     error
	)
	for attempt := 1; attempt <= s.createRetries; attempt++ {
		created, err = s.createOnce(ctx, actorID, draft, status, date)
		if !errors.Is(err, errInvoiceNumberTaken) {
			break
		}
		s.logger.Warn("invoice number collision, retrying create",
			slog.String("type", string(draft.Type)),
			slog.Int("attempt", attempt))
	}
	if errors.Is(err, errInvoiceNumberTaken) {
		err = fmt.Errorf("%w: %w", invoice.ErrNumberGenerationExhausted, err)
	}
	if err != nil {
		if key != "" && s.idempotency != nil {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Transaction{}, err
	}

	s.logger.Info("transaction created",
		slog.Int64("transaction_id", created.ID),
		slog.String("invoice_number", created.InvoiceNumber),
		slog.String("status", string(created.Status)))
	s.record(ctx, actorID, "transaction:create", created.ID, map[string]any{
		"type":           created.Type,
		"status":         created.Status,
		"invoice_number": created.InvoiceNumber,
		"items":          len(created.Items),
		"total_amount":   created.TotalAmount.String(),
	})
	return created, nil
}

func (s *Service) createOnce(ctx context.Context, actorID int64, draft TransactionDraft, status txkind.Status, date time.Time) (Transaction, error) {
	var out Transaction
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := s.invoices.Generate(ctx, tx, draft.Type, date)
		if err != nil {
			return err
		}
		header, err := tx.InsertTransaction(ctx, Transaction{
			Type:          draft.Type,
			Status:        txkind.StatusDraft,
			Party:         draft.Party,
			Date:          date,
			InvoiceNumber: number,
			TotalAmount:   decimal.Zero,
			Notes:         draft.Notes,
			CreatedBy:     actorID,
		})
		if err != nil {
			return err
		}

		ids := make([]int64, 0, len(draft.Items))
		for _, in := range draft.Items {
			ids = append(ids, in.ProductID)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		products, err := tx.LockProducts(ctx, ids)
		if err != nil {
			return err
		}
		items := make([]TransactionItem, 0, len(draft.Items))
		for _, in := range draft.Items {
			item, err := s.insertItem(ctx, tx, header, in, products[in.ProductID])
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		header.TotalAmount = SumLineTotals(items)
		if len(items) > 0 {
			if err := tx.UpdateTransactionTotal(ctx, header.ID, header.TotalAmount, actorID); err != nil {
				return err
			}
		}
		header.Items = items

		if status != txkind.StatusDraft {
			res, err := s.engine.applyTransition(ctx, tx, header, status, nil, actorID)
			if err != nil {
				return err
			}
			header = res.tx
		}
		out = header
		return nil
	})
	return out, err
}

// SetStatus moves a transaction through its lifecycle. serialsByItem replaces
// the serial set of the items it names before validation.
func (s *Service) SetStatus(ctx context.Context, actorID, txID int64, status txkind.Status, serialsByItem map[int64][]string) (Transaction, error) {
	if !status.IsValid() {
		return Transaction{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	for itemID, serials := range serialsByItem {
		for _, sn := range serials {
			if strings.TrimSpace(sn) == "" {
				return Transaction{}, fmt.Errorf("%w: item %d has an empty serial", ErrValidation, itemID)
			}
		}
	}

	var (
		res  transition
		from txkind.Status
	)
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.LockTransaction(ctx, txID)
		if err != nil {
			return err
		}
		from = t.Status
		res, err = s.engine.applyTransition(ctx, tx, t, status, serialsByItem, actorID)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	if from == status {
		return res.tx, nil
	}

	correlationID := uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("TX:%d:%s:%s", txID, from, status))).String()
	s.logger.Info("transaction status changed",
		slog.Int64("transaction_id", txID),
		slog.String("from", string(from)),
		slog.String("to", string(status)),
		slog.String("correlation_id", correlationID))
	s.record(ctx, actorID, "transaction:status", txID, map[string]any{
		"from":           from,
		"to":             status,
		"invoice_number": res.tx.InvoiceNumber,
		"correlation_id": correlationID,
		"products":       res.touched,
	})
	if len(res.touched) > 0 {
		s.afterStockMove(ctx, StockReconciledEvent{
			TransactionID: txID,
			InvoiceNumber: res.tx.InvoiceNumber,
			Type:          res.tx.Type,
			From:          from,
			To:            status,
			ProductIDs:    res.touched,
			CorrelationID: correlationID,
			At:            s.clock(),
		})
	}
	return res.tx, nil
}

// DeleteTransaction removes a transaction that never completed, or one that was
// cancelled after completion. Unit links to its items are dropped first.
func (s *Service) DeleteTransaction(ctx context.Context, actorID, txID int64) error {
	var deleted Transaction
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.LockTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if t.Status == txkind.StatusCompleted {
			return fmt.Errorf("%w: transaction %d", ErrTransactionCompleted, txID)
		}
		items, err := tx.ListItems(ctx, txID)
		if err != nil {
			return err
		}
		products, err := tx.LockProducts(ctx, productIDs(items))
		if err != nil {
			return err
		}
		insts, err := s.engine.lockUnits(ctx, tx, items, products, nil)
		if err != nil {
			return err
		}
		plan, err := s.engine.planUnlink(t, items, products, insts)
		if err != nil {
			return err
		}
		if err := s.engine.saveUnits(ctx, tx, plan); err != nil {
			return err
		}
		if err := tx.DeleteTransaction(ctx, txID); err != nil {
			return err
		}
		deleted = t
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("transaction deleted", slog.Int64("transaction_id", txID))
	s.record(ctx, actorID, "transaction:delete", txID, map[string]any{
		"invoice_number": deleted.InvoiceNumber,
		"status":         deleted.Status,
	})
	return nil
}

// GetTransaction loads a transaction with its items and serial sets.
func (s *Service) GetTransaction(ctx context.Context, txID int64) (Transaction, error) {
	return s.repo.GetTransaction(ctx, txID)
}

// ListTransactions returns one page of transaction headers.
func (s *Service) ListTransactions(ctx context.Context, filter ListFilter) (TransactionPage, error) {
	if filter.Type != "" && !filter.Type.IsValid() {
		return TransactionPage{}, fmt.Errorf("%w: unknown type %q", ErrValidation, filter.Type)
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return TransactionPage{}, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return TransactionPage{}, fmt.Errorf("%w: date range end before start", ErrValidation)
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PerPage <= 0 {
		filter.PerPage = 20
	}
	if filter.PerPage > maxPerPage {
		filter.PerPage = maxPerPage
	}
	rows, total, err := s.repo.ListTransactions(ctx, filter)
	if err != nil {
		return TransactionPage{}, err
	}
	return TransactionPage{
		Transactions: rows,
		Pagination:   shared.NewPagination(filter.Page, filter.PerPage, total),
	}, nil
}

// StockLevel reports a product's on-hand stock, served from cache when configured.
func (s *Service) StockLevel(ctx context.Context, productID int64) (StockLevel, error) {
	if productID <= 0 {
		return StockLevel{}, fmt.Errorf("%w: product id required", ErrValidation)
	}
	if s.cache == nil {
		return s.repo.GetStockLevel(ctx, productID)
	}
	return s.cache.StockLevel(ctx, productID, func(ctx context.Context) (StockLevel, error) {
		return s.repo.GetStockLevel(ctx, productID)
	})
}

// VerifyStockIntegrity compares the recorded stock of serialized products with
// their InStock unit count and optionally rewrites drifted values.
func (s *Service) VerifyStockIntegrity(ctx context.Context, req IntegrityRequest) (IntegrityReport, error) {
	if !req.Repair || s.repairLock == nil {
		return s.verifyStock(ctx, req)
	}
	var report IntegrityReport
	err := s.repairLock.WithLock(ctx, repairLockKey, repairLockTTL, func(ctx context.Context) error {
		var err error
		report, err = s.verifyStock(ctx, req)
		return err
	})
	if errors.Is(err, cache.ErrLockNotObtained) {
		return IntegrityReport{}, fmt.Errorf("%w: %w", ErrRepairInProgress, err)
	}
	return report, err
}

func (s *Service) verifyStock(ctx context.Context, req IntegrityRequest) (IntegrityReport, error) {
	ids := req.ProductIDs
	if len(ids) == 0 {
		var err error
		ids, err = s.repo.SerializedProductIDs(ctx)
		if err != nil {
			return IntegrityReport{}, err
		}
	}

	var mu sync.Mutex
	report := IntegrityReport{Drifts: []StockDrift{}, Repaired: req.Repair}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(integrityParallelism)
	for _, id := range ids {
		g.Go(func() error {
			return s.repo.WithTx(gctx, func(ctx context.Context, tx TxRepository) error {
				products, err := tx.LockProducts(ctx, []int64{id})
				if err != nil {
					return err
				}
				product := products[id]
				if !product.IsSerialized {
					return nil
				}
				counted, err := tx.CountUnits(ctx, id, units.StatusInStock)
				if err != nil {
					return err
				}
				mu.Lock()
				report.Checked++
				if counted != product.CurrentStock {
					report.Drifts = append(report.Drifts, StockDrift{ProductID: id, Recorded: product.CurrentStock, Counted: counted})
				}
				mu.Unlock()
				if counted != product.CurrentStock && req.Repair {
					return tx.SetProductStock(ctx, id, counted)
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return IntegrityReport{}, err
	}
	sort.Slice(report.Drifts, func(i, j int) bool { return report.Drifts[i].ProductID < report.Drifts[j].ProductID })

	if len(report.Drifts) > 0 {
		s.logger.Warn("stock drift detected",
			slog.Int("checked", report.Checked),
			slog.Int("drifted", len(report.Drifts)),
			slog.Bool("repaired", req.Repair))
		if req.Repair {
			s.invalidateStock(ctx)
		}
	}
	return report, nil
}

// stockWrites records whether a unit of work touched unit rows or stock
// counters.
type stockWrites struct {
	TxRepository
	dirty bool
}

func (w *stockWrites) SaveInstance(ctx context.Context, inst units.Instance) (units.Instance, error) {
	w.dirty = true
	return w.TxRepository.SaveInstance(ctx, inst)
}

func (w *stockWrites) SetProductStock(ctx context.Context, productID int64, stock int) error {
	w.dirty = true
	return w.TxRepository.SetProductStock(ctx, productID, stock)
}

// withTx runs fn in a transaction and drops cached stock levels once a commit
// changed units or stock.
func (s *Service) withTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	var dirty bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		w := &stockWrites{TxRepository: tx}
		err := fn(ctx, w)
		dirty = w.dirty
		return err
	})
	if err == nil && dirty {
		s.invalidateStock(ctx)
	}
	return err
}

func (s *Service) afterStockMove(ctx context.Context, evt StockReconciledEvent) {
	if s.integration == nil {
		return
	}
	if err := s.integration.HandleStockReconciled(ctx, evt); err != nil {
		s.logger.Warn("stock event handler failed",
			slog.Int64("transaction_id", evt.TransactionID),
			slog.String("correlation_id", evt.CorrelationID),
			slog.Any("error", err))
	}
}

func (s *Service) invalidateStock(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("stock cache invalidate", slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action string, txID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "transaction",
		EntityID: strconv.FormatInt(txID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, ", "))
}

func (s *Service) validateDraft(draft TransactionDraft) error {
	if err := s.validateStruct(draft); err != nil {
		return err
	}
	if !draft.Type.IsValid() {
		return fmt.Errorf("%w: unknown type %q", ErrValidation, draft.Type)
	}
	want := draft.Type.PartyKind()
	switch {
	case want == txkind.PartyNone && draft.Party != nil:
		return fmt.Errorf("%w: %s takes no party", ErrValidation, draft.Type)
	case want != txkind.PartyNone && (draft.Party == nil || draft.Party.Kind != want):
		return fmt.Errorf("%w: %s requires a %s", ErrValidation, draft.Type, strings.ToLower(string(want)))
	}
	seen := make(map[int64]bool, len(draft.Items))
	for _, in := range draft.Items {
		if err := validateItemFields(draft.Type, in.Quantity, in.UnitPrice, in.Direction); err != nil {
			return err
		}
		if seen[in.ProductID] {
			return fmt.Errorf("%w: product %d", ErrDuplicateProductLine, in.ProductID)
		}
		seen[in.ProductID] = true
	}
	return nil
}

func validateItemFields(typ txkind.Type, quantity int, price decimal.Decimal, dir txkind.Direction) error {
	switch {
	case quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	case price.IsNegative():
		return fmt.Errorf("%w: unit price must be >= 0", ErrValidation)
	case typ.NeedsDirection() && !dir.IsValid():
		return fmt.Errorf("%w: %s items require a direction", ErrValidation, typ)
	case !typ.NeedsDirection() && dir != txkind.NoDirection:
		return fmt.Errorf("%w: direction only applies to stock adjustments", ErrValidation)
	}
	return nil
}
