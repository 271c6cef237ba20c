package inventory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("inventory: validation failed")
	// ErrNotFound indicates a missing transaction, item or product.
	ErrNotFound = errors.New("inventory: not found")
	// ErrTransactionCompleted is returned when deleting a completed transaction.
	ErrTransactionCompleted = errors.New("inventory: completed transactions cannot be deleted")
	// ErrItemsLocked is returned when editing items outside Draft, Pending or Confirmed.
	ErrItemsLocked = errors.New("inventory: items are locked in this status")
	// ErrInvalidTransition is returned for status moves the lifecycle graph forbids.
	ErrInvalidTransition = errors.New("inventory: invalid status transition")
	// ErrDuplicateProductLine is returned when a transaction already has a line for the product.
	ErrDuplicateProductLine = errors.New("inventory: product already has a line in this transaction")
	// ErrConstraintViolation wraps unique constraint failures not mapped elsewhere.
	ErrConstraintViolation = errors.New("inventory: constraint violation")
	// ErrNegativeStock triggered when movement would result negative qty.
	ErrNegativeStock = errors.New("inventory: negative stock not allowed")
	// ErrRepairInProgress is returned when another repairing integrity run holds the lock.
	ErrRepairInProgress = errors.New("inventory: stock repair already running")

	errInvoiceNumberTaken = fmt.Errorf("%w: invoice number taken", ErrConstraintViolation)
)

// Per-item serial issues carried by ValidationReport.
var (
	ErrSerialCountMismatch = errors.New("inventory: serial count does not match quantity")
	ErrDuplicateSerial     = errors.New("inventory: duplicate serial in item")
	ErrInvalidSerialState  = errors.New("inventory: invalid serial state")
	ErrSerialsNotAllowed   = errors.New("inventory: product is not serialized")
)

// ItemIssue is one problem found on a transaction item.
type ItemIssue struct {
	ItemID    int64    `json:"item_id"`
	ProductID int64    `json:"product_id"`
	Serials   []string `json:"serials,omitempty"`
	Err       error    `json:"-"`
	Message   string   `json:"message"`
}

// ValidationReport aggregates item issues found before any write happens.
// errors.Is matches any of the underlying issue errors.
type ValidationReport struct {
	issues map[int64][]ItemIssue
}

func newValidationReport() *ValidationReport {
	return &ValidationReport{issues: make(map[int64][]ItemIssue)}
}

func (r *ValidationReport) add(item TransactionItem, err error, serials ...string) {
	r.issues[item.ID] = append(r.issues[item.ID], ItemIssue{
		ItemID:    item.ID,
		ProductID: item.ProductID,
		Serials:   serials,
		Err:       err,
		Message:   err.Error(),
	})
}

func (r *ValidationReport) empty() bool {
	return r == nil || len(r.issues) == 0
}

// orNil returns r as an error only when it holds issues.
func (r *ValidationReport) orNil() error {
	if r.empty() {
		return nil
	}
	return r
}

// Issues returns the issues ordered by item id.
func (r *ValidationReport) Issues() []ItemIssue {
	if r == nil {
		return nil
	}
	ids := make([]int64, 0, len(r.issues))
	for id := range r.issues {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]ItemIssue, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.issues[id]...)
	}
	return out
}

// ItemIssues returns the issues recorded for one item.
func (r *ValidationReport) ItemIssues(itemID int64) []ItemIssue {
	if r == nil {
		return nil
	}
	return r.issues[itemID]
}

func (r *ValidationReport) Error() string {
	issues := r.Issues()
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, fmt.Sprintf("item %d: %s", issue.ItemID, issue.Message))
	}
	return "inventory: serial validation failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the issue errors to errors.Is and errors.As.
func (r *ValidationReport) Unwrap() []error {
	issues := r.Issues()
	errs := make([]error, 0, len(issues))
	for _, issue := range issues {
		errs = append(errs, issue.Err)
	}
	return errs
}
