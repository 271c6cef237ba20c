package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stockroom-erp/stockroom/internal/inventory"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockIntegrity recounts serialized stock against in-stock units.
	TaskStockIntegrity = "stock:integrity"
	// TaskStockReconciled carries a committed stock movement to consumers.
	TaskStockReconciled = "stock:reconciled"
	// TaskIdempotencyCleanup purges idempotency keys past retention.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// StockIntegrityPayload scopes an integrity run.
type StockIntegrityPayload struct {
	ProductIDs []int64 `json:"product_ids,omitempty"`
	Repair     bool    `json:"repair"`
}

// IdempotencyCleanupPayload sets how long keys are retained.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewStockIntegrityTask constructs an Asynq task for an integrity run.
func NewStockIntegrityTask(payload StockIntegrityPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// NewStockReconciledTask wraps a committed stock event.
func NewStockReconciledTask(evt inventory.StockReconciledEvent) (*asynq.Task, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockReconciled, body, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask constructs the retention sweep task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
