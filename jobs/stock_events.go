package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/stockroom-erp/stockroom/internal/inventory"
	jobmetrics "github.com/stockroom-erp/stockroom/internal/jobs"
)

// HandleStockReconciled enqueues evt for the worker. The correlation id doubles
// as the task id, so replays of the same transition collapse into one task.
func (c *Client) HandleStockReconciled(ctx context.Context, evt inventory.StockReconciledEvent) error {
	task, err := NewStockReconciledTask(evt)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.Queue(QueueDefault), asynq.MaxRetry(5)}
	if evt.CorrelationID != "" {
		opts = append(opts, asynq.TaskID(evt.CorrelationID))
	}
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		err = nil
	}
	c.metrics.ObserveEvent(TaskStockReconciled, err)
	return err
}

// StockEventJob consumes stock events and recounts the touched products.
type StockEventJob struct {
	Runner  IntegrityRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewStockEventJob initialises the stock event consumer.
func NewStockEventJob(runner IntegrityRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockEventJob {
	return &StockEventJob{Runner: runner, Logger: logger, Metrics: metrics}
}

// Handle verifies the products an event touched without repairing them.
func (j *StockEventJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Runner == nil {
		return errors.New("stock event: handler not configured")
	}
	var evt inventory.StockReconciledEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskStockReconciled)
	defer func() { err = tracker.End(err) }()

	logger := j.logger().With(
		slog.Int64("transaction_id", evt.TransactionID),
		slog.String("invoice_number", evt.InvoiceNumber),
		slog.String("correlation_id", evt.CorrelationID))
	logger.Info("stock reconciled",
		slog.String("from", string(evt.From)),
		slog.String("to", string(evt.To)),
		slog.Int("products", len(evt.ProductIDs)))
	if len(evt.ProductIDs) == 0 {
		return nil
	}

	report, err := j.Runner.VerifyStockIntegrity(ctx, inventory.IntegrityRequest{ProductIDs: evt.ProductIDs})
	if err != nil {
		return err
	}
	for _, d := range report.Drifts {
		logger.Warn("stock drift after transition",
			slog.Int64("product_id", d.ProductID),
			slog.Int("recorded", d.Recorded),
			slog.Int("counted", d.Counted))
	}
	j.Metrics.AddDrifts(len(report.Drifts))
	return nil
}

func (j *StockEventJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
