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

// IntegrityRunner is satisfied by *inventory.Service.
type IntegrityRunner interface {
	VerifyStockIntegrity(ctx context.Context, req inventory.IntegrityRequest) (inventory.IntegrityReport, error)
}

// StockIntegrityJob recounts serialized stock on a schedule or on demand.
type StockIntegrityJob struct {
	Runner  IntegrityRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewStockIntegrityJob initialises the integrity handler.
func NewStockIntegrityJob(runner IntegrityRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockIntegrityJob {
	return &StockIntegrityJob{Runner: runner, Logger: logger, Metrics: metrics}
}

// Handle executes one integrity run.
func (j *StockIntegrityJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Runner == nil {
		return errors.New("stock integrity: handler not configured")
	}
	var payload StockIntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskStockIntegrity)
	defer func() { err = tracker.End(err) }()

	logger := j.logger().With(slog.Bool("repair", payload.Repair), slog.Int("scoped_products", len(payload.ProductIDs)))
	report, err := j.Runner.VerifyStockIntegrity(ctx, inventory.IntegrityRequest{
		ProductIDs: payload.ProductIDs,
		Repair:     payload.Repair,
	})
	if err != nil {
		logger.Error("stock integrity failed", slog.Any("error", err))
		return err
	}
	for _, d := range report.Drifts {
		logger.Warn("stock drift detected",
			slog.Int64("product_id", d.ProductID),
			slog.Int("recorded", d.Recorded),
			slog.Int("counted", d.Counted))
	}
	j.Metrics.AddDrifts(len(report.Drifts))
	logger.Info("stock integrity completed",
		slog.Int("checked", report.Checked),
		slog.Int("drifts", len(report.Drifts)))
	return nil
}

func (j *StockIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
