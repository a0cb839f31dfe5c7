package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-amortization/internal/amortization"
	jobmetrics "github.com/odyssey-erp/odyssey-amortization/internal/jobs"
)

// ImportService imports open documents from the accounting system.
type ImportService interface {
	ImportFromExternal(ctx context.Context, input amortization.ImportInput) (amortization.ImportResult, error)
}

// ImportJob handles TaskAmortizationImport. Re-runs are safe because the
// service skips documents it imported before.
type ImportJob struct {
	Service ImportService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewImportJob constructs the job handler.
func NewImportJob(service ImportService, logger *slog.Logger, metrics *jobmetrics.Metrics) *ImportJob {
	return &ImportJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes the import.
func (j *ImportJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("amortization import: dependencies not configured")
	}
	var payload ImportPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskAmortizationImport)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	result, err := j.Service.ImportFromExternal(ctx, payload.Input)
	if err != nil {
		resultErr = retryable(err)
		j.log().Error("import documents", slog.String("company_id", payload.Input.CompanyID), slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddItems(TaskAmortizationImport, jobmetrics.OutcomeCreated, result.Created)
	j.metrics().AddItems(TaskAmortizationImport, jobmetrics.OutcomeSkipped, result.Skipped)
	j.log().Info("documents imported",
		slog.String("company_id", result.CompanyID),
		slog.Int("partners", result.Partners),
		slog.Int("documents", len(result.Documents)),
		slog.Int("created", result.Created),
		slog.Int("skipped", result.Skipped))
	return resultErr
}

func (j *ImportJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ImportJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAmortizationImport))
	}
	return slog.Default().With(slog.String("job", TaskAmortizationImport))
}
