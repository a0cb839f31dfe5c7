package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-amortization/internal/amortization"
	jobmetrics "github.com/odyssey-erp/odyssey-amortization/internal/jobs"
)

// SyncService pushes amortizations to the accounting system.
type SyncService interface {
	SyncToExternal(ctx context.Context, id uuid.UUID) (amortization.SyncResult, error)
	SyncCompany(ctx context.Context, companyID string) (amortization.SyncBatchResult, error)
}

// SyncJob handles TaskAmortizationSync.
type SyncJob struct {
	Service SyncService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSyncJob constructs the job handler.
func NewSyncJob(service SyncService, logger *slog.Logger, metrics *jobmetrics.Metrics) *SyncJob {
	return &SyncJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes the sync job.
func (j *SyncJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("amortization sync: dependencies not configured")
	}
	var payload SyncPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskAmortizationSync)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	if payload.AmortizationID != "" {
		id, err := uuid.Parse(payload.AmortizationID)
		if err != nil {
			resultErr = fmt.Errorf("%w: invalid amortization id %q", asynq.SkipRetry, payload.AmortizationID)
			return resultErr
		}
		res, err := j.Service.SyncToExternal(ctx, id)
		if err != nil {
			resultErr = retryable(err)
			j.log().Error("sync amortization", slog.String("amortization_id", id.String()), slog.Any("error", err))
			return resultErr
		}
		if !res.AlreadySynced {
			j.metrics().AddItems(TaskAmortizationSync, jobmetrics.OutcomeSynced, 1)
		}
		j.log().Info("amortization synced", slog.String("amortization_id", id.String()), slog.String("doc_ref", res.DocRef))
		return resultErr
	}

	if payload.CompanyID == "" {
		resultErr = fmt.Errorf("%w: company id or amortization id required", asynq.SkipRetry)
		return resultErr
	}
	batch, err := j.Service.SyncCompany(ctx, payload.CompanyID)
	if err != nil {
		resultErr = retryable(err)
		j.log().Error("sync company", slog.String("company_id", payload.CompanyID), slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddItems(TaskAmortizationSync, jobmetrics.OutcomeSynced, batch.Synced)
	j.metrics().AddItems(TaskAmortizationSync, jobmetrics.OutcomeFailed, batch.Failed)
	for ref, msg := range batch.Errors {
		j.log().Warn("amortization not synced", slog.String("company_id", payload.CompanyID), slog.String("reference", ref), slog.String("error", msg))
	}
	j.log().Info("company synced",
		slog.String("company_id", payload.CompanyID),
		slog.Int("synced", batch.Synced),
		slog.Int("failed", batch.Failed),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *SyncJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SyncJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAmortizationSync))
	}
	return slog.Default().With(slog.String("job", TaskAmortizationSync))
}
