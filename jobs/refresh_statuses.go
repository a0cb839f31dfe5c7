package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-amortization/internal/amortization"
	jobmetrics "github.com/odyssey-erp/odyssey-amortization/internal/jobs"
)

// StatusService recomputes installment and amortization statuses.
type StatusService interface {
	RefreshStatuses(ctx context.Context, companyID string) (amortization.RefreshResult, error)
}

// RefreshStatusesJob marks overdue installments and assesses late fees. It runs
// from the scheduler and can be enqueued on demand.
type RefreshStatusesJob struct {
	Service StatusService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewRefreshStatusesJob constructs the job handler.
func NewRefreshStatusesJob(service StatusService, logger *slog.Logger, metrics *jobmetrics.Metrics) *RefreshStatusesJob {
	return &RefreshStatusesJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the refresh.
func (j *RefreshStatusesJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("refresh statuses: dependencies not configured")
	}
	var payload RefreshStatusesPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskRefreshStatuses)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	result, err := j.Service.RefreshStatuses(ctx, payload.CompanyID)
	if err != nil {
		resultErr = retryable(err)
		j.log().Error("refresh statuses", slog.String("company_id", payload.CompanyID), slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddItems(TaskRefreshStatuses, jobmetrics.OutcomeUpdated, result.Updated)
	j.metrics().AddItems(TaskRefreshStatuses, jobmetrics.OutcomeLateFee, result.LateFeesAssessed)
	j.metrics().AddItems(TaskRefreshStatuses, jobmetrics.OutcomeSkipped, result.Skipped)
	j.metrics().AddItems(TaskRefreshStatuses, jobmetrics.OutcomeFailed, result.Failed)
	for ref, msg := range result.Errors {
		j.log().Warn("amortization not refreshed", slog.String("reference", ref), slog.String("error", msg))
	}
	j.log().Info("statuses refreshed",
		slog.Int("companies", result.Companies),
		slog.Int("scanned", result.Scanned),
		slog.Int("updated", result.Updated),
		slog.Int("late_fees", result.LateFeesAssessed),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", j.now().Sub(start)))
	return resultErr
}

func (j *RefreshStatusesJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *RefreshStatusesJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRefreshStatuses))
	}
	return slog.Default().With(slog.String("job", TaskRefreshStatuses))
}

func (j *RefreshStatusesJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *RefreshStatusesJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
