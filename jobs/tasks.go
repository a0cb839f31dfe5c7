package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-amortization/internal/amortization"
	jobmetrics "github.com/odyssey-erp/odyssey-amortization/internal/jobs"
	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAmortizationSync pushes amortizations to the accounting system.
	TaskAmortizationSync = "amortization:sync"
	// TaskRefreshStatuses recomputes overdue flags and late fees.
	TaskRefreshStatuses = "amortization:refresh-statuses"
	// TaskAmortizationImport imports open documents from the accounting system.
	TaskAmortizationImport = "amortization:import"
	// TaskIdempotencyCleanup prunes expired import idempotency keys.
	TaskIdempotencyCleanup = "amortization:idempotency-cleanup"
)

const defaultMaxRetry = 5

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// SyncPayload selects one amortization or every unsynced amortization of a company.
type SyncPayload struct {
	CompanyID      string `json:"company_id,omitempty"`
	AmortizationID string `json:"amortization_id,omitempty"`
}

// RefreshStatusesPayload limits the refresh to one company. Empty means all.
type RefreshStatusesPayload struct {
	CompanyID string `json:"company_id,omitempty"`
}

// ImportPayload carries the import request as received by the API.
type ImportPayload struct {
	Input amortization.ImportInput `json:"input"`
}

// NewSyncAmortizationTask creates a task syncing a single amortization.
func NewSyncAmortizationTask(id uuid.UUID) (*asynq.Task, error) {
	if id == uuid.Nil {
		return nil, errors.New("sync task: amortization id required")
	}
	return newTask(TaskAmortizationSync, SyncPayload{AmortizationID: id.String()})
}

// NewSyncCompanyTask creates a task syncing every unsynced amortization of companyID.
func NewSyncCompanyTask(companyID string) (*asynq.Task, error) {
	if companyID == "" {
		return nil, errors.New("sync task: company id required")
	}
	return newTask(TaskAmortizationSync, SyncPayload{CompanyID: companyID})
}

// NewRefreshStatusesTask creates the status refresh task.
func NewRefreshStatusesTask(companyID string) (*asynq.Task, error) {
	return newTask(TaskRefreshStatuses, RefreshStatusesPayload{CompanyID: companyID}, asynq.Timeout(30*time.Minute))
}

// NewImportTask creates a task importing open documents.
func NewImportTask(input amortization.ImportInput) (*asynq.Task, error) {
	if input.CompanyID == "" {
		return nil, errors.New("import task: company id required")
	}
	return newTask(TaskAmortizationImport, ImportPayload{Input: input}, asynq.Timeout(15*time.Minute))
}

// NewIdempotencyCleanupTask creates the idempotency key cleanup task.
func NewIdempotencyCleanupTask() (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, struct{}{})
}

func newTask(taskType string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.Queue(QueueDefault), asynq.MaxRetry(defaultMaxRetry)}, opts...)
	return asynq.NewTask(taskType, body, opts...), nil
}

// retryable keeps transient failures eligible for retry and marks everything
// else as final so asynq does not replay requests that cannot succeed.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	if shared.IsTransient(err) || shared.IsTimeout(err) {
		return err
	}
	return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
}
