package perf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/odyssey-erp/odyssey-amortization/internal/amortization"
	jobmetrics "github.com/odyssey-erp/odyssey-amortization/internal/jobs"
	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
	"github.com/odyssey-erp/odyssey-amortization/jobs"
)

// storeRepo keeps amortizations in maps. Transactions apply in place.
type storeRepo struct {
	mu            sync.Mutex
	amortizations map[uuid.UUID]amortization.Amortization
	installments  map[uuid.UUID][]amortization.Installment
}

func newStoreRepo() *storeRepo {
	return &storeRepo{
		amortizations: make(map[uuid.UUID]amortization.Amortization),
		installments:  make(map[uuid.UUID][]amortization.Installment),
	}
}

func (r *storeRepo) WithTx(ctx context.Context, fn func(context.Context, amortization.TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, storeTx{r})
}

func (r *storeRepo) Get(ctx context.Context, id uuid.UUID) (amortization.Amortization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.amortizations[id]
	if !ok {
		return amortization.Amortization{}, shared.NotFoundf("amortization %s", id)
	}
	return a, nil
}

func (r *storeRepo) List(ctx context.Context, filter amortization.ListFilter) ([]amortization.Amortization, int, error) {
	out, err := r.ListByCompany(ctx, filter.CompanyID)
	return out, len(out), err
}

func (r *storeRepo) ListInstallments(ctx context.Context, amortizationID uuid.UUID) ([]amortization.Installment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]amortization.Installment(nil), r.installments[amortizationID]...), nil
}

func (r *storeRepo) GetInstallment(ctx context.Context, id uuid.UUID) (amortization.Installment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, insts := range r.installments {
		for _, inst := range insts {
			if inst.ID == id {
				return inst, nil
			}
		}
	}
	return amortization.Installment{}, shared.NotFoundf("installment %s", id)
}

func (r *storeRepo) ListByCompany(ctx context.Context, companyID string) ([]amortization.Amortization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []amortization.Amortization
	for _, a := range r.amortizations {
		if a.CompanyID == companyID && a.IsActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out, nil
}

func (r *storeRepo) ListInstallmentsByCompany(ctx context.Context, companyID string) ([]amortization.Installment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []amortization.Installment
	for id, a := range r.amortizations {
		if a.CompanyID == companyID && a.IsActive {
			out = append(out, r.installments[id]...)
		}
	}
	return out, nil
}

func (r *storeRepo) ListCompanies(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, a := range r.amortizations {
		if a.IsActive && !seen[a.CompanyID] {
			seen[a.CompanyID] = true
			out = append(out, a.CompanyID)
		}
	}
	sort.Strings(out)
	return out, nil
}

type storeTx struct{ r *storeRepo }

func (t storeTx) Insert(ctx context.Context, a amortization.Amortization) error {
	t.r.amortizations[a.ID] = a
	return nil
}

func (t storeTx) Update(ctx context.Context, a amortization.Amortization) error {
	if _, ok := t.r.amortizations[a.ID]; !ok {
		return shared.NotFoundf("amortization %s", a.ID)
	}
	t.r.amortizations[a.ID] = a
	return nil
}

func (t storeTx) Delete(ctx context.Context, id uuid.UUID) error {
	delete(t.r.amortizations, id)
	delete(t.r.installments, id)
	return nil
}

func (t storeTx) ReplaceInstallments(ctx context.Context, amortizationID uuid.UUID, insts []amortization.Installment) error {
	t.r.installments[amortizationID] = append([]amortization.Installment(nil), insts...)
	return nil
}

func (t storeTx) UpdateInstallment(ctx context.Context, inst amortization.Installment) error {
	insts := t.r.installments[inst.AmortizationID]
	for i := range insts {
		if insts[i].ID == inst.ID {
			insts[i] = inst
			return nil
		}
	}
	return shared.NotFoundf("installment %s", inst.ID)
}

// ledgerStub books documents after a short delay and rejects references
// starting with "REJ-".
type ledgerStub struct {
	mu      sync.Mutex
	nextDoc int
	latency time.Duration
}

func (l *ledgerStub) HandleAmortizationSynced(ctx context.Context, evt amortization.SyncEvent) (amortization.SyncResult, error) {
	time.Sleep(l.latency)
	if strings.HasPrefix(evt.Amortization.Reference, "REJ-") {
		return amortization.SyncResult{}, &shared.ExternalSystemError{Status: 400, Code: "BP_BLOCKED", Message: "business partner blocked"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextDoc++
	return amortization.SyncResult{DocRef: fmt.Sprintf("%d", l.nextDoc), DocType: "invoice"}, nil
}

func (l *ledgerStub) HandlePaymentRecorded(ctx context.Context, evt amortization.PaymentEvent) (amortization.PaymentPosting, error) {
	return amortization.PaymentPosting{PaymentRef: evt.Installment.ID.String()}, nil
}

type seeded struct {
	ids      []uuid.UUID
	rejected int
}

func seedCompany(t *testing.T, svc *amortization.Service, companyID string, count, rejected int) seeded {
	t.Helper()
	var out seeded
	for i := 0; i < count; i++ {
		ref := fmt.Sprintf("INV-%03d", i)
		if i < rejected {
			ref = fmt.Sprintf("REJ-%03d", i)
			out.rejected++
		}
		detail, err := svc.Create(context.Background(), amortization.CreateInput{
			CompanyID:         companyID,
			EntityID:          fmt.Sprintf("C%03d", i%7),
			EntityType:        amortization.EntityClient,
			Reference:         ref,
			TotalAmount:       1200 + float64(i)*37.5,
			TotalInstallments: 12,
			InterestRate:      18,
			Method:            amortization.MethodFrench,
			Frequency:         amortization.FrequencyMonthly,
			StartDate:         time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("seed %s/%s: %v", companyID, ref, err)
		}
		out.ids = append(out.ids, detail.Amortization.ID)
	}
	return out
}

func TestAmortizationJobThroughputAndReliability(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo := newStoreRepo()
	svc := amortization.NewService(repo, nil, nil, logger)
	svc.SetClock(func() time.Time { return time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC) })
	svc.SetIntegrationHandler(&ledgerStub{latency: 2 * time.Millisecond})
	svc.SetLateFeePolicy(amortization.LateFeePolicy{Percent: 2, GraceDays: 10})

	acme := seedCompany(t, svc, "ACME", 30, 2)
	globex := seedCompany(t, svc, "GLOBEX", 20, 1)
	initech := seedCompany(t, svc, "INITECH", 20, 1)

	syncJob := jobs.NewSyncJob(svc, logger, metrics)
	refreshJob := jobs.NewRefreshStatusesJob(svc, logger, metrics)

	// Single amortization syncs; rejected references fail the task.
	failedTasks := 0
	for _, id := range acme.ids {
		task, err := jobs.NewSyncAmortizationTask(id)
		if err != nil {
			t.Fatalf("build sync task: %v", err)
		}
		if err := syncJob.Handle(ctx, task); err != nil {
			failedTasks++
		}
	}
	if failedTasks != acme.rejected {
		t.Fatalf("expected %d failed sync tasks, got %d", acme.rejected, failedTasks)
	}

	// Company syncs report rejections per item and succeed as a whole.
	for _, company := range []string{"GLOBEX", "INITECH"} {
		task, err := jobs.NewSyncCompanyTask(company)
		if err != nil {
			t.Fatalf("build company sync task: %v", err)
		}
		if err := syncJob.Handle(ctx, task); err != nil {
			t.Fatalf("company sync %s: %v", company, err)
		}
	}

	// A second company sync finds nothing left to do.
	task, err := jobs.NewSyncCompanyTask("GLOBEX")
	if err != nil {
		t.Fatalf("build company sync task: %v", err)
	}
	if err := syncJob.Handle(ctx, task); err != nil {
		t.Fatalf("repeated company sync: %v", err)
	}

	// Deactivated amortizations drop out of the refresh.
	if err := svc.Delete(ctx, initech.ids[len(initech.ids)-1], false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	active := len(acme.ids) + len(globex.ids) + len(initech.ids) - 1

	refreshTask, err := jobs.NewRefreshStatusesTask("")
	if err != nil {
		t.Fatalf("build refresh task: %v", err)
	}
	if err := refreshJob.Handle(ctx, refreshTask); err != nil {
		t.Fatalf("refresh statuses: %v", err)
	}
	if err := refreshJob.Handle(ctx, refreshTask); err != nil {
		t.Fatalf("repeated refresh statuses: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	success := metricValue(t, families, "amortization_jobs_total", map[string]string{"job": jobs.TaskAmortizationSync, "status": "success"})
	failure := metricValue(t, families, "amortization_jobs_total", map[string]string{"job": jobs.TaskAmortizationSync, "status": "failure"})
	if int(failure) != acme.rejected {
		t.Fatalf("expected %d failed sync runs, got %f", acme.rejected, failure)
	}
	ratio := success / (success + failure)
	if ratio < 0.9 {
		t.Fatalf("sync success ratio too low: %f", ratio)
	}

	wantSynced := len(acme.ids) - acme.rejected + len(globex.ids) - globex.rejected + len(initech.ids) - initech.rejected
	synced := metricValue(t, families, "amortization_job_items_total", map[string]string{"job": jobs.TaskAmortizationSync, "outcome": "synced"})
	if int(synced) != wantSynced {
		t.Fatalf("expected %d synced amortizations, got %f", wantSynced, synced)
	}
	rejected := metricValue(t, families, "amortization_job_items_total", map[string]string{"job": jobs.TaskAmortizationSync, "outcome": "failed"})
	// the repeated GLOBEX sync retries its rejected amortization
	if int(rejected) != 2*globex.rejected+initech.rejected {
		t.Fatalf("unexpected rejected amortizations: %f", rejected)
	}

	updated := metricValue(t, families, "amortization_job_items_total", map[string]string{"job": jobs.TaskRefreshStatuses, "outcome": "updated"})
	if int(updated) != active {
		t.Fatalf("expected the first refresh to update %d amortizations, got %f", active, updated)
	}
	lateFees := metricValue(t, families, "amortization_job_items_total", map[string]string{"job": jobs.TaskRefreshStatuses, "outcome": "late_fee"})
	if int(lateFees) < active {
		t.Fatalf("expected at least one late fee per amortization, got %f", lateFees)
	}

	for _, id := range append(globex.ids[globex.rejected:], acme.ids[acme.rejected:]...) {
		detail, err := svc.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if detail.Amortization.ExternalDocRef == "" {
			t.Fatalf("amortization %s was not synced", detail.Amortization.Reference)
		}
	}

	refreshDuration := histogramMean(t, families, "amortization_job_duration_seconds", map[string]string{"job": jobs.TaskRefreshStatuses})
	if refreshDuration > 2.0 {
		t.Fatalf("status refresh duration above budget: %f", refreshDuration)
	}

	syncDuration := histogramMean(t, families, "amortization_job_duration_seconds", map[string]string{"job": jobs.TaskAmortizationSync})
	if syncDuration > 0.5 {
		t.Fatalf("sync duration above budget: %f", syncDuration)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if !hasLabels(metric, labels) {
				continue
			}
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				return metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				return metric.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if !hasLabels(metric, labels) {
				continue
			}
			hist := metric.GetHistogram()
			if hist.GetSampleCount() == 0 {
				t.Fatalf("histogram %s missing samples", name)
			}
			return hist.GetSampleSum() / float64(hist.GetSampleCount())
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range metric.GetLabel() {
		want, ok := labels[lp.GetName()]
		if !ok {
			continue
		}
		if lp.GetValue() != want {
			return false
		}
		matched++
	}
	return matched == len(labels)
}
