package amortization

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-amortization/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
	"github.com/odyssey-erp/odyssey-amortization/internal/synccache"
)

func newTestRouter(t *testing.T) (http.Handler, *Service) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := synccache.New(synccache.NewRedisStore(client), synccache.Options{Logger: logger})
	svc := NewService(newMemoryRepo(), cache, shared.NewRedisLocker(client, 10*time.Second), logger)
	svc.SetClock(fixedClock(serviceToday))

	r := chi.NewRouter()
	NewHandler(logger, svc).MountRoutes(r)
	return r, svc
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const createBody = `{
	"company_id": "ACME",
	"entity_id": "C001",
	"entity_type": "client",
	"reference": "INV-1",
	"total_amount": 300,
	"total_installments": 3,
	"interest_rate": 0,
	"method": "linear",
	"frequency": "monthly",
	"start_date": "2024-06-01T00:00:00Z"
}`

func TestHandlerCreateAndGet(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/", createBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created Detail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Len(t, created.Installments, 3)

	rec = doJSON(t, router, http.MethodGet, "/"+created.Amortization.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched Detail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	require.Equal(t, "INV-1", fetched.Amortization.Reference)

	rec = doJSON(t, router, http.MethodPost, "/", createBody)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerErrorStatuses(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/not-a-uuid", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/0b8e7a4c-1111-4a5b-9c2d-000000000001", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/", `{"company_id": "ACME", "colour": "red"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/", `{"company_id": "ACME"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Contains(t, problem.Errors, "reference")
	require.Contains(t, problem.Errors, "total_amount")

	rec = doJSON(t, router, http.MethodGet, "/", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandlerPaymentFlow(t *testing.T) {
	router, svc := newTestRouter(t)
	created, err := svc.Create(context.Background(), createInput("INV-1"))
	require.NoError(t, err)
	base := "/" + created.Amortization.ID.String()
	instID := created.Installments[0].ID.String()

	rec := doJSON(t, router, http.MethodPost, base+"/payments", `{"installment_id": "`+instID+`", "amount": 40}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var paid PaymentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paid))
	require.Equal(t, InstallmentPartial, paid.Installment.Status)

	rec = doJSON(t, router, http.MethodPost, base+"/payments", `{"installment_id": "`+instID+`", "amount": 500}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	svc.SetIntegrationHandler(&fakeIntegration{})
	rec = doJSON(t, router, http.MethodPost, base+"/payments", `{"installment_id": "`+instID+`", "amount": 10, "create_external_entry": true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body struct {
		PaymentResult
		Warning   string `json:"warning"`
		Retryable bool   `json:"retryable"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Warning)
	require.False(t, body.Retryable)
	require.Equal(t, 50.0, body.Installment.PaidAmount)

	rec = doJSON(t, router, http.MethodPost, base+"/sync", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, router, http.MethodPost, base+"/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, base+"/installments?view=pending&sort=due_date&direction=desc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page InstallmentPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, []int{3, 2}, numbers(page.Installments))
}

func TestHandlerBulkPaymentMultiStatus(t *testing.T) {
	router, svc := newTestRouter(t)
	created, err := svc.Create(context.Background(), createInput("INV-1"))
	require.NoError(t, err)

	body := `{"installment_ids": ["` + created.Installments[0].ID.String() + `", "0b8e7a4c-1111-4a5b-9c2d-000000000001"]}`
	rec := doJSON(t, router, http.MethodPost, "/payments/bulk", body)
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	var result BulkResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 1, result.Succeeded)
	require.Equal(t, 1, result.Failed)
	require.NotEmpty(t, result.Items[1].Error)

	body = `{"installment_ids": ["` + created.Installments[1].ID.String() + `"]}`
	rec = doJSON(t, router, http.MethodPost, "/payments/bulk", body)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerUpdateRequiresOverwrite(t *testing.T) {
	router, svc := newTestRouter(t)
	created, err := svc.Create(context.Background(), createInput("INV-1"))
	require.NoError(t, err)
	_, err = svc.RecordPayment(context.Background(), PaymentInput{
		AmortizationID: created.Amortization.ID,
		InstallmentID:  created.Installments[0].ID,
		Amount:         100,
	})
	require.NoError(t, err)
	base := "/" + created.Amortization.ID.String()

	rec := doJSON(t, router, http.MethodPut, base, `{"total_installments": 6}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodPut, base+"?overwrite_installments=true", `{"total_installments": 6}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPut, base+"?overwrite_installments=maybe", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

}

func TestHandlerDelete(t *testing.T) {
	router, svc := newTestRouter(t)
	created, err := svc.Create(context.Background(), createInput("INV-1"))
	require.NoError(t, err)
	base := "/" + created.Amortization.ID.String()

	rec := doJSON(t, router, http.MethodDelete, base+"?force=maybe", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, base, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, router, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail Detail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.False(t, detail.Amortization.IsActive)

	rec = doJSON(t, router, http.MethodGet, "/?company_id=ACME", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Zero(t, list.Total)
	rec = doJSON(t, router, http.MethodGet, "/?company_id=ACME&include_inactive=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)

	rec = doJSON(t, router, http.MethodPut, base, `{"description": "again"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, base+"?force=true", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, router, http.MethodGet, base, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerPreview(t *testing.T) {
	router, _ := newTestRouter(t)
	body := `{"total_amount": 1200, "total_installments": 12, "interest_rate": 0, "method": "french", "frequency": "monthly", "start_date": "2024-01-01T00:00:00Z"}`

	rec := doJSON(t, router, http.MethodPost, "/preview", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var preview Preview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &preview))
	require.Len(t, preview.Lines, 12)
	require.Equal(t, 100.0, preview.Summary.InstallmentAmount)

	req := httptest.NewRequest(http.MethodPost, "/preview", strings.NewReader(body))
	req.Header.Set(PreviewSessionHeader, "tab-1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/preview", `{"total_amount": 1200, "total_installments": 12, "method": "german", "frequency": "monthly", "start_date": "2024-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandlerReports(t *testing.T) {
	router, svc := newTestRouter(t)
	_, err := svc.Create(context.Background(), createInput("INV-1"))
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/reports/summary?company_id=ACME", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, 1, summary.TotalAmortizations)

	rec = doJSON(t, router, http.MethodGet, "/reports/upcoming?company_id=ACME&days_ahead=20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var dues []UpcomingDue
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dues))
	require.Len(t, dues, 1)

	rec = doJSON(t, router, http.MethodGet, "/reports/aging?company_id=ACME&buckets=30,x", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/reports/aging?company_id=ACME&buckets=60,30", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/reports/summary", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/refresh-statuses?company_id=ACME", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerImportWithoutIntegration(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/import", `{"company_id": "ACME", "entity_type": "client"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

type stubEnqueuer struct {
	companies []string
	imports   []ImportInput
}

func (s *stubEnqueuer) EnqueueSyncCompany(ctx context.Context, companyID string) (string, error) {
	s.companies = append(s.companies, companyID)
	return "task-sync", nil
}

func (s *stubEnqueuer) EnqueueImport(ctx context.Context, input ImportInput) (string, error) {
	s.imports = append(s.imports, input)
	return "task-import", nil
}

func TestHandlerSyncAllAndAsyncImport(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(newMemoryRepo(), nil, nil, logger)
	svc.SetClock(fixedClock(serviceToday))
	_, err := svc.Create(context.Background(), createInput("INV-1"))
	require.NoError(t, err)
	handler := NewHandler(logger, svc)
	router := chi.NewRouter()
	handler.MountRoutes(router)

	rec := doJSON(t, router, http.MethodPost, "/sync-all?company_id=ACME", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)

	svc.SetIntegrationHandler(&fakeIntegration{})
	rec = doJSON(t, router, http.MethodPost, "/sync-all?company_id=ACME", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var batch SyncBatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	require.Equal(t, 1, batch.Synced)

	enqueuer := &stubEnqueuer{}
	handler.SetEnqueuer(enqueuer)
	rec = doJSON(t, router, http.MethodPost, "/sync-all?company_id=ACME", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"ACME"}, enqueuer.companies)

	rec = doJSON(t, router, http.MethodPost, "/import?async=true", `{"company_id": "ACME", "entity_type": "client", "auto_create": true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, enqueuer.imports, 1)
	require.True(t, enqueuer.imports[0].AutoCreate)

	rec = doJSON(t, router, http.MethodPost, "/import?async=true", `{"company_id": "ACME", "entity_type": "partner"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Len(t, enqueuer.imports, 1)
}
