package amortization

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-amortization/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

// PreviewSessionHeader groups preview requests of one client. Within a session
// only the latest request is answered.
const PreviewSessionHeader = "X-Preview-Session"

// ActorHeader names the caller recorded in the audit trail.
const ActorHeader = "X-Actor"

// Enqueuer hands long running work to the background worker.
type Enqueuer interface {
	EnqueueSyncCompany(ctx context.Context, companyID string) (string, error)
	EnqueueImport(ctx context.Context, input ImportInput) (string, error)
}

// Handler manages amortization endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	enqueuer Enqueuer

	mu         sync.Mutex
	previewers map[string]*previewSession
}

type previewSession struct {
	previewer *Previewer
	inflight  int
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, previewers: make(map[string]*previewSession)}
}

// SetEnqueuer makes sync-all and import requests run in the background.
func (h *Handler) SetEnqueuer(enqueuer Enqueuer) {
	h.enqueuer = enqueuer
}

// MountRoutes registers amortization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(actorContext)
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Post("/preview", h.preview)
	r.Post("/payments/bulk", h.payMultiple)
	r.Post("/import", h.importExternal)
	r.Post("/sync-all", h.syncAll)
	r.Post("/refresh-statuses", h.refreshStatuses)

	r.Route("/reports", func(r chi.Router) {
		r.Get("/summary", h.summary)
		r.Get("/upcoming", h.upcoming)
		r.Get("/aging", h.aging)
	})

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Put("/", h.update)
		r.Delete("/", h.delete)
		r.Post("/regenerate", h.regenerate)
		r.Get("/installments", h.installments)
		r.Post("/payments", h.recordPayment)
		r.Post("/sync", h.sync)
		r.Get("/audit", h.auditTrail)
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, shared.ErrValidation) && !errors.Is(err, shared.ErrNotFound) &&
		!errors.Is(err, shared.ErrConflict) && !errors.Is(err, httpx.ErrBadRequest) {
		h.logger.Error("amortization request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func actorContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := r.Header.Get(ActorHeader); actor != "" {
			r = r.WithContext(shared.ContextWithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, shared.NewValidationError("id", "must be a UUID")
	}
	return id, nil
}

func queryDate(q map[string][]string, name string, verr *shared.ValidationError) time.Time {
	raw := strings.TrimSpace(first(q[name]))
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		verr.Add(name, "must be YYYY-MM-DD")
	}
	return t
}

func queryInt(q map[string][]string, name string, verr *shared.ValidationError) int {
	raw := strings.TrimSpace(first(q[name]))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		verr.Add(name, "must be an integer")
	}
	return n
}

func queryBool(q map[string][]string, name string, verr *shared.ValidationError) bool {
	raw := strings.TrimSpace(first(q[name]))
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		verr.Add(name, "must be a boolean")
	}
	return b
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	verr := &shared.ValidationError{}
	filter := ListFilter{
		CompanyID:   q.Get("company_id"),
		EntityType:  EntityType(q.Get("entity_type")),
		EntityID:    q.Get("entity_id"),
		Status:      Status(q.Get("status")),
		Method:      Method(q.Get("method")),
		DateFrom:    queryDate(q, "date_from", verr),
		DateTo:      queryDate(q, "date_to", verr),
		OverdueOnly: queryBool(q, "overdue_only", verr),
		Search:      q.Get("search"),
		Page:        queryInt(q, "page", verr),
		PageSize:    queryInt(q, "page_size", verr),

		IncludeInactive: queryBool(q, "include_inactive", verr),
	}
	if err := verr.OrNil(); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var input CreateInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	detail, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, detail)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	detail, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	verr := &shared.ValidationError{}
	overwrite := queryBool(r.URL.Query(), "overwrite_installments", verr)
	if err := verr.OrNil(); err != nil {
		h.fail(w, r, err)
		return
	}
	var input UpdateInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	detail, err := h.service.Update(r.Context(), id, input, overwrite)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	verr := &shared.ValidationError{}
	force := queryBool(r.URL.Query(), "force", verr)
	if err := verr.OrNil(); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.Delete(r.Context(), id, force); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) regenerate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	verr := &shared.ValidationError{}
	overwrite := queryBool(r.URL.Query(), "overwrite", verr)
	if err := verr.OrNil(); err != nil {
		h.fail(w, r, err)
		return
	}
	detail, err := h.service.RegenerateInstallments(r.Context(), id, overwrite)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) acquirePreviewer(session string) *Previewer {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.previewers[session]
	if !ok {
		entry = &previewSession{previewer: NewPreviewer(h.service.CalculatePreview)}
		h.previewers[session] = entry
	}
	entry.inflight++
	return entry.previewer
}

func (h *Handler) releasePreviewer(session string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.previewers[session]
	if !ok {
		return
	}
	entry.inflight--
	if entry.inflight <= 0 {
		delete(h.previewers, session)
	}
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	var params ScheduleParams
	if err := httpx.DecodeJSON(r, &params); err != nil {
		h.fail(w, r, err)
		return
	}
	var (
		preview Preview
		err     error
	)
	if session := r.Header.Get(PreviewSessionHeader); session != "" {
		previewer := h.acquirePreviewer(session)
		preview, err = previewer.Submit(r.Context(), params)
		h.releasePreviewer(session)
	} else {
		preview, err = h.service.CalculatePreview(r.Context(), params)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, preview)
}

func (h *Handler) installments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := InstallmentFilter{
		Status: InstallmentStatus(q.Get("status")),
		View:   View(q.Get("view")),
		Search: q.Get("search"),
	}
	sortState := SortState{Field: SortField(q.Get("sort")), Direction: Direction(q.Get("direction"))}
	page, err := h.service.GetInstallments(r.Context(), id, filter, sortState)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

type paymentResponse struct {
	PaymentResult
	Warning   string `json:"warning,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var input PaymentInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	if input.AmortizationID != uuid.Nil && input.AmortizationID != id {
		h.fail(w, r, shared.NewValidationError("amortization_id", "does not match the path"))
		return
	}
	input.AmortizationID = id
	result, err := h.service.RecordPayment(r.Context(), input)
	var postErr *PostingError
	switch {
	case err == nil:
		httpx.JSON(w, http.StatusCreated, paymentResponse{PaymentResult: result})
	case errors.As(err, &postErr):
		h.logger.Warn("payment recorded without external posting",
			slog.String("amortization_id", id.String()),
			slog.Any("error", err))
		httpx.JSON(w, http.StatusAccepted, paymentResponse{
			PaymentResult: result,
			Warning:       postErr.Message,
			Retryable:     postErr.Retryable,
		})
	default:
		h.fail(w, r, err)
	}
}

func (h *Handler) payMultiple(w http.ResponseWriter, r *http.Request) {
	var input BulkPaymentInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.service.PayMultiple(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Failed > 0 {
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.service.SyncToExternal(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.AlreadySynced {
		status = http.StatusOK
	}
	httpx.JSON(w, status, result)
}

type enqueuedResponse struct {
	TaskID string `json:"task_id"`
}

func (h *Handler) syncAll(w http.ResponseWriter, r *http.Request) {
	companyID := r.URL.Query().Get("company_id")
	if companyID == "" {
		h.fail(w, r, shared.NewValidationError("company_id", "required"))
		return
	}
	if h.enqueuer != nil {
		taskID, err := h.enqueuer.EnqueueSyncCompany(r.Context(), companyID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, enqueuedResponse{TaskID: taskID})
		return
	}
	result, err := h.service.SyncCompany(r.Context(), companyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) importExternal(w http.ResponseWriter, r *http.Request) {
	verr := &shared.ValidationError{}
	async := queryBool(r.URL.Query(), "async", verr)
	if err := verr.OrNil(); err != nil {
		h.fail(w, r, err)
		return
	}
	var input ImportInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, r, err)
		return
	}
	if async && h.enqueuer != nil {
		if err := h.service.validateStruct(input); err != nil {
			h.fail(w, r, err)
			return
		}
		taskID, err := h.enqueuer.EnqueueImport(r.Context(), input)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, enqueuedResponse{TaskID: taskID})
		return
	}
	result, err := h.service.ImportFromExternal(r.Context(), input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context(), r.URL.Query().Get("company_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) upcoming(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	verr := &shared.ValidationError{}
	days := queryInt(q, "days_ahead", verr)
	limit := queryInt(q, "limit", verr)
	if err := verr.OrNil(); err != nil {
		h.fail(w, r, err)
		return
	}
	dues, err := h.service.UpcomingDues(r.Context(), q.Get("company_id"), days, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dues)
}

func (h *Handler) aging(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var bounds []int
	if raw := strings.TrimSpace(q.Get("buckets")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				h.fail(w, r, shared.NewValidationError("buckets", "must be a comma separated list of days"))
				return
			}
			bounds = append(bounds, n)
		}
	}
	buckets, err := h.service.Aging(r.Context(), q.Get("company_id"), bounds)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, buckets)
}

func (h *Handler) refreshStatuses(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RefreshStatuses(r.Context(), r.URL.Query().Get("company_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	verr := &shared.ValidationError{}
	limit := queryInt(r.URL.Query(), "limit", verr)
	if err := verr.OrNil(); err != nil {
		h.fail(w, r, err)
		return
	}
	logs, err := h.service.AuditTrail(r.Context(), id, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"amortization_id": id, "entries": logs})
}
