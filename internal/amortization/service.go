package amortization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
	"github.com/odyssey-erp/odyssey-amortization/internal/synccache"
)

// maxPageSize caps listing pages.
const maxPageSize = 100

// Detail is an amortization together with its installments.
type Detail struct {
	Amortization Amortization  `json:"amortization"`
	Installments []Installment `json:"installments"`
}

// InstallmentPage is a filtered and sorted view of the installments of one amortization.
type InstallmentPage struct {
	AmortizationID uuid.UUID     `json:"amortization_id"`
	Installments   []Installment `json:"installments"`
	Totals         Totals        `json:"totals"`
	Sort           SortState     `json:"sort"`
}

// PaymentResult is the outcome of a single payment.
type PaymentResult struct {
	Amortization Amortization    `json:"amortization"`
	Installment  Installment     `json:"installment"`
	Posting      *PaymentPosting `json:"posting,omitempty"`
}

// Service orchestrates amortization use cases.
type Service struct {
	repo        Repository
	cache       *synccache.Cache
	locker      shared.Locker
	directory   ExternalDirectory
	integration IntegrationHandler
	idempotency IdempotencyChecker
	lateFee     LateFeePolicy
	auditor     Auditor
	observer    EventObserver
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs the service. A nil cache uses an in-memory store and a
// nil locker serialises per amortization inside the process.
func NewService(repo Repository, cache *synccache.Cache, locker shared.Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = synccache.New(nil, synccache.Options{Logger: logger})
	}
	if locker == nil {
		locker = shared.NewKeyedMutex()
	}
	return &Service{
		repo:     repo,
		cache:    cache,
		locker:   locker,
		validate: newValidator(),
		logger:   logger,
		now:      time.Now,
	}
}

// SetIntegrationHandler injects the accounting integration hooks.
func (s *Service) SetIntegrationHandler(handler IntegrationHandler) {
	s.integration = handler
}

// SetDirectory injects the accounting system directory used by imports.
func (s *Service) SetDirectory(directory ExternalDirectory) {
	s.directory = directory
}

// SetIdempotencyStore injects the store guarding imports.
func (s *Service) SetIdempotencyStore(store IdempotencyChecker) {
	s.idempotency = store
}

// SetLateFeePolicy configures late fee assessment during status refreshes.
func (s *Service) SetLateFeePolicy(policy LateFeePolicy) {
	s.lateFee = policy
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		switch name {
		case "-":
			return ""
		case "":
			return fld.Name
		}
		return name
	})
	return v
}

func (s *Service) validateStruct(input any) error {
	err := s.validate.Struct(input)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &shared.ValidationError{}
	for _, fe := range verrs {
		msg := "failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out.Add(fe.Field(), msg)
	}
	return out
}

func (s *Service) withLock(ctx context.Context, id uuid.UUID, fn func(context.Context) error) error {
	unlock, err := s.locker.Lock(ctx, shared.AmortizationLockKey(id))
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

func (s *Service) load(ctx context.Context, op string, id uuid.UUID) (Amortization, []Installment, error) {
	var a Amortization
	var insts []Installment
	err := s.cache.Call(ctx, op, func(ctx context.Context) error {
		var err error
		a, err = s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		insts, err = s.repo.ListInstallments(ctx, id)
		return err
	})
	return a, insts, err
}

// loadActive is load for operations that change the amortization.
func (s *Service) loadActive(ctx context.Context, op string, id uuid.UUID) (Amortization, []Installment, error) {
	a, insts, err := s.load(ctx, op, id)
	if err == nil && !a.IsActive {
		err = ErrInactive
	}
	return a, insts, err
}

// persist stores a and the changed installments in one transaction.
func (s *Service) persist(ctx context.Context, op string, a Amortization, changed []Installment) error {
	return s.cache.Call(ctx, op, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := tx.Update(ctx, a); err != nil {
				return err
			}
			for _, inst := range changed {
				if err := tx.UpdateInstallment(ctx, inst); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// persistSchedule stores a together with a full set of installments.
func (s *Service) persistSchedule(ctx context.Context, op string, a Amortization, insts []Installment, insert bool) error {
	return s.cache.Call(ctx, op, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			if insert {
				err = tx.Insert(ctx, a)
			} else {
				err = tx.Update(ctx, a)
			}
			if err != nil {
				return err
			}
			return tx.ReplaceInstallments(ctx, a.ID, insts)
		})
	})
}

func (s *Service) invalidate(ctx context.Context, a Amortization) {
	for _, scope := range []string{a.CompanyID, a.ID.String()} {
		if err := s.cache.Invalidate(ctx, scope); err != nil {
			s.logger.Warn("cache invalidation failed", slog.String("scope", scope), slog.Any("error", err))
		}
	}
}

func (s *Service) present(a Amortization, insts []Installment) Detail {
	today := s.now()
	out := make([]Installment, len(insts))
	for i, inst := range insts {
		out[i] = Normalize(inst, today)
	}
	ApplySummary(&a, out, today)
	return Detail{Amortization: a, Installments: out}
}

// Create validates input, generates the schedule and stores the amortization
// with its installments.
func (s *Service) Create(ctx context.Context, input CreateInput) (Detail, error) {
	const op = "amortization.create"
	if err := s.validateStruct(input); err != nil {
		return Detail{}, shared.WrapOp(op, input.Reference, err)
	}
	now := s.now()
	a := Amortization{
		ID:                uuid.New(),
		CompanyID:         input.CompanyID,
		EntityID:          input.EntityID,
		EntityType:        input.EntityType,
		Reference:         strings.TrimSpace(input.Reference),
		Description:       input.Description,
		TotalAmount:       round2(input.TotalAmount),
		TotalInstallments: input.TotalInstallments,
		InterestRate:      input.InterestRate,
		Method:            input.Method,
		Frequency:         input.Frequency,
		StartDate:         dateOnly(input.StartDate),
		Status:            StatusActive,
		ExternalDocRef:    input.ExternalDocRef,
		ExternalDocType:   input.ExternalDocType,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	lines, err := Generate(a.Params())
	if err != nil {
		return Detail{}, shared.WrapOp(op, input.Reference, err)
	}
	insts := Materialize(a.ID, lines, now)
	ApplySummary(&a, insts, now)

	if err := s.persistSchedule(ctx, op, a, insts, true); err != nil {
		return Detail{}, shared.WrapOp(op, input.Reference, err)
	}
	s.invalidate(ctx, a)
	s.logger.Info("amortization created",
		slog.String("amortization_id", a.ID.String()),
		slog.String("company_id", a.CompanyID),
		slog.String("reference", a.Reference),
		slog.Int("installments", len(insts)))
	s.audit(ctx, AuditCreated, a, map[string]any{
		"reference":    a.Reference,
		"total_amount": a.TotalAmount,
		"installments": len(insts),
	})
	return Detail{Amortization: a, Installments: insts}, nil
}

// Get returns an amortization with its installments.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Detail, error) {
	detail, err := s.get(ctx, id)
	return detail, shared.WrapOp("amortization.get", id.String(), err)
}

func (s *Service) get(ctx context.Context, id uuid.UUID) (Detail, error) {
	var detail Detail
	key := synccache.NewKey(id.String(), "get")
	err := s.cache.Fetch(ctx, key, &detail, func(ctx context.Context) (any, error) {
		a, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		insts, err := s.repo.ListInstallments(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.present(a, insts), nil
	})
	return detail, err
}

// List returns a page of amortizations of one company.
func (s *Service) List(ctx context.Context, filter ListFilter) (ListResult, error) {
	const op = "amortization.list"
	if strings.TrimSpace(filter.CompanyID) == "" {
		return ListResult{}, shared.WrapOp(op, "", shared.NewValidationError("company_id", "required"))
	}
	page := shared.NewPagination(filter.Page, filter.PageSize, 0)
	filter.Page, filter.PageSize = page.Page, page.PerPage
	if filter.PageSize > maxPageSize {
		filter.PageSize = maxPageSize
	}

	var result ListResult
	key := synccache.NewKey(filter.CompanyID, "list",
		string(filter.EntityType), filter.EntityID, string(filter.Status), string(filter.Method),
		formatDate(filter.DateFrom), formatDate(filter.DateTo), strconv.FormatBool(filter.OverdueOnly),
		strconv.FormatBool(filter.IncludeInactive), filter.Search, strconv.Itoa(filter.Page), strconv.Itoa(filter.PageSize))
	err := s.cache.Fetch(ctx, key, &result, func(ctx context.Context) (any, error) {
		items, total, err := s.repo.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []Amortization{}
		}
		p := shared.NewPagination(filter.Page, filter.PageSize, total)
		return ListResult{Items: items, Page: p.Page, PageSize: p.PerPage, Total: p.Total, TotalPages: p.TotalPages}, nil
	})
	return result, shared.WrapOp(op, filter.CompanyID, err)
}

func sameSchedule(a, b ScheduleParams) bool {
	return a.TotalAmount == b.TotalAmount &&
		a.Installments == b.Installments &&
		a.AnnualRate == b.AnnualRate &&
		a.Method == b.Method &&
		a.Frequency == b.Frequency &&
		a.StartDate.Equal(b.StartDate)
}

// Update changes an amortization. Changing a financial field regenerates the
// installments, which requires overwrite once payments were recorded.
func (s *Service) Update(ctx context.Context, id uuid.UUID, input UpdateInput, overwrite bool) (Detail, error) {
	const op = "amortization.update"
	if err := s.validateStruct(input); err != nil {
		return Detail{}, shared.WrapOp(op, id.String(), err)
	}
	var detail Detail
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		a, insts, err := s.loadActive(ctx, op, id)
		if err != nil {
			return err
		}
		next := a
		if input.Reference != nil {
			next.Reference = strings.TrimSpace(*input.Reference)
			if next.Reference == "" {
				return shared.NewValidationError("reference", "must not be empty")
			}
		}
		if input.Description != nil {
			next.Description = *input.Description
		}
		if input.TotalAmount != nil {
			next.TotalAmount = round2(*input.TotalAmount)
		}
		if input.TotalInstallments != nil {
			next.TotalInstallments = *input.TotalInstallments
		}
		if input.InterestRate != nil {
			next.InterestRate = *input.InterestRate
		}
		if input.Method != nil {
			next.Method = *input.Method
		}
		if input.Frequency != nil {
			next.Frequency = *input.Frequency
		}
		if input.StartDate != nil {
			next.StartDate = dateOnly(*input.StartDate)
		}
		if input.Status != nil {
			switch *input.Status {
			case StatusSuspended:
				if a.Status == StatusCompleted {
					return shared.Conflictf("completed amortization %s cannot be suspended", id)
				}
				next.Status = StatusSuspended
			case StatusActive:
				if a.Status == StatusSuspended {
					next.Status = StatusActive
				}
			}
		}

		now := s.now()
		regenerate := !sameSchedule(a.Params(), next.Params())
		if regenerate {
			if HasPayments(insts) && !overwrite {
				return shared.Conflictf("amortization %s has recorded payments; overwrite is required to regenerate installments", id)
			}
			lines, err := Generate(next.Params())
			if err != nil {
				return err
			}
			insts = Materialize(next.ID, lines, now)
		}
		ApplySummary(&next, insts, now)
		next.UpdatedAt = now

		if regenerate {
			err = s.persistSchedule(ctx, op, next, insts, false)
		} else {
			err = s.persist(ctx, op, next, nil)
		}
		if err != nil {
			return err
		}
		s.invalidate(ctx, next)
		s.logger.Info("amortization updated",
			slog.String("amortization_id", id.String()),
			slog.Bool("installments_regenerated", regenerate))
		s.audit(ctx, AuditUpdated, next, map[string]any{
			"status":                   string(next.Status),
			"installments_regenerated": regenerate,
		})
		detail = s.present(next, insts)
		return nil
	})
	return detail, shared.WrapOp(op, id.String(), err)
}

// Delete deactivates an amortization. Deactivated amortizations keep their
// installments and reference but drop out of listings, syncs and refreshes.
// With force the amortization and its installments are removed.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, force bool) error {
	const op = "amortization.delete"
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		var a Amortization
		err := s.cache.Call(ctx, op, func(ctx context.Context) error {
			var err error
			a, err = s.repo.Get(ctx, id)
			return err
		})
		if err != nil {
			return err
		}
		if !force {
			return s.deactivate(ctx, op, a)
		}
		err = s.cache.Call(ctx, op, func(ctx context.Context) error {
			return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				return tx.Delete(ctx, id)
			})
		})
		if err != nil {
			return err
		}
		s.invalidate(ctx, a)
		s.logger.Info("amortization deleted", slog.String("amortization_id", id.String()), slog.String("company_id", a.CompanyID))
		s.audit(ctx, AuditDeleted, a, map[string]any{"reference": a.Reference})
		return nil
	})
	return shared.WrapOp(op, id.String(), err)
}

func (s *Service) deactivate(ctx context.Context, op string, a Amortization) error {
	if !a.IsActive {
		return nil
	}
	a.IsActive = false
	a.UpdatedAt = s.now()
	if err := s.persist(ctx, op, a, nil); err != nil {
		return err
	}
	s.invalidate(ctx, a)
	s.logger.Info("amortization deactivated", slog.String("amortization_id", a.ID.String()), slog.String("company_id", a.CompanyID))
	s.audit(ctx, AuditDeactivated, a, map[string]any{"reference": a.Reference})
	return nil
}

// RegenerateInstallments rebuilds the schedule from the stored parameters.
func (s *Service) RegenerateInstallments(ctx context.Context, id uuid.UUID, overwrite bool) (Detail, error) {
	const op = "amortization.regenerate"
	var detail Detail
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		a, insts, err := s.loadActive(ctx, op, id)
		if err != nil {
			return err
		}
		if HasPayments(insts) && !overwrite {
			return shared.Conflictf("amortization %s has recorded payments; overwrite is required to regenerate installments", id)
		}
		lines, err := Generate(a.Params())
		if err != nil {
			return err
		}
		now := s.now()
		insts = Materialize(a.ID, lines, now)
		ApplySummary(&a, insts, now)
		a.UpdatedAt = now
		if err := s.persistSchedule(ctx, op, a, insts, false); err != nil {
			return err
		}
		s.invalidate(ctx, a)
		s.audit(ctx, AuditRegenerated, a, map[string]any{"installments": len(insts), "overwrite": overwrite})
		detail = s.present(a, insts)
		return nil
	})
	return detail, shared.WrapOp(op, id.String(), err)
}

// GetInstallments filters and sorts the installments of an amortization and
// aggregates the filtered set.
func (s *Service) GetInstallments(ctx context.Context, id uuid.UUID, filter InstallmentFilter, sortState SortState) (InstallmentPage, error) {
	const op = "amortization.installments"
	if err := validateInstallmentQuery(filter, &sortState); err != nil {
		return InstallmentPage{}, shared.WrapOp(op, id.String(), err)
	}
	detail, err := s.get(ctx, id)
	if err != nil {
		return InstallmentPage{}, shared.WrapOp(op, id.String(), err)
	}
	today := s.now()
	items := FilterInstallments(detail.Installments, filter, today)
	if sortState.Field != "" {
		SortInstallments(items, sortState)
	}
	return InstallmentPage{
		AmortizationID: id,
		Installments:   items,
		Totals:         ComputeAggregates(detail.Installments, filter, today),
		Sort:           sortState,
	}, nil
}

func validateInstallmentQuery(filter InstallmentFilter, sortState *SortState) error {
	verr := &shared.ValidationError{}
	switch filter.View {
	case "", ViewAll, ViewPending, ViewOverdue, ViewUpcoming:
	default:
		verr.Add("view", fmt.Sprintf("unknown view %q", filter.View))
	}
	switch filter.Status {
	case "", InstallmentPending, InstallmentPartial, InstallmentPaid:
	default:
		verr.Add("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	if sortState.Field != "" && !ValidSortField(sortState.Field) {
		verr.Add("sort", fmt.Sprintf("unknown sort field %q", sortState.Field))
	}
	switch sortState.Direction {
	case "":
		sortState.Direction = Asc
	case Asc, Desc:
	default:
		verr.Add("direction", fmt.Sprintf("unknown direction %q", sortState.Direction))
	}
	return verr.OrNil()
}

func appendNote(existing, note string) string {
	note = strings.TrimSpace(note)
	switch {
	case note == "":
		return existing
	case existing == "":
		return note
	}
	return existing + "; " + note
}

// RecordPayment applies a payment to one installment. Nothing is stored when the
// payment is rejected. When CreateExternal is set the payment is posted to the
// accounting system after it was stored; a posting failure is reported as a
// *PostingError next to the recorded result.
func (s *Service) RecordPayment(ctx context.Context, input PaymentInput) (PaymentResult, error) {
	const op = "amortization.record_payment"
	if err := s.validateStruct(input); err != nil {
		return PaymentResult{}, shared.WrapOp(op, input.InstallmentID.String(), err)
	}
	var result PaymentResult
	var postErr error
	err := s.withLock(ctx, input.AmortizationID, func(ctx context.Context) error {
		a, insts, err := s.loadActive(ctx, op, input.AmortizationID)
		if err != nil {
			return err
		}
		ledger := NewLedger(insts, s.now)
		updated, err := ledger.ApplyPayment(input.InstallmentID, input.Amount, input.PaymentDate)
		if err != nil {
			return err
		}
		now := s.now()
		updated.Notes = appendNote(updated.Notes, input.Notes)
		updated.UpdatedAt = now
		ApplySummary(&a, ledger.Installments(), now)
		a.UpdatedAt = now

		if err := s.persist(ctx, op, a, []Installment{updated}); err != nil {
			return err
		}
		s.invalidate(ctx, a)
		s.logger.Info("payment recorded",
			slog.String("amortization_id", a.ID.String()),
			slog.String("installment_id", updated.ID.String()),
			slog.Float64("amount", input.Amount),
			slog.String("status", string(updated.Status)))
		s.audit(ctx, AuditPayment, a, map[string]any{
			"installment_id":     updated.ID.String(),
			"installment_number": updated.InstallmentNumber,
			"amount":             input.Amount,
			"status":             string(updated.Status),
		})
		result = PaymentResult{Amortization: a, Installment: updated}

		if input.CreateExternal {
			inst, posting, err := s.postPayment(ctx, op, a, updated, PaymentEvent{
				Amount:    input.Amount,
				Method:    input.PaymentMethod,
				Reference: input.ReferenceNumber,
				Notes:     input.Notes,
			})
			result.Installment = inst
			result.Posting = posting
			postErr = err
		}
		return nil
	})
	if err == nil {
		err = postErr
	}
	return result, shared.WrapOp(op, input.InstallmentID.String(), err)
}

// postPayment sends a recorded payment to the accounting system and stores the
// returned references on the installment. evt carries the payment details.
func (s *Service) postPayment(ctx context.Context, op string, a Amortization, inst Installment, evt PaymentEvent) (Installment, *PaymentPosting, error) {
	if s.integration == nil {
		return inst, nil, wrapPostingError(ErrIntegrationDisabled)
	}
	if !a.Synced() {
		return inst, nil, &PostingError{
			Err:     ErrNotSynced,
			Message: "Amortization is not synced to the accounting system; payment recorded but not posted",
		}
	}
	evt.Amortization = a
	evt.Installment = inst
	if inst.PaymentDate != nil {
		evt.PaymentDate = *inst.PaymentDate
	}
	var posting PaymentPosting
	err := s.cache.Call(ctx, op, func(ctx context.Context) error {
		var err error
		posting, err = s.integration.HandlePaymentRecorded(ctx, evt)
		return err
	})
	if err != nil {
		s.logger.Warn("payment posting failed",
			slog.String("amortization_id", a.ID.String()),
			slog.String("installment_id", inst.ID.String()),
			slog.Any("error", err))
		return inst, nil, wrapPostingError(err)
	}

	inst.ExternalPaymentRef = posting.PaymentRef
	if posting.JournalRef != "" {
		inst.ExternalJournalRef = posting.JournalRef
	}
	inst.UpdatedAt = s.now()
	err = s.cache.Call(ctx, op, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.UpdateInstallment(ctx, inst)
		})
	})
	if err != nil {
		return inst, &posting, &PostingError{
			Err:     err,
			Message: fmt.Sprintf("Payment posted as %s but the reference was not stored", posting.PaymentRef),
		}
	}
	s.invalidate(ctx, a)
	return inst, &posting, nil
}

// PayMultiple pays several installments. Installments are grouped by
// amortization and every group is processed under its lock. Each item is
// reported on its own; a failure never rolls back other items.
func (s *Service) PayMultiple(ctx context.Context, input BulkPaymentInput) (BulkResult, error) {
	const op = "amortization.pay_multiple"
	if err := s.validateStruct(input); err != nil {
		return BulkResult{}, shared.WrapOp(op, "", err)
	}

	items := make(map[uuid.UUID]BulkItemResult, len(input.InstallmentIDs))
	groups := make(map[uuid.UUID][]uuid.UUID)
	var order []uuid.UUID
	for _, instID := range input.InstallmentIDs {
		var inst Installment
		err := s.cache.Call(ctx, op, func(ctx context.Context) error {
			var err error
			inst, err = s.repo.GetInstallment(ctx, instID)
			return err
		})
		if err != nil {
			items[instID] = BulkItemResult{InstallmentID: instID, Err: err}
			continue
		}
		if _, ok := groups[inst.AmortizationID]; !ok {
			order = append(order, inst.AmortizationID)
		}
		groups[inst.AmortizationID] = append(groups[inst.AmortizationID], instID)
	}
	for _, amortizationID := range order {
		for _, item := range s.payGroup(ctx, op, amortizationID, groups[amortizationID], input) {
			items[item.InstallmentID] = item
		}
	}

	var result BulkResult
	for _, id := range input.InstallmentIDs {
		result.add(items[id])
	}
	s.logger.Info("bulk payment processed",
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed))
	return result, nil
}

func (s *Service) payGroup(ctx context.Context, op string, amortizationID uuid.UUID, ids []uuid.UUID, input BulkPaymentInput) []BulkItemResult {
	var items []BulkItemResult
	err := s.withLock(ctx, amortizationID, func(ctx context.Context) error {
		a, insts, err := s.loadActive(ctx, op, amortizationID)
		if err != nil {
			return err
		}
		previous := make(map[uuid.UUID]float64, len(insts))
		for _, inst := range insts {
			previous[inst.ID] = inst.PaidAmount
		}

		ledger := NewLedger(insts, s.now)
		res := ledger.ApplyBulkPayment(ids, input.AmountPerInstallment, input.PaymentDate)
		now := s.now()
		var paid []Installment
		for i := range res.Items {
			inst := res.Items[i].Installment
			if inst == nil {
				continue
			}
			inst.Notes = appendNote(inst.Notes, input.Notes)
			inst.UpdatedAt = now
			paid = append(paid, *inst)
		}
		items = res.Items
		if len(paid) == 0 {
			return nil
		}
		ApplySummary(&a, ledger.Installments(), now)
		a.UpdatedAt = now
		if err := s.persist(ctx, op, a, paid); err != nil {
			return err
		}
		s.invalidate(ctx, a)

		if !input.CreateExternal {
			return nil
		}
		for i := range items {
			inst := items[i].Installment
			if inst == nil {
				continue
			}
			updated, _, err := s.postPayment(ctx, op, a, *inst, PaymentEvent{
				Amount: round2(inst.PaidAmount - previous[inst.ID]),
				Notes:  input.Notes,
			})
			items[i].Installment = &updated
			if err != nil {
				items[i].Warning = err.Error()
			}
		}
		return nil
	})
	if err != nil {
		out := make([]BulkItemResult, len(ids))
		for i, id := range ids {
			out[i] = BulkItemResult{InstallmentID: id, Err: err}
		}
		return out
	}
	return items
}
