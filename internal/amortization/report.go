package amortization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
	"github.com/odyssey-erp/odyssey-amortization/internal/synccache"
)

// DefaultAgingBuckets are the upper bounds, in days overdue, of the aging report.
var DefaultAgingBuckets = []int{30, 60, 90, 120}

// RefreshResult reports a status refresh run.
type RefreshResult struct {
	Companies        int               `json:"companies"`
	Scanned          int               `json:"scanned"`
	Updated          int               `json:"updated"`
	LateFeesAssessed int               `json:"late_fees_assessed"`
	Skipped          int               `json:"skipped"`
	Failed           int               `json:"failed"`
	Errors           map[string]string `json:"errors,omitempty"`
}

func groupInstallments(insts []Installment) map[uuid.UUID][]Installment {
	out := make(map[uuid.UUID][]Installment)
	for _, inst := range insts {
		out[inst.AmortizationID] = append(out[inst.AmortizationID], inst)
	}
	return out
}

// BuildSummary aggregates the amortizations of a company as of today.
func BuildSummary(companyID string, amortizations []Amortization, insts []Installment, today time.Time) Summary {
	byAmortization := groupInstallments(insts)
	summary := Summary{CompanyID: companyID, TotalAmortizations: len(amortizations)}
	var total, paid, pending, overdue decimal.Decimal
	for _, a := range amortizations {
		children := byAmortization[a.ID]
		switch DeriveStatus(a.Status, children, today) {
		case StatusActive:
			summary.Active++
		case StatusCompleted:
			summary.Completed++
		case StatusOverdue:
			summary.Overdue++
		case StatusSuspended:
			summary.Suspended++
		}
		total = total.Add(decimal.NewFromFloat(a.TotalAmount))
		for _, inst := range children {
			inst = Normalize(inst, today)
			paid = paid.Add(decimal.NewFromFloat(inst.PaidAmount))
			pending = pending.Add(decimal.NewFromFloat(inst.RemainingBalance))
			if inst.IsOverdue {
				summary.OverdueInstallments++
				overdue = overdue.Add(decimal.NewFromFloat(inst.RemainingBalance))
			}
		}
	}
	summary.TotalAmount = total.Round(2).InexactFloat64()
	summary.PaidAmount = paid.Round(2).InexactFloat64()
	summary.PendingAmount = pending.Round(2).InexactFloat64()
	summary.OverdueAmount = overdue.Round(2).InexactFloat64()
	return summary
}

// BuildUpcoming lists unpaid installments due between today and today+daysAhead,
// earliest first. Suspended and completed amortizations are left out.
func BuildUpcoming(amortizations []Amortization, insts []Installment, today time.Time, daysAhead, limit int) []UpcomingDue {
	from := dateOnly(today)
	until := from.AddDate(0, 0, daysAhead)
	byID := make(map[uuid.UUID]Amortization, len(amortizations))
	for _, a := range amortizations {
		byID[a.ID] = a
	}
	out := []UpcomingDue{}
	for _, inst := range insts {
		a, ok := byID[inst.AmortizationID]
		if !ok || a.Status == StatusSuspended || a.Status == StatusCompleted {
			continue
		}
		inst = Normalize(inst, today)
		due := dateOnly(inst.DueDate)
		if inst.Status == InstallmentPaid || due.Before(from) || due.After(until) {
			continue
		}
		out = append(out, UpcomingDue{
			AmortizationID:    a.ID,
			Reference:         a.Reference,
			EntityID:          a.EntityID,
			InstallmentID:     inst.ID,
			InstallmentNumber: inst.InstallmentNumber,
			DueDate:           inst.DueDate,
			Amount:            inst.RemainingBalance,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].Reference < out[j].Reference
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// BuildAging spreads the outstanding balance of unpaid installments over buckets of
// days overdue. bounds are ascending upper limits; a "current" bucket holds what is
// not yet due and a final open bucket holds everything beyond the last bound.
func BuildAging(insts []Installment, today time.Time, bounds []int) []AgingBucket {
	buckets := make([]AgingBucket, 0, len(bounds)+2)
	buckets = append(buckets, AgingBucket{Label: "current"})
	lower := 1
	for _, upper := range bounds {
		buckets = append(buckets, AgingBucket{Label: fmt.Sprintf("%d-%d", lower, upper), From: lower, To: upper})
		lower = upper + 1
	}
	buckets = append(buckets, AgingBucket{Label: strconv.Itoa(lower-1) + "+", From: lower})

	amounts := make([]decimal.Decimal, len(buckets))
	for _, inst := range insts {
		inst = Normalize(inst, today)
		if inst.Status == InstallmentPaid || inst.RemainingBalance <= 0 {
			continue
		}
		idx := 0
		if days := inst.DaysOverdue(today); days > 0 {
			idx = len(buckets) - 1
			for i := 1; i < len(buckets)-1; i++ {
				if days <= buckets[i].To {
					idx = i
					break
				}
			}
		}
		buckets[idx].Count++
		amounts[idx] = amounts[idx].Add(decimal.NewFromFloat(inst.RemainingBalance))
	}
	for i := range buckets {
		buckets[i].Amount = amounts[i].Round(2).InexactFloat64()
	}
	return buckets
}

func validateBounds(bounds []int) error {
	prev := 0
	for _, b := range bounds {
		if b <= prev {
			return shared.NewValidationError("buckets", "must be positive and strictly ascending")
		}
		prev = b
	}
	return nil
}

func requireCompany(companyID string) error {
	if companyID == "" {
		return shared.NewValidationError("company_id", "required")
	}
	return nil
}

// Summary returns the dashboard aggregates of a company.
func (s *Service) Summary(ctx context.Context, companyID string) (Summary, error) {
	const op = "amortization.summary"
	if err := requireCompany(companyID); err != nil {
		return Summary{}, shared.WrapOp(op, companyID, err)
	}
	var summary Summary
	err := s.cache.Fetch(ctx, synccache.NewKey(companyID, "summary"), &summary, func(ctx context.Context) (any, error) {
		amortizations, err := s.repo.ListByCompany(ctx, companyID)
		if err != nil {
			return nil, err
		}
		insts, err := s.repo.ListInstallmentsByCompany(ctx, companyID)
		if err != nil {
			return nil, err
		}
		return BuildSummary(companyID, amortizations, insts, s.now()), nil
	})
	return summary, shared.WrapOp(op, companyID, err)
}

// UpcomingDues lists installments falling due within daysAhead days.
func (s *Service) UpcomingDues(ctx context.Context, companyID string, daysAhead, limit int) ([]UpcomingDue, error) {
	const op = "amortization.upcoming"
	if err := requireCompany(companyID); err != nil {
		return nil, shared.WrapOp(op, companyID, err)
	}
	if daysAhead <= 0 {
		daysAhead = 30
	}
	if limit <= 0 {
		limit = 50
	}
	var dues []UpcomingDue
	key := synccache.NewKey(companyID, "upcoming", strconv.Itoa(daysAhead), strconv.Itoa(limit))
	err := s.cache.Fetch(ctx, key, &dues, func(ctx context.Context) (any, error) {
		amortizations, err := s.repo.ListByCompany(ctx, companyID)
		if err != nil {
			return nil, err
		}
		insts, err := s.repo.ListInstallmentsByCompany(ctx, companyID)
		if err != nil {
			return nil, err
		}
		return BuildUpcoming(amortizations, insts, s.now(), daysAhead, limit), nil
	})
	return dues, shared.WrapOp(op, companyID, err)
}

// Aging returns the outstanding balance of a company by days overdue.
func (s *Service) Aging(ctx context.Context, companyID string, bounds []int) ([]AgingBucket, error) {
	const op = "amortization.aging"
	if err := requireCompany(companyID); err != nil {
		return nil, shared.WrapOp(op, companyID, err)
	}
	if len(bounds) == 0 {
		bounds = DefaultAgingBuckets
	}
	if err := validateBounds(bounds); err != nil {
		return nil, shared.WrapOp(op, companyID, err)
	}
	params := make([]string, len(bounds))
	for i, b := range bounds {
		params[i] = strconv.Itoa(b)
	}
	var buckets []AgingBucket
	err := s.cache.Fetch(ctx, synccache.NewKey(companyID, "aging", params...), &buckets, func(ctx context.Context) (any, error) {
		insts, err := s.repo.ListInstallmentsByCompany(ctx, companyID)
		if err != nil {
			return nil, err
		}
		return BuildAging(insts, s.now(), bounds), nil
	})
	return buckets, shared.WrapOp(op, companyID, err)
}

// RefreshStatuses recomputes overdue flags, assesses late fees and derives the
// status of every amortization of companyID, or of every company when empty.
func (s *Service) RefreshStatuses(ctx context.Context, companyID string) (RefreshResult, error) {
	const op = "amortization.refresh_statuses"
	companies := []string{companyID}
	if companyID == "" {
		err := s.cache.Call(ctx, op, func(ctx context.Context) error {
			var err error
			companies, err = s.repo.ListCompanies(ctx)
			return err
		})
		if err != nil {
			return RefreshResult{}, shared.WrapOp(op, "", err)
		}
	}

	var result RefreshResult
	for _, company := range companies {
		var amortizations []Amortization
		err := s.cache.Call(ctx, op, func(ctx context.Context) error {
			var err error
			amortizations, err = s.repo.ListByCompany(ctx, company)
			return err
		})
		if err != nil {
			return result, shared.WrapOp(op, company, err)
		}
		result.Companies++
		for _, a := range amortizations {
			if err := ctx.Err(); err != nil {
				return result, shared.WrapOp(op, company, err)
			}
			updated, fees, err := s.refreshOne(ctx, op, a.ID)
			switch {
			case errors.Is(err, shared.ErrNotFound), errors.Is(err, ErrInactive):
				// removed or deactivated since the company was listed
				result.Skipped++
				continue
			case err != nil:
				result.Failed++
				if result.Errors == nil {
					result.Errors = make(map[string]string)
				}
				result.Errors[a.Reference] = err.Error()
				s.logger.Warn("amortization refresh failed",
					slog.String("amortization_id", a.ID.String()),
					slog.String("company_id", company),
					slog.Any("error", err))
				continue
			}
			result.Scanned++
			result.LateFeesAssessed += fees
			if updated {
				result.Updated++
			}
		}
	}
	s.logger.Info("amortization statuses refreshed",
		slog.String("company_id", companyID),
		slog.Int("companies", result.Companies),
		slog.Int("scanned", result.Scanned),
		slog.Int("updated", result.Updated),
		slog.Int("late_fees", result.LateFeesAssessed),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed))
	return result, nil
}

func (s *Service) refreshOne(ctx context.Context, op string, id uuid.UUID) (bool, int, error) {
	var updated bool
	var fees int
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		a, insts, err := s.loadActive(ctx, op, id)
		if err != nil {
			return err
		}
		ledger := NewLedger(insts, s.now)
		ledger.Refresh()
		fees = len(ledger.AssessLateFees(s.lateFee))
		now := s.now()

		refreshed := ledger.Installments()
		var changed []Installment
		for i, inst := range refreshed {
			if installmentChanged(insts[i], inst) {
				inst.UpdatedAt = now
				changed = append(changed, inst)
			}
		}
		next := a
		ApplySummary(&next, refreshed, now)
		if len(changed) == 0 && !summaryChanged(a, next) {
			return nil
		}
		next.UpdatedAt = now
		if err := s.persist(ctx, op, next, changed); err != nil {
			return err
		}
		s.invalidate(ctx, next)
		updated = true
		return nil
	})
	return updated, fees, err
}

func installmentChanged(before, after Installment) bool {
	return before.IsOverdue != after.IsOverdue ||
		before.Status != after.Status ||
		before.LateFee != after.LateFee ||
		before.RemainingBalance != after.RemainingBalance ||
		before.Notes != after.Notes
}

func summaryChanged(before, after Amortization) bool {
	if before.Status != after.Status ||
		before.PaidAmount != after.PaidAmount ||
		before.PendingAmount != after.PendingAmount ||
		before.PaidInstallments != after.PaidInstallments {
		return true
	}
	switch {
	case before.NextDueDate == nil && after.NextDueDate == nil:
		return false
	case before.NextDueDate == nil || after.NextDueDate == nil:
		return true
	}
	return !before.NextDueDate.Equal(*after.NextDueDate)
}
