package amortization

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

// LateFeePolicy configures late fee assessment. A zero Percent disables fees.
type LateFeePolicy struct {
	Percent   float64
	GraceDays int
}

// Totals aggregates a set of installments.
type Totals struct {
	Principal float64 `json:"principal"`
	Interest  float64 `json:"interest"`
	LateFees  float64 `json:"late_fees"`
	Total     float64 `json:"total"`
	Paid      float64 `json:"paid"`
	Pending   float64 `json:"pending"`
}

// BulkItemResult is the outcome for one installment of a bulk payment.
type BulkItemResult struct {
	InstallmentID uuid.UUID    `json:"installment_id"`
	Installment   *Installment `json:"installment,omitempty"`
	Err           error        `json:"-"`
	Error         string       `json:"error,omitempty"`
	Warning       string       `json:"warning,omitempty"`
}

// BulkResult reports every item of a bulk payment.
type BulkResult struct {
	Items     []BulkItemResult `json:"items"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

func (r *BulkResult) add(item BulkItemResult) {
	if item.Err != nil {
		item.Error = item.Err.Error()
		r.Failed++
	} else {
		r.Succeeded++
	}
	r.Items = append(r.Items, item)
}

// Ledger owns the installments of one amortization.
type Ledger struct {
	installments []Installment
	now          func() time.Time
}

// NewLedger wraps installments. The slice is copied.
func NewLedger(installments []Installment, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	cp := make([]Installment, len(installments))
	copy(cp, installments)
	return &Ledger{installments: cp, now: now}
}

// Installments returns a copy of the current installments.
func (l *Ledger) Installments() []Installment {
	cp := make([]Installment, len(l.installments))
	copy(cp, l.installments)
	return cp
}

// Find returns the installment with id.
func (l *Ledger) Find(id uuid.UUID) (Installment, error) {
	for _, inst := range l.installments {
		if inst.ID == id {
			return inst, nil
		}
	}
	return Installment{}, shared.NotFoundf("installment %s", id)
}

// ApplyPayment applies amount to installment id. The ledger is only mutated on success.
func (l *Ledger) ApplyPayment(id uuid.UUID, amount float64, date time.Time) (Installment, error) {
	for i, inst := range l.installments {
		if inst.ID != id {
			continue
		}
		updated, err := ApplyPayment(inst, amount, date, l.now())
		if err != nil {
			return Installment{}, err
		}
		l.installments[i] = updated
		return updated, nil
	}
	return Installment{}, shared.NotFoundf("installment %s", id)
}

// ApplyBulkPayment pays each id independently. An amount of zero pays the
// remaining balance of each installment. Failures never roll back other items.
func (l *Ledger) ApplyBulkPayment(ids []uuid.UUID, amountPerInstallment float64, date time.Time) BulkResult {
	var result BulkResult
	for _, id := range ids {
		amount := amountPerInstallment
		if amount == 0 {
			if inst, err := l.Find(id); err == nil {
				amount = inst.RemainingBalance
			}
		}
		updated, err := l.ApplyPayment(id, amount, date)
		item := BulkItemResult{InstallmentID: id, Err: err}
		if err == nil {
			item.Installment = &updated
		}
		result.add(item)
	}
	return result
}

// Refresh recomputes the derived fields of every installment.
func (l *Ledger) Refresh() {
	today := l.now()
	for i := range l.installments {
		l.installments[i] = Normalize(l.installments[i], today)
	}
}

// AssessLateFees applies policy to every installment and returns the changed ones.
func (l *Ledger) AssessLateFees(policy LateFeePolicy) []Installment {
	today := l.now()
	var changed []Installment
	for i, inst := range l.installments {
		updated, ok := AssessLateFee(inst, policy, today)
		if !ok {
			continue
		}
		l.installments[i] = updated
		changed = append(changed, updated)
	}
	return changed
}

// Totals aggregates the installments matching filter.
func (l *Ledger) Totals(filter InstallmentFilter) Totals {
	return ComputeAggregates(l.installments, filter, l.now())
}

// ApplyPayment returns a copy of inst with the payment applied.
func ApplyPayment(inst Installment, amount float64, date, today time.Time) (Installment, error) {
	if amount <= 0 {
		return Installment{}, shared.NewValidationError("amount", "must be greater than 0")
	}
	if date.IsZero() {
		date = today
	}
	if dateOnly(date).After(dateOnly(today)) {
		return Installment{}, shared.NewValidationError("payment_date", "cannot be in the future")
	}

	due := decimal.NewFromFloat(inst.Due())
	paid := decimal.NewFromFloat(inst.PaidAmount)
	pay := decimal.NewFromFloat(amount).Round(2)
	if pay.IsZero() {
		return Installment{}, shared.NewValidationError("amount", "must be at least 0.01")
	}
	newPaid := paid.Add(pay)
	if inst.Status == InstallmentPaid && newPaid.GreaterThan(due) {
		return Installment{}, shared.Conflictf("installment %d already paid", inst.InstallmentNumber)
	}
	if newPaid.GreaterThan(due) {
		return Installment{}, shared.Conflictf("payment %s exceeds remaining balance %s of installment %d",
			pay.StringFixed(2), due.Sub(paid).StringFixed(2), inst.InstallmentNumber)
	}

	inst.PaidAmount = newPaid.InexactFloat64()
	d := date
	inst.PaymentDate = &d
	return Normalize(inst, today), nil
}

// Normalize recomputes status, remaining balance and overdue flag from the amounts.
func Normalize(inst Installment, today time.Time) Installment {
	inst.Status = InstallmentStatusFor(inst.PaidAmount, inst.Due())
	remaining := decimal.NewFromFloat(inst.Due()).Sub(decimal.NewFromFloat(inst.PaidAmount)).Round(2)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	inst.RemainingBalance = remaining.InexactFloat64()
	inst.IsOverdue = inst.Status != InstallmentPaid && dateOnly(inst.DueDate).Before(dateOnly(today))
	return inst
}

// InstallmentStatusFor derives the status from the paid amount and the amount due.
func InstallmentStatusFor(paid, due float64) InstallmentStatus {
	p := decimal.NewFromFloat(paid).Round(2)
	switch {
	case p.LessThanOrEqual(decimal.Zero):
		return InstallmentPending
	case p.GreaterThanOrEqual(decimal.NewFromFloat(due).Round(2)):
		return InstallmentPaid
	default:
		return InstallmentPartial
	}
}

// AssessLateFee charges the policy fee once on an unpaid installment overdue
// past the grace period. It reports whether the installment changed.
func AssessLateFee(inst Installment, policy LateFeePolicy, today time.Time) (Installment, bool) {
	if policy.Percent <= 0 || inst.LateFee > 0 || inst.Status == InstallmentPaid {
		return inst, false
	}
	inst = Normalize(inst, today)
	if !inst.IsOverdue || inst.DaysOverdue(today) <= policy.GraceDays {
		return inst, false
	}
	fee := decimal.NewFromFloat(inst.Total()).
		Mul(decimal.NewFromFloat(policy.Percent)).
		Div(hundred).
		Round(2)
	if !fee.IsPositive() {
		return inst, false
	}
	inst.LateFee = fee.InexactFloat64()
	if inst.Notes == "" {
		inst.Notes = fmt.Sprintf("late fee %s%% assessed", decimal.NewFromFloat(policy.Percent).String())
	}
	return Normalize(inst, today), true
}

// ComputeAggregates sums the installments matching filter.
func ComputeAggregates(insts []Installment, filter InstallmentFilter, today time.Time) Totals {
	var principal, interest, fees, total, paid, pending decimal.Decimal
	for _, inst := range FilterInstallments(insts, filter, today) {
		principal = principal.Add(decimal.NewFromFloat(inst.PrincipalAmount))
		interest = interest.Add(decimal.NewFromFloat(inst.InterestAmount))
		fees = fees.Add(decimal.NewFromFloat(inst.LateFee))
		total = total.Add(decimal.NewFromFloat(inst.Total()))
		paid = paid.Add(decimal.NewFromFloat(inst.PaidAmount))
		pending = pending.Add(decimal.NewFromFloat(inst.RemainingBalance))
	}
	return Totals{
		Principal: principal.Round(2).InexactFloat64(),
		Interest:  interest.Round(2).InexactFloat64(),
		LateFees:  fees.Round(2).InexactFloat64(),
		Total:     total.Round(2).InexactFloat64(),
		Paid:      paid.Round(2).InexactFloat64(),
		Pending:   pending.Round(2).InexactFloat64(),
	}
}

// DeriveStatus computes the amortization status from its installments.
// Suspended is only changed through an explicit update.
func DeriveStatus(current Status, insts []Installment, today time.Time) Status {
	if current == StatusSuspended {
		return StatusSuspended
	}
	if len(insts) == 0 {
		return StatusActive
	}
	allPaid := true
	for _, inst := range insts {
		inst = Normalize(inst, today)
		if inst.Status != InstallmentPaid {
			allPaid = false
			if inst.IsOverdue {
				return StatusOverdue
			}
		}
	}
	if allPaid {
		return StatusCompleted
	}
	return StatusActive
}

// ApplySummary refreshes the derived totals and status of a from its installments.
func ApplySummary(a *Amortization, insts []Installment, today time.Time) {
	var paid, pending, interest decimal.Decimal
	paidCount := 0
	a.NextDueDate = nil
	a.InstallmentAmount = 0
	a.EndDate = time.Time{}
	for i, inst := range insts {
		inst = Normalize(inst, today)
		paid = paid.Add(decimal.NewFromFloat(inst.PaidAmount))
		pending = pending.Add(decimal.NewFromFloat(inst.RemainingBalance))
		interest = interest.Add(decimal.NewFromFloat(inst.InterestAmount))
		if inst.Status == InstallmentPaid {
			paidCount++
		} else if a.NextDueDate == nil || inst.DueDate.Before(*a.NextDueDate) {
			d := inst.DueDate
			a.NextDueDate = &d
		}
		if i == 0 {
			a.InstallmentAmount = inst.Total()
		}
		if inst.DueDate.After(a.EndDate) {
			a.EndDate = inst.DueDate
		}
	}
	a.PaidAmount = paid.Round(2).InexactFloat64()
	a.PendingAmount = pending.Round(2).InexactFloat64()
	a.TotalInterest = interest.Round(2).InexactFloat64()
	a.PaidInstallments = paidCount
	a.Status = DeriveStatus(a.Status, insts, today)
}

// HasPayments reports whether any installment received money.
func HasPayments(insts []Installment) bool {
	for _, inst := range insts {
		if inst.PaidAmount > 0 {
			return true
		}
	}
	return false
}

// Materialize turns schedule lines into pending installments of amortizationID.
func Materialize(amortizationID uuid.UUID, lines []ScheduleLine, now time.Time) []Installment {
	insts := make([]Installment, len(lines))
	for i, line := range lines {
		insts[i] = Normalize(Installment{
			ID:                uuid.New(),
			AmortizationID:    amortizationID,
			InstallmentNumber: line.Number,
			DueDate:           line.DueDate,
			PrincipalAmount:   line.Principal,
			InterestAmount:    line.Interest,
			BalanceAfter:      line.BalanceAfter,
			Status:            InstallmentPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		}, now)
	}
	return insts
}
