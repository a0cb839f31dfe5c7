package amortization

import (
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// View selects a predefined subset of installments.
type View string

const (
	ViewAll      View = "all"
	ViewPending  View = "pending"
	ViewOverdue  View = "overdue"
	ViewUpcoming View = "upcoming"
)

// upcomingLimit is the number of pending installments shown by ViewUpcoming.
const upcomingLimit = 5

// InstallmentFilter narrows installments for display and aggregation.
type InstallmentFilter struct {
	Status InstallmentStatus `json:"status,omitempty"`
	View   View              `json:"view,omitempty"`
	Search string            `json:"search,omitempty"`
}

// SortField names a sortable installment column.
type SortField string

const (
	SortInstallmentNumber SortField = "installment_number"
	SortDueDate           SortField = "due_date"
	SortPaymentDate       SortField = "payment_date"
	SortPrincipal         SortField = "principal_amount"
	SortInterest          SortField = "interest_amount"
	SortTotal             SortField = "total_amount"
	SortPaid              SortField = "paid_amount"
	SortRemaining         SortField = "remaining_balance"
	SortLateFee           SortField = "late_fee"
	SortStatus            SortField = "status"
)

// Direction orders a sort.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// SortState is the current sort column and direction.
type SortState struct {
	Field     SortField `json:"field"`
	Direction Direction `json:"direction"`
}

// Toggle flips the direction when field is already the sort column, otherwise
// sorts ascending by field.
func (s SortState) Toggle(field SortField) SortState {
	if s.Field == field {
		if s.Direction == Asc {
			return SortState{Field: field, Direction: Desc}
		}
		return SortState{Field: field, Direction: Asc}
	}
	return SortState{Field: field, Direction: Asc}
}

// ValidSortField reports whether f is sortable.
func ValidSortField(f SortField) bool {
	_, ok := sortKeys[f]
	return ok
}

var sortKeys = map[SortField]func(a, b Installment) int{
	SortInstallmentNumber: func(a, b Installment) int { return compareInt(a.InstallmentNumber, b.InstallmentNumber) },
	SortDueDate:           func(a, b Installment) int { return compareTime(a.DueDate, b.DueDate) },
	SortPaymentDate:       func(a, b Installment) int { return compareTime(derefTime(a.PaymentDate), derefTime(b.PaymentDate)) },
	SortPrincipal:         func(a, b Installment) int { return compareFloat(a.PrincipalAmount, b.PrincipalAmount) },
	SortInterest:          func(a, b Installment) int { return compareFloat(a.InterestAmount, b.InterestAmount) },
	SortTotal:             func(a, b Installment) int { return compareFloat(a.Total(), b.Total()) },
	SortPaid:              func(a, b Installment) int { return compareFloat(a.PaidAmount, b.PaidAmount) },
	SortRemaining:         func(a, b Installment) int { return compareFloat(a.RemainingBalance, b.RemainingBalance) },
	SortLateFee:           func(a, b Installment) int { return compareFloat(a.LateFee, b.LateFee) },
	SortStatus:            func(a, b Installment) int { return strings.Compare(string(a.Status), string(b.Status)) },
}

// FilterInstallments returns the installments matching filter in their original order.
func FilterInstallments(insts []Installment, filter InstallmentFilter, today time.Time) []Installment {
	out := make([]Installment, 0, len(insts))
	for _, inst := range insts {
		inst = Normalize(inst, today)
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		switch filter.View {
		case ViewPending, ViewUpcoming:
			if inst.Status != InstallmentPending {
				continue
			}
		case ViewOverdue:
			if !inst.IsOverdue {
				continue
			}
		}
		out = append(out, inst)
	}
	if filter.View == ViewUpcoming {
		sort.SliceStable(out, func(i, j int) bool { return out[i].InstallmentNumber < out[j].InstallmentNumber })
		if len(out) > upcomingLimit {
			out = out[:upcomingLimit]
		}
	}
	if q := foldText(strings.TrimSpace(filter.Search)); q != "" {
		matched := out[:0]
		for _, inst := range out {
			if strings.Contains(foldText(inst.Notes), q) || strings.Contains(strconv.Itoa(inst.InstallmentNumber), q) {
				matched = append(matched, inst)
			}
		}
		out = matched
	}
	return out
}

// SortInstallments stable-sorts insts in place. Unknown fields leave the order untouched.
func SortInstallments(insts []Installment, state SortState) {
	cmp, ok := sortKeys[state.Field]
	if !ok {
		return
	}
	sort.SliceStable(insts, func(i, j int) bool {
		c := cmp(insts[i], insts[j])
		if state.Direction == Desc {
			return c > 0
		}
		return c < 0
	})
}

// foldText lower-cases s with Unicode case folding and strips combining accents.
func foldText(s string) string {
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return cases.Fold().String(stripped)
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
