package amortization

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func tableInstallments(t *testing.T) []Installment {
	t.Helper()
	lines, err := Generate(ScheduleParams{
		TotalAmount:  1200,
		Installments: 12,
		AnnualRate:   0,
		Method:       MethodLinear,
		Frequency:    FrequencyMonthly,
		StartDate:    date(2024, 1, 1),
	})
	require.NoError(t, err)
	return Materialize(uuid.New(), lines, ledgerToday)
}

func numbers(insts []Installment) []int {
	out := make([]int, len(insts))
	for i, inst := range insts {
		out[i] = inst.InstallmentNumber
	}
	return out
}

func TestFilterViews(t *testing.T) {
	insts := tableInstallments(t)
	ledger := NewLedger(insts, fixedClock(ledgerToday))
	_, err := ledger.ApplyPayment(insts[0].ID, 100, ledgerToday)
	require.NoError(t, err)
	_, err = ledger.ApplyPayment(insts[1].ID, 30, ledgerToday)
	require.NoError(t, err)
	insts = ledger.Installments()

	all := FilterInstallments(insts, InstallmentFilter{View: ViewAll}, ledgerToday)
	require.Len(t, all, 12)

	pending := FilterInstallments(insts, InstallmentFilter{View: ViewPending}, ledgerToday)
	require.Equal(t, []int{3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, numbers(pending))

	// #2 (partial) through #5 fall due before 2024-06-15
	overdue := FilterInstallments(insts, InstallmentFilter{View: ViewOverdue}, ledgerToday)
	require.Equal(t, []int{2, 3, 4, 5}, numbers(overdue))

	upcoming := FilterInstallments(insts, InstallmentFilter{View: ViewUpcoming}, ledgerToday)
	require.Equal(t, []int{3, 4, 5, 6, 7}, numbers(upcoming))

	partial := FilterInstallments(insts, InstallmentFilter{Status: InstallmentPartial}, ledgerToday)
	require.Equal(t, []int{2}, numbers(partial))
}

func TestFilterSearch(t *testing.T) {
	insts := tableInstallments(t)
	insts[3].Notes = "Pago en EFECTIVO recibido"
	insts[4].Notes = "transferencia bancaria"

	got := FilterInstallments(insts, InstallmentFilter{Search: "efectivo"}, ledgerToday)
	require.Equal(t, []int{4}, numbers(got))

	got = FilterInstallments(insts, InstallmentFilter{Search: "BANCARIA"}, ledgerToday)
	require.Equal(t, []int{5}, numbers(got))

	got = FilterInstallments(insts, InstallmentFilter{Search: "11"}, ledgerToday)
	require.Equal(t, []int{11}, numbers(got))

	got = FilterInstallments(insts, InstallmentFilter{Search: "1"}, ledgerToday)
	require.Equal(t, []int{1, 10, 11, 12}, numbers(got))

	insts[6].Notes = "Conciliación pendiente"
	got = FilterInstallments(insts, InstallmentFilter{Search: "conciliacion"}, ledgerToday)
	require.Equal(t, []int{7}, numbers(got))
}

func TestSortInstallmentsStable(t *testing.T) {
	insts := tableInstallments(t)
	insts[2].PaidAmount = 50
	insts[7].PaidAmount = 50
	insts[9].PaidAmount = 20

	SortInstallments(insts, SortState{Field: SortPaid, Direction: Desc})
	require.Equal(t, 3, insts[0].InstallmentNumber)
	require.Equal(t, 8, insts[1].InstallmentNumber)
	require.Equal(t, 10, insts[2].InstallmentNumber)
	// zero-paid rows keep their relative order
	require.Equal(t, []int{1, 2, 4, 5, 6, 7, 9, 11, 12}, numbers(insts[3:]))

	SortInstallments(insts, SortState{Field: SortDueDate, Direction: Asc})
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, numbers(insts))

	SortInstallments(insts, SortState{Field: SortDueDate, Direction: Desc})
	require.Equal(t, 12, insts[0].InstallmentNumber)
}

func TestSortPaymentDateZeroFirst(t *testing.T) {
	insts := tableInstallments(t)[:3]
	d1 := date(2024, 3, 1)
	d2 := date(2024, 2, 1)
	insts[0].PaymentDate = &d1
	insts[2].PaymentDate = &d2

	SortInstallments(insts, SortState{Field: SortPaymentDate, Direction: Asc})
	require.Equal(t, []int{2, 3, 1}, numbers(insts))
}

func TestSortStateToggle(t *testing.T) {
	s := SortState{Field: SortInstallmentNumber, Direction: Asc}
	s = s.Toggle(SortInstallmentNumber)
	require.Equal(t, Desc, s.Direction)
	s = s.Toggle(SortInstallmentNumber)
	require.Equal(t, Asc, s.Direction)
	s = s.Toggle(SortInstallmentNumber).Toggle(SortDueDate)
	require.Equal(t, SortState{Field: SortDueDate, Direction: Asc}, s)
	require.True(t, ValidSortField(SortLateFee))
	require.False(t, ValidSortField("color"))
}
