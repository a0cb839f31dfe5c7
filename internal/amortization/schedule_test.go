package amortization

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sumPrincipal(lines []ScheduleLine) float64 {
	var total float64
	for _, l := range lines {
		total += l.Principal
	}
	return total
}

func TestGenerateFrenchZeroRate(t *testing.T) {
	lines, err := Generate(ScheduleParams{
		TotalAmount:  12000,
		Installments: 12,
		AnnualRate:   0,
		Method:       MethodFrench,
		Frequency:    FrequencyMonthly,
		StartDate:    date(2024, 1, 1),
	})
	require.NoError(t, err)
	require.Len(t, lines, 12)
	for i, l := range lines {
		require.Equal(t, i+1, l.Number)
		require.Equal(t, 1000.0, l.Total)
		require.Equal(t, 0.0, l.Interest)
		require.Equal(t, date(2024, time.Month(2+i), 1), l.DueDate)
	}
	require.Equal(t, date(2025, 1, 1), lines[11].DueDate)
	require.Equal(t, 0.0, lines[11].BalanceAfter)
	require.InDelta(t, 12000.0, sumPrincipal(lines), 0.01)
}

func TestGenerateFrenchWithInterest(t *testing.T) {
	lines, err := Generate(ScheduleParams{
		TotalAmount:  1000,
		Installments: 3,
		AnnualRate:   12,
		Method:       MethodFrench,
		Frequency:    FrequencyMonthly,
		StartDate:    date(2024, 1, 1),
	})
	require.NoError(t, err)
	require.Len(t, lines, 3)
	require.Equal(t, 340.02, lines[0].Total)
	require.Equal(t, 340.02, lines[1].Total)
	require.InDelta(t, 340.02, lines[2].Total, 0.02)
	require.Equal(t, 10.0, lines[0].Interest)

	for i := 1; i < len(lines); i++ {
		require.Greater(t, lines[i].Principal, lines[i-1].Principal)
		require.Less(t, lines[i].Interest, lines[i-1].Interest)
		require.LessOrEqual(t, lines[i].BalanceAfter, lines[i-1].BalanceAfter)
	}
	require.Equal(t, 0.0, lines[2].BalanceAfter)
	require.InDelta(t, 1000.0, sumPrincipal(lines), 0.01)

	summary := Summarize(lines)
	require.Equal(t, 340.02, summary.InstallmentAmount)
	require.InDelta(t, 1000+summary.TotalInterest, summary.TotalPayable, 0.001)
	require.Equal(t, date(2024, 4, 1), summary.EndDate)
}

func TestGenerateZeroRateSumsForAllValidMethods(t *testing.T) {
	for _, method := range []Method{MethodLinear, MethodFrench} {
		for _, tc := range []struct {
			amount float64
			n      int
		}{{100, 3}, {1000, 7}, {0.05, 4}, {99999.99, 999}, {1, 1}} {
			lines, err := Generate(ScheduleParams{
				TotalAmount:  tc.amount,
				Installments: tc.n,
				Method:       method,
				Frequency:    FrequencyQuarterly,
				StartDate:    date(2024, 3, 15),
			})
			require.NoError(t, err)
			require.Len(t, lines, tc.n)
			require.InDelta(t, tc.amount, sumPrincipal(lines), 0.01, "%s %v/%d", method, tc.amount, tc.n)
			require.Equal(t, 0.0, lines[tc.n-1].BalanceAfter)
		}
	}
}

func TestGenerateLinearUsesMonthlyRate(t *testing.T) {
	lines, err := Generate(ScheduleParams{
		TotalAmount:  1200,
		Installments: 4,
		AnnualRate:   12,
		Method:       MethodLinear,
		Frequency:    FrequencyAnnual,
		StartDate:    date(2024, 1, 10),
	})
	require.NoError(t, err)
	require.Equal(t, 300.0, lines[0].Principal)
	// 1% per period regardless of annual frequency.
	require.Equal(t, 12.0, lines[0].Interest)
	require.Equal(t, 9.0, lines[1].Interest)
	require.Equal(t, 6.0, lines[2].Interest)
	require.Equal(t, 3.0, lines[3].Interest)
	require.Equal(t, date(2028, 1, 10), lines[3].DueDate)
}

func TestGenerateValidation(t *testing.T) {
	base := ScheduleParams{
		TotalAmount:  1000,
		Installments: 10,
		AnnualRate:   5,
		Method:       MethodFrench,
		Frequency:    FrequencyMonthly,
		StartDate:    date(2024, 1, 1),
	}
	cases := map[string]func(p *ScheduleParams){
		"total_amount":       func(p *ScheduleParams) { p.TotalAmount = 0 },
		"total_installments": func(p *ScheduleParams) { p.Installments = 0 },
		"interest_rate":      func(p *ScheduleParams) { p.AnnualRate = 101 },
		"method":             func(p *ScheduleParams) { p.Method = MethodGerman },
		"frequency":          func(p *ScheduleParams) { p.Frequency = "weekly" },
		"start_date":         func(p *ScheduleParams) { p.StartDate = time.Time{} },
	}
	for field, mutate := range cases {
		p := base
		mutate(&p)
		_, err := Generate(p)
		require.ErrorIs(t, err, shared.ErrValidation, field)
		var verr *shared.ValidationError
		require.True(t, errors.As(err, &verr))
		require.Contains(t, verr.Fields, field)
	}

	p := base
	p.Installments = MaxInstallments + 1
	_, err := Generate(p)
	require.ErrorIs(t, err, shared.ErrValidation)

	p = base
	p.Method = MethodDecreasing
	_, err = Generate(p)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAddMonthsClampsMonthEnd(t *testing.T) {
	require.Equal(t, date(2024, 2, 29), AddMonths(date(2024, 1, 31), 1))
	require.Equal(t, date(2023, 2, 28), AddMonths(date(2023, 1, 31), 1))
	require.Equal(t, date(2024, 4, 30), AddMonths(date(2024, 1, 31), 3))
	require.Equal(t, date(2025, 1, 31), AddMonths(date(2024, 1, 31), 12))
	require.Equal(t, date(2024, 12, 15), AddMonths(date(2024, 6, 15), 6))
}

func TestGenerateFrenchKeepsInstallmentConstant(t *testing.T) {
	for _, amount := range []float64{1000, 1234.57, 777.77, 100000} {
		for _, rate := range []float64{1, 24, 60, 100} {
			for _, n := range []int{12, 120, 360, 999} {
				lines, err := Generate(ScheduleParams{
					TotalAmount:  amount,
					Installments: n,
					AnnualRate:   rate,
					Method:       MethodFrench,
					Frequency:    FrequencyMonthly,
					StartDate:    date(2024, 1, 1),
				})
				require.NoError(t, err)
				require.Len(t, lines, n)
				label := fmt.Sprintf("%v at %v%% over %d", amount, rate, n)

				installment := lines[0].Total
				require.Positive(t, installment, label)
				for i, l := range lines {
					require.GreaterOrEqual(t, l.Interest, 0.0, label)
					require.GreaterOrEqual(t, l.Principal, 0.0, label)
					if i == 0 {
						continue
					}
					if i < n-1 {
						require.Equal(t, installment, l.Total, "%s line %d", label, l.Number)
						require.LessOrEqual(t, l.Interest, lines[i-1].Interest, "%s line %d", label, l.Number)
					}
					require.GreaterOrEqual(t, l.Principal, lines[i-1].Principal, "%s line %d", label, l.Number)
					require.LessOrEqual(t, l.BalanceAfter, lines[i-1].BalanceAfter, "%s line %d", label, l.Number)
				}
				require.InDelta(t, installment, lines[n-1].Total, 0.02, label)
				require.InDelta(t, amount, sumPrincipal(lines), 0.005, label)
				require.Equal(t, 0.0, lines[n-1].BalanceAfter, label)
			}
		}
	}
}

func TestGenerateFrenchHighRateLongTerm(t *testing.T) {
	lines, err := Generate(ScheduleParams{
		TotalAmount:  1234.57,
		Installments: 240,
		AnnualRate:   60,
		Method:       MethodFrench,
		Frequency:    FrequencyMonthly,
		StartDate:    date(2024, 1, 1),
	})
	require.NoError(t, err)
	require.Equal(t, 61.73, lines[0].Total)
	require.Equal(t, 61.73, lines[239].Total)
	// principal is repaid progressively instead of in a final balloon
	require.Equal(t, 58.79, lines[239].Principal)
	require.Less(t, lines[238].Principal, 58.79)
	require.Greater(t, lines[238].BalanceAfter, 0.0)

	lines, err = Generate(ScheduleParams{
		TotalAmount:  777.77,
		Installments: 360,
		AnnualRate:   24,
		Method:       MethodFrench,
		Frequency:    FrequencyMonthly,
		StartDate:    date(2024, 1, 1),
	})
	require.NoError(t, err)
	for _, l := range lines {
		require.Greater(t, l.Total, 0.0, "line %d", l.Number)
	}
	require.Equal(t, 15.57, lines[0].Total)
	require.Equal(t, 15.58, lines[359].Total)
}
