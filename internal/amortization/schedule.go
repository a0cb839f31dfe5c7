package amortization

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

// MaxInstallments caps the schedule length.
const MaxInstallments = 999

// ScheduleParams are the inputs of the schedule calculator.
type ScheduleParams struct {
	TotalAmount  float64   `json:"total_amount"`
	Installments int       `json:"total_installments"`
	AnnualRate   float64   `json:"interest_rate"`
	Method       Method    `json:"method"`
	Frequency    Frequency `json:"frequency"`
	StartDate    time.Time `json:"start_date"`
}

// ScheduleLine is one computed installment before persistence.
type ScheduleLine struct {
	Number       int       `json:"installment_number"`
	DueDate      time.Time `json:"due_date"`
	Principal    float64   `json:"principal_amount"`
	Interest     float64   `json:"interest_amount"`
	Total        float64   `json:"total_amount"`
	BalanceAfter float64   `json:"remaining_balance"`
}

// ScheduleSummary condenses a schedule.
type ScheduleSummary struct {
	InstallmentAmount float64   `json:"installment_amount"`
	TotalInterest     float64   `json:"total_interest"`
	TotalPayable      float64   `json:"total_payable"`
	EndDate           time.Time `json:"end_date"`
}

var (
	hundred = decimal.NewFromInt(100)
	twelve  = decimal.NewFromInt(12)
	one     = decimal.NewFromInt(1)
	cent    = decimal.New(1, -2)
)

// schedulePlaces is the precision carried through the annuity arithmetic.
// Only the values copied into a ScheduleLine are rounded to cents.
const schedulePlaces = 40

// ValidateParams checks the parameters accepted by Generate.
func ValidateParams(p ScheduleParams) error {
	verr := &shared.ValidationError{}
	if p.TotalAmount <= 0 {
		verr.Add("total_amount", "must be greater than 0")
	}
	if p.Installments < 1 {
		verr.Add("total_installments", "must be at least 1")
	} else if p.Installments > MaxInstallments {
		verr.Add("total_installments", fmt.Sprintf("must not exceed %d", MaxInstallments))
	}
	if p.AnnualRate < 0 || p.AnnualRate > 100 {
		verr.Add("interest_rate", "must be between 0 and 100")
	}
	switch p.Method {
	case MethodLinear, MethodFrench:
	case MethodGerman, MethodDecreasing:
		verr.Add("method", fmt.Sprintf("method %q has no schedule formula", p.Method))
	default:
		verr.Add("method", fmt.Sprintf("unknown method %q", p.Method))
	}
	if p.Frequency.Months() == 0 {
		verr.Add("frequency", fmt.Sprintf("unknown frequency %q", p.Frequency))
	}
	if p.StartDate.IsZero() {
		verr.Add("start_date", "required")
	}
	return verr.OrNil()
}

// Generate computes the installment schedule. The interest rate is always
// applied monthly (annual/100/12) whatever the payment frequency.
func Generate(p ScheduleParams) ([]ScheduleLine, error) {
	if err := ValidateParams(p); err != nil {
		return nil, err
	}

	total := decimal.NewFromFloat(p.TotalAmount).Round(2)
	rate := decimal.NewFromFloat(p.AnnualRate).DivRound(hundred.Mul(twelve), schedulePlaces)
	n := p.Installments
	step := p.Frequency.Months()

	var principals, interests []decimal.Decimal
	switch p.Method {
	case MethodFrench:
		principals, interests = frenchSplit(total, rate, n)
	default:
		principals, interests = linearSplit(total, rate, n)
	}

	lines := make([]ScheduleLine, 0, n)
	balance := total
	for i := 0; i < n; i++ {
		balance = balance.Sub(principals[i])
		lines = append(lines, ScheduleLine{
			Number:       i + 1,
			DueDate:      AddMonths(p.StartDate, (i+1)*step),
			Principal:    principals[i].InexactFloat64(),
			Interest:     interests[i].InexactFloat64(),
			Total:        principals[i].Add(interests[i]).InexactFloat64(),
			BalanceAfter: balance.InexactFloat64(),
		})
	}
	return lines, nil
}

// linearSplit repays a constant principal with interest on the declining
// balance. The last line absorbs the rounding residual so the balance ends at zero.
func linearSplit(total, rate decimal.Decimal, n int) (principals, interests []decimal.Decimal) {
	principals = make([]decimal.Decimal, n)
	interests = make([]decimal.Decimal, n)
	each := total.DivRound(decimal.NewFromInt(int64(n)), schedulePlaces).Round(2)
	balance := total
	for i := 0; i < n; i++ {
		interests[i] = balance.Mul(rate).Round(2)
		principal := each
		if i == n-1 || principal.GreaterThan(balance) {
			principal = balance
		}
		principals[i] = principal
		balance = balance.Sub(principal)
	}
	return principals, interests
}

// frenchSplit keeps the annuity, the interest and the outstanding balance at
// full precision. Every line but the last totals the annuity rounded to cents;
// the last one absorbs the residual.
func frenchSplit(total, rate decimal.Decimal, n int) (principals, interests []decimal.Decimal) {
	principals = make([]decimal.Decimal, n)
	interests = make([]decimal.Decimal, n)
	if rate.IsZero() {
		each := total.DivRound(decimal.NewFromInt(int64(n)), schedulePlaces).RoundFloor(2)
		for i := range principals {
			principals[i] = each
			interests[i] = decimal.Zero
		}
		principals[n-1] = total.Sub(each.Mul(decimal.NewFromInt(int64(n - 1))))
		return principals, interests
	}

	payment := annuityPayment(total, rate, n)
	installment := payment.Round(2)
	balance := total
	var lastInterest decimal.Decimal
	residual := total
	for i := 0; i < n; i++ {
		lastInterest = balance.Mul(rate).Round(schedulePlaces)
		exact := payment.Sub(lastInterest)
		balance = balance.Sub(exact)
		principals[i] = exact.RoundFloor(2)
		residual = residual.Sub(principals[i])
	}

	// Flooring loses less than a cent per line. The missing cents go to the
	// last line first and then to the latest lines that can take one without
	// exceeding the installment, which keeps principal non-decreasing.
	give := func(i int) {
		principals[i] = principals[i].Add(cent)
		residual = residual.Sub(cent)
	}
	if residual.IsPositive() {
		give(n - 1)
	}
	for i := n - 2; i >= 0 && residual.IsPositive(); i-- {
		if principals[i].Add(cent).GreaterThan(installment) {
			continue
		}
		give(i)
	}
	principals[n-1] = principals[n-1].Add(residual)

	for i := 0; i < n-1; i++ {
		interests[i] = installment.Sub(principals[i])
	}
	interests[n-1] = lastInterest.Round(2)
	return principals, interests
}

// annuityPayment returns A = P·r·(1+r)^n / ((1+r)^n − 1) at schedulePlaces.
func annuityPayment(principal, rate decimal.Decimal, n int) decimal.Decimal {
	if rate.IsZero() {
		return principal.DivRound(decimal.NewFromInt(int64(n)), schedulePlaces)
	}
	factor := powRound(one.Add(rate), n)
	return principal.Mul(rate).Mul(factor).DivRound(factor.Sub(one), schedulePlaces)
}

// powRound raises base to n by squaring, rounding intermediates to keep the
// digit count bounded for long schedules.
func powRound(base decimal.Decimal, n int) decimal.Decimal {
	result := one
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base).Round(schedulePlaces)
		}
		base = base.Mul(base).Round(schedulePlaces)
		n >>= 1
	}
	return result
}

// Summarize derives the headline figures of a schedule.
func Summarize(lines []ScheduleLine) ScheduleSummary {
	if len(lines) == 0 {
		return ScheduleSummary{}
	}
	interest := decimal.Zero
	payable := decimal.Zero
	for _, l := range lines {
		interest = interest.Add(decimal.NewFromFloat(l.Interest))
		payable = payable.Add(decimal.NewFromFloat(l.Total))
	}
	return ScheduleSummary{
		InstallmentAmount: lines[0].Total,
		TotalInterest:     interest.Round(2).InexactFloat64(),
		TotalPayable:      payable.Round(2).InexactFloat64(),
		EndDate:           lines[len(lines)-1].DueDate,
	}
}

// AddMonths steps t forward by months, clamping to the last day of the target
// month when the day of month does not exist there.
func AddMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
