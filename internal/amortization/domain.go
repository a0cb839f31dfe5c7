package amortization

import (
	"time"

	"github.com/google/uuid"
)

// Method enumerates amortization methods.
type Method string

const (
	MethodLinear     Method = "linear"
	MethodFrench     Method = "french"
	MethodGerman     Method = "german"
	MethodDecreasing Method = "decreasing"
)

// Valid reports whether m is a declared method.
func (m Method) Valid() bool {
	switch m {
	case MethodLinear, MethodFrench, MethodGerman, MethodDecreasing:
		return true
	}
	return false
}

// Frequency enumerates payment frequencies.
type Frequency string

const (
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyBiannual  Frequency = "biannual"
	FrequencyAnnual    Frequency = "annual"
)

// Months returns the calendar step of the frequency, or 0 when unknown.
func (f Frequency) Months() int {
	switch f {
	case FrequencyMonthly:
		return 1
	case FrequencyQuarterly:
		return 3
	case FrequencyBiannual:
		return 6
	case FrequencyAnnual:
		return 12
	}
	return 0
}

// Status enumerates amortization statuses.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusOverdue   Status = "overdue"
	StatusSuspended Status = "suspended"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusOverdue, StatusSuspended:
		return true
	}
	return false
}

// EntityType distinguishes receivables from payables.
type EntityType string

const (
	EntityClient   EntityType = "client"
	EntitySupplier EntityType = "supplier"
)

// InstallmentStatus enumerates installment lifecycle states.
type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "pending"
	InstallmentPartial InstallmentStatus = "partial"
	InstallmentPaid    InstallmentStatus = "paid"
)

// Amortization is a debt repayment plan.
type Amortization struct {
	ID                uuid.UUID  `json:"id"`
	CompanyID         string     `json:"company_id"`
	EntityID          string     `json:"entity_id"`
	EntityType        EntityType `json:"entity_type"`
	Reference         string     `json:"reference"`
	Description       string     `json:"description"`
	TotalAmount       float64    `json:"total_amount"`
	TotalInstallments int        `json:"total_installments"`
	InterestRate      float64    `json:"interest_rate"`
	Method            Method     `json:"method"`
	Frequency         Frequency  `json:"frequency"`
	StartDate         time.Time  `json:"start_date"`
	Status            Status     `json:"status"`
	ExternalDocRef    string     `json:"external_doc_ref,omitempty"`
	ExternalDocType   string     `json:"external_doc_type,omitempty"`
	IsActive          bool       `json:"is_active"`

	PaidAmount        float64    `json:"paid_amount"`
	PendingAmount     float64    `json:"pending_amount"`
	PaidInstallments  int        `json:"paid_installments"`
	InstallmentAmount float64    `json:"installment_amount"`
	TotalInterest     float64    `json:"total_interest"`
	EndDate           time.Time  `json:"end_date"`
	NextDueDate       *time.Time `json:"next_due_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Params extracts the schedule parameters.
func (a Amortization) Params() ScheduleParams {
	return ScheduleParams{
		TotalAmount:  a.TotalAmount,
		Installments: a.TotalInstallments,
		AnnualRate:   a.InterestRate,
		Method:       a.Method,
		Frequency:    a.Frequency,
		StartDate:    a.StartDate,
	}
}

// Synced reports whether the amortization is linked to an external document.
func (a Amortization) Synced() bool {
	return a.ExternalDocRef != ""
}

// Installment is one scheduled repayment unit.
type Installment struct {
	ID                 uuid.UUID         `json:"id"`
	AmortizationID     uuid.UUID         `json:"amortization_id"`
	InstallmentNumber  int               `json:"installment_number"`
	DueDate            time.Time         `json:"due_date"`
	PrincipalAmount    float64           `json:"principal_amount"`
	InterestAmount     float64           `json:"interest_amount"`
	LateFee            float64           `json:"late_fee"`
	PaidAmount         float64           `json:"paid_amount"`
	BalanceAfter       float64           `json:"balance_after"`
	RemainingBalance   float64           `json:"remaining_balance"`
	Status             InstallmentStatus `json:"status"`
	IsOverdue          bool              `json:"is_overdue"`
	PaymentDate        *time.Time        `json:"payment_date,omitempty"`
	ExternalPaymentRef string            `json:"external_payment_ref,omitempty"`
	ExternalJournalRef string            `json:"external_journal_ref,omitempty"`
	Notes              string            `json:"notes,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Total returns principal plus interest, excluding late fees.
func (i Installment) Total() float64 {
	return round2(i.PrincipalAmount + i.InterestAmount)
}

// Due returns the full amount owed including late fees.
func (i Installment) Due() float64 {
	return round2(i.PrincipalAmount + i.InterestAmount + i.LateFee)
}

// DaysOverdue returns whole days past due when overdue.
func (i Installment) DaysOverdue(today time.Time) int {
	if !i.IsOverdue {
		return 0
	}
	return int(dateOnly(today).Sub(dateOnly(i.DueDate)).Hours() / 24)
}

// CreateInput carries the fields required to create an amortization.
type CreateInput struct {
	CompanyID         string     `json:"company_id" validate:"required,max=50"`
	EntityID          string     `json:"entity_id" validate:"required,max=50"`
	EntityType        EntityType `json:"entity_type" validate:"required,oneof=client supplier"`
	Reference         string     `json:"reference" validate:"required,max=100"`
	Description       string     `json:"description" validate:"max=1000"`
	TotalAmount       float64    `json:"total_amount" validate:"gt=0"`
	TotalInstallments int        `json:"total_installments" validate:"gte=1,lte=999"`
	InterestRate      float64    `json:"interest_rate" validate:"gte=0,lte=100"`
	Method            Method     `json:"method" validate:"required,oneof=linear french german decreasing"`
	Frequency         Frequency  `json:"frequency" validate:"required,oneof=monthly quarterly biannual annual"`
	StartDate         time.Time  `json:"start_date" validate:"required"`
	ExternalDocRef    string     `json:"external_doc_ref,omitempty" validate:"max=50"`
	ExternalDocType   string     `json:"external_doc_type,omitempty" validate:"max=20"`
}

// UpdateInput carries optional field changes. Nil fields are left untouched.
type UpdateInput struct {
	Reference         *string    `json:"reference,omitempty" validate:"omitempty,max=100"`
	Description       *string    `json:"description,omitempty" validate:"omitempty,max=1000"`
	TotalAmount       *float64   `json:"total_amount,omitempty" validate:"omitempty,gt=0"`
	TotalInstallments *int       `json:"total_installments,omitempty" validate:"omitempty,gte=1,lte=999"`
	InterestRate      *float64   `json:"interest_rate,omitempty" validate:"omitempty,gte=0,lte=100"`
	Method            *Method    `json:"method,omitempty" validate:"omitempty,oneof=linear french german decreasing"`
	Frequency         *Frequency `json:"frequency,omitempty" validate:"omitempty,oneof=monthly quarterly biannual annual"`
	StartDate         *time.Time `json:"start_date,omitempty"`
	Status            *Status    `json:"status,omitempty" validate:"omitempty,oneof=active suspended"`
}

// PaymentInput records a payment against one installment.
type PaymentInput struct {
	AmortizationID  uuid.UUID `json:"amortization_id" validate:"required"`
	InstallmentID   uuid.UUID `json:"installment_id" validate:"required"`
	Amount          float64   `json:"amount" validate:"gt=0"`
	PaymentDate     time.Time `json:"payment_date"`
	Notes           string    `json:"notes" validate:"max=500"`
	CreateExternal  bool      `json:"create_external_entry"`
	PaymentMethod   string    `json:"payment_method" validate:"max=50"`
	ReferenceNumber string    `json:"reference_number" validate:"max=50"`
}

// BulkPaymentInput pays several installments at once.
type BulkPaymentInput struct {
	InstallmentIDs []uuid.UUID `json:"installment_ids" validate:"required,min=1,unique,dive,required"`
	// AmountPerInstallment of zero pays each installment's remaining balance.
	AmountPerInstallment float64   `json:"amount_per_installment" validate:"gte=0"`
	PaymentDate          time.Time `json:"payment_date"`
	Notes                string    `json:"notes" validate:"max=500"`
	CreateExternal       bool      `json:"create_external_entries"`
}

// ListFilter narrows amortization listings.
type ListFilter struct {
	CompanyID   string
	EntityType  EntityType
	EntityID    string
	Status      Status
	Method      Method
	DateFrom    time.Time
	DateTo      time.Time
	OverdueOnly bool
	Search      string
	Page        int
	PageSize    int
	// IncludeInactive also returns deactivated amortizations.
	IncludeInactive bool
}

// ListResult is a page of amortizations.
type ListResult struct {
	Items      []Amortization `json:"items"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
	Total      int            `json:"total"`
	TotalPages int            `json:"total_pages"`
}

// Summary aggregates amortizations of a company.
type Summary struct {
	CompanyID           string  `json:"company_id"`
	TotalAmortizations  int     `json:"total_amortizations"`
	Active              int     `json:"active"`
	Completed           int     `json:"completed"`
	Overdue             int     `json:"overdue"`
	Suspended           int     `json:"suspended"`
	TotalAmount         float64 `json:"total_amount"`
	PaidAmount          float64 `json:"paid_amount"`
	PendingAmount       float64 `json:"pending_amount"`
	OverdueInstallments int     `json:"overdue_installments"`
	OverdueAmount       float64 `json:"overdue_amount"`
}

// UpcomingDue is a pending installment falling due soon.
type UpcomingDue struct {
	AmortizationID    uuid.UUID `json:"amortization_id"`
	Reference         string    `json:"reference"`
	EntityID          string    `json:"entity_id"`
	InstallmentID     uuid.UUID `json:"installment_id"`
	InstallmentNumber int       `json:"installment_number"`
	DueDate           time.Time `json:"due_date"`
	Amount            float64   `json:"amount"`
}

// AgingBucket summarises outstanding installment amounts by days overdue.
type AgingBucket struct {
	Label  string  `json:"label"`
	From   int     `json:"from_days"`
	To     int     `json:"to_days"`
	Count  int     `json:"count"`
	Amount float64 `json:"amount"`
}
