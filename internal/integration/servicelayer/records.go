package servicelayer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// PartyType selects customers or suppliers.
type PartyType string

const (
	PartyCustomer PartyType = "client"
	PartySupplier PartyType = "supplier"
)

// CardType returns the business partner card type value used in filters.
func (p PartyType) CardType() string {
	if p == PartySupplier {
		return "cSupplier"
	}
	return "cCustomer"
}

func (p PartyType) invoiceEndpoint() string {
	if p == PartySupplier {
		return "PurchaseInvoices"
	}
	return "Invoices"
}

func (p PartyType) paymentEndpoint() string {
	if p == PartySupplier {
		return "VendorPayments"
	}
	return "IncomingPayments"
}

// InvoiceType returns the value referenced by payment lines.
func (p PartyType) InvoiceType() string {
	if p == PartySupplier {
		return "it_PurchaseInvoice"
	}
	return "it_Invoice"
}

// DocType returns the short document type stored on amortizations.
func (p PartyType) DocType() string {
	if p == PartySupplier {
		return "PI"
	}
	return "IN"
}

// Date is a calendar date encoded as YYYY-MM-DD. Timestamps sent by the
// service layer are accepted as well.
type Date struct {
	time.Time
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format("2006-01-02"))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{"2006-01-02", "2006-01-02T15:04:05Z07:00", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return nil
		}
	}
	return fmt.Errorf("servicelayer: invalid date %q", s)
}

// BusinessPartner is a customer or supplier master record.
type BusinessPartner struct {
	CardCode              string  `json:"CardCode" validate:"required,max=50"`
	CardName              string  `json:"CardName" validate:"required"`
	CardType              string  `json:"CardType" validate:"required,oneof=cCustomer cSupplier cLid"`
	Currency              string  `json:"Currency"`
	CreditLine            float64 `json:"CreditLine"`
	CurrentAccountBalance float64 `json:"CurrentAccountBalance"`
}

// OpenDocument is an open A/R or A/P invoice.
type OpenDocument struct {
	DocEntry   int     `json:"DocEntry" validate:"gt=0"`
	DocNum     int     `json:"DocNum" validate:"gt=0"`
	CardCode   string  `json:"CardCode" validate:"required"`
	CardName   string  `json:"CardName"`
	DocDate    Date    `json:"DocDate"`
	DocDueDate Date    `json:"DocDueDate"`
	DocTotal   float64 `json:"DocTotal" validate:"gte=0"`
	PaidToDate float64 `json:"PaidToDate" validate:"gte=0,ltefield=DocTotal"`
}

// Outstanding returns the unpaid part of the document.
func (d OpenDocument) Outstanding() float64 {
	return d.DocTotal - d.PaidToDate
}

// DocumentQuery selects open documents of one partner.
type DocumentQuery struct {
	Party    PartyType
	CardCode string
	From     time.Time
	To       time.Time
}

// InvoiceLine is a service line of an invoice.
type InvoiceLine struct {
	ItemDescription string  `json:"ItemDescription" validate:"required,max=100"`
	AccountCode     string  `json:"AccountCode,omitempty"`
	LineTotal       float64 `json:"LineTotal" validate:"gt=0"`
}

// InvoiceRecord creates an A/R or A/P invoice.
type InvoiceRecord struct {
	Party         PartyType     `json:"-" validate:"oneof=client supplier"`
	CardCode      string        `json:"CardCode" validate:"required"`
	DocDate       Date          `json:"DocDate"`
	DocDueDate    Date          `json:"DocDueDate"`
	NumAtCard     string        `json:"NumAtCard,omitempty" validate:"max=100"`
	Comments      string        `json:"Comments,omitempty"`
	DocType       string        `json:"DocType"`
	DocumentLines []InvoiceLine `json:"DocumentLines" validate:"required,min=1,dive"`
}

// PaymentInvoice links a payment to a document.
type PaymentInvoice struct {
	DocEntry    int     `json:"DocEntry" validate:"gt=0"`
	SumApplied  float64 `json:"SumApplied" validate:"gt=0"`
	InvoiceType string  `json:"InvoiceType" validate:"required"`
}

// PaymentRecord creates an incoming or vendor payment.
type PaymentRecord struct {
	Party           PartyType        `json:"-" validate:"oneof=client supplier"`
	CardCode        string           `json:"CardCode" validate:"required"`
	DocDate         Date             `json:"DocDate"`
	TransferSum     float64          `json:"TransferSum" validate:"gt=0"`
	TransferAccount string           `json:"TransferAccount,omitempty"`
	TransferRef     string           `json:"TransferReference,omitempty" validate:"max=50"`
	Remarks         string           `json:"Remarks,omitempty" validate:"max=254"`
	PaymentInvoices []PaymentInvoice `json:"PaymentInvoices,omitempty" validate:"dive"`
}

// JournalLine is one debit or credit line.
type JournalLine struct {
	AccountCode string  `json:"AccountCode" validate:"required"`
	ShortName   string  `json:"ShortName,omitempty"`
	Debit       float64 `json:"Debit" validate:"gte=0"`
	Credit      float64 `json:"Credit" validate:"gte=0"`
	LineMemo    string  `json:"LineMemo,omitempty"`
}

// JournalEntry is a manual journal entry.
type JournalEntry struct {
	ReferenceDate     Date          `json:"ReferenceDate"`
	Memo              string        `json:"Memo" validate:"max=254"`
	Reference         string        `json:"Reference,omitempty" validate:"max=100"`
	JournalEntryLines []JournalLine `json:"JournalEntryLines" validate:"required,min=2,dive"`
}

// DocumentRef identifies a document created in the accounting system.
type DocumentRef struct {
	DocEntry int    `json:"DocEntry" validate:"gt=0"`
	DocNum   int    `json:"DocNum"`
	Type     string `json:"-"`
}

// Ref renders the reference stored on amortizations.
func (r DocumentRef) Ref() string {
	return fmt.Sprintf("%d", r.DocEntry)
}

type createdDocument struct {
	DocEntry int `json:"DocEntry"`
	DocNum   int `json:"DocNum"`
	JdtNum   int `json:"JdtNum"`
	Number   int `json:"Number"`
}

func (d createdDocument) ref(docType string) DocumentRef {
	ref := DocumentRef{DocEntry: d.DocEntry, DocNum: d.DocNum, Type: docType}
	if ref.DocEntry == 0 {
		ref.DocEntry = d.JdtNum
	}
	if ref.DocNum == 0 {
		ref.DocNum = d.Number
	}
	return ref
}

var validate = validator.New()

// Validate checks a record against its tags.
func Validate(record any) error {
	if err := validate.Struct(record); err != nil {
		return fmt.Errorf("servicelayer: invalid %T: %w", record, err)
	}
	return nil
}
