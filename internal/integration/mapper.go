package integration

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-amortization/internal/amortization"
	"github.com/odyssey-erp/odyssey-amortization/internal/integration/servicelayer"
	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

func partyOf(entityType amortization.EntityType) servicelayer.PartyType {
	if entityType == amortization.EntitySupplier {
		return servicelayer.PartySupplier
	}
	return servicelayer.PartyCustomer
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// scheduleTotal sums principal and interest of every installment.
func scheduleTotal(insts []amortization.Installment) float64 {
	sum := decimal.Zero
	for _, inst := range insts {
		sum = sum.Add(decimal.NewFromFloat(inst.PrincipalAmount)).Add(decimal.NewFromFloat(inst.InterestAmount))
	}
	return sum.Round(2).InexactFloat64()
}

func lastDueDate(a amortization.Amortization, insts []amortization.Installment) time.Time {
	due := a.EndDate
	for _, inst := range insts {
		if inst.DueDate.After(due) {
			due = inst.DueDate
		}
	}
	if due.IsZero() {
		due = a.StartDate
	}
	return due
}

func mapInvoice(a amortization.Amortization, insts []amortization.Installment, accounts Accounts) servicelayer.InvoiceRecord {
	party := partyOf(a.EntityType)
	total := scheduleTotal(insts)
	if total == 0 {
		total = a.TotalAmount
	}
	line := servicelayer.InvoiceLine{
		ItemDescription: truncate(fmt.Sprintf("Amortization %s (%d installments)", a.Reference, a.TotalInstallments), 100),
		AccountCode:     accounts.lineAccount(party),
		LineTotal:       total,
	}
	return servicelayer.InvoiceRecord{
		Party:         party,
		CardCode:      a.EntityID,
		DocDate:       servicelayer.Date{Time: a.StartDate},
		DocDueDate:    servicelayer.Date{Time: lastDueDate(a, insts)},
		NumAtCard:     truncate(a.Reference, 100),
		Comments:      a.Description,
		DocumentLines: []servicelayer.InvoiceLine{line},
	}
}

func mapJournalEntry(a amortization.Amortization, total float64, pair AccountPair) servicelayer.JournalEntry {
	memo := truncate("Amortization "+a.Reference, 254)
	return servicelayer.JournalEntry{
		ReferenceDate: servicelayer.Date{Time: a.StartDate},
		Memo:          memo,
		Reference:     truncate(a.Reference, 100),
		JournalEntryLines: []servicelayer.JournalLine{
			{AccountCode: pair.Debit, Debit: total, LineMemo: memo},
			{AccountCode: pair.Credit, Credit: total, LineMemo: memo},
		},
	}
}

func mapPayment(evt amortization.PaymentEvent, transferAccount string) (servicelayer.PaymentRecord, error) {
	a := evt.Amortization
	docEntry, err := strconv.Atoi(a.ExternalDocRef)
	if err != nil || docEntry <= 0 {
		return servicelayer.PaymentRecord{}, shared.NewValidationError("external_doc_ref", "must be a document entry number")
	}
	party := partyOf(a.EntityType)
	amount := decimal.NewFromFloat(evt.Amount).Round(2).InexactFloat64()
	date := evt.PaymentDate
	if date.IsZero() && evt.Installment.PaymentDate != nil {
		date = *evt.Installment.PaymentDate
	}
	remarks := fmt.Sprintf("%s installment %d", a.Reference, evt.Installment.InstallmentNumber)
	if evt.Method != "" {
		remarks += " via " + evt.Method
	}
	if evt.Notes != "" {
		remarks += ": " + evt.Notes
	}
	return servicelayer.PaymentRecord{
		Party:           party,
		CardCode:        a.EntityID,
		DocDate:         servicelayer.Date{Time: date},
		TransferSum:     amount,
		TransferAccount: transferAccount,
		TransferRef:     truncate(evt.Reference, 50),
		Remarks:         truncate(remarks, 254),
		PaymentInvoices: []servicelayer.PaymentInvoice{{
			DocEntry:    docEntry,
			SumApplied:  amount,
			InvoiceType: party.InvoiceType(),
		}},
	}, nil
}
