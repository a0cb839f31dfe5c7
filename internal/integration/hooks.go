package integration

import (
	"context"
	"log/slog"

	"github.com/odyssey-erp/odyssey-amortization/internal/amortization"
	"github.com/odyssey-erp/odyssey-amortization/internal/integration/servicelayer"
)

// Accounting exposes the document operations required by the hooks.
type Accounting interface {
	CreateInvoice(ctx context.Context, companyID string, invoice servicelayer.InvoiceRecord) (servicelayer.DocumentRef, error)
	CreatePayment(ctx context.Context, companyID string, payment servicelayer.PaymentRecord) (servicelayer.DocumentRef, error)
	CreateJournalEntry(ctx context.Context, companyID string, entry servicelayer.JournalEntry) (servicelayer.DocumentRef, error)
}

// AccountPair is the debit and credit account of a journal entry.
type AccountPair struct {
	Debit  string
	Credit string
}

// Configured reports whether both accounts are set.
func (p AccountPair) Configured() bool {
	return p.Debit != "" && p.Credit != ""
}

// Accounts maps amortization events onto the chart of accounts. Empty codes
// leave the accounting system defaults in place.
type Accounts struct {
	ClientJournal   AccountPair
	SupplierJournal AccountPair
	ClientRevenue   string
	SupplierExpense string
	// Transfer is the bank account used by payments.
	Transfer string
}

func (a Accounts) journal(party servicelayer.PartyType) AccountPair {
	if party == servicelayer.PartySupplier {
		return a.SupplierJournal
	}
	return a.ClientJournal
}

func (a Accounts) lineAccount(party servicelayer.PartyType) string {
	if party == servicelayer.PartySupplier {
		return a.SupplierExpense
	}
	return a.ClientRevenue
}

// Hooks turns amortization events into accounting documents.
type Hooks struct {
	client   Accounting
	accounts Accounts
	logger   *slog.Logger
}

// NewHooks constructs integration hooks.
func NewHooks(client Accounting, accounts Accounts, logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{client: client, accounts: accounts, logger: logger}
}

// HandleAmortizationSynced creates the invoice backing an amortization and,
// when a journal account pair is configured, the matching journal entry.
func (h *Hooks) HandleAmortizationSynced(ctx context.Context, evt amortization.SyncEvent) (amortization.SyncResult, error) {
	if h == nil || h.client == nil {
		return amortization.SyncResult{}, amortization.ErrIntegrationDisabled
	}
	a := evt.Amortization
	invoice := mapInvoice(a, evt.Installments, h.accounts)
	ref, err := h.client.CreateInvoice(ctx, a.CompanyID, invoice)
	if err != nil {
		return amortization.SyncResult{}, err
	}
	result := amortization.SyncResult{AmortizationID: a.ID, DocRef: ref.Ref(), DocType: ref.Type}

	pair := h.accounts.journal(invoice.Party)
	if !pair.Configured() {
		return result, nil
	}
	total := invoice.DocumentLines[0].LineTotal
	journal, err := h.client.CreateJournalEntry(ctx, a.CompanyID, mapJournalEntry(a, total, pair))
	if err != nil {
		// The invoice exists; its reference must still be stored.
		h.logger.Error("journal entry not created",
			slog.String("amortization_id", a.ID.String()),
			slog.String("doc_ref", result.DocRef),
			slog.Any("error", err))
		return result, nil
	}
	result.JournalRef = journal.Ref()
	return result, nil
}

// HandlePaymentRecorded posts an incoming payment for clients or a vendor
// payment for suppliers, applied to the amortization's invoice.
func (h *Hooks) HandlePaymentRecorded(ctx context.Context, evt amortization.PaymentEvent) (amortization.PaymentPosting, error) {
	if h == nil || h.client == nil {
		return amortization.PaymentPosting{}, amortization.ErrIntegrationDisabled
	}
	if !evt.Amortization.Synced() {
		return amortization.PaymentPosting{}, amortization.ErrNotSynced
	}
	payment, err := mapPayment(evt, h.accounts.Transfer)
	if err != nil {
		return amortization.PaymentPosting{}, err
	}
	ref, err := h.client.CreatePayment(ctx, evt.Amortization.CompanyID, payment)
	if err != nil {
		return amortization.PaymentPosting{}, err
	}
	h.logger.Info("payment posted",
		slog.String("amortization_id", evt.Amortization.ID.String()),
		slog.String("installment_id", evt.Installment.ID.String()),
		slog.String("payment_ref", ref.Ref()))
	return amortization.PaymentPosting{PaymentRef: ref.Ref()}, nil
}

var _ amortization.IntegrationHandler = (*Hooks)(nil)
