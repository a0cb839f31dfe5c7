package amortization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-amortization/internal/integration/servicelayer"
	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
	"github.com/odyssey-erp/odyssey-amortization/internal/synccache"
)

// SyncEvent is raised when an amortization is pushed to the accounting system.
type SyncEvent struct {
	Amortization Amortization
	Installments []Installment
}

// SyncResult reports the documents backing a synced amortization.
type SyncResult struct {
	AmortizationID uuid.UUID `json:"amortization_id"`
	DocRef         string    `json:"external_doc_ref"`
	DocType        string    `json:"external_doc_type"`
	JournalRef     string    `json:"external_journal_ref,omitempty"`
	AlreadySynced  bool      `json:"already_synced"`
}

// PaymentEvent is raised after a payment was persisted.
type PaymentEvent struct {
	Amortization Amortization
	Installment  Installment
	Amount       float64
	PaymentDate  time.Time
	Method       string
	Reference    string
	Notes        string
}

// PaymentPosting reports the accounting documents created for a payment.
type PaymentPosting struct {
	PaymentRef string `json:"payment_ref"`
	JournalRef string `json:"journal_ref,omitempty"`
}

// IntegrationHandler turns ledger events into accounting documents.
type IntegrationHandler interface {
	HandleAmortizationSynced(ctx context.Context, evt SyncEvent) (SyncResult, error)
	HandlePaymentRecorded(ctx context.Context, evt PaymentEvent) (PaymentPosting, error)
}

// ExternalDirectory reads business partners and open documents from the accounting system.
type ExternalDirectory interface {
	BusinessPartners(ctx context.Context, companyID string, party servicelayer.PartyType) ([]servicelayer.BusinessPartner, error)
	OpenDocuments(ctx context.Context, companyID string, query servicelayer.DocumentQuery) ([]servicelayer.OpenDocument, error)
}

// IdempotencyChecker records processed keys.
type IdempotencyChecker interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

const importModule = "amortization.import"

// importConcurrency bounds parallel open-document lookups.
const importConcurrency = 4

// ImportInput selects external documents to import.
type ImportInput struct {
	CompanyID    string     `json:"company_id" validate:"required,max=50"`
	EntityType   EntityType `json:"entity_type" validate:"required,oneof=client supplier"`
	DateFrom     time.Time  `json:"date_from"`
	DateTo       time.Time  `json:"date_to"`
	AutoCreate   bool       `json:"auto_create"`
	Installments int        `json:"total_installments" validate:"gte=0,lte=999"`
	InterestRate float64    `json:"interest_rate" validate:"gte=0,lte=100"`
	Method       Method     `json:"method" validate:"omitempty,oneof=linear french"`
	Frequency    Frequency  `json:"frequency" validate:"omitempty,oneof=monthly quarterly biannual annual"`
}

// ImportedDocument is one open document seen by an import.
type ImportedDocument struct {
	CardCode       string     `json:"card_code"`
	CardName       string     `json:"card_name"`
	DocEntry       int        `json:"doc_entry"`
	DocNum         int        `json:"doc_num"`
	DocDate        time.Time  `json:"doc_date"`
	DocDueDate     time.Time  `json:"doc_due_date"`
	DocTotal       float64    `json:"doc_total"`
	PaidToDate     float64    `json:"paid_to_date"`
	Outstanding    float64    `json:"outstanding"`
	Reference      string     `json:"reference"`
	AmortizationID *uuid.UUID `json:"amortization_id,omitempty"`
	Skipped        bool       `json:"skipped,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// ImportResult summarises an import.
type ImportResult struct {
	CompanyID string             `json:"company_id"`
	Partners  int                `json:"partners"`
	Documents []ImportedDocument `json:"documents"`
	Created   int                `json:"created"`
	Skipped   int                `json:"skipped"`
	Failed    int                `json:"failed"`
}

func partyFor(entityType EntityType) servicelayer.PartyType {
	if entityType == EntitySupplier {
		return servicelayer.PartySupplier
	}
	return servicelayer.PartyCustomer
}

// SyncToExternal creates the accounting documents of an amortization. Amortizations
// that already carry an external reference are returned unchanged.
func (s *Service) SyncToExternal(ctx context.Context, id uuid.UUID) (SyncResult, error) {
	const op = "amortization.sync"
	var result SyncResult
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		a, insts, err := s.loadActive(ctx, op, id)
		if err != nil {
			return err
		}
		if a.Synced() {
			result = SyncResult{AmortizationID: a.ID, DocRef: a.ExternalDocRef, DocType: a.ExternalDocType, AlreadySynced: true}
			return nil
		}
		if s.integration == nil {
			return ErrIntegrationDisabled
		}

		var res SyncResult
		err = s.cache.Call(ctx, op, func(ctx context.Context) error {
			var err error
			res, err = s.integration.HandleAmortizationSynced(ctx, SyncEvent{Amortization: a, Installments: insts})
			return err
		})
		if err != nil {
			return err
		}
		now := s.now()
		a.ExternalDocRef = res.DocRef
		a.ExternalDocType = res.DocType
		a.UpdatedAt = now
		changed := make([]Installment, 0, len(insts))
		if res.JournalRef != "" {
			for _, inst := range insts {
				if inst.ExternalJournalRef != "" {
					continue
				}
				inst.ExternalJournalRef = res.JournalRef
				inst.UpdatedAt = now
				changed = append(changed, inst)
			}
		}
		if err := s.persist(ctx, op, a, changed); err != nil {
			s.logger.Error("external documents created but references not stored",
				slog.String("amortization_id", a.ID.String()),
				slog.String("doc_ref", res.DocRef),
				slog.Any("error", err))
			return err
		}
		s.invalidate(ctx, a)
		s.audit(ctx, AuditSynced, a, map[string]any{"doc_ref": res.DocRef, "doc_type": res.DocType, "journal_ref": res.JournalRef})
		res.AmortizationID = a.ID
		result = res
		return nil
	})
	return result, shared.WrapOp(op, id.String(), err)
}

// SyncBatchResult reports a company-wide sync.
type SyncBatchResult struct {
	CompanyID     string            `json:"company_id"`
	Synced        int               `json:"synced"`
	AlreadySynced int               `json:"already_synced"`
	Failed        int               `json:"failed"`
	Errors        map[string]string `json:"errors,omitempty"`
}

// SyncCompany pushes every unsynced amortization of companyID to the accounting
// system. A failing amortization is reported and the run continues.
func (s *Service) SyncCompany(ctx context.Context, companyID string) (SyncBatchResult, error) {
	const op = "amortization.sync_company"
	if err := requireCompany(companyID); err != nil {
		return SyncBatchResult{}, shared.WrapOp(op, companyID, err)
	}
	if s.integration == nil {
		return SyncBatchResult{}, shared.WrapOp(op, companyID, ErrIntegrationDisabled)
	}
	var amortizations []Amortization
	err := s.cache.Call(ctx, op, func(ctx context.Context) error {
		var err error
		amortizations, err = s.repo.ListByCompany(ctx, companyID)
		return err
	})
	if err != nil {
		return SyncBatchResult{}, shared.WrapOp(op, companyID, err)
	}

	result := SyncBatchResult{CompanyID: companyID}
	for _, a := range amortizations {
		if a.Synced() {
			result.AlreadySynced++
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, shared.WrapOp(op, companyID, err)
		}
		res, err := s.SyncToExternal(ctx, a.ID)
		switch {
		case err != nil:
			result.Failed++
			if result.Errors == nil {
				result.Errors = make(map[string]string)
			}
			result.Errors[a.Reference] = err.Error()
		case res.AlreadySynced:
			result.AlreadySynced++
		default:
			result.Synced++
		}
	}
	s.logger.Info("company synced",
		slog.String("company_id", companyID),
		slog.Int("synced", result.Synced),
		slog.Int("already_synced", result.AlreadySynced),
		slog.Int("failed", result.Failed))
	return result, nil
}

// ImportFromExternal lists the open documents of every business partner of the
// requested type. With AutoCreate one amortization is created per document that
// was not imported before.
func (s *Service) ImportFromExternal(ctx context.Context, input ImportInput) (ImportResult, error) {
	const op = "amortization.import"
	result, err := s.importFromExternal(ctx, input)
	return result, shared.WrapOp(op, input.CompanyID, err)
}

func (s *Service) importFromExternal(ctx context.Context, input ImportInput) (ImportResult, error) {
	if err := s.validateStruct(input); err != nil {
		return ImportResult{}, err
	}
	if s.directory == nil {
		return ImportResult{}, ErrIntegrationDisabled
	}
	if !input.DateFrom.IsZero() && !input.DateTo.IsZero() && input.DateTo.Before(input.DateFrom) {
		return ImportResult{}, shared.NewValidationError("date_to", "must not be before date_from")
	}
	party := partyFor(input.EntityType)

	var partners []servicelayer.BusinessPartner
	partnersKey := synccache.NewKey(input.CompanyID, "business_partners", string(party))
	if err := s.cache.Fetch(ctx, partnersKey, &partners, func(ctx context.Context) (any, error) {
		return s.directory.BusinessPartners(ctx, input.CompanyID, party)
	}); err != nil {
		return ImportResult{}, err
	}

	docs := make([][]servicelayer.OpenDocument, len(partners))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(importConcurrency)
	for i, partner := range partners {
		i, partner := i, partner
		g.Go(func() error {
			key := synccache.NewKey(input.CompanyID, "open_documents", string(party), partner.CardCode,
				formatDate(input.DateFrom), formatDate(input.DateTo))
			var out []servicelayer.OpenDocument
			err := s.cache.Fetch(gctx, key, &out, func(ctx context.Context) (any, error) {
				return s.directory.OpenDocuments(ctx, input.CompanyID, servicelayer.DocumentQuery{
					Party:    party,
					CardCode: partner.CardCode,
					From:     input.DateFrom,
					To:       input.DateTo,
				})
			})
			if err != nil {
				return fmt.Errorf("open documents of %s: %w", partner.CardCode, err)
			}
			docs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ImportResult{}, err
	}

	result := ImportResult{CompanyID: input.CompanyID, Partners: len(partners)}
	for i, partner := range partners {
		for _, doc := range docs[i] {
			item := ImportedDocument{
				CardCode:    doc.CardCode,
				CardName:    partner.CardName,
				DocEntry:    doc.DocEntry,
				DocNum:      doc.DocNum,
				DocDate:     doc.DocDate.Time,
				DocDueDate:  doc.DocDueDate.Time,
				DocTotal:    doc.DocTotal,
				PaidToDate:  doc.PaidToDate,
				Outstanding: round2(doc.Outstanding()),
				Reference:   fmt.Sprintf("%s-%d", party.DocType(), doc.DocNum),
			}
			if input.AutoCreate {
				s.importDocument(ctx, input, party, &item)
				switch {
				case item.AmortizationID != nil:
					result.Created++
				case item.Skipped:
					result.Skipped++
				default:
					result.Failed++
				}
			}
			result.Documents = append(result.Documents, item)
		}
	}
	s.logger.Info("external documents imported",
		slog.String("company_id", input.CompanyID),
		slog.Int("partners", result.Partners),
		slog.Int("documents", len(result.Documents)),
		slog.Int("created", result.Created),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed))
	return result, nil
}

func (s *Service) importDocument(ctx context.Context, input ImportInput, party servicelayer.PartyType, item *ImportedDocument) {
	if item.Outstanding <= 0 {
		item.Skipped = true
		item.Reason = "nothing outstanding"
		return
	}
	key := shared.IdempotencyKey(importModule, input.CompanyID, item.Reference)
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, importModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				item.Skipped = true
				item.Reason = "already imported"
				return
			}
			item.Reason = err.Error()
			return
		}
	}

	n := input.Installments
	if n == 0 {
		n = 1
	}
	method := input.Method
	if method == "" {
		method = MethodLinear
	}
	frequency := input.Frequency
	if frequency == "" {
		frequency = FrequencyMonthly
	}
	start := item.DocDate
	if start.IsZero() {
		start = dateOnly(s.now())
	}
	detail, err := s.Create(ctx, CreateInput{
		CompanyID:         input.CompanyID,
		EntityID:          item.CardCode,
		EntityType:        input.EntityType,
		Reference:         item.Reference,
		Description:       fmt.Sprintf("Imported %s %d %s", party.DocType(), item.DocNum, item.CardName),
		TotalAmount:       item.Outstanding,
		TotalInstallments: n,
		InterestRate:      input.InterestRate,
		Method:            method,
		Frequency:         frequency,
		StartDate:         start,
		ExternalDocRef:    strconv.Itoa(item.DocEntry),
		ExternalDocType:   party.DocType(),
	})
	if err != nil {
		if errors.Is(err, shared.ErrConflict) {
			item.Skipped = true
			item.Reason = "reference already exists"
			return
		}
		if s.idempotency != nil {
			if derr := s.idempotency.Delete(ctx, key); derr != nil {
				s.logger.Warn("idempotency key rollback failed", slog.String("reference", item.Reference), slog.Any("error", derr))
			}
		}
		item.Reason = err.Error()
		return
	}
	id := detail.Amortization.ID
	item.AmortizationID = &id
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}
