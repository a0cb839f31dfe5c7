// Package servicelayer is a client for a Service Layer style accounting system:
// per company sessions, business partners, open invoices, payments and journal entries.
package servicelayer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

const (
	sessionCookie = "B1SESSION"
	maxPages      = 100
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	IdleTimeout time.Duration
	// RateLimit is the number of outbound requests per second. Zero disables limiting.
	RateLimit float64
	Burst     int
	// PageSize bounds list queries.
	PageSize int
}

// Client talks to the accounting system on behalf of many companies.
type Client struct {
	baseURL     string
	http        *http.Client
	credentials CredentialProvider
	sessions    SessionStore
	idle        time.Duration
	limiter     *rate.Limiter
	pageSize    int
	logins      *shared.KeyedMutex
	logger      *slog.Logger
	now         func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock overrides the clock used for idle expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient constructs a Client. credentials and sessions are required.
func NewClient(cfg Config, credentials CredentialProvider, sessions SessionStore, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("servicelayer: base url required")
	}
	if credentials == nil {
		return nil, errors.New("servicelayer: credential provider required")
	}
	if sessions == nil {
		sessions = NewMemorySessionStore()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		http:        &http.Client{Timeout: cfg.Timeout},
		credentials: credentials,
		sessions:    sessions,
		idle:        cfg.IdleTimeout,
		pageSize:    cfg.PageSize,
		logins:      shared.NewKeyedMutex(),
		logger:      slog.Default(),
		now:         time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimit))
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Login opens a session for companyID and stores it.
func (c *Client) Login(ctx context.Context, companyID string) (Session, error) {
	creds, err := c.credentials.Credentials(ctx, companyID)
	if err != nil {
		return Session{}, err
	}
	if err := Validate(creds); err != nil {
		return Session{}, shared.NewValidationError("credentials", err.Error())
	}
	var out struct {
		SessionID string `json:"SessionId"`
	}
	if err := c.send(ctx, http.MethodPost, "/Login", nil, creds, "", &out); err != nil {
		return Session{}, fmt.Errorf("servicelayer login %s: %w", companyID, err)
	}
	if out.SessionID == "" {
		return Session{}, &shared.ExternalSystemError{Status: http.StatusOK, Message: "login returned no session id"}
	}
	session := Session{CompanyID: companyID, ID: out.SessionID, LastActivity: c.now()}
	if err := c.sessions.Save(ctx, session); err != nil {
		return Session{}, err
	}
	c.logger.Info("servicelayer session opened", slog.String("company", companyID))
	return session, nil
}

// Logout closes the session of companyID, if any.
func (c *Client) Logout(ctx context.Context, companyID string) error {
	session, ok, err := c.sessions.Get(ctx, companyID)
	if err != nil || !ok {
		return err
	}
	defer func() { _ = c.sessions.Delete(ctx, companyID) }()
	if session.Expired(c.now(), c.idle) {
		return nil
	}
	return c.send(ctx, http.MethodPost, "/Logout", nil, nil, session.ID, nil)
}

// session returns a live session, logging in again when idle for too long.
func (c *Client) session(ctx context.Context, companyID string) (Session, error) {
	session, ok, err := c.sessions.Get(ctx, companyID)
	if err != nil {
		return Session{}, err
	}
	if ok && !session.Expired(c.now(), c.idle) {
		return session, nil
	}
	unlock, err := c.logins.Lock(ctx, companyID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()
	// another caller may have logged in while we waited
	session, ok, err = c.sessions.Get(ctx, companyID)
	if err != nil {
		return Session{}, err
	}
	if ok && !session.Expired(c.now(), c.idle) {
		return session, nil
	}
	return c.Login(ctx, companyID)
}

func (c *Client) touch(ctx context.Context, session Session) {
	session.LastActivity = c.now()
	if err := c.sessions.Save(ctx, session); err != nil {
		c.logger.Warn("servicelayer session touch failed", slog.String("company", session.CompanyID), slog.Any("error", err))
	}
}

// call runs an authenticated request, logging in again once when the session was rejected.
func (c *Client) call(ctx context.Context, companyID, method, path string, query url.Values, body, out any) error {
	session, err := c.session(ctx, companyID)
	if err != nil {
		return err
	}
	err = c.send(ctx, method, path, query, body, session.ID, out)
	var ext *shared.ExternalSystemError
	if errors.As(err, &ext) && ext.Status == http.StatusUnauthorized {
		c.logger.Info("servicelayer session rejected, logging in again", slog.String("company", companyID))
		if err := c.sessions.Delete(ctx, companyID); err != nil {
			return err
		}
		session, err = c.Login(ctx, companyID)
		if err != nil {
			return err
		}
		err = c.send(ctx, method, path, query, body, session.ID, out)
	}
	if err == nil {
		c.touch(ctx, session)
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any, sessionID string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return shared.Transient(fmt.Errorf("servicelayer rate limit: %w", err))
		}
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("servicelayer: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("servicelayer: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: sessionID})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return shared.Transient(fmt.Errorf("servicelayer %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return shared.Transient(fmt.Errorf("servicelayer %s %s: read body: %w", method, path, err))
	}
	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, payload)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &shared.ExternalSystemError{Status: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	return nil
}

// classifyStatus maps a failed response: 429 and 5xx are transient, any other
// status is a business rejection carrying the remote message verbatim.
func classifyStatus(status int, payload []byte) error {
	code, message := parseRemoteError(payload)
	ext := &shared.ExternalSystemError{Status: status, Code: code, Message: message}
	if status == http.StatusTooManyRequests || status >= 500 {
		return shared.Transient(ext)
	}
	return ext
}

func parseRemoteError(payload []byte) (string, string) {
	var body struct {
		Error struct {
			Code    json.RawMessage `json:"code"`
			Message json.RawMessage `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || len(body.Error.Message) == 0 {
		return "", strings.TrimSpace(string(payload))
	}
	code := strings.Trim(string(body.Error.Code), `"`)
	var text string
	if err := json.Unmarshal(body.Error.Message, &text); err == nil {
		return code, text
	}
	var localized struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(body.Error.Message, &localized); err == nil && localized.Value != "" {
		return code, localized.Value
	}
	return code, string(body.Error.Message)
}

type page struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"odata.nextLink"`
	Next4    string            `json:"@odata.nextLink"`
}

func (p page) next() string {
	if p.NextLink != "" {
		return p.NextLink
	}
	return p.Next4
}

// list follows next links and decodes each row with decode.
func (c *Client) list(ctx context.Context, companyID, path string, query url.Values, decode func(json.RawMessage) error) error {
	for i := 0; i < maxPages; i++ {
		var p page
		if err := c.call(ctx, companyID, http.MethodGet, path, query, nil, &p); err != nil {
			return err
		}
		for _, row := range p.Value {
			if err := decode(row); err != nil {
				return err
			}
		}
		next := p.next()
		if next == "" {
			return nil
		}
		u, err := url.Parse(next)
		if err != nil {
			return &shared.ExternalSystemError{Status: http.StatusOK, Message: "invalid next link " + next}
		}
		path = "/" + strings.TrimPrefix(u.Path[strings.LastIndex(u.Path, "/")+1:], "/")
		query = u.Query()
	}
	return &shared.ExternalSystemError{Status: http.StatusOK, Message: "too many result pages"}
}

func (c *Client) pagedQuery(filter Filter, fields ...string) url.Values {
	q := url.Values{}
	if !filter.IsZero() {
		q.Set("$filter", filter.String())
	}
	if len(fields) > 0 {
		q.Set("$select", strings.Join(fields, ","))
	}
	q.Set("$top", fmt.Sprintf("%d", c.pageSize))
	return q
}

// BusinessPartners lists the customers or suppliers of a company. Rows failing
// validation are skipped.
func (c *Client) BusinessPartners(ctx context.Context, companyID string, party PartyType) ([]BusinessPartner, error) {
	query := c.pagedQuery(Eq("CardType", party.CardType()),
		"CardCode", "CardName", "CardType", "Currency", "CreditLine", "CurrentAccountBalance")
	var out []BusinessPartner
	err := c.list(ctx, companyID, "/BusinessPartners", query, func(row json.RawMessage) error {
		var bp BusinessPartner
		if err := json.Unmarshal(row, &bp); err != nil {
			c.logger.Warn("servicelayer skipped malformed business partner", slog.Any("error", err))
			return nil
		}
		if err := Validate(bp); err != nil {
			c.logger.Warn("servicelayer skipped invalid business partner", slog.String("card_code", bp.CardCode), slog.Any("error", err))
			return nil
		}
		out = append(out, bp)
		return nil
	})
	return out, err
}

// OpenDocuments lists the open invoices of one partner in a date range. Rows
// failing validation are skipped.
func (c *Client) OpenDocuments(ctx context.Context, companyID string, q DocumentQuery) ([]OpenDocument, error) {
	if q.CardCode == "" {
		return nil, shared.NewValidationError("card_code", "required")
	}
	filter := Eq("CardCode", q.CardCode).And(Eq("DocumentStatus", "bost_Open"))
	if !q.From.IsZero() {
		filter = filter.And(Ge("DocDate", q.From))
	}
	if !q.To.IsZero() {
		filter = filter.And(Le("DocDate", q.To))
	}
	query := c.pagedQuery(filter,
		"DocEntry", "DocNum", "CardCode", "CardName", "DocDate", "DocDueDate", "DocTotal", "PaidToDate")
	var out []OpenDocument
	err := c.list(ctx, companyID, "/"+q.Party.invoiceEndpoint(), query, func(row json.RawMessage) error {
		var doc OpenDocument
		if err := json.Unmarshal(row, &doc); err != nil {
			c.logger.Warn("servicelayer skipped malformed document", slog.Any("error", err))
			return nil
		}
		if err := Validate(doc); err != nil {
			c.logger.Warn("servicelayer skipped invalid document", slog.Int("doc_entry", doc.DocEntry), slog.Any("error", err))
			return nil
		}
		out = append(out, doc)
		return nil
	})
	return out, err
}

func (c *Client) create(ctx context.Context, companyID, path, docType string, record any) (DocumentRef, error) {
	if err := Validate(record); err != nil {
		return DocumentRef{}, shared.NewValidationError("record", err.Error())
	}
	var created createdDocument
	if err := c.call(ctx, companyID, http.MethodPost, path, nil, record, &created); err != nil {
		return DocumentRef{}, err
	}
	ref := created.ref(docType)
	if err := Validate(ref); err != nil {
		return DocumentRef{}, &shared.ExternalSystemError{Status: http.StatusCreated, Message: "response without document entry"}
	}
	return ref, nil
}

// CreateInvoice posts an A/R invoice for customers or an A/P invoice for suppliers.
func (c *Client) CreateInvoice(ctx context.Context, companyID string, invoice InvoiceRecord) (DocumentRef, error) {
	if invoice.DocType == "" {
		invoice.DocType = "dDocument_Service"
	}
	return c.create(ctx, companyID, "/"+invoice.Party.invoiceEndpoint(), invoice.Party.DocType(), invoice)
}

// CreatePayment posts an incoming payment for customers or a vendor payment for suppliers.
func (c *Client) CreatePayment(ctx context.Context, companyID string, payment PaymentRecord) (DocumentRef, error) {
	return c.create(ctx, companyID, "/"+payment.Party.paymentEndpoint(), "PAY", payment)
}

// CreateJournalEntry posts a journal entry.
func (c *Client) CreateJournalEntry(ctx context.Context, companyID string, entry JournalEntry) (DocumentRef, error) {
	var debit, credit float64
	for _, line := range entry.JournalEntryLines {
		debit += line.Debit
		credit += line.Credit
	}
	if diff := debit - credit; diff > 0.005 || diff < -0.005 {
		return DocumentRef{}, shared.NewValidationError("journal_entry_lines", "debits and credits must balance")
	}
	return c.create(ctx, companyID, "/JournalEntries", "JE", entry)
}
