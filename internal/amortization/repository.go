package amortization

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-amortization/internal/platform/db"
	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

// Repository defines amortization data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	Get(ctx context.Context, id uuid.UUID) (Amortization, error)
	List(ctx context.Context, filter ListFilter) ([]Amortization, int, error)
	ListInstallments(ctx context.Context, amortizationID uuid.UUID) ([]Installment, error)
	GetInstallment(ctx context.Context, id uuid.UUID) (Installment, error)

	ListByCompany(ctx context.Context, companyID string) ([]Amortization, error)
	ListInstallmentsByCompany(ctx context.Context, companyID string) ([]Installment, error)
	ListCompanies(ctx context.Context) ([]string, error)
}

// TxRepository defines operations within a transaction.
type TxRepository interface {
	Insert(ctx context.Context, a Amortization) error
	Update(ctx context.Context, a Amortization) error
	Delete(ctx context.Context, id uuid.UUID) error
	ReplaceInstallments(ctx context.Context, amortizationID uuid.UUID, insts []Installment) error
	UpdateInstallment(ctx context.Context, inst Installment) error
}

var (
	_ Repository   = (*pgRepository)(nil)
	_ TxRepository = (*pgTxRepository)(nil)
)

const amortizationColumns = `id, company_id, entity_id, entity_type, reference, description,
	total_amount, total_installments, interest_rate, method, frequency, start_date, status,
	external_doc_ref, external_doc_type, paid_amount, pending_amount, paid_installments,
	installment_amount, total_interest, end_date, next_due_date, created_at, updated_at, is_active`

const installmentColumns = `id, amortization_id, installment_number, due_date, principal_amount,
	interest_amount, late_fee, paid_amount, balance_after, remaining_balance, status, is_overdue,
	payment_date, external_payment_ref, external_journal_ref, notes, created_at, updated_at`

var installmentColumnList = strings.Split(strings.Join(strings.Fields(installmentColumns), ""), ",")

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

type pgTxRepository struct {
	tx pgx.Tx
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
	return shared.ClassifyPG(err)
}

func scanAmortization(row pgx.Row) (Amortization, error) {
	var a Amortization
	err := row.Scan(
		&a.ID, &a.CompanyID, &a.EntityID, &a.EntityType, &a.Reference, &a.Description,
		&a.TotalAmount, &a.TotalInstallments, &a.InterestRate, &a.Method, &a.Frequency, &a.StartDate, &a.Status,
		&a.ExternalDocRef, &a.ExternalDocType, &a.PaidAmount, &a.PendingAmount, &a.PaidInstallments,
		&a.InstallmentAmount, &a.TotalInterest, &a.EndDate, &a.NextDueDate, &a.CreatedAt, &a.UpdatedAt, &a.IsActive,
	)
	return a, err
}

func scanInstallment(row pgx.Row) (Installment, error) {
	var inst Installment
	err := row.Scan(
		&inst.ID, &inst.AmortizationID, &inst.InstallmentNumber, &inst.DueDate, &inst.PrincipalAmount,
		&inst.InterestAmount, &inst.LateFee, &inst.PaidAmount, &inst.BalanceAfter, &inst.RemainingBalance,
		&inst.Status, &inst.IsOverdue, &inst.PaymentDate, &inst.ExternalPaymentRef, &inst.ExternalJournalRef,
		&inst.Notes, &inst.CreatedAt, &inst.UpdatedAt,
	)
	return inst, err
}

func (r *pgRepository) Get(ctx context.Context, id uuid.UUID) (Amortization, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+amortizationColumns+` FROM amortizations WHERE id = $1`, id)
	a, err := scanAmortization(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Amortization{}, shared.NotFoundf("amortization %s", id)
		}
		return Amortization{}, shared.ClassifyPG(err)
	}
	return a, nil
}

func (r *pgRepository) List(ctx context.Context, filter ListFilter) ([]Amortization, int, error) {
	var conditions []string
	var args []interface{}
	argPos := 1

	add := func(cond string, value interface{}) {
		conditions = append(conditions, fmt.Sprintf(cond, argPos))
		args = append(args, value)
		argPos++
	}

	add("company_id = $%d", filter.CompanyID)
	if !filter.IncludeInactive {
		conditions = append(conditions, "is_active")
	}
	if filter.EntityType != "" {
		add("entity_type = $%d", filter.EntityType)
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Method != "" {
		add("method = $%d", filter.Method)
	}
	if !filter.DateFrom.IsZero() {
		add("start_date >= $%d", filter.DateFrom)
	}
	if !filter.DateTo.IsZero() {
		add("start_date <= $%d", filter.DateTo)
	}
	if filter.OverdueOnly {
		conditions = append(conditions, "status = 'overdue'")
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		conditions = append(conditions, fmt.Sprintf("(reference ILIKE $%d OR description ILIKE $%d OR entity_id ILIKE $%d)", argPos, argPos, argPos))
		args = append(args, pattern)
		argPos++
	}
	whereClause := "WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM amortizations "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, shared.ClassifyPG(err)
	}

	query := fmt.Sprintf(`SELECT %s FROM amortizations %s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d`, amortizationColumns, whereClause, argPos, argPos+1)
	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)

	items, err := r.queryAmortizations(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *pgRepository) queryAmortizations(ctx context.Context, query string, args ...interface{}) ([]Amortization, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, shared.ClassifyPG(err)
	}
	defer rows.Close()

	var items []Amortization
	for rows.Next() {
		a, err := scanAmortization(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, shared.ClassifyPG(rows.Err())
}

func (r *pgRepository) queryInstallments(ctx context.Context, query string, args ...interface{}) ([]Installment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, shared.ClassifyPG(err)
	}
	defer rows.Close()

	var items []Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, inst)
	}
	return items, shared.ClassifyPG(rows.Err())
}

func (r *pgRepository) ListInstallments(ctx context.Context, amortizationID uuid.UUID) ([]Installment, error) {
	return r.queryInstallments(ctx, `SELECT `+installmentColumns+` FROM amortization_installments
		WHERE amortization_id = $1 ORDER BY installment_number`, amortizationID)
}

func (r *pgRepository) GetInstallment(ctx context.Context, id uuid.UUID) (Installment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+installmentColumns+` FROM amortization_installments WHERE id = $1`, id)
	inst, err := scanInstallment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Installment{}, shared.NotFoundf("installment %s", id)
		}
		return Installment{}, shared.ClassifyPG(err)
	}
	return inst, nil
}

func (r *pgRepository) ListByCompany(ctx context.Context, companyID string) ([]Amortization, error) {
	return r.queryAmortizations(ctx, `SELECT `+amortizationColumns+` FROM amortizations
		WHERE company_id = $1 AND is_active ORDER BY created_at, id`, companyID)
}

func (r *pgRepository) ListInstallmentsByCompany(ctx context.Context, companyID string) ([]Installment, error) {
	return r.queryInstallments(ctx, `SELECT i.`+strings.Join(installmentColumnList, ", i.")+`
		FROM amortization_installments i
		JOIN amortizations a ON a.id = i.amortization_id
		WHERE a.company_id = $1 AND a.is_active
		ORDER BY i.amortization_id, i.installment_number`, companyID)
}

func (r *pgRepository) ListCompanies(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT company_id FROM amortizations WHERE is_active ORDER BY company_id`)
	if err != nil {
		return nil, shared.ClassifyPG(err)
	}
	defer rows.Close()
	var companies []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		companies = append(companies, id)
	}
	return companies, shared.ClassifyPG(rows.Err())
}

func uniqueViolation(err error, a Amortization) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return shared.Conflictf("reference %q already exists for company %s", a.Reference, a.CompanyID)
	}
	return shared.ClassifyPG(err)
}

func (t *pgTxRepository) Insert(ctx context.Context, a Amortization) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO amortizations (`+amortizationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		a.ID, a.CompanyID, a.EntityID, a.EntityType, a.Reference, a.Description,
		a.TotalAmount, a.TotalInstallments, a.InterestRate, a.Method, a.Frequency, a.StartDate, a.Status,
		a.ExternalDocRef, a.ExternalDocType, a.PaidAmount, a.PendingAmount, a.PaidInstallments,
		a.InstallmentAmount, a.TotalInterest, a.EndDate, a.NextDueDate, a.CreatedAt, a.UpdatedAt, a.IsActive,
	)
	if err != nil {
		return uniqueViolation(err, a)
	}
	return nil
}

func (t *pgTxRepository) Update(ctx context.Context, a Amortization) error {
	tag, err := t.tx.Exec(ctx, `UPDATE amortizations SET
		reference = $2, description = $3, total_amount = $4, total_installments = $5, interest_rate = $6,
		method = $7, frequency = $8, start_date = $9, status = $10, external_doc_ref = $11,
		external_doc_type = $12, paid_amount = $13, pending_amount = $14, paid_installments = $15,
		installment_amount = $16, total_interest = $17, end_date = $18, next_due_date = $19, updated_at = $20,
		is_active = $21
		WHERE id = $1`,
		a.ID, a.Reference, a.Description, a.TotalAmount, a.TotalInstallments, a.InterestRate,
		a.Method, a.Frequency, a.StartDate, a.Status, a.ExternalDocRef,
		a.ExternalDocType, a.PaidAmount, a.PendingAmount, a.PaidInstallments,
		a.InstallmentAmount, a.TotalInterest, a.EndDate, a.NextDueDate, a.UpdatedAt, a.IsActive,
	)
	if err != nil {
		return uniqueViolation(err, a)
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFoundf("amortization %s", a.ID)
	}
	return nil
}

func (t *pgTxRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM amortizations WHERE id = $1`, id)
	if err != nil {
		return shared.ClassifyPG(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFoundf("amortization %s", id)
	}
	return nil
}

func (t *pgTxRepository) ReplaceInstallments(ctx context.Context, amortizationID uuid.UUID, insts []Installment) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM amortization_installments WHERE amortization_id = $1`, amortizationID); err != nil {
		return shared.ClassifyPG(err)
	}
	_, err := t.tx.CopyFrom(ctx, pgx.Identifier{"amortization_installments"}, installmentColumnList,
		pgx.CopyFromSlice(len(insts), func(i int) ([]any, error) {
			inst := insts[i]
			return []any{
				inst.ID, amortizationID, inst.InstallmentNumber, inst.DueDate, inst.PrincipalAmount,
				inst.InterestAmount, inst.LateFee, inst.PaidAmount, inst.BalanceAfter, inst.RemainingBalance,
				string(inst.Status), inst.IsOverdue, inst.PaymentDate, inst.ExternalPaymentRef, inst.ExternalJournalRef,
				inst.Notes, inst.CreatedAt, inst.UpdatedAt,
			}, nil
		}))
	return shared.ClassifyPG(err)
}

func (t *pgTxRepository) UpdateInstallment(ctx context.Context, inst Installment) error {
	tag, err := t.tx.Exec(ctx, `UPDATE amortization_installments SET
		late_fee = $2, paid_amount = $3, remaining_balance = $4, status = $5, is_overdue = $6,
		payment_date = $7, external_payment_ref = $8, external_journal_ref = $9, notes = $10, updated_at = $11
		WHERE id = $1`,
		inst.ID, inst.LateFee, inst.PaidAmount, inst.RemainingBalance, inst.Status, inst.IsOverdue,
		inst.PaymentDate, inst.ExternalPaymentRef, inst.ExternalJournalRef, inst.Notes, inst.UpdatedAt,
	)
	if err != nil {
		return shared.ClassifyPG(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFoundf("installment %s", inst.ID)
	}
	return nil
}
