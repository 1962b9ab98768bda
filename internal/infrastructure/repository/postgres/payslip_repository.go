package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
)

type PayslipRepository struct {
	db *sql.DB
}

func NewPayslipRepository(db *sql.DB) *PayslipRepository {
	return &PayslipRepository{db: db}
}

const payslipColumns = `id, tenant_id, employee_id, national_id, first_name, last_name, period, period_label,
	pdf_path, pdf_password, tracking_id, status, sent_at, sent_by, send_error, created_at, updated_at`

func (r *PayslipRepository) Create(ctx context.Context, p *domain.Payslip) error {
	const query = `
INSERT INTO payslips (id, tenant_id, employee_id, national_id, first_name, last_name, period, period_label,
	pdf_path, pdf_password, tracking_id, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`
	_, err := r.db.ExecContext(ctx, query,
		p.ID,
		p.TenantID,
		nullString(p.EmployeeID),
		p.NationalID,
		p.FirstName,
		p.LastName,
		p.Period,
		p.PeriodLabel,
		p.PDFPath,
		p.PDFPassword,
		p.TrackingID,
		string(p.Status),
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payslip: %w", err)
	}
	return nil
}

func (r *PayslipRepository) GetByID(ctx context.Context, tenantID, id string) (*domain.Payslip, error) {
	query := `SELECT ` + payslipColumns + ` FROM payslips WHERE id = $1 AND tenant_id = $2`
	p, err := scanPayslip(r.db.QueryRowContext(ctx, query, id, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrPayslipNotFound, "get payslip", fmt.Errorf("id %s", id))
		}
		return nil, fmt.Errorf("query payslip: %w", err)
	}
	return p, nil
}

func (r *PayslipRepository) GetByTrackingID(ctx context.Context, trackingID string) (*domain.Payslip, error) {
	query := `SELECT ` + payslipColumns + ` FROM payslips WHERE tracking_id = $1`
	p, err := scanPayslip(r.db.QueryRowContext(ctx, query, trackingID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrPayslipNotFound, "get payslip by tracking id", errors.New("no match"))
		}
		return nil, fmt.Errorf("query payslip by tracking id: %w", err)
	}
	return p, nil
}

func (r *PayslipRepository) ListByIDs(ctx context.Context, tenantID string, ids []string) ([]domain.Payslip, error) {
	if len(ids) == 0 {
		return []domain.Payslip{}, nil
	}
	// The pgx driver binds a []string as text[].
	query := `SELECT ` + payslipColumns + `
FROM payslips
WHERE tenant_id = $1 AND id = ANY($2)`
	rows, err := r.db.QueryContext(ctx, query, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("list payslips: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Payslip, 0, len(ids))
	for rows.Next() {
		p, err := scanPayslip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payslip: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payslips: %w", err)
	}
	return out, nil
}

// MarkSent records a successful delivery. Opened and downloaded payslips
// keep their status; the SENT event is appended in the same transaction.
func (r *PayslipRepository) MarkSent(ctx context.Context, id, sentBy string, at time.Time, client domain.ClientInfo) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark sent tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const update = `
UPDATE payslips
SET status = CASE WHEN status IN ('OPENED', 'DOWNLOADED') THEN status ELSE 'SENT' END,
	sent_at = $2,
	sent_by = $3,
	send_error = NULL,
	updated_at = $2
WHERE id = $1
`
	res, err := tx.ExecContext(ctx, update, id, at, sentBy)
	if err != nil {
		return fmt.Errorf("mark payslip sent: %w", err)
	}
	if err := requireRow(res, "mark payslip sent", id); err != nil {
		return err
	}

	if err := insertEvent(ctx, tx, &domain.TrackingEvent{
		ID:        uuid.NewString(),
		PayslipID: id,
		Kind:      domain.EventSent,
		IPAddress: client.Address,
		UserAgent: client.UserAgent,
		CreatedAt: at,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark sent tx: %w", err)
	}
	return nil
}

func (r *PayslipRepository) MarkFailed(ctx context.Context, id, message string) error {
	const query = `
UPDATE payslips
SET status = CASE WHEN status IN ('OPENED', 'DOWNLOADED', 'NO_EMPLOYEE') THEN status ELSE 'FAILED' END,
	send_error = $2,
	updated_at = $3
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, query, id, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark payslip failed: %w", err)
	}
	return requireRow(res, "mark payslip failed", id)
}

// RecordTrackingEvent appends ev and advances the payslip status when it
// currently sits on one of the statuses the event may advance from. The
// conditional update keeps concurrent opens from moving status twice.
func (r *PayslipRepository) RecordTrackingEvent(ctx context.Context, ev *domain.TrackingEvent) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tracking tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := insertEvent(ctx, tx, ev); err != nil {
		return false, err
	}

	advanced := false
	target := ev.Kind.Status()
	if sources := domain.AdvanceSources(target); len(sources) > 0 {
		names := make([]string, 0, len(sources))
		for _, s := range sources {
			names = append(names, string(s))
		}
		const query = `
UPDATE payslips
SET status = $2, updated_at = $4
WHERE id = $1 AND status = ANY($3)
`
		res, err := tx.ExecContext(ctx, query, ev.PayslipID, string(target), names, ev.CreatedAt)
		if err != nil {
			return false, fmt.Errorf("advance payslip status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("rows affected: %w", err)
		}
		advanced = affected > 0
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tracking tx: %w", err)
	}
	return advanced, nil
}

func (r *PayslipRepository) ListEvents(ctx context.Context, tenantID, payslipID string) ([]domain.TrackingEvent, error) {
	const query = `
SELECT e.id, e.payslip_id, e.event_type, e.ip_address, e.user_agent, e.created_at
FROM tracking_events e
JOIN payslips p ON p.id = e.payslip_id
WHERE e.payslip_id = $1 AND p.tenant_id = $2
ORDER BY e.created_at ASC
`
	rows, err := r.db.QueryContext(ctx, query, payslipID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tracking events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.TrackingEvent, 0)
	for rows.Next() {
		var (
			ev        domain.TrackingEvent
			kind      string
			ipAddress sql.NullString
			userAgent sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.PayslipID, &kind, &ipAddress, &userAgent, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tracking event: %w", err)
		}
		ev.Kind = domain.TrackingEventKind(kind)
		ev.IPAddress = ipAddress.String
		ev.UserAgent = userAgent.String
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracking events: %w", err)
	}
	return out, nil
}

func (r *PayslipRepository) Stats(ctx context.Context, tenantID, period string) (domain.TrackingStats, error) {
	const query = `
SELECT status, count(*)
FROM payslips
WHERE tenant_id = $1 AND ($2 = '' OR period = $2)
GROUP BY status
`
	var stats domain.TrackingStats
	rows, err := r.db.QueryContext(ctx, query, tenantID, period)
	if err != nil {
		return stats, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan stats: %w", err)
		}
		stats.Add(domain.PayslipStatus(status), count)
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayslip(row rowScanner) (*domain.Payslip, error) {
	var (
		p          domain.Payslip
		employeeID sql.NullString
		status     string
		sentAt     sql.NullTime
		sentBy     sql.NullString
		sendError  sql.NullString
	)
	if err := row.Scan(
		&p.ID,
		&p.TenantID,
		&employeeID,
		&p.NationalID,
		&p.FirstName,
		&p.LastName,
		&p.Period,
		&p.PeriodLabel,
		&p.PDFPath,
		&p.PDFPassword,
		&p.TrackingID,
		&status,
		&sentAt,
		&sentBy,
		&sendError,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.EmployeeID = employeeID.String
	p.Status = domain.PayslipStatus(status)
	if sentAt.Valid {
		t := sentAt.Time
		p.SentAt = &t
	}
	p.SentBy = sentBy.String
	p.SendError = sendError.String
	return &p, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *domain.TrackingEvent) error {
	const query = `
INSERT INTO tracking_events (id, payslip_id, event_type, ip_address, user_agent, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	if _, err := tx.ExecContext(ctx, query,
		ev.ID,
		ev.PayslipID,
		string(ev.Kind),
		nullString(ev.IPAddress),
		nullString(ev.UserAgent),
		ev.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert tracking event: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, operation, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrPayslipNotFound, operation, fmt.Errorf("id %s", id))
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
