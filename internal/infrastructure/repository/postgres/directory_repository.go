package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
)

// EmployeeDirectory reads the employees table owned by the tenant admin service.
type EmployeeDirectory struct {
	db *sql.DB
}

func NewEmployeeDirectory(db *sql.DB) *EmployeeDirectory {
	return &EmployeeDirectory{db: db}
}

const employeeColumns = `id, tenant_id, national_id, first_name, last_name, email, is_active`

func (d *EmployeeDirectory) FindByNationalID(ctx context.Context, tenantID, nationalID string) (*domain.Employee, error) {
	query := `SELECT ` + employeeColumns + ` FROM employees WHERE tenant_id = $1 AND national_id = $2`
	emp, err := scanEmployee(d.db.QueryRowContext(ctx, query, tenantID, nationalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrEmployeeNotFound, "find employee", errors.New("national id has no match"))
		}
		return nil, fmt.Errorf("query employee by national id: %w", err)
	}
	return emp, nil
}

func (d *EmployeeDirectory) GetByID(ctx context.Context, tenantID, id string) (*domain.Employee, error) {
	query := `SELECT ` + employeeColumns + ` FROM employees WHERE tenant_id = $1 AND id = $2`
	emp, err := scanEmployee(d.db.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrEmployeeNotFound, "get employee", fmt.Errorf("id %s", id))
		}
		return nil, fmt.Errorf("query employee: %w", err)
	}
	return emp, nil
}

func scanEmployee(row rowScanner) (*domain.Employee, error) {
	var emp domain.Employee
	if err := row.Scan(&emp.ID, &emp.TenantID, &emp.NationalID, &emp.FirstName, &emp.LastName, &emp.Email, &emp.Active); err != nil {
		return nil, err
	}
	return &emp, nil
}

// SecretOpener decrypts values sealed at rest.
type SecretOpener interface {
	Open(sealed string) (string, error)
}

// TenantDirectory loads per-tenant delivery settings. The SMTP password is
// stored sealed and opened on every load.
type TenantDirectory struct {
	db      *sql.DB
	secrets SecretOpener
}

func NewTenantDirectory(db *sql.DB, secrets SecretOpener) *TenantDirectory {
	return &TenantDirectory{db: db, secrets: secrets}
}

func (d *TenantDirectory) DeliverySettings(ctx context.Context, tenantID string) (*domain.DeliverySettings, error) {
	const query = `
SELECT id, company_name, smtp_host, smtp_port, smtp_username, smtp_password, smtp_use_tls, smtp_sender_name,
	subject_template, body_template, primary_color, secondary_color, logo_url, footer, disclaimer,
	tracking_base_url, mail_delay_seconds
FROM tenants
WHERE id = $1
`
	var (
		s         domain.DeliverySettings
		sealed    string
		delaySecs sql.NullInt64
	)
	err := d.db.QueryRowContext(ctx, query, tenantID).Scan(
		&s.TenantID,
		&s.CompanyName,
		&s.SMTP.Host,
		&s.SMTP.Port,
		&s.SMTP.Username,
		&sealed,
		&s.SMTP.UseTLS,
		&s.SMTP.SenderName,
		&s.SubjectTemplate,
		&s.BodyTemplate,
		&s.Branding.PrimaryColor,
		&s.Branding.SecondaryColor,
		&s.Branding.LogoURL,
		&s.Branding.Footer,
		&s.Branding.Disclaimer,
		&s.TrackingBaseURL,
		&delaySecs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrTenantNotFound, "load delivery settings", fmt.Errorf("tenant %s", tenantID))
		}
		return nil, fmt.Errorf("query tenant: %w", err)
	}

	if sealed != "" {
		password, err := d.secrets.Open(sealed)
		if err != nil {
			return nil, fmt.Errorf("open smtp password for tenant %s: %w", tenantID, err)
		}
		s.SMTP.Password = password
	}
	if delaySecs.Valid && delaySecs.Int64 > 0 {
		s.MailDelay = time.Duration(delaySecs.Int64) * time.Second
	}
	return &s, nil
}
