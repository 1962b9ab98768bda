package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/payslip-dispatch/internal/core/access"
	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
	"github.com/kirillkom/payslip-dispatch/internal/core/identity"
	"github.com/kirillkom/payslip-dispatch/internal/core/ports"
)

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// IngestPayrollUseCase splits a consolidated payroll PDF into encrypted
// per-employee payslips.
type IngestPayrollUseCase struct {
	reader    ports.PageReader
	encryptor ports.PageEncryptor
	storage   ports.ArtifactStorage
	repo      ports.PayslipRepository
	employees ports.EmployeeDirectory
	workers   int
	now       func() time.Time
}

func NewIngestPayrollUseCase(
	reader ports.PageReader,
	encryptor ports.PageEncryptor,
	storage ports.ArtifactStorage,
	repo ports.PayslipRepository,
	employees ports.EmployeeDirectory,
	workers int,
) *IngestPayrollUseCase {
	if workers <= 0 {
		workers = 4
	}
	return &IngestPayrollUseCase{
		reader:    reader,
		encryptor: encryptor,
		storage:   storage,
		repo:      repo,
		employees: employees,
		workers:   workers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type pageOutcome struct {
	payslip  *domain.Payslip
	employee *domain.Employee
	err      error
}

func (uc *IngestPayrollUseCase) Upload(
	ctx context.Context,
	actor domain.Actor,
	period, filename string,
	body io.Reader,
) (*domain.UploadResult, error) {
	if !strings.HasSuffix(strings.ToLower(strings.TrimSpace(filename)), ".pdf") {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", fmt.Errorf("only pdf files are accepted"))
	}
	if !periodPattern.MatchString(period) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", fmt.Errorf("period %q must be YYYY-MM", period))
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read upload", err)
	}
	pages, err := uc.reader.ReadPages(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("read pages: %w", err)
	}

	outcomes := make([]pageOutcome, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.workers)
	for i := range pages {
		g.Go(func() error {
			outcomes[i] = uc.segmentPage(gctx, actor.TenantID, period, data, i+1, pages[i])
			return nil
		})
	}
	_ = g.Wait()

	result := &domain.UploadResult{
		TotalPages: len(pages),
		Payslips:   make([]domain.PayslipSummary, 0, len(pages)),
		Errors:     make([]string, 0),
	}
	unmatched := 0
	for i, out := range outcomes {
		if out.err == nil {
			if err := uc.repo.Create(ctx, out.payslip); err != nil {
				uc.discardArtifact(ctx, out.payslip.PDFPath)
				out.err = &domain.PageError{Page: i + 1, Err: fmt.Errorf("save record: %w", err)}
			}
		}
		if out.err != nil {
			result.Errors = append(result.Errors, out.err.Error())
			continue
		}
		if out.employee == nil {
			unmatched++
		}
		result.Payslips = append(result.Payslips, summarize(out.payslip, out.employee))
	}
	result.SuccessCount = len(result.Payslips)
	result.ErrorCount = len(result.Errors)
	if unmatched > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"%d payslip(s) have no matching employee; they were saved but need an employee record before sending", unmatched))
	}
	return result, nil
}

// discardArtifact removes a stored file whose payslip record was never
// written.
func (uc *IngestPayrollUseCase) discardArtifact(ctx context.Context, key string) {
	if err := uc.storage.Remove(context.WithoutCancel(ctx), key); err != nil {
		slog.Error("artifact_discard_failed", "key", key, "error", err)
	}
}

func (uc *IngestPayrollUseCase) segmentPage(
	ctx context.Context,
	tenantID, period string,
	data []byte,
	page int,
	spans []identity.Span,
) pageOutcome {
	fail := func(err error) pageOutcome {
		return pageOutcome{err: &domain.PageError{Page: page, Err: err}}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	id, err := identity.Extract(spans)
	if err != nil {
		return fail(err)
	}

	password := id.Password()
	var encrypted bytes.Buffer
	if err := uc.encryptor.EncryptPage(ctx, data, page, password, identity.OwnerPassword(password), &encrypted); err != nil {
		return fail(fmt.Errorf("create pdf: %w", err))
	}

	key := artifactKey(tenantID, period, id.Filename())
	if err := uc.storage.Save(ctx, key, &encrypted); err != nil {
		return fail(fmt.Errorf("store pdf: %w", err))
	}

	trackingID, err := access.NewTrackingID()
	if err != nil {
		uc.discardArtifact(ctx, key)
		return fail(err)
	}

	emp, err := uc.employees.FindByNationalID(ctx, tenantID, id.NationalID)
	switch {
	case domain.IsKind(err, domain.ErrEmployeeNotFound):
		emp = nil
	case err != nil:
		uc.discardArtifact(ctx, key)
		return fail(fmt.Errorf("employee lookup: %w", err))
	}

	now := uc.now()
	p := &domain.Payslip{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		NationalID:  id.NationalID,
		FirstName:   id.FirstName,
		LastName:    id.LastName,
		Period:      period,
		PeriodLabel: id.PeriodLabel,
		PDFPath:     key,
		PDFPassword: password,
		TrackingID:  trackingID,
		Status:      domain.StatusNoEmployee,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if emp != nil {
		p.EmployeeID = emp.ID
		p.Status = domain.StatusPending
	}
	return pageOutcome{payslip: p, employee: emp}
}

func summarize(p *domain.Payslip, emp *domain.Employee) domain.PayslipSummary {
	s := domain.PayslipSummary{
		ID:          p.ID,
		EmployeeID:  p.EmployeeID,
		NationalID:  p.MaskedNationalID(),
		Period:      p.Period,
		PeriodLabel: p.PeriodLabel,
		Status:      p.Status,
		TrackingID:  p.TrackingID,
		HasEmployee: emp != nil,
		CreatedAt:   p.CreatedAt,
	}
	if emp != nil {
		s.EmployeeName = emp.FullName()
		s.EmployeeEmail = emp.Email
		return s
	}
	s.EmployeeName = p.ExtractedName()
	if s.EmployeeName == "" {
		s.EmployeeName = "unknown"
	}
	s.ExtractedName = s.EmployeeName
	return s
}

// artifactKey lays artifacts out as {tenant}/{period}/{file}.
func artifactKey(tenantID, period, filename string) string {
	return path.Join(sanitizeSegment(tenantID), sanitizeSegment(period), sanitizeSegment(filename))
}

func sanitizeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return -1
		default:
			return r
		}
	}, s)
	s = strings.TrimLeft(s, ".")
	if s == "" {
		return "_"
	}
	return s
}
