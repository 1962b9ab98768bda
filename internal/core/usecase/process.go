package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/payslip-dispatch/internal/core/access"
	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
	"github.com/kirillkom/payslip-dispatch/internal/core/ports"
)

const (
	outcomeSent    = "sent"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
	outcomeResent  = "already_sent"
)

var errJobSetup = errors.New("job setup failed")

// RunJob sends every payslip of a job in creation order. Item failures are
// recorded on the job; only setup failures fail the job itself.
func (uc *DeliveryUseCase) RunJob(ctx context.Context, jobID string) error {
	job, err := uc.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		logger().Info("job_already_finished", "job_id", jobID, "status", job.Status)
		return nil
	}

	if _, err := uc.jobs.Update(ctx, jobID, func(j *domain.DeliveryJob) error {
		j.Start(uc.now())
		return nil
	}); err != nil {
		return fmt.Errorf("set job running: %w", err)
	}

	settings, payslips, err := uc.prepare(ctx, job)
	if err != nil {
		return uc.failJob(ctx, jobID, err)
	}

	session, err := uc.transport.Open(ctx, settings.SMTP)
	if err != nil {
		return uc.failJob(ctx, jobID, fmt.Errorf("open mail transport: %w", err))
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			logger().Warn("mail_session_close_failed", "job_id", jobID, "error", closeErr)
		}
	}()

	delay := settings.MailDelay
	if delay <= 0 {
		delay = uc.cfg.DefaultMailDelay
	}

	for i := range payslips {
		result := uc.deliverOne(ctx, session, job, settings, &payslips[i])
		if _, err := uc.jobs.Update(ctx, jobID, func(j *domain.DeliveryJob) error {
			j.Record(result)
			return nil
		}); err != nil {
			logger().Error("job_progress_update_failed", "job_id", jobID, "payslip_id", result.PayslipID, "error", err)
		}

		if i < len(payslips)-1 {
			if err := uc.wait(ctx, delay); err != nil {
				return uc.failJob(ctx, jobID, fmt.Errorf("inter-item delay: %w", err))
			}
		}
	}

	final, err := uc.jobs.Update(ctx, jobID, func(j *domain.DeliveryJob) error {
		j.Complete(uc.now())
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	logger().Info("job_completed",
		"job_id", jobID,
		"total", final.Total,
		"success_count", final.SuccessCount,
		"error_count", final.ErrorCount,
	)
	return nil
}

func (uc *DeliveryUseCase) prepare(ctx context.Context, job *domain.DeliveryJob) (*domain.DeliverySettings, []domain.Payslip, error) {
	settings, err := uc.tenants.DeliverySettings(ctx, job.TenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load delivery settings: %v", errJobSetup, err)
	}
	if !settings.SMTP.Configured() {
		return nil, nil, fmt.Errorf("%w: no smtp server configured", errJobSetup)
	}
	payslips, err := uc.repo.ListByIDs(ctx, job.TenantID, job.PayslipIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: list payslips: %v", errJobSetup, err)
	}
	payslips = orderByIDs(payslips, job.PayslipIDs)
	if len(payslips) == 0 {
		return nil, nil, fmt.Errorf("%w: no payslips found", errJobSetup)
	}
	return settings, payslips, nil
}

func (uc *DeliveryUseCase) deliverOne(
	ctx context.Context,
	session ports.MailSession,
	job *domain.DeliveryJob,
	settings *domain.DeliverySettings,
	p *domain.Payslip,
) domain.JobItemResult {
	started := time.Now()
	result := domain.JobItemResult{PayslipID: p.ID}
	skip := func(reason string) domain.JobItemResult {
		result.Skipped = true
		result.Error = reason
		uc.observe(outcomeSkipped, started)
		return result
	}

	if !p.HasEmployee() {
		name := p.ExtractedName()
		if name == "" {
			name = "unknown"
		}
		return skip(fmt.Sprintf("no matching employee (%s)", name))
	}
	emp, err := uc.employees.GetByID(ctx, job.TenantID, p.EmployeeID)
	switch {
	case domain.IsKind(err, domain.ErrEmployeeNotFound):
		return skip("employee not found")
	case err != nil:
		result.Error = fmt.Sprintf("employee lookup: %v", err)
		uc.observe(outcomeFailed, started)
		return result
	}
	result.EmployeeEmail = emp.Email
	if !emp.Active {
		return skip("employee is inactive")
	}
	if emp.Email == "" {
		return skip("employee has no email address")
	}
	if !job.ForceResend && p.Status.Delivered() {
		result.Success = true
		result.Skipped = true
		result.Error = "already sent"
		uc.observe(outcomeResent, started)
		return result
	}

	if err := uc.send(ctx, session, settings, emp, p); err != nil {
		if markErr := uc.repo.MarkFailed(ctx, p.ID, err.Error()); markErr != nil {
			logger().Error("mark_failed_failed", "payslip_id", p.ID, "error", markErr)
		}
		logger().Warn("payslip_send_failed", "job_id", job.ID, "payslip_id", p.ID, "error", err)
		result.Error = err.Error()
		uc.observe(outcomeFailed, started)
		return result
	}

	if err := uc.repo.MarkSent(ctx, p.ID, job.UserID, uc.now(), domain.ClientInfo{}); err != nil {
		logger().Error("mark_sent_failed", "payslip_id", p.ID, "error", err)
	}
	result.Success = true
	uc.observe(outcomeSent, started)
	return result
}

func (uc *DeliveryUseCase) send(
	ctx context.Context,
	session ports.MailSession,
	settings *domain.DeliverySettings,
	emp *domain.Employee,
	p *domain.Payslip,
) error {
	attachment, err := uc.storage.Resolve(ctx, p.PDFPath)
	if err != nil {
		return fmt.Errorf("payslip file unavailable: %w", err)
	}

	base := settings.TrackingBaseURL
	if base == "" {
		base = uc.cfg.TrackingBaseURL
	}
	links := ports.MailLinks{
		PixelURL:    access.PixelURL(base, p.TrackingID),
		DownloadURL: uc.signer.DownloadURL(base, p.TrackingID, uc.now()),
	}
	msg, err := uc.composer.Compose(settings, emp, p, links)
	if err != nil {
		return fmt.Errorf("compose mail: %w", err)
	}
	msg.AttachmentPath = attachment
	return session.Send(ctx, msg)
}

func (uc *DeliveryUseCase) failJob(ctx context.Context, jobID string, cause error) error {
	message := cause.Error()
	if _, err := uc.jobs.Update(context.WithoutCancel(ctx), jobID, func(j *domain.DeliveryJob) error {
		j.Fail(message, uc.now())
		return nil
	}); err != nil {
		return fmt.Errorf("%w; mark job failed: %v", cause, err)
	}
	logger().Error("job_failed", "job_id", jobID, "error", message)
	return cause
}
