package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/payslip-dispatch/internal/core/access"
	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
	"github.com/kirillkom/payslip-dispatch/internal/core/ports"
)

type DeliveryConfig struct {
	// DefaultMailDelay applies when a tenant has no delay of its own.
	DefaultMailDelay time.Duration
	TrackingBaseURL  string
}

// DeliveryObserver receives per-item delivery outcomes, typically metrics.
type DeliveryObserver interface {
	ObserveDeliveryItem(outcome string, duration time.Duration)
}

// DeliveryUseCase creates bulk send jobs and runs them.
type DeliveryUseCase struct {
	repo       ports.PayslipRepository
	employees  ports.EmployeeDirectory
	tenants    ports.TenantDirectory
	storage    ports.ArtifactStorage
	jobs       ports.JobStore
	dispatcher ports.JobDispatcher
	transport  ports.MailTransport
	composer   ports.MessageComposer
	signer     *access.LinkSigner
	observer   DeliveryObserver
	cfg        DeliveryConfig

	now  func() time.Time
	wait func(context.Context, time.Duration) error
}

type DeliveryDeps struct {
	Repo       ports.PayslipRepository
	Employees  ports.EmployeeDirectory
	Tenants    ports.TenantDirectory
	Storage    ports.ArtifactStorage
	Jobs       ports.JobStore
	Dispatcher ports.JobDispatcher
	Transport  ports.MailTransport
	Composer   ports.MessageComposer
	Signer     *access.LinkSigner
	Observer   DeliveryObserver
}

func NewDeliveryUseCase(deps DeliveryDeps, cfg DeliveryConfig) *DeliveryUseCase {
	return &DeliveryUseCase{
		repo:       deps.Repo,
		employees:  deps.Employees,
		tenants:    deps.Tenants,
		storage:    deps.Storage,
		jobs:       deps.Jobs,
		dispatcher: deps.Dispatcher,
		transport:  deps.Transport,
		composer:   deps.Composer,
		signer:     deps.Signer,
		observer:   deps.Observer,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		wait:       sleepContext,
	}
}

// SetDispatcher wires the dispatcher after construction, for dispatchers
// that call back into the use case.
func (uc *DeliveryUseCase) SetDispatcher(d ports.JobDispatcher) {
	uc.dispatcher = d
}

func (uc *DeliveryUseCase) StartSend(
	ctx context.Context,
	actor domain.Actor,
	payslipIDs []string,
	force bool,
) (*domain.JobTicket, error) {
	ids := dedupe(payslipIDs)
	if len(ids) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "start send", fmt.Errorf("payslip_ids is empty"))
	}

	settings, err := uc.tenants.DeliverySettings(ctx, actor.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load delivery settings: %w", err)
	}
	if !settings.SMTP.Configured() {
		return nil, domain.WrapError(domain.ErrTransportNotConfigured, "start send", fmt.Errorf("tenant %s has no smtp server", actor.TenantID))
	}

	payslips, err := uc.repo.ListByIDs(ctx, actor.TenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("list payslips: %w", err)
	}
	payslips = orderByIDs(payslips, ids)
	if len(payslips) == 0 {
		return nil, domain.WrapError(domain.ErrPayslipNotFound, "start send", fmt.Errorf("no payslips match the request"))
	}

	if !force {
		sent := make([]string, 0)
		for _, p := range payslips {
			if p.Status.Delivered() {
				sent = append(sent, p.ID)
			}
		}
		if len(sent) > 0 {
			return nil, &domain.AlreadySentError{IDs: sent}
		}
	}

	ordered := make([]string, 0, len(payslips))
	for _, p := range payslips {
		ordered = append(ordered, p.ID)
	}
	job := domain.NewDeliveryJob(uuid.NewString(), actor.TenantID, actor.UserID, ordered, force, uc.now())
	if err := uc.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := uc.dispatcher.DispatchDeliveryJob(ctx, job.ID); err != nil {
		failErr := err
		_, _ = uc.jobs.Update(ctx, job.ID, func(j *domain.DeliveryJob) error {
			j.Fail(fmt.Sprintf("dispatch failed: %v", failErr), uc.now())
			return nil
		})
		return nil, fmt.Errorf("dispatch job: %w", err)
	}

	return &domain.JobTicket{
		JobID:   job.ID,
		Total:   job.Total,
		Message: fmt.Sprintf("sending %d payslip(s) in the background", job.Total),
	}, nil
}

func (uc *DeliveryUseCase) JobStatus(ctx context.Context, actor domain.Actor, jobID string) (*domain.DeliveryJob, error) {
	job, err := uc.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TenantID != actor.TenantID {
		return nil, domain.WrapError(domain.ErrForbidden, "job status", fmt.Errorf("job %s belongs to another tenant", jobID))
	}
	return job, nil
}

func (uc *DeliveryUseCase) observe(outcome string, started time.Time) {
	if uc.observer != nil {
		uc.observer.ObserveDeliveryItem(outcome, time.Since(started))
	}
}

// orderByIDs returns payslips in the order their ids were requested.
func orderByIDs(payslips []domain.Payslip, ids []string) []domain.Payslip {
	byID := make(map[string]domain.Payslip, len(payslips))
	for _, p := range payslips {
		byID[p.ID] = p
	}
	out := make([]domain.Payslip, 0, len(payslips))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func logger() *slog.Logger {
	return slog.Default().With("component", "delivery")
}
