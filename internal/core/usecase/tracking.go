package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/payslip-dispatch/internal/core/access"
	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
	"github.com/kirillkom/payslip-dispatch/internal/core/ports"
)

// TrackingObserver receives tracking outcomes, typically metrics.
type TrackingObserver interface {
	ObserveTrackingEvent(kind domain.TrackingEventKind)
	ObserveDownloadDenied(reason string)
}

// TrackingUseCase serves the pixel and download links and the reports built
// from the events they record.
type TrackingUseCase struct {
	repo     ports.PayslipRepository
	storage  ports.ArtifactStorage
	signer   *access.LinkSigner
	guard    *access.RateGuard
	observer TrackingObserver
	now      func() time.Time
}

func NewTrackingUseCase(
	repo ports.PayslipRepository,
	storage ports.ArtifactStorage,
	signer *access.LinkSigner,
	guard *access.RateGuard,
	observer TrackingObserver,
) *TrackingUseCase {
	return &TrackingUseCase{
		repo:     repo,
		storage:  storage,
		signer:   signer,
		guard:    guard,
		observer: observer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// TrackOpen records an OPENED event. It never fails towards the caller:
// anomalies are logged only.
func (uc *TrackingUseCase) TrackOpen(ctx context.Context, trackingID string, client domain.ClientInfo) {
	if err := access.ValidateTrackingID(trackingID); err != nil {
		securityEvent("pixel_invalid_tracking_id", trackingID, client, "error", err)
		return
	}
	p, err := uc.repo.GetByTrackingID(ctx, trackingID)
	if err != nil {
		if domain.IsKind(err, domain.ErrPayslipNotFound) {
			securityEvent("pixel_unknown_tracking_id", trackingID, client)
		} else {
			slog.Error("pixel_lookup_failed", "error", err)
		}
		return
	}
	if _, err := uc.record(ctx, p, domain.EventOpened, client); err != nil {
		slog.Error("pixel_record_failed", "payslip_id", p.ID, "error", err)
	}
}

// Download authorizes a signed link and opens the payslip file. The checks
// run in a fixed order: shape, rate ceilings, expiry, signature, lookup and
// finally file resolution.
func (uc *TrackingUseCase) Download(ctx context.Context, req domain.DownloadRequest) (*domain.DownloadArtifact, error) {
	artifact, reason, err := uc.download(ctx, req)
	if err != nil {
		if uc.observer != nil {
			uc.observer.ObserveDownloadDenied(reason)
		}
		securityEvent("download_denied", req.TrackingID, req.Client, "reason", reason, "error", err)
		return nil, err
	}
	return artifact, nil
}

func (uc *TrackingUseCase) download(ctx context.Context, req domain.DownloadRequest) (*domain.DownloadArtifact, string, error) {
	if err := access.ValidateTrackingID(req.TrackingID); err != nil {
		return nil, "invalid_id", err
	}

	if err := uc.guard.Allow(ctx, req.Client.Address, req.TrackingID); err != nil {
		var limited *domain.RateLimitError
		if errors.As(err, &limited) {
			return nil, "rate_limited_" + limited.Scope, err
		}
		return nil, "rate_limited", err
	}

	issuedAt, err := strconv.ParseInt(req.IssuedAt, 10, 64)
	if err != nil {
		return nil, "bad_timestamp", domain.WrapError(domain.ErrBadSignature, "download", fmt.Errorf("timestamp %q", req.IssuedAt))
	}
	if err := uc.signer.Verify(req.TrackingID, issuedAt, req.Signature, uc.now()); err != nil {
		if domain.IsKind(err, domain.ErrLinkExpired) {
			return nil, "expired", err
		}
		return nil, "bad_signature", err
	}

	p, err := uc.repo.GetByTrackingID(ctx, req.TrackingID)
	if err != nil {
		return nil, "unknown_id", err
	}

	body, err := uc.storage.Open(ctx, p.PDFPath)
	if err != nil {
		if domain.IsKind(err, domain.ErrPathEscape) {
			return nil, "path_escape", err
		}
		return nil, "artifact_missing", err
	}

	uc.guard.RecordDownload(ctx, req.TrackingID)
	if _, err := uc.record(ctx, p, domain.EventDownloaded, req.Client); err != nil {
		slog.Error("download_record_failed", "payslip_id", p.ID, "error", err)
	}
	return &domain.DownloadArtifact{Filename: path.Base(p.PDFPath), Body: body}, "", nil
}

func (uc *TrackingUseCase) record(ctx context.Context, p *domain.Payslip, kind domain.TrackingEventKind, client domain.ClientInfo) (bool, error) {
	advanced, err := uc.repo.RecordTrackingEvent(ctx, &domain.TrackingEvent{
		ID:        uuid.NewString(),
		PayslipID: p.ID,
		Kind:      kind,
		IPAddress: client.Address,
		UserAgent: client.UserAgent,
		CreatedAt: uc.now(),
	})
	if err != nil {
		return false, err
	}
	if uc.observer != nil {
		uc.observer.ObserveTrackingEvent(kind)
	}
	if advanced {
		slog.Info("payslip_status_advanced", "payslip_id", p.ID, "status", kind.Status())
	}
	return advanced, nil
}

func (uc *TrackingUseCase) Stats(ctx context.Context, actor domain.Actor, period string) (domain.TrackingStats, error) {
	if period != "" && !periodPattern.MatchString(period) {
		return domain.TrackingStats{}, domain.WrapError(domain.ErrInvalidInput, "tracking stats", fmt.Errorf("period %q must be YYYY-MM", period))
	}
	stats, err := uc.repo.Stats(ctx, actor.TenantID, period)
	if err != nil {
		return domain.TrackingStats{}, fmt.Errorf("load stats: %w", err)
	}
	stats.Finalize()
	return stats, nil
}

func (uc *TrackingUseCase) Events(ctx context.Context, actor domain.Actor, payslipID string) ([]domain.TrackingEvent, error) {
	if _, err := uc.repo.GetByID(ctx, actor.TenantID, payslipID); err != nil {
		return nil, err
	}
	return uc.repo.ListEvents(ctx, actor.TenantID, payslipID)
}

// loggedTrackingIDLength caps how much of a presented tracking id reaches
// the logs.
const loggedTrackingIDLength = 20

func securityEvent(event, trackingID string, client domain.ClientInfo, attrs ...any) {
	args := append([]any{
		"security_event", event,
		"tracking_id", truncateTrackingID(trackingID),
		"client_ip", client.Address,
		"user_agent", client.UserAgent,
	}, attrs...)
	slog.Warn("security_event", args...)
}

func truncateTrackingID(id string) string {
	runes := []rune(id)
	if len(runes) <= loggedTrackingIDLength {
		return id
	}
	return string(runes[:loggedTrackingIDLength]) + "..."
}
