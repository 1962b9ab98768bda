package ports

import (
	"context"
	"io"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
)

// PayslipUploader is the inbound contract for splitting an uploaded payroll PDF.
type PayslipUploader interface {
	Upload(ctx context.Context, actor domain.Actor, period, filename string, body io.Reader) (*domain.UploadResult, error)
}

// DeliveryService starts bulk sends and reports their progress.
type DeliveryService interface {
	StartSend(ctx context.Context, actor domain.Actor, payslipIDs []string, force bool) (*domain.JobTicket, error)
	JobStatus(ctx context.Context, actor domain.Actor, jobID string) (*domain.DeliveryJob, error)
}

// DeliveryRunner executes a dispatched job to completion.
type DeliveryRunner interface {
	RunJob(ctx context.Context, jobID string) error
}

// TrackingService serves the recipient-facing links and their reports.
type TrackingService interface {
	TrackOpen(ctx context.Context, trackingID string, client domain.ClientInfo)
	Download(ctx context.Context, req domain.DownloadRequest) (*domain.DownloadArtifact, error)
	Stats(ctx context.Context, actor domain.Actor, period string) (domain.TrackingStats, error)
	Events(ctx context.Context, actor domain.Actor, payslipID string) ([]domain.TrackingEvent, error)
}
