package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
	"github.com/kirillkom/payslip-dispatch/internal/core/identity"
)

// PayslipRepository persists payslips and their tracking events.
type PayslipRepository interface {
	Create(ctx context.Context, p *domain.Payslip) error
	GetByID(ctx context.Context, tenantID, id string) (*domain.Payslip, error)
	GetByTrackingID(ctx context.Context, trackingID string) (*domain.Payslip, error)
	ListByIDs(ctx context.Context, tenantID string, ids []string) ([]domain.Payslip, error)
	MarkSent(ctx context.Context, id, sentBy string, at time.Time, client domain.ClientInfo) error
	MarkFailed(ctx context.Context, id, message string) error
	// RecordTrackingEvent appends the event and moves the payslip status
	// forward when the event kind allows it.
	RecordTrackingEvent(ctx context.Context, ev *domain.TrackingEvent) (bool, error)
	ListEvents(ctx context.Context, tenantID, payslipID string) ([]domain.TrackingEvent, error)
	Stats(ctx context.Context, tenantID, period string) (domain.TrackingStats, error)
}

// EmployeeDirectory reads employees maintained by another service.
type EmployeeDirectory interface {
	FindByNationalID(ctx context.Context, tenantID, nationalID string) (*domain.Employee, error)
	GetByID(ctx context.Context, tenantID, id string) (*domain.Employee, error)
}

// TenantDirectory reads per-tenant delivery configuration.
type TenantDirectory interface {
	DeliverySettings(ctx context.Context, tenantID string) (*domain.DeliverySettings, error)
}

// ArtifactStorage stores encrypted payslip files.
type ArtifactStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	// Resolve maps a stored key to the absolute path of an existing file
	// inside the storage root.
	Resolve(ctx context.Context, key string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Remove deletes a stored artifact; a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// PageReader returns the positioned text spans of every page.
type PageReader interface {
	ReadPages(ctx context.Context, pdf []byte) ([][]identity.Span, error)
}

// PageEncryptor writes one page of a document as an encrypted PDF.
type PageEncryptor interface {
	EncryptPage(ctx context.Context, pdf []byte, page int, userPassword, ownerPassword string, w io.Writer) error
}

// JobStore keeps ephemeral delivery job records.
type JobStore interface {
	Create(ctx context.Context, job *domain.DeliveryJob) error
	Get(ctx context.Context, id string) (*domain.DeliveryJob, error)
	Update(ctx context.Context, id string, fn func(*domain.DeliveryJob) error) (*domain.DeliveryJob, error)
}

// JobDispatcher hands a created job to a worker.
type JobDispatcher interface {
	DispatchDeliveryJob(ctx context.Context, jobID string) error
}

// MailTransport opens a delivery session bound to one tenant's server.
type MailTransport interface {
	Open(ctx context.Context, settings domain.SMTPSettings) (MailSession, error)
}

// MailSession is owned by a single job run and must be closed by it.
type MailSession interface {
	Send(ctx context.Context, msg *domain.OutboundMail) error
	Close() error
}

// MailLinks are the tracking URLs embedded in one message.
type MailLinks struct {
	PixelURL    string
	DownloadURL string
}

// MessageComposer renders the mail for one payslip.
type MessageComposer interface {
	Compose(settings *domain.DeliverySettings, emp *domain.Employee, p *domain.Payslip, links MailLinks) (*domain.OutboundMail, error)
}

// RateCounter keeps rolling-window hit counts. Both calls return the hits
// inside the trailing window and the time until the oldest of them leaves
// it; Increment records a hit first.
type RateCounter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Count(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}
