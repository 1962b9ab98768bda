package httpadapter

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kirillkom/payslip-dispatch/internal/config"
	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
)

const testJWTSecret = "test-jwt-secret"

type uploaderFake struct {
	gotActor  domain.Actor
	gotPeriod string
	gotName   string
	gotBody   []byte
	err       error
}

func (f *uploaderFake) Upload(_ context.Context, actor domain.Actor, period, filename string, body io.Reader) (*domain.UploadResult, error) {
	f.gotActor, f.gotPeriod, f.gotName = actor, period, filename
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	f.gotBody = raw
	if f.err != nil {
		return nil, f.err
	}
	return &domain.UploadResult{TotalPages: 2, SuccessCount: 1, ErrorCount: 1, Errors: []string{"Page 2: no identity"}}, nil
}

type deliveryFake struct {
	mu        sync.Mutex
	startErr  error
	statusErr error
	gotIDs    []string
	gotForce  bool
	snapshots []*domain.DeliveryJob
	calls     int
}

func (f *deliveryFake) StartSend(_ context.Context, _ domain.Actor, ids []string, force bool) (*domain.JobTicket, error) {
	f.gotIDs, f.gotForce = ids, force
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &domain.JobTicket{JobID: "job-1", Total: len(ids), Message: "queued"}, nil
}

func (f *deliveryFake) JobStatus(_ context.Context, _ domain.Actor, _ string) (*domain.DeliveryJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	i := f.calls
	if i >= len(f.snapshots) {
		i = len(f.snapshots) - 1
	}
	f.calls++
	cp := *f.snapshots[i]
	return &cp, nil
}

type trackingFake struct {
	opened      []string
	openClients []domain.ClientInfo
	downloadErr error
	gotDownload domain.DownloadRequest
	eventsErr   error
}

func (f *trackingFake) TrackOpen(_ context.Context, trackingID string, client domain.ClientInfo) {
	f.opened = append(f.opened, trackingID)
	f.openClients = append(f.openClients, client)
}

func (f *trackingFake) Download(_ context.Context, req domain.DownloadRequest) (*domain.DownloadArtifact, error) {
	f.gotDownload = req
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return &domain.DownloadArtifact{Filename: "payslip.pdf", Body: io.NopCloser(strings.NewReader("%PDF-1.7"))}, nil
}

func (f *trackingFake) Stats(context.Context, domain.Actor, string) (domain.TrackingStats, error) {
	return domain.TrackingStats{Total: 2, Sent: 1, Opened: 1, OpenRate: 50}, nil
}

func (f *trackingFake) Events(_ context.Context, _ domain.Actor, payslipID string) ([]domain.TrackingEvent, error) {
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	return []domain.TrackingEvent{{ID: "ev-1", PayslipID: payslipID, Kind: domain.EventSent}}, nil
}

type testDeps struct {
	uploader *uploaderFake
	delivery *deliveryFake
	tracking *trackingFake
}

func newTestDeps() *testDeps {
	return &testDeps{
		uploader: &uploaderFake{},
		delivery: &deliveryFake{snapshots: []*domain.DeliveryJob{{ID: "job-1", Status: domain.JobRunning, Total: 2}}},
		tracking: &trackingFake{},
	}
}

func testConfig() config.Config {
	return config.Config{
		AuthJWTSecret:     testJWTSecret,
		UploadMaxBytes:    1 << 20,
		TrustProxyHeaders: true,
	}
}

func (d *testDeps) router(cfg config.Config) *Router {
	return NewRouter(cfg, d.uploader, d.delivery, d.tracking)
}

func newTestHandler(cfg config.Config) *Router {
	return newTestDeps().router(cfg)
}

func adminToken(t *testing.T, tenantID string) string {
	t.Helper()
	token, err := issueAdminToken([]byte(testJWTSecret), "user-1", tenantID, time.Hour)
	if err != nil {
		t.Fatalf("issueAdminToken() error = %v", err)
	}
	return token
}

// issueAdminToken signs an HS256 token for userID within tenantID.
func issueAdminToken(secret []byte, userID, tenantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(secret)
}
