package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
	"github.com/kirillkom/payslip-dispatch/internal/core/identity"
	"github.com/kirillkom/payslip-dispatch/internal/core/ports"
)

// payslipRepoFake mirrors the status rules of the postgres repository.
type payslipRepoFake struct {
	mu        sync.Mutex
	payslips  map[string]*domain.Payslip
	order     []string
	events    []domain.TrackingEvent
	createErr error
	failed    map[string]string
}

func newPayslipRepoFake(items ...*domain.Payslip) *payslipRepoFake {
	f := &payslipRepoFake{payslips: map[string]*domain.Payslip{}, failed: map[string]string{}}
	for _, p := range items {
		f.payslips[p.ID] = p
		f.order = append(f.order, p.ID)
	}
	return f
}

func (f *payslipRepoFake) Create(_ context.Context, p *domain.Payslip) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	cp := *p
	f.payslips[p.ID] = &cp
	f.order = append(f.order, p.ID)
	return nil
}

func (f *payslipRepoFake) GetByID(_ context.Context, tenantID, id string) (*domain.Payslip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payslips[id]
	if !ok || p.TenantID != tenantID {
		return nil, domain.WrapError(domain.ErrPayslipNotFound, "get payslip", fmt.Errorf("id %s", id))
	}
	cp := *p
	return &cp, nil
}

func (f *payslipRepoFake) GetByTrackingID(_ context.Context, trackingID string) (*domain.Payslip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payslips {
		if p.TrackingID == trackingID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.WrapError(domain.ErrPayslipNotFound, "get payslip", fmt.Errorf("tracking id"))
}

func (f *payslipRepoFake) ListByIDs(_ context.Context, tenantID string, ids []string) ([]domain.Payslip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Payslip, 0, len(ids))
	// Reverse order to prove callers do not depend on storage order.
	for i := len(ids) - 1; i >= 0; i-- {
		if p, ok := f.payslips[ids[i]]; ok && p.TenantID == tenantID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *payslipRepoFake) MarkSent(_ context.Context, id, sentBy string, at time.Time, client domain.ClientInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.payslips[id]
	p.Status = p.Status.AfterSendSuccess()
	p.SentAt = &at
	p.SentBy = sentBy
	p.SendError = ""
	f.events = append(f.events, domain.TrackingEvent{PayslipID: id, Kind: domain.EventSent, IPAddress: client.Address, CreatedAt: at})
	return nil
}

func (f *payslipRepoFake) MarkFailed(_ context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.payslips[id]
	p.Status = p.Status.AfterSendFailure()
	p.SendError = message
	f.failed[id] = message
	return nil
}

func (f *payslipRepoFake) RecordTrackingEvent(_ context.Context, ev *domain.TrackingEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *ev)
	p, ok := f.payslips[ev.PayslipID]
	if !ok {
		return false, nil
	}
	next, ok := p.Status.AdvanceTo(ev.Kind.Status())
	if !ok {
		return false, nil
	}
	p.Status = next
	return true, nil
}

func (f *payslipRepoFake) ListEvents(_ context.Context, _ string, payslipID string) ([]domain.TrackingEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.TrackingEvent, 0)
	for _, ev := range f.events {
		if ev.PayslipID == payslipID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *payslipRepoFake) Stats(_ context.Context, tenantID, period string) (domain.TrackingStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s domain.TrackingStats
	for _, p := range f.payslips {
		if p.TenantID != tenantID || (period != "" && p.Period != period) {
			continue
		}
		s.Add(p.Status, 1)
	}
	return s, nil
}

func (f *payslipRepoFake) status(id string) domain.PayslipStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payslips[id].Status
}

func (f *payslipRepoFake) eventCount(id string, kind domain.TrackingEventKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.PayslipID == id && ev.Kind == kind {
			n++
		}
	}
	return n
}

type employeesFake struct {
	byNationalID map[string]*domain.Employee
	byID         map[string]*domain.Employee
	err          error
}

func newEmployeesFake(emps ...*domain.Employee) *employeesFake {
	f := &employeesFake{byNationalID: map[string]*domain.Employee{}, byID: map[string]*domain.Employee{}}
	for _, e := range emps {
		f.byNationalID[e.NationalID] = e
		f.byID[e.ID] = e
	}
	return f
}

func (f *employeesFake) FindByNationalID(_ context.Context, _ string, nationalID string) (*domain.Employee, error) {
	if f.err != nil {
		return nil, f.err
	}
	if e, ok := f.byNationalID[nationalID]; ok {
		return e, nil
	}
	return nil, domain.WrapError(domain.ErrEmployeeNotFound, "find employee", fmt.Errorf("national id"))
}

func (f *employeesFake) GetByID(_ context.Context, _ string, id string) (*domain.Employee, error) {
	if e, ok := f.byID[id]; ok {
		return e, nil
	}
	return nil, domain.WrapError(domain.ErrEmployeeNotFound, "get employee", fmt.Errorf("id %s", id))
}

type tenantsFake struct {
	settings *domain.DeliverySettings
	err      error
}

func (f *tenantsFake) DeliverySettings(context.Context, string) (*domain.DeliverySettings, error) {
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.settings
	return &cp, nil
}

func configuredSettings() *domain.DeliverySettings {
	return &domain.DeliverySettings{
		TenantID:    "tenant-1",
		CompanyName: "Acme",
		SMTP:        domain.SMTPSettings{Host: "smtp.example.com", Port: 587, Username: "payroll@example.com", Password: "pw"},
	}
}

type storageFake struct {
	mu      sync.Mutex
	files   map[string][]byte
	saveErr error
}

func newStorageFake() *storageFake {
	return &storageFake{files: map[string][]byte{}}
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[key] = raw
	return nil
}

func (f *storageFake) Resolve(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[key]; !ok {
		return "", domain.WrapError(domain.ErrArtifactMissing, "resolve", fmt.Errorf("key %s", key))
	}
	return "/data/" + key, nil
}

func (f *storageFake) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, key)
	return nil
}

func (f *storageFake) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if _, err := f.Resolve(ctx, key); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return io.NopCloser(bytes.NewReader(f.files[key])), nil
}

type pageReaderFake struct {
	pages [][]identity.Span
	err   error
}

func (f *pageReaderFake) ReadPages(context.Context, []byte) ([][]identity.Span, error) {
	return f.pages, f.err
}

type encryptCall struct {
	page          int
	userPassword  string
	ownerPassword string
}

type encryptorFake struct {
	mu    sync.Mutex
	calls []encryptCall
	err   error
}

func (f *encryptorFake) EncryptPage(_ context.Context, _ []byte, page int, userPW, ownerPW string, w io.Writer) error {
	f.mu.Lock()
	f.calls = append(f.calls, encryptCall{page: page, userPassword: userPW, ownerPassword: ownerPW})
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	_, err := fmt.Fprintf(w, "encrypted page %d", page)
	return err
}

type jobStoreFake struct {
	mu   sync.Mutex
	jobs map[string]*domain.DeliveryJob
	// snapshots holds Completed after every update, to observe live progress.
	snapshots []int
}

func newJobStoreFake() *jobStoreFake {
	return &jobStoreFake{jobs: map[string]*domain.DeliveryJob{}}
}

func (f *jobStoreFake) Create(_ context.Context, job *domain.DeliveryJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *jobStoreFake) Get(_ context.Context, id string) (*domain.DeliveryJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrJobNotFound, "get job", fmt.Errorf("id %s", id))
	}
	cp := *j
	return &cp, nil
}

func (f *jobStoreFake) Update(_ context.Context, id string, fn func(*domain.DeliveryJob) error) (*domain.DeliveryJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrJobNotFound, "update job", fmt.Errorf("id %s", id))
	}
	if err := fn(j); err != nil {
		return nil, err
	}
	f.snapshots = append(f.snapshots, j.Completed)
	cp := *j
	return &cp, nil
}

type dispatcherFake struct {
	jobIDs []string
	err    error
}

func (f *dispatcherFake) DispatchDeliveryJob(_ context.Context, jobID string) error {
	if f.err != nil {
		return f.err
	}
	f.jobIDs = append(f.jobIDs, jobID)
	return nil
}

type sessionFake struct {
	sent   []*domain.OutboundMail
	errFor map[string]error
	closed bool
}

func (s *sessionFake) Send(_ context.Context, msg *domain.OutboundMail) error {
	if err, ok := s.errFor[msg.To]; ok {
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *sessionFake) Close() error {
	s.closed = true
	return nil
}

type transportFake struct {
	session *sessionFake
	err     error
	opened  int
}

func (f *transportFake) Open(context.Context, domain.SMTPSettings) (ports.MailSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.opened++
	return f.session, nil
}

type composerFake struct {
	links []ports.MailLinks
}

func (f *composerFake) Compose(s *domain.DeliverySettings, emp *domain.Employee, p *domain.Payslip, links ports.MailLinks) (*domain.OutboundMail, error) {
	f.links = append(f.links, links)
	return &domain.OutboundMail{
		FromAddress: s.SMTP.Username,
		To:          emp.Email,
		ToName:      emp.FullName(),
		Subject:     "Payslip " + p.Period,
		TextBody:    links.DownloadURL,
	}, nil
}

type counterFake struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (f *counterFake) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.counts[key]++
	return f.counts[key], window, nil
}

func (f *counterFake) Count(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key], window, nil
}

var errBoom = errors.New("boom")

func noWait(context.Context, time.Duration) error { return nil }
