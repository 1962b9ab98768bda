package mail

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
	"github.com/kirillkom/payslip-dispatch/internal/core/ports"
	"github.com/kirillkom/payslip-dispatch/internal/infrastructure/resilience"
)

// scriptedClient fails the n-th Send call (1-based) with the scripted error.
type scriptedClient struct {
	mu       sync.Mutex
	failures map[int]error
	calls    int
	dials    int
	closes   int
	sent     []*gomail.Msg
}

func (c *scriptedClient) DialWithContext(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dials++
	return nil
}

func (c *scriptedClient) Send(msgs ...*gomail.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err, ok := c.failures[c.calls]; ok {
		return err
	}
	c.sent = append(c.sent, msgs...)
	return nil
}

func (c *scriptedClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func testExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		Retry: resilience.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 30 * time.Millisecond,
			MaxBackoff:     100 * time.Millisecond,
			Multiplier:     2,
			FixedDelay:     time.Millisecond,
		},
	})
}

func openSession(t *testing.T, client *scriptedClient) ports.MailSession {
	t.Helper()
	transport := NewTransport(time.Second, testExecutor()).WithClientFactory(func(domain.SMTPSettings, time.Duration) (SMTPClient, error) {
		return client, nil
	})
	session, err := transport.Open(context.Background(), domain.SMTPSettings{Host: "smtp.example.com", Port: 587, Username: "payroll@example.com"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return session
}

func outbound(t *testing.T, to string) *domain.OutboundMail {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payslip.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.7"), 0o600); err != nil {
		t.Fatalf("write attachment: %v", err)
	}
	return &domain.OutboundMail{
		FromName:       "Acme",
		FromAddress:    "payroll@example.com",
		To:             to,
		ToName:         "Ali Veli",
		Subject:        "Payslip",
		TextBody:       "hello",
		AttachmentName: "Payslip_Ali_Veli_2025-03.pdf",
		AttachmentPath: path,
	}
}

func TestSessionRetriesRateLimitedItemWithBackoff(t *testing.T) {
	client := &scriptedClient{failures: map[int]error{
		3: errors.New("421 4.7.0 Too many messages, slow down"),
	}}
	session := openSession(t, client)
	defer session.Close()

	var elapsed time.Duration
	succeeded := 0
	for i := 1; i <= 5; i++ {
		start := time.Now()
		if err := session.Send(context.Background(), outbound(t, fmt.Sprintf("e%d@example.com", i))); err != nil {
			t.Fatalf("item %d: %v", i, err)
		}
		if i == 3 {
			elapsed = time.Since(start)
		}
		succeeded++
	}

	if succeeded != 5 || len(client.sent) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(client.sent))
	}
	if client.calls != 6 {
		t.Fatalf("expected one retry, got %d send calls", client.calls)
	}
	if client.dials != 2 {
		t.Fatalf("expected a redial after the failed send, got %d dials", client.dials)
	}
	if elapsed < 30*time.Millisecond {
		t.Fatalf("expected exponential backoff before the retry, waited %v", elapsed)
	}
}

func TestSessionRetriesGenericErrorWithFixedDelay(t *testing.T) {
	client := &scriptedClient{failures: map[int]error{
		1: errors.New("connection reset by peer"),
		2: errors.New("connection reset by peer"),
	}}
	session := openSession(t, client)

	start := time.Now()
	if err := session.Send(context.Background(), outbound(t, "a@example.com")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if client.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", client.calls)
	}
	if time.Since(start) >= 30*time.Millisecond {
		t.Fatalf("fixed delay must not follow the exponential schedule")
	}
}

func TestSessionStopsOnPermanentFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{name: "auth", err: errors.New("535 5.7.8 authentication failed")},
		{name: "auth reply", err: &textproto.Error{Code: 535, Msg: "bad credentials"}},
		{name: "recipient", err: errors.New("550 5.1.1 mailbox unavailable")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &scriptedClient{failures: map[int]error{1: tc.err, 2: tc.err, 3: tc.err}}
			session := openSession(t, client)

			err := session.Send(context.Background(), outbound(t, "a@example.com"))
			if err == nil {
				t.Fatalf("expected failure")
			}
			if client.calls != 1 {
				t.Fatalf("permanent failure must not be retried, got %d calls", client.calls)
			}
			if !strings.Contains(err.Error(), tc.err.Error()) && !errors.Is(err, tc.err) {
				t.Fatalf("expected original error to be kept, got %v", err)
			}
		})
	}
}

func TestSessionGivesUpAfterMaxAttempts(t *testing.T) {
	temp := errors.New("451 4.3.0 temporary local problem")
	client := &scriptedClient{failures: map[int]error{1: temp, 2: temp, 3: temp, 4: temp}}
	session := openSession(t, client)

	err := session.Send(context.Background(), outbound(t, "a@example.com"))
	if !errors.Is(err, temp) {
		t.Fatalf("expected last error, got %v", err)
	}
	if client.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", client.calls)
	}
}

func TestSessionBreakersAreIsolatedPerJob(t *testing.T) {
	authErr := errors.New("535 5.7.8 Username and Password not accepted")
	clients := map[string]*scriptedClient{
		"a@tenant-a.example": {failures: map[int]error{1: authErr, 2: authErr, 3: authErr, 4: authErr, 5: authErr}},
		"b@tenant-b.example": {},
	}
	transport := NewTransport(time.Second, resilience.NewExecutor(resilience.MailConfig(3, time.Millisecond, time.Millisecond, 5*time.Millisecond))).
		WithClientFactory(func(settings domain.SMTPSettings, _ time.Duration) (SMTPClient, error) {
			return clients[settings.Username], nil
		})

	open := func(username string) ports.MailSession {
		session, err := transport.Open(context.Background(), domain.SMTPSettings{Host: "smtp.gmail.com", Port: 587, Username: username})
		if err != nil {
			t.Fatalf("Open(%s) error = %v", username, err)
		}
		return session
	}

	first := open("a@tenant-a.example")
	defer first.Close()
	for i := 0; i < 5; i++ {
		if err := first.Send(context.Background(), outbound(t, "x@example.com")); err == nil {
			t.Fatalf("send %d: expected auth failure", i)
		}
	}
	if err := first.Send(context.Background(), outbound(t, "x@example.com")); !resilience.IsCircuitOpen(err) {
		t.Fatalf("expected the failing job's breaker to open, got %v", err)
	}

	second := open("b@tenant-b.example")
	defer second.Close()
	if err := second.Send(context.Background(), outbound(t, "y@example.com")); err != nil {
		t.Fatalf("another job on the same host must still send, got %v", err)
	}
	if clients["b@tenant-b.example"].calls != 1 {
		t.Fatalf("expected one send call for the second job, got %d", clients["b@tenant-b.example"].calls)
	}
}

func TestSessionRejectsMissingAttachmentWithoutDialing(t *testing.T) {
	client := &scriptedClient{}
	session := openSession(t, client)

	msg := outbound(t, "a@example.com")
	msg.AttachmentPath = filepath.Join(t.TempDir(), "gone.pdf")
	err := session.Send(context.Background(), msg)
	if !domain.IsKind(err, domain.ErrArtifactMissing) {
		t.Fatalf("expected missing artifact, got %v", err)
	}
	if client.dials != 0 || client.calls != 0 {
		t.Fatalf("missing attachment must fail before any smtp traffic")
	}
}

func TestOpenRequiresConfiguredServer(t *testing.T) {
	_, err := NewTransport(0, nil).Open(context.Background(), domain.SMTPSettings{Host: "smtp.example.com"})
	if !domain.IsKind(err, domain.ErrTransportNotConfigured) {
		t.Fatalf("expected transport not configured, got %v", err)
	}
}

func TestClassifySMTPError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		backoff   resilience.BackoffKind
	}{
		{name: "421", err: errors.New("421 service not available"), retryable: true, backoff: resilience.BackoffExponential},
		{name: "452 reply", err: &textproto.Error{Code: 452, Msg: "insufficient system storage"}, retryable: true, backoff: resilience.BackoffExponential},
		{name: "phrase", err: errors.New("sending rate limit reached"), retryable: true, backoff: resilience.BackoffExponential},
		{name: "throttled 550", err: errors.New("550 5.7.1 message throttled"), retryable: true, backoff: resilience.BackoffExponential},
		{name: "timeout", err: errors.New("i/o timeout"), retryable: true, backoff: resilience.BackoffFixed},
		{name: "451", err: errors.New("451 4.3.0 try later"), retryable: true, backoff: resilience.BackoffFixed},
		{name: "auth", err: errors.New("535 authentication failed"), retryable: false},
		{name: "rejected", err: errors.New("554 5.7.1 message rejected"), retryable: false},
		{name: "missing file", err: domain.WrapError(domain.ErrArtifactMissing, "attach", os.ErrNotExist), retryable: false},
		{name: "canceled", err: context.Canceled, retryable: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifySMTPError(tc.err)
			if got.Retryable != tc.retryable {
				t.Fatalf("retryable = %v, want %v", got.Retryable, tc.retryable)
			}
			if tc.retryable && got.Backoff != tc.backoff {
				t.Fatalf("backoff = %v, want %v", got.Backoff, tc.backoff)
			}
		})
	}
}

func TestComposeSubstitutesTokensAndEmbedsLinks(t *testing.T) {
	settings := &domain.DeliverySettings{
		CompanyName:     "Acme",
		SMTP:            domain.SMTPSettings{Username: "payroll@acme.test", SenderName: "Acme Payroll"},
		SubjectTemplate: "{company}: payslip {period}",
		BodyTemplate:    "Hello {name},\n\nyour {period} payslip is attached.",
		Branding:        domain.Branding{PrimaryColor: "#112233", SecondaryColor: "red;}body{x:y", Footer: "line one\nline two"},
	}
	emp := &domain.Employee{FirstName: "Ayşe", LastName: "Yılmaz", Email: "ayse@acme.test"}
	p := &domain.Payslip{Period: "2025-03", PeriodLabel: "01.03.2025"}
	links := ports.MailLinks{PixelURL: "https://t.example/tracking/pixel/abc", DownloadURL: "https://t.example/tracking/download/abc?s=1&t=2"}

	msg, err := NewComposer().Compose(settings, emp, p, links)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if msg.Subject != "Acme: payslip 01.03.2025" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if !strings.HasPrefix(msg.TextBody, "Hello Ayşe Yılmaz,") || !strings.Contains(msg.TextBody, links.DownloadURL) {
		t.Fatalf("unexpected text body %q", msg.TextBody)
	}
	if !strings.Contains(msg.HTMLBody, "https://t.example/tracking/pixel/abc") {
		t.Fatalf("html body must embed the pixel")
	}
	if !strings.Contains(msg.HTMLBody, "#112233") || strings.Contains(msg.HTMLBody, "body{x:y") {
		t.Fatalf("colors must be validated")
	}
	if msg.AttachmentName != "Payslip_Ayşe_Yılmaz_2025-03.pdf" {
		t.Fatalf("unexpected attachment name %q", msg.AttachmentName)
	}
	if msg.FromName != "Acme Payroll" || msg.FromAddress != "payroll@acme.test" || msg.To != "ayse@acme.test" {
		t.Fatalf("unexpected addressing %+v", msg)
	}
}

func TestComposeFallsBackToDefaults(t *testing.T) {
	settings := &domain.DeliverySettings{CompanyName: "Acme", SMTP: domain.SMTPSettings{Username: "payroll@acme.test"}}
	emp := &domain.Employee{FirstName: "Ali", LastName: "Veli", Email: "ali@acme.test"}
	msg, err := NewComposer().Compose(settings, emp, &domain.Payslip{Period: "2025-03"}, ports.MailLinks{})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if msg.Subject != "Your payslip for 2025-03" || msg.FromName != "Acme" {
		t.Fatalf("unexpected defaults %q %q", msg.Subject, msg.FromName)
	}
	if !strings.Contains(msg.HTMLBody, defaultFooter) {
		t.Fatalf("expected default footer")
	}
}

func TestAttachmentNameStripsUnsafeCharacters(t *testing.T) {
	got := AttachmentName(&domain.Employee{FirstName: "A/B", LastName: "C D"}, "2025-03")
	if got != "Payslip_A_B_C_D_2025-03.pdf" {
		t.Fatalf("unexpected name %q", got)
	}
}
