// Package mail delivers payslip messages over the tenant's SMTP server.
package mail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
	"github.com/kirillkom/payslip-dispatch/internal/core/ports"
	"github.com/kirillkom/payslip-dispatch/internal/infrastructure/resilience"
)

const (
	defaultTimeout = 30 * time.Second

	contentTypePDF gomail.ContentType = "application/pdf"
)

// SMTPClient is the subset of *gomail.Client a session needs.
type SMTPClient interface {
	DialWithContext(ctx context.Context) error
	Send(messages ...*gomail.Msg) error
	Close() error
}

// ClientFactory builds an unconnected client for one tenant server.
type ClientFactory func(settings domain.SMTPSettings, timeout time.Duration) (SMTPClient, error)

// Transport opens one SMTP session per job. The executor carries the retry
// schedule for transient failures; every session forks it, so a breaker
// only ever reflects the failures of its own job and credentials.
type Transport struct {
	timeout   time.Duration
	executor  *resilience.Executor
	newClient ClientFactory
}

func NewTransport(timeout time.Duration, executor *resilience.Executor) *Transport {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Transport{timeout: timeout, executor: executor, newClient: newGoMailClient}
}

// WithClientFactory replaces the go-mail client, mostly for tests.
func (t *Transport) WithClientFactory(f ClientFactory) *Transport {
	t.newClient = f
	return t
}

func (t *Transport) Open(_ context.Context, settings domain.SMTPSettings) (ports.MailSession, error) {
	if !settings.Configured() {
		return nil, domain.WrapError(domain.ErrTransportNotConfigured, "open smtp", fmt.Errorf("host or username missing"))
	}
	client, err := t.newClient(settings, t.timeout)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &session{
		client:    client,
		executor:  t.executor.Fork(),
		operation: "smtp.send:" + settings.Host,
	}, nil
}

func newGoMailClient(settings domain.SMTPSettings, timeout time.Duration) (SMTPClient, error) {
	opts := []gomail.Option{
		gomail.WithTimeout(timeout),
		gomail.WithSMTPAuth(gomail.SMTPAuthAutoDiscover),
		gomail.WithUsername(settings.Username),
		gomail.WithPassword(settings.Password),
	}
	if settings.Port > 0 {
		opts = append(opts, gomail.WithPort(settings.Port))
	}
	if settings.UseTLS {
		opts = append(opts, gomail.WithTLSPortPolicy(gomail.TLSMandatory))
	} else {
		opts = append(opts, gomail.WithSSL())
	}
	return gomail.NewClient(settings.Host, opts...)
}

// session reuses one connection across the items of a job. A failed send
// drops the connection so the next attempt dials again.
type session struct {
	client    SMTPClient
	executor  *resilience.Executor
	operation string
	connected bool
}

func (s *session) Send(ctx context.Context, out *domain.OutboundMail) error {
	if _, err := os.Stat(out.AttachmentPath); err != nil {
		return domain.WrapError(domain.ErrArtifactMissing, "attach payslip", err)
	}
	msg, err := buildMessage(out)
	if err != nil {
		return err
	}

	return s.executor.Execute(ctx, s.operation, func(ctx context.Context) error {
		if !s.connected {
			if err := s.client.DialWithContext(ctx); err != nil {
				return fmt.Errorf("smtp dial: %w", err)
			}
			s.connected = true
		}
		if err := s.client.Send(msg); err != nil {
			s.disconnect()
			return err
		}
		return nil
	}, classifySMTPError)
}

func (s *session) disconnect() {
	if !s.connected {
		return
	}
	_ = s.client.Close()
	s.connected = false
}

func (s *session) Close() error {
	if !s.connected {
		return nil
	}
	s.connected = false
	if err := s.client.Close(); err != nil && !errors.Is(err, gomail.ErrNoActiveConnection) {
		return err
	}
	return nil
}

func buildMessage(out *domain.OutboundMail) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.FromFormat(out.FromName, out.FromAddress); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "mail sender", err)
	}
	if err := msg.AddToFormat(out.ToName, out.To); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "mail recipient", err)
	}
	msg.Subject(out.Subject)
	msg.SetMessageID()
	msg.SetDate()
	msg.SetBodyString(gomail.TypeTextPlain, out.TextBody)
	if out.HTMLBody != "" {
		msg.AddAlternativeString(gomail.TypeTextHTML, out.HTMLBody)
	}
	msg.AttachFile(out.AttachmentPath, gomail.WithFileName(out.AttachmentName), gomail.WithFileContentType(contentTypePDF))
	return msg, nil
}
