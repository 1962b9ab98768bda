package domain

import (
	"strings"
	"time"
)

// Employee is read from the employee directory owned by another service.
type Employee struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	NationalID string `json:"-"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Email      string `json:"email"`
	Active     bool   `json:"is_active"`
}

func (e *Employee) FullName() string {
	return strings.TrimSpace(e.FirstName + " " + e.LastName)
}

type SMTPSettings struct {
	Host       string
	Port       int
	Username   string
	Password   string
	UseTLS     bool
	SenderName string
}

func (s SMTPSettings) Configured() bool {
	return strings.TrimSpace(s.Host) != "" && strings.TrimSpace(s.Username) != ""
}

type Branding struct {
	PrimaryColor   string
	SecondaryColor string
	LogoURL        string
	Footer         string
	Disclaimer     string
}

// DeliverySettings is the per-tenant configuration the orchestrator needs.
type DeliverySettings struct {
	TenantID        string
	CompanyName     string
	SMTP            SMTPSettings
	SubjectTemplate string
	BodyTemplate    string
	Branding        Branding
	TrackingBaseURL string
	MailDelay       time.Duration
}
