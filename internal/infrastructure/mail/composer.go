package mail

import (
	"bytes"
	"fmt"
	"html/template"
	"regexp"
	"strings"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
	"github.com/kirillkom/payslip-dispatch/internal/core/ports"
)

const (
	defaultSubject      = "Your payslip for {period}"
	defaultBody         = "Dear {name},\n\nYour payslip for {period} is attached. The document is protected with the last six digits of your national ID."
	defaultFooter       = "This message was sent automatically. Please do not reply."
	defaultPrimaryColor = "#3b82f6"
	defaultAccentColor  = "#1e40af"
)

var (
	unsafeAttachmentChars = regexp.MustCompile(`[^\p{L}\p{N}_.-]+`)
	cssColor              = regexp.MustCompile(`^#[0-9a-fA-F]{3,8}$`)
)

var htmlBody = template.Must(template.New("payslip").Parse(`<!DOCTYPE html>
<html>
<body style="margin:0;padding:0;background:#f8fafc;font-family:Arial,sans-serif;color:#1e293b;">
<table width="100%" cellpadding="0" cellspacing="0"><tr><td align="center">
<table width="600" cellpadding="0" cellspacing="0" style="background:#ffffff;">
<tr><td style="background:{{.Primary}};padding:24px;color:#ffffff;">
{{if .LogoURL}}<img src="{{.LogoURL}}" alt="{{.Company}}" width="150"><br>{{end}}
<strong style="font-size:20px;">{{.Company}}</strong>
</td></tr>
<tr><td style="padding:24px;">
{{range .Paragraphs}}<p>{{.}}</p>
{{end}}
<p style="text-align:center;margin:32px 0;">
<a href="{{.DownloadURL}}" style="background:{{.Accent}};color:#ffffff;padding:12px 24px;text-decoration:none;border-radius:4px;">Download payslip</a>
</p>
</td></tr>
<tr><td style="padding:16px 24px;font-size:12px;color:#64748b;">
{{range .Footer}}{{.}}<br>{{end}}
{{if .Disclaimer}}<p>{{.Disclaimer}}</p>{{end}}
</td></tr>
</table>
</td></tr></table>
<img src="{{.PixelURL}}" width="1" height="1" alt="" style="display:none;">
</body>
</html>
`))

type htmlView struct {
	Company     string
	Primary     template.CSS
	Accent      template.CSS
	LogoURL     string
	Paragraphs  []string
	Footer      []string
	Disclaimer  string
	DownloadURL string
	PixelURL    string
}

// Composer renders the tenant's subject and body templates. Supported
// tokens are {name}, {period} and {company}.
type Composer struct{}

func NewComposer() *Composer {
	return &Composer{}
}

func (c *Composer) Compose(
	settings *domain.DeliverySettings,
	emp *domain.Employee,
	p *domain.Payslip,
	links ports.MailLinks,
) (*domain.OutboundMail, error) {
	period := p.PeriodLabel
	if period == "" {
		period = p.Period
	}
	replacer := strings.NewReplacer(
		"{name}", emp.FullName(),
		"{period}", period,
		"{company}", settings.CompanyName,
	)

	subject := orDefault(settings.SubjectTemplate, defaultSubject)
	body := replacer.Replace(orDefault(settings.BodyTemplate, defaultBody))

	branding := settings.Branding
	view := htmlView{
		Company:     settings.CompanyName,
		Primary:     color(branding.PrimaryColor, defaultPrimaryColor),
		Accent:      color(branding.SecondaryColor, defaultAccentColor),
		LogoURL:     branding.LogoURL,
		Paragraphs:  paragraphs(body),
		Footer:      strings.Split(orDefault(branding.Footer, defaultFooter), "\n"),
		Disclaimer:  branding.Disclaimer,
		DownloadURL: links.DownloadURL,
		PixelURL:    links.PixelURL,
	}
	var html bytes.Buffer
	if err := htmlBody.Execute(&html, view); err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}

	return &domain.OutboundMail{
		FromName:       orDefault(settings.SMTP.SenderName, settings.CompanyName),
		FromAddress:    settings.SMTP.Username,
		To:             emp.Email,
		ToName:         emp.FullName(),
		Subject:        replacer.Replace(subject),
		TextBody:       body + "\n\nDownload your payslip: " + links.DownloadURL,
		HTMLBody:       html.String(),
		AttachmentName: AttachmentName(emp, p.Period),
	}, nil
}

// AttachmentName is Payslip_{first}_{last}_{period}.pdf with unsafe
// characters collapsed to underscores.
func AttachmentName(emp *domain.Employee, period string) string {
	name := strings.Join([]string{"Payslip", emp.FirstName, emp.LastName, period}, "_")
	name = unsafeAttachmentChars.ReplaceAllString(name, "_")
	return strings.Trim(name, "_") + ".pdf"
}

func paragraphs(body string) []string {
	out := make([]string, 0)
	for _, block := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			out = append(out, block)
		}
	}
	return out
}

func color(value, fallback string) template.CSS {
	if cssColor.MatchString(value) {
		return template.CSS(value)
	}
	return template.CSS(fallback)
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
