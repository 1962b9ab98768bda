package domain

import (
	"io"
	"time"
)

// Actor is the authenticated operator behind an admin request.
type Actor struct {
	TenantID string
	UserID   string
}

// ClientInfo describes the unauthenticated caller of a tracking endpoint.
type ClientInfo struct {
	Address   string
	UserAgent string
}

type PayslipSummary struct {
	ID            string        `json:"id"`
	EmployeeID    string        `json:"employee_id,omitempty"`
	EmployeeName  string        `json:"employee_name"`
	EmployeeEmail string        `json:"employee_email,omitempty"`
	ExtractedName string        `json:"extracted_name,omitempty"`
	NationalID    string        `json:"tc_no"`
	Period        string        `json:"period"`
	PeriodLabel   string        `json:"period_label,omitempty"`
	Status        PayslipStatus `json:"status"`
	TrackingID    string        `json:"tracking_id"`
	HasEmployee   bool          `json:"has_employee"`
	CreatedAt     time.Time     `json:"created_at"`
}

type UploadResult struct {
	TotalPages   int              `json:"total_pages"`
	SuccessCount int              `json:"success_count"`
	ErrorCount   int              `json:"error_count"`
	Payslips     []PayslipSummary `json:"payslips"`
	Errors       []string         `json:"errors"`
	Warnings     []string         `json:"warnings,omitempty"`
}

type DownloadRequest struct {
	TrackingID string
	IssuedAt   string
	Signature  string
	Client     ClientInfo
}

// DownloadArtifact is an opened payslip file ready to be streamed.
type DownloadArtifact struct {
	Filename string
	Body     io.ReadCloser
}

type OutboundMail struct {
	FromName       string
	FromAddress    string
	To             string
	ToName         string
	Subject        string
	TextBody       string
	HTMLBody       string
	AttachmentName string
	AttachmentPath string
}
