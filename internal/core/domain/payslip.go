package domain

import "time"

type PayslipStatus string

const (
	StatusPending    PayslipStatus = "PENDING"
	StatusNoEmployee PayslipStatus = "NO_EMPLOYEE"
	StatusSent       PayslipStatus = "SENT"
	StatusOpened     PayslipStatus = "OPENED"
	StatusDownloaded PayslipStatus = "DOWNLOADED"
	StatusFailed     PayslipStatus = "FAILED"
)

// rank orders statuses along the delivery path. Statuses outside the
// path (pending, no employee, failed) share rank zero.
func (s PayslipStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusOpened:
		return 2
	case StatusDownloaded:
		return 3
	default:
		return 0
	}
}

func (s PayslipStatus) Valid() bool {
	switch s {
	case StatusPending, StatusNoEmployee, StatusSent, StatusOpened, StatusDownloaded, StatusFailed:
		return true
	default:
		return false
	}
}

// Delivered reports whether the payslip has reached the recipient at least once.
func (s PayslipStatus) Delivered() bool {
	return s.rank() >= StatusSent.rank()
}

// AfterSendSuccess returns the status a payslip takes after a successful
// delivery. Statuses further down the delivery path are kept.
func (s PayslipStatus) AfterSendSuccess() PayslipStatus {
	if s.Delivered() {
		return s
	}
	return StatusSent
}

// AfterSendFailure returns the status after delivery retries are exhausted.
// Opened and downloaded payslips keep their status.
func (s PayslipStatus) AfterSendFailure() PayslipStatus {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return StatusFailed
	default:
		return s
	}
}

// AdvanceTo moves a delivered payslip forward to target. It returns the
// current status and false when the move would not be forward.
func (s PayslipStatus) AdvanceTo(target PayslipStatus) (PayslipStatus, bool) {
	if !s.Delivered() || target.rank() <= s.rank() {
		return s, false
	}
	return target, true
}

// AdvanceSources lists the statuses from which AdvanceTo(target) succeeds.
func AdvanceSources(target PayslipStatus) []PayslipStatus {
	out := make([]PayslipStatus, 0, 2)
	for _, s := range []PayslipStatus{StatusSent, StatusOpened} {
		if _, ok := s.AdvanceTo(target); ok {
			out = append(out, s)
		}
	}
	return out
}

type Payslip struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	EmployeeID  string        `json:"employee_id,omitempty"`
	NationalID  string        `json:"-"`
	FirstName   string        `json:"first_name"`
	LastName    string        `json:"last_name"`
	Period      string        `json:"period"`
	PeriodLabel string        `json:"period_label,omitempty"`
	PDFPath     string        `json:"-"`
	PDFPassword string        `json:"-"`
	TrackingID  string        `json:"tracking_id"`
	Status      PayslipStatus `json:"status"`
	SentAt      *time.Time    `json:"sent_at,omitempty"`
	SentBy      string        `json:"sent_by,omitempty"`
	SendError   string        `json:"send_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (p *Payslip) HasEmployee() bool {
	return p.EmployeeID != ""
}

// ExtractedName is the display name read from the page.
func (p *Payslip) ExtractedName() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	default:
		return p.FirstName + p.LastName
	}
}

// MaskedNationalID keeps the last four digits only.
func (p *Payslip) MaskedNationalID() string {
	if len(p.NationalID) < 4 {
		return p.NationalID
	}
	return "****" + p.NationalID[len(p.NationalID)-4:]
}

type TrackingEventKind string

const (
	EventSent       TrackingEventKind = "SENT"
	EventOpened     TrackingEventKind = "OPENED"
	EventDownloaded TrackingEventKind = "DOWNLOADED"
)

// Status returns the payslip status an event of this kind drives towards.
func (k TrackingEventKind) Status() PayslipStatus {
	switch k {
	case EventOpened:
		return StatusOpened
	case EventDownloaded:
		return StatusDownloaded
	default:
		return StatusSent
	}
}

type TrackingEvent struct {
	ID        string            `json:"id"`
	PayslipID string            `json:"payslip_id"`
	Kind      TrackingEventKind `json:"event_type"`
	IPAddress string            `json:"ip_address,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// TrackingStats aggregates payslip statuses for one tenant.
type TrackingStats struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	NoEmployee   int     `json:"no_employee"`
	Sent         int     `json:"sent"`
	Opened       int     `json:"opened"`
	Downloaded   int     `json:"downloaded"`
	Failed       int     `json:"failed"`
	OpenRate     float64 `json:"open_rate"`
	DownloadRate float64 `json:"download_rate"`
}

// Add counts one payslip of the given status.
func (s *TrackingStats) Add(status PayslipStatus, n int) {
	s.Total += n
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusNoEmployee:
		s.NoEmployee += n
	case StatusSent:
		s.Sent += n
	case StatusOpened:
		s.Opened += n
	case StatusDownloaded:
		s.Downloaded += n
	case StatusFailed:
		s.Failed += n
	}
}

// Finalize computes rates over delivered payslips. Opened counts include
// payslips that went on to be downloaded.
func (s *TrackingStats) Finalize() {
	delivered := s.Sent + s.Opened + s.Downloaded
	if delivered == 0 {
		return
	}
	s.OpenRate = float64(s.Opened+s.Downloaded) / float64(delivered) * 100
	s.DownloadRate = float64(s.Downloaded) / float64(delivered) * 100
}
