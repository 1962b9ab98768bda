package domain

import (
	"math"
	"time"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

const (
	JobTypeMailSend = "mail_send"

	// JobResultLimit bounds the per-job result list.
	JobResultLimit = 100
)

type JobItemResult struct {
	PayslipID     string `json:"payslip_id"`
	EmployeeEmail string `json:"employee_email"`
	Success       bool   `json:"success"`
	Skipped       bool   `json:"skipped,omitempty"`
	Error         string `json:"error,omitempty"`
}

// DeliveryJob is the ephemeral progress record of one bulk send.
type DeliveryJob struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Status       JobStatus       `json:"status"`
	TenantID     string          `json:"tenant_id"`
	UserID       string          `json:"user_id"`
	PayslipIDs   []string        `json:"payslip_ids"`
	ForceResend  bool            `json:"force_resend"`
	Total        int             `json:"total"`
	Completed    int             `json:"completed"`
	SuccessCount int             `json:"success_count"`
	ErrorCount   int             `json:"error_count"`
	Results      []JobItemResult `json:"results"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

func NewDeliveryJob(id, tenantID, userID string, payslipIDs []string, force bool, now time.Time) *DeliveryJob {
	ids := append([]string(nil), payslipIDs...)
	return &DeliveryJob{
		ID:          id,
		Type:        JobTypeMailSend,
		Status:      JobPending,
		TenantID:    tenantID,
		UserID:      userID,
		PayslipIDs:  ids,
		ForceResend: force,
		Total:       len(ids),
		Results:     []JobItemResult{},
		CreatedAt:   now,
	}
}

func (j *DeliveryJob) Start(now time.Time) {
	j.Status = JobRunning
	j.StartedAt = &now
}

// Record appends an item outcome and keeps only the most recent results.
func (j *DeliveryJob) Record(result JobItemResult) {
	j.Completed++
	if result.Success {
		j.SuccessCount++
	} else {
		j.ErrorCount++
	}
	j.Results = append(j.Results, result)
	if over := len(j.Results) - JobResultLimit; over > 0 {
		j.Results = append([]JobItemResult(nil), j.Results[over:]...)
	}
}

func (j *DeliveryJob) Complete(now time.Time) {
	j.Status = JobCompleted
	j.FinishedAt = &now
}

func (j *DeliveryJob) Fail(message string, now time.Time) {
	j.Status = JobFailed
	j.ErrorMessage = message
	j.FinishedAt = &now
}

func (j *DeliveryJob) ProgressPercent() float64 {
	if j.Total == 0 {
		return 0
	}
	return math.Round(float64(j.Completed)/float64(j.Total)*1000) / 10
}

// JobTicket is returned to the caller that started a job.
type JobTicket struct {
	JobID   string `json:"job_id"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}
