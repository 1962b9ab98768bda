package domain

import (
	"fmt"
	"testing"
	"time"
)

func TestDeliveryJobRecordKeepsRecentResults(t *testing.T) {
	ids := make([]string, 150)
	for i := range ids {
		ids[i] = fmt.Sprintf("p-%d", i)
	}
	job := NewDeliveryJob("job-1", "t1", "u1", ids, false, time.Now())

	for i, id := range ids {
		job.Record(JobItemResult{PayslipID: id, Success: i%3 != 0})
	}

	if job.Completed != 150 {
		t.Fatalf("expected 150 completed, got %d", job.Completed)
	}
	if job.SuccessCount+job.ErrorCount != 150 {
		t.Fatalf("counters do not add up: %d + %d", job.SuccessCount, job.ErrorCount)
	}
	if len(job.Results) != JobResultLimit {
		t.Fatalf("expected %d results, got %d", JobResultLimit, len(job.Results))
	}
	if job.Results[0].PayslipID != "p-50" || job.Results[99].PayslipID != "p-149" {
		t.Fatalf("unexpected window %s..%s", job.Results[0].PayslipID, job.Results[99].PayslipID)
	}
}

func TestDeliveryJobProgressPercent(t *testing.T) {
	job := NewDeliveryJob("job-1", "t1", "u1", []string{"a", "b", "c"}, false, time.Now())
	if job.ProgressPercent() != 0 {
		t.Fatalf("expected 0")
	}
	job.Record(JobItemResult{Success: true})
	if job.ProgressPercent() != 33.3 {
		t.Fatalf("expected 33.3, got %v", job.ProgressPercent())
	}
}

func TestDeliveryJobLifecycle(t *testing.T) {
	now := time.Now()
	job := NewDeliveryJob("job-1", "t1", "u1", []string{"a"}, true, now)
	if job.Status != JobPending || job.Status.Terminal() {
		t.Fatalf("new job must be pending")
	}
	job.Start(now)
	if job.Status != JobRunning || job.StartedAt == nil {
		t.Fatalf("expected running job with start time")
	}
	job.Fail("no transport", now)
	if !job.Status.Terminal() || job.ErrorMessage != "no transport" || job.FinishedAt == nil {
		t.Fatalf("unexpected failed job %+v", job)
	}
}
