package httpadapter

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
)

func TestStreamJobSendsSnapshotsUntilTerminal(t *testing.T) {
	deps := newTestDeps()
	deps.delivery.snapshots = []*domain.DeliveryJob{
		{ID: "job-1", Status: domain.JobRunning, Total: 2},
		{ID: "job-1", Status: domain.JobRunning, Total: 2, Completed: 1},
		{ID: "job-1", Status: domain.JobCompleted, Total: 2, Completed: 2},
	}
	rt := deps.router(testConfig())
	rt.wsPollInterval = 5 * time.Millisecond

	server := httptest.NewServer(rt.Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/jobs/job-1/ws?access_token=" + adminToken(t, "tenant-1")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var progress []float64
	for {
		var view struct {
			Status          domain.JobStatus `json:"status"`
			ProgressPercent float64          `json:"progress_percent"`
		}
		if err := conn.ReadJSON(&view); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			t.Fatalf("read snapshot: %v", err)
		}
		progress = append(progress, view.ProgressPercent)
	}
	if len(progress) != 3 || progress[2] != 100 {
		t.Fatalf("unexpected progress stream %v", progress)
	}
}

func TestStreamJobRejectsBeforeUpgrade(t *testing.T) {
	deps := newTestDeps()
	server := httptest.NewServer(deps.router(testConfig()).Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/jobs/job-1/ws"
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure without token")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %v", res)
	}
}
