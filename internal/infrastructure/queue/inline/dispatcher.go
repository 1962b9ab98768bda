// Package inline runs delivery jobs in the API process when no broker is
// configured.
package inline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/payslip-dispatch/internal/core/ports"
)

// Dispatcher starts one goroutine per job. Jobs outlive the request that
// created them; Wait blocks until all of them have returned.
type Dispatcher struct {
	runner  ports.DeliveryRunner
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(runner ports.DeliveryRunner, timeout time.Duration) *Dispatcher {
	return &Dispatcher{runner: runner, timeout: timeout}
}

func (d *Dispatcher) DispatchDeliveryJob(ctx context.Context, jobID string) error {
	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := runCtx, context.CancelFunc(func() {})
		if d.timeout > 0 {
			ctx, cancel = context.WithTimeout(runCtx, d.timeout)
		}
		defer cancel()
		if err := d.runner.RunJob(ctx, jobID); err != nil {
			slog.Error("delivery_job_failed", "job_id", jobID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched job returned or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
