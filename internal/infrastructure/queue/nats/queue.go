package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/payslip-dispatch/internal/infrastructure/resilience"
)

const (
	workerGroup = "delivery-workers"

	drainPollInterval   = 50 * time.Millisecond
	defaultDrainTimeout = 30 * time.Second
)

// Queue carries delivery job ids from the API to the worker pool.
type Queue struct {
	conn       *nats.Conn
	subject    string
	executor   *resilience.Executor
	jobTimeout time.Duration
}

func New(url, subject string) (*Queue, error) {
	return NewWithOptions(url, subject, Options{})
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	// JobTimeout bounds a single job run on the subscriber side.
	JobTimeout time.Duration
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("payslip-dispatch"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:       conn,
		subject:    subject,
		executor:   options.ResilienceExecutor,
		jobTimeout: options.JobTimeout,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// DispatchDeliveryJob publishes the job id for exactly one worker of the
// queue group to pick up.
func (q *Queue) DispatchDeliveryJob(ctx context.Context, jobID string) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.subject, []byte(jobID)); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyPublishError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return dispatchError(err)
	}
	return nil
}

// SubscribeDeliveryJobs blocks until ctx ends, then drains the subscription
// and returns only after the handler running at that moment has finished.
// Messages still buffered at shutdown are skipped.
func (q *Queue) SubscribeDeliveryJobs(ctx context.Context, handler func(context.Context, string) error) error {
	var inflight sync.WaitGroup
	sub, err := q.conn.QueueSubscribe(q.subject, workerGroup, func(msg *nats.Msg) {
		inflight.Add(1)
		defer inflight.Done()
		jobID := string(msg.Data)
		if errors.Is(ctx.Err(), context.Canceled) {
			slog.Warn("delivery_job_skipped", "job_id", jobID, "reason", "shutdown")
			return
		}

		handlerCtx, cancel := q.handlerContext(ctx)
		defer cancel()
		if err := handler(handlerCtx, jobID); err != nil {
			slog.Error("delivery_job_failed", "job_id", jobID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	// Drain only stops delivery; the subscription closes after the last
	// callback returns.
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), q.drainTimeout())
	defer cancel()
	if err := awaitDrain(waitCtx, sub.IsValid, &inflight, drainPollInterval); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func (q *Queue) drainTimeout() time.Duration {
	if q.jobTimeout > 0 {
		return q.jobTimeout + 5*time.Second
	}
	return defaultDrainTimeout
}

// awaitDrain polls until active reports false, then waits for callbacks
// still holding inflight. It gives up when ctx ends.
func awaitDrain(ctx context.Context, active func() bool, inflight *sync.WaitGroup, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for active() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	done := make(chan struct{})
	go func() {
		inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) handlerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	// Jobs are not cancellable mid-run, so a shutdown lets the current one finish.
	base := context.WithoutCancel(ctx)
	if q.jobTimeout > 0 {
		return context.WithTimeout(base, q.jobTimeout)
	}
	return context.WithCancel(base)
}
