package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/payslip-dispatch/internal/config"
	"github.com/kirillkom/payslip-dispatch/internal/core/access"
	"github.com/kirillkom/payslip-dispatch/internal/core/ports"
	"github.com/kirillkom/payslip-dispatch/internal/core/usecase"
	"github.com/kirillkom/payslip-dispatch/internal/infrastructure/jobstore"
	"github.com/kirillkom/payslip-dispatch/internal/infrastructure/mail"
	"github.com/kirillkom/payslip-dispatch/internal/infrastructure/pdf"
	"github.com/kirillkom/payslip-dispatch/internal/infrastructure/queue/inline"
	"github.com/kirillkom/payslip-dispatch/internal/infrastructure/queue/nats"
	"github.com/kirillkom/payslip-dispatch/internal/infrastructure/ratelimit"
	"github.com/kirillkom/payslip-dispatch/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/payslip-dispatch/internal/infrastructure/resilience"
	"github.com/kirillkom/payslip-dispatch/internal/infrastructure/secretbox"
	"github.com/kirillkom/payslip-dispatch/internal/infrastructure/storage/localfs"
)

const (
	DispatchNATS   = "nats"
	DispatchInline = "inline"
)

// JobMetrics counts whole job runs.
type JobMetrics interface {
	StartJob()
	FinishJob(duration time.Duration, err error)
}

// RetryMetrics counts SMTP retries by backoff kind.
type RetryMetrics interface {
	ObserveRetry(backoff string)
}

// Observers are optional metric sinks; nil fields are skipped.
type Observers struct {
	Tracking usecase.TrackingObserver
	Delivery usecase.DeliveryObserver
	Jobs     JobMetrics
	Retries  RetryMetrics
}

type App struct {
	Config config.Config

	// Queue is nil when jobs run inline.
	Queue  *nats.Queue
	Inline *inline.Dispatcher
	Runner ports.DeliveryRunner

	IngestUC   *usecase.IngestPayrollUseCase
	DeliveryUC *usecase.DeliveryUseCase
	TrackingUC *usecase.TrackingUseCase

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, obs Observers) (*App, error) {
	if cfg.DeliveryDispatch != DispatchNATS && cfg.DeliveryDispatch != DispatchInline {
		return nil, fmt.Errorf("unknown DELIVERY_DISPATCH %q", cfg.DeliveryDispatch)
	}
	if cfg.DownloadLinkSecret == "" {
		return nil, fmt.Errorf("DOWNLOAD_LINK_SECRET is required")
	}
	if cfg.DeliveryDispatch == DispatchNATS && cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required when jobs are dispatched over nats")
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*App, error) {
		closeAll()
		return nil, err
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	closers = append(closers, func() { _ = db.Close() })
	if err := postgres.Migrate(ctx, db); err != nil {
		return fail(fmt.Errorf("migrate schema: %w", err))
	}

	secrets, err := secretbox.New(cfg.SecretKey)
	if err != nil {
		return fail(fmt.Errorf("init secret box: %w", err))
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return fail(fmt.Errorf("init object storage: %w", err))
	}

	jobs, counter, closeRedis, err := openEphemeralStores(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeRedis)

	repo := postgres.NewPayslipRepository(db)
	employees := postgres.NewEmployeeDirectory(db)
	tenants := postgres.NewTenantDirectory(db, secrets)
	signer := access.NewLinkSigner(cfg.DownloadLinkSecret, cfg.DownloadLinkTTL())

	ingestUC := usecase.NewIngestPayrollUseCase(
		pdf.NewSpanReader(),
		pdf.NewEncryptor(),
		storage,
		repo,
		employees,
		cfg.SegmentWorkers,
	)

	mailExecutor := resilience.NewExecutor(mailResilience(cfg))
	if obs.Retries != nil {
		mailExecutor.WithRetryObserver(func(_ string, kind resilience.BackoffKind, _ time.Duration) {
			obs.Retries.ObserveRetry(kind.String())
		})
	}
	transport := mail.NewTransport(cfg.SMTPTimeout, mailExecutor)
	deliveryUC := usecase.NewDeliveryUseCase(usecase.DeliveryDeps{
		Repo:      repo,
		Employees: employees,
		Tenants:   tenants,
		Storage:   storage,
		Jobs:      jobs,
		Transport: transport,
		Composer:  mail.NewComposer(),
		Signer:    signer,
		Observer:  obs.Delivery,
	}, usecase.DeliveryConfig{
		DefaultMailDelay: cfg.MailDelay,
		TrackingBaseURL:  cfg.TrackingBaseURL,
	})

	var runner ports.DeliveryRunner = deliveryUC
	if obs.Jobs != nil {
		runner = meteredRunner{next: deliveryUC, metrics: obs.Jobs}
	}

	app := &App{
		Config:     cfg,
		Runner:     runner,
		IngestUC:   ingestUC,
		DeliveryUC: deliveryUC,
	}

	switch cfg.DeliveryDispatch {
	case DispatchNATS:
		queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: resilience.NewExecutor(resilience.DefaultConfig()),
			JobTimeout:         cfg.JobTimeout,
		})
		if err != nil {
			return fail(fmt.Errorf("init message queue: %w", err))
		}
		closers = append(closers, queue.Close)
		deliveryUC.SetDispatcher(queue)
		app.Queue = queue
	case DispatchInline:
		dispatcher := inline.NewDispatcher(runner, cfg.JobTimeout)
		deliveryUC.SetDispatcher(dispatcher)
		app.Inline = dispatcher
	}

	guard := access.NewRateGuard(counter, access.GuardLimits{
		PerAddress:       int64(cfg.DownloadIPLimitPerMinute),
		AddressWindow:    time.Minute,
		PerTrackingID:    int64(cfg.DownloadTrackingLimitPerDay),
		TrackingIDWindow: 24 * time.Hour,
	})
	app.TrackingUC = usecase.NewTrackingUseCase(repo, storage, signer, guard, obs.Tracking)
	app.closeFn = closeAll

	slog.Info("bootstrap_ready",
		"dispatch", cfg.DeliveryDispatch,
		"shared_state", cfg.RedisURL != "",
		"storage_path", cfg.StoragePath,
	)
	return app, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// WaitInline blocks until inline jobs return; it is a no-op with a broker.
func (a *App) WaitInline(ctx context.Context) error {
	if a.Inline == nil {
		return nil
	}
	return a.Inline.Wait(ctx)
}

func openEphemeralStores(ctx context.Context, cfg config.Config) (ports.JobStore, ports.RateCounter, func(), error) {
	if cfg.RedisURL == "" {
		slog.Warn("redis_not_configured", "detail", "job records and download counters stay in process memory")
		return jobstore.NewMemory(cfg.JobTTL), ratelimit.NewMemory(), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return jobstore.NewRedis(client, cfg.JobTTL), ratelimit.NewRedis(client), func() { _ = client.Close() }, nil
}

func mailResilience(cfg config.Config) resilience.Config {
	return resilience.MailConfig(
		cfg.MailRetryMaxAttempts,
		cfg.MailRetryBaseDelay,
		cfg.MailRetryFixedDelay,
		cfg.MailRetryMaxDelay,
	)
}

type meteredRunner struct {
	next    ports.DeliveryRunner
	metrics JobMetrics
}

func (r meteredRunner) RunJob(ctx context.Context, jobID string) error {
	r.metrics.StartJob()
	started := time.Now()
	err := r.next.RunJob(ctx, jobID)
	r.metrics.FinishJob(time.Since(started), err)
	return err
}
