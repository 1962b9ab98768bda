package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/payslip-dispatch/internal/adapters/http"
	"github.com/kirillkom/payslip-dispatch/internal/bootstrap"
	"github.com/kirillkom/payslip-dispatch/internal/config"
	"github.com/kirillkom/payslip-dispatch/internal/observability/logging"
	"github.com/kirillkom/payslip-dispatch/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.NewJSONLogger("api", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpMetrics := metrics.NewHTTPServerMetrics("api")
	jobMetrics := metrics.NewWorkerMetrics("api", httpMetrics.Registry())

	app, err := bootstrap.New(ctx, cfg, bootstrap.Observers{
		Tracking: httpMetrics,
		Delivery: jobMetrics,
		Jobs:     jobMetrics,
		Retries:  jobMetrics,
	})
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	router := httpadapter.NewRouter(cfg, app.IngestUC, app.DeliveryUC, app.TrackingUC).
		WithMetrics(httpMetrics).
		Handler()
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort, "dispatch", cfg.DeliveryDispatch)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api_shutdown_failed", "error", err)
	}

	// Inline jobs are never cancelled; give them the job budget to finish.
	waitCtx, cancelWait := context.WithTimeout(context.Background(), cfg.JobTimeout)
	defer cancelWait()
	if err := app.WaitInline(waitCtx); err != nil {
		slog.Warn("inline_jobs_abandoned", "error", err)
	}
}
