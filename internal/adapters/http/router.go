package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/payslip-dispatch/internal/adapters/http/openapi"
	"github.com/kirillkom/payslip-dispatch/internal/config"
	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
	"github.com/kirillkom/payslip-dispatch/internal/core/ports"
	"github.com/kirillkom/payslip-dispatch/internal/observability/metrics"
)

const multipartMemoryLimit = 32 << 20

type Router struct {
	uploader ports.PayslipUploader
	delivery ports.DeliveryService
	tracking ports.TrackingService
	metrics  *metrics.HTTPServerMetrics

	jwtSecret         []byte
	uploadMaxBytes    int64
	trustProxyHeaders bool
	limiter           *rate.Limiter
	maxInFlight       int
	inFlightWait      time.Duration
	wsPollInterval    time.Duration
}

func NewRouter(
	cfg config.Config,
	uploader ports.PayslipUploader,
	delivery ports.DeliveryService,
	tracking ports.TrackingService,
) *Router {
	return &Router{
		uploader:          uploader,
		delivery:          delivery,
		tracking:          tracking,
		jwtSecret:         []byte(cfg.AuthJWTSecret),
		uploadMaxBytes:    cfg.UploadMaxBytes,
		trustProxyHeaders: cfg.TrustProxyHeaders,
		limiter:           newAPILimiter(cfg.APIRateLimitRPS, cfg.APIRateLimitBurst),
		maxInFlight:       cfg.APIBackpressureMaxInFlight,
		inFlightWait:      cfg.APIBackpressureWait,
		wsPollInterval:    time.Second,
	}
}

// WithMetrics enables /metrics and request instrumentation.
func (rt *Router) WithMetrics(m *metrics.HTTPServerMetrics) *Router {
	rt.metrics = m
	return rt
}

func (rt *Router) Handler() http.Handler {
	validator, err := newRequestValidator()
	if err != nil {
		// The document is embedded at build time; a broken one is a programming error.
		panic(err)
	}

	admin := http.NewServeMux()
	admin.HandleFunc("POST /v1/payslips/upload", rt.uploadPayslips)
	admin.HandleFunc("POST /v1/payslips/send", rt.sendPayslips)
	admin.HandleFunc("GET /v1/jobs/{id}", rt.getJob)
	admin.HandleFunc("GET /v1/payslips/{id}/events", rt.payslipEvents)
	admin.HandleFunc("GET /v1/tracking/stats", rt.trackingStats)

	var adminHandler http.Handler = validator.middleware(admin)
	adminHandler = authMiddleware(adminHandler, rt.jwtSecret, false)
	adminHandler = backpressureMiddleware(adminHandler, rt.maxInFlight, rt.inFlightWait)
	adminHandler = rateLimitMiddleware(adminHandler, rt.limiter)

	// Progress streams are long lived and stay outside the backpressure gate.
	var streamHandler http.Handler = http.HandlerFunc(rt.streamJob)
	streamHandler = authMiddleware(streamHandler, rt.jwtSecret, true)
	streamHandler = rateLimitMiddleware(streamHandler, rt.limiter)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /openapi.yaml", rt.openAPIDocument)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}
	mux.HandleFunc("GET /tracking/pixel/{tracking_id}", rt.trackingPixel)
	mux.HandleFunc("GET /tracking/download/{tracking_id}", rt.trackingDownload)
	mux.Handle("GET /v1/jobs/{id}/ws", streamHandler)
	mux.Handle("/v1/", adminHandler)

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware("api", handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) openAPIDocument(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openapi.Spec)
}

func (rt *Router) uploadPayslips(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	if rt.uploadMaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.uploadMaxBytes)
	}
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload exceeds the size limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart form is required"})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	result, err := rt.uploader.Upload(r.Context(), actor, r.URL.Query().Get("period"), header.Filename, file)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordUploadPages(result.SuccessCount, result.ErrorCount)
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) sendPayslips(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req struct {
		PayslipIDs  []string `json:"payslip_ids"`
		ForceResend bool     `json:"force_resend"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ticket, err := rt.delivery.StartSend(r.Context(), actor, req.PayslipIDs, req.ForceResend)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ticket)
}

type jobView struct {
	*domain.DeliveryJob
	ProgressPercent float64 `json:"progress_percent"`
}

func newJobView(job *domain.DeliveryJob) jobView {
	return jobView{DeliveryJob: job, ProgressPercent: job.ProgressPercent()}
}

func (rt *Router) getJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	job, err := rt.delivery.JobStatus(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (rt *Router) payslipEvents(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	events, err := rt.tracking.Events(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payslip_id": r.PathValue("id"), "events": events})
}

func (rt *Router) trackingStats(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	stats, err := rt.tracking.Stats(r.Context(), actor, strings.TrimSpace(r.URL.Query().Get("period")))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("http_response_write_failed", "error", err)
	}
}
