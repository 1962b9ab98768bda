package httpadapter

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput),
		domain.IsKind(err, domain.ErrTransportNotConfigured):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrForbidden),
		domain.IsKind(err, domain.ErrBadSignature),
		domain.IsKind(err, domain.ErrPathEscape):
		return http.StatusForbidden
	case domain.IsKind(err, domain.ErrPayslipNotFound),
		domain.IsKind(err, domain.ErrJobNotFound),
		domain.IsKind(err, domain.ErrEmployeeNotFound),
		domain.IsKind(err, domain.ErrTenantNotFound),
		domain.IsKind(err, domain.ErrArtifactMissing):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrConflict):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrLinkExpired):
		return http.StatusGone
	case domain.IsKind(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeAdminError reports err to an authenticated operator.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	setRetryAfter(w, err)

	var alreadySent *domain.AlreadySentError
	if errors.As(err, &alreadySent) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"message":            "some payslips were already sent; set force_resend to send them again",
			"already_sent_count": len(alreadySent.IDs),
			"already_sent_ids":   alreadySent.IDs,
		})
		return
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("http_handler_failed", "request_id", requestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
		message = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": message})
}

// writePublicError reports err to an anonymous recipient without leaking
// why a link was refused beyond the status class.
func writePublicError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	setRetryAfter(w, err)

	var message string
	switch status {
	case http.StatusBadRequest:
		message = "invalid link"
	case http.StatusForbidden:
		message = "access denied"
	case http.StatusNotFound:
		message = "not found"
	case http.StatusGone:
		message = "link expired"
	case http.StatusTooManyRequests:
		message = "too many requests"
	default:
		status = http.StatusInternalServerError
		message = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func setRetryAfter(w http.ResponseWriter, err error) {
	var limited *domain.RateLimitError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", retryAfterSeconds(limited.RetryAfter))
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
