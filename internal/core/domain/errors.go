package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrForbidden              = errors.New("forbidden")
	ErrPayslipNotFound        = errors.New("payslip not found")
	ErrJobNotFound            = errors.New("delivery job not found")
	ErrEmployeeNotFound       = errors.New("employee not found")
	ErrTenantNotFound         = errors.New("tenant not found")
	ErrConflict               = errors.New("conflict")
	ErrRateLimited            = errors.New("rate limited")
	ErrLinkExpired            = errors.New("link expired")
	ErrBadSignature           = errors.New("bad signature")
	ErrArtifactMissing        = errors.New("artifact missing")
	ErrPathEscape             = errors.New("path escapes storage root")
	ErrTransportNotConfigured = errors.New("delivery transport not configured")
	ErrTemporary              = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// PageError reports a failure local to one page of an uploaded document.
// Page is 1-based.
type PageError struct {
	Page int
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("Page %d: %v", e.Page, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// AlreadySentError lists payslips that were already delivered when the
// caller did not ask for a forced resend.
type AlreadySentError struct {
	IDs []string
}

func (e *AlreadySentError) Error() string {
	return fmt.Sprintf("%d payslip(s) already sent: %s", len(e.IDs), strings.Join(e.IDs, ","))
}

func (e *AlreadySentError) Unwrap() error {
	return ErrConflict
}

// RateLimitError is returned when an access ceiling is exceeded.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s), retry after %s", e.Scope, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
