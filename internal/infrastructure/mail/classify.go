package mail

import (
	"context"
	"errors"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"

	gomail "github.com/wneessen/go-mail"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
	"github.com/kirillkom/payslip-dispatch/internal/infrastructure/resilience"
)

var replyCodePattern = regexp.MustCompile(`(?:^|:\s*)([245]\d\d)(?:[\s-]|$)`)

var rateLimitPhrases = []string{
	"too many",
	"rate limit",
	"ratelimit",
	"throttl",
	"try again later",
}

var authPhrases = []string{
	"authentication",
	"auth failed",
	"invalid credentials",
	"username and password not accepted",
}

// classifySMTPError decides how a failed send is retried: rate limits back
// off exponentially, authentication and permanent rejections stop at once,
// anything else is retried after the fixed delay.
func classifySMTPError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if domain.IsKind(err, domain.ErrArtifactMissing) || domain.IsKind(err, domain.ErrInvalidInput) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}

	code := replyCode(err)
	text := strings.ToLower(err.Error())

	switch {
	case isRateLimited(code, text):
		return resilience.ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
			Backoff:       resilience.BackoffExponential,
		}
	case isAuthFailure(code, text):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	case code >= 500:
		// Recipient or policy rejections repeat on every attempt.
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	return resilience.ErrorClassification{
		Retryable:     true,
		RecordFailure: true,
		Backoff:       resilience.BackoffFixed,
	}
}

func isRateLimited(code int, text string) bool {
	if code == 421 || code == 452 {
		return true
	}
	return containsAny(text, rateLimitPhrases)
}

func isAuthFailure(code int, text string) bool {
	switch code {
	case 530, 534, 535:
		return true
	}
	return containsAny(text, authPhrases)
}

// replyCode digs the SMTP reply code out of the error chain.
func replyCode(err error) int {
	var sendErr *gomail.SendError
	if errors.As(err, &sendErr) {
		if code := sendErr.ErrorCode(); code > 0 {
			return code
		}
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code
	}
	if m := replyCodePattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	return 0
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
