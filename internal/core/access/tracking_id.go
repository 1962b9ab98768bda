package access

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
)

const (
	TrackingIDMinLength = 32
	TrackingIDMaxLength = 128

	trackingIDBytes  = 48
	minDistinctChars = 10
)

// forbiddenFragments are rejected case-insensitively anywhere in an id.
var forbiddenFragments = []string{
	"..", "<script", "javascript:", "--", "/*", "*/", ";", "'", "\"",
	"union select", "drop table", "xp_cmdshell", "%00",
}

// NewTrackingID returns a URL-safe id carrying 384 bits of entropy.
func NewTrackingID() (string, error) {
	buf := make([]byte, trackingIDBytes)
	for {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		id := base64.RawURLEncoding.EncodeToString(buf)
		if ValidateTrackingID(id) == nil {
			return id, nil
		}
	}
}

// ValidateTrackingID checks the shape of an externally supplied id.
func ValidateTrackingID(id string) error {
	if len(id) < TrackingIDMinLength || len(id) > TrackingIDMaxLength {
		return invalidID("length %d out of range", len(id))
	}
	lower := strings.ToLower(id)
	for _, frag := range forbiddenFragments {
		if strings.Contains(lower, frag) {
			return invalidID("forbidden fragment %q", frag)
		}
	}
	seen := make(map[byte]struct{}, 64)
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !isTrackingIDChar(c) {
			return invalidID("invalid byte 0x%02x at %d", c, i)
		}
		seen[c] = struct{}{}
	}
	if len(seen) < minDistinctChars {
		return invalidID("only %d distinct characters", len(seen))
	}
	return nil
}

func isTrackingIDChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	default:
		return false
	}
}

func invalidID(format string, args ...any) error {
	return domain.WrapError(domain.ErrInvalidInput, "validate tracking id", fmt.Errorf(format, args...))
}
