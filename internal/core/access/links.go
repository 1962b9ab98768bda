// Package access issues and checks the unauthenticated links embedded in
// payslip mails.
package access

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
)

// LinkSigner signs tracking_id:timestamp with HMAC-SHA256.
type LinkSigner struct {
	secret   []byte
	validity time.Duration
}

func NewLinkSigner(secret string, validity time.Duration) *LinkSigner {
	return &LinkSigner{secret: []byte(secret), validity: validity}
}

func (s *LinkSigner) Sign(trackingID string, issuedAt int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(trackingID + ":" + strconv.FormatInt(issuedAt, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks expiry first and the signature second, so a stale link is
// reported as expired whatever its signature.
func (s *LinkSigner) Verify(trackingID string, issuedAt int64, signature string, now time.Time) error {
	if s.Expired(issuedAt, now) {
		return domain.WrapError(domain.ErrLinkExpired, "verify link", fmt.Errorf("issued at %d", issuedAt))
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return domain.WrapError(domain.ErrBadSignature, "verify link", err)
	}
	want, _ := hex.DecodeString(s.Sign(trackingID, issuedAt))
	if !hmac.Equal(got, want) {
		return domain.WrapError(domain.ErrBadSignature, "verify link", fmt.Errorf("signature mismatch"))
	}
	return nil
}

func (s *LinkSigner) Expired(issuedAt int64, now time.Time) bool {
	return now.Sub(time.Unix(issuedAt, 0)) > s.validity
}

// DownloadURL builds {base}/tracking/download/{id}?t={now}&s={sig}.
func (s *LinkSigner) DownloadURL(baseURL, trackingID string, now time.Time) string {
	issuedAt := now.Unix()
	q := url.Values{}
	q.Set("t", strconv.FormatInt(issuedAt, 10))
	q.Set("s", s.Sign(trackingID, issuedAt))
	return strings.TrimRight(baseURL, "/") + "/tracking/download/" + url.PathEscape(trackingID) + "?" + q.Encode()
}

func PixelURL(baseURL, trackingID string) string {
	return strings.TrimRight(baseURL, "/") + "/tracking/pixel/" + url.PathEscape(trackingID)
}
