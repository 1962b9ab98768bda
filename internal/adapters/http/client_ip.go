package httpadapter

import (
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
)

// clientInfo resolves the caller address. Proxy headers are honored only
// when the deployment sits behind a trusted proxy.
func clientInfo(r *http.Request, trustProxyHeaders bool) domain.ClientInfo {
	return domain.ClientInfo{
		Address:   clientAddress(r, trustProxyHeaders),
		UserAgent: r.UserAgent(),
	}
}

func clientAddress(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
