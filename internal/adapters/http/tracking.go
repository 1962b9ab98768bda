package httpadapter

import (
	"bytes"
	"image"
	"image/png"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
)

var transparentPixel = encodePixel()

func encodePixel() []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 1, 1))); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func setNoCache(h http.Header) {
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

// trackingPixel always answers with the image so mail clients never show
// a broken resource, whatever happened to the tracking record.
func (rt *Router) trackingPixel(w http.ResponseWriter, r *http.Request) {
	rt.tracking.TrackOpen(r.Context(), r.PathValue("tracking_id"), clientInfo(r, rt.trustProxyHeaders))

	setNoCache(w.Header())
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(transparentPixel)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(transparentPixel)
}

func (rt *Router) trackingDownload(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	artifact, err := rt.tracking.Download(r.Context(), domain.DownloadRequest{
		TrackingID: r.PathValue("tracking_id"),
		IssuedAt:   query.Get("t"),
		Signature:  query.Get("s"),
		Client:     clientInfo(r, rt.trustProxyHeaders),
	})
	if err != nil {
		writePublicError(w, err)
		return
	}
	defer artifact.Body.Close()

	h := w.Header()
	setNoCache(h)
	h.Set("Content-Type", "application/pdf")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": artifact.Filename}))
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, artifact.Body); err != nil {
		slog.Warn("download_stream_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
	}
}
