package pdf

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"

	lpdf "github.com/ledongthuc/pdf"

	"github.com/kirillkom/payslip-dispatch/internal/core/domain"
	"github.com/kirillkom/payslip-dispatch/internal/core/identity"
)

const defaultPageHeight = 842.0

// SpanReader turns the glyph stream of each page into positioned spans.
type SpanReader struct{}

func NewSpanReader() *SpanReader {
	return &SpanReader{}
}

func (r *SpanReader) ReadPages(ctx context.Context, data []byte) ([][]identity.Span, error) {
	reader, err := openReader(data)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "open pdf", err)
	}

	total := reader.NumPage()
	if total == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "open pdf", fmt.Errorf("document has no pages"))
	}

	pages := make([][]identity.Span, total)
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		spans, err := pageSpans(page)
		if err != nil {
			// The page is left empty so extraction reports it itemized.
			continue
		}
		pages[i-1] = spans
	}
	return pages, nil
}

func openReader(data []byte) (reader *lpdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("parse pdf: %v", rec)
		}
	}()
	return lpdf.NewReader(bytes.NewReader(data), int64(len(data)))
}

func pageSpans(page lpdf.Page) (spans []identity.Span, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("read page content: %v", rec)
		}
	}()
	return mergeGlyphs(page.Content().Text, pageHeight(page)), nil
}

func pageHeight(page lpdf.Page) float64 {
	box := mediaBox(page)
	if box.Len() < 4 {
		return defaultPageHeight
	}
	h := box.Index(3).Float64() - box.Index(1).Float64()
	if h <= 0 {
		return defaultPageHeight
	}
	return h
}

// mediaBox returns the page's MediaBox, inherited from the page tree if the
// page does not set it. ledongthuc/pdf leaves Page.MediaBox commented out, so
// this mirrors its unexported findInherited lookup.
func mediaBox(page lpdf.Page) lpdf.Value {
	for v := page.V; !v.IsNull(); v = v.Key("Parent") {
		if r := v.Key("MediaBox"); !r.IsNull() {
			return r
		}
	}
	return lpdf.Value{}
}

// mergeGlyphs joins consecutive glyphs sharing a baseline and font into one
// span and flips the coordinates to a top-left origin.
func mergeGlyphs(glyphs []lpdf.Text, height float64) []identity.Span {
	spans := make([]identity.Span, 0)

	var (
		b       strings.Builder
		current lpdf.Text
		x1      float64
		open    bool
	)
	flush := func() {
		if !open {
			return
		}
		text := b.String()
		if strings.TrimSpace(text) != "" {
			spans = append(spans, identity.Span{
				Text: text,
				BBox: identity.BBox{
					X0: current.X,
					Y0: height - current.Y - current.FontSize,
					X1: x1,
					Y1: height - current.Y,
				},
			})
		}
		b.Reset()
		open = false
	}

	for _, g := range glyphs {
		if g.S == "" {
			continue
		}
		if open && continues(current, x1, g) {
			b.WriteString(g.S)
			x1 = g.X + g.W
			continue
		}
		flush()
		current = g
		x1 = g.X + g.W
		b.WriteString(g.S)
		open = true
	}
	flush()
	return spans
}

func continues(start lpdf.Text, lastX1 float64, g lpdf.Text) bool {
	if g.Font != start.Font || math.Abs(g.FontSize-start.FontSize) > 0.01 {
		return false
	}
	if math.Abs(g.Y-start.Y) > 0.5 {
		return false
	}
	gap := g.X - lastX1
	return gap > -start.FontSize && gap < start.FontSize
}
