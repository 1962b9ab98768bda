// Package identity reads the employee identity printed on a payslip page.
//
// The payslip template carries no structured fields, so the identity is
// located spatially: an 11-digit national ID anchors the page and the name
// is printed in the rows right below it.
package identity

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const (
	NationalIDLength = 11

	// PasswordLength is the number of trailing ID digits used as the
	// document password.
	PasswordLength      = 6
	OwnerPasswordSuffix = "admin"

	columnTolerance  = 30.0
	columnLeftSlack  = 10.0
	columnRightSlack = 50.0
	nameWindow       = 30.0
	rowTolerance     = 5.0
	dateTopThreshold = 60.0
)

var (
	ErrNoIdentityToken = errors.New("no identity token found")
	ErrNoNameRows      = errors.New("identity found but no valid name rows")
)

var periodDatePattern = regexp.MustCompile(`^\d{2}\.\d{2}\.\d{4}$`)

// BBox is a span bounding box in page coordinates with the origin at the
// top-left corner; Y grows downwards.
type BBox struct {
	X0, Y0, X1, Y1 float64
}

type Span struct {
	Text string
	BBox BBox
}

type Identity struct {
	NationalID  string
	FirstName   string
	LastName    string
	PeriodLabel string
}

// Password returns the user password derived from the national ID.
func (id Identity) Password() string {
	return DerivePassword(id.NationalID)
}

func DerivePassword(nationalID string) string {
	if len(nationalID) <= PasswordLength {
		return nationalID
	}
	return nationalID[len(nationalID)-PasswordLength:]
}

func OwnerPassword(password string) string {
	return password + OwnerPasswordSuffix
}

// Extract locates the identity on one page. When several spans look like
// a national ID the last one in document order wins.
func Extract(spans []Span) (Identity, error) {
	fixed := make([]Span, 0, len(spans))
	for _, s := range spans {
		fixed = append(fixed, Span{Text: strings.TrimSpace(FixGlyphs(s.Text)), BBox: s.BBox})
	}

	anchor := -1
	for i, s := range fixed {
		if isNationalID(s.Text) {
			anchor = i
		}
	}
	if anchor < 0 {
		return Identity{}, ErrNoIdentityToken
	}

	out := Identity{
		NationalID:  fixed[anchor].Text,
		PeriodLabel: findPeriodLabel(fixed),
	}

	rows := nameRows(fixed, fixed[anchor].BBox)
	if len(rows) == 0 {
		return out, ErrNoNameRows
	}
	out.FirstName = rows[0]
	if len(rows) > 1 {
		out.LastName = rows[1]
	}
	return out, nil
}

func nameRows(spans []Span, anchor BBox) []string {
	type fragment struct {
		text string
		x, y float64
	}

	fragments := make([]fragment, 0)
	for _, s := range spans {
		if s.Text == "" || isDigits(s.Text) {
			continue
		}
		if !inColumn(s.BBox.X0, anchor.X0) {
			continue
		}
		if s.BBox.Y0 <= anchor.Y0 || s.BBox.Y0 >= anchor.Y0+nameWindow {
			continue
		}
		fragments = append(fragments, fragment{text: s.Text, x: s.BBox.X0, y: s.BBox.Y0})
	}

	type row struct {
		key   float64
		items []fragment
	}
	rows := make([]*row, 0)
	for _, f := range fragments {
		var target *row
		for _, r := range rows {
			if abs(r.key-f.y) < rowTolerance {
				target = r
				break
			}
		}
		if target == nil {
			target = &row{key: f.y}
			rows = append(rows, target)
		}
		target.items = append(target.items, f)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].key < rows[j].key })

	out := make([]string, 0, 2)
	for _, r := range rows {
		sort.SliceStable(r.items, func(i, j int) bool { return r.items[i].x < r.items[j].x })
		var b strings.Builder
		for _, it := range r.items {
			b.WriteString(it.text)
		}
		text := strings.TrimSpace(b.String())
		if validNameRow(text) {
			out = append(out, text)
		}
		if len(out) == 2 {
			break
		}
	}
	return out
}

func inColumn(x, anchorX float64) bool {
	if abs(x-anchorX) < columnTolerance {
		return true
	}
	return x > anchorX-columnLeftSlack && x < anchorX+columnRightSlack
}

func validNameRow(text string) bool {
	if len([]rune(text)) <= 1 {
		return false
	}
	for _, r := range text {
		if !unicode.IsLetter(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// findPeriodLabel keeps the last qualifying date in reading order.
func findPeriodLabel(spans []Span) string {
	label := ""
	for _, s := range spans {
		if s.BBox.Y0 < dateTopThreshold && periodDatePattern.MatchString(s.Text) {
			label = s.Text
		}
	}
	return label
}

func isNationalID(text string) bool {
	return len(text) == NationalIDLength && isDigits(text)
}

func isDigits(text string) bool {
	if text == "" {
		return false
	}
	for i := 0; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			return false
		}
	}
	return true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
