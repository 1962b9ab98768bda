package identity

import (
	"regexp"
	"strings"
)

// glyphFixes maps code points that payroll template fonts emit for Turkish
// letters back to the intended characters.
var glyphFixes = map[rune]rune{
	286:  'İ',
	287:  'Ş',
	190:  'Ğ',
	219:  'ı',
	8355: 'ğ',
}

func FixGlyphs(text string) string {
	return strings.Map(func(r rune) rune {
		if fixed, ok := glyphFixes[r]; ok {
			return fixed
		}
		return r
	}, text)
}

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// Filename builds the artifact name {id}_{first}_{last}[_{DD-MM-YYYY}].pdf
// with filesystem-unsafe characters removed.
func (id Identity) Filename() string {
	parts := []string{id.NationalID}
	for _, p := range []string{id.FirstName, id.LastName} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if id.PeriodLabel != "" {
		parts = append(parts, strings.ReplaceAll(id.PeriodLabel, ".", "-"))
	}
	name := strings.Join(parts, "_") + ".pdf"
	return unsafeFilenameChars.ReplaceAllString(name, "")
}
