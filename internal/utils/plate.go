package utils

import "strings"

// NormalizePlate reduces a plate reading to its canonical form: uppercase
// with everything except letters and digits stripped. OCR output for the
// same plate varies in spacing and dashes between frames, so all matching
// happens on the normalized form.
func NormalizePlate(plate string) string {
	var b strings.Builder
	b.Grow(len(plate))
	for _, r := range strings.ToUpper(plate) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
