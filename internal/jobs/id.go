package jobs

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxIDLength = 128

// NewID returns a sortable, filesystem-safe job id.
func NewID(now time.Time) string {
	return "job-" + now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

// SanitizeID maps raw onto [A-Za-z0-9._-], strips leading dots and caps the
// length. It returns "" when nothing usable remains.
func SanitizeID(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > maxIDLength {
		out = out[:maxIDLength]
	}
	if strings.Trim(out, "_") == "" {
		return ""
	}
	return out
}

// ValidID reports whether id is already in sanitized form.
func ValidID(id string) bool {
	return id != "" && SanitizeID(id) == id
}
