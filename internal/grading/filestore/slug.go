package filestore

import (
	"strings"

	"github.com/gosimple/slug"
)

const maxSlugLen = 64

// Slugify maps a username to a single path component of [a-z0-9_-].
// Non-Latin names are transliterated, so distinct students keep distinct
// directories; a name with nothing left falls back to "student".
func Slugify(s string) string {
	out := slug.Make(s)
	if len(out) > maxSlugLen {
		out = strings.Trim(out[:maxSlugLen], "-_")
	}
	if out == "" {
		return "student"
	}
	return out
}
