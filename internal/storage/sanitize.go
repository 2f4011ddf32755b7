package storage

import (
	"path"
	"strings"
)

const (
	maxNameBytes = 255
	maxExtBytes  = 16
	fallbackName = "file"
)

// SanitizeFilename reduces a client-supplied name to a safe base name made of
// [A-Za-z0-9._-] with a lowercase extension.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	if len(name) >= 2 && name[1] == ':' && isLetter(name[0]) {
		name = name[2:]
	}
	name = strings.ReplaceAll(name, "..", ".")

	var b strings.Builder
	var last rune
	for _, r := range name {
		if !isSafe(r) {
			r = '_'
		}
		if (r == '_' || r == '.') && r == last {
			continue
		}
		b.WriteRune(r)
		last = r
	}

	clean := strings.TrimLeft(b.String(), ".")
	stem, ext := SplitName(clean)
	stem = strings.Trim(stem, "._")
	if stem == "" {
		if ext == "" {
			return fallbackName
		}
		stem = fallbackName
	}
	return fitName(stem, "", strings.ToLower(ext))
}

// SplitName splits a sanitized name into stem and extension (with the dot).
func SplitName(name string) (string, string) {
	ext := path.Ext(name)
	if ext == "." || len(ext) > maxExtBytes {
		ext = ""
	}
	return strings.TrimSuffix(name, ext), ext
}

// fitName joins stem, suffix and ext, shortening stem so the result stays
// within maxNameBytes.
func fitName(stem, suffix, ext string) string {
	room := maxNameBytes - len(suffix) - len(ext)
	if room < 1 {
		room = 1
	}
	if len(stem) > room {
		stem = stem[:room]
	}
	return stem + suffix + ext
}

func isSafe(r rune) bool {
	return r < 128 && isLetter(byte(r)) ||
		r >= '0' && r <= '9' ||
		r == '.' || r == '_' || r == '-'
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
