package lfn

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const tokenLen = 12

var (
	safePath = regexp.MustCompile(`^[A-Za-z0-9_.\-/]+$`)
	// A marked base name ends in -u<12 hex> optionally followed by one extension.
	markedBase = regexp.MustCompile(`-u[0-9a-f]{12}(\.[A-Za-z0-9_\-]+)?$`)
	unsafeRune = regexp.MustCompile(`[^A-Za-z0-9_.\-]`)
	safeID     = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
)

// ValidTracerID rejects tracer ids that are not a single safe path segment.
func ValidTracerID(id string) error {
	if !safeID.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: tracer id %q", ErrInvalidLFN, id)
	}
	return nil
}

// IsSafe reports whether p is a relative path made only of alphanumerics,
// underscores, dots, hyphens and slashes, without empty, "." or ".." segments.
func IsSafe(p string) bool {
	if p == "" || !safePath.MatchString(p) || strings.HasPrefix(p, "/") {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

// HasMarker reports whether the base name of p carries a uniqueness marker.
func HasMarker(p string) bool {
	return markedBase.MatchString(path.Base(p))
}

// Sanitize returns p unchanged if it is already safe and marked. Otherwise it
// keeps only the base name, replaces unsafe characters with underscores and
// injects a random token before the extension.
func Sanitize(p string) string {
	if IsSafe(p) && HasMarker(p) {
		return p
	}
	return rewrite(p, newToken())
}

func rewrite(p, token string) string {
	base := path.Base(strings.ReplaceAll(p, "\\", "/"))
	base = unsafeRune.ReplaceAllString(base, "_")
	base = strings.Trim(base, ".")

	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem = "file"
	}
	return stem + "-u" + token + ext
}

// Labeled sanitizes name and places it under a label directory such as
// "photos". The result is safe and marked, so New keeps it verbatim.
func Labeled(label, name string) string {
	label = unsafeRune.ReplaceAllString(strings.Trim(label, "/"), "_")
	if label == "" {
		return Sanitize(name)
	}
	return label + "/" + Sanitize(name)
}

// Derived is Labeled with a marker computed from seed instead of a random
// one: equal seeds give equal paths.
func Derived(label, name, seed string) string {
	token := hexToken(uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)))
	name = rewrite(name, token)
	label = unsafeRune.ReplaceAllString(strings.Trim(label, "/"), "_")
	if label == "" {
		return name
	}
	return label + "/" + name
}

func newToken() string {
	return hexToken(uuid.New())
}

func hexToken(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:tokenLen]
}
