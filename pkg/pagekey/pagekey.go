// Package pagekey maps raw flipbook page references to canonical page keys
// and to the asset paths derived from them.
package pagekey

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// PathPrefix is the relative image directory the viewer prepends to page references.
const PathPrefix = "./files/large/"

// Supported page image encodings, in fetch priority order.
const (
	// ExtPrimary is the normalized encoding every persisted page ends up in.
	ExtPrimary = "jpg"

	// ExtFallback is tried when the primary encoding is unavailable.
	ExtFallback = "webp"
)

// Extensions lists the encodings in the order they are attempted.
var Extensions = []string{ExtPrimary, ExtFallback}

// ErrUnsafeKey means a key would resolve to a path outside its asset folder.
var ErrUnsafeKey = errors.New("unsafe page key")

// Key is the canonical identifier of one page, unique within a document.
type Key string

// String returns the key as a plain string.
func (k Key) String() string {
	return string(k)
}

// Normalize strips PathPrefix and trailing image extensions from a raw reference.
// Stripping repeats until neither is present, so Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) Key {
	k := raw
	for {
		prev := k
		k = strings.TrimPrefix(k, PathPrefix)
		for _, ext := range Extensions {
			k = strings.TrimSuffix(k, "."+ext)
		}
		if k == prev {
			return Key(k)
		}
	}
}

// Safe reports whether key names a plain file directly inside an asset folder:
// non-empty, not "." or "..", and free of path separators, volume markers and NUL.
func Safe(key Key) bool {
	s := string(key)
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\:\x00")
}

// AssetPath returns the file path of the page asset for key in the given encoding.
func AssetPath(folder string, key Key, ext string) string {
	return filepath.Join(folder, string(key)+"."+ext)
}

// Exists reports whether an asset for key is present under any supported encoding.
// The first matching extension is returned. Unsafe keys never exist.
func Exists(folder string, key Key) (string, bool) {
	if !Safe(key) {
		return "", false
	}
	for _, ext := range Extensions {
		info, err := os.Stat(AssetPath(folder, key, ext))
		if err == nil && !info.IsDir() {
			return ext, true
		}
	}
	return "", false
}
