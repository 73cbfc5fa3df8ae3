// Package manifest resolves the ordered page list of a flipbook from the
// viewer configuration script served by the host.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/flipbook-mirror/pkg/logging"
	"github.com/Sternrassler/flipbook-mirror/pkg/pagekey"
	"github.com/rs/zerolog"
)

var (
	// ErrConfigUnavailable means the configuration could not be downloaded.
	ErrConfigUnavailable = errors.New("config unavailable")

	// ErrConfigMalformed means the configuration could not be parsed into pages.
	ErrConfigMalformed = errors.New("config malformed")

	// ErrInvalidRange means a page range falls outside the manifest.
	ErrInvalidRange = errors.New("invalid page range")
)

// Page is one manifest entry.
type Page struct {
	// Raw is the page reference as found in the configuration
	Raw string

	// Key is the normalized reference
	Key pagekey.Key
}

// Manifest is the ordered page list of one document. Index i (0-based) holds page i+1.
type Manifest struct {
	DocumentID string
	Pages      []Page
}

// Len returns the number of pages N.
func (m *Manifest) Len() int {
	return len(m.Pages)
}

// Select returns pages start..end (1-based, inclusive) after resolving r against N.
func (m *Manifest) Select(r Range) ([]Page, error) {
	start, end, err := r.Resolve(m.Len())
	if err != nil {
		return nil, err
	}
	return m.Pages[start-1 : end], nil
}

// ConfigFetcher downloads the raw viewer configuration of a document.
type ConfigFetcher interface {
	FetchConfig(ctx context.Context, documentID string) ([]byte, error)
}

// Resolver turns a document ID into a Manifest.
type Resolver struct {
	fetcher ConfigFetcher
	logger  zerolog.Logger
}

// NewResolver creates a resolver backed by fetcher.
func NewResolver(fetcher ConfigFetcher) *Resolver {
	return &Resolver{
		fetcher: fetcher,
		logger:  logging.NewLogger("manifest"),
	}
}

// Resolve downloads and parses the configuration of documentID.
// Failures wrap ErrConfigUnavailable or ErrConfigMalformed and are not retried.
func (r *Resolver) Resolve(ctx context.Context, documentID string) (*Manifest, error) {
	body, err := r.fetcher.FetchConfig(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigUnavailable, err)
	}

	refs, err := Parse(body)
	if err != nil {
		return nil, err
	}

	pages, unsafe := dedupe(refs)
	if unsafe > 0 {
		r.logger.Warn().Str("document", documentID).Int("dropped", unsafe).Msg("Dropped page references escaping the asset folder")
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: no usable page entries", ErrConfigMalformed)
	}

	m := &Manifest{DocumentID: documentID, Pages: pages}

	if dropped := len(refs) - len(m.Pages) - unsafe; dropped > 0 {
		r.logger.Debug().Str("document", documentID).Int("dropped", dropped).Msg("Dropped duplicate page references")
	}

	r.logger.Info().
		Str("document", documentID).
		Int("pages", m.Len()).
		Msg("Manifest resolved")

	return m, nil
}

// dedupe normalizes refs and keeps the first occurrence of every key. Refs
// whose key is not pagekey.Safe are dropped and counted.
func dedupe(refs []string) ([]Page, int) {
	seen := make(map[pagekey.Key]struct{}, len(refs))
	pages := make([]Page, 0, len(refs))
	unsafe := 0
	for _, raw := range refs {
		key := pagekey.Normalize(raw)
		if !pagekey.Safe(key) {
			unsafe++
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		pages = append(pages, Page{Raw: raw, Key: key})
	}
	return pages, unsafe
}

// ParseDocumentID accepts a bare document ID ("ousy/stby") or a viewer URL
// ("https://online.fliphtml5.com/ousy/stby/#p=1") and returns the ID.
func ParseDocumentID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("document id is required")
	}

	path := s
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("parse document url: %w", err)
		}
		path = u.Path
	}

	segments := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(segments) < 2 {
		return "", fmt.Errorf("document id %q must have the form <user>/<book>", s)
	}

	return segments[0] + "/" + segments[1], nil
}
