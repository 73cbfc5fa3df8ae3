// Package fetcher downloads single page images, falling back across encodings
// and normalizing every persisted page to JPEG.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"

	"github.com/Sternrassler/flipbook-mirror/internal/fsutil"
	"github.com/Sternrassler/flipbook-mirror/pkg/client"
	"github.com/Sternrassler/flipbook-mirror/pkg/logging"
	"github.com/Sternrassler/flipbook-mirror/pkg/pagekey"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/webp"
)

// ErrUndecodable is returned when a 200 reply does not carry a readable image.
var ErrUndecodable = errors.New("image not decodable")

// Status is the outcome of one page.
type Status string

const (
	// StatusSaved means the page was downloaded and written.
	StatusSaved Status = "saved"

	// StatusSkipped means an asset was already present and no request was made.
	StatusSkipped Status = "skipped"

	// StatusNotFound means every encoding answered 404.
	StatusNotFound Status = "not_found"

	// StatusFailed means no encoding could be fetched and decoded.
	StatusFailed Status = "failed"
)

var conversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flipbook_page_conversions_total",
	Help: "Pages re-encoded to JPEG by source encoding",
}, []string{"source"})

// ImageSource downloads the bytes of one page image in one encoding.
type ImageSource interface {
	FetchPageImage(ctx context.Context, documentID string, key pagekey.Key, ext string) ([]byte, error)
}

// Outcome reports what happened to one page.
type Outcome struct {
	Key pagekey.Key

	Status Status

	// Extension is the encoding that succeeded (saved) or was found on disk (skipped)
	Extension string

	// Path of the asset on disk, empty unless saved or skipped
	Path string

	// Err holds the last failure for not_found and failed
	Err error
}

// Config holds the fetcher configuration.
type Config struct {
	// Folder receives {key}.jpg files; it must exist
	Folder string

	// Extensions are attempted in order. The first is written verbatim,
	// later ones are re-encoded to JPEG.
	Extensions []string

	// JPEGQuality used when re-encoding fallback pages
	JPEGQuality int
}

// DefaultConfig returns the default configuration for folder.
func DefaultConfig(folder string) Config {
	return Config{
		Folder:      folder,
		Extensions:  pagekey.Extensions,
		JPEGQuality: jpeg.DefaultQuality,
	}
}

// Fetcher downloads page images into a folder.
type Fetcher struct {
	source ImageSource
	config Config
	logger zerolog.Logger
}

// New creates a fetcher.
func New(source ImageSource, cfg Config) (*Fetcher, error) {
	if source == nil {
		return nil, fmt.Errorf("image source is required")
	}
	if cfg.Folder == "" {
		return nil, fmt.Errorf("folder is required")
	}
	if len(cfg.Extensions) == 0 {
		return nil, fmt.Errorf("at least one extension is required")
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return nil, fmt.Errorf("jpeg quality must be within [1, 100] (got %d)", cfg.JPEGQuality)
	}

	return &Fetcher{
		source: source,
		config: cfg,
		logger: logging.NewLogger("fetcher"),
	}, nil
}

// Folder returns the directory pages are written to.
func (f *Fetcher) Folder() string {
	return f.config.Folder
}

// FetchPage tries every extension in order and persists the first success as
// {key}.jpg. It never returns an error directly; failures are in the Outcome.
// Keys that are not pagekey.Safe fail without a request.
func (f *Fetcher) FetchPage(ctx context.Context, documentID string, key pagekey.Key) Outcome {
	if !pagekey.Safe(key) {
		return Outcome{Key: key, Status: StatusFailed, Err: fmt.Errorf("%w: %q", pagekey.ErrUnsafeKey, key)}
	}

	dest := pagekey.AssetPath(f.config.Folder, key, pagekey.ExtPrimary)

	var lastErr error
	allNotFound := true

	for i, ext := range f.config.Extensions {
		if err := ctx.Err(); err != nil {
			lastErr = err
			allNotFound = false
			break
		}

		body, err := f.source.FetchPageImage(ctx, documentID, key, ext)
		if err != nil {
			if !client.IsNotFound(err) {
				allNotFound = false
			}
			lastErr = err
			f.logger.Debug().Err(err).Str("key", key.String()).Str("ext", ext).Msg("Encoding unavailable")
			continue
		}

		if err := f.persist(dest, body, i > 0); err != nil {
			allNotFound = false
			lastErr = fmt.Errorf("%s: %w", ext, err)
			f.logger.Debug().Err(err).Str("key", key.String()).Str("ext", ext).Msg("Page rejected")
			continue
		}

		if i > 0 {
			conversionsTotal.WithLabelValues(ext).Inc()
		}

		return Outcome{Key: key, Status: StatusSaved, Extension: ext, Path: dest}
	}

	status := StatusFailed
	if allNotFound {
		status = StatusNotFound
	}
	return Outcome{Key: key, Status: status, Err: lastErr}
}

// persist validates body and writes it to dest, re-encoding when convert is set.
func (f *Fetcher) persist(dest string, body []byte, convert bool) error {
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	if !convert {
		return fsutil.WriteBytesAtomic(dest, body)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: f.config.JPEGQuality}); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	return fsutil.WriteBytesAtomic(dest, buf.Bytes())
}

// EnsureFolder creates the output folder if needed.
func EnsureFolder(folder string) error {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("create folder %s: %w", folder, err)
	}
	return nil
}
