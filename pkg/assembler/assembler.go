// Package assembler builds the final PDF from the page assets of a folder,
// in the order recorded by its ledger.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Sternrassler/flipbook-mirror/pkg/ledger"
	"github.com/Sternrassler/flipbook-mirror/pkg/logging"
	"github.com/Sternrassler/flipbook-mirror/pkg/pagekey"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	// ErrNoPagesAvailable means no ledger entry has an asset on disk.
	ErrNoPagesAvailable = errors.New("no pages available")

	// ErrAssembly means rendering or merging the document failed.
	ErrAssembly = errors.New("assembly failed")
)

// Prometheus metrics for document assembly.
var (
	assembledPages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipbook_assembled_pages_total",
		Help: "Pages written into assembled documents",
	})

	segmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flipbook_segments_total",
		Help: "Document segments rendered",
	})

	assemblyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flipbook_assembly_duration_seconds",
		Help:    "Duration of document assembly",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120},
	})
)

// DefaultBatchSize is the number of pages per segment.
const DefaultBatchSize = 50

// Config holds assembler configuration.
type Config struct {
	// BatchSize is the number of pages rendered into one segment
	BatchSize int

	// Renderer defaults to a PDFRenderer
	Renderer Renderer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{BatchSize: DefaultBatchSize}
}

// Result describes an assembled document.
type Result struct {
	OutputPath string
	Pages      int
	Missing    int
	Segments   int
	Geometry   Geometry
	Duration   time.Duration
}

// Assembler turns page folders into documents.
type Assembler struct {
	config   Config
	renderer Renderer
	logger   zerolog.Logger
}

// New creates an assembler.
func New(cfg Config) (*Assembler, error) {
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1 (got %d)", cfg.BatchSize)
	}

	renderer := cfg.Renderer
	if renderer == nil {
		renderer = NewPDFRenderer()
	}

	return &Assembler{
		config:   cfg,
		renderer: renderer,
		logger:   logging.NewLogger("assembler"),
	}, nil
}

// Assemble renders the ledger of folder into outputPath. Pages without an
// asset are omitted. Segments live in a temporary directory under folder that
// is removed before returning; on failure no partial output is left behind.
func (a *Assembler) Assemble(ctx context.Context, folder, outputPath string) (*Result, error) {
	started := time.Now()

	refs, err := ledger.Read(folder)
	if err != nil {
		return nil, err
	}

	images, missing := a.collect(folder, refs)
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: 0 of %d ledger entries have an asset in %s", ErrNoPagesAvailable, len(refs), folder)
	}

	geometry, err := ReadGeometry(images[0])
	if err != nil {
		a.logger.Warn().Err(err).Str("image", images[0]).Msg("First page unreadable, using A4")
		geometry = A4
	}

	a.logger.Info().
		Str("folder", folder).
		Int("pages", len(images)).
		Int("missing", missing).
		Str("geometry", geometry.String()).
		Msg("Assembling document")

	segDir, err := os.MkdirTemp(folder, ".segments-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create segment dir: %w", ErrAssembly, err)
	}
	defer os.RemoveAll(segDir)

	var segments []string
	for i := 0; i*a.config.BatchSize < len(images); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lo := i * a.config.BatchSize
		hi := min(lo+a.config.BatchSize, len(images))

		segment := filepath.Join(segDir, fmt.Sprintf("chunk_%d.pdf", i))
		if err := a.renderer.WriteSegment(images[lo:hi], geometry, segment); err != nil {
			return nil, fmt.Errorf("%w: segment %d (pages %d-%d): %w", ErrAssembly, i, lo+1, hi, err)
		}
		segments = append(segments, segment)
		segmentsTotal.Inc()

		a.logger.Debug().Int("segment", i).Int("pages", hi-lo).Msg("Segment rendered")
	}

	outDir := filepath.Dir(outputPath)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create output dir: %w", ErrAssembly, err)
	}

	partial := filepath.Join(outDir, ".partial-"+filepath.Base(outputPath))
	if err := a.renderer.Merge(segments, partial); err != nil {
		_ = os.Remove(partial)
		return nil, fmt.Errorf("%w: %w", ErrAssembly, err)
	}
	if err := os.Rename(partial, outputPath); err != nil {
		_ = os.Remove(partial)
		return nil, fmt.Errorf("%w: move output into place: %w", ErrAssembly, err)
	}

	result := &Result{
		OutputPath: outputPath,
		Pages:      len(images),
		Missing:    missing,
		Segments:   len(segments),
		Geometry:   geometry,
		Duration:   time.Since(started),
	}

	assembledPages.Add(float64(result.Pages))
	assemblyDuration.Observe(result.Duration.Seconds())

	a.logger.Info().
		Str("output", outputPath).
		Int("pages", result.Pages).
		Int("segments", result.Segments).
		Dur("duration", result.Duration).
		Msg("Document assembled")

	return result, nil
}

// collect returns the asset paths of refs in order and the number of refs
// without one.
func (a *Assembler) collect(folder string, refs []string) ([]string, int) {
	images := make([]string, 0, len(refs))
	missing := 0
	for _, ref := range refs {
		key := pagekey.Normalize(ref)
		if !pagekey.Safe(key) {
			missing++
			a.logger.Warn().Str("ref", ref).Msg("Ledger entry escapes the folder, omitted")
			continue
		}
		path := pagekey.AssetPath(folder, key, pagekey.ExtPrimary)
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			missing++
			a.logger.Debug().Str("key", key.String()).Msg("Page asset missing, omitted")
			continue
		}
		images = append(images, path)
	}
	return images, missing
}
