// Package mirror ties the pipeline together: resolve the manifest, download
// the selected pages, assemble them into a PDF and optionally publish it.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/flipbook-mirror/pkg/assembler"
	"github.com/Sternrassler/flipbook-mirror/pkg/client"
	"github.com/Sternrassler/flipbook-mirror/pkg/download"
	"github.com/Sternrassler/flipbook-mirror/pkg/fetcher"
	"github.com/Sternrassler/flipbook-mirror/pkg/logging"
	"github.com/Sternrassler/flipbook-mirror/pkg/manifest"
	"github.com/Sternrassler/flipbook-mirror/pkg/publish"
	"github.com/rs/zerolog"
)

// ErrNoUploader means an s3:// output was requested without an object storage client.
var ErrNoUploader = errors.New("object storage output requires an uploader")

// Config holds the long-lived dependencies of a Mirror.
type Config struct {
	// Client configures the flipbook host transport
	Client client.Config

	// Uploader enables s3:// outputs (optional)
	Uploader publish.API

	// Overwrite replaces existing objects when publishing
	Overwrite bool

	// Renderer overrides the PDF renderer (optional)
	Renderer assembler.Renderer

	// NewProgress and Reporter are passed to the download coordinator (optional)
	NewProgress func(total int) download.Progress
	Reporter    func(download.PageResult)
}

// DefaultConfig returns a configuration for the public host without cache or uploader.
func DefaultConfig() Config {
	return Config{Client: client.DefaultConfig()}
}

// Report describes a finished run. Fields of skipped stages are nil.
type Report struct {
	DocumentID string
	Folder     string
	OutputPath string
	Manifest   *manifest.Manifest
	Download   *download.Summary
	Assembly   *assembler.Result
	Published  *publish.Location
	Duration   time.Duration
}

// Mirror runs mirroring jobs.
type Mirror struct {
	client    *client.Client
	resolver  *manifest.Resolver
	publisher *publish.Publisher
	config    Config
	logger    zerolog.Logger
}

// New creates a Mirror.
func New(cfg Config) (*Mirror, error) {
	c, err := client.New(cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	m := &Mirror{
		client:   c,
		resolver: manifest.NewResolver(c),
		config:   cfg,
		logger:   logging.NewLogger("mirror"),
	}
	if cfg.Uploader != nil {
		m.publisher = publish.New(cfg.Uploader, publish.Config{Overwrite: cfg.Overwrite})
	}

	return m, nil
}

// Run executes one job. Manifest and range errors abort before any page is
// fetched; page failures are absorbed into the Report; assembly failures leave
// fetched assets in place.
func (m *Mirror) Run(ctx context.Context, opts Options) (*Report, error) {
	started := time.Now()

	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	output, location, err := opts.localOutput()
	if err != nil {
		return nil, err
	}
	if location != nil && m.publisher == nil {
		return nil, ErrNoUploader
	}

	report := &Report{DocumentID: opts.DocumentID, Folder: opts.Folder}

	if !opts.AssembleOnly {
		if err := m.fetch(ctx, opts, report); err != nil {
			return report, err
		}
	}

	if opts.FetchOnly {
		report.Duration = time.Since(started)
		return report, nil
	}

	asm, err := assembler.New(assembler.Config{BatchSize: opts.BatchSize, Renderer: m.config.Renderer})
	if err != nil {
		return report, err
	}
	result, err := asm.Assemble(ctx, opts.Folder, output)
	if err != nil {
		return report, err
	}
	report.Assembly = result
	report.OutputPath = output

	if location != nil {
		if err := m.publisher.Upload(ctx, output, *location); err != nil {
			return report, fmt.Errorf("publish: %w", err)
		}
		report.Published = location
		report.OutputPath = location.String()
	}

	report.Duration = time.Since(started)
	m.logger.Info().
		Str("document", report.DocumentID).
		Str("output", report.OutputPath).
		Dur("duration", report.Duration).
		Msg("Mirror complete")

	return report, nil
}

// fetch resolves the manifest and downloads the selected pages.
func (m *Mirror) fetch(ctx context.Context, opts Options, report *Report) error {
	if err := fetcher.EnsureFolder(opts.Folder); err != nil {
		return err
	}

	man, err := m.resolver.Resolve(ctx, opts.DocumentID)
	if err != nil {
		return err
	}
	report.Manifest = man

	pf, err := fetcher.New(m.client, fetcher.DefaultConfig(opts.Folder))
	if err != nil {
		return err
	}

	coord, err := download.NewCoordinator(pf, download.Config{
		Folder:         opts.Folder,
		MaxConcurrency: opts.MaxConcurrency,
		SkipExisting:   opts.SkipExisting,
		NewProgress:    m.config.NewProgress,
		Reporter:       m.config.Reporter,
	})
	if err != nil {
		return err
	}

	summary, err := coord.Run(ctx, opts.DocumentID, man, opts.Range())
	report.Download = summary
	return err
}
