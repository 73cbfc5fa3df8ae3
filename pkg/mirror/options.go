package mirror

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/flipbook-mirror/pkg/assembler"
	"github.com/Sternrassler/flipbook-mirror/pkg/download"
	"github.com/Sternrassler/flipbook-mirror/pkg/manifest"
	"github.com/Sternrassler/flipbook-mirror/pkg/publish"
)

// Options describe one mirroring run.
type Options struct {
	// DocumentID as "<user>/<book>" or a viewer URL
	DocumentID string

	// Start and End select pages (1-based, inclusive); zero means first/last page
	Start int
	End   int

	// Folder receives page assets and the ledger (default: DocumentID with "/" replaced by "-")
	Folder string

	// OutputPath is a local PDF path or s3://bucket/key (default: Folder + ".pdf")
	OutputPath string

	// SkipExisting skips pages already present in Folder
	SkipExisting bool

	// MaxConcurrency caps parallel page fetches (default 5)
	MaxConcurrency int

	// BatchSize is the number of pages per document segment (default 50)
	BatchSize int

	// FetchOnly stops after downloading; AssembleOnly assembles Folder without network access
	FetchOnly    bool
	AssembleOnly bool
}

// Range returns the page selection.
func (o Options) Range() manifest.Range {
	return manifest.Range{Start: o.Start, End: o.End}
}

// DefaultFolder derives the asset folder from a document ID.
func DefaultFolder(documentID string) string {
	return strings.ReplaceAll(documentID, "/", "-")
}

// normalize validates o and fills defaults.
func (o Options) normalize() (Options, error) {
	if o.FetchOnly && o.AssembleOnly {
		return o, fmt.Errorf("fetch-only and assemble-only are mutually exclusive")
	}
	if o.Start < 0 || o.End < 0 {
		return o, fmt.Errorf("%w: start and end must not be negative", manifest.ErrInvalidRange)
	}

	if o.DocumentID != "" {
		id, err := manifest.ParseDocumentID(o.DocumentID)
		if err != nil {
			return o, err
		}
		o.DocumentID = id
	}

	if o.Folder == "" {
		if o.DocumentID == "" {
			return o, fmt.Errorf("document id or folder is required")
		}
		o.Folder = DefaultFolder(o.DocumentID)
	}
	if o.DocumentID == "" && !o.AssembleOnly {
		return o, fmt.Errorf("document id is required")
	}

	if o.OutputPath == "" {
		o.OutputPath = filepath.Clean(o.Folder) + ".pdf"
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = download.DefaultMaxConcurrency
	}
	if o.BatchSize <= 0 {
		o.BatchSize = assembler.DefaultBatchSize
	}

	return o, nil
}

// localOutput returns where the document is assembled and, for object storage
// destinations, where it is published.
func (o Options) localOutput() (string, *publish.Location, error) {
	if !publish.IsURI(o.OutputPath) {
		return o.OutputPath, nil, nil
	}

	local := filepath.Clean(o.Folder) + ".pdf"
	loc, err := publish.ParseURI(o.OutputPath, filepath.Base(local))
	if err != nil {
		return "", nil, err
	}
	return local, &loc, nil
}
