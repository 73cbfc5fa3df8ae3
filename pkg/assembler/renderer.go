package assembler

import (
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Renderer produces document segments and merges them.
type Renderer interface {
	// WriteSegment writes one PDF with one page per image, every page sized g.
	WriteSegment(images []string, g Geometry, out string) error

	// Merge concatenates segments in order into out.
	Merge(segments []string, out string) error
}

// PDFRenderer renders with pdfcpu.
type PDFRenderer struct {
	conf *model.Configuration
}

// NewPDFRenderer creates a renderer with the default pdfcpu configuration.
func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{conf: model.NewDefaultConfiguration()}
}

// WriteSegment implements Renderer. Every page is sized g; each image is
// scaled to fit it, keeping its aspect ratio, and centered.
func (r *PDFRenderer) WriteSegment(images []string, g Geometry, out string) error {
	imp := pdfcpu.DefaultImportConfig()
	imp.PageDim = &types.Dim{Width: g.Width, Height: g.Height}
	imp.UserDim = true
	// types.Full would size each page from its own image and ignore PageDim.
	imp.Pos = types.Center
	imp.Scale = 1.0
	imp.ScaleAbs = false

	if err := api.ImportImagesFile(images, out, imp, r.conf); err != nil {
		return fmt.Errorf("import images: %w", err)
	}
	return nil
}

// Merge implements Renderer.
func (r *PDFRenderer) Merge(segments []string, out string) error {
	if err := api.MergeCreateFile(segments, out, false, r.conf); err != nil {
		return fmt.Errorf("merge segments: %w", err)
	}
	return nil
}
