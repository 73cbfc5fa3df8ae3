package assembler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/Sternrassler/flipbook-mirror/internal/testutil"
	"github.com/Sternrassler/flipbook-mirror/pkg/ledger"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// fakeRenderer records calls and writes placeholder files.
type fakeRenderer struct {
	segments   [][]string
	geometries []Geometry
	merged     []string
	segmentErr error
	mergeErr   error
}

func (r *fakeRenderer) WriteSegment(images []string, g Geometry, out string) error {
	if r.segmentErr != nil {
		return r.segmentErr
	}
	r.segments = append(r.segments, append([]string(nil), images...))
	r.geometries = append(r.geometries, g)
	return os.WriteFile(out, []byte(strings.Join(images, "\n")), 0o644)
}

func (r *fakeRenderer) Merge(segments []string, out string) error {
	r.merged = make([]string, len(segments))
	for i, s := range segments {
		r.merged[i] = filepath.Base(s)
	}
	if err := os.WriteFile(out, []byte("merged"), 0o644); err != nil {
		return err
	}
	return r.mergeErr
}

// setupFolder writes a ledger of n pages and JPEG assets for those not in missing.
func setupFolder(t *testing.T, n int, missing map[int]bool) (string, []string) {
	t.Helper()
	folder := t.TempDir()
	var refs []string
	for i := 1; i <= n; i++ {
		key := fmt.Sprintf("p%02d", i)
		refs = append(refs, "./files/large/"+key+".webp")
		if missing[i] {
			continue
		}
		if err := os.WriteFile(filepath.Join(folder, key+".jpg"), testutil.JPEGBytes(20, 30), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := ledger.Write(folder, refs); err != nil {
		t.Fatal(err)
	}
	return folder, refs
}

func newTestAssembler(t *testing.T, batch int, r Renderer) *Assembler {
	t.Helper()
	a, err := New(Config{BatchSize: batch, Renderer: r})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func assertNoLeftovers(t *testing.T, folder string) {
	t.Helper()
	entries, err := os.ReadDir(folder)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".segments-") || strings.HasPrefix(e.Name(), "chunk_") || strings.HasPrefix(e.Name(), ".partial-") {
			t.Errorf("leftover intermediate %s", e.Name())
		}
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{BatchSize: 0}); err == nil {
		t.Error("expected error for batch size 0")
	}
	a, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.renderer.(*PDFRenderer); !ok {
		t.Errorf("default renderer = %T, want *PDFRenderer", a.renderer)
	}
}

func TestAssemble_SegmentCount(t *testing.T) {
	tests := []struct {
		pages, batch, wantSegments int
	}{
		{pages: 7, batch: 3, wantSegments: 3},
		{pages: 6, batch: 3, wantSegments: 2},
		{pages: 1, batch: 50, wantSegments: 1},
		{pages: 120, batch: 50, wantSegments: 3},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_pages_batch_%d", tt.pages, tt.batch), func(t *testing.T) {
			folder, _ := setupFolder(t, tt.pages, nil)
			r := &fakeRenderer{}
			a := newTestAssembler(t, tt.batch, r)

			out := filepath.Join(t.TempDir(), "book.pdf")
			res, err := a.Assemble(context.Background(), folder, out)
			if err != nil {
				t.Fatalf("Assemble() error = %v", err)
			}

			if res.Segments != tt.wantSegments || len(r.segments) != tt.wantSegments {
				t.Errorf("segments = %d (rendered %d), want %d", res.Segments, len(r.segments), tt.wantSegments)
			}
			if res.Pages != tt.pages {
				t.Errorf("pages = %d, want %d", res.Pages, tt.pages)
			}

			wantMerged := make([]string, tt.wantSegments)
			for i := range wantMerged {
				wantMerged[i] = fmt.Sprintf("chunk_%d.pdf", i)
			}
			if !reflect.DeepEqual(r.merged, wantMerged) {
				t.Errorf("merge order = %v, want %v", r.merged, wantMerged)
			}

			if _, err := os.Stat(out); err != nil {
				t.Errorf("output missing: %v", err)
			}
			assertNoLeftovers(t, folder)
			assertNoLeftovers(t, filepath.Dir(out))
		})
	}
}

func TestAssemble_MissingPagesOmitted(t *testing.T) {
	folder, _ := setupFolder(t, 5, map[int]bool{2: true, 4: true})
	r := &fakeRenderer{}
	a := newTestAssembler(t, 50, r)

	res, err := a.Assemble(context.Background(), folder, filepath.Join(folder, "out.pdf"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Pages != 3 || res.Missing != 2 {
		t.Errorf("pages = %d, missing = %d; want 3, 2", res.Pages, res.Missing)
	}

	want := []string{
		filepath.Join(folder, "p01.jpg"),
		filepath.Join(folder, "p03.jpg"),
		filepath.Join(folder, "p05.jpg"),
	}
	if !reflect.DeepEqual(r.segments[0], want) {
		t.Errorf("segment images = %v, want %v", r.segments[0], want)
	}
}

func TestAssemble_EscapingLedgerEntryOmitted(t *testing.T) {
	parent := t.TempDir()
	folder := filepath.Join(parent, "book")
	if err := os.Mkdir(folder, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{filepath.Join(folder, "p1.jpg"), filepath.Join(parent, "outside.jpg")} {
		if err := os.WriteFile(path, testutil.JPEGBytes(20, 30), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := ledger.Write(folder, []string{"./files/large/p1.webp", "./files/large/../outside.jpg"}); err != nil {
		t.Fatal(err)
	}

	r := &fakeRenderer{}
	res, err := newTestAssembler(t, 50, r).Assemble(context.Background(), folder, filepath.Join(parent, "book.pdf"))
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if res.Pages != 1 || res.Missing != 1 {
		t.Errorf("pages = %d, missing = %d; want 1, 1", res.Pages, res.Missing)
	}
	if len(r.segments) != 1 || len(r.segments[0]) != 1 || filepath.Base(r.segments[0][0]) != "p1.jpg" {
		t.Errorf("rendered = %v, want only p1.jpg", r.segments)
	}
}

func TestAssemble_NoPagesAvailable(t *testing.T) {
	folder, _ := setupFolder(t, 3, map[int]bool{1: true, 2: true, 3: true})
	r := &fakeRenderer{}
	a := newTestAssembler(t, 50, r)

	out := filepath.Join(t.TempDir(), "book.pdf")
	_, err := a.Assemble(context.Background(), folder, out)
	if !errors.Is(err, ErrNoPagesAvailable) {
		t.Fatalf("Assemble() error = %v, want ErrNoPagesAvailable", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("no output file may be created")
	}
	if len(r.segments) != 0 {
		t.Error("renderer must not be called")
	}
}

func TestAssemble_MissingLedger(t *testing.T) {
	a := newTestAssembler(t, 50, &fakeRenderer{})
	_, err := a.Assemble(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "x.pdf"))
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Assemble() error = %v, want ledger.ErrNotFound", err)
	}
}

func TestAssemble_SegmentFailure(t *testing.T) {
	folder, _ := setupFolder(t, 4, nil)
	r := &fakeRenderer{segmentErr: errors.New("corrupt image")}
	a := newTestAssembler(t, 2, r)

	out := filepath.Join(t.TempDir(), "book.pdf")
	_, err := a.Assemble(context.Background(), folder, out)
	if !errors.Is(err, ErrAssembly) {
		t.Fatalf("Assemble() error = %v, want ErrAssembly", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("no output file may be left behind")
	}
	assertNoLeftovers(t, folder)
}

func TestAssemble_MergeFailureKeepsPreviousOutput(t *testing.T) {
	folder, _ := setupFolder(t, 3, nil)
	r := &fakeRenderer{mergeErr: errors.New("disk full")}
	a := newTestAssembler(t, 2, r)

	outDir := t.TempDir()
	out := filepath.Join(outDir, "book.pdf")
	if err := os.WriteFile(out, []byte("previous"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := a.Assemble(context.Background(), folder, out)
	if !errors.Is(err, ErrAssembly) {
		t.Fatalf("Assemble() error = %v, want ErrAssembly", err)
	}

	data, err := os.ReadFile(out)
	if err != nil || string(data) != "previous" {
		t.Errorf("previous output changed: %q, %v", data, err)
	}
	assertNoLeftovers(t, folder)
	assertNoLeftovers(t, outDir)

	for i := 1; i <= 3; i++ {
		if _, err := os.Stat(filepath.Join(folder, fmt.Sprintf("p%02d.jpg", i))); err != nil {
			t.Errorf("page assets must stay intact: %v", err)
		}
	}
}

func TestAssemble_CancelledContext(t *testing.T) {
	folder, _ := setupFolder(t, 3, nil)
	a := newTestAssembler(t, 1, &fakeRenderer{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Assemble(ctx, folder, filepath.Join(t.TempDir(), "book.pdf"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Assemble() error = %v, want context.Canceled", err)
	}
	assertNoLeftovers(t, folder)
}

func TestAssemble_GeometryFromFirstPage(t *testing.T) {
	folder := t.TempDir()
	if err := os.WriteFile(filepath.Join(folder, "a.jpg"), testutil.JFIFWithDensity(300, 600, 1, 150, 150), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(folder, "b.jpg"), testutil.JPEGBytes(50, 50), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Write(folder, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}

	r := &fakeRenderer{}
	a := newTestAssembler(t, 1, r)
	res, err := a.Assemble(context.Background(), folder, filepath.Join(folder, "out.pdf"))
	if err != nil {
		t.Fatal(err)
	}

	want := Geometry{Width: 144, Height: 288}
	if res.Geometry != want {
		t.Errorf("geometry = %v, want %v", res.Geometry, want)
	}
	for i, g := range r.geometries {
		if g != want {
			t.Errorf("segment %d geometry = %v, want %v", i, g, want)
		}
	}
}

func TestAssemble_UnreadableFirstPageUsesA4(t *testing.T) {
	folder := t.TempDir()
	if err := os.WriteFile(filepath.Join(folder, "a.jpg"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Write(folder, []string{"a"}); err != nil {
		t.Fatal(err)
	}

	r := &fakeRenderer{}
	a := newTestAssembler(t, 50, r)
	res, err := a.Assemble(context.Background(), folder, filepath.Join(folder, "out.pdf"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Geometry != A4 {
		t.Errorf("geometry = %v, want A4", res.Geometry)
	}
}

func TestAssemble_PDFRenderer(t *testing.T) {
	folder, _ := setupFolder(t, 5, map[int]bool{3: true})
	a := newTestAssembler(t, 2, NewPDFRenderer())

	out := filepath.Join(t.TempDir(), "book.pdf")
	res, err := a.Assemble(context.Background(), folder, out)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if res.Segments != 2 {
		t.Errorf("segments = %d, want 2", res.Segments)
	}

	count, err := api.PageCountFile(out)
	if err != nil {
		t.Fatalf("PageCountFile() error = %v", err)
	}
	if count != 4 {
		t.Errorf("page count = %d, want 4", count)
	}
	assertNoLeftovers(t, folder)
}

func TestAssemble_PDFRendererUniformGeometry(t *testing.T) {
	folder := t.TempDir()
	pages := map[string][]byte{
		"tall":  testutil.JFIFWithDensity(300, 600, 1, 150, 150),
		"small": testutil.JPEGBytes(40, 40),
		"wide":  testutil.JPEGBytes(90, 30),
	}
	refs := []string{"./files/large/tall.webp", "./files/large/small.webp", "./files/large/wide.webp"}
	for key, data := range pages {
		if err := os.WriteFile(filepath.Join(folder, key+".jpg"), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := ledger.Write(folder, refs); err != nil {
		t.Fatal(err)
	}

	a := newTestAssembler(t, 2, NewPDFRenderer())
	out := filepath.Join(t.TempDir(), "book.pdf")
	res, err := a.Assemble(context.Background(), folder, out)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	want := Geometry{Width: 144, Height: 288}
	if math.Abs(res.Geometry.Width-want.Width) > 0.01 || math.Abs(res.Geometry.Height-want.Height) > 0.01 {
		t.Fatalf("geometry = %s, want %s", res.Geometry, want)
	}

	dims, err := api.PageDimsFile(out)
	if err != nil {
		t.Fatalf("PageDimsFile() error = %v", err)
	}
	if len(dims) != 3 {
		t.Fatalf("pages = %d, want 3", len(dims))
	}
	for i, d := range dims {
		if math.Abs(d.Width-want.Width) > 0.01 || math.Abs(d.Height-want.Height) > 0.01 {
			t.Errorf("page %d = %.2fx%.2f, want %s", i+1, d.Width, d.Height, want)
		}
	}
}
