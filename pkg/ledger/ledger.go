// Package ledger persists the page order of a run as page_order.txt: one raw
// page reference per line, in output order.
package ledger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/flipbook-mirror/internal/fsutil"
)

// FileName is the ledger file inside a document folder.
const FileName = "page_order.txt"

// ErrNotFound is returned by Read when the folder has no ledger.
var ErrNotFound = errors.New("page order ledger not found")

// Path returns the ledger path for folder.
func Path(folder string) string {
	return filepath.Join(folder, FileName)
}

// Write replaces the ledger of folder with refs.
func Write(folder string, refs []string) error {
	var buf bytes.Buffer
	for _, ref := range refs {
		if strings.ContainsAny(ref, "\r\n") {
			return fmt.Errorf("page reference %q contains a line break", ref)
		}
		buf.WriteString(ref)
		buf.WriteByte('\n')
	}

	if err := fsutil.WriteBytesAtomic(Path(folder), buf.Bytes()); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// Read returns the references recorded in the ledger of folder. Blank lines
// and surrounding whitespace are ignored.
func Read(folder string) ([]string, error) {
	f, err := os.Open(Path(folder))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, Path(folder))
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var refs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		refs = append(refs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	return refs, nil
}
