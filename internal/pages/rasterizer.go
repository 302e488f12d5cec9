package pages

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Rasterizer turns a source document into an ordered page image sequence.
// Implementations must be deterministic and free of side effects.
type Rasterizer interface {
	Pages(ctx context.Context, document []byte) ([][]byte, error)
}

// CommandRasterizer shells out to poppler's pdftoppm.
type CommandRasterizer struct {
	Binary string // defaults to "pdftoppm"
	DPI    int    // defaults to 150
}

// Pages renders every page of a PDF to PNG.
func (r CommandRasterizer) Pages(ctx context.Context, document []byte) ([][]byte, error) {
	if len(document) == 0 {
		return nil, nil
	}
	bin := r.Binary
	if bin == "" {
		bin = "pdftoppm"
	}
	dpi := r.DPI
	if dpi <= 0 {
		dpi = 150
	}

	dir, err := os.MkdirTemp("", "papergrader-raster-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "source.pdf")
	if err := os.WriteFile(src, document, 0o600); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-r", strconv.Itoa(dpi), "-png", src, filepath.Join(dir, "page"))
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}

	names, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, err
	}
	// pdftoppm zero-pads page numbers to a common width, so lexical order is page order.
	sort.Strings(names)

	out := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(name), err)
		}
		out = append(out, data)
	}
	return out, nil
}
