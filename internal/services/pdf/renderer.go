// -----------------------------------------------------------------------
// Page Renderer - Opens document sources and rasterizes single pages
// Uses pdfcpu for page counts and pdftoppm for rasterization
// -----------------------------------------------------------------------

package pdf

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
)

// imageExtensions are sources treated as a single page image.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
}

// Renderer implements interfaces.PageRenderer.
type Renderer struct {
	fetcher  *SourceFetcher
	runner   Runner
	pdftoppm string
	tempDir  string
	timeout  time.Duration
	logger   arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.PageRenderer = (*Renderer)(nil)

// NewRenderer creates a renderer. timeout bounds each page rasterization; 0 means no limit.
func NewRenderer(fetcher *SourceFetcher, runner Runner, pdftoppm, tempDir string, timeout time.Duration, logger arbor.ILogger) *Renderer {
	if pdftoppm == "" {
		pdftoppm = "pdftoppm"
	}
	return &Renderer{
		fetcher:  fetcher,
		runner:   runner,
		pdftoppm: pdftoppm,
		tempDir:  tempDir,
		timeout:  timeout,
		logger:   logger,
	}
}

// Open resolves the source and reads its page count. An error here means the
// document as a whole cannot be processed.
func (r *Renderer) Open(ctx context.Context, source string) (interfaces.DocumentHandle, error) {
	path, cleanup, err := r.fetcher.Fetch(ctx, source)
	if err != nil {
		return nil, err
	}

	if imageExtensions[fileExtension(path)] {
		data, err := os.ReadFile(path)
		cleanup()
		if err != nil {
			return nil, fmt.Errorf("failed to read image %s: %w", source, err)
		}
		return &imageHandle{data: data}, nil
	}

	pages, err := pageCount(path)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to read page count of %s: %w", source, err)
	}

	r.logger.Debug().
		Str("source", source).
		Int("pages", pages).
		Msg("Opened PDF source")

	return &pdfHandle{renderer: r, path: path, pages: pages, cleanup: cleanup}, nil
}

// pageCount reads the page count with relaxed validation so slightly
// malformed scans still open.
func pageCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.PageCount(f, conf)
}

// DPI converts a render scale to pdftoppm resolution. Scale 1.0 is 72 DPI.
func DPI(scale float64) int {
	if scale <= 0 {
		scale = 1
	}
	return int(math.Round(72 * scale))
}

type pdfHandle struct {
	renderer *Renderer
	path     string
	pages    int
	cleanup  func()
}

func (h *pdfHandle) PageCount() int { return h.pages }

// RenderPage rasterizes one page to PNG.
func (h *pdfHandle) RenderPage(ctx context.Context, page int, scale float64) ([]byte, error) {
	if page < 1 || page > h.pages {
		return nil, fmt.Errorf("page %d out of range 1..%d", page, h.pages)
	}

	r := h.renderer
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	outDir, err := os.MkdirTemp(r.tempDir, "folio-page-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create render directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	prefix := filepath.Join(outDir, "page")
	n := strconv.Itoa(page)
	// pdftoppm -r <dpi> -png -f n -l n -singlefile <in.pdf> <dir/page>
	_, errb, err := r.runner.Run(ctx, r.pdftoppm,
		"-r", strconv.Itoa(DPI(scale)), "-png", "-f", n, "-l", n, "-singlefile", h.path, prefix)
	if err != nil {
		if msg := strings.TrimSpace(string(errb)); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", r.pdftoppm, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", r.pdftoppm, err)
	}

	data, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("%s produced no image for page %d: %w", r.pdftoppm, page, err)
	}
	return data, nil
}

func (h *pdfHandle) Close() error {
	h.cleanup()
	return nil
}

// imageHandle is a single page source whose page image is the file itself.
type imageHandle struct {
	data []byte
}

func (h *imageHandle) PageCount() int { return 1 }

func (h *imageHandle) RenderPage(ctx context.Context, page int, scale float64) ([]byte, error) {
	if page != 1 {
		return nil, fmt.Errorf("page %d out of range 1..1", page)
	}
	return h.data, nil
}

func (h *imageHandle) Close() error { return nil }

func fileExtension(name string) string {
	return strings.ToLower(filepath.Ext(name))
}
