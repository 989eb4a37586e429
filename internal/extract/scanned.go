package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/facturanube/facturanube/constants"
	"github.com/facturanube/facturanube/internal/common"
	"github.com/facturanube/facturanube/internal/ocr"
)

// Config tunes the scanned-document path.
type Config struct {
	Pdftoppm string // binary name or absolute path; if empty -> "pdftoppm"
	DPI      int    // rasterization DPI, default 300
	MaxPages int    // 0 = no limit
}

// Engine implements TextExtractor over both strategies.
type Engine struct {
	cfg    Config
	engine ocr.Engine
	runner ocr.Runner
	logger *slog.Logger
}

func NewEngine(cfg Config, engine ocr.Engine, runner ocr.Runner, logger *slog.Logger) *Engine {
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = ocr.NewExecRunner(logger)
	}
	return &Engine{cfg: cfg, engine: engine, runner: runner, logger: logger}
}

func (e *Engine) Extract(ctx context.Context, pdfBytes []byte, c constants.Classification) ([]PageText, error) {
	if c == constants.ClassificationDigital {
		return extractDigital(pdfBytes)
	}
	return e.ExtractScanned(ctx, pdfBytes, e.cfg.DPI)
}

// ExtractScanned renders each page to a raster image and runs the OCR engine
// per page. Pages fail independently: a corrupt page is skipped and logged,
// partial text beats none. Only a document with zero readable pages fails.
func (e *Engine) ExtractScanned(ctx context.Context, pdfBytes []byte, dpi int) ([]PageText, error) {
	if dpi <= 0 {
		dpi = e.cfg.DPI
	}

	tmpDir, err := os.MkdirTemp("", "fn-ocr-*")
	if err != nil {
		return nil, &common.ExtractionError{Stage: "render", Retryable: true, Cause: err}
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			e.logger.Warn("failed to remove ocr temp dir", "dir", tmpDir, "error", rmErr)
		}
	}()

	pdfPath := filepath.Join(tmpDir, "input.pdf")
	if err := os.WriteFile(pdfPath, pdfBytes, 0o600); err != nil {
		return nil, &common.ExtractionError{Stage: "render", Retryable: true, Cause: err}
	}

	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -r <dpi> -png <in.pdf> <tmp/page>
	_, errb, err := e.runner.Run(ctx, e.cfg.Pdftoppm, "-r", strconv.Itoa(dpi), "-png", pdfPath, prefix)
	if err != nil {
		// A missing binary is an environment problem worth retrying; a
		// render failure on real bytes means a corrupt document.
		retryable := errors.Is(err, exec.ErrNotFound)
		return nil, &common.ExtractionError{
			Stage:     "render",
			Retryable: retryable,
			Cause:     fmt.Errorf("pdftoppm: %w (stderr: %s)", err, errb),
		}
	}

	// collect generated pngs (prefix-1.png, prefix-2.png, ...)
	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if e.cfg.MaxPages > 0 && len(matches) > e.cfg.MaxPages {
		matches = matches[:e.cfg.MaxPages]
	}
	if len(matches) == 0 {
		return nil, &common.ExtractionError{
			Stage: "render",
			Cause: fmt.Errorf("pdftoppm produced no images"),
		}
	}

	var pages []PageText
	readable := 0
	for i, img := range matches {
		pageNr := i + 1
		res, rerr := e.engine.Recognize(ctx, img)
		if rerr != nil {
			e.logger.Warn("ocr page skipped",
				"engine", e.engine.Name(), "page", pageNr, "error", rerr)
			continue
		}
		if res.Text != "" {
			readable++
		}
		e.logger.Debug("ocr page done",
			"engine", e.engine.Name(), "page", pageNr,
			"chars", len(res.Text), "confidence", res.Confidence)
		pages = append(pages, PageText{Page: pageNr, Text: res.Text})
	}

	if readable == 0 {
		return nil, &common.ExtractionError{
			Stage:     "ocr",
			Retryable: true,
			Cause:     fmt.Errorf("ocr produced no text on any of %d pages", len(matches)),
		}
	}
	return pages, nil
}
