package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// TesseractConfig tunes the local engine. Zero values get sane defaults.
type TesseractConfig struct {
	Binary   string // binary name or absolute path; if empty -> "tesseract"
	Language string // default "spa"
	PSM      int    // e.g., 6 is good for uniform block of text
	OEM      int    // 1 = LSTM; leave 0 to use default

	TessdataDir string
}

// Tesseract shells out to the tesseract binary per page image.
type Tesseract struct {
	cfg    TesseractConfig
	runner Runner
	logger *slog.Logger
}

func NewTesseract(cfg TesseractConfig, runner Runner, logger *slog.Logger) *Tesseract {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Language == "" {
		cfg.Language = "spa"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = NewExecRunner(logger)
	}
	return &Tesseract{cfg: cfg, runner: runner, logger: logger}
}

func (t *Tesseract) Name() string { return "tesseract" }

// Recognize runs tesseract twice: once for plain text, once in TSV mode for a
// mean word confidence. The TSV pass is best-effort; its failure only costs
// the confidence figure.
func (t *Tesseract) Recognize(ctx context.Context, imagePath string) (PageResult, error) {
	args := t.baseArgs(imagePath)

	out, errb, err := t.runner.Run(ctx, t.cfg.Binary, args...)
	if err != nil {
		return PageResult{}, fmt.Errorf("tesseract: %w (stderr: %s)", err, truncate(string(errb), 512))
	}

	res := PageResult{Text: string(out)}
	if conf, cerr := t.tsvConfidence(ctx, imagePath); cerr == nil {
		res.Confidence = conf
	} else {
		t.logger.Debug("tesseract tsv confidence unavailable", "image", imagePath, "error", cerr)
	}
	return res, nil
}

func (t *Tesseract) baseArgs(imagePath string) []string {
	args := []string{imagePath, "stdout", "-l", t.cfg.Language}
	if t.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(t.cfg.PSM))
	}
	if t.cfg.OEM > 0 {
		args = append(args, "--oem", strconv.Itoa(t.cfg.OEM))
	}
	if t.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.cfg.TessdataDir)
	}
	return args
}

// tsvConfidence runs tesseract in TSV mode and returns mean word conf in 0..1.
func (t *Tesseract) tsvConfidence(ctx context.Context, imagePath string) (float32, error) {
	args := append(t.baseArgs(imagePath), "tsv")

	out, _, err := t.runner.Run(ctx, t.cfg.Binary, args...)
	if err != nil {
		return 0, fmt.Errorf("tesseract TSV: %w", err)
	}

	lines := strings.Split(string(out), "\n")
	// TSV columns: level..height, conf, text; header on the first line
	var sum, n float64
	for i, ln := range lines {
		if i == 0 || len(ln) == 0 {
			continue
		}
		cols := strings.Split(ln, "\t")
		if len(cols) < 12 {
			continue
		}
		confStr := cols[10]
		if confStr == "" || confStr == "-1" {
			continue
		}
		if v, err := strconv.ParseFloat(confStr, 64); err == nil {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return float32(sum / n / 100.0), nil
}
