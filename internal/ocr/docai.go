package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"
)

// DocumentAIConfig identifies the OCR processor.
type DocumentAIConfig struct {
	ProjectID   string
	Location    string // e.g. "us", "eu"
	ProcessorID string
}

// DocumentAI recognizes page images through a Google Document AI OCR
// processor. One client is shared across pages and jobs.
type DocumentAI struct {
	cfg    DocumentAIConfig
	client *documentai.DocumentProcessorClient
	name   string
	logger *slog.Logger
}

func NewDocumentAI(ctx context.Context, cfg DocumentAIConfig, logger *slog.Logger) (*DocumentAI, error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", cfg.Location)
	client, err := documentai.NewDocumentProcessorClient(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("create document ai client: %w", err)
	}
	return &DocumentAI{
		cfg:    cfg,
		client: client,
		name:   fmt.Sprintf("projects/%s/locations/%s/processors/%s", cfg.ProjectID, cfg.Location, cfg.ProcessorID),
		logger: logger,
	}, nil
}

func (d *DocumentAI) Name() string { return "documentai" }

func (d *DocumentAI) Close() error { return d.client.Close() }

func (d *DocumentAI) Recognize(ctx context.Context, imagePath string) (PageResult, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return PageResult{}, fmt.Errorf("read page image: %w", err)
	}

	req := &documentaipb.ProcessRequest{
		Name: d.name,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  data,
				MimeType: mimeTypeFor(imagePath),
			},
		},
		SkipHumanReview: true,
	}

	resp, err := d.client.ProcessDocument(ctx, req)
	if err != nil {
		return PageResult{}, fmt.Errorf("document ai process: %w", err)
	}

	doc := resp.GetDocument()
	res := PageResult{
		Text:       doc.GetText(),
		Confidence: meanTokenConfidence(doc),
	}
	d.logger.Debug("document ai page recognized",
		"image", filepath.Base(imagePath),
		"chars", len(res.Text),
		"confidence", res.Confidence,
	)
	return res, nil
}

func mimeTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "image/png"
	}
}

func meanTokenConfidence(doc *documentaipb.Document) float32 {
	var sum float64
	var n int
	for _, page := range doc.GetPages() {
		for _, tok := range page.GetTokens() {
			if layout := tok.GetLayout(); layout != nil {
				sum += float64(layout.GetConfidence())
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return float32(sum / float64(n))
}
