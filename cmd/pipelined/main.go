// pipelined is the processing daemon: it owns the worker pool, the recovery
// sweep, and everything the pool needs wired underneath it.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/facturanube/facturanube/internal/blobstore"
	"github.com/facturanube/facturanube/internal/classify"
	"github.com/facturanube/facturanube/internal/common"
	"github.com/facturanube/facturanube/internal/extract"
	"github.com/facturanube/facturanube/internal/fields"
	"github.com/facturanube/facturanube/internal/ocr"
	processor "github.com/facturanube/facturanube/internal/pipeline"
	"github.com/facturanube/facturanube/internal/repository"
	"github.com/facturanube/facturanube/internal/worker"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repos, cleanup, err := openRepositories(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer cleanup()

	blobs, err := openBlobStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open blob store", "backend", cfg.Blob.Backend, "error", err)
		os.Exit(1)
	}

	engine, err := openOCREngine(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to set up ocr engine", "engine", cfg.OCR.Engine, "error", err)
		os.Exit(1)
	}

	texts := extract.NewEngine(extract.Config{
		Pdftoppm: cfg.OCR.Pdftoppm,
		DPI:      cfg.OCR.DPI,
		MaxPages: cfg.OCR.MaxPages,
	}, engine, nil, logger)

	extractorOpts := []fields.ExtractorOption{
		fields.WithAmountTolerance(cfg.Pipeline.AmountTolerance),
		fields.WithMinCharsPerPage(int(cfg.Pipeline.MinCharsPerPage)),
	}
	if cfg.AI.APIKey != "" {
		gem, err := fields.NewGemini(ctx, cfg.AI.APIKey, cfg.AI.Model, logger)
		if err != nil {
			logger.Error("failed to set up gemini", "error", err)
			os.Exit(1)
		}
		defer gem.Close()
		extractorOpts = append(extractorOpts, fields.WithAI(gem))
	} else {
		logger.Info("ai field extraction disabled, rule layer only")
	}
	extractor := fields.NewExtractor(logger, extractorOpts...)

	proc := processor.New(
		processor.Config{MaxAttempts: cfg.Pipeline.MaxAttempts, RetryDPI: cfg.OCR.RetryDPI},
		blobs, repos,
		classify.New(cfg.Pipeline.MinCharsPerPage),
		texts, extractor, logger,
	)

	pool := worker.NewPool(worker.Config{
		Workers:       cfg.Pipeline.Workers,
		QueueSize:     cfg.Pipeline.QueueSize,
		SweepInterval: cfg.Pipeline.SweepInterval,
		StuckTimeout:  cfg.Pipeline.StuckTimeout,
	}, proc, repos.Jobs, logger)

	logger.Info("pipelined starting",
		"db", cfg.Database.Driver,
		"blob", cfg.Blob.Backend,
		"ocr", cfg.OCR.Engine,
	)
	if err := pool.Run(ctx); err != nil {
		logger.Error("worker pool stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("pipelined stopped")
}

func openRepositories(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*repository.Repositories, func(), error) {
	switch cfg.Database.Driver {
	case "sqlite":
		db, err := repository.OpenSQLite(ctx, cfg.Database.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := repository.MigrateSQLite(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return repository.NewSQLite(db, logger), func() { db.Close() }, nil
	default:
		pool, err := repository.OpenPostgres(ctx, repository.DBConfig{
			DSN:              cfg.Database.DSN,
			MaxConns:         cfg.Database.MaxConns,
			MinConns:         cfg.Database.MinConns,
			MaxConnLifetime:  cfg.Database.MaxConnLifetime,
			MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
			DialTimeout:      cfg.Database.DialTimeout,
			StatementTimeout: cfg.Database.StatementTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := repository.MigratePostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repository.NewPostgres(pool, logger), pool.Close, nil
	}
}

func openBlobStore(ctx context.Context, cfg *common.Config, logger *slog.Logger) (blobstore.Store, error) {
	if cfg.Blob.Backend == "gcs" {
		return blobstore.NewGCS(ctx, cfg.Blob.Bucket, logger)
	}
	return blobstore.NewLocal(cfg.Blob.LocalDir, logger)
}

func openOCREngine(ctx context.Context, cfg *common.Config, logger *slog.Logger) (ocr.Engine, error) {
	if cfg.OCR.Engine == "documentai" {
		return ocr.NewDocumentAI(ctx, ocr.DocumentAIConfig{
			ProjectID:   cfg.OCR.DocAIProjectID,
			Location:    cfg.OCR.DocAILocation,
			ProcessorID: cfg.OCR.DocAIProcessorID,
		}, logger)
	}
	return ocr.NewTesseract(ocr.TesseractConfig{
		Binary:   cfg.OCR.Tesseract,
		Language: cfg.OCR.Language,
		PSM:      6,
	}, nil, logger), nil
}
