// facturactl is the operator CLI: upload documents, check jobs, requeue and
// correct results. It talks straight to the shared database and blob store;
// a running pipelined daemon picks up the work through its sweep.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/facturanube/facturanube/internal/blobstore"
	"github.com/facturanube/facturanube/internal/common"
	"github.com/facturanube/facturanube/internal/repository"
	"github.com/facturanube/facturanube/internal/service"
	"github.com/facturanube/facturanube/internal/worker"
)

var (
	flagTenant   string
	flagUser     string
	flagJob      string
	flagDocument string
	flagInvoice  string
	flagFrom     string
	flagTo       string
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "facturactl",
		Short:         "Manage invoice documents and processing jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	upload := &cobra.Command{
		Use:   "upload <file.pdf>",
		Short: "Upload an invoice PDF and queue it for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(flagTenant)
			if err != nil {
				return fmt.Errorf("--tenant must be a UUID: %w", err)
			}
			userID, err := uuid.Parse(flagUser)
			if err != nil {
				return fmt.Errorf("--user must be a UUID: %w", err)
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			svc, cleanup, err := buildService(ctx, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := svc.Upload(ctx, service.UploadRequest{
				TenantID:   tenantID,
				UploadedBy: userID,
				Filename:   filepath.Base(args[0]),
				Data:       data,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	upload.Flags().StringVar(&flagTenant, "tenant", "", "tenant id (UUID)")
	upload.Flags().StringVar(&flagUser, "user", "", "uploading user id (UUID)")
	upload.MarkFlagRequired("tenant")
	upload.MarkFlagRequired("user")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the user-visible state of a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(flagJob)
			if err != nil {
				return fmt.Errorf("--job must be a UUID: %w", err)
			}
			svc, cleanup, err := buildService(ctx, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := svc.Status(ctx, jobID)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	status.Flags().StringVar(&flagJob, "job", "", "job id (UUID)")
	status.MarkFlagRequired("job")

	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Request cancellation of a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(flagJob)
			if err != nil {
				return fmt.Errorf("--job must be a UUID: %w", err)
			}
			svc, cleanup, err := buildService(ctx, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ok, err := svc.Cancel(ctx, jobID)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("job already finished")
				return nil
			}
			fmt.Println("cancellation requested")
			return nil
		},
	}
	cancel.Flags().StringVar(&flagJob, "job", "", "job id (UUID)")
	cancel.MarkFlagRequired("job")

	reprocess := &cobra.Command{
		Use:   "reprocess",
		Short: "Queue a new processing job for a stored document",
		RunE: func(cmd *cobra.Command, args []string) error {
			documentID, err := uuid.Parse(flagDocument)
			if err != nil {
				return fmt.Errorf("--document must be a UUID: %w", err)
			}
			svc, cleanup, err := buildService(ctx, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			jobID, err := svc.Reprocess(ctx, documentID)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"job_id": jobID.String()})
		},
	}
	reprocess.Flags().StringVar(&flagDocument, "document", "", "document id (UUID)")
	reprocess.MarkFlagRequired("document")

	list := &cobra.Command{
		Use:   "list",
		Short: "List extracted invoices for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(flagTenant)
			if err != nil {
				return fmt.Errorf("--tenant must be a UUID: %w", err)
			}
			fromDate, err := parseDateFlag(flagFrom)
			if err != nil {
				return err
			}
			toDate, err := parseDateFlag(flagTo)
			if err != nil {
				return err
			}

			svc, cleanup, err := buildService(ctx, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			invoices, err := svc.ListInvoices(ctx, tenantID, fromDate, toDate)
			if err != nil {
				return err
			}
			return printJSON(invoices)
		},
	}
	list.Flags().StringVar(&flagTenant, "tenant", "", "tenant id (UUID)")
	list.Flags().StringVar(&flagFrom, "from", "", "earliest issue date (YYYY-MM-DD)")
	list.Flags().StringVar(&flagTo, "to", "", "latest issue date (YYYY-MM-DD)")
	list.MarkFlagRequired("tenant")

	corrections := &cobra.Command{
		Use:   "corrections",
		Short: "Show the correction audit trail of an invoice",
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, err := uuid.Parse(flagInvoice)
			if err != nil {
				return fmt.Errorf("--invoice must be a UUID: %w", err)
			}
			svc, cleanup, err := buildService(ctx, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			audit, err := svc.ListCorrections(ctx, invoiceID)
			if err != nil {
				return err
			}
			return printJSON(audit)
		},
	}
	corrections.Flags().StringVar(&flagInvoice, "invoice", "", "invoice id (UUID)")
	corrections.MarkFlagRequired("invoice")

	root.AddCommand(upload, status, cancel, reprocess, list, corrections)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildService(ctx context.Context, logger *slog.Logger) (*service.Service, func(), error) {
	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	var (
		repos   *repository.Repositories
		cleanup func()
	)
	if cfg.Database.Driver == "sqlite" {
		db, err := repository.OpenSQLite(ctx, cfg.Database.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := repository.MigrateSQLite(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		repos = repository.NewSQLite(db, logger)
		cleanup = func() { db.Close() }
	} else {
		pool, err := repository.OpenPostgres(ctx, repository.DBConfig{
			DSN:             cfg.Database.DSN,
			MaxConns:        2,
			MinConns:        1,
			MaxConnLifetime: 5 * time.Minute,
			DialTimeout:     cfg.Database.DialTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		repos = repository.NewPostgres(pool, logger)
		cleanup = pool.Close
	}

	var blobs blobstore.Store
	var err error
	if cfg.Blob.Backend == "gcs" {
		blobs, err = blobstore.NewGCS(ctx, cfg.Blob.Bucket, logger)
	} else {
		blobs, err = blobstore.NewLocal(cfg.Blob.LocalDir, logger)
	}
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return service.NewService(blobs, repos, worker.NopQueue{}, logger), cleanup, nil
}

func parseDateFlag(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}
	return &t, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
