package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"

	"github.com/facturanube/facturanube/internal/common"
)

// GCS stores blobs as Cloud Storage objects named
// invoices/<tenant>/<document>.pdf. One client is shared across requests.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	logger *slog.Logger
}

func NewGCS(ctx context.Context, bucket string, logger *slog.Logger) (*GCS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCS{
		client: client,
		bucket: client.Bucket(bucket),
		name:   bucket,
		logger: logger,
	}, nil
}

func (g *GCS) Close() error { return g.client.Close() }

func (g *GCS) Put(ctx context.Context, tenantID, documentID uuid.UUID, data []byte) (string, error) {
	object := fmt.Sprintf("invoices/%s/%s.pdf", tenantID, documentID)

	// DoesNotExist keeps re-uploads of the same document id idempotent
	w := g.bucket.Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/pdf"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", &common.StorageError{Op: "put", Retryable: true, Cause: err}
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 412 {
			// object already there, same name means same document
			g.logger.Debug("blob already exists", "object", object)
			return gcsRef(g.name, object), nil
		}
		return "", &common.StorageError{Op: "put", Retryable: true, Cause: err}
	}

	g.logger.Debug("blob stored", "object", object, "bytes", len(data))
	return gcsRef(g.name, object), nil
}

func (g *GCS) Get(ctx context.Context, ref string) ([]byte, error) {
	object, ok := strings.CutPrefix(ref, "gs://"+g.name+"/")
	if !ok {
		return nil, &common.StorageError{Op: "get", Cause: fmt.Errorf("ref not in bucket %s: %s", g.name, ref)}
	}

	r, err := g.bucket.Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, &common.StorageError{Op: "get", Cause: common.WrapError(common.ErrNotFound, ref)}
		}
		return nil, &common.StorageError{Op: "get", Retryable: true, Cause: err}
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &common.StorageError{Op: "get", Retryable: true, Cause: err}
	}
	return data, nil
}

func gcsRef(bucket, object string) string {
	return "gs://" + bucket + "/" + object
}
