package blobstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/facturanube/facturanube/internal/common"
)

// Local stores blobs on the filesystem under <root>/<tenant>/<document>.pdf.
// Meant for development and single-node deployments.
type Local struct {
	root   string
	logger *slog.Logger
}

func NewLocal(root string, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob root: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Local{root: root, logger: logger}, nil
}

func (l *Local) Put(ctx context.Context, tenantID, documentID uuid.UUID, data []byte) (string, error) {
	dir := filepath.Join(l.root, tenantID.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", &common.StorageError{Op: "put", Retryable: true, Cause: err}
	}

	path := filepath.Join(dir, documentID.String()+".pdf")

	// write-then-rename so a crash never leaves a half-written blob
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", &common.StorageError{Op: "put", Retryable: true, Cause: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", &common.StorageError{Op: "put", Retryable: true, Cause: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", &common.StorageError{Op: "put", Retryable: true, Cause: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", &common.StorageError{Op: "put", Retryable: true, Cause: err}
	}

	ref := "file://" + path
	l.logger.Debug("blob stored", "ref", ref, "bytes", len(data))
	return ref, nil
}

func (l *Local) Get(ctx context.Context, ref string) ([]byte, error) {
	path := strings.TrimPrefix(ref, "file://")

	// refs are produced by Put; anything pointing outside the root is hostile
	abs, err := filepath.Abs(path)
	if err != nil || !strings.HasPrefix(abs, l.root+string(os.PathSeparator)) {
		return nil, &common.StorageError{Op: "get", Cause: fmt.Errorf("ref outside blob root: %s", ref)}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &common.StorageError{Op: "get", Cause: common.WrapError(common.ErrNotFound, ref)}
		}
		return nil, &common.StorageError{Op: "get", Retryable: true, Cause: err}
	}
	return data, nil
}
