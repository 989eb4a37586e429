// Package blobstore persists original invoice PDFs. Objects are written once
// at upload and only read afterwards; a reference string ties the stored blob
// to its document row.
package blobstore

import (
	"context"

	"github.com/google/uuid"
)

// Store is the upload service's and pipeline's view of blob storage.
type Store interface {
	// Put writes the document bytes and returns an opaque storage reference.
	Put(ctx context.Context, tenantID, documentID uuid.UUID, data []byte) (string, error)
	// Get reads back the bytes for a reference returned by Put.
	Get(ctx context.Context, ref string) ([]byte, error)
}
