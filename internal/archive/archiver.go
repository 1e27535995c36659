// Package archive keeps a durable copy of every sealed record revision.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/medvault/custody/pkg/encryption"
	"github.com/medvault/custody/pkg/monitoring"
)

// ErrBlobNotFound is returned by Get when no blob has the requested id
var ErrBlobNotFound = errors.New("archive: blob not found")

// Archiver stores sealed blobs and returns an opaque id for each. Put is
// at-least-once: storing the same blob twice yields the same id.
type Archiver interface {
	Put(ctx context.Context, blob []byte) (string, error)
	Get(ctx context.Context, blobID string) ([]byte, error)
	Close() error
}

// BlobID is the content address of a blob
func BlobID(blob []byte) string {
	return encryption.HashData(blob)
}

// Instrumented records put latency and outcome for any Archiver
type Instrumented struct {
	Archiver
	backend string
	metrics *monitoring.Metrics
}

// Instrument wraps an archiver with metrics
func Instrument(a Archiver, backend string, metrics *monitoring.Metrics) *Instrumented {
	return &Instrumented{Archiver: a, backend: backend, metrics: metrics}
}

func (i *Instrumented) Put(ctx context.Context, blob []byte) (string, error) {
	start := time.Now()
	id, err := i.Archiver.Put(ctx, blob)
	i.metrics.ArchivePut(i.backend, time.Since(start), err)
	return id, err
}
