// Package backend defines the capability the engine needs from a remote
// object store: put, get, existence, bucket provisioning, and a health
// probe. Implementations are per-node and injected through a Dialer so
// the engine never assumes a wire protocol; production uses S3-compatible
// endpoints (pkg/backend/s3), tests an in-memory fake (pkg/backend/memory).
package backend

import (
	"context"
	"errors"
	"io"

	"github.com/quiltfs/quiltfs/pkg/model"
)

// Standard backend errors. Every failing operation returns one of these,
// possibly wrapped with detail.
var (
	// ErrUnavailable indicates the backend could not be reached or
	// refused the connection. Transient: callers may route the work to
	// the pending queue or another node.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrIntegrity indicates the backend refused the payload on an
	// integrity check (for example a content-hash mismatch on write).
	ErrIntegrity = errors.New("backend integrity check failed")
)

// Client is the uniform capability set against one remote object store.
// Implementations must be safe for concurrent use from multiple workers.
type Client interface {
	// PutObject stores length bytes read from r under (bucket, key).
	PutObject(ctx context.Context, bucket, key string, r io.Reader, length int64) error

	// GetObject opens the object at (bucket, key) for reading. The
	// caller owns the returned reader and must close it.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// Exists reports whether the object at (bucket, key) exists.
	Exists(ctx context.Context, bucket, key string) (bool, error)

	// RemoveObject deletes the object at (bucket, key). Removing an
	// object that does not exist is not an error. Used by upload
	// cancellation cleanup.
	RemoveObject(ctx context.Context, bucket, key string) error

	// EnsureBucket creates the bucket if it does not exist yet.
	EnsureBucket(ctx context.Context, bucket string) error

	// HealthReady probes the backend's readiness endpoint. A nil return
	// means the backend is live.
	HealthReady(ctx context.Context) error
}

// Dialer produces a Client for a node. The engine resolves nodes to
// clients exclusively through this, which is what lets tests swap the
// whole storage tier for an in-memory one.
type Dialer interface {
	Dial(ctx context.Context, node *model.Node) (Client, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, node *model.Node) (Client, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, node *model.Node) (Client, error) {
	return f(ctx, node)
}
