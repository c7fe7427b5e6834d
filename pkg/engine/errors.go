// Package engine implements the chunk placement, replication, repair,
// and reassembly core: splitting uploads into fixed-size chunks placed
// across backend nodes, keeping replica counts up, verifying and
// repairing stored objects, and reconstructing files with per-node
// failover.
package engine

import "errors"

// Engine error kinds. Backend-level kinds (unavailable, not found,
// integrity) live in pkg/backend; placement exhaustion lives in
// pkg/cluster; metadata conflicts in pkg/store. Together they cover the
// failure surface the engine exposes to callers.
var (
	// ErrMissingChunk indicates a file's primary chunk numbers have a
	// gap and no uploaded copy exists for the missing numbers.
	ErrMissingChunk = errors.New("missing chunk")

	// ErrUnrecoverable indicates a chunk could not be served or
	// repaired from any copy: the file cannot be reconstructed.
	ErrUnrecoverable = errors.New("file unrecoverable")

	// ErrNotEnoughNodes indicates fewer nodes are currently available
	// than the configured minimum for starting an upload.
	ErrNotEnoughNodes = errors.New("not enough available nodes for upload")

	// ErrSourceCorrupt indicates a chunk's source object failed its
	// digest check while being read for replication.
	ErrSourceCorrupt = errors.New("source chunk is corrupt")
)
