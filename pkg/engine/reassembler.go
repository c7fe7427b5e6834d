package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/backend"
	"github.com/quiltfs/quiltfs/pkg/model"
	"github.com/quiltfs/quiltfs/pkg/store"
)

// Reassembler reconstructs a file by pulling each chunk in order from
// the best available copy, failing over between copies and remembering
// which nodes have already failed within one retrieval.
type Reassembler struct {
	store  *store.Store
	dialer backend.Dialer
}

// NewReassembler creates a reassembler.
func NewReassembler(st *store.Store, dialer backend.Dialer) *Reassembler {
	return &Reassembler{store: st, dialer: dialer}
}

// Reassemble writes the file's original bytes to w in chunk-number
// order. Primaries are preferred over replicas, copies on nodes that
// failed earlier in this retrieval are skipped, and a primary whose bytes no
// longer match its digest is marked corrupt in passing. Cancellation
// stops after the current chunk; output already written stays written.
func (r *Reassembler) Reassemble(ctx context.Context, file *model.StoredFile, w io.Writer) error {
	numbers, err := r.store.UploadedChunkNumbers(ctx, file.ID)
	if err != nil {
		return fmt.Errorf("list chunk numbers: %w", err)
	}
	if len(numbers) == 0 {
		if file.SizeBytes == 0 {
			return nil // zero-byte file, nothing to emit
		}
		return fmt.Errorf("%w: no uploaded chunks for file %s", ErrMissingChunk, file.ID)
	}

	maxNumber := numbers[len(numbers)-1]
	if len(numbers) != maxNumber {
		present := make(map[int]bool, len(numbers))
		for _, n := range numbers {
			present[n] = true
		}
		var missing []int
		for n := 1; n <= maxNumber; n++ {
			if !present[n] {
				missing = append(missing, n)
			}
		}
		return fmt.Errorf("%w: chunks %v of file %s", ErrMissingChunk, missing, file.ID)
	}

	failedNodes := make(map[uint]bool)

	for number := 1; number <= maxNumber; number++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.emitChunk(ctx, file, number, failedNodes, w); err != nil {
			return err
		}
	}
	return nil
}

// ReassembleBytes reassembles the whole file into memory. Used for
// cacheable downloads; large files should stream through Reassemble.
func (r *Reassembler) ReassembleBytes(ctx context.Context, file *model.StoredFile) ([]byte, error) {
	var buf bytes.Buffer
	if file.SizeBytes > 0 {
		buf.Grow(int(file.SizeBytes))
	}
	if err := r.Reassemble(ctx, file, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// emitChunk writes one chunk number to w from the first copy that
// fetches and verifies.
func (r *Reassembler) emitChunk(ctx context.Context, file *model.StoredFile, number int, failedNodes map[uint]bool, w io.Writer) error {
	copies, err := r.store.UploadedCopies(ctx, file.ID, number)
	if err != nil {
		return fmt.Errorf("list copies of chunk %d: %w", number, err)
	}
	if len(copies) == 0 {
		return fmt.Errorf("%w: no uploaded copy of chunk %d", ErrUnrecoverable, number)
	}

	// Primaries before replicas; within each class, copies on nodes
	// that have not failed this retrieval come first.
	sort.SliceStable(copies, func(i, j int) bool {
		if copies[i].IsReplica != copies[j].IsReplica {
			return !copies[i].IsReplica
		}
		fi := copies[i].NodeID != nil && failedNodes[*copies[i].NodeID]
		fj := copies[j].NodeID != nil && failedNodes[*copies[j].NodeID]
		return !fi && fj
	})

	for i := range copies {
		chunk := &copies[i]
		if chunk.Node == nil {
			logger.Warn("chunk row has no node, skipping", "chunk", chunk.ID)
			continue
		}
		if failedNodes[chunk.Node.ID] {
			continue
		}

		data, err := r.fetch(ctx, chunk)
		if err != nil {
			logger.Warn("chunk fetch failed, marking node failed for this retrieval",
				"chunk", chunk.ID, "node", chunk.Node.Name, "error", err)
			failedNodes[chunk.Node.ID] = true
			continue
		}

		if digest(data) != chunk.Checksum {
			logger.Warn("digest mismatch during reassembly",
				"chunk", chunk.ID, "node", chunk.Node.Name, "replica", chunk.IsReplica)
			// Lazy corruption detection: demote the primary so the
			// next verify sweep repairs it. Replica status is left to
			// the sweeps.
			if !chunk.IsReplica {
				if err := r.store.UpdateChunkStatus(ctx, chunk.ID, model.ChunkCorrupt); err != nil {
					logger.Error("marking corrupt primary failed", "chunk", chunk.ID, "error", err)
				}
			}
			continue
		}

		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write chunk %d: %w", number, err)
		}
		return nil
	}

	return fmt.Errorf("%w: unable to reassemble chunk %d of file %s", ErrUnrecoverable, number, file.ID)
}

// fetch reads one chunk object completely.
func (r *Reassembler) fetch(ctx context.Context, chunk *model.Chunk) ([]byte, error) {
	client, err := r.dialer.Dial(ctx, chunk.Node)
	if err != nil {
		return nil, fmt.Errorf("dial node %s: %w", chunk.Node.Name, err)
	}
	body, err := client.GetObject(ctx, chunk.Node.Bucket, chunk.ObjectKey)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}
