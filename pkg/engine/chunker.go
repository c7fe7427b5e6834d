package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/backend"
	"github.com/quiltfs/quiltfs/pkg/cluster"
	"github.com/quiltfs/quiltfs/pkg/model"
	"github.com/quiltfs/quiltfs/pkg/store"
)

// DefaultChunkSize is the fixed chunk size for new uploads.
const DefaultChunkSize = 5 * 1024 * 1024

// ChunkerConfig holds upload tuning knobs.
type ChunkerConfig struct {
	// ChunkSize is the fixed size of every chunk but the last.
	// Default 5 MiB.
	ChunkSize int64

	// MinAvailableNodes gates uploads: below this many currently
	// available nodes the upload is refused outright. Default 3
	// (primary plus two replica targets).
	MinAvailableNodes int
}

// ApplyDefaults fills in zero fields.
func (c *ChunkerConfig) ApplyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MinAvailableNodes == 0 {
		c.MinAvailableNodes = 3
	}
}

// Chunker splits an upload stream into fixed chunks, places each on a
// node, and records metadata as it goes. Replication is requested
// best-effort after each primary commit and never fails the upload.
type Chunker struct {
	store      *store.Store
	dialer     backend.Dialer
	placement  *cluster.Placement
	monitor    *cluster.Monitor
	replicator *Replicator
	cfg        ChunkerConfig
}

// NewChunker creates a chunker.
func NewChunker(st *store.Store, dialer backend.Dialer, placement *cluster.Placement, monitor *cluster.Monitor, replicator *Replicator, cfg ChunkerConfig) *Chunker {
	cfg.ApplyDefaults()
	return &Chunker{
		store:      st,
		dialer:     dialer,
		placement:  placement,
		monitor:    monitor,
		replicator: replicator,
		cfg:        cfg,
	}
}

// Upload splits r into chunks and stores them across the cluster. The
// file record is created on the first successful chunk commit and its
// whole-file digest and size are stamped when the stream is exhausted.
// Node selection is recomputed per chunk so load changes mid-upload are
// respected. On cancellation, already-written objects and rows for this
// file are cleaned up best-effort.
func (c *Chunker) Upload(ctx context.Context, r io.Reader, file *model.StoredFile) ([]model.Chunk, error) {
	available, err := c.monitor.AvailableCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("count available nodes: %w", err)
	}
	if available < c.cfg.MinAvailableNodes {
		return nil, fmt.Errorf("%w: %d available, %d required", ErrNotEnoughNodes, available, c.cfg.MinAvailableNodes)
	}

	if file.ID == "" {
		file.ID = uuid.NewString()
	}

	var (
		chunks      []model.Chunk
		fileHash    = sha256.New()
		total       int64
		fileCreated bool
		buf         = make([]byte, c.cfg.ChunkSize)
	)

	for number := 1; ; number++ {
		if err := ctx.Err(); err != nil {
			c.cleanup(file, fileCreated, chunks)
			return nil, err
		}

		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			data := buf[:n]
			fileHash.Write(data)
			total += int64(n)

			chunk, err := c.storeChunk(ctx, file, number, data, &fileCreated)
			if err != nil {
				c.cleanup(file, fileCreated, chunks)
				return nil, err
			}
			chunks = append(chunks, *chunk)

			// Best-effort replication; failures never fail the upload.
			if c.replicator != nil {
				if _, err := c.replicator.CreateReplicasForChunk(ctx, chunk, nil); err != nil {
					logger.Warn("replication request failed",
						"file", file.ID, "chunk", number, "error", err)
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			c.cleanup(file, fileCreated, chunks)
			return nil, fmt.Errorf("read upload stream: %w", readErr)
		}
	}

	// Zero-byte uploads are legal: no chunks, empty digest over zero
	// bytes, trivially reassemblable.
	if !fileCreated {
		if err := c.store.CreateFile(ctx, file); err != nil {
			return nil, fmt.Errorf("create file record: %w", err)
		}
	}

	checksum := hex.EncodeToString(fileHash.Sum(nil))
	if err := c.store.FinishFile(ctx, file.ID, checksum, total); err != nil {
		c.cleanup(file, true, chunks)
		return nil, fmt.Errorf("finish file record: %w", err)
	}
	file.Checksum = checksum
	file.SizeBytes = total

	logger.Info("upload complete", "file", file.ID, "chunks", len(chunks), "bytes", total)
	return chunks, nil
}

// storeChunk places one chunk on a node, retrying with that node
// excluded on failure until every available node has been tried.
func (c *Chunker) storeChunk(ctx context.Context, file *model.StoredFile, number int, data []byte, fileCreated *bool) (*model.Chunk, error) {
	sum := digest(data)

	var exclude []uint
	for {
		node, err := c.placement.SelectForUpload(ctx, exclude)
		if err != nil {
			if errors.Is(err, cluster.ErrNoAvailableNodes) {
				return nil, fmt.Errorf("store chunk %d: %w", number, err)
			}
			return nil, fmt.Errorf("select node for chunk %d: %w", number, err)
		}

		key, err := c.writeObject(ctx, node, file, number, data)
		if err != nil {
			logger.Warn("chunk write failed, excluding node",
				"file", file.ID, "chunk", number, "node", node.Name, "error", err)
			exclude = append(exclude, node.ID)
			continue
		}

		chunk := &model.Chunk{
			ID:          uuid.NewString(),
			FileID:      file.ID,
			ChunkNumber: number,
			SizeBytes:   int64(len(data)),
			Checksum:    sum,
			ObjectKey:   key,
			NodeID:      &node.ID,
			IsReplica:   false,
			Status:      model.ChunkUploaded,
		}

		err = c.store.WithTransaction(ctx, func(tx *store.Store) error {
			if !*fileCreated {
				if err := tx.CreateFile(ctx, file); err != nil {
					return fmt.Errorf("create file record: %w", err)
				}
			}
			return tx.CreateChunk(ctx, chunk)
		})
		if errors.Is(err, store.ErrConflict) {
			// Lost the insert race: a concurrent writer committed this
			// primary first. Re-read the winning row and carry on.
			winner, readErr := c.store.PrimaryChunk(ctx, file.ID, number)
			if readErr != nil {
				return nil, fmt.Errorf("chunk %d insert conflict: %w", number, err)
			}
			return winner, nil
		}
		if err != nil {
			return nil, fmt.Errorf("record chunk %d: %w", number, err)
		}
		*fileCreated = true
		chunk.Node = node
		chunk.File = file
		return chunk, nil
	}
}

// writeObject puts the chunk bytes onto a node and returns the object
// key.
func (c *Chunker) writeObject(ctx context.Context, node *model.Node, file *model.StoredFile, number int, data []byte) (string, error) {
	client, err := c.dialer.Dial(ctx, node)
	if err != nil {
		return "", fmt.Errorf("dial node %s: %w", node.Name, err)
	}
	if err := client.EnsureBucket(ctx, node.Bucket); err != nil {
		return "", fmt.Errorf("ensure bucket on %s: %w", node.Name, err)
	}

	key := primaryObjectKey(file.Owner, file.ID, number)
	if err := client.PutObject(ctx, node.Bucket, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return "", fmt.Errorf("put chunk on %s: %w", node.Name, err)
	}
	return key, nil
}

// cleanup removes backend objects and metadata rows for a failed or
// cancelled upload. Best effort: the parent context may already be
// cancelled, so the work runs under a detached background context
// (no deadline) instead.
func (c *Chunker) cleanup(file *model.StoredFile, fileCreated bool, chunks []model.Chunk) {
	ctx := context.Background()

	for i := range chunks {
		chunk := &chunks[i]
		if chunk.Node == nil {
			continue
		}
		client, err := c.dialer.Dial(ctx, chunk.Node)
		if err != nil {
			continue
		}
		if err := client.RemoveObject(ctx, chunk.Node.Bucket, chunk.ObjectKey); err != nil {
			logger.Warn("upload cleanup: object removal failed",
				"file", file.ID, "chunk", chunk.ChunkNumber, "error", err)
		}
	}

	if fileCreated {
		if err := c.store.DeleteFile(ctx, file.ID); err != nil {
			logger.Warn("upload cleanup: metadata removal failed", "file", file.ID, "error", err)
		}
	}
}
