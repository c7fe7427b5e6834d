package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quiltfs/quiltfs/pkg/backend/memory"
	"github.com/quiltfs/quiltfs/pkg/cluster"
	"github.com/quiltfs/quiltfs/pkg/model"
	"github.com/quiltfs/quiltfs/pkg/store"
)

// env wires a complete engine over an in-memory metadata store and an
// in-memory backend cluster.
type env struct {
	store       *store.Store
	backends    *memory.Cluster
	monitor     *cluster.Monitor
	placement   *cluster.Placement
	replicator  *Replicator
	chunker     *Chunker
	reassembler *Reassembler
	drainer     *Drainer
	nodes       []*model.Node
}

type envConfig struct {
	nodes       int
	chunkSize   int64
	minReplicas int
	minAvail    int
	maxAttempts int
}

func newEnv(t *testing.T, cfg envConfig) *env {
	t.Helper()
	st, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("store.NewInMemory failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	backends := memory.NewCluster()
	monitor := cluster.NewMonitor(st, backends, cluster.MonitorConfig{
		Interval:     time.Minute,
		StatsTTL:     time.Nanosecond, // always fresh in tests
		ProbeTimeout: time.Second,
	})
	placement := cluster.NewPlacement(st, monitor)
	replicator := NewReplicator(st, backends, monitor, ReplicatorConfig{MinReplicas: cfg.minReplicas})
	chunker := NewChunker(st, backends, placement, monitor, replicator, ChunkerConfig{
		ChunkSize:         cfg.chunkSize,
		MinAvailableNodes: cfg.minAvail,
	})
	reassembler := NewReassembler(st, backends)
	drainer := NewDrainer(st, monitor, replicator, DrainerConfig{
		MaxAttempts: cfg.maxAttempts,
		Interval:    time.Minute,
	})

	e := &env{
		store:       st,
		backends:    backends,
		monitor:     monitor,
		placement:   placement,
		replicator:  replicator,
		chunker:     chunker,
		reassembler: reassembler,
		drainer:     drainer,
	}
	for i := 1; i <= cfg.nodes; i++ {
		node := &model.Node{
			Name:     fmt.Sprintf("n%d", i),
			Address:  fmt.Sprintf("n%d:9000", i),
			Bucket:   "quiltfs",
			Priority: 100,
			Status:   model.NodeActive,
		}
		if err := st.CreateNode(context.Background(), node); err != nil {
			t.Fatalf("CreateNode failed: %v", err)
		}
		e.nodes = append(e.nodes, node)
	}
	return e
}

func (e *env) upload(t *testing.T, data []byte) *model.StoredFile {
	t.Helper()
	file := &model.StoredFile{Name: "test.bin", Owner: "alice"}
	if _, err := e.chunker.Upload(context.Background(), bytes.NewReader(data), file); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	return file
}

func (e *env) reassemble(t *testing.T, file *model.StoredFile) []byte {
	t.Helper()
	data, err := e.reassembler.ReassembleBytes(context.Background(), file)
	if err != nil {
		t.Fatalf("Reassemble failed: %v", err)
	}
	return data
}

func (e *env) nodeByID(id uint) *model.Node {
	for _, n := range e.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	return data
}

func TestUploadReassembleRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 3, 4, 5, 8, 9, 100}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			e := newEnv(t, envConfig{nodes: 3, chunkSize: 4, minReplicas: 1, minAvail: 3})
			data := randBytes(t, size)

			file := e.upload(t, data)

			wantSum := sha256.Sum256(data)
			if file.Checksum != hex.EncodeToString(wantSum[:]) {
				t.Errorf("file checksum = %s, want digest of input", file.Checksum)
			}
			if file.SizeBytes != int64(size) {
				t.Errorf("file size = %d, want %d", file.SizeBytes, size)
			}

			got := e.reassemble(t, file)
			if !bytes.Equal(got, data) {
				t.Errorf("reassembled %d bytes differ from input", len(got))
			}
		})
	}
}

func TestUpload_ChunkSizesAndDistribution(t *testing.T) {
	// 12 bytes at chunk size 5 → chunks of 5, 5, 2 spread across the
	// three nodes by least-loaded selection, one replica per primary on
	// a non-owning node.
	e := newEnv(t, envConfig{nodes: 3, chunkSize: 5, minReplicas: 1, minAvail: 3})
	ctx := context.Background()
	data := randBytes(t, 12)

	file := e.upload(t, data)

	primaries, err := e.store.PrimaryChunksForFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("PrimaryChunksForFile failed: %v", err)
	}
	if len(primaries) != 3 {
		t.Fatalf("got %d primary chunks, want 3", len(primaries))
	}
	wantSizes := []int64{5, 5, 2}
	ownerNodes := make(map[uint]bool)
	for i := range primaries {
		p := &primaries[i]
		if p.SizeBytes != wantSizes[i] {
			t.Errorf("chunk %d size = %d, want %d", p.ChunkNumber, p.SizeBytes, wantSizes[i])
		}
		if p.NodeID == nil {
			t.Fatalf("chunk %d has no node", p.ChunkNumber)
		}
		ownerNodes[*p.NodeID] = true

		replicas, err := e.store.UploadedReplicas(ctx, file.ID, p.ChunkNumber)
		if err != nil {
			t.Fatalf("UploadedReplicas failed: %v", err)
		}
		if len(replicas) != 1 {
			t.Fatalf("chunk %d has %d replicas, want 1", p.ChunkNumber, len(replicas))
		}
		if *replicas[0].NodeID == *p.NodeID {
			t.Errorf("chunk %d replica placed on its own primary node", p.ChunkNumber)
		}
	}
	if len(ownerNodes) != 3 {
		t.Errorf("primaries landed on %d distinct nodes, want 3", len(ownerNodes))
	}
}

func TestUpload_RefusedBelowMinimumNodes(t *testing.T) {
	e := newEnv(t, envConfig{nodes: 2, chunkSize: 4, minReplicas: 1, minAvail: 3})

	file := &model.StoredFile{Name: "test.bin", Owner: "alice"}
	_, err := e.chunker.Upload(context.Background(), bytes.NewReader(randBytes(t, 10)), file)
	if !errors.Is(err, ErrNotEnoughNodes) {
		t.Errorf("got %v, want ErrNotEnoughNodes", err)
	}
}

// offliningReader takes a node offline once a given number of bytes has
// been consumed, simulating a node dropping mid-upload.
type offliningReader struct {
	*bytes.Reader
	backends *memory.Cluster
	address  string
	after    int
	read     int
	done     bool
}

func (r *offliningReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	r.read += n
	if !r.done && r.read > r.after {
		r.backends.SetOffline(r.address)
		r.done = true
	}
	return n, err
}

func TestUpload_FailsOverWhenNodeDropsMidUpload(t *testing.T) {
	e := newEnv(t, envConfig{nodes: 3, chunkSize: 5, minReplicas: 1, minAvail: 3})
	data := randBytes(t, 15)

	// Chunk 1 lands on n1; n1 goes offline before later chunks, so the
	// chunker must route around it.
	r := &offliningReader{
		Reader:   bytes.NewReader(data),
		backends: e.backends,
		address:  e.nodes[0].Address,
		after:    5,
	}
	file := &model.StoredFile{Name: "test.bin", Owner: "alice"}
	if _, err := e.chunker.Upload(context.Background(), r, file); err != nil {
		t.Fatalf("Upload with mid-upload node drop failed: %v", err)
	}

	got := e.reassemble(t, file)
	if !bytes.Equal(got, data) {
		t.Error("reassembled bytes differ from input after failover upload")
	}
}

func TestDownload_ServedFromReplicaWhenNodeLost(t *testing.T) {
	e := newEnv(t, envConfig{nodes: 3, chunkSize: 5, minReplicas: 1, minAvail: 3})
	ctx := context.Background()
	data := randBytes(t, 12)
	file := e.upload(t, data)

	// Take n2 out entirely: administratively inactive and unreachable.
	n2 := e.nodes[1]
	if err := e.store.SetNodeStatus(ctx, n2.ID, model.NodeInactive); err != nil {
		t.Fatalf("SetNodeStatus failed: %v", err)
	}
	e.backends.SetOffline(n2.Address)

	got := e.reassemble(t, file)
	if !bytes.Equal(got, data) {
		t.Error("reassembled bytes differ with one node lost")
	}
}

func TestVerifyAndRepair_CorruptPrimary(t *testing.T) {
	e := newEnv(t, envConfig{nodes: 3, chunkSize: 5, minReplicas: 1, minAvail: 3})
	ctx := context.Background()
	data := randBytes(t, 12)
	file := e.upload(t, data)

	// Overwrite one primary's backing object with garbage, out of band.
	primaries, err := e.store.PrimaryChunksForFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("PrimaryChunksForFile failed: %v", err)
	}
	victim := primaries[1]
	node := e.nodeByID(*victim.NodeID)
	if !e.backends.Corrupt(node.Address, node.Bucket, victim.ObjectKey, []byte("garbage")) {
		t.Fatal("corrupting backing object failed")
	}

	stats, err := e.replicator.VerifyAndRepairAllChunks(ctx)
	if err != nil {
		t.Fatalf("VerifyAndRepairAllChunks failed: %v", err)
	}
	if stats.Corrupt != 1 || stats.Repaired != 1 || stats.Unrepairable != 0 {
		t.Errorf("stats = %+v, want 1 corrupt, 1 repaired", stats)
	}

	// Everything is uploaded again and the bytes round-trip.
	repaired, err := e.store.PrimaryChunk(ctx, file.ID, victim.ChunkNumber)
	if err != nil {
		t.Fatalf("PrimaryChunk failed: %v", err)
	}
	if repaired.Status != model.ChunkUploaded {
		t.Errorf("repaired primary status = %s, want uploaded", repaired.Status)
	}
	got := e.reassemble(t, file)
	if !bytes.Equal(got, data) {
		t.Error("reassembled bytes differ after repair")
	}

	// A second sweep over the healthy store is a no-op.
	stats, err = e.replicator.VerifyAndRepairAllChunks(ctx)
	if err != nil {
		t.Fatalf("second VerifyAndRepairAllChunks failed: %v", err)
	}
	if stats.Corrupt != 0 || stats.Repaired != 0 {
		t.Errorf("second sweep stats = %+v, want all clean", stats)
	}
}

func TestVerify_MissingObjectWithoutReplicaIsUnrecoverable(t *testing.T) {
	// One node, no replica targets: deleting the primary's object makes
	// the file unrecoverable.
	e := newEnv(t, envConfig{nodes: 1, chunkSize: 64, minReplicas: 1, minAvail: 1})
	ctx := context.Background()
	data := randBytes(t, 10)
	file := e.upload(t, data)

	primaries, _ := e.store.PrimaryChunksForFile(ctx, file.ID)
	victim := primaries[0]
	node := e.nodeByID(*victim.NodeID)
	if !e.backends.Delete(node.Address, node.Bucket, victim.ObjectKey) {
		t.Fatal("deleting backing object failed")
	}

	stats, err := e.replicator.VerifyAndRepairAllChunks(ctx)
	if err != nil {
		t.Fatalf("VerifyAndRepairAllChunks failed: %v", err)
	}
	if stats.Corrupt != 1 || stats.Unrepairable != 1 {
		t.Errorf("stats = %+v, want 1 corrupt, 1 unrepairable", stats)
	}

	integrity, err := e.replicator.CheckFileIntegrity(ctx, file)
	if err != nil {
		t.Fatalf("CheckFileIntegrity failed: %v", err)
	}
	if integrity.Recoverable {
		t.Error("file reported recoverable with no replica for the lost chunk")
	}

	_, err = e.reassembler.ReassembleBytes(ctx, file)
	if !errors.Is(err, ErrMissingChunk) && !errors.Is(err, ErrUnrecoverable) {
		t.Errorf("reassembly returned %v, want missing/unrecoverable", err)
	}
}

func TestPendingQueue_DrainAfterNodeReturns(t *testing.T) {
	e := newEnv(t, envConfig{nodes: 2, chunkSize: 64, minReplicas: 1, minAvail: 1, maxAttempts: 5})
	ctx := context.Background()

	// n2 is down when the upload replicates, so the replica intent
	// lands in the backlog.
	n2 := e.nodes[1]
	e.backends.SetOffline(n2.Address)
	file := e.upload(t, randBytes(t, 10))

	rows, err := e.store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(rows) != 1 || rows[0].TargetNodeID != n2.ID {
		t.Fatalf("backlog = %+v, want one row targeting n2", rows)
	}

	// Five drains while the node stays down: the counter climbs to the
	// limit but the row is retained.
	for i := 1; i <= 5; i++ {
		stats, err := e.drainer.DrainOnce(ctx)
		if err != nil {
			t.Fatalf("drain %d failed: %v", i, err)
		}
		if stats.Processed != 0 {
			t.Fatalf("drain %d processed %d rows with target down", i, stats.Processed)
		}
	}
	rows, _ = e.store.ListPending(ctx)
	if len(rows) != 1 || rows[0].Attempts != 5 {
		t.Fatalf("after 5 drains backlog = %+v, want one row with attempts=5", rows)
	}

	// A sixth drain with the node still down leaves the row untouched.
	if _, err := e.drainer.DrainOnce(ctx); err != nil {
		t.Fatalf("sixth drain failed: %v", err)
	}
	rows, _ = e.store.ListPending(ctx)
	if len(rows) != 1 || rows[0].Attempts != 5 {
		t.Fatalf("after capped drain backlog = %+v, want attempts still 5", rows)
	}

	// The node returns: the next drain creates the replica and removes
	// the row.
	e.backends.SetOnline(n2.Address)
	stats, err := e.drainer.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain after return failed: %v", err)
	}
	if stats.Processed != 1 {
		t.Errorf("drain after return processed %d, want 1", stats.Processed)
	}
	if n, _ := e.store.CountPending(ctx); n != 0 {
		t.Errorf("backlog size = %d, want 0", n)
	}
	replicas, _ := e.store.UploadedReplicas(ctx, file.ID, 1)
	if len(replicas) != 1 || *replicas[0].NodeID != n2.ID {
		t.Errorf("replicas = %+v, want one on n2", replicas)
	}
}

func TestEnsureReplicas_TopsUpToMinimum(t *testing.T) {
	e := newEnv(t, envConfig{nodes: 3, chunkSize: 64, minReplicas: 1, minAvail: 3})
	ctx := context.Background()
	file := e.upload(t, randBytes(t, 10))

	// The upload created one replica; asking for two tops it up.
	stats, err := e.replicator.EnsureReplicas(ctx, 2)
	if err != nil {
		t.Fatalf("EnsureReplicas failed: %v", err)
	}
	if stats.Checked != 1 || stats.Created != 1 {
		t.Errorf("stats = %+v, want 1 checked, 1 created", stats)
	}

	count, _ := e.store.CountUploadedReplicas(ctx, file.ID, 1)
	if count != 2 {
		t.Errorf("replica count = %d, want 2", count)
	}

	// Every node now holds a copy; a further sweep finds nothing to do
	// and reports the chunk as satisfied.
	stats, err = e.replicator.EnsureReplicas(ctx, 2)
	if err != nil {
		t.Fatalf("second EnsureReplicas failed: %v", err)
	}
	if stats.AlreadySufficient != 1 {
		t.Errorf("second sweep stats = %+v, want already sufficient", stats)
	}
}

func TestVerifyFile_RecoversMissingPrimaryFromReplica(t *testing.T) {
	e := newEnv(t, envConfig{nodes: 3, chunkSize: 5, minReplicas: 1, minAvail: 3})
	ctx := context.Background()
	data := randBytes(t, 12)
	file := e.upload(t, data)

	// Drop one primary row entirely, leaving only its replica.
	primaries, _ := e.store.PrimaryChunksForFile(ctx, file.ID)
	victim := primaries[0]
	if err := e.store.DeleteChunk(ctx, victim.ID); err != nil {
		t.Fatalf("DeleteChunk failed: %v", err)
	}

	integrity, err := e.replicator.CheckFileIntegrity(ctx, file)
	if err != nil {
		t.Fatalf("CheckFileIntegrity failed: %v", err)
	}
	if !integrity.Recoverable || len(integrity.MissingNumbers) != 1 {
		t.Fatalf("integrity = %+v, want recoverable with one missing number", integrity)
	}

	stats, _, err := e.replicator.VerifyFile(ctx, file)
	if err != nil {
		t.Fatalf("VerifyFile failed: %v", err)
	}
	if stats.RecoveredMissing != 1 {
		t.Errorf("stats = %+v, want one recovered primary", stats)
	}

	got := e.reassemble(t, file)
	if !bytes.Equal(got, data) {
		t.Error("reassembled bytes differ after primary recovery")
	}
}

func TestReassemble_LazyCorruptionMarking(t *testing.T) {
	e := newEnv(t, envConfig{nodes: 3, chunkSize: 5, minReplicas: 1, minAvail: 3})
	ctx := context.Background()
	data := randBytes(t, 12)
	file := e.upload(t, data)

	primaries, _ := e.store.PrimaryChunksForFile(ctx, file.ID)
	victim := primaries[0]
	node := e.nodeByID(*victim.NodeID)
	e.backends.Corrupt(node.Address, node.Bucket, victim.ObjectKey, []byte("garbage"))

	// Reassembly succeeds from the replica and demotes the primary.
	got := e.reassemble(t, file)
	if !bytes.Equal(got, data) {
		t.Error("reassembled bytes differ with corrupt primary")
	}
	after, err := e.store.PrimaryChunk(ctx, file.ID, victim.ChunkNumber)
	if err != nil {
		t.Fatalf("PrimaryChunk failed: %v", err)
	}
	if after.Status != model.ChunkCorrupt {
		t.Errorf("primary status = %s, want corrupt after lazy detection", after.Status)
	}
}

func TestConcurrentUploads_SameOwner(t *testing.T) {
	e := newEnv(t, envConfig{nodes: 3, chunkSize: 4, minReplicas: 1, minAvail: 3})
	ctx := context.Background()

	inputs := [][]byte{randBytes(t, 37), randBytes(t, 53)}
	files := make([]*model.StoredFile, len(inputs))
	errs := make([]error, len(inputs))

	var wg sync.WaitGroup
	for i := range inputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			file := &model.StoredFile{Name: fmt.Sprintf("f%d.bin", i), Owner: "alice"}
			_, errs[i] = e.chunker.Upload(ctx, bytes.NewReader(inputs[i]), file)
			files[i] = file
		}(i)
	}
	wg.Wait()

	for i := range inputs {
		if errs[i] != nil {
			t.Fatalf("upload %d failed: %v", i, errs[i])
		}
		got := e.reassemble(t, files[i])
		if !bytes.Equal(got, inputs[i]) {
			t.Errorf("file %d bytes differ after concurrent upload", i)
		}
	}
}

func TestUpload_Cancellation(t *testing.T) {
	e := newEnv(t, envConfig{nodes: 3, chunkSize: 4, minReplicas: 1, minAvail: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	file := &model.StoredFile{Name: "test.bin", Owner: "alice"}
	_, err := e.chunker.Upload(ctx, bytes.NewReader(randBytes(t, 100)), file)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}

	// Cleanup removed any partial metadata.
	if _, err := e.store.GetFile(context.Background(), file.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("file row survived cancelled upload: %v", err)
	}
}

func TestZeroByteFile(t *testing.T) {
	e := newEnv(t, envConfig{nodes: 3, chunkSize: 4, minReplicas: 1, minAvail: 3})
	ctx := context.Background()

	file := e.upload(t, nil)

	chunks, err := e.store.ChunksForFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("ChunksForFile failed: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("zero-byte upload created %d chunk rows, want 0", len(chunks))
	}

	got := e.reassemble(t, file)
	if len(got) != 0 {
		t.Errorf("reassembly of empty file yielded %d bytes", len(got))
	}

	integrity, err := e.replicator.CheckFileIntegrity(ctx, file)
	if err != nil {
		t.Fatalf("CheckFileIntegrity failed: %v", err)
	}
	if !integrity.Recoverable {
		t.Error("empty file reported unrecoverable")
	}
}
