package health

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quiltfs/quiltfs/pkg/backend/memory"
	"github.com/quiltfs/quiltfs/pkg/cluster"
	"github.com/quiltfs/quiltfs/pkg/engine"
	"github.com/quiltfs/quiltfs/pkg/model"
	"github.com/quiltfs/quiltfs/pkg/store"
)

type fixture struct {
	store    *store.Store
	reporter *Reporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("store.NewInMemory failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	backends := memory.NewCluster()
	monitor := cluster.NewMonitor(st, backends, cluster.MonitorConfig{
		StatsTTL: time.Nanosecond,
	})
	replicator := engine.NewReplicator(st, backends, monitor, engine.ReplicatorConfig{})
	return &fixture{store: st, reporter: NewReporter(st, replicator)}
}

func (f *fixture) addNode(t *testing.T, name string, status model.NodeStatus) *model.Node {
	t.Helper()
	node := &model.Node{Name: name, Address: name + ":9000", Bucket: "b", Status: status}
	if err := f.store.CreateNode(context.Background(), node); err != nil {
		t.Fatalf("CreateNode failed: %v", err)
	}
	return node
}

func (f *fixture) addChunk(t *testing.T, fileID string, number int, node *model.Node, replica bool, status model.ChunkStatus) {
	t.Helper()
	err := f.store.CreateChunk(context.Background(), &model.Chunk{
		ID: uuid.NewString(), FileID: fileID, ChunkNumber: number,
		Checksum: "c", ObjectKey: "k" + uuid.NewString(), NodeID: &node.ID,
		IsReplica: replica, Status: status,
	})
	if err != nil {
		t.Fatalf("CreateChunk failed: %v", err)
	}
}

func (f *fixture) addFile(t *testing.T) *model.StoredFile {
	t.Helper()
	file := &model.StoredFile{ID: uuid.NewString(), Name: "f", Owner: "alice", SizeBytes: 10}
	if err := f.store.CreateFile(context.Background(), file); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	return file
}

func TestOverallStatus_Healthy(t *testing.T) {
	f := newFixture(t)
	n := f.addNode(t, "n1", model.NodeActive)
	file := f.addFile(t)
	f.addChunk(t, file.ID, 1, n, false, model.ChunkUploaded)

	snap, err := f.reporter.OverallStatus(context.Background())
	if err != nil {
		t.Fatalf("OverallStatus failed: %v", err)
	}
	if snap.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", snap.Status)
	}
	if snap.Nodes.Active != 1 || snap.Files.Total != 1 || snap.Chunks.Total != 1 {
		t.Errorf("snapshot = %+v, want 1/1/1", snap)
	}
}

func TestOverallStatus_NodeLossDegrades(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "n1", model.NodeActive)
	f.addNode(t, "n2", model.NodeInactive) // 50% node health

	snap, err := f.reporter.OverallStatus(context.Background())
	if err != nil {
		t.Fatalf("OverallStatus failed: %v", err)
	}
	if snap.Status != StatusWarning {
		t.Errorf("status = %s, want warning at 50%% node health", snap.Status)
	}

	f.addNode(t, "n3", model.NodeInactive)
	f.addNode(t, "n4", model.NodeInactive) // 25% node health
	snap, _ = f.reporter.OverallStatus(context.Background())
	if snap.Status != StatusCritical {
		t.Errorf("status = %s, want critical at 25%% node health", snap.Status)
	}
}

func TestOverallStatus_ChunkCorruptionDegrades(t *testing.T) {
	f := newFixture(t)
	n := f.addNode(t, "n1", model.NodeActive)
	file := f.addFile(t)
	for i := 1; i <= 10; i++ {
		f.addChunk(t, file.ID, i, n, false, model.ChunkUploaded)
	}
	// One corrupt of eleven → ~91%, inside the warning band.
	f.addChunk(t, file.ID, 11, n, false, model.ChunkCorrupt)

	snap, err := f.reporter.OverallStatus(context.Background())
	if err != nil {
		t.Fatalf("OverallStatus failed: %v", err)
	}
	if snap.Status != StatusWarning {
		t.Errorf("status = %s, want warning with ~91%% chunk health", snap.Status)
	}
}

func TestNodeHealth_OfflineWhenNotActive(t *testing.T) {
	f := newFixture(t)
	n := f.addNode(t, "n1", model.NodeMaintenance)

	snap, err := f.reporter.NodeHealth(context.Background(), n)
	if err != nil {
		t.Fatalf("NodeHealth failed: %v", err)
	}
	if snap.Health != StatusOffline {
		t.Errorf("health = %s, want offline for a maintenance node", snap.Health)
	}
}

func TestNodeHealth_Thresholds(t *testing.T) {
	f := newFixture(t)
	n := f.addNode(t, "n1", model.NodeActive)
	file := f.addFile(t)
	for i := 1; i <= 9; i++ {
		f.addChunk(t, file.ID, i, n, false, model.ChunkUploaded)
	}
	f.addChunk(t, file.ID, 10, n, false, model.ChunkFailed) // 90%

	snap, err := f.reporter.NodeHealth(context.Background(), n)
	if err != nil {
		t.Fatalf("NodeHealth failed: %v", err)
	}
	if snap.Health != StatusWarning {
		t.Errorf("health = %s at 90%%, want warning", snap.Health)
	}
}

func TestFileHealth_WarningWhenRecoverable(t *testing.T) {
	f := newFixture(t)
	n1 := f.addNode(t, "n1", model.NodeActive)
	n2 := f.addNode(t, "n2", model.NodeActive)
	file := f.addFile(t)
	f.addChunk(t, file.ID, 1, n1, false, model.ChunkCorrupt)
	f.addChunk(t, file.ID, 1, n2, true, model.ChunkUploaded)

	snap, err := f.reporter.FileHealth(context.Background(), file)
	if err != nil {
		t.Fatalf("FileHealth failed: %v", err)
	}
	if !snap.CanRecover {
		t.Error("file with covered corruption reported unrecoverable")
	}
	if snap.Health != StatusWarning {
		t.Errorf("health = %s, want warning", snap.Health)
	}
}

func TestFileHealth_CriticalWhenUnrecoverable(t *testing.T) {
	f := newFixture(t)
	n1 := f.addNode(t, "n1", model.NodeActive)
	file := f.addFile(t)
	f.addChunk(t, file.ID, 1, n1, false, model.ChunkFailed)

	snap, err := f.reporter.FileHealth(context.Background(), file)
	if err != nil {
		t.Fatalf("FileHealth failed: %v", err)
	}
	if snap.CanRecover {
		t.Error("file with uncovered failure reported recoverable")
	}
	if snap.Health != StatusCritical {
		t.Errorf("health = %s, want critical", snap.Health)
	}
	if len(snap.Chunks.Unrecoverable) != 1 || snap.Chunks.Unrecoverable[0] != 1 {
		t.Errorf("unrecoverable = %v, want [1]", snap.Chunks.Unrecoverable)
	}
}
