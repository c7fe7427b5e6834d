package admin

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltfs/quiltfs/pkg/backend/memory"
	"github.com/quiltfs/quiltfs/pkg/cache"
	"github.com/quiltfs/quiltfs/pkg/cluster"
	"github.com/quiltfs/quiltfs/pkg/engine"
	"github.com/quiltfs/quiltfs/pkg/model"
	"github.com/quiltfs/quiltfs/pkg/store"
)

func newTestService(t *testing.T, nodes int) (*Service, *memory.Cluster) {
	t.Helper()
	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	backends := memory.NewCluster()
	svc := NewService(st, backends, Options{
		Monitor: cluster.MonitorConfig{StatsTTL: time.Nanosecond},
		Chunker: engine.ChunkerConfig{ChunkSize: 8, MinAvailableNodes: 1},
		Cache:   cache.Config{MaxFileSize: 1024},
	})

	for i := 1; i <= nodes; i++ {
		node := &model.Node{
			Name:    fmt.Sprintf("n%d", i),
			Address: fmt.Sprintf("n%d:9000", i),
			Bucket:  "quiltfs",
		}
		require.NoError(t, svc.AddNode(context.Background(), node, i == 1))
	}
	return svc, backends
}

func uploadRandom(t *testing.T, svc *Service, size int) (*model.StoredFile, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	file, err := svc.Upload(context.Background(), bytes.NewReader(data), FileMeta{
		Name:  "test.bin",
		Owner: "alice",
	})
	require.NoError(t, err)
	return file, data
}

func TestUploadDownload_CachesAndTouches(t *testing.T) {
	svc, _ := newTestService(t, 3)
	ctx := context.Background()
	file, data := uploadRandom(t, svc, 20)

	got, err := svc.DownloadBytes(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Small files land in the cache and the second download hits it.
	assert.True(t, svc.Cache.Contains(file.ID))
	got, err = svc.DownloadBytes(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.GreaterOrEqual(t, svc.Cache.Stats().Hits, int64(1))

	stored, err := svc.Store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastAccessed, "download must stamp last_accessed")
}

func TestAddNode_PrimaryFlag(t *testing.T) {
	svc, _ := newTestService(t, 3)
	primary, err := svc.Store.PrimaryNode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "n1", primary.Name)
}

func TestSetNodeStatus_ReElectsPrimary(t *testing.T) {
	svc, _ := newTestService(t, 3)
	ctx := context.Background()

	primary, err := svc.Store.PrimaryNode(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.SetNodeStatus(ctx, primary.ID, model.NodeMaintenance))

	newPrimary, err := svc.Store.PrimaryNode(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, primary.ID, newPrimary.ID, "a different node must take over")
}

func TestVerifyAll_RepairsCorruption(t *testing.T) {
	svc, backends := newTestService(t, 3)
	ctx := context.Background()
	file, data := uploadRandom(t, svc, 20)

	primaries, err := svc.Store.PrimaryChunksForFile(ctx, file.ID)
	require.NoError(t, err)
	victim := primaries[0]
	node, err := svc.Store.GetNode(ctx, *victim.NodeID)
	require.NoError(t, err)
	require.True(t, backends.Corrupt(node.Address, node.Bucket, victim.ObjectKey, []byte("junk")))

	stats, err := svc.VerifyAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Corrupt)
	assert.Equal(t, 1, stats.Repaired)

	got, err := svc.DownloadBytes(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWarmCacheAndStats(t *testing.T) {
	svc, _ := newTestService(t, 3)
	ctx := context.Background()
	file, _ := uploadRandom(t, svc, 20)

	require.NoError(t, svc.WarmCache(ctx, file.ID))
	assert.True(t, svc.Cache.Contains(file.ID))

	stats, err := svc.ShowStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Nodes.Total)
	assert.EqualValues(t, 3, stats.Nodes.Active)
	assert.Equal(t, 3, stats.Nodes.Available)
	assert.EqualValues(t, 1, stats.Files.Total)
	assert.NotZero(t, stats.Chunks[model.ChunkUploaded])
	assert.Equal(t, 1, stats.Cache.Entries)
}

func TestEnsureReplicasAndDrain(t *testing.T) {
	svc, backends := newTestService(t, 3)
	ctx := context.Background()

	// Take n3 down so one replica intent queues up, then bring it back
	// and drain.
	backends.SetOffline("n3:9000")

	file, _ := uploadRandom(t, svc, 4) // single chunk
	sweep, err := svc.EnsureReplicas(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Checked)

	pending, err := svc.Store.CountPending(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, pending, "offline target must queue a pending replication")

	backends.SetOnline("n3:9000")
	drain, err := svc.DrainPendingReplications(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, drain.Processed)

	count, err := svc.Store.CountUploadedReplicas(ctx, file.ID, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}
