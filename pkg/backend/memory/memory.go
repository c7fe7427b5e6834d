// Package memory provides an in-memory backend.Dialer simulating one
// object store per node address. Intended for tests: nodes can be taken
// offline, and stored objects can be corrupted or deleted out from under
// the engine to exercise verification and repair.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/quiltfs/quiltfs/pkg/backend"
	"github.com/quiltfs/quiltfs/pkg/model"
)

// Cluster is a set of in-memory object stores keyed by node address.
// It implements backend.Dialer; every Dial for the same address returns
// a client over the same store.
type Cluster struct {
	mu      sync.RWMutex
	stores  map[string]*nodeStore // keyed by node address
	offline map[string]bool
}

type nodeStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewCluster creates an empty in-memory cluster.
func NewCluster() *Cluster {
	return &Cluster{
		stores:  make(map[string]*nodeStore),
		offline: make(map[string]bool),
	}
}

// Dial implements backend.Dialer.
func (c *Cluster) Dial(_ context.Context, node *model.Node) (backend.Client, error) {
	return &client{cluster: c, address: node.Address}, nil
}

// SetOffline marks a node address unreachable: every operation against
// it fails with backend.ErrUnavailable until SetOnline.
func (c *Cluster) SetOffline(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline[address] = true
}

// SetOnline brings a node address back.
func (c *Cluster) SetOnline(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.offline, address)
}

// Corrupt overwrites a stored object with the given bytes, bypassing the
// client interface. Returns false if the object does not exist.
func (c *Cluster) Corrupt(address, bucket, key string, garbage []byte) bool {
	ns := c.store(address)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	b, ok := ns.buckets[bucket]
	if !ok {
		return false
	}
	if _, ok := b[key]; !ok {
		return false
	}
	b[key] = append([]byte(nil), garbage...)
	return true
}

// Delete removes a stored object out-of-band. Returns false if the
// object does not exist.
func (c *Cluster) Delete(address, bucket, key string) bool {
	ns := c.store(address)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	b, ok := ns.buckets[bucket]
	if !ok {
		return false
	}
	if _, ok := b[key]; !ok {
		return false
	}
	delete(b, key)
	return true
}

// ObjectCount returns the number of objects stored on a node address.
func (c *Cluster) ObjectCount(address string) int {
	ns := c.store(address)
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	n := 0
	for _, b := range ns.buckets {
		n += len(b)
	}
	return n
}

func (c *Cluster) store(address string) *nodeStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.stores[address]
	if !ok {
		ns = &nodeStore{buckets: make(map[string]map[string][]byte)}
		c.stores[address] = ns
	}
	return ns
}

func (c *Cluster) isOffline(address string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offline[address]
}

type client struct {
	cluster *Cluster
	address string
}

func (cl *client) PutObject(_ context.Context, bucket, key string, r io.Reader, length int64) error {
	if cl.cluster.isOffline(cl.address) {
		return fmt.Errorf("put object: %w", backend.ErrUnavailable)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("put object: read body: %w", err)
	}
	if length >= 0 && int64(len(data)) != length {
		return fmt.Errorf("put object: %w: got %d bytes, declared %d", backend.ErrIntegrity, len(data), length)
	}

	ns := cl.cluster.store(cl.address)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	b, ok := ns.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		ns.buckets[bucket] = b
	}
	b[key] = data
	return nil
}

func (cl *client) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	if cl.cluster.isOffline(cl.address) {
		return nil, fmt.Errorf("get object: %w", backend.ErrUnavailable)
	}
	ns := cl.cluster.store(cl.address)
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	b, ok := ns.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("get object: %w", backend.ErrNotFound)
	}
	data, ok := b[key]
	if !ok {
		return nil, fmt.Errorf("get object: %w", backend.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

func (cl *client) RemoveObject(_ context.Context, bucket, key string) error {
	if cl.cluster.isOffline(cl.address) {
		return fmt.Errorf("delete object: %w", backend.ErrUnavailable)
	}
	ns := cl.cluster.store(cl.address)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if b, ok := ns.buckets[bucket]; ok {
		delete(b, key)
	}
	return nil
}

func (cl *client) Exists(_ context.Context, bucket, key string) (bool, error) {
	if cl.cluster.isOffline(cl.address) {
		return false, fmt.Errorf("head object: %w", backend.ErrUnavailable)
	}
	ns := cl.cluster.store(cl.address)
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	b, ok := ns.buckets[bucket]
	if !ok {
		return false, nil
	}
	_, ok = b[key]
	return ok, nil
}

func (cl *client) EnsureBucket(_ context.Context, bucket string) error {
	if cl.cluster.isOffline(cl.address) {
		return fmt.Errorf("ensure bucket: %w", backend.ErrUnavailable)
	}
	ns := cl.cluster.store(cl.address)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if _, ok := ns.buckets[bucket]; !ok {
		ns.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

func (cl *client) HealthReady(_ context.Context) error {
	if cl.cluster.isOffline(cl.address) {
		return fmt.Errorf("readiness probe: %w", backend.ErrUnavailable)
	}
	return nil
}
