package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quiltfs/quiltfs/pkg/admin"
	"github.com/quiltfs/quiltfs/pkg/backend/memory"
	"github.com/quiltfs/quiltfs/pkg/cluster"
	"github.com/quiltfs/quiltfs/pkg/model"
	"github.com/quiltfs/quiltfs/pkg/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *admin.Service) {
	t.Helper()
	st, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("store.NewInMemory failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc := admin.NewService(st, memory.NewCluster(), admin.Options{
		Monitor: cluster.MonitorConfig{StatsTTL: time.Nanosecond},
	})
	for i := 1; i <= 2; i++ {
		node := &model.Node{
			Name:    fmt.Sprintf("n%d", i),
			Address: fmt.Sprintf("n%d:9000", i),
			Bucket:  "quiltfs",
		}
		if err := svc.AddNode(context.Background(), node, false); err != nil {
			t.Fatalf("AddNode failed: %v", err)
		}
	}

	server := httptest.NewServer(Router(svc))
	t.Cleanup(server.Close)
	return server, svc
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s failed: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)
	if code := getJSON(t, server.URL+"/healthz", nil); code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", code)
	}
}

func TestOverallHealth(t *testing.T) {
	server, _ := newTestServer(t)

	var snap struct {
		Status string `json:"status"`
	}
	if code := getJSON(t, server.URL+"/api/health", &snap); code != http.StatusOK {
		t.Fatalf("/api/health = %d, want 200", code)
	}
	if snap.Status != "healthy" {
		t.Errorf("status = %s, want healthy", snap.Status)
	}
}

func TestNodeHealth_NotFound(t *testing.T) {
	server, _ := newTestServer(t)
	if code := getJSON(t, server.URL+"/api/health/nodes/999", nil); code != http.StatusNotFound {
		t.Errorf("unknown node = %d, want 404", code)
	}
}

func TestStats(t *testing.T) {
	server, _ := newTestServer(t)

	var stats struct {
		Nodes struct {
			Total int64 `json:"total"`
		} `json:"nodes"`
	}
	if code := getJSON(t, server.URL+"/api/stats", &stats); code != http.StatusOK {
		t.Fatalf("/api/stats = %d, want 200", code)
	}
	if stats.Nodes.Total != 2 {
		t.Errorf("nodes total = %d, want 2", stats.Nodes.Total)
	}
}

func TestVerifyTrigger(t *testing.T) {
	server, _ := newTestServer(t)
	resp, err := http.Post(server.URL+"/api/verify", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/verify failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/api/verify = %d, want 200", resp.StatusCode)
	}
}
