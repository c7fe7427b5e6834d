// Package api serves the operational HTTP surface: read-only health
// snapshots and statistics, plus on-demand maintenance triggers. Uploads,
// authentication, and any dashboard rendering live outside this module.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/admin"
	"github.com/quiltfs/quiltfs/pkg/metrics"
	"github.com/quiltfs/quiltfs/pkg/store"
)

// Config holds API server settings.
type Config struct {
	// Listen is the bind address, e.g. ":8080". Empty disables the API.
	Listen string `mapstructure:"listen"`
}

// Router builds the operational API over the admin service.
func Router(svc *admin.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if h := metrics.Handler(); h != nil {
		r.Handle("/metrics", h)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handleOverall(svc))
		r.Get("/health/nodes/{nodeID}", handleNodeHealth(svc))
		r.Get("/health/files/{fileID}", handleFileHealth(svc))
		r.Get("/stats", handleStats(svc))
		r.Post("/verify", handleVerify(svc))
		r.Post("/replicate", handleReplicate(svc))
		r.Post("/drain", handleDrain(svc))
	})
	return r
}

func handleOverall(svc *admin.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := svc.Health.OverallStatus(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleNodeHealth(svc *admin.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(chi.URLParam(r, "nodeID"), 10, 32)
		if err != nil {
			http.Error(w, "invalid node id", http.StatusBadRequest)
			return
		}
		node, err := svc.Store.GetNode(r.Context(), uint(id))
		if err != nil {
			writeError(w, err)
			return
		}
		snap, err := svc.Health.NodeHealth(r.Context(), node)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleFileHealth(svc *admin.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, err := svc.Store.GetFile(r.Context(), chi.URLParam(r, "fileID"))
		if err != nil {
			writeError(w, err)
			return
		}
		snap, err := svc.Health.FileHealth(r.Context(), file)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleStats(svc *admin.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.ShowStats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleVerify(svc *admin.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.VerifyAll(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleReplicate(svc *admin.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		min, _ := strconv.Atoi(r.URL.Query().Get("min"))
		stats, err := svc.EnsureReplicas(r.Context(), min)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleDrain(svc *admin.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		max, _ := strconv.Atoi(r.URL.Query().Get("max_attempts"))
		stats, err := svc.DrainPendingReplications(r.Context(), max)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("writing API response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
