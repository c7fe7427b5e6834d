package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/api"
)

// serveCmd runs the long-lived service: node monitor, pending-queue
// drainer, and the operational HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage engine service",
	Long: `Runs the long-lived QuiltFS service: the node monitor loop, the
pending-replication drainer, and the operational HTTP API (health,
stats, verification triggers, Prometheus metrics).`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, cfg, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go func() {
			if err := svc.Monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("monitor exited", "error", err)
			}
		}()
		go func() {
			if err := svc.Drainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("drainer exited", "error", err)
			}
		}()

		if cfg.API.Listen == "" {
			logger.Info("API disabled, serving background loops only")
			<-ctx.Done()
			return nil
		}

		server := &http.Server{
			Addr:    cfg.API.Listen,
			Handler: api.Router(svc),
		}
		go func() {
			<-ctx.Done()
			_ = server.Shutdown(context.Background())
		}()

		logger.Info("serving operational API", "listen", cfg.API.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
