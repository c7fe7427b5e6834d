// Package commands implements the quiltfs CLI: the operational shell
// over the engine's administrative surface.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/admin"
	"github.com/quiltfs/quiltfs/pkg/backend/s3"
	"github.com/quiltfs/quiltfs/pkg/config"
	"github.com/quiltfs/quiltfs/pkg/metrics"
	"github.com/quiltfs/quiltfs/pkg/store"
)

var (
	// Version information injected at build time.
	Version = "dev"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "quiltfs",
	Short: "QuiltFS - replicated chunk storage over object-store nodes",
	Long: `QuiltFS splits files into fixed-size chunks, spreads them across
S3-compatible storage nodes with replication, and reassembles them on
demand while tolerating node failures and silent corruption.

Use "quiltfs [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults + QUILTFS_* env)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(fileCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(cacheCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the quiltfs version",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Println("quiltfs", Version)
	},
}

// openService loads configuration and wires the engine for one CLI
// invocation. The caller closes the returned store.
func openService() (*admin.Service, *config.Config, *store.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, nil, nil, err
	}

	st, err := store.New(&cfg.Database)
	if err != nil {
		return nil, nil, nil, err
	}

	opts := cfg.AdminOptions()
	if cfg.MetricsEnabled {
		metrics.InitRegistry()
		opts.Metrics = metrics.NewEngineMetrics()
	}

	svc := admin.NewService(st, s3.Dialer(), opts)
	return svc, cfg, st, nil
}
