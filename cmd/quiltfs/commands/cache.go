package commands

import (
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the download cache",
}

var cacheWarmCmd = &cobra.Command{
	Use:   "warm FILE_ID",
	Short: "Reassemble a file into the download cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := svc.WarmCache(cmd.Context(), args[0]); err != nil {
			return err
		}
		cmd.Printf("File %s cached (access count %d)\n", args[0], svc.Cache.AccessCount(args[0]))
		return nil
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, _, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()

		stats := svc.Cache.Stats()
		cmd.Printf("Entries: %d\nBytes: %d\nHits: %d\nMisses: %d\nEvictions: %d\n",
			stats.Entries, stats.TotalBytes, stats.Hits, stats.Misses, stats.Evictions)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheWarmCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
}
