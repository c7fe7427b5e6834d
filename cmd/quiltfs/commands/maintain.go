package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run storage maintenance tasks",
}

var verifyFlags struct {
	nodeID uint
	fileID string
}

var maintainVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify chunk integrity and repair from replicas",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, _, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()
		ctx := cmd.Context()

		switch {
		case verifyFlags.fileID != "":
			stats, integrity, err := svc.VerifyFile(ctx, verifyFlags.fileID)
			if err != nil {
				return err
			}
			if !integrity.Recoverable {
				cmd.Printf("File %s is NOT fully recoverable (missing: %v)\n",
					verifyFlags.fileID, integrity.MissingNumbers)
			}
			cmd.Printf("Repaired %d corrupt, recovered %d missing (%d corrupt and %d missing remain)\n",
				stats.RepairedPrimaries, stats.RecoveredMissing,
				stats.UnrepairedCorrupt, stats.UnrecoveredMissing)
		case verifyFlags.nodeID != 0:
			stats, err := svc.VerifyNode(ctx, verifyFlags.nodeID)
			if err != nil {
				return err
			}
			cmd.Printf("Node verification complete: %d verified, %d corrupted, %d repaired, %d unrepairable\n",
				stats.Verified, stats.Corrupt, stats.Repaired, stats.Unrepairable)
		default:
			stats, err := svc.VerifyAll(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("Verification complete: %d verified, %d corrupted, %d repaired, %d unrepairable\n",
				stats.Verified, stats.Corrupt, stats.Repaired, stats.Unrepairable)
		}
		return nil
	},
}

var replicateMin int

var maintainReplicateCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Top up replica counts to the minimum",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, _, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := svc.EnsureReplicas(cmd.Context(), replicateMin)
		if err != nil {
			return err
		}
		cmd.Printf("Checked %d chunks: %d replicas created, %d already sufficient, %d failed\n",
			stats.Checked, stats.Created, stats.AlreadySufficient, stats.Failed)
		return nil
	},
}

var drainMaxAttempts int

var maintainDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process the pending-replication backlog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, _, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := svc.DrainPendingReplications(cmd.Context(), drainMaxAttempts)
		if err != nil {
			return err
		}
		cmd.Printf("Completed processing: %d successful, %d failed, %d skipped\n",
			stats.Processed, stats.Failed, stats.Skipped)
		return nil
	},
}

var maintainStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show system statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, _, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := svc.ShowStats(cmd.Context())
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Metric", "Value"})
		table.Append([]string{"Nodes total", strconv.FormatInt(stats.Nodes.Total, 10)})
		table.Append([]string{"Nodes active", strconv.FormatInt(stats.Nodes.Active, 10)})
		table.Append([]string{"Nodes available", strconv.Itoa(stats.Nodes.Available)})
		table.Append([]string{"Files", strconv.FormatInt(stats.Files.Total, 10)})
		for status, n := range stats.Chunks {
			table.Append([]string{fmt.Sprintf("Chunks %s", status), strconv.FormatInt(n, 10)})
		}
		table.Append([]string{"Pending replications", strconv.FormatInt(stats.PendingReplication, 10)})
		table.Append([]string{"Cache entries", strconv.Itoa(stats.Cache.Entries)})
		table.Append([]string{"Cache bytes", strconv.FormatInt(stats.Cache.TotalBytes, 10)})
		table.Render()
		return nil
	},
}

func init() {
	maintainVerifyCmd.Flags().UintVar(&verifyFlags.nodeID, "node-id", 0, "verify chunks on one node only")
	maintainVerifyCmd.Flags().StringVar(&verifyFlags.fileID, "file-id", "", "verify and repair one file only")
	maintainReplicateCmd.Flags().IntVar(&replicateMin, "replicas", 0, "minimum replicas per chunk (0 = configured default)")
	maintainDrainCmd.Flags().IntVar(&drainMaxAttempts, "max-attempts", 0, "attempt limit before rows are left for inspection (0 = configured default)")

	maintainCmd.AddCommand(maintainVerifyCmd)
	maintainCmd.AddCommand(maintainReplicateCmd)
	maintainCmd.AddCommand(maintainDrainCmd)
	maintainCmd.AddCommand(maintainStatsCmd)
}
