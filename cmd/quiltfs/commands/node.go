package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/quiltfs/quiltfs/pkg/model"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage storage nodes",
}

var nodeAddFlags struct {
	address   string
	accessKey string
	secretKey string
	bucket    string
	priority  int
	primary   bool
}

var nodeAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a storage node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()

		node := &model.Node{
			Name:      args[0],
			Address:   nodeAddFlags.address,
			AccessKey: nodeAddFlags.accessKey,
			SecretKey: nodeAddFlags.secretKey,
			Bucket:    nodeAddFlags.bucket,
			Priority:  nodeAddFlags.priority,
			Status:    model.NodeActive,
		}
		if err := svc.AddNode(cmd.Context(), node, nodeAddFlags.primary); err != nil {
			return err
		}
		cmd.Printf("Node %s added with id %d\n", node.Name, node.ID)
		return nil
	},
}

var nodeSetStatusCmd = &cobra.Command{
	Use:   "set-status NODE_ID STATUS",
	Short: "Set a node's administrative status (active, inactive, maintenance)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid node id %q", args[0])
		}
		status := model.NodeStatus(args[1])
		if !status.IsValid() {
			return fmt.Errorf("invalid status %q", args[1])
		}

		svc, _, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := svc.SetNodeStatus(cmd.Context(), uint(id), status); err != nil {
			return err
		}
		cmd.Printf("Node %d is now %s\n", id, status)
		return nil
	},
}

var nodeElectCmd = &cobra.Command{
	Use:   "elect",
	Short: "Run a primary election",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, _, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()

		primary, err := svc.ElectPrimary(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("Primary node: %s (id %d)\n", primary.Name, primary.ID)
		return nil
	},
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all nodes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, _, st, err := openService()
		if err != nil {
			return err
		}
		defer st.Close()

		nodes, err := svc.Store.ListNodes(cmd.Context())
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Name", "Address", "Bucket", "Priority", "Status", "Primary"})
		for i := range nodes {
			n := &nodes[i]
			table.Append([]string{
				strconv.FormatUint(uint64(n.ID), 10),
				n.Name,
				n.Address,
				n.Bucket,
				strconv.Itoa(n.Priority),
				string(n.Status),
				strconv.FormatBool(n.IsPrimary),
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	nodeAddCmd.Flags().StringVar(&nodeAddFlags.address, "address", "", "node address (host:port)")
	nodeAddCmd.Flags().StringVar(&nodeAddFlags.accessKey, "access-key", "", "node access key")
	nodeAddCmd.Flags().StringVar(&nodeAddFlags.secretKey, "secret-key", "", "node secret key")
	nodeAddCmd.Flags().StringVar(&nodeAddFlags.bucket, "bucket", "quiltfs", "bucket name on the node")
	nodeAddCmd.Flags().IntVar(&nodeAddFlags.priority, "priority", 100, "placement priority (lower preferred)")
	nodeAddCmd.Flags().BoolVar(&nodeAddFlags.primary, "primary", false, "mark this node primary")
	_ = nodeAddCmd.MarkFlagRequired("address")

	nodeCmd.AddCommand(nodeAddCmd)
	nodeCmd.AddCommand(nodeSetStatusCmd)
	nodeCmd.AddCommand(nodeElectCmd)
	nodeCmd.AddCommand(nodeListCmd)
}
