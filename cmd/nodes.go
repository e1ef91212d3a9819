// cmd/nodes.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/greencert/internal/oracle"
	"github.com/aceteam-ai/greencert/internal/store"
)

// nodesCmd represents the nodes command
var nodesCmd = &cobra.Command{
	Use:     "nodes",
	Aliases: []string{"ls", "list"},
	Short:   "List nodes enrolled with this oracle",
	Long: `Reads the node registry from the oracle's store and shows each node's
status, grid region and last enrollment time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := adminService()
		if err != nil {
			return err
		}
		defer closeFn()

		nodes, err := svc.Nodes(context.Background())
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			fmt.Println("🤷 No nodes enrolled yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "NODE\tSTATUS\tREGION\tHOSTNAME\tENROLLED")
		fmt.Fprintln(w, "----\t------\t------\t--------\t--------")
		for _, n := range nodes {
			status := goodColor.Sprint("🟢 ACTIVE")
			if n.Status != store.NodeActive {
				status = badColor.Sprint("🔴 " + n.Status)
			}
			enrolled := time.Since(n.UpdatedAt).Round(time.Second).String() + " ago"
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.NodeID, status, n.Region, n.Hostname, enrolled)
		}
		return w.Flush()
	},
}

var nodesRevokeCmd = &cobra.Command{
	Use:   "revoke <node-id>",
	Short: "Stop accepting readings from a node",
	Long: `Marks the node revoked. Its readings are rejected from then on and it
cannot re-enroll under the same id.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := adminService()
		if err != nil {
			return err
		}
		defer closeFn()

		if err := svc.RevokeNode(context.Background(), args[0]); err != nil {
			if oracle.Code(err) == oracle.CodeNotFound {
				return fmt.Errorf("node %q is not enrolled", args[0])
			}
			return err
		}
		warnColor.Printf("✅ Node %s revoked\n", args[0])
		return nil
	},
}

// adminService opens the store for commands that only touch the registry.
func adminService() (*oracle.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(context.Background(), cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	svc := oracle.New(oracle.Config{Store: st, LogFn: consoleLog("oracle")})
	return svc, func() { st.Close() }, nil
}

func init() {
	rootCmd.AddCommand(nodesCmd)
	nodesCmd.AddCommand(nodesRevokeCmd)
}
