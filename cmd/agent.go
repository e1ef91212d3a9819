// cmd/agent.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/greencert/internal/agent"
	"github.com/aceteam-ai/greencert/internal/attest"
	"github.com/aceteam-ai/greencert/internal/energy"
	"github.com/aceteam-ai/greencert/internal/platform"
)

var (
	agentOracleURL string
	agentNodeID    string
	agentRegion    string
	agentModelID   string
	agentSampler   string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Meter inference energy on this node and report it to the oracle",
	Long: `Runs the node agent. It enrolls this node's public key with the oracle,
samples power draw every poll interval and closes an inference session on a
timer or when it receives SIGUSR1. Each session becomes a signed reading that
is stored in a local outbox and delivered to the oracle, which answers with a
carbon certificate. Readings survive oracle outages and are resent later.`,
	Example: `  # Report to a local oracle using the simulated sampler
  greencert agent --sampler simulated

  # Close the current session from a serving process
  kill -USR1 $(pgrep -f "greencert agent")`,
	RunE: runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ac := cfg.Agent
	overrideString(&ac.OracleURL, agentOracleURL)
	overrideString(&ac.NodeID, agentNodeID)
	overrideString(&ac.Region, agentRegion)
	overrideString(&ac.ModelID, agentModelID)
	overrideString(&ac.Sampler, agentSampler)

	headerColor.Println("--- ⚡ Starting greencert agent ---")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := platform.HostIdentity(ctx)
	if ac.NodeID == "" {
		ac.NodeID = platform.DefaultNodeID(host)
	}

	var signer *attest.SoftwareSigner
	if ac.KeyPath != "" {
		signer, err = attest.LoadOrCreateSigner(ac.KeyPath)
	} else {
		signer, err = attest.NewEphemeralSigner()
	}
	if err != nil {
		return fmt.Errorf("node key: %w", err)
	}

	sampler, err := platform.NewSampler(platform.SamplerConfig{Kind: ac.Sampler, GPUIndex: ac.GPUIndex})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(ac.OutboxPath), 0755); err != nil {
		return fmt.Errorf("create outbox dir: %w", err)
	}
	outbox, err := agent.OpenOutbox(ac.OutboxPath)
	if err != nil {
		return err
	}
	defer outbox.Close()

	fmt.Printf("   - Node: %s (%s, %s)\n", ac.NodeID, host.Hostname, host.OS)
	fmt.Printf("   - Region: %s  Model: %s\n", ac.Region, ac.ModelID)
	fmt.Printf("   - Sampler: %s every %s, session %s\n", sampler.Name(), ac.PollInterval, ac.SessionLength)
	fmt.Printf("   - Oracle: %s\n", ac.OracleURL)
	if counts, err := outbox.Counts(); err == nil && counts[agent.StatusPending] > 0 {
		fmt.Printf("   - Outbox: %d readings waiting for delivery\n", counts[agent.StatusPending])
	}

	a, err := agent.New(agent.Config{
		NodeID:        ac.NodeID,
		Hostname:      host.Hostname,
		Region:        ac.Region,
		ModelID:       ac.ModelID,
		Signer:        signer,
		Sampler:       sampler,
		Client:        agent.NewClient(agent.ClientConfig{BaseURL: ac.OracleURL, EnrollmentToken: ac.EnrollmentToken}),
		Outbox:        outbox,
		PollInterval:  ac.PollInterval,
		SessionLength: ac.SessionLength,
		SyncInterval:  ac.SyncInterval,
		Fallback:      energy.FallbackPolicy(ac.Fallback),
		EnrollRetry:   cfg.Retry.Policy(),
		LogFn:         consoleLog("agent"),
	})
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		fmt.Printf("\n   - Received signal %v, initiating graceful shutdown...\n", sig)
		cancel()
	}()
	stopBoundary := notifySessionBoundary(a.EndSession)
	defer stopBoundary()

	if err := a.Run(ctx); err != nil {
		return err
	}

	if counts, err := outbox.Counts(); err == nil {
		fmt.Printf("   - Outbox: %d delivered, %d pending, %d rejected\n",
			counts[agent.StatusDelivered], counts[agent.StatusPending], counts[agent.StatusRejected])
	}
	fmt.Println("--- 🛑 Agent stopped ---")
	return nil
}

// overrideString replaces *dst with a non-empty flag value.
func overrideString(dst *string, flag string) {
	if flag != "" {
		*dst = flag
	}
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVar(&agentOracleURL, "oracle", "", "oracle base URL (overrides agent.oracle_url)")
	agentCmd.Flags().StringVar(&agentNodeID, "node-id", "", "node id (default: hostname)")
	agentCmd.Flags().StringVar(&agentRegion, "region", "", "grid region, e.g. us-east")
	agentCmd.Flags().StringVar(&agentModelID, "model", "", "model id stamped on readings")
	agentCmd.Flags().StringVar(&agentSampler, "sampler", "", "power sampler: auto, nvidia, cpu, simulated")
}
