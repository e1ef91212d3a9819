// cmd/replay.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/greencert/internal/writeback"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Write parked telemetry and credentials back to the store",
	Long: `Drains the failure queue (the Redis stream dlq:v1:persistence, or the local
spool when Redis is not configured) and applies each parked write to the
store. Writes that fail again stay in the queue. The oracle also replays
once on startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		rc, err := connectRedis(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		if rc != nil {
			defer rc.Close()
		}
		failures, where, err := failureQueue(cfg, rc)
		if err != nil {
			return fmt.Errorf("open failure queue: %w", err)
		}
		fmt.Printf("--- Replaying %s ---\n", where)

		writer := writeback.NewWriter(writeback.WriterConfig{
			Sink:     st,
			Failures: failures,
			Retry:    cfg.Retry.Policy(),
			LogFn:    consoleLog("writeback"),
		})
		n, err := writer.Replay(ctx)
		if n > 0 {
			goodColor.Printf("✅ Replayed %d parked writes\n", n)
		}
		if err != nil {
			return fmt.Errorf("replay stopped: %w", err)
		}
		if n == 0 {
			fmt.Println("🤷 Nothing to replay.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
}
