// cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/greencert/internal/api"
	"github.com/aceteam-ai/greencert/internal/attest"
	"github.com/aceteam-ai/greencert/internal/certificate"
	"github.com/aceteam-ai/greencert/internal/credential"
	"github.com/aceteam-ai/greencert/internal/oracle"
	"github.com/aceteam-ai/greencert/internal/writeback"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the green compute oracle",
	Long: `Starts the oracle HTTP API. Enrolled nodes submit signed energy readings;
the oracle verifies them, resolves grid carbon intensity (WattTime, then
Electricity Maps, then regional averages) and issues a signed certificate
and Verifiable Credential for every inference.

Telemetry and credential writes that fail are parked in the Redis stream
dlq:v1:persistence when Redis is configured, otherwise in a local spool
file. Run 'greencert replay' to write them back.`,
	Example: `  # Serve with defaults (sqlite in ~/.greencert, port 8000)
  greencert serve

  # Serve with a config file on another port
  greencert serve --config /etc/greencert.yaml --addr :9000`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	headerColor.Println("--- 🌱 Starting green compute oracle ---")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	fmt.Printf("   - Store: %s\n", st.Dialect())

	signer, err := attest.LoadOrCreateSigner(cfg.Issuer.KeyPath)
	if err != nil {
		return fmt.Errorf("load issuer key: %w", err)
	}
	fmt.Printf("   - Issuer key: %s\n", cfg.Issuer.KeyPath)

	rc, err := connectRedis(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	var events oracle.EventPublisher
	if rc != nil {
		defer rc.Close()
		events = rc
		fmt.Printf("   - ✅ Connected to Redis (%s)\n", rc.InstanceID())
	}

	failures, where, err := failureQueue(cfg, rc)
	if err != nil {
		return fmt.Errorf("open failure queue: %w", err)
	}
	fmt.Printf("   - Failure queue: %s\n", where)

	writer := writeback.NewWriter(writeback.WriterConfig{
		Sink:      st,
		Failures:  failures,
		Retry:     cfg.Retry.Policy(),
		QueueSize: cfg.Writeback.QueueSize,
		LogFn:     consoleLog("writeback"),
	})
	// The writer outlives ctx so queued writes still land during shutdown.
	writerDone := make(chan struct{})
	go func() {
		writer.Start(context.WithoutCancel(ctx))
		close(writerDone)
	}()
	go func() {
		if _, err := writer.Replay(ctx); err != nil {
			consoleLog("writeback")("warning", fmt.Sprintf("startup replay incomplete: %v", err))
		}
	}()

	engine := credential.NewEngine(credential.EngineConfig{
		Signer:     signer,
		IssuerDID:  cfg.Issuer.DID,
		IssuerName: cfg.Issuer.Name,
	})
	svc := oracle.New(oracle.Config{
		Store:    st,
		Resolver: newResolver(cfg, consoleLog("carbon")),
		Issuer: certificate.NewIssuer(certificate.IssuerConfig{
			Signer:     signer,
			Repository: st,
			Name:       cfg.Issuer.Name,
			Retry:      cfg.Retry.Policy(),
			LogFn:      consoleLog("issuer"),
		}),
		Credentials: engine,
		Writer:      writer,
		Events:      events,
		LogFn:       consoleLog("oracle"),
	})
	fmt.Printf("   - Issuer DID: %s\n", engine.IssuerDID())
	if cfg.Server.EnrollmentToken == "" {
		warnColor.Println("   - ⚠️ No enrollment token set; anyone can enroll new nodes and keys cannot be rotated")
	}

	server := api.NewServer(api.ServerConfig{
		Addr:            cfg.Server.Addr,
		Version:         Version,
		EnrollmentToken: cfg.Server.EnrollmentToken,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		LogFn:           consoleLog("api"),
	}, svc)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		fmt.Printf("\n   - Received signal %v, initiating graceful shutdown...\n", sig)
		cancel()
	}()

	serveErr := server.Start(ctx)

	// Drain queued writes before the store closes.
	writer.Close()
	<-writerDone
	stats := writer.Stats()
	fmt.Printf("   - Deferred writes: %d written, %d parked, %d dropped\n", stats.Written, stats.Escalated, stats.Dropped)

	if serveErr != nil {
		return serveErr
	}
	fmt.Println("--- 🛑 Oracle shutdown complete ---")
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}
