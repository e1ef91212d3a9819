// cmd/export.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/greencert/internal/attest"
	"github.com/aceteam-ai/greencert/internal/credential"
	"github.com/aceteam-ai/greencert/internal/oracle"
)

var (
	exportFrom   string
	exportTo     string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export issued certificates as a compliance CSV",
	Long: `Writes every certificate issued in [--from, --to) as CSV, oldest first.
Each row is re-verified against the issuer key before it is written.
Bounds accept RFC 3339 timestamps or plain dates (2026-01-31).`,
	Example: `  # Everything issued in January
  greencert export --from 2026-01-01 --to 2026-02-01 -o january.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseBound(exportFrom)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		to, err := parseBound(exportTo)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}

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

		signer, err := attest.LoadOrCreateSigner(cfg.Issuer.KeyPath)
		if err != nil {
			return fmt.Errorf("load issuer key: %w", err)
		}
		svc := oracle.New(oracle.Config{
			Store: st,
			Credentials: credential.NewEngine(credential.EngineConfig{
				Signer:     signer,
				IssuerDID:  cfg.Issuer.DID,
				IssuerName: cfg.Issuer.Name,
			}),
			LogFn: consoleLog("export"),
		})

		var out io.Writer = os.Stdout
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			defer f.Close()
			out = f
		}

		n, err := svc.ExportCompliance(ctx, out, from, to)
		if err != nil {
			return err
		}
		if out != os.Stdout {
			goodColor.Printf("✅ Exported %d certificates to %s\n", n, exportOutput)
		}
		return nil
	},
}

// parseBound accepts RFC 3339 or a bare date. Empty means unbounded.
func parseBound(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", v)
	}
	return t, nil
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "start of the window (inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "end of the window (exclusive)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")
}
