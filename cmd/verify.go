// cmd/verify.go
package cmd

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/greencert/internal/attest"
	"github.com/aceteam-ai/greencert/internal/credential"
)

var (
	verifyKeyPath   string
	verifyIssuerDID string
	verifyOracleURL string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <credential.json>",
	Short: "Verify a green compute credential offline",
	Long: `Checks a Verifiable Credential's proof against the issuer's public key
without contacting the oracle's verify endpoint. The key comes from a PEM file
(--issuer-key) or, for convenience, from the oracle's /api/v1/issuer endpoint
(--oracle). Use "-" to read the credential from stdin.`,
	Example: `  # Verify with a key distributed out of band
  greencert verify vc.json --issuer-key issuer.pub.pem

  # Fetch the issuer identity from a running oracle
  curl -s localhost:8000/api/v1/certificate/inf-1/vc | greencert verify - --oracle http://localhost:8000`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

type issuerIdentity struct {
	DID          string `json:"did"`
	PublicKeyPEM string `json:"public_key"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read credential: %w", err)
	}

	vc, err := credential.Deserialize(data)
	if err != nil {
		return err
	}

	did, pub, err := resolveIssuerKey(cmd.Context())
	if err != nil {
		return err
	}
	Debug("verifying %s against %s", vc.ID, did)

	checkErr := credential.Check(vc, did, pub)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	s := vc.CredentialSubject
	m := s.EnergyMetrics
	fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("Credential"), vc.ID)
	fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("Issuer"), vc.Issuer.ID)
	fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("Inference"), s.InferenceID)
	fmt.Fprintf(w, "%s\t%s / %s\n", labelColor.Sprint("Node / model"), s.HardwareID, s.ModelID)
	fmt.Fprintf(w, "%s\t%g %s\n", labelColor.Sprint("Energy"), m.EnergyConsumed.Value, m.EnergyConsumed.Unit)
	fmt.Fprintf(w, "%s\t%g %s (%s)\n", labelColor.Sprint("Intensity"), m.CarbonIntensity.Value, m.CarbonIntensity.Unit, m.CarbonIntensity.Source)
	fmt.Fprintf(w, "%s\t%g %s\n", labelColor.Sprint("Emissions"), m.TotalEmissions.Value, m.TotalEmissions.Unit)
	w.Flush()
	fmt.Println()

	if checkErr != nil {
		badColor.Printf("✗ INVALID: %v\n", checkErr)
		return fmt.Errorf("credential failed verification")
	}
	goodColor.Println("✓ VALID: proof matches issuer key and subject is consistent")
	return nil
}

// resolveIssuerKey returns the issuer DID and key from --issuer-key or --oracle.
func resolveIssuerKey(ctx context.Context) (string, crypto.PublicKey, error) {
	switch {
	case verifyKeyPath != "":
		data, err := os.ReadFile(verifyKeyPath)
		if err != nil {
			return "", nil, fmt.Errorf("read issuer key: %w", err)
		}
		pub, err := attest.ParsePublicKeyPEM(string(data))
		if err != nil {
			return "", nil, err
		}
		return verifyIssuerDID, pub, nil

	case verifyOracleURL != "":
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(verifyOracleURL, "/")+"/api/v1/issuer", nil)
		if err != nil {
			return "", nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", nil, fmt.Errorf("fetch issuer: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", nil, fmt.Errorf("fetch issuer: status %d", resp.StatusCode)
		}
		var id issuerIdentity
		if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
			return "", nil, fmt.Errorf("decode issuer: %w", err)
		}
		pub, err := attest.ParsePublicKeyPEM(id.PublicKeyPEM)
		if err != nil {
			return "", nil, err
		}
		did := id.DID
		if verifyIssuerDID != credential.DefaultIssuerDID {
			did = verifyIssuerDID
		}
		return did, pub, nil

	default:
		return "", nil, fmt.Errorf("one of --issuer-key or --oracle is required")
	}
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&verifyKeyPath, "issuer-key", "", "issuer public key (PEM)")
	verifyCmd.Flags().StringVar(&verifyIssuerDID, "issuer-did", credential.DefaultIssuerDID, "expected issuer DID")
	verifyCmd.Flags().StringVar(&verifyOracleURL, "oracle", "", "fetch the issuer identity from this oracle")
}
