// cmd/keygen.go
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/greencert/internal/attest"
)

var keygenForce bool

var keygenCmd = &cobra.Command{
	Use:   "keygen <private-key.pem>",
	Short: "Generate an RSA signing key for an oracle or node",
	Long: `Writes a new 2048-bit RSA private key in PKCS#8 PEM to the given path
(mode 0600) and prints the matching public key. Point issuer.key_path or
agent.key_path at the file. Existing keys are never overwritten unless
--force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err == nil && !keygenForce {
			return fmt.Errorf("%s already exists (use --force to replace it)", path)
		}

		signer, err := attest.NewEphemeralSigner()
		if err != nil {
			return err
		}
		priv, err := signer.PrivateKeyPEM()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("create key dir: %w", err)
		}
		if err := os.WriteFile(path, priv, 0600); err != nil {
			return fmt.Errorf("write key: %w", err)
		}
		pub, err := attest.PublicKeyPEM(signer)
		if err != nil {
			return err
		}

		goodColor.Printf("✅ Private key written to %s\n\n", path)
		fmt.Print(pub)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "overwrite an existing key")
}
