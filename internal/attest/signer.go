// Package attest holds the attestation signing capability and the fail-closed
// signature verifier.
//
// The software signer is a stand-in for a hardware root of trust (TPM/TEE).
// Callers only depend on the Signer interface, so a hardware-backed
// implementation can replace it without touching them.
package attest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v5"
)

// KeyBits is the modulus size of generated RSA keys.
const KeyBits = 2048

// Key errors
var (
	// ErrInvalidKeyPEM indicates the PEM block could not be parsed as a key
	ErrInvalidKeyPEM = errors.New("invalid key PEM")

	// ErrUnsupportedKey indicates a key type other than RSA
	ErrUnsupportedKey = errors.New("unsupported key type, RSA required")
)

// Signer is the attestation capability: sign bytes and expose the public key.
type Signer interface {
	// Sign returns a signature over data.
	Sign(data []byte) ([]byte, error)

	// PublicKey returns the verification key for signatures from Sign.
	PublicKey() crypto.PublicKey
}

// SoftwareSigner signs with an in-memory RSA key using RSA-PSS over SHA-256.
// PSS salts are random, so two signatures over the same bytes differ.
type SoftwareSigner struct {
	key *rsa.PrivateKey
}

// NewEphemeralSigner generates a fresh key pair that lives for this process only.
func NewEphemeralSigner() (*SoftwareSigner, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &SoftwareSigner{key: key}, nil
}

// LoadOrCreateSigner reads a PKCS#8 private key from path, generating and
// writing one (mode 0600) if the file does not exist.
func LoadOrCreateSigner(path string) (*SoftwareSigner, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return ParsePrivateKeyPEM(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing key %s: %w", path, err)
	}

	signer, err := NewEphemeralSigner()
	if err != nil {
		return nil, err
	}
	pemBytes, err := signer.PrivateKeyPEM()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return nil, fmt.Errorf("write signing key %s: %w", path, err)
	}
	return signer, nil
}

// ParsePrivateKeyPEM builds a signer from a PKCS#8 or PKCS#1 RSA private key.
func ParsePrivateKeyPEM(data []byte) (*SoftwareSigner, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidKeyPEM
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &SoftwareSigner{key: key}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPEM, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	return &SoftwareSigner{key: key}, nil
}

// Sign produces an RSA-PSS/SHA-256 signature over data.
func (s *SoftwareSigner) Sign(data []byte) ([]byte, error) {
	sig, err := jwt.SigningMethodPS256.Sign(string(data), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// PublicKey returns the RSA public key.
func (s *SoftwareSigner) PublicKey() crypto.PublicKey {
	return &s.key.PublicKey
}

// PrivateKeyPEM encodes the private key as PKCS#8 PEM.
func (s *SoftwareSigner) PrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(s.key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// PublicKeyPEM encodes a signer's public key as PKIX PEM.
func PublicKeyPEM(s Signer) (string, error) {
	return EncodePublicKeyPEM(s.PublicKey())
}

// EncodePublicKeyPEM encodes a public key as PKIX PEM.
func EncodePublicKeyPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKeyPEM decodes a PKIX PEM RSA public key.
func ParsePublicKeyPEM(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, ErrInvalidKeyPEM
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPEM, err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	return key, nil
}

var _ Signer = (*SoftwareSigner)(nil)
