// internal/attest/verify.go
package attest

import (
	"crypto"
	"crypto/rsa"
	"encoding/hex"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aceteam-ai/greencert/internal/telemetry"
)

// Verify reports whether signature is a valid RSA-PSS/SHA-256 signature over
// payload. It never panics and never returns an error: anything unexpected is
// a failed verification.
func Verify(payload, signature []byte, publicKey crypto.PublicKey) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	key, isRSA := publicKey.(*rsa.PublicKey)
	if !isRSA || key == nil || key.N == nil {
		return false
	}
	if len(signature) == 0 || len(signature) != key.Size() {
		return false
	}
	return jwt.SigningMethodPS256.Verify(string(payload), signature, key) == nil
}

// VerifyReading checks a reading's hex signature against the node's PEM key
// using the same canonical form the agent signed.
func VerifyReading(r telemetry.Reading, publicKeyPEM string) bool {
	if strings.TrimSpace(publicKeyPEM) == "" {
		return false
	}
	key, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return false
	}
	payload, err := r.Canonical()
	if err != nil {
		return false
	}
	return Verify(payload, sig, key)
}

// SignReading fills in the reading's hex signature.
func SignReading(s Signer, r telemetry.Reading) (telemetry.Reading, error) {
	payload, err := r.Canonical()
	if err != nil {
		return r, err
	}
	sig, err := s.Sign(payload)
	if err != nil {
		return r, err
	}
	r.Signature = hex.EncodeToString(sig)
	return r, nil
}
