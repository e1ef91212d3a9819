// internal/attest/jws.go
package attest

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// detachedHeader is the protected header for unencoded-payload JWS (RFC 7797).
// The payload is signed as raw bytes and left out of the serialization.
var detachedHeader = func() string {
	h, _ := json.Marshal(map[string]any{
		"alg":  "PS256",
		"b64":  false,
		"crit": []string{"b64"},
	})
	return base64.RawURLEncoding.EncodeToString(h)
}()

// ErrMalformedJWS indicates a detached JWS that is not "<header>..<signature>".
var ErrMalformedJWS = errors.New("malformed detached JWS")

// SignDetached returns a compact detached JWS ("header..signature") over payload.
func SignDetached(s Signer, payload []byte) (string, error) {
	sig, err := s.Sign(signingInput(detachedHeader, payload))
	if err != nil {
		return "", err
	}
	return detachedHeader + ".." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// VerifyDetached checks a detached JWS produced by SignDetached. Fails closed.
func VerifyDetached(jws string, payload []byte, publicKey crypto.PublicKey) bool {
	header, sig, err := splitDetached(jws)
	if err != nil {
		return false
	}
	if header != detachedHeader {
		return false
	}
	return Verify(signingInput(header, payload), sig, publicKey)
}

func splitDetached(jws string) (string, []byte, error) {
	parts := strings.Split(jws, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] != "" || parts[2] == "" {
		return "", nil, ErrMalformedJWS
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedJWS, err)
	}
	return parts[0], sig, nil
}

func signingInput(header string, payload []byte) []byte {
	out := make([]byte, 0, len(header)+1+len(payload))
	out = append(out, header...)
	out = append(out, '.')
	return append(out, payload...)
}
