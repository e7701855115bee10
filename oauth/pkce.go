package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/kbukum/authkit/errors"
	"github.com/kbukum/authkit/password"
)

// stateBytes is the random length of OAuth state values. 32 bytes is
// double the minimum the protocol demands.
const stateBytes = 32

// generateState returns a fresh unguessable state value.
func generateState() (string, error) {
	s, err := password.GenerateToken(stateBytes)
	if err != nil {
		return "", errors.Internal(err)
	}
	return s, nil
}

// pkcePair is a PKCE verifier and its S256 challenge.
type pkcePair struct {
	Verifier  string
	Challenge string
	Method    string
}

// generatePKCE builds an RFC 7636 verifier/challenge pair. The verifier
// is 43 characters of base64url-encoded randomness; the challenge is
// the base64url-encoded SHA-256 of the verifier.
func generatePKCE() (*pkcePair, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, errors.Internal(err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	return &pkcePair{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
		Method:    "S256",
	}, nil
}
