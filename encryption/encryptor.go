// Package encryption provides reversible encryption for secrets at rest.
//
// The OAuth subsystem passes every persisted access token, refresh token,
// and request-token secret through an Encryptor before storage; values are
// decrypted only at point of use (token refresh, revocation, signing).
//
// Two AEAD implementations are provided:
//   - AES-256-GCM (default, widely supported)
//   - ChaCha20-Poly1305 (fast on CPUs without AES hardware acceleration)
package encryption

// Encryptor defines the interface for symmetric encryption and decryption.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Algorithm represents supported encryption algorithms.
type Algorithm string

const (
	// AlgorithmAESGCM is AES-256-GCM (default).
	AlgorithmAESGCM Algorithm = "aes-256-gcm"

	// AlgorithmChaCha20 is ChaCha20-Poly1305.
	AlgorithmChaCha20 Algorithm = "chacha20-poly1305"
)

// Option configures the encryption service.
type Option func(*options)

type options struct {
	algorithm Algorithm
}

// WithAlgorithm selects the encryption algorithm (default: AES-256-GCM).
func WithAlgorithm(alg Algorithm) Option {
	return func(o *options) { o.algorithm = alg }
}

// New creates an Encryptor with the given key and options.
// The key is hashed to the required length for the chosen algorithm.
func New(key string, opts ...Option) (Encryptor, error) {
	o := &options{algorithm: AlgorithmAESGCM}
	for _, opt := range opts {
		opt(o)
	}

	switch o.algorithm {
	case AlgorithmChaCha20:
		return NewChaCha20(key)
	default:
		return NewAESGCM(key)
	}
}
