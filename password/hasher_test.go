package password

import (
	"strings"
	"testing"
)

func TestBcryptRoundTrip(t *testing.T) {
	h := NewBcryptHasher(WithCost(4))

	hash, err := h.Hash("correct-horse")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Errorf("expected bcrypt hash, got %q", hash)
	}

	if err := h.Verify("correct-horse", hash); err != nil {
		t.Errorf("expected verify to succeed: %v", err)
	}
	if err := h.Verify("wrong-horse1", hash); err == nil {
		t.Error("expected verify to fail for wrong password")
	}
}

func TestBcryptRejectsShortAndLong(t *testing.T) {
	h := NewBcryptHasher(WithCost(4))
	if _, err := h.Hash("short"); err == nil {
		t.Error("expected error for short password")
	}
	if _, err := h.Hash(strings.Repeat("x", 73)); err == nil {
		t.Error("expected error for over-length password")
	}
}

func TestArgon2RoundTrip(t *testing.T) {
	h := NewArgon2Hasher(WithArgon2Memory(1024))

	hash, err := h.Hash("correct-horse")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("expected argon2id hash, got %q", hash)
	}

	if err := h.Verify("correct-horse", hash); err != nil {
		t.Errorf("expected verify to succeed: %v", err)
	}
	if err := h.Verify("wrong-horse1", hash); err == nil {
		t.Error("expected verify to fail for wrong password")
	}
}

func TestArgon2RejectsMalformedHash(t *testing.T) {
	h := NewArgon2Hasher()
	if err := h.Verify("whatever9", "$bcrypt$not$argon"); err == nil {
		t.Error("expected error for malformed hash")
	}
}

func TestIsCompromised(t *testing.T) {
	h := NewBcryptHasher()

	tests := []struct {
		password string
		want     bool
	}{
		{"password123", true},
		{"PASSWORD123", true},
		{"qwerty", true},
		{"uncommon-and-long-enough", false},
	}

	for _, tc := range tests {
		if got := h.IsCompromised(tc.password); got != tc.want {
			t.Errorf("IsCompromised(%q) = %v, want %v", tc.password, got, tc.want)
		}
	}
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if len(tok) != 64 {
		t.Errorf("expected 64 hex characters, got %d", len(tok))
	}

	tok2, _ := GenerateToken(32)
	if tok == tok2 {
		t.Error("expected distinct tokens")
	}
}

func TestNewHasherFromConfig(t *testing.T) {
	if _, ok := NewHasher(Config{}).(*BcryptHasher); !ok {
		t.Error("expected bcrypt by default")
	}
	if _, ok := NewHasher(Config{Algorithm: AlgorithmArgon2id}).(*Argon2Hasher); !ok {
		t.Error("expected argon2id when configured")
	}
}

func TestNewHasherMinLength(t *testing.T) {
	h := NewHasher(Config{BcryptCost: 4, MinLength: 12})
	if _, err := h.Hash("elevenchars"); err == nil {
		t.Error("expected configured min_length to reject an 11-char password")
	}
	if _, err := h.Hash("twelve chars"); err != nil {
		t.Errorf("expected a 12-char password to pass: %v", err)
	}

	h = NewHasher(Config{Algorithm: AlgorithmArgon2id, Argon2Memory: 1024, MinLength: 12})
	if _, err := h.Hash("elevenchars"); err == nil {
		t.Error("expected configured min_length to apply to argon2id")
	}
}
