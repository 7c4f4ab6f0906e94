package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	storageKeyFile = ".storage_key"
	storageKDFSalt = "agent-pulse-storage"
	storageKDFIter = 100000
	envelopeIVSize = 16
)

// Envelope encrypts message-log lines at rest with AES-256-GCM. Each sealed
// line is base64(iv || ciphertext || tag).
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope builds an envelope from a 32-byte key.
func NewEnvelope(key []byte) (*Envelope, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("envelope: key is %d bytes, want 32", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, envelopeIVSize)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	return &Envelope{aead: aead}, nil
}

// Seal encrypts plain and returns the base64 line form.
func (e *Envelope) Seal(plain []byte) (string, error) {
	iv := make([]byte, envelopeIVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("envelope: iv: %w", err)
	}
	sealed := e.aead.Seal(iv, iv, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (e *Envelope) Open(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("envelope: base64: %w", err)
	}
	if len(raw) < envelopeIVSize {
		return nil, fmt.Errorf("envelope: line too short (%d bytes)", len(raw))
	}
	plain, err := e.aead.Open(nil, raw[:envelopeIVSize], raw[envelopeIVSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: decrypt: %w", err)
	}
	return plain, nil
}

// LoadStorageKey returns the at-rest key for a data directory. When
// AGENT_PULSE_KEY_PASSWORD is set the key is derived from it with
// PBKDF2-SHA256 and nothing touches disk; otherwise a random key is read
// from, or created at, .storage_key (hex, 0600).
func LoadStorageKey(dataDir string) ([]byte, error) {
	if pw := os.Getenv("AGENT_PULSE_KEY_PASSWORD"); pw != "" {
		return pbkdf2.Key([]byte(pw), []byte(storageKDFSalt), storageKDFIter, 32, sha256.New), nil
	}

	path := filepath.Join(dataDir, storageKeyFile)
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("envelope: %s is a symlink, refusing to read", path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("envelope: read key: %w", err)
		}
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("envelope: %s is corrupt", path)
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("envelope: generate key: %w", err)
	}
	if err := WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
