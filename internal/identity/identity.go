// Package identity owns the agent's long-term keypair: loading, creation,
// ephemeral mode, and the authorized-export gate for the secret key.
package identity

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/store"
)

const identityFile = "identity.json"

// Identity is the agent's keypair, hex-encoded. Immutable after load.
type Identity struct {
	SecretKey string
	PublicKey string
}

type identityRecord struct {
	SecretKey string `json:"secretKey"`
}

// Generate draws a fresh keypair without touching disk.
func Generate() (Identity, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: derive pubkey: %w", err)
	}
	return Identity{SecretKey: sk, PublicKey: pk}, nil
}

// Load reads the saved identity from a data directory. The file must be a
// regular file with owner-only permissions.
func Load(dataDir string) (Identity, error) {
	var rec identityRecord
	if err := store.ReadJSONSecret(filepath.Join(dataDir, identityFile), &rec); err != nil {
		return Identity{}, err
	}
	return fromSecret(rec.SecretKey)
}

// LoadOrCreate loads the saved identity, generating and persisting one when
// none exists. Ephemeral mode always generates and never reads or writes the
// file, even when a saved identity exists.
func LoadOrCreate(dataDir string, ephemeral bool) (Identity, error) {
	if ephemeral {
		id, err := Generate()
		if err != nil {
			return Identity{}, err
		}
		slog.Info("identity: ephemeral keypair", "pubkey", ShortKey(id.PublicKey))
		return id, nil
	}

	id, err := Load(dataDir)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return Identity{}, fmt.Errorf("identity: load: %w", err)
	}

	id, err = Generate()
	if err != nil {
		return Identity{}, err
	}
	if err := id.save(dataDir); err != nil {
		return Identity{}, err
	}
	slog.Info("identity: new keypair saved", "pubkey", ShortKey(id.PublicKey))
	return id, nil
}

func (id Identity) save(dataDir string) error {
	return store.WriteJSON(filepath.Join(dataDir, identityFile), identityRecord{SecretKey: id.SecretKey}, 0o600)
}

func fromSecret(sk string) (Identity, error) {
	sk = strings.TrimSpace(strings.ToLower(sk))
	if !isHexKey(sk) {
		return Identity{}, fmt.Errorf("identity: secret key is not 64 hex chars")
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: derive pubkey: %w", err)
	}
	return Identity{SecretKey: sk, PublicKey: pk}, nil
}

// Npub returns the bech32 form of the public key.
func (id Identity) Npub() (string, error) { return EncodeNpub(id.PublicKey) }

// ExportSecret returns the secret key in hex and bech32 form when token
// matches one of the entries in SECRET_KEY_EXPORT_AUTH. Denials are logged.
func (id Identity) ExportSecret(token string) (hexKey, nsec string, err error) {
	if !exportAuthorized(token) {
		slog.Warn("identity: secret export denied")
		return "", "", fault.New(fault.ExportDenied, "secret key export not authorized")
	}
	nsec, err = EncodeNsec(id.SecretKey)
	if err != nil {
		return "", "", err
	}
	return id.SecretKey, nsec, nil
}

func exportAuthorized(token string) bool {
	allowed := os.Getenv("SECRET_KEY_EXPORT_AUTH")
	if allowed == "" || token == "" {
		return false
	}
	for _, t := range strings.Split(allowed, ",") {
		if strings.TrimSpace(t) == token {
			return true
		}
	}
	return false
}

func isHexKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ShortKey shortens a hex key for log lines.
func ShortKey(pk string) string {
	if len(pk) <= 8 {
		return pk
	}
	return pk[:8]
}
