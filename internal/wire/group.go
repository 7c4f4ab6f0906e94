package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	groupKDFSalt     = "agent-p2p-group-v2"
	groupIVRandomLen = 8
	groupNonceLen    = 16
)

// GroupCipher encrypts group traffic under a key derived from the group's
// topic. Every member derives the same key, so possession of the topic string
// is possession of the group.
type GroupCipher struct {
	aead     cipher.AEAD
	ivPrefix []byte
}

// NewGroupCipher derives the AEAD key and IV prefix for a topic.
func NewGroupCipher(topic string) (*GroupCipher, error) {
	if topic == "" {
		return nil, fmt.Errorf("group cipher: empty topic")
	}
	key, err := deriveGroupSecret(topic, "encryption", 32)
	if err != nil {
		return nil, err
	}
	prefix, err := deriveGroupSecret(topic, "iv", groupIVRandomLen)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("group cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, groupNonceLen)
	if err != nil {
		return nil, fmt.Errorf("group cipher: %w", err)
	}
	return &GroupCipher{aead: aead, ivPrefix: prefix}, nil
}

func deriveGroupSecret(topic, info string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(topic), []byte(groupKDFSalt), []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("group cipher: derive %s: %w", info, err)
	}
	return out, nil
}

// Encrypt seals plain into the wire form "<base64(iv8)>:<base64(ct)>".
// The AEAD nonce is the derived 8-byte prefix followed by the random 8 bytes.
func (gc *GroupCipher) Encrypt(plain []byte) (string, error) {
	ivRandom := make([]byte, groupIVRandomLen)
	if _, err := rand.Read(ivRandom); err != nil {
		return "", fmt.Errorf("group cipher: iv: %w", err)
	}
	nonce := append(append([]byte{}, gc.ivPrefix...), ivRandom...)
	sealed := gc.aead.Seal(nil, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(ivRandom) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (gc *GroupCipher) Decrypt(content string) ([]byte, error) {
	ivPart, ctPart, found := strings.Cut(content, ":")
	if !found {
		return nil, fmt.Errorf("group cipher: missing iv separator")
	}
	ivRandom, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil {
		return nil, fmt.Errorf("group cipher: iv base64: %w", err)
	}
	if len(ivRandom) != groupIVRandomLen {
		return nil, fmt.Errorf("group cipher: iv is %d bytes, want %d", len(ivRandom), groupIVRandomLen)
	}
	sealed, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return nil, fmt.Errorf("group cipher: body base64: %w", err)
	}
	nonce := append(append([]byte{}, gc.ivPrefix...), ivRandom...)
	plain, err := gc.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("group cipher: decrypt: %w", err)
	}
	return plain, nil
}
