package wire

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip04"
)

// EncryptDM encrypts plaintext for a peer using the shared-secret DM scheme.
// The result is the standard "<base64(ct)>?iv=<base64(iv)>" content string.
func EncryptDM(secretHex, peerPubHex, plaintext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubHex, secretHex)
	if err != nil {
		return "", fmt.Errorf("dm: shared secret: %w", err)
	}
	out, err := nip04.Encrypt(plaintext, shared)
	if err != nil {
		return "", fmt.Errorf("dm: encrypt: %w", err)
	}
	return out, nil
}

// DecryptDM reverses EncryptDM given the peer who encrypted it.
func DecryptDM(secretHex, peerPubHex, content string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(peerPubHex, secretHex)
	if err != nil {
		return "", fmt.Errorf("dm: shared secret: %w", err)
	}
	plain, err := nip04.Decrypt(content, shared)
	if err != nil {
		return "", fmt.Errorf("dm: decrypt: %w", err)
	}
	return plain, nil
}

// LooksLikeDM reports whether content has the DM ciphertext shape.
func LooksLikeDM(content string) bool {
	return strings.Contains(content, "?iv=")
}
