package identity

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/agent-pulse/pulse/internal/fault"
)

// EncodeNpub converts a hex public key to its bech32 npub form.
func EncodeNpub(hexKey string) (string, error) {
	npub, err := nip19.EncodePublicKey(hexKey)
	if err != nil {
		return "", fmt.Errorf("bech32: encode npub: %w", err)
	}
	return npub, nil
}

// EncodeNsec converts a hex secret key to its bech32 nsec form.
func EncodeNsec(hexKey string) (string, error) {
	nsec, err := nip19.EncodePrivateKey(hexKey)
	if err != nil {
		return "", fmt.Errorf("bech32: encode nsec: %w", err)
	}
	return nsec, nil
}

// DecodeKey converts a bech32 key back to hex, requiring the given prefix
// ("npub" or "nsec"). A valid bech32 string of the wrong kind fails with
// KEY_TYPE_MISMATCH.
func DecodeKey(s, wantPrefix string) (string, error) {
	prefix, value, err := nip19.Decode(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("bech32: decode: %w", err)
	}
	if prefix != wantPrefix {
		return "", fault.New(fault.KeyTypeMismatch, "got %s, want %s", prefix, wantPrefix)
	}
	hexKey, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("bech32: unexpected payload type %T", value)
	}
	return hexKey, nil
}

// NormalizePubKey accepts a public key as 64-char hex or npub and returns
// lowercase hex. Anything else fails with INVALID_PUBKEY.
func NormalizePubKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		hexKey, err := DecodeKey(s, "npub")
		if err != nil {
			return "", fault.New(fault.InvalidPubKey, "bad npub: %v", err)
		}
		return hexKey, nil
	}
	s = strings.ToLower(s)
	if !isHexKey(s) {
		return "", fault.New(fault.InvalidPubKey, "%q is not a 64-char hex key or npub", s)
	}
	return s, nil
}
