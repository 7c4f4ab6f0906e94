// Package wire implements the protocol layer: event construction and
// verification, the signed application payload, NIP-04 direct-message
// encryption, and the derived group cipher.
package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Payload types carried in event content.
const (
	TypeAnnounce     = "announce"
	TypeBroadcast    = "broadcast"
	TypeTask         = "task"
	TypeResult       = "result"
	TypeGroupMessage = "group_message"
	TypePing         = "_ping"
)

// Payload is the application-level message inside an event's content,
// after any transport decryption.
type Payload struct {
	Type      string `json:"type"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	TS        int64  `json:"ts,omitempty"`
	Content   any    `json:"content,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	AgentName string `json:"agentName,omitempty"`
	GroupID   string `json:"groupId,omitempty"`
}

// SignedPayload wraps a payload with a Schnorr signature over its canonical
// JSON form (sans the signature field itself).
type SignedPayload struct {
	Content   any    `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature,omitempty"`
}

// CanonicalJSON renders v as deterministic JSON: object keys sorted, numbers
// kept verbatim. Both payload signing and verification hash this form.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("wire: canonicalize: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("wire: canonicalize: %w", err)
	}
	return out, nil
}

func payloadDigest(sp SignedPayload) ([]byte, error) {
	canon, err := CanonicalJSON(map[string]any{
		"content":   sp.Content,
		"timestamp": sp.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canon)
	return sum[:], nil
}

// SignPayload wraps content in a signed envelope with the given timestamp.
func SignPayload(content any, ts int64, secretHex string) (SignedPayload, error) {
	sp := SignedPayload{Content: content, Timestamp: ts}

	skBytes, err := hex.DecodeString(secretHex)
	if err != nil || len(skBytes) != 32 {
		return sp, fmt.Errorf("wire: bad secret key")
	}
	digest, err := payloadDigest(sp)
	if err != nil {
		return sp, err
	}

	priv := secp256k1.PrivKeyFromBytes(skBytes)
	defer priv.Zero()
	sig, err := schnorr.Sign(priv, digest)
	if err != nil {
		return sp, fmt.Errorf("wire: sign payload: %w", err)
	}
	sp.Signature = hex.EncodeToString(sig.Serialize())
	return sp, nil
}

// VerifyPayload checks the envelope signature against the sender's public
// key. An empty signature is a verification failure, not an error.
func VerifyPayload(sp SignedPayload, pubHex string) (bool, error) {
	if sp.Signature == "" {
		return false, nil
	}
	sigBytes, err := hex.DecodeString(sp.Signature)
	if err != nil {
		return false, fmt.Errorf("wire: bad signature hex: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, fmt.Errorf("wire: parse signature: %w", err)
	}
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil || len(pubBytes) != 32 {
		return false, fmt.Errorf("wire: bad pubkey hex")
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return false, fmt.Errorf("wire: parse pubkey: %w", err)
	}
	digest, err := payloadDigest(sp)
	if err != nil {
		return false, err
	}
	return sig.Verify(digest, pub), nil
}

// DecodeEnvelope reports whether raw is a signed-payload envelope and
// returns it when so. The marker is the presence of content, timestamp and
// signature fields.
func DecodeEnvelope(raw []byte) (SignedPayload, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return SignedPayload{}, false
	}
	if _, ok := probe["signature"]; !ok {
		return SignedPayload{}, false
	}
	if _, ok := probe["content"]; !ok {
		return SignedPayload{}, false
	}
	if _, ok := probe["timestamp"]; !ok {
		return SignedPayload{}, false
	}
	var sp SignedPayload
	if err := SafeUnmarshal(raw, &sp); err != nil {
		return SignedPayload{}, false
	}
	return sp, true
}
