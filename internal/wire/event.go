package wire

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/agent-pulse/pulse/internal/fault"
)

const (
	// EventKind is the parameterized-replaceable kind all agent traffic uses.
	EventKind = 30078

	// MaxContentSize bounds event content on both send and receive.
	MaxContentSize = 8 * 1024

	// subscribeLookback is how far back the topic filter reaches, in seconds.
	subscribeLookback = 300
)

// BuildEvent assembles and signs a topic event around the given content.
func BuildEvent(secretHex, topic, content string) (*nostr.Event, error) {
	if topic == "" {
		return nil, fault.New(fault.InvalidArgs, "empty topic")
	}
	if len(content) > MaxContentSize {
		return nil, fault.New(fault.InvalidArgs, "content is %d bytes, limit %d", len(content), MaxContentSize)
	}
	evt := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      EventKind,
		Tags:      nostr.Tags{{"d", topic}},
		Content:   content,
	}
	if err := evt.Sign(secretHex); err != nil {
		return nil, fmt.Errorf("wire: sign event: %w", err)
	}
	return evt, nil
}

// VerifyEvent checks an incoming event's shape, id and signature. Failing
// events are dropped by the caller; the error explains why for debug logs.
func VerifyEvent(evt *nostr.Event) error {
	if evt == nil {
		return fmt.Errorf("nil event")
	}
	if !isHex(evt.ID, 64) {
		return fmt.Errorf("bad id %q", evt.ID)
	}
	if !isHex(evt.PubKey, 64) {
		return fmt.Errorf("bad pubkey %q", evt.PubKey)
	}
	if !isHex(evt.Sig, 128) {
		return fmt.Errorf("bad signature length")
	}
	if len(evt.Content) > MaxContentSize {
		return fmt.Errorf("content too large (%d bytes)", len(evt.Content))
	}
	if evt.GetID() != evt.ID {
		return fmt.Errorf("id does not match canonical hash")
	}
	ok, err := evt.CheckSignature()
	if err != nil {
		return fmt.Errorf("check signature: %w", err)
	}
	if !ok {
		return fmt.Errorf("signature invalid")
	}
	return nil
}

// Topic returns the event's d-tag value, or "" when missing.
func Topic(evt *nostr.Event) string {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// TopicFilter is the subscription filter for one topic: our kind, the d tag,
// and a short lookback so reconnects pick up the recent tail.
func TopicFilter(topic string) nostr.Filter {
	since := nostr.Timestamp(time.Now().Unix() - subscribeLookback)
	return nostr.Filter{
		Kinds: []int{EventKind},
		Tags:  nostr.TagMap{"d": []string{topic}},
		Since: &since,
	}
}

func isHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
