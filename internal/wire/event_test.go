package wire

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestBuildEventShape(t *testing.T) {
	sk, pk := testKeypair(t)

	evt, err := BuildEvent(sk, "agent-p2p", `{"type":"broadcast"}`)
	if err != nil {
		t.Fatalf("BuildEvent: %v", err)
	}
	if evt.Kind != EventKind {
		t.Errorf("kind = %d, want %d", evt.Kind, EventKind)
	}
	if evt.PubKey != pk {
		t.Errorf("pubkey = %q, want %q", evt.PubKey, pk)
	}
	if got := Topic(evt); got != "agent-p2p" {
		t.Errorf("topic = %q, want agent-p2p", got)
	}
	if err := VerifyEvent(evt); err != nil {
		t.Errorf("VerifyEvent on own event: %v", err)
	}
}

func TestBuildEventRejectsOversizeContent(t *testing.T) {
	sk, _ := testKeypair(t)
	_, err := BuildEvent(sk, "agent-p2p", strings.Repeat("x", MaxContentSize+1))
	if err == nil {
		t.Error("BuildEvent accepted oversize content")
	}
}

func TestBuildEventRejectsEmptyTopic(t *testing.T) {
	sk, _ := testKeypair(t)
	if _, err := BuildEvent(sk, "", "x"); err == nil {
		t.Error("BuildEvent accepted empty topic")
	}
}

func TestVerifyEventRejectsTampering(t *testing.T) {
	sk, _ := testKeypair(t)

	fresh := func() *nostr.Event {
		evt, err := BuildEvent(sk, "agent-p2p", "hello")
		if err != nil {
			t.Fatal(err)
		}
		return evt
	}

	t.Run("content swap", func(t *testing.T) {
		evt := fresh()
		evt.Content = "evil"
		if err := VerifyEvent(evt); err == nil {
			t.Error("verified after content swap")
		}
	})
	t.Run("id swap", func(t *testing.T) {
		evt := fresh()
		evt.ID = strings.Repeat("0", 64)
		if err := VerifyEvent(evt); err == nil {
			t.Error("verified after id swap")
		}
	})
	t.Run("pubkey swap", func(t *testing.T) {
		evt := fresh()
		_, other := testKeypair(t)
		evt.PubKey = other
		if err := VerifyEvent(evt); err == nil {
			t.Error("verified after pubkey swap")
		}
	})
	t.Run("short sig", func(t *testing.T) {
		evt := fresh()
		evt.Sig = "abcd"
		if err := VerifyEvent(evt); err == nil {
			t.Error("verified with short signature")
		}
	})
}

func TestTopicFilter(t *testing.T) {
	f := TopicFilter("group-abc")
	if len(f.Kinds) != 1 || f.Kinds[0] != EventKind {
		t.Errorf("kinds = %v", f.Kinds)
	}
	vals := f.Tags["d"]
	if len(vals) != 1 || vals[0] != "group-abc" {
		t.Errorf("d tag = %v", vals)
	}
	if f.Since == nil {
		t.Fatal("filter has no since")
	}
}
