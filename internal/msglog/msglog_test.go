package msglog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/agent-pulse/pulse/internal/store"
)

func testLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	env, err := store.NewEnvelope(bytes.Repeat([]byte{5}, 32))
	if err != nil {
		t.Fatal(err)
	}
	return New(dir, env, store.NewLock(dir)), dir
}

func msg(id, from string, ts int64, content any) StoredMessage {
	return StoredMessage{ID: id, From: from, Content: content, Timestamp: ts, ReceivedAt: ts + 1}
}

func TestAppendPeekDrain(t *testing.T) {
	l, _ := testLog(t)

	for i := 0; i < 3; i++ {
		if err := l.Append(msg(fmt.Sprintf("id-%d", i), "alice", int64(100+i), fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	peeked, err := l.Peek(Filter{})
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(peeked) != 3 {
		t.Fatalf("Peek = %d messages, want 3", len(peeked))
	}

	// Peek must not consume.
	again, err := l.Peek(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 3 {
		t.Errorf("second Peek = %d messages, want 3", len(again))
	}

	drained, err := l.Drain(Filter{})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(drained) != 3 {
		t.Fatalf("Drain = %d messages, want 3", len(drained))
	}
	if drained[0].ID != "id-0" || drained[2].ID != "id-2" {
		t.Errorf("drain order wrong: %+v", drained)
	}

	empty, err := l.Peek(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("log not empty after drain: %d messages", len(empty))
	}
}

func TestDrainKeepsNonMatching(t *testing.T) {
	l, _ := testLog(t)

	gid := "grp1"
	if err := l.Append(msg("d1", "alice", 100, "direct")); err != nil {
		t.Fatal(err)
	}
	g := msg("g1", "bob", 200, "group msg")
	g.IsGroup = true
	g.GroupID = &gid
	if err := l.Append(g); err != nil {
		t.Fatal(err)
	}

	drained, err := l.Drain(Filter{Group: "-"})
	if err != nil {
		t.Fatal(err)
	}
	if len(drained) != 1 || drained[0].ID != "d1" {
		t.Fatalf("drained = %+v, want just d1", drained)
	}

	left, err := l.Peek(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].ID != "g1" {
		t.Errorf("left = %+v, want just g1", left)
	}
}

func TestLinesAreEncryptedAtRest(t *testing.T) {
	l, dir := testLog(t)
	if err := l.Append(msg("id-1", "alice", 100, "super secret words")); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, messagesFile))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("super secret")) {
		t.Error("plaintext found in the on-disk log")
	}
	if bytes.Contains(raw, []byte("alice")) {
		t.Error("sender found in the on-disk log")
	}
}

func TestCorruptLinesAreSkipped(t *testing.T) {
	l, dir := testLog(t)
	if err := l.Append(msg("id-1", "alice", 100, "ok")); err != nil {
		t.Fatal(err)
	}
	// Tear the file: garbage line plus a partial base64 line.
	path := filepath.Join(dir, messagesFile)
	if err := store.AppendLine(path, []byte("not base64 at all"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(msg("id-2", "alice", 101, "also ok")); err != nil {
		t.Fatal(err)
	}

	msgs, err := l.Peek(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want 2 surviving", len(msgs))
	}
}

func TestPrune(t *testing.T) {
	l, _ := testLog(t)
	for i := 0; i < 10; i++ {
		if err := l.Append(msg(fmt.Sprintf("id-%d", i), "a", int64(i), "x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Prune(4); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	msgs, err := l.Peek(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages after prune, want 4", len(msgs))
	}
	if msgs[0].ID != "id-6" {
		t.Errorf("oldest surviving = %s, want id-6", msgs[0].ID)
	}
}

func TestFilter(t *testing.T) {
	gid := "g1"
	group := StoredMessage{ID: "m3", From: "carol", Content: "group hello", Timestamp: 300, IsGroup: true, GroupID: &gid}
	msgs := []StoredMessage{
		msg("m1", "alice", 100, "hello world"),
		msg("m2", "bob", 200, map[string]any{"task": "deploy"}),
		group,
		msg("m4", "alice", 400, "bye"),
	}

	tests := []struct {
		name string
		f    Filter
		want []string
	}{
		{"all", Filter{}, []string{"m1", "m2", "m3", "m4"}},
		{"from", Filter{From: "alice"}, []string{"m1", "m4"}},
		{"since", Filter{Since: 200}, []string{"m2", "m3", "m4"}},
		{"until", Filter{Until: 200}, []string{"m1", "m2"}},
		{"window", Filter{Since: 150, Until: 350}, []string{"m2", "m3"}},
		{"search string", Filter{Search: "WORLD"}, []string{"m1"}},
		{"search object", Filter{Search: "deploy"}, []string{"m2"}},
		{"group", Filter{Group: "g1"}, []string{"m3"}},
		{"direct only", Filter{Group: "-"}, []string{"m1", "m2", "m4"}},
		{"limit", Filter{Limit: 2}, []string{"m1", "m2"}},
		{"offset", Filter{Offset: 3}, []string{"m4"}},
		{"offset past end", Filter{Offset: 10}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.f.Apply(msgs)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d messages, want %d: %+v", len(got), len(tt.want), got)
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("result[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}
