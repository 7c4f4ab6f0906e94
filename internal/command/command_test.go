package command

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agent-pulse/pulse/internal/store"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	dir := t.TempDir()
	return NewChannel(dir, store.NewLock(dir))
}

func TestPushDrainOrder(t *testing.T) {
	ch := newTestChannel(t)

	for i := 0; i < 5; i++ {
		cmd := NewCommand(TypeSend)
		cmd.Content = fmt.Sprintf("msg-%d", i)
		if err := ch.Push(cmd); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	cmds, err := ch.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(cmds) != 5 {
		t.Fatalf("drained %d commands, want 5", len(cmds))
	}
	for i, cmd := range cmds {
		if want := fmt.Sprintf("msg-%d", i); cmd.Content != want {
			t.Errorf("cmds[%d].Content = %q, want %q", i, cmd.Content, want)
		}
	}

	// Drain truncates: a second drain sees nothing.
	again, err := ch.Drain()
	if err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second drain returned %d commands, want 0", len(again))
	}
}

func TestDrainSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	ch := NewChannel(dir, store.NewLock(dir))

	good := NewCommand(TypeStop)
	if err := ch.Push(good); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := store.AppendLine(filepath.Join(dir, commandsFile), []byte("{broken"), 0o600); err != nil {
		t.Fatalf("append garbage: %v", err)
	}

	cmds, err := ch.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(cmds) != 1 || cmds[0].ID != good.ID {
		t.Fatalf("drained %+v, want only %s", cmds, good.ID)
	}
}

func TestConcurrentPushesAllSurvive(t *testing.T) {
	ch := newTestChannel(t)

	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				cmd := NewCommand(TypeSend)
				cmd.Content = fmt.Sprintf("w%d-%d", w, i)
				if err := ch.Push(cmd); err != nil {
					t.Errorf("Push: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	cmds, err := ch.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(cmds) != writers*perWriter {
		t.Fatalf("drained %d commands, want %d", len(cmds), writers*perWriter)
	}
	seen := make(map[string]bool, len(cmds))
	for _, cmd := range cmds {
		if seen[cmd.Content] {
			t.Errorf("duplicate command %q", cmd.Content)
		}
		seen[cmd.Content] = true
	}
}

func TestResultsAndResultFor(t *testing.T) {
	ch := newTestChannel(t)

	if err := ch.PushResult(Result{CmdID: "a", Success: true, TS: 1}); err != nil {
		t.Fatalf("PushResult: %v", err)
	}
	if err := ch.PushResult(Result{CmdID: "b", Success: false, Code: "TIMEOUT", TS: 2}); err != nil {
		t.Fatalf("PushResult: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, ok := ch.ResultFor(ctx, "b")
	if !ok {
		t.Fatal("ResultFor(b) = not found")
	}
	if res.Success || res.Code != "TIMEOUT" {
		t.Errorf("ResultFor(b) = %+v", res)
	}

	// Missing id times out rather than blocking forever.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel2()
	if _, ok := ch.ResultFor(ctx2, "nope"); ok {
		t.Error("ResultFor(nope) found a result")
	}
}

func TestResultForSeesLateArrival(t *testing.T) {
	ch := newTestChannel(t)

	go func() {
		time.Sleep(150 * time.Millisecond)
		ch.PushResult(Result{CmdID: "late", Success: true, TS: 9})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, ok := ch.ResultFor(ctx, "late")
	if !ok || !res.Success {
		t.Fatalf("ResultFor(late) = %+v, %v", res, ok)
	}
}

func TestPruneResultsKeepsNewest(t *testing.T) {
	ch := newTestChannel(t)

	for i := 0; i < 20; i++ {
		if err := ch.PushResult(Result{CmdID: fmt.Sprintf("r-%d", i), TS: int64(i)}); err != nil {
			t.Fatalf("PushResult: %v", err)
		}
	}
	if err := ch.PruneResults(5); err != nil {
		t.Fatalf("PruneResults: %v", err)
	}

	results, err := ch.Results()
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("kept %d results, want 5", len(results))
	}
	if results[0].CmdID != "r-15" || results[4].CmdID != "r-19" {
		t.Errorf("kept window %s..%s, want r-15..r-19", results[0].CmdID, results[4].CmdID)
	}
}

func TestInboxExecutesAndRecordsResults(t *testing.T) {
	ch := newTestChannel(t)

	handled := make(chan string, 4)
	handler := func(cmd Command) Result {
		handled <- cmd.Content
		if cmd.Content == "bad" {
			return Result{Success: false, Code: "INVALID_ARGS", Message: "no", TS: time.Now().UnixMilli()}
		}
		return OK(cmd.ID)
	}

	inbox := NewInbox(ch, handler, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		inbox.Run(ctx)
		close(done)
	}()

	good := NewCommand(TypeSend)
	good.Content = "good"
	bad := NewCommand(TypeSend)
	bad.Content = "bad"
	if err := ch.Push(good); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := ch.Push(bad); err != nil {
		t.Fatalf("Push: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-handled:
		case <-time.After(3 * time.Second):
			t.Fatal("inbox never drained the commands")
		}
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	res, ok := ch.ResultFor(waitCtx, bad.ID)
	if !ok {
		t.Fatal("no result recorded for failing command")
	}
	if res.Success || res.Code != "INVALID_ARGS" {
		t.Errorf("bad command result = %+v", res)
	}
	res, ok = ch.ResultFor(waitCtx, good.ID)
	if !ok || !res.Success {
		t.Errorf("good command result = %+v, %v", res, ok)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("inbox did not stop on cancel")
	}
}

func TestFailedResultCarriesFaultCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", os.ErrNotExist)
	res := Failed("c1", err)
	if res.Success {
		t.Error("Failed produced a success result")
	}
	if res.Code != "INTERNAL_ERROR" {
		t.Errorf("Code = %q, want INTERNAL_ERROR for unclassified error", res.Code)
	}
	if res.Message == "" {
		t.Error("Message is empty")
	}
}
