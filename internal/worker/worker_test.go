package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"

	"github.com/agent-pulse/pulse/internal/command"
	"github.com/agent-pulse/pulse/internal/config"
	"github.com/agent-pulse/pulse/internal/group"
	"github.com/agent-pulse/pulse/internal/msglog"
	"github.com/agent-pulse/pulse/internal/service"
	"github.com/agent-pulse/pulse/internal/store"
	"github.com/agent-pulse/pulse/internal/wire"
)

// startTestRelay runs an in-process relay backed by an in-memory store.
func startTestRelay(t *testing.T) (relayURL string, cleanup func()) {
	t.Helper()

	db := &slicestore.SliceStore{}
	if err := db.Init(); err != nil {
		t.Fatalf("slicestore init: %v", err)
	}

	r := khatru.NewRelay()
	r.StoreEvent = append(r.StoreEvent, db.SaveEvent)
	r.ReplaceEvent = append(r.ReplaceEvent, db.ReplaceEvent)
	r.QueryEvents = append(r.QueryEvents, db.QueryEvents)
	r.DeleteEvent = append(r.DeleteEvent, db.DeleteEvent)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &http.Server{Handler: r}
	go func() { _ = server.Serve(ln) }()

	url := fmt.Sprintf("ws://%s", ln.Addr().String())
	return url, func() { _ = server.Shutdown(context.Background()) }
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// liveWorker is a worker running against an embedded relay, plus the same
// handles a CLI process would open against its data directory.
type liveWorker struct {
	w    *Worker
	cfg  config.Config
	ch   *command.Channel
	done chan struct{}
}

func startWorker(t *testing.T, relayURL string) *liveWorker {
	t.Helper()
	cfg := config.Config{
		Relays:        []string{relayURL},
		Topic:         "agent-itest",
		DataDir:       t.TempDir(),
		AgentName:     "itest-agent",
		MaxQueue:      64,
		MaxRetries:    2,
		DedupCache:    128,
		PeerCache:     32,
		MultiPath:     2,
		RatePerMinute: 600,
	}
	w, err := New(cfg, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var runErr error
	go func() {
		runErr = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
			return
		}
		if runErr != nil {
			t.Errorf("worker run: %v", runErr)
		}
	})

	waitUntil(t, 10*time.Second, func() bool { return w.pool.ConnectedCount() == 1 }, "worker to connect")
	return &liveWorker{
		w:    w,
		cfg:  cfg,
		ch:   command.NewChannel(cfg.DataDir, store.NewLock(cfg.DataDir)),
		done: done,
	}
}

func subscribeRaw(t *testing.T, ctx context.Context, relayURL, topic string) (*nostr.Relay, *nostr.Subscription) {
	t.Helper()
	client, err := nostr.RelayConnect(ctx, relayURL)
	if err != nil {
		t.Fatalf("RelayConnect: %v", err)
	}
	sub, err := client.Subscribe(ctx, nostr.Filters{wire.TopicFilter(topic)})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return client, sub
}

func pushAndAwait(t *testing.T, lw *liveWorker, cmd command.Command) command.Result {
	t.Helper()
	if err := lw.ch.Push(cmd); err != nil {
		t.Fatalf("Push: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, ok := lw.ch.ResultFor(ctx, cmd.ID)
	if !ok {
		t.Fatalf("no result for command %s", cmd.ID)
	}
	return res
}

func TestWorkerDeliversDirectMessage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	relayURL, cleanup := startTestRelay(t)
	defer cleanup()
	lw := startWorker(t, relayURL)

	recvSK, recvPK := freshKey(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	client, sub := subscribeRaw(t, ctx, relayURL, lw.cfg.Topic)
	defer client.Close()

	cmd := command.NewCommand(command.TypeSend)
	cmd.Target = recvPK
	cmd.Content = "hello over the wire"
	res := pushAndAwait(t, lw, cmd)
	if !res.Success {
		t.Fatalf("send result: %s: %s", res.Code, res.Message)
	}
	if delivered, _ := res.Data["delivered"].(bool); !delivered {
		t.Errorf("result data = %v, want delivered=true", res.Data)
	}

	// The recipient sees an encrypted DM from the worker's key; announces
	// and other plaintext on the topic are not for us.
	for {
		select {
		case evt := <-sub.Events:
			if !wire.LooksLikeDM(evt.Content) {
				continue
			}
			if evt.PubKey != lw.w.id.PublicKey {
				t.Fatalf("DM from %s, want worker key %s", evt.PubKey, lw.w.id.PublicKey)
			}
			plain, err := wire.DecryptDM(recvSK, evt.PubKey, evt.Content)
			if err != nil {
				t.Fatalf("DecryptDM: %v", err)
			}
			sp, ok := wire.DecodeEnvelope([]byte(plain))
			if !ok {
				t.Fatalf("DM payload is not a signed envelope: %s", plain)
			}
			if sp.Content != "hello over the wire" {
				t.Errorf("content = %v, want the sent text", sp.Content)
			}
			if valid, err := wire.VerifyPayload(sp, evt.PubKey); err != nil || !valid {
				t.Errorf("envelope signature valid=%v err=%v", valid, err)
			}
			return
		case <-ctx.Done():
			t.Fatal("DM never arrived at the recipient")
		}
	}
}

func TestWorkerStoresInboundDM(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	relayURL, cleanup := startTestRelay(t)
	defer cleanup()
	lw := startWorker(t, relayURL)

	senderSK, senderPK := freshKey(t)
	sp, err := wire.SignPayload("status report", time.Now().UnixMilli(), senderSK)
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	plain, err := json.Marshal(sp)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, err := wire.EncryptDM(senderSK, lw.w.id.PublicKey, string(plain))
	if err != nil {
		t.Fatalf("EncryptDM: %v", err)
	}
	evt, err := wire.BuildEvent(senderSK, lw.cfg.Topic, ciphertext)
	if err != nil {
		t.Fatalf("BuildEvent: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := nostr.RelayConnect(ctx, relayURL)
	if err != nil {
		t.Fatalf("RelayConnect: %v", err)
	}
	defer client.Close()
	if err := client.Publish(ctx, *evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// The dispatcher decrypts, verifies, and stores it the same way a CLI
	// recv would read it.
	key, err := store.LoadStorageKey(lw.cfg.DataDir)
	if err != nil {
		t.Fatalf("LoadStorageKey: %v", err)
	}
	envlp, err := store.NewEnvelope(key)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	mlog := msglog.New(lw.cfg.DataDir, envlp, store.NewLock(lw.cfg.DataDir))

	var got []msglog.StoredMessage
	waitUntil(t, 10*time.Second, func() bool {
		got, _ = mlog.Peek(msglog.Filter{})
		return len(got) == 1
	}, "inbound DM to land in the message log")

	m := got[0]
	if m.From != senderPK {
		t.Errorf("From = %s, want %s", m.From, senderPK)
	}
	if m.Content != "status report" {
		t.Errorf("Content = %v, want the sent text", m.Content)
	}
	if m.SignatureValid == nil || !*m.SignatureValid {
		t.Errorf("SignatureValid = %v, want true", m.SignatureValid)
	}

	// The sender is now a known peer.
	waitUntil(t, 5*time.Second, func() bool {
		for _, p := range lw.w.peers.Snapshot() {
			if p.PubKey == senderPK {
				return true
			}
		}
		return false
	}, "sender to appear in the peer cache")
}

func TestWorkerGroupMessageRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	relayURL, cleanup := startTestRelay(t)
	defer cleanup()
	lw := startWorker(t, relayURL)

	create := command.NewCommand(command.TypeGroupCreate)
	create.Name = "deploy crew"
	res := pushAndAwait(t, lw, create)
	if !res.Success {
		t.Fatalf("group create: %s: %s", res.Code, res.Message)
	}
	gid, _ := res.Data["groupId"].(string)
	topic, _ := res.Data["topic"].(string)
	if gid == "" || topic == "" {
		t.Fatalf("create data = %v", res.Data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	client, sub := subscribeRaw(t, ctx, relayURL, topic)
	defer client.Close()

	send := command.NewCommand(command.TypeGroupSend)
	send.GroupID = gid
	send.Content = "deploy at noon"
	res = pushAndAwait(t, lw, send)
	if !res.Success {
		t.Fatalf("group send: %s: %s", res.Code, res.Message)
	}

	select {
	case evt := <-sub.Events:
		gc, err := wire.NewGroupCipher(topic)
		if err != nil {
			t.Fatalf("NewGroupCipher: %v", err)
		}
		plain, err := gc.Decrypt(evt.Content)
		if err != nil {
			t.Fatalf("group Decrypt: %v", err)
		}
		sp, ok := wire.DecodeEnvelope(plain)
		if !ok {
			t.Fatalf("group payload is not a signed envelope: %s", plain)
		}
		if sp.Content != "deploy at noon" {
			t.Errorf("content = %v, want the sent text", sp.Content)
		}
		if valid, err := wire.VerifyPayload(sp, evt.PubKey); err != nil || !valid {
			t.Errorf("envelope signature valid=%v err=%v", valid, err)
		}
	case <-ctx.Done():
		t.Fatal("group message never arrived")
	}

	// The send is also in our own copy of the group history.
	gm, err := group.NewManager(lw.cfg.DataDir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	recs, err := gm.History(gid, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 1 || recs[0].Content != "deploy at noon" || recs[0].From != lw.w.id.PublicKey {
		t.Errorf("history = %+v, want our own message recorded", recs)
	}
}

func TestWorkerAnnouncesPresence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	relayURL, cleanup := startTestRelay(t)
	defer cleanup()
	lw := startWorker(t, relayURL)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	client, sub := subscribeRaw(t, ctx, relayURL, lw.cfg.Topic)
	defer client.Close()

	for {
		select {
		case evt := <-sub.Events:
			if wire.LooksLikeDM(evt.Content) {
				continue
			}
			var p wire.Payload
			if err := json.Unmarshal([]byte(evt.Content), &p); err != nil || p.Type != wire.TypeAnnounce {
				continue
			}
			if err := wire.VerifyEvent(evt); err != nil {
				t.Errorf("announce event verify: %v", err)
			}
			if p.From != lw.w.id.PublicKey {
				t.Errorf("announce from %s, want worker key", p.From)
			}
			if p.AgentName != lw.cfg.AgentName {
				t.Errorf("agentName = %q, want %q", p.AgentName, lw.cfg.AgentName)
			}
			if p.Nonce == "" {
				t.Error("announce carries no nonce")
			}
			return
		case <-ctx.Done():
			t.Fatal("announce never arrived")
		}
	}
}

func TestStopCommandShutsDownCleanly(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	relayURL, cleanup := startTestRelay(t)
	defer cleanup()
	lw := startWorker(t, relayURL)

	if _, err := ReadHealth(lw.cfg.DataDir); err != nil {
		t.Fatalf("no heartbeat while running: %v", err)
	}
	if _, live := service.Running(lw.cfg.DataDir); !live {
		t.Fatal("service not reported running")
	}

	stop := command.NewCommand(command.TypeStop)
	res := pushAndAwait(t, lw, stop)
	if !res.Success {
		t.Fatalf("stop result: %s: %s", res.Code, res.Message)
	}

	select {
	case <-lw.done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit after the stop command")
	}

	if _, live := service.Running(lw.cfg.DataDir); live {
		t.Error("service still reported running after stop")
	}
	if _, err := os.Stat(HealthPath(lw.cfg.DataDir)); !os.IsNotExist(err) {
		t.Error("heartbeat file survived shutdown")
	}
	if _, err := os.Stat(service.PIDPath(lw.cfg.DataDir)); !os.IsNotExist(err) {
		t.Error("pid file survived shutdown")
	}
	// The peer snapshot is the one artifact shutdown keeps.
	if _, err := os.Stat(PeersPath(lw.cfg.DataDir)); err != nil {
		t.Errorf("peers snapshot missing after shutdown: %v", err)
	}
}

func TestRetrySweepDeliversQueuedMessage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	relayURL, cleanup := startTestRelay(t)
	defer cleanup()

	// Pool built but not started: the first send has nowhere to go.
	w := newTestWorker(t, func(cfg *config.Config) { cfg.Relays = []string{relayURL} })
	_, recvPK := freshKey(t)

	res := w.handleCommand(command.Command{ID: "c1", Type: command.TypeSend, Target: recvPK, Content: "delayed hello"})
	if !res.Success {
		t.Fatalf("offline send: %s: %s", res.Code, res.Message)
	}
	if w.queue.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", w.queue.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	client, sub := subscribeRaw(t, ctx, relayURL, w.cfg.Topic)
	defer client.Close()

	w.pool.Start(ctx)
	defer w.pool.Close()
	waitUntil(t, 10*time.Second, func() bool { return w.pool.ConnectedCount() == 1 }, "pool to connect")

	w.retrySweep()
	if w.queue.Len() != 0 {
		t.Errorf("queue length = %d after sweep, want 0", w.queue.Len())
	}
	if w.counters.Sent.Load() != 1 {
		t.Errorf("sent counter = %d, want 1", w.counters.Sent.Load())
	}

	select {
	case evt := <-sub.Events:
		if !wire.LooksLikeDM(evt.Content) {
			t.Errorf("retried message does not look like a DM: %s", evt.Content)
		}
	case <-ctx.Done():
		t.Fatal("retried message never arrived")
	}
}
