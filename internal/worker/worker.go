// Package worker is the long-running half of the agent. One worker process
// owns the relay pool, the dispatcher, the command inbox, and the retry
// queue; CLI processes talk to it only through files in the data directory.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/agent-pulse/pulse/internal/command"
	"github.com/agent-pulse/pulse/internal/config"
	"github.com/agent-pulse/pulse/internal/dispatch"
	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/group"
	"github.com/agent-pulse/pulse/internal/identity"
	"github.com/agent-pulse/pulse/internal/msglog"
	"github.com/agent-pulse/pulse/internal/peers"
	"github.com/agent-pulse/pulse/internal/queue"
	"github.com/agent-pulse/pulse/internal/relay"
	"github.com/agent-pulse/pulse/internal/service"
	"github.com/agent-pulse/pulse/internal/store"
	"github.com/agent-pulse/pulse/internal/wire"
)

// Tick intervals for the supervisor loop.
const (
	retryInterval    = 10 * time.Second
	healthInterval   = 5 * time.Second
	pingInterval     = 30 * time.Second
	cleanupInterval  = 10 * time.Minute
	announceInterval = 10 * time.Minute
)

const (
	idleSenderAge     = 10 * time.Minute
	maxStoredMessages = 10000

	// healthTopicSuffix keeps ping events off the primary topic: the event
	// kind is replaceable, so a ping on the primary topic would displace
	// the agent's latest real message on the relay.
	healthTopicSuffix = "-health"

	// Command rate limit: bursts up to the cap, sustained one per second.
	cmdBucketCap    = 10
	cmdRefillPerSec = 1
)

// Worker wires every component together and runs the tick loop.
type Worker struct {
	cfg config.Config
	id  identity.Identity

	lock    *store.Lock
	mlog    *msglog.Log
	groups  *group.Manager
	queue   *queue.Queue
	peers   *peers.Cache
	pool    *relay.Pool
	disp    *dispatch.Dispatcher
	channel *command.Channel
	inbox   *command.Inbox

	counters   *dispatch.Counters
	cmdLimiter *dispatch.TokenBucket

	cmu     sync.Mutex
	ciphers map[string]*wire.GroupCipher

	startedAt time.Time
	runCtx    context.Context
	cancel    context.CancelFunc
}

// New assembles a worker from cfg. Nothing connects until Run.
func New(cfg config.Config, ephemeral bool) (*Worker, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fault.Wrap(fault.FileError, err)
	}

	id, err := identity.LoadOrCreate(cfg.DataDir, ephemeral)
	if err != nil {
		return nil, err
	}
	key, err := store.LoadStorageKey(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	env, err := store.NewEnvelope(key)
	if err != nil {
		return nil, err
	}

	lock := store.NewLock(cfg.DataDir)
	mlog := msglog.New(cfg.DataDir, env, lock)

	groups, err := group.NewManager(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	q, err := queue.Open(cfg.DataDir, queue.Options{MaxSize: cfg.MaxQueue, MaxRetries: cfg.MaxRetries})
	if err != nil {
		return nil, err
	}
	pc, err := peers.NewCache(cfg.PeerCache)
	if err != nil {
		return nil, err
	}
	// Re-seed from the last snapshot, oldest first so the most recently
	// seen peers are also the last the LRU would evict.
	if saved, err := ReadPeers(cfg.DataDir); err == nil {
		for i := len(saved) - 1; i >= 0; i-- {
			pc.Touch(saved[i].PubKey, saved[i].AgentName, saved[i].LastSeen)
		}
	}

	counters := &dispatch.Counters{}
	disp, err := dispatch.New(dispatch.Config{
		OwnPubKey:      id.PublicKey,
		SecretKey:      id.SecretKey,
		Groups:         groups,
		Log:            mlog,
		Peers:          pc,
		Counters:       counters,
		DedupCacheSize: cfg.DedupCache,
		RatePerMinute:  cfg.RatePerMinute,
		WebhookURL:     cfg.WebhookURL,
	})
	if err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:        cfg,
		id:         id,
		lock:       lock,
		mlog:       mlog,
		groups:     groups,
		queue:      q,
		peers:      pc,
		pool:       relay.NewPool(cfg.DataDir, cfg.Relays, relay.Options{MultiPath: cfg.MultiPath}),
		disp:       disp,
		channel:    command.NewChannel(cfg.DataDir, lock),
		counters:   counters,
		cmdLimiter: dispatch.NewTokenBucket(cmdBucketCap, cmdRefillPerSec),
		ciphers:    make(map[string]*wire.GroupCipher),
	}
	w.inbox = command.NewInbox(w.channel, w.handleCommand, 0)
	return w, nil
}

// Run claims the PID file, connects, and blocks until ctx is cancelled or a
// stop command arrives. Signals, stop commands, and panics all funnel into
// the same deferred shutdown: close sessions, flush the queue, clear the
// heartbeat and PID file.
func (w *Worker) Run(ctx context.Context) error {
	if err := service.AcquirePID(w.cfg.DataDir); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.runCtx = ctx
	w.cancel = cancel

	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker: panic", "panic", r, "stack", string(debug.Stack()))
		}
		cancel()
		w.pool.Unsubscribe()
		w.pool.Close()
		if err := w.queue.Flush(); err != nil {
			slog.Warn("worker: queue flush failed", "err", err)
		}
		w.writePeers()
		w.removeHealth()
		service.RemovePID(w.cfg.DataDir)
		slog.Info("worker: stopped")
	}()

	slog.Info("worker: starting",
		"pubkey", identity.ShortKey(w.id.PublicKey),
		"topic", w.cfg.Topic,
		"relays", len(w.cfg.Relays),
		"data_dir", w.cfg.DataDir)

	w.startedAt = time.Now()
	w.resubscribe()
	w.pool.Start(ctx)

	go w.disp.Run(ctx, w.pool.Events())
	go w.inbox.Run(ctx)
	go w.announceWhenReady(ctx)

	w.writeHealth()

	retryT := time.NewTicker(retryInterval)
	defer retryT.Stop()
	healthT := time.NewTicker(healthInterval)
	defer healthT.Stop()
	pingT := time.NewTicker(pingInterval)
	defer pingT.Stop()
	cleanupT := time.NewTicker(cleanupInterval)
	defer cleanupT.Stop()
	announceT := time.NewTicker(announceInterval)
	defer announceT.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-retryT.C:
			w.retrySweep()
		case <-healthT.C:
			w.writeHealth()
		case <-pingT.C:
			w.pingRelays()
		case <-cleanupT.C:
			w.cleanup()
		case <-announceT.C:
			w.announce()
		}
	}
}

// requestStop ends Run; the stop command calls it from the inbox goroutine.
func (w *Worker) requestStop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// resubscribe installs the primary topic filter plus one per joined group.
// Sessions re-send the whole set after every reconnect.
func (w *Worker) resubscribe() {
	topics := append([]string{w.cfg.Topic}, w.groups.Topics()...)
	seen := make(map[string]bool, len(topics))
	filters := make([]nostr.Filter, 0, len(topics))
	for _, t := range topics {
		if seen[t] {
			continue
		}
		seen[t] = true
		filters = append(filters, wire.TopicFilter(t))
	}
	w.pool.Subscribe(filters...)
	slog.Debug("worker: subscriptions updated", "topics", len(filters))
}

// groupCipher returns the cached cipher for a topic. Both the inbox and the
// retry sweep call this, hence the lock.
func (w *Worker) groupCipher(topic string) (*wire.GroupCipher, error) {
	w.cmu.Lock()
	defer w.cmu.Unlock()
	if c, ok := w.ciphers[topic]; ok {
		return c, nil
	}
	c, err := wire.NewGroupCipher(topic)
	if err != nil {
		return nil, err
	}
	w.ciphers[topic] = c
	return c, nil
}

// retrySweep redelivers due queue entries. Successes are acked; failures
// reschedule with backoff until the retry budget runs out, which files a
// terminal result under the originating command's id.
func (w *Worker) retrySweep() {
	for _, m := range w.queue.Due(time.Now().UnixMilli()) {
		var err error
		switch m.Type {
		case command.TypeSend:
			err = w.publishDirect(m.Target, m.Content)
		case command.TypeGroupSend:
			topic := m.Topic
			if topic == "" {
				topic = m.Target
			}
			var evtID string
			evtID, err = w.publishGroup(topic, m.Content)
			if err == nil {
				if g, ok := w.groups.ByTopic(topic); ok {
					w.appendOwnHistory(g.ID, evtID, m.Content)
				}
			}
		default:
			slog.Warn("worker: dropping queued message of unknown type", "id", m.ID, "type", m.Type)
			w.queue.Ack(m.ID)
			continue
		}

		if err == nil {
			w.queue.Ack(m.ID)
			w.counters.Sent.Add(1)
			slog.Info("worker: queued message delivered", "id", m.ID, "attempt", m.RetryCount+1)
			continue
		}
		if w.queue.Fail(m.ID, err.Error()) {
			w.counters.Errors.Add(1)
			w.reportTerminal(m.ID, fault.New(fault.MessageRetryExhausted,
				"gave up after %d attempts: %v", m.RetryCount+1, err))
			slog.Warn("worker: retries exhausted", "id", m.ID, "target", m.Target)
		}
	}
}

// cleanup expires TTL'd queue entries and trims the append-only files.
func (w *Worker) cleanup() {
	for _, m := range w.queue.ExpireTTL(time.Now().UnixMilli()) {
		w.counters.Errors.Add(1)
		w.reportTerminal(m.ID, fault.New(fault.MessageExpired,
			"undelivered for %s, dropped", time.Since(time.UnixMilli(m.CreatedAt)).Round(time.Second)))
		slog.Warn("worker: queued message expired", "id", m.ID, "target", m.Target)
	}
	w.disp.Limiter().EvictIdle(idleSenderAge)
	if err := w.mlog.Prune(maxStoredMessages); err != nil {
		slog.Warn("worker: message log prune failed", "err", err)
	}
	if err := w.channel.PruneResults(command.MaxResults); err != nil {
		slog.Warn("worker: results prune failed", "err", err)
	}
}

// announce publishes presence on the primary topic so peers learn our name.
func (w *Worker) announce() {
	body, err := json.Marshal(wire.Payload{
		Type:      wire.TypeAnnounce,
		From:      w.id.PublicKey,
		TS:        time.Now().UnixMilli(),
		AgentName: w.cfg.AgentName,
		Nonce:     uuid.NewString(),
	})
	if err != nil {
		return
	}
	evt, err := wire.BuildEvent(w.id.SecretKey, w.cfg.Topic, string(body))
	if err != nil {
		slog.Warn("worker: announce build failed", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(w.runCtx, publishBudget)
	defer cancel()
	if err := w.pool.PublishMulti(ctx, evt); err != nil {
		slog.Debug("worker: announce not delivered", "err", err)
	}
}

// announceWhenReady sends the initial announce once the first relay
// connects; announcing straight from Run would race the session dials.
func (w *Worker) announceWhenReady(ctx context.Context) {
	deadline := time.After(time.Minute)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			slog.Debug("worker: no relay connected for initial announce")
			return
		case <-ticker.C:
			if w.pool.ConnectedCount() > 0 {
				w.announce()
				return
			}
		}
	}
}

// pingRelays publishes a throwaway event on the health topic so every
// connected relay takes a fresh latency sample, then snapshots the scores
// into the health history.
func (w *Worker) pingRelays() {
	body, err := json.Marshal(wire.Payload{
		Type:  wire.TypePing,
		From:  w.id.PublicKey,
		TS:    time.Now().UnixMilli(),
		Nonce: uuid.NewString(),
	})
	if err != nil {
		return
	}
	evt, err := wire.BuildEvent(w.id.SecretKey, w.cfg.Topic+healthTopicSuffix, string(body))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(w.runCtx, publishBudget)
	defer cancel()
	acks := w.pool.Ping(ctx, evt)
	w.pool.Book().RecordHealthPoint()
	slog.Debug("worker: relay ping", "acks", acks, "connected", w.pool.ConnectedCount())
}
