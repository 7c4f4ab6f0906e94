// Package dispatch turns verified relay events into stored messages. One
// dispatcher per worker consumes the pool's event channel serially, so
// dedup, replay checks, and sink writes need no further locking.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/agent-pulse/pulse/internal/group"
	"github.com/agent-pulse/pulse/internal/msglog"
	"github.com/agent-pulse/pulse/internal/peers"
	"github.com/agent-pulse/pulse/internal/wire"
)

const (
	// DefaultDedupCache bounds the seen-event LRU.
	DefaultDedupCache = 2048

	webhookTimeout = 5 * time.Second
)

// Counters aggregates traffic stats for the health heartbeat. The worker
// owns Sent and Commands; the dispatcher owns the rest.
type Counters struct {
	Sent        atomic.Int64
	Received    atomic.Int64
	Commands    atomic.Int64
	Errors      atomic.Int64
	RateLimited atomic.Int64
}

// Config wires a dispatcher to its sinks.
type Config struct {
	OwnPubKey string
	SecretKey string

	Groups *group.Manager
	Log    *msglog.Log
	Peers  *peers.Cache

	Counters *Counters

	DedupCacheSize int
	NonceCacheSize int
	RatePerMinute  int

	WebhookURL string

	// OnMessage, when set, receives every stored message in arrival
	// order on the dispatcher goroutine.
	OnMessage func(msglog.StoredMessage)
}

// Dispatcher routes one event at a time: dedup, replay window, sender
// filter, decrypt, parse, verify, sink.
type Dispatcher struct {
	own    string
	secret string

	groups   *group.Manager
	log      *msglog.Log
	peers    *peers.Cache
	counters *Counters

	seen    *lru.Cache[string, struct{}]
	guard   *Guard
	limiter *SenderLimiter

	webhookURL string
	client     *http.Client
	onMessage  func(msglog.StoredMessage)

	cmu     sync.Mutex
	ciphers map[string]*wire.GroupCipher
}

// New builds a dispatcher from cfg.
func New(cfg Config) (*Dispatcher, error) {
	size := cfg.DedupCacheSize
	if size <= 0 {
		size = DefaultDedupCache
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("dispatch: dedup cache: %w", err)
	}
	guard, err := NewGuard(cfg.NonceCacheSize)
	if err != nil {
		return nil, err
	}
	counters := cfg.Counters
	if counters == nil {
		counters = &Counters{}
	}
	return &Dispatcher{
		own:        cfg.OwnPubKey,
		secret:     cfg.SecretKey,
		groups:     cfg.Groups,
		log:        cfg.Log,
		peers:      cfg.Peers,
		counters:   counters,
		seen:       seen,
		guard:      guard,
		limiter:    NewSenderLimiter(cfg.RatePerMinute),
		webhookURL: cfg.WebhookURL,
		client:     &http.Client{Timeout: webhookTimeout},
		onMessage:  cfg.OnMessage,
		ciphers:    make(map[string]*wire.GroupCipher),
	}, nil
}

// Limiter exposes the sender limiter for idle eviction on the cleanup tick.
func (d *Dispatcher) Limiter() *SenderLimiter { return d.limiter }

// DedupSize reports how many event keys the dedup cache holds.
func (d *Dispatcher) DedupSize() int { return d.seen.Len() }

// Run consumes events until ctx is done or the channel closes.
func (d *Dispatcher) Run(ctx context.Context, events <-chan *nostr.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			d.Handle(evt)
		}
	}
}

// Handle processes one verified event through the full pipeline.
func (d *Dispatcher) Handle(evt *nostr.Event) {
	d.counters.Received.Add(1)

	key := evt.ID
	if key == "" {
		key = fmt.Sprintf("%s|%d", evt.PubKey, evt.CreatedAt)
	}
	if _, dup := d.seen.Get(key); dup {
		return
	}
	d.seen.Add(key, struct{}{})

	if !d.guard.AllowTimestamp(int64(evt.CreatedAt) * 1000) {
		slog.Debug("dispatch: timestamp outside window", "event", key, "created_at", evt.CreatedAt)
		return
	}

	if evt.PubKey == d.own {
		return
	}
	if !d.limiter.Allow(evt.PubKey) {
		d.counters.RateLimited.Add(1)
		slog.Debug("dispatch: sender rate limited", "sender", evt.PubKey)
		return
	}

	topic := wire.Topic(evt)
	isGroup := false
	groupID := ""
	plaintext := evt.Content

	if g, ok := d.groups.ByTopic(topic); ok {
		isGroup = true
		groupID = g.ID
		if dec, err := d.groupDecrypt(topic, evt.Content); err == nil {
			plaintext = dec
		}
		// decrypt failure falls back to plaintext for pre-encryption groups
	} else if wire.LooksLikeDM(evt.Content) {
		if dec, err := wire.DecryptDM(d.secret, evt.PubKey, evt.Content); err == nil {
			plaintext = dec
		} else {
			slog.Debug("dispatch: dm decrypt failed, keeping raw content", "sender", evt.PubKey, "err", err)
		}
	}

	p, ok := d.parsePayload([]byte(plaintext), evt.PubKey)
	if !ok {
		slog.Debug("dispatch: rejected hostile payload", "sender", evt.PubKey)
		return
	}

	now := time.Now().UnixMilli()
	if p.payload != nil {
		if !d.guard.AllowNonce(p.payload.Nonce) {
			slog.Debug("dispatch: nonce replayed", "sender", evt.PubKey)
			return
		}
		switch p.payload.Type {
		case wire.TypePing:
			return
		case wire.TypeAnnounce:
			d.peers.Touch(evt.PubKey, p.payload.AgentName, now)
			return
		}
	}

	msg := msglog.StoredMessage{
		ID:             key,
		From:           evt.PubKey,
		Content:        p.content,
		Timestamp:      int64(evt.CreatedAt) * 1000,
		ReceivedAt:     now,
		IsGroup:        isGroup,
		SignatureValid: p.sigValid,
	}
	if p.ts > 0 {
		msg.Timestamp = p.ts
	}
	if isGroup {
		msg.GroupID = &groupID
	}

	if err := d.log.Append(msg); err != nil {
		d.counters.Errors.Add(1)
		slog.Warn("dispatch: message log append failed", "err", err)
	}
	if isGroup {
		rec := group.HistoryRecord{StoredMessage: msg, SavedAt: now}
		if err := d.groups.AppendHistory(groupID, rec); err != nil {
			d.counters.Errors.Add(1)
			slog.Warn("dispatch: history append failed", "group", groupID, "err", err)
		}
		d.groups.TouchMember(groupID, evt.PubKey, now)
	}

	name := ""
	if p.payload != nil {
		name = p.payload.AgentName
	}
	d.peers.Touch(evt.PubKey, name, now)

	if d.onMessage != nil {
		d.onMessage(msg)
	}
	if d.webhookURL != "" {
		go d.postWebhook(msg)
	}
}

type parsed struct {
	payload  *wire.Payload
	content  any
	ts       int64 // ms from the payload, 0 when absent
	sigValid *bool
}

// parsePayload interprets the decrypted content. Non-JSON stays a raw
// string (legacy senders); JSON that trips the pollution checks is
// rejected outright.
func (d *Dispatcher) parsePayload(raw []byte, sender string) (parsed, bool) {
	var out parsed

	if !json.Valid(bytes.TrimSpace(raw)) {
		out.content = string(raw)
		return out, true
	}

	if sp, enveloped := wire.DecodeEnvelope(raw); enveloped {
		valid, err := wire.VerifyPayload(sp, sender)
		if err != nil {
			slog.Debug("dispatch: payload signature unreadable", "sender", sender, "err", err)
		}
		out.sigValid = &valid
		out.ts = sp.Timestamp
		out.content = sp.Content
		out.payload = payloadFromAny(sp.Content)
		return out, true
	}

	var generic any
	if err := wire.SafeUnmarshal(raw, &generic); err != nil {
		return out, false
	}
	out.content = generic
	out.payload = payloadFromAny(generic)
	if out.payload != nil && out.payload.TS > 0 {
		out.ts = out.payload.TS
	}
	return out, true
}

// payloadFromAny lifts a generic JSON object into the typed payload.
func payloadFromAny(v any) *wire.Payload {
	obj, isObj := v.(map[string]any)
	if !isObj {
		return nil
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	var p wire.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	return &p
}

// groupDecrypt returns the decrypted group content, deriving and caching
// the topic cipher on first use.
func (d *Dispatcher) groupDecrypt(topic, content string) (string, error) {
	d.cmu.Lock()
	cipher, ok := d.ciphers[topic]
	if !ok {
		var err error
		cipher, err = wire.NewGroupCipher(topic)
		if err != nil {
			d.cmu.Unlock()
			return "", err
		}
		d.ciphers[topic] = cipher
	}
	d.cmu.Unlock()
	plain, err := cipher.Decrypt(content)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// postWebhook delivers a stored message to the configured webhook.
// Failures are debug-level only; the webhook is strictly best-effort.
func (d *Dispatcher) postWebhook(msg msglog.StoredMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Debug("dispatch: webhook post failed", "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Debug("dispatch: webhook rejected", "status", resp.StatusCode)
	}
}
