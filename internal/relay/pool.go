package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/agent-pulse/pulse/internal/fault"
)

// Options tune relay selection.
type Options struct {
	MultiPath  int     // relays targeted by multi-path publish
	MinScore   float64 // healthy-relay score floor
	MinHealthy int     // warn when fewer healthy relays remain
}

// DefaultOptions match the shipped configuration.
func DefaultOptions() Options {
	return Options{MultiPath: 3, MinScore: 0.2, MinHealthy: 2}
}

// eventBuffer sizes the shared inbound channel. The dispatcher drains it
// serially; sessions drop events when it fills.
const eventBuffer = 256

// Pool owns one session per configured relay plus the health book.
// Inbound events from every session arrive on a single channel.
type Pool struct {
	book *Book
	opts Options

	events chan *nostr.Event

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
}

// NewPool builds sessions for urls with stats persisted under dataDir.
func NewPool(dataDir string, urls []string, opts Options) *Pool {
	if opts.MultiPath <= 0 {
		opts.MultiPath = DefaultOptions().MultiPath
	}
	if opts.MinScore <= 0 {
		opts.MinScore = DefaultOptions().MinScore
	}
	if opts.MinHealthy <= 0 {
		opts.MinHealthy = DefaultOptions().MinHealthy
	}

	p := &Pool{
		book:     NewBook(dataDir),
		opts:     opts,
		events:   make(chan *nostr.Event, eventBuffer),
		sessions: make(map[string]*Session, len(urls)),
	}
	for _, url := range urls {
		if _, dup := p.sessions[url]; dup {
			continue
		}
		p.sessions[url] = NewSession(url, p.book, p.events)
		p.order = append(p.order, url)
	}
	return p
}

// Start launches every session's reconnect loop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, url := range p.order {
		go p.sessions[url].Run(ctx)
	}
	slog.Info("relay: pool started", "relays", len(p.order))
}

// Events is the channel the dispatcher consumes.
func (p *Pool) Events() <-chan *nostr.Event { return p.events }

// Book exposes the health book for heartbeat snapshots.
func (p *Pool) Book() *Book { return p.book }

// URLs returns the configured relay URLs in order.
func (p *Pool) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Subscribe installs filters on every session; each re-sends them after
// reconnecting.
func (p *Pool) Subscribe(filters ...nostr.Filter) {
	for _, s := range p.all() {
		if err := s.Subscribe(filters...); err != nil {
			slog.Debug("relay: subscribe deferred until connect", "url", s.URL(), "err", err)
		}
	}
}

// Unsubscribe closes the live subscription on every session.
func (p *Pool) Unsubscribe() {
	for _, s := range p.all() {
		s.Unsubscribe()
	}
}

func (p *Pool) all() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, 0, len(p.order))
	for _, url := range p.order {
		out = append(out, p.sessions[url])
	}
	return out
}

func (p *Pool) connected() []*Session {
	var out []*Session
	for _, s := range p.all() {
		if s.Connected() {
			out = append(out, s)
		}
	}
	return out
}

// Publish sends evt over every connected session and succeeds as soon as
// any relay acknowledges. Each attempt's outcome lands in the book.
func (p *Pool) Publish(ctx context.Context, evt *nostr.Event) error {
	return p.publishTo(ctx, p.connected(), evt)
}

// PublishMulti sends evt to the top-scored relays in parallel. Fewer
// healthy relays than MinHealthy is logged but not fatal; with no usable
// healthy relay it falls back to every connected session.
func (p *Pool) PublishMulti(ctx context.Context, evt *nostr.Event) error {
	top := p.MultiPathRelays(p.opts.MultiPath)
	if len(top) < p.opts.MinHealthy {
		slog.Warn("relay: few healthy relays for multi-path", "healthy", len(top), "want", p.opts.MinHealthy)
	}

	p.mu.Lock()
	var chosen []*Session
	for _, st := range top {
		if s, ok := p.sessions[st.URL]; ok && s.Connected() {
			chosen = append(chosen, s)
		}
	}
	p.mu.Unlock()

	if len(chosen) == 0 {
		return p.Publish(ctx, evt)
	}
	return p.publishTo(ctx, chosen, evt)
}

func (p *Pool) publishTo(ctx context.Context, sessions []*Session, evt *nostr.Event) error {
	if len(sessions) == 0 {
		return fault.New(fault.NetworkDisconnected, "no connected relays")
	}

	results := make(chan error, len(sessions))
	for _, s := range sessions {
		go func(s *Session) { results <- p.publishOne(ctx, s, evt) }(s)
	}

	var firstErr error
	for range sessions {
		err := <-results
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return fault.New(fault.RelayAllFailed, "all %d relays failed: %v", len(sessions), firstErr)
}

func (p *Pool) publishOne(ctx context.Context, s *Session, evt *nostr.Event) error {
	started := time.Now()
	err := s.Publish(ctx, evt)
	if err != nil {
		p.book.RecordFailure(s.URL())
		return err
	}
	p.book.RecordSuccess(s.URL(), time.Since(started))
	return nil
}

// Ping publishes evt to every connected session in parallel and returns how
// many acknowledged it. Unlike Publish it always tries all of them, so each
// relay's latency sample lands in the book.
func (p *Pool) Ping(ctx context.Context, evt *nostr.Event) int {
	sessions := p.connected()
	if len(sessions) == 0 {
		return 0
	}

	results := make(chan error, len(sessions))
	for _, s := range sessions {
		go func(s *Session) { results <- p.publishOne(ctx, s, evt) }(s)
	}

	acks := 0
	for range sessions {
		if err := <-results; err == nil {
			acks++
		}
	}
	return acks
}

// HealthyRelays returns non-blacklisted relays scoring at or above the
// floor, best first.
func (p *Pool) HealthyRelays() []Stats {
	var out []Stats
	for _, st := range p.book.Snapshot() {
		if st.Blacklisted || st.Score() < p.opts.MinScore {
			continue
		}
		out = append(out, st)
	}
	return out
}

// MultiPathRelays returns the top n healthy relays.
func (p *Pool) MultiPathRelays(n int) []Stats {
	healthy := p.HealthyRelays()
	if len(healthy) > n {
		healthy = healthy[:n]
	}
	return healthy
}

// BestRelay returns the highest-scored healthy relay.
func (p *Pool) BestRelay() (Stats, bool) {
	healthy := p.HealthyRelays()
	if len(healthy) == 0 {
		return Stats{}, false
	}
	return healthy[0], true
}

// Recover manually lifts a blacklist entry; the session's own reconnect
// loop picks the relay back up.
func (p *Pool) Recover(url string) {
	p.book.Recover(url)
}

// ConnectedCount reports how many sessions hold an open socket.
func (p *Pool) ConnectedCount() int {
	return len(p.connected())
}

// States maps each relay URL to its session state, for the health file.
func (p *Pool) States() map[string]string {
	out := make(map[string]string)
	for _, s := range p.all() {
		out[s.URL()] = s.State().String()
	}
	return out
}

// Flush persists the health book immediately.
func (p *Pool) Flush() { p.book.Flush() }

// Close shuts every session down and flushes stats.
func (p *Pool) Close() {
	for _, s := range p.all() {
		s.Close()
	}
	p.book.Flush()
	slog.Info("relay: pool closed")
}
