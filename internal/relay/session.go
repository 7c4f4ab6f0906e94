package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/wire"
)

// State is the session lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	pongWait     = 60 * time.Second // time allowed to read the next pong
	pingPeriod   = 30 * time.Second // must be < pongWait
	writeWait    = 10 * time.Second
	maxFrameSize = 512 * 1024

	backoffBase = time.Second
	backoffCap  = time.Minute
)

type okReply struct {
	ok     bool
	reason string
}

// Session owns the WebSocket to one relay. Run drives the reconnect
// loop; reads happen on the Run goroutine, writes are serialized by
// writeMu so publishes and pings never interleave frames.
type Session struct {
	url    string
	book   *Book
	subID  string
	events chan<- *nostr.Event

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	filters nostr.Filters
	pending map[string]chan okReply
	attempt int

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession prepares a session for url. Verified events are delivered
// on events; the caller owns that channel.
func NewSession(url string, book *Book, events chan<- *nostr.Event) *Session {
	return &Session{
		url:     url,
		book:    book,
		subID:   fmt.Sprintf("pulse-%08x", rand.Uint32()),
		events:  events,
		pending: make(map[string]chan okReply),
		closed:  make(chan struct{}),
	}
}

// URL returns the relay URL this session serves.
func (s *Session) URL() string { return s.url }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the socket is open.
func (s *Session) Connected() bool {
	st := s.State()
	return st == StateConnected || st == StateSubscribed
}

// Run dials and re-dials the relay until ctx is cancelled or Close is
// called. The attempt counter resets on every clean open, so backoff
// only grows across consecutive failures.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.closed:
			return
		default:
		}

		err := s.connectOnce(ctx)

		// Both dial failures and dropped connections wait before the
		// next dial; a clean open resets attempt, so the drop case waits
		// only the base delay.
		delay := s.nextBackoff()
		slog.Debug("relay: reconnecting", "url", s.url, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.closed:
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce dials the relay, installs the subscription, and serves
// reads until the connection drops. A nil return means the socket opened
// cleanly; the error reports dial failures only.
func (s *Session) connectOnce(ctx context.Context) error {
	s.setState(StateConnecting)
	started := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		s.book.RecordFailure(s.url)
		s.setState(StateDisconnected)
		s.mu.Lock()
		s.attempt++
		s.mu.Unlock()
		return fmt.Errorf("relay: dial %s: %w", s.url, err)
	}
	s.book.RecordSuccess(s.url, time.Since(started))
	slog.Info("relay: connected", "url", s.url, "latency", time.Since(started))

	s.mu.Lock()
	s.conn = conn
	s.attempt = 0
	s.state = StateConnected
	filters := s.filters
	s.mu.Unlock()

	if len(filters) > 0 {
		if err := s.sendReq(filters); err != nil {
			slog.Warn("relay: subscribe failed", "url", s.url, "err", err)
		} else {
			s.setState(StateSubscribed)
		}
	}

	s.readLoop(conn)

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	for id, ch := range s.pending {
		ch <- okReply{false, "connection closed"}
		delete(s.pending, id)
	}
	if s.state != StateClosing {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	conn.Close()
	return nil
}

// readLoop owns all reads from conn. A pinger goroutine keeps the
// connection alive; the pong handler extends the read deadline.
func (s *Session) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				s.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				s.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("relay: read error", "url", s.url, "err", err)
			}
			return
		}
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	env := nostr.ParseMessage(string(data))
	if env == nil {
		slog.Debug("relay: unparseable frame", "url", s.url)
		return
	}

	switch e := env.(type) {
	case *nostr.EventEnvelope:
		if err := wire.VerifyEvent(&e.Event); err != nil {
			slog.Debug("relay: dropping invalid event", "url", s.url, "err", err)
			return
		}
		evt := e.Event
		select {
		case s.events <- &evt:
		default:
			slog.Warn("relay: event channel full, dropping", "url", s.url, "event", evt.ID)
		}
	case *nostr.OKEnvelope:
		s.mu.Lock()
		ch, ok := s.pending[e.EventID]
		if ok {
			delete(s.pending, e.EventID)
		}
		s.mu.Unlock()
		if ok {
			ch <- okReply{e.OK, e.Reason}
		}
	case *nostr.EOSEEnvelope:
		slog.Debug("relay: eose", "url", s.url, "sub", string(*e))
	case *nostr.NoticeEnvelope:
		slog.Warn("relay: notice", "url", s.url, "notice", string(*e))
	case *nostr.ClosedEnvelope:
		slog.Warn("relay: subscription closed by relay", "url", s.url, "reason", e.Reason)
	default:
		slog.Debug("relay: ignoring frame", "url", s.url, "type", env.Label())
	}
}

// Publish sends a signed event and waits for the relay's OK, bounded by
// publishTimeout and ctx. The caller records the outcome with the book.
func (s *Session) Publish(ctx context.Context, evt *nostr.Event) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return fault.New(fault.NetworkDisconnected, "relay %s not connected", s.url)
	}
	reply := make(chan okReply, 1)
	s.pending[evt.ID] = reply
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, evt.ID)
		s.mu.Unlock()
	}()

	data, err := json.Marshal(nostr.EventEnvelope{Event: *evt})
	if err != nil {
		return fault.Wrap(fault.Internal, err)
	}
	if err := s.write(conn, data); err != nil {
		return fault.New(fault.NetworkSendFailed, "relay %s: write: %v", s.url, err)
	}

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case r := <-reply:
		if !r.ok {
			return fault.New(fault.NetworkSendFailed, "relay %s rejected event: %s", s.url, r.reason)
		}
		return nil
	case <-timer.C:
		return fault.New(fault.NetworkSendFailed, "relay %s: no ack within %s", s.url, publishTimeout)
	case <-ctx.Done():
		return fault.New(fault.NetworkSendFailed, "relay %s: %v", s.url, ctx.Err())
	}
}

// Subscribe installs filters and sends the REQ if currently connected.
// The same filters are re-sent after every reconnect.
func (s *Session) Subscribe(filters ...nostr.Filter) error {
	s.mu.Lock()
	s.filters = filters
	connected := s.conn != nil
	s.mu.Unlock()

	if !connected {
		return nil
	}
	if err := s.sendReq(filters); err != nil {
		return err
	}
	s.setState(StateSubscribed)
	return nil
}

// Unsubscribe clears the filters and closes the live subscription.
func (s *Session) Unsubscribe() {
	s.mu.Lock()
	s.filters = nil
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return
	}
	data, err := json.Marshal(nostr.CloseEnvelope(s.subID))
	if err == nil {
		if err := s.write(conn, data); err != nil {
			slog.Debug("relay: close frame failed", "url", s.url, "err", err)
		}
	}
	s.setState(StateConnected)
}

func (s *Session) sendReq(filters nostr.Filters) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fault.New(fault.NetworkDisconnected, "relay %s not connected", s.url)
	}
	data, err := json.Marshal(nostr.ReqEnvelope{SubscriptionID: s.subID, Filters: filters})
	if err != nil {
		return fault.Wrap(fault.Internal, err)
	}
	if err := s.write(conn, data); err != nil {
		return fault.New(fault.NetworkSendFailed, "relay %s: req: %v", s.url, err)
	}
	return nil
}

func (s *Session) write(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the session down exactly once and stops the Run loop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		conn := s.conn
		s.mu.Unlock()
		close(s.closed)
		if conn != nil {
			s.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			s.writeMu.Unlock()
			conn.Close()
		}
	})
}

// nextBackoff returns base·2^attempt capped at backoffCap, with ±20%
// multiplicative jitter so a fleet of agents does not reconnect in step.
func (s *Session) nextBackoff() time.Duration {
	s.mu.Lock()
	attempt := s.attempt
	s.mu.Unlock()

	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jittered := float64(d) * (0.8 + 0.4*rand.Float64())
	return time.Duration(jittered)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosing || st == StateClosing {
		s.state = st
	}
	s.mu.Unlock()
}
