// Package queue is the durable offline retry queue: bounded, FIFO-evicting,
// with exponential backoff and TTL expiry.
package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agent-pulse/pulse/internal/store"
)

const queueFile = "offline_queue.jsonl"

// Defaults; overridable through Options.
const (
	DefaultMaxSize    = 10000
	DefaultMaxRetries = 3
	DefaultTTL        = 24 * time.Hour
	DefaultBackoff    = 5 * time.Second
	backoffFactor     = 3
	saveDebounce      = time.Second
)

// Message is one queued outgoing message.
type Message struct {
	ID          string `json:"id"`
	Type        string `json:"type"` // send | group_send
	Target      string `json:"target"`
	Content     string `json:"content"`
	RetryCount  int    `json:"retryCount"`
	CreatedAt   int64  `json:"createdAt"`
	NextRetryAt int64  `json:"nextRetryAt"`
	LastError   string `json:"lastError,omitempty"`
	Topic       string `json:"topic,omitempty"`
}

// Options tune the queue limits. Zero fields take the defaults.
type Options struct {
	MaxSize    int
	MaxRetries int
	TTL        time.Duration
	Backoff    time.Duration
}

// Queue holds the in-memory entries and rewrites the snapshot file on change,
// debounced. Flush writes immediately and is called on shutdown.
type Queue struct {
	mu      sync.Mutex
	entries []*Message
	path    string
	opts    Options

	dirty     bool
	saveTimer *time.Timer
}

// Open loads the queue file from the data directory. Unparseable lines are
// dropped with a note.
func Open(dataDir string, opts Options) (*Queue, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}

	q := &Queue{path: filepath.Join(dataDir, queueFile), opts: opts}

	lines, err := store.ReadLines(q.path)
	if err != nil {
		return nil, fmt.Errorf("queue: load: %w", err)
	}
	for _, line := range lines {
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			slog.Debug("queue: skipping malformed line", "err", err)
			continue
		}
		q.entries = append(q.entries, &m)
	}
	return q, nil
}

// Enqueue adds a message, evicting the oldest entry by createdAt when full.
// The evicted message, if any, is returned so the caller can report it.
func (q *Queue) Enqueue(m Message) *Message {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.NextRetryAt == 0 {
		m.NextRetryAt = now
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted *Message
	if len(q.entries) >= q.opts.MaxSize {
		oldest := 0
		for i, e := range q.entries {
			if e.CreatedAt < q.entries[oldest].CreatedAt {
				oldest = i
			}
		}
		evicted = q.entries[oldest]
		q.entries = append(q.entries[:oldest], q.entries[oldest+1:]...)
		slog.Warn("queue: full, dropped oldest", "id", evicted.ID, "target", evicted.Target)
	}

	q.entries = append(q.entries, &m)
	q.markDirtyLocked()
	return evicted
}

// Due returns copies of entries whose nextRetryAt has passed, in queue order.
func (q *Queue) Due(now int64) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []Message
	for _, e := range q.entries {
		if e.NextRetryAt <= now {
			due = append(due, *e)
		}
	}
	return due
}

// Ack removes a delivered message.
func (q *Queue) Ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(id)
	q.markDirtyLocked()
}

// Fail records a delivery failure. The entry is rescheduled with exponential
// backoff until maxRetries, at which point it is removed and terminal=true.
func (q *Queue) Fail(id string, cause string) (terminal bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.ID != id {
			continue
		}
		e.RetryCount++
		e.LastError = cause
		if e.RetryCount >= q.opts.MaxRetries {
			q.removeLocked(id)
			q.markDirtyLocked()
			return true
		}
		delay := q.opts.Backoff
		for i := 1; i < e.RetryCount; i++ {
			delay *= backoffFactor
		}
		e.NextRetryAt = time.Now().UnixMilli() + delay.Milliseconds()
		q.markDirtyLocked()
		return false
	}
	return false
}

// ExpireTTL removes entries older than the TTL and returns them.
func (q *Queue) ExpireTTL(now int64) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []Message
	keep := q.entries[:0]
	for _, e := range q.entries {
		if now-e.CreatedAt >= q.opts.TTL.Milliseconds() {
			expired = append(expired, *e)
		} else {
			keep = append(keep, e)
		}
	}
	if len(expired) > 0 {
		q.entries = keep
		q.markDirtyLocked()
	}
	return expired
}

// Len is the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot copies all entries in queue order.
func (q *Queue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// Flush persists immediately, cancelling any pending debounce.
func (q *Queue) Flush() error {
	q.mu.Lock()
	if q.saveTimer != nil {
		q.saveTimer.Stop()
		q.saveTimer = nil
	}
	q.dirty = false
	data := q.renderLocked()
	q.mu.Unlock()
	return store.WriteFile(q.path, data, 0o600)
}

func (q *Queue) removeLocked(id string) {
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// markDirtyLocked schedules a debounced snapshot write.
func (q *Queue) markDirtyLocked() {
	q.dirty = true
	if q.saveTimer != nil {
		return
	}
	q.saveTimer = time.AfterFunc(saveDebounce, func() {
		q.mu.Lock()
		q.saveTimer = nil
		if !q.dirty {
			q.mu.Unlock()
			return
		}
		q.dirty = false
		data := q.renderLocked()
		q.mu.Unlock()

		if err := store.WriteFile(q.path, data, 0o600); err != nil {
			slog.Warn("queue: persist failed", "err", err)
		}
	})
}

func (q *Queue) renderLocked() []byte {
	var b strings.Builder
	for _, e := range q.entries {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
