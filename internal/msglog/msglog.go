// Package msglog is the envelope-encrypted inbox on disk. The worker appends
// one sealed StoredMessage per line; CLI invocations drain or peek it under
// the cross-process lock.
package msglog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/agent-pulse/pulse/internal/store"
)

const messagesFile = "messages.jsonl"

// StoredMessage is one delivered message. Content is whatever survived
// decryption and payload parsing: a string or a JSON object.
type StoredMessage struct {
	ID             string  `json:"id"`
	From           string  `json:"from"`
	Content        any     `json:"content"`
	Timestamp      int64   `json:"timestamp"`
	ReceivedAt     int64   `json:"receivedAt"`
	IsGroup        bool    `json:"isGroup"`
	GroupID        *string `json:"groupId"`
	SignatureValid *bool   `json:"signatureValid"`
}

// Log reads and writes the message file.
type Log struct {
	path string
	env  *store.Envelope
	lock *store.Lock
}

// New opens the log for a data directory. All access shares one lock
// instance per process.
func New(dataDir string, env *store.Envelope, lock *store.Lock) *Log {
	return &Log{path: filepath.Join(dataDir, messagesFile), env: env, lock: lock}
}

// Append seals and appends one message under the lock.
func (l *Log) Append(m StoredMessage) error {
	plain, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("msglog: marshal: %w", err)
	}
	line, err := l.env.Seal(plain)
	if err != nil {
		return err
	}
	return l.lock.With(func() error {
		return store.AppendLine(l.path, []byte(line), 0o600)
	})
}

// read decrypts every parseable line. Corrupt lines are skipped with a debug
// note; they are adversarial or torn writes, not fatal.
func (l *Log) read() ([]StoredMessage, error) {
	lines, err := store.ReadLines(l.path)
	if err != nil {
		return nil, err
	}
	msgs := make([]StoredMessage, 0, len(lines))
	for _, line := range lines {
		plain, err := l.env.Open(line)
		if err != nil {
			slog.Debug("msglog: skipping undecryptable line", "err", err)
			continue
		}
		var m StoredMessage
		if err := json.Unmarshal(plain, &m); err != nil {
			slog.Debug("msglog: skipping malformed line", "err", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Peek returns matching messages without consuming them.
func (l *Log) Peek(f Filter) ([]StoredMessage, error) {
	var msgs []StoredMessage
	err := l.lock.With(func() error {
		var rerr error
		msgs, rerr = l.read()
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return f.Apply(msgs), nil
}

// Drain consumes the log: matching messages are returned and removed, the
// rest are kept. Read, filter and rewrite happen under one lock hold.
func (l *Log) Drain(f Filter) ([]StoredMessage, error) {
	var matched []StoredMessage
	err := l.lock.With(func() error {
		msgs, rerr := l.read()
		if rerr != nil {
			return rerr
		}
		matched = f.Apply(msgs)
		if len(matched) == 0 {
			return nil
		}
		keep := make([]StoredMessage, 0, len(msgs))
		drop := make(map[string]bool, len(matched))
		for _, m := range matched {
			drop[m.ID] = true
		}
		for _, m := range msgs {
			if !drop[m.ID] {
				keep = append(keep, m)
			}
		}
		return l.rewrite(keep)
	})
	if err != nil {
		return nil, err
	}
	return matched, nil
}

// Prune caps the log at max messages, dropping the oldest. Called from the
// worker's cleanup tick.
func (l *Log) Prune(max int) error {
	return l.lock.With(func() error {
		msgs, err := l.read()
		if err != nil {
			return err
		}
		if len(msgs) <= max {
			return nil
		}
		return l.rewrite(msgs[len(msgs)-max:])
	})
}

// rewrite replaces the file contents with the given messages, atomically.
// Callers must hold the lock.
func (l *Log) rewrite(msgs []StoredMessage) error {
	var b strings.Builder
	for _, m := range msgs {
		plain, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("msglog: marshal: %w", err)
		}
		line, err := l.env.Seal(plain)
		if err != nil {
			return err
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return store.WriteFile(l.path, []byte(b.String()), 0o600)
}
