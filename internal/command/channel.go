package command

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/store"
)

const (
	commandsFile = "commands.jsonl"
	resultsFile  = "results.jsonl"

	// MaxResults bounds results.jsonl; older entries are pruned first.
	MaxResults = 1000

	resultPollInterval = 100 * time.Millisecond
)

// Channel is the file-mediated command pipe shared by CLI processes and
// the worker. Every file access happens under the cross-process lock, so
// concurrent pushes never interleave partial lines.
type Channel struct {
	commandsPath string
	resultsPath  string
	lock         *store.Lock
}

// NewChannel returns a channel rooted at dataDir using lock for mutual
// exclusion.
func NewChannel(dataDir string, lock *store.Lock) *Channel {
	return &Channel{
		commandsPath: filepath.Join(dataDir, commandsFile),
		resultsPath:  filepath.Join(dataDir, resultsFile),
		lock:         lock,
	}
}

// Push appends cmd to the command file.
func (c *Channel) Push(cmd Command) error {
	line, err := json.Marshal(cmd)
	if err != nil {
		return fault.Wrap(fault.Internal, err)
	}
	return c.lock.With(func() error {
		return store.AppendLine(c.commandsPath, line, 0o600)
	})
}

// Drain reads all pending commands and truncates the file, both under a
// single lock hold. Malformed lines are dropped with a log entry so one
// bad writer cannot wedge the inbox.
func (c *Channel) Drain() ([]Command, error) {
	var lines []string
	err := c.lock.With(func() error {
		var err error
		lines, err = store.ReadLines(c.commandsPath)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return nil
		}
		return store.Truncate(c.commandsPath)
	})
	if err != nil {
		return nil, err
	}

	cmds := make([]Command, 0, len(lines))
	for _, line := range lines {
		var cmd Command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil {
			slog.Warn("command: dropping malformed line", "err", err)
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// PushResult appends res to the results file.
func (c *Channel) PushResult(res Result) error {
	line, err := json.Marshal(res)
	if err != nil {
		return fault.Wrap(fault.Internal, err)
	}
	return c.lock.With(func() error {
		return store.AppendLine(c.resultsPath, line, 0o600)
	})
}

// Results returns all recorded results, oldest first.
func (c *Channel) Results() ([]Result, error) {
	var lines []string
	err := c.lock.With(func() error {
		var err error
		lines, err = store.ReadLines(c.resultsPath)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(lines))
	for _, line := range lines {
		var res Result
		if err := json.Unmarshal([]byte(line), &res); err != nil {
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

// ResultFor returns the result for cmdID, polling until ctx is done.
// Returns false when the deadline passes without a result appearing.
func (c *Channel) ResultFor(ctx context.Context, cmdID string) (Result, bool) {
	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()

	for {
		results, err := c.Results()
		if err == nil {
			for i := len(results) - 1; i >= 0; i-- {
				if results[i].CmdID == cmdID {
					return results[i], true
				}
			}
		}
		select {
		case <-ctx.Done():
			return Result{}, false
		case <-ticker.C:
		}
	}
}

// PruneResults drops the oldest results beyond max, rewriting the file
// in place under the lock.
func (c *Channel) PruneResults(max int) error {
	return c.lock.With(func() error {
		lines, err := store.ReadLines(c.resultsPath)
		if err != nil || len(lines) <= max {
			return err
		}
		keep := lines[len(lines)-max:]
		var buf []byte
		for _, line := range keep {
			buf = append(buf, line...)
			buf = append(buf, '\n')
		}
		return store.WriteFile(c.resultsPath, buf, 0o600)
	})
}

// CommandsPath exposes the command file location for watchers.
func (c *Channel) CommandsPath() string { return c.commandsPath }
