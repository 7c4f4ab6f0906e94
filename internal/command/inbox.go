package command

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is the inbox drain tick. The fsnotify watcher wakes
// the drain earlier when a command lands; the tick is the fallback when
// the watch misses (NFS, editors replacing the file).
const DefaultPollInterval = 500 * time.Millisecond

// Handler executes one command and reports its result.
type Handler func(Command) Result

// Inbox drains the command channel and feeds each command to a handler.
type Inbox struct {
	ch       *Channel
	handler  Handler
	interval time.Duration
}

// NewInbox wires a handler to a channel. interval <= 0 selects the
// default poll interval.
func NewInbox(ch *Channel, handler Handler, interval time.Duration) *Inbox {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Inbox{ch: ch, handler: handler, interval: interval}
}

// Run drains commands until ctx is cancelled. Commands are executed in
// file order, one at a time; each result is pushed back onto the channel
// before the next command runs.
func (in *Inbox) Run(ctx context.Context) {
	wake := in.watch(ctx)

	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	for {
		in.drainOnce()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (in *Inbox) drainOnce() {
	cmds, err := in.ch.Drain()
	if err != nil {
		slog.Warn("inbox: drain failed", "err", err)
		return
	}
	for _, cmd := range cmds {
		res := in.handler(cmd)
		res.CmdID = cmd.ID
		if err := in.ch.PushResult(res); err != nil {
			slog.Warn("inbox: result write failed", "cmd", cmd.ID, "err", err)
		}
	}
}

// watch starts an fsnotify watcher on the data dir and returns a channel
// that fires when the command file changes. A nil watcher (unsupported
// filesystem) degrades to tick-only polling.
func (in *Inbox) watch(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("inbox: fsnotify unavailable, polling only", "err", err)
		return wake
	}
	dir := filepath.Dir(in.ch.CommandsPath())
	if err := watcher.Add(dir); err != nil {
		slog.Debug("inbox: watch failed, polling only", "dir", dir, "err", err)
		watcher.Close()
		return wake
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != in.ch.CommandsPath() {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return wake
}
