package cli

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-pulse/pulse/internal/command"
	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/queue"
	"github.com/agent-pulse/pulse/internal/relay"
	"github.com/agent-pulse/pulse/internal/service"
)

func runQueueStatus(args []string) {
	fs, configPath, dataDir := newFlagSet("queue-status")
	limit := fs.Int("limit", 20, "max entries to list")
	if _, err := parseMixed(fs, args); err != nil {
		emitErr(err)
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	q, err := queue.Open(inv.cfg.DataDir, queue.Options{MaxSize: inv.cfg.MaxQueue, MaxRetries: inv.cfg.MaxRetries})
	if err != nil {
		emitErr(err)
		return
	}
	snap := q.Snapshot()
	size := len(snap)
	if len(snap) > *limit {
		snap = snap[:*limit]
	}
	emitOK(map[string]any{"size": size, "messages": snap})
}

// relayProbe is one live connectivity check result.
type relayProbe struct {
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latencyMs,omitempty"`
	Error     string `json:"error,omitempty"`
}

// runRelayStatus dials every configured relay concurrently and reports the
// handshake latency. This probes the network directly, without the worker.
func runRelayStatus(args []string) {
	fs, configPath, dataDir := newFlagSet("relay-status")
	timeoutMS := fs.Int64("timeout", 5000, "per-relay dial timeout in milliseconds")
	if _, err := parseMixed(fs, args); err != nil {
		emitErr(err)
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	timeout := time.Duration(*timeoutMS) * time.Millisecond
	probes := make([]relayProbe, len(inv.cfg.Relays))
	var wg sync.WaitGroup
	for i, url := range inv.cfg.Relays {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			probes[i] = probeRelay(url, timeout)
		}(i, url)
	}
	wg.Wait()

	reachable := 0
	for _, p := range probes {
		if p.Reachable {
			reachable++
		}
	}
	emitOK(map[string]any{"relays": probes, "reachable": reachable})
}

func probeRelay(url string, timeout time.Duration) relayProbe {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	started := time.Now()
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return relayProbe{URL: url, Error: err.Error()}
	}
	conn.Close()
	return relayProbe{URL: url, Reachable: true, LatencyMS: time.Since(started).Milliseconds()}
}

// runRelayHealth reports the persisted per-relay scores and the recent
// health history, as recorded by the worker.
func runRelayHealth(args []string) {
	fs, configPath, dataDir := newFlagSet("relay-health")
	points := fs.Int("points", 10, "history points to include")
	if _, err := parseMixed(fs, args); err != nil {
		emitErr(err)
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	book := relay.NewBook(inv.cfg.DataDir)
	snap := book.Snapshot()
	rows := make([]map[string]any, 0, len(snap))
	for i := range snap {
		s := &snap[i]
		rows = append(rows, map[string]any{
			"url":          s.URL,
			"score":        s.Score(),
			"successes":    s.SuccessCount,
			"failures":     s.FailureCount,
			"avgLatencyMs": s.AvgLatency(),
			"healthy":      s.IsHealthy,
			"blacklisted":  s.Blacklisted,
		})
	}
	history := book.History()
	if len(history) > *points {
		history = history[len(history)-*points:]
	}
	emitOK(map[string]any{"relays": rows, "history": history})
}

// runRelayRecover lifts a blacklist entry. With a live worker the command
// goes through the channel so the in-memory book changes too; otherwise the
// persisted book is edited directly.
func runRelayRecover(args []string) {
	fs, configPath, dataDir := newFlagSet("relay-recover")
	pos, err := parseMixed(fs, args)
	if err != nil {
		emitErr(err)
		return
	}
	if len(pos) < 1 {
		emitErr(fault.New(fault.InvalidArgs, "usage: relay-recover <url>"))
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	url := pos[0]
	if _, live := service.Running(inv.cfg.DataDir); live {
		cmd := command.NewCommand(command.TypeRelayRecover)
		cmd.Target = url
		pushToWorker(inv, cmd)
		return
	}
	relay.NewBook(inv.cfg.DataDir).Recover(url)
	emitOK(map[string]any{"recovered": url})
}

func runRelayBlacklist(args []string) {
	fs, configPath, dataDir := newFlagSet("relay-blacklist")
	if _, err := parseMixed(fs, args); err != nil {
		emitErr(err)
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	bl := relay.NewBook(inv.cfg.DataDir).Blacklisted()
	emitOK(map[string]any{"blacklisted": bl, "count": len(bl)})
}
