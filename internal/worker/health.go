package worker

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/agent-pulse/pulse/internal/peers"
	"github.com/agent-pulse/pulse/internal/store"
)

const (
	healthFile = "health.json"
	peersFile  = "peers.json"
)

// MemoryStats is the worker's own memory picture, in bytes.
type MemoryStats struct {
	HeapAlloc uint64 `json:"heapAlloc"`
	HeapSys   uint64 `json:"heapSys"`
	Sys       uint64 `json:"sys"`
	NumGC     uint32 `json:"numGC"`
}

// HealthStats are the traffic counters and depths in the heartbeat.
type HealthStats struct {
	Sent             int64 `json:"sent"`
	Received         int64 `json:"received"`
	Commands         int64 `json:"commands"`
	Errors           int64 `json:"errors"`
	RateLimited      int64 `json:"rateLimited"`
	CacheSize        int   `json:"cacheSize"`
	GroupCount       int   `json:"groupCount"`
	PendingQueueSize int   `json:"pendingQueueSize"`
}

// Health is the heartbeat record, overwritten every few seconds while the
// worker runs and removed on shutdown.
type Health struct {
	PID        int               `json:"pid"`
	Uptime     int64             `json:"uptime"` // seconds
	Connected  int               `json:"connected"`
	RelayCount int               `json:"relayCount"`
	States     map[string]string `json:"states"`
	Memory     MemoryStats       `json:"memory"`
	Stats      HealthStats       `json:"stats"`
	TS         int64             `json:"ts"`
}

// HealthPath returns the heartbeat file location for a data directory.
func HealthPath(dataDir string) string { return filepath.Join(dataDir, healthFile) }

// PeersPath returns the known-peers snapshot location.
func PeersPath(dataDir string) string { return filepath.Join(dataDir, peersFile) }

// ReadHealth loads the heartbeat file, for the CLI's status view.
func ReadHealth(dataDir string) (Health, error) {
	var h Health
	err := store.ReadJSON(HealthPath(dataDir), &h)
	return h, err
}

// ReadPeers loads the known-peers snapshot, newest first.
func ReadPeers(dataDir string) ([]peers.Entry, error) {
	var out []peers.Entry
	if err := store.ReadJSON(PeersPath(dataDir), &out); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (w *Worker) snapshotHealth() Health {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Health{
		PID:        os.Getpid(),
		Uptime:     int64(time.Since(w.startedAt).Seconds()),
		Connected:  w.pool.ConnectedCount(),
		RelayCount: len(w.pool.URLs()),
		States:     w.pool.States(),
		Memory: MemoryStats{
			HeapAlloc: mem.HeapAlloc,
			HeapSys:   mem.HeapSys,
			Sys:       mem.Sys,
			NumGC:     mem.NumGC,
		},
		Stats: HealthStats{
			Sent:             w.counters.Sent.Load(),
			Received:         w.counters.Received.Load(),
			Commands:         w.counters.Commands.Load(),
			Errors:           w.counters.Errors.Load(),
			RateLimited:      w.counters.RateLimited.Load(),
			CacheSize:        w.disp.DedupSize(),
			GroupCount:       w.groups.Count(),
			PendingQueueSize: w.queue.Len(),
		},
		TS: time.Now().UnixMilli(),
	}
}

// writeHealth overwrites the heartbeat and peers snapshot.
func (w *Worker) writeHealth() {
	if err := store.WriteJSON(HealthPath(w.cfg.DataDir), w.snapshotHealth(), 0o644); err != nil {
		slog.Warn("worker: health write failed", "err", err)
	}
	w.writePeers()
}

// writePeers persists the peer cache. Unlike the heartbeat it survives
// shutdown and re-seeds the cache on the next start.
func (w *Worker) writePeers() {
	if err := store.WriteJSON(PeersPath(w.cfg.DataDir), w.peers.Snapshot(), 0o644); err != nil {
		slog.Warn("worker: peers snapshot failed", "err", err)
	}
}

func (w *Worker) removeHealth() {
	os.Remove(HealthPath(w.cfg.DataDir))
}
