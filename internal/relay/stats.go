// Package relay manages WebSocket connections to relays: per-relay
// sessions with reconnect and backoff, a pool that fans publishes out and
// funnels verified events in, and a persistent health book that scores
// each relay.
package relay

import (
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agent-pulse/pulse/internal/store"
)

const (
	statsFile     = "relay_stats.json"
	blacklistFile = "relay_blacklist.json"
	historyFile   = "relay_health_history.json"

	// BlacklistThreshold is the consecutive-failure count that blacklists
	// a relay; RecoverSuccesses consecutive successes lift it again.
	BlacklistThreshold = 10
	RecoverSuccesses   = 5

	// recentWindow is how many outcomes feed the recent failure rate.
	// A relay needs minRecentSamples outcomes before it can be marked
	// unhealthy, so one cold-start failure does not condemn it.
	recentWindow     = 20
	minRecentSamples = 4

	maxHistoryEntries = 100

	saveAfterOps = 20
	saveQuiet    = 2 * time.Second
)

// Stats is the persisted health record for one relay.
type Stats struct {
	URL                  string `json:"url"`
	SuccessCount         int64  `json:"successCount"`
	FailureCount         int64  `json:"failureCount"`
	ConsecutiveFailures  int    `json:"consecutiveFailures"`
	ConsecutiveSuccesses int    `json:"consecutiveSuccesses"`
	TotalLatency         int64  `json:"totalLatency"` // ms, summed over successes
	LastSuccess          int64  `json:"lastSuccess"`  // ms epoch
	LastFailure          int64  `json:"lastFailure"`
	IsHealthy            bool   `json:"isHealthy"`
	Blacklisted          bool   `json:"blacklisted"`
	RecoveryAttempts     int    `json:"recoveryAttempts"`

	recent []bool // ring of recent outcomes, true = success
}

// Score rates the relay in [0,1]. Blacklisted relays score zero; relays
// with no samples yet score 0.5 so new relays get tried.
func (s *Stats) Score() float64 {
	if s.Blacklisted {
		return 0
	}
	total := s.SuccessCount + s.FailureCount
	if total == 0 {
		return 0.5
	}
	successRate := float64(s.SuccessCount) / float64(total)

	latencyScore := 0.0
	if s.SuccessCount > 0 {
		avg := float64(s.TotalLatency) / float64(s.SuccessCount)
		latencyScore = math.Max(0, 1-avg/5000)
	}

	score := (successRate*0.7 + latencyScore*0.3) * math.Pow(0.9, float64(s.ConsecutiveFailures))
	if !s.IsHealthy {
		score *= 0.3
	}
	return score
}

// AvgLatency returns the mean success latency in milliseconds.
func (s *Stats) AvgLatency() float64 {
	if s.SuccessCount == 0 {
		return 0
	}
	return float64(s.TotalLatency) / float64(s.SuccessCount)
}

func (s *Stats) pushOutcome(ok bool) {
	s.recent = append(s.recent, ok)
	if len(s.recent) > recentWindow {
		s.recent = s.recent[len(s.recent)-recentWindow:]
	}
}

func (s *Stats) recentFailureRate() float64 {
	if len(s.recent) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range s.recent {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(s.recent))
}

// HealthPoint is one sample in the health history file.
type HealthPoint struct {
	TS     int64              `json:"ts"`
	Scores map[string]float64 `json:"scores"`
}

// Book tracks stats for every relay and persists them with debounced
// writes. All methods are safe for concurrent use.
type Book struct {
	mu sync.Mutex

	stats map[string]*Stats

	statsPath     string
	blacklistPath string
	historyPath   string

	pendingOps int
	saveTimer  *time.Timer
}

// NewBook loads (or initializes) the relay stats under dataDir.
func NewBook(dataDir string) *Book {
	b := &Book{
		stats:         make(map[string]*Stats),
		statsPath:     filepath.Join(dataDir, statsFile),
		blacklistPath: filepath.Join(dataDir, blacklistFile),
		historyPath:   filepath.Join(dataDir, historyFile),
	}

	var saved map[string]*Stats
	if err := store.ReadJSON(b.statsPath, &saved); err == nil {
		for url, s := range saved {
			s.URL = url
			b.stats[url] = s
		}
	}
	var blacklist []string
	if err := store.ReadJSON(b.blacklistPath, &blacklist); err == nil {
		for _, url := range blacklist {
			b.get(url).Blacklisted = true
		}
	}
	return b
}

// get returns the stats record for url, creating a fresh healthy one if
// needed. Caller must hold b.mu.
func (b *Book) get(url string) *Stats {
	s, ok := b.stats[url]
	if !ok {
		s = &Stats{URL: url, IsHealthy: true}
		b.stats[url] = s
	}
	return s
}

// RecordSuccess notes a successful operation against url with its
// latency. A success on a blacklisted relay counts toward recovery.
func (b *Book) RecordSuccess(url string, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.get(url)
	s.SuccessCount++
	s.ConsecutiveSuccesses++
	s.ConsecutiveFailures = 0
	s.TotalLatency += latency.Milliseconds()
	s.LastSuccess = time.Now().UnixMilli()
	s.pushOutcome(true)
	b.reassessLocked(s)

	if s.Blacklisted && s.ConsecutiveSuccesses >= RecoverSuccesses {
		s.Blacklisted = false
		slog.Info("relay: unblacklisted after recovery", "url", url, "successes", s.ConsecutiveSuccesses)
	}
	b.markDirtyLocked()
}

// RecordFailure notes a failed operation against url.
func (b *Book) RecordFailure(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.get(url)
	s.FailureCount++
	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	s.LastFailure = time.Now().UnixMilli()
	s.pushOutcome(false)
	b.reassessLocked(s)

	if !s.Blacklisted && s.ConsecutiveFailures >= BlacklistThreshold {
		s.Blacklisted = true
		slog.Warn("relay: blacklisted", "url", url, "consecutive_failures", s.ConsecutiveFailures)
	}
	b.markDirtyLocked()
}

// reassessLocked recomputes IsHealthy from the recent outcome window.
func (b *Book) reassessLocked(s *Stats) {
	if len(s.recent) < minRecentSamples {
		return
	}
	s.IsHealthy = s.recentFailureRate() <= 0.5
}

// Recover manually clears a relay's blacklist entry and failure streak.
func (b *Book) Recover(url string) {
	b.mu.Lock()
	s := b.get(url)
	s.Blacklisted = false
	s.ConsecutiveFailures = 0
	s.IsHealthy = true
	s.recent = nil
	s.RecoveryAttempts++
	b.mu.Unlock()

	slog.Info("relay: manual recovery", "url", url)
	b.Flush()
}

// Score returns the current score for url.
func (b *Book) Score(url string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(url).Score()
}

// IsBlacklisted reports whether url is currently blacklisted.
func (b *Book) IsBlacklisted(url string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(url).Blacklisted
}

// Blacklisted returns the blacklisted relay URLs, sorted.
func (b *Book) Blacklisted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for url, s := range b.stats {
		if s.Blacklisted {
			out = append(out, url)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of every stats record, best score first.
func (b *Book) Snapshot() []Stats {
	b.mu.Lock()
	out := make([]Stats, 0, len(b.stats))
	for _, s := range b.stats {
		cp := *s
		cp.recent = nil
		out = append(out, cp)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Score(), out[j].Score()
		if si != sj {
			return si > sj
		}
		return out[i].URL < out[j].URL
	})
	return out
}

// markDirtyLocked schedules a persist: immediately after saveAfterOps
// operations, otherwise after saveQuiet of quiescence.
func (b *Book) markDirtyLocked() {
	b.pendingOps++
	if b.pendingOps >= saveAfterOps {
		b.persistLocked()
		return
	}
	if b.saveTimer != nil {
		b.saveTimer.Stop()
	}
	b.saveTimer = time.AfterFunc(saveQuiet, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.pendingOps > 0 {
			b.persistLocked()
		}
	})
}

// Flush persists immediately. Called on shutdown.
func (b *Book) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveTimer != nil {
		b.saveTimer.Stop()
		b.saveTimer = nil
	}
	b.persistLocked()
}

func (b *Book) persistLocked() {
	b.pendingOps = 0
	if err := store.WriteJSON(b.statsPath, b.stats, 0o644); err != nil {
		slog.Warn("relay: stats persist failed", "err", err)
	}
	blacklist := make([]string, 0)
	for url, s := range b.stats {
		if s.Blacklisted {
			blacklist = append(blacklist, url)
		}
	}
	sort.Strings(blacklist)
	if err := store.WriteJSON(b.blacklistPath, blacklist, 0o644); err != nil {
		slog.Warn("relay: blacklist persist failed", "err", err)
	}
}

// RecordHealthPoint appends a score snapshot to the health history file,
// keeping the newest maxHistoryEntries.
func (b *Book) RecordHealthPoint() {
	b.mu.Lock()
	point := HealthPoint{TS: time.Now().UnixMilli(), Scores: make(map[string]float64, len(b.stats))}
	for url, s := range b.stats {
		point.Scores[url] = s.Score()
	}
	b.mu.Unlock()

	var history []HealthPoint
	_ = store.ReadJSON(b.historyPath, &history)
	history = append(history, point)
	if len(history) > maxHistoryEntries {
		history = history[len(history)-maxHistoryEntries:]
	}
	if err := store.WriteJSON(b.historyPath, history, 0o644); err != nil {
		slog.Warn("relay: health history persist failed", "err", err)
	}
}

// History returns the recorded health points, oldest first.
func (b *Book) History() []HealthPoint {
	var history []HealthPoint
	_ = store.ReadJSON(b.historyPath, &history)
	return history
}
