package group

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"

	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/msglog"
	"github.com/agent-pulse/pulse/internal/store"
)

// HistoryRecord is a stored message plus the moment it hit the history file.
type HistoryRecord struct {
	msglog.StoredMessage
	SavedAt int64 `json:"savedAt"`
}

// safeGroupID gates every id that becomes part of a file name. Applied on
// both writes and reads: a hostile id must never form a path in either
// direction.
var safeGroupID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func (m *Manager) historyPath(id string) (string, error) {
	if !safeGroupID.MatchString(id) {
		return "", fault.New(fault.InvalidArgs, "group id %q is not filesystem-safe", id)
	}
	name := id + ".jsonl"
	if !store.WithinRoot(m.historyRoot, name) {
		return "", fault.New(fault.InvalidArgs, "group id %q escapes the history root", id)
	}
	return filepath.Join(m.historyRoot, name), nil
}

// AppendHistory adds one record to the group's history file.
func (m *Manager) AppendHistory(id string, rec HistoryRecord) error {
	path, err := m.historyPath(id)
	if err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("group: marshal history: %w", err)
	}
	return store.AppendLine(path, line, 0o600)
}

// History returns up to limit most recent records, oldest first.
// limit <= 0 means everything.
func (m *Manager) History(id string, limit int) ([]HistoryRecord, error) {
	path, err := m.historyPath(id)
	if err != nil {
		return nil, err
	}
	lines, err := store.ReadLines(path)
	if err != nil {
		return nil, err
	}
	recs := make([]HistoryRecord, 0, len(lines))
	for _, line := range lines {
		var rec HistoryRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			slog.Debug("group: skipping malformed history line", "group", id, "err", err)
			continue
		}
		recs = append(recs, rec)
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return recs, nil
}
