// Package store is the filesystem layer: atomic JSON and JSON-lines files,
// the cross-process lock, and the at-rest envelope for the message log.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteFile writes data to path atomically: a sibling temp file named
// <name>.tmp.<pid> is written first and renamed over the target.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir for %s: %w", path, err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename %s: %w", path, err)
	}
	return nil
}

// WriteJSON marshals v with indentation and writes it atomically.
func WriteJSON(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}
	return WriteFile(path, append(data, '\n'), perm)
}

// ReadJSON unmarshals path into v. A missing file is returned as-is so
// callers can treat os.IsNotExist as "empty".
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: parse %s: %w", path, err)
	}
	return nil
}

// ReadJSONSecret is ReadJSON plus the checks for key material: the file must
// not be a symlink and must not be readable by group or others.
func ReadJSONSecret(path string, v any) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("store: %s is a symlink, refusing to read", path)
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("store: %s has permissions %o, want owner-only", path, fi.Mode().Perm())
	}
	return ReadJSON(path, v)
}

// AppendLine appends one line to a JSON-lines file, creating it if needed.
func AppendLine(path string, line []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("store: append %s: %w", path, err)
	}
	return nil
}

// ReadLines returns the non-empty lines of a JSON-lines file. A missing file
// yields no lines. A partial last line (no trailing newline) is returned too;
// callers skip lines that fail to parse.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return lines, fmt.Errorf("store: read %s: %w", path, err)
	}
	return lines, nil
}

// Truncate empties a JSON-lines file in place. Missing files are fine.
func Truncate(path string) error {
	err := os.Truncate(path, 0)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: truncate %s: %w", path, err)
	}
	return nil
}

// WithinRoot reports whether name, joined to root, still resolves inside
// root. It guards file names derived from untrusted input (group ids).
func WithinRoot(root, name string) bool {
	joined := filepath.Join(root, name)
	rel, err := filepath.Rel(root, joined)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
