// Package contacts is the flat alias → pubkey book the CLI consults when a
// send target is neither hex nor an npub.
package contacts

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/identity"
	"github.com/agent-pulse/pulse/internal/store"
)

const contactsFile = "contacts.json"

type book struct {
	Aliases map[string]string `json:"aliases"`
}

// Book reads and writes the contacts file in a data directory.
type Book struct {
	path string
}

func Open(dataDir string) *Book {
	return &Book{path: filepath.Join(dataDir, contactsFile)}
}

func (b *Book) load() (book, error) {
	var data book
	if err := store.ReadJSON(b.path, &data); err != nil && !os.IsNotExist(err) {
		return data, err
	}
	if data.Aliases == nil {
		data.Aliases = map[string]string{}
	}
	return data, nil
}

// Resolve maps an alias to its pubkey.
func (b *Book) Resolve(alias string) (string, bool) {
	data, err := b.load()
	if err != nil {
		return "", false
	}
	pk, ok := data.Aliases[strings.TrimSpace(alias)]
	return pk, ok
}

// Add saves an alias for a pubkey (hex or npub).
func (b *Book) Add(alias, target string) error {
	alias = strings.TrimSpace(alias)
	if alias == "" || strings.HasPrefix(alias, "npub1") || len(alias) == 64 {
		return fault.New(fault.InvalidArgs, "alias %q would shadow a key", alias)
	}
	pk, err := identity.NormalizePubKey(target)
	if err != nil {
		return err
	}
	data, err := b.load()
	if err != nil {
		return err
	}
	data.Aliases[alias] = pk
	return store.WriteJSON(b.path, data, 0o644)
}

// Remove deletes an alias.
func (b *Book) Remove(alias string) error {
	data, err := b.load()
	if err != nil {
		return err
	}
	alias = strings.TrimSpace(alias)
	if _, ok := data.Aliases[alias]; !ok {
		return fault.New(fault.InvalidArgs, "no contact named %q", alias)
	}
	delete(data.Aliases, alias)
	return store.WriteJSON(b.path, data, 0o644)
}

// Entry is one alias → pubkey pair.
type Entry struct {
	Alias  string `json:"alias"`
	PubKey string `json:"pubkey"`
}

// List returns all contacts sorted by alias.
func (b *Book) List() ([]Entry, error) {
	data, err := b.load()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(data.Aliases))
	for alias, pk := range data.Aliases {
		out = append(out, Entry{Alias: alias, PubKey: pk})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}
