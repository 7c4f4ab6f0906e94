// Package group holds the state machine for groups, members, roles, bans
// and mutes, with JSON persistence and per-group history files.
package group

import (
	"strings"
	"time"
)

// Member roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Member is one participant's record inside a group.
type Member struct {
	PubKey     string `json:"pubkey"`
	Role       string `json:"role"`
	JoinedAt   int64  `json:"joinedAt"`
	LastSeen   int64  `json:"lastSeen"`
	IsMuted    bool   `json:"isMuted"`
	MutedUntil int64  `json:"mutedUntil"` // 0 = indefinite while muted
	IsBanned   bool   `json:"isBanned"`
}

// Settings are per-group toggles.
type Settings struct {
	IsPublic       bool `json:"isPublic"`
	AllowInvite    bool `json:"allowInvite"`
	HistoryVisible bool `json:"historyVisible"`
}

// Group is one group's full state. Owner is empty for groups we were invited
// into whose origin is unknown.
type Group struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Topic     string             `json:"topic"`
	Owner     string             `json:"owner"`
	Members   map[string]*Member `json:"members"`
	CreatedAt int64              `json:"createdAt"`
	Settings  Settings           `json:"settings"`
}

func defaultSettings() Settings {
	return Settings{IsPublic: false, AllowInvite: true, HistoryVisible: true}
}

// DefaultTopic is the topic used when none is given for a group id.
func DefaultTopic(id string) string { return "group-" + id }

func (g *Group) member(pubkey string) (*Member, bool) {
	m, ok := g.Members[strings.ToLower(pubkey)]
	return m, ok
}

// isAdmin reports whether pubkey holds admin or owner role.
func (g *Group) isAdmin(pubkey string) bool {
	m, ok := g.member(pubkey)
	return ok && (m.Role == RoleOwner || m.Role == RoleAdmin)
}

// muteActive reports whether a mute is still in force at now (ms).
func muteActive(m *Member, now int64) bool {
	if !m.IsMuted {
		return false
	}
	return m.MutedUntil == 0 || m.MutedUntil > now
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func short(pk string) string {
	if len(pk) <= 8 {
		return pk
	}
	return pk[:8]
}

// clone returns a deep copy so callers can't mutate manager state.
func (g *Group) clone() *Group {
	cp := *g
	cp.Members = make(map[string]*Member, len(g.Members))
	for k, m := range g.Members {
		mc := *m
		cp.Members[k] = &mc
	}
	return &cp
}
