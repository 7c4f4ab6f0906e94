package group

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/store"
)

const groupsFile = "groups.json"

type groupsRecord struct {
	Groups map[string]*Group `json:"groups"`
}

// Manager owns all group state for one worker. Every mutating operation
// checks the invariants and persists the whole table atomically before
// returning.
type Manager struct {
	mu          sync.RWMutex
	groups      map[string]*Group
	path        string
	historyRoot string
}

// NewManager loads groups.json from the data directory, tolerating absence.
func NewManager(dataDir string) (*Manager, error) {
	m := &Manager{
		groups:      map[string]*Group{},
		path:        filepath.Join(dataDir, groupsFile),
		historyRoot: filepath.Join(dataDir, "group_history"),
	}
	var rec groupsRecord
	if err := store.ReadJSON(m.path, &rec); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("group: load: %w", err)
		}
	} else if rec.Groups != nil {
		m.groups = rec.Groups
	}
	for _, g := range m.groups {
		if g.Members == nil {
			g.Members = map[string]*Member{}
		}
	}
	return m, nil
}

// persist writes the table. Callers hold the write lock. The file carries
// topics, which are the group keys, so it stays owner-only.
func (m *Manager) persist() error {
	return store.WriteJSON(m.path, groupsRecord{Groups: m.groups}, 0o600)
}

// Create makes a new group owned by owner. Names must be at least 2 chars
// and not collide with an existing group's name.
func (m *Manager) Create(name, owner string) (*Group, error) {
	name = strings.TrimSpace(name)
	if len(name) < 2 {
		return nil, fault.New(fault.InvalidArgs, "group name must be at least 2 characters")
	}
	owner = strings.ToLower(owner)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.groups {
		if strings.EqualFold(g.Name, name) {
			return nil, fault.New(fault.GroupAlreadyExists, "a group named %q already exists (id %s)", name, g.ID)
		}
	}

	id := newGroupID()
	for m.groups[id] != nil {
		id = newGroupID()
	}

	now := nowMillis()
	g := &Group{
		ID:        id,
		Name:      name,
		Topic:     DefaultTopic(id),
		Owner:     owner,
		CreatedAt: now,
		Settings:  defaultSettings(),
		Members: map[string]*Member{
			owner: {PubKey: owner, Role: RoleOwner, JoinedAt: now, LastSeen: now},
		},
	}
	m.groups[id] = g
	if err := m.persist(); err != nil {
		delete(m.groups, id)
		return nil, err
	}
	return g.clone(), nil
}

func newGroupID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Join upserts pubkey as a member. Unknown groups become shell groups with
// no owner, so an invite (id + topic) is enough to participate.
func (m *Manager) Join(id, topic, pubkey, groupName string) (*Group, error) {
	pubkey = strings.ToLower(pubkey)

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		if topic == "" {
			topic = DefaultTopic(id)
		}
		if groupName == "" {
			groupName = id
		}
		g = &Group{
			ID:        id,
			Name:      groupName,
			Topic:     topic,
			CreatedAt: nowMillis(),
			Settings:  defaultSettings(),
			Members:   map[string]*Member{},
		}
		m.groups[id] = g
	}

	if member, exists := g.member(pubkey); exists {
		if member.IsBanned {
			return nil, fault.New(fault.MemberBanned, "%s is banned from group %s", short(pubkey), id)
		}
		member.LastSeen = nowMillis()
	} else {
		now := nowMillis()
		g.Members[pubkey] = &Member{PubKey: pubkey, Role: RoleMember, JoinedAt: now, LastSeen: now}
	}

	if err := m.persist(); err != nil {
		return nil, err
	}
	return g.clone(), nil
}

// Leave removes pubkey from the group. An owner with remaining members must
// transfer ownership first; the last member leaving deletes the group.
func (m *Manager) Leave(id, pubkey string) error {
	pubkey = strings.ToLower(pubkey)

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return fault.New(fault.GroupNotFound, "no group %s", id)
	}
	member, ok := g.member(pubkey)
	if !ok {
		return fault.New(fault.MemberNotFound, "%s is not in group %s", short(pubkey), id)
	}
	if member.Role == RoleOwner && len(g.Members) > 1 {
		return fault.New(fault.NotGroupOwner, "owner must transfer ownership before leaving")
	}

	delete(g.Members, pubkey)
	if len(g.Members) == 0 {
		delete(m.groups, id)
	}
	return m.persist()
}

// Kick removes target from the group. Requires an admin operator; the owner
// cannot be kicked.
func (m *Manager) Kick(id, operator, target string) error {
	return m.moderate(id, operator, target, true, func(g *Group, t *Member) error {
		delete(g.Members, strings.ToLower(target))
		return nil
	})
}

// Ban marks target banned. A stub member record is created when the target
// has never joined, so the ban holds for future join attempts.
func (m *Manager) Ban(id, operator, target string) error {
	target = strings.ToLower(target)

	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.requireAdmin(id, operator, target)
	if err != nil {
		return err
	}
	member, ok := g.member(target)
	if !ok {
		now := nowMillis()
		member = &Member{PubKey: target, Role: RoleMember, JoinedAt: now}
		g.Members[target] = member
	}
	member.IsBanned = true
	return m.persist()
}

// Unban clears a ban.
func (m *Manager) Unban(id, operator, target string) error {
	return m.moderate(id, operator, target, true, func(g *Group, t *Member) error {
		t.IsBanned = false
		return nil
	})
}

// Mute silences target for dur milliseconds; dur 0 mutes indefinitely.
func (m *Manager) Mute(id, operator, target string, dur int64) error {
	return m.moderate(id, operator, target, true, func(g *Group, t *Member) error {
		t.IsMuted = true
		if dur > 0 {
			t.MutedUntil = nowMillis() + dur
		} else {
			t.MutedUntil = 0
		}
		return nil
	})
}

// Unmute lifts a mute.
func (m *Manager) Unmute(id, operator, target string) error {
	return m.moderate(id, operator, target, true, func(g *Group, t *Member) error {
		t.IsMuted = false
		t.MutedUntil = 0
		return nil
	})
}

// SetAdmin promotes or demotes target. Owner only.
func (m *Manager) SetAdmin(id, operator, target string, admin bool) error {
	target = strings.ToLower(target)

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return fault.New(fault.GroupNotFound, "no group %s", id)
	}
	if !strings.EqualFold(g.Owner, operator) {
		return fault.New(fault.NotGroupOwner, "only the owner can change roles")
	}
	member, ok := g.member(target)
	if !ok {
		return fault.New(fault.MemberNotFound, "%s is not in group %s", short(target), id)
	}
	if member.Role == RoleOwner {
		return fault.New(fault.InvalidArgs, "cannot change the owner's role")
	}
	if admin {
		member.Role = RoleAdmin
	} else {
		member.Role = RoleMember
	}
	return m.persist()
}

// TransferOwnership makes target the owner and demotes the old owner to
// admin. The target must be a member in good standing.
func (m *Manager) TransferOwnership(id, operator, target string) error {
	operator = strings.ToLower(operator)
	target = strings.ToLower(target)

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return fault.New(fault.GroupNotFound, "no group %s", id)
	}
	if g.Owner != operator {
		return fault.New(fault.NotGroupOwner, "only the owner can transfer ownership")
	}
	next, ok := g.member(target)
	if !ok {
		return fault.New(fault.MemberNotFound, "%s is not in group %s", short(target), id)
	}
	if next.IsBanned {
		return fault.New(fault.MemberBanned, "cannot transfer ownership to a banned member")
	}

	if old, ok := g.member(operator); ok {
		old.Role = RoleAdmin
	}
	next.Role = RoleOwner
	next.IsMuted = false
	next.MutedUntil = 0
	g.Owner = target
	return m.persist()
}

// CanSend checks the write policy for pubkey in a group. An expired mute is
// cleared here, on the first send check after expiry.
func (m *Manager) CanSend(id, pubkey string) error {
	pubkey = strings.ToLower(pubkey)

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return fault.New(fault.GroupNotFound, "no group %s", id)
	}
	member, ok := g.member(pubkey)
	if !ok {
		return fault.New(fault.MemberNotFound, "%s is not in group %s", short(pubkey), id)
	}
	if member.IsBanned {
		return fault.New(fault.MemberBanned, "banned from group %s", id)
	}
	now := nowMillis()
	if member.IsMuted {
		if muteActive(member, now) {
			return fault.New(fault.MemberMuted, "muted in group %s", id)
		}
		member.IsMuted = false
		member.MutedUntil = 0
		if err := m.persist(); err != nil {
			return err
		}
	}
	return nil
}

// TouchMember updates a member's lastSeen when a group message arrives.
// Unknown members are ignored.
func (m *Manager) TouchMember(id, pubkey string, ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return
	}
	if member, ok := g.member(pubkey); ok {
		member.LastSeen = ts
		m.persist()
	}
}

// Get returns a copy of one group.
func (m *Manager) Get(id string) (*Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, false
	}
	return g.clone(), true
}

// ByTopic finds the group subscribed under a topic.
func (m *Manager) ByTopic(topic string) (*Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.groups {
		if g.Topic == topic {
			return g.clone(), true
		}
	}
	return nil, false
}

// List returns copies of all groups sorted by creation time.
func (m *Manager) List() []*Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Count is the number of groups.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.groups)
}

// Topics returns every group topic, for subscription setup.
func (m *Manager) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g.Topic)
	}
	sort.Strings(out)
	return out
}

// requireAdmin validates a moderation call: group exists, operator is
// admin or owner, and the target is not the owner. Callers hold the lock.
func (m *Manager) requireAdmin(id, operator, target string) (*Group, error) {
	g, ok := m.groups[id]
	if !ok {
		return nil, fault.New(fault.GroupNotFound, "no group %s", id)
	}
	if _, ok := g.member(operator); !ok {
		return nil, fault.New(fault.MemberNotFound, "operator is not in group %s", id)
	}
	if !g.isAdmin(operator) {
		return nil, fault.New(fault.NotGroupOwner, "admin role required")
	}
	if strings.EqualFold(g.Owner, target) {
		return nil, fault.New(fault.InvalidArgs, "the owner cannot be targeted")
	}
	return g, nil
}

// moderate wraps the common admin-op shape: permission checks, an existing
// target member when mustExist, the mutation, then persist.
func (m *Manager) moderate(id, operator, target string, mustExist bool, fn func(*Group, *Member) error) error {
	target = strings.ToLower(target)

	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.requireAdmin(id, operator, target)
	if err != nil {
		return err
	}
	member, ok := g.member(target)
	if !ok && mustExist {
		return fault.New(fault.MemberNotFound, "%s is not in group %s", short(target), id)
	}
	if err := fn(g, member); err != nil {
		return err
	}
	return m.persist()
}
