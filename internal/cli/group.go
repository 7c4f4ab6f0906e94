package cli

import (
	"sort"
	"strconv"
	"strings"

	"github.com/agent-pulse/pulse/internal/command"
	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/group"
)

func runGroups(args []string) {
	fs, configPath, dataDir := newFlagSet("groups")
	if _, err := parseMixed(fs, args); err != nil {
		emitErr(err)
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	m, err := group.NewManager(inv.cfg.DataDir)
	if err != nil {
		emitErr(err)
		return
	}
	list := m.List()
	rows := make([]map[string]any, 0, len(list))
	for _, g := range list {
		rows = append(rows, map[string]any{
			"id":        g.ID,
			"name":      g.Name,
			"topic":     g.Topic,
			"owner":     g.Owner,
			"members":   len(g.Members),
			"createdAt": g.CreatedAt,
		})
	}
	emitOK(map[string]any{"groups": rows, "count": len(rows)})
}

func runGroupCreate(args []string) {
	fs, configPath, dataDir := newFlagSet("group-create")
	pos, err := parseMixed(fs, args)
	if err != nil {
		emitErr(err)
		return
	}
	if len(pos) < 1 {
		emitErr(fault.New(fault.InvalidArgs, "usage: group-create <name>"))
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	cmd := command.NewCommand(command.TypeGroupCreate)
	cmd.Name = strings.Join(pos, " ")
	pushToWorker(inv, cmd)
}

func runGroupJoin(args []string) {
	fs, configPath, dataDir := newFlagSet("group-join")
	name := fs.String("name", "", "group display name")
	pos, err := parseMixed(fs, args)
	if err != nil {
		emitErr(err)
		return
	}
	if len(pos) < 1 {
		emitErr(fault.New(fault.InvalidArgs, "usage: group-join <groupId> [topic]"))
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	cmd := command.NewCommand(command.TypeJoinGroup)
	cmd.GroupID = pos[0]
	if len(pos) > 1 {
		cmd.Topic = pos[1]
	}
	cmd.Name = *name
	pushToWorker(inv, cmd)
}

func runGroupLeave(args []string) {
	fs, configPath, dataDir := newFlagSet("group-leave")
	pos, err := parseMixed(fs, args)
	if err != nil {
		emitErr(err)
		return
	}
	if len(pos) < 1 {
		emitErr(fault.New(fault.InvalidArgs, "usage: group-leave <groupId>"))
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	cmd := command.NewCommand(command.TypeLeaveGroup)
	cmd.GroupID = pos[0]
	pushToWorker(inv, cmd)
}

func runGroupSend(args []string) {
	fs, configPath, dataDir := newFlagSet("group-send")
	pos, err := parseMixed(fs, args)
	if err != nil {
		emitErr(err)
		return
	}
	if len(pos) < 2 {
		emitErr(fault.New(fault.InvalidArgs, "usage: group-send <groupId> <message>"))
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	cmd := command.NewCommand(command.TypeGroupSend)
	cmd.GroupID = pos[0]
	cmd.Content = strings.Join(pos[1:], " ")
	pushAndWait(inv, cmd)
}

func runGroupMembers(args []string) {
	fs, configPath, dataDir := newFlagSet("group-members")
	pos, err := parseMixed(fs, args)
	if err != nil {
		emitErr(err)
		return
	}
	if len(pos) < 1 {
		emitErr(fault.New(fault.InvalidArgs, "usage: group-members <groupId>"))
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	m, err := group.NewManager(inv.cfg.DataDir)
	if err != nil {
		emitErr(err)
		return
	}
	g, ok := m.Get(pos[0])
	if !ok {
		emitErr(fault.New(fault.GroupNotFound, "no group %s", pos[0]))
		return
	}
	members := make([]*group.Member, 0, len(g.Members))
	for _, mem := range g.Members {
		members = append(members, mem)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].JoinedAt < members[j].JoinedAt })
	emitOK(map[string]any{
		"groupId": g.ID,
		"name":    g.Name,
		"topic":   g.Topic,
		"owner":   g.Owner,
		"members": members,
		"count":   len(members),
	})
}

func runGroupHistory(args []string) {
	fs, configPath, dataDir := newFlagSet("group-history")
	limit := fs.Int("limit", 50, "max records, newest kept")
	pos, err := parseMixed(fs, args)
	if err != nil {
		emitErr(err)
		return
	}
	if len(pos) < 1 {
		emitErr(fault.New(fault.InvalidArgs, "usage: group-history <groupId>"))
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	m, err := group.NewManager(inv.cfg.DataDir)
	if err != nil {
		emitErr(err)
		return
	}
	if _, ok := m.Get(pos[0]); !ok {
		emitErr(fault.New(fault.GroupNotFound, "no group %s", pos[0]))
		return
	}
	recs, err := m.History(pos[0], *limit)
	if err != nil {
		emitErr(err)
		return
	}
	emitOK(map[string]any{"groupId": pos[0], "messages": recs, "count": len(recs)})
}

var moderationUsage = map[string]string{
	command.TypeGroupKick:     "group-kick <groupId> <target>",
	command.TypeGroupBan:      "group-ban <groupId> <target>",
	command.TypeGroupUnban:    "group-unban <groupId> <target>",
	command.TypeGroupMute:     "group-mute <groupId> <target> [durationMs]",
	command.TypeGroupUnmute:   "group-unmute <groupId> <target>",
	command.TypeGroupAdmin:    "group-admin <groupId> <target> <true|false>",
	command.TypeGroupTransfer: "group-transfer <groupId> <target>",
}

// runModeration handles the admin-gated membership commands, which share
// one shape: group id, target key, and for mute/admin one extra argument.
func runModeration(cmdType string, args []string) {
	fs, configPath, dataDir := newFlagSet(cmdType)
	pos, err := parseMixed(fs, args)
	if err != nil {
		emitErr(err)
		return
	}
	if len(pos) < 2 {
		emitErr(fault.New(fault.InvalidArgs, "usage: %s", moderationUsage[cmdType]))
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	target, err := resolveTarget(inv, pos[1])
	if err != nil {
		emitErr(err)
		return
	}
	cmd := command.NewCommand(cmdType)
	cmd.GroupID = pos[0]
	cmd.Target = target

	switch cmdType {
	case command.TypeGroupMute:
		if len(pos) > 2 {
			d, err := strconv.ParseInt(pos[2], 10, 64)
			if err != nil || d < 0 {
				emitErr(fault.New(fault.InvalidArgs, "duration must be a non-negative millisecond count"))
				return
			}
			cmd.Duration = d
		}
	case command.TypeGroupAdmin:
		if len(pos) < 3 {
			emitErr(fault.New(fault.InvalidArgs, "usage: %s", moderationUsage[cmdType]))
			return
		}
		flagVal, err := strconv.ParseBool(pos[2])
		if err != nil {
			emitErr(fault.New(fault.InvalidArgs, "expected true or false, got %q", pos[2]))
			return
		}
		cmd.Flag = flagVal
	}
	pushToWorker(inv, cmd)
}
