// Package command defines the file-mediated command channel between CLI
// invocations and the worker, and the worker-side inbox that drains it.
package command

import (
	"time"

	"github.com/google/uuid"

	"github.com/agent-pulse/pulse/internal/fault"
)

// Command types the inbox executes.
const (
	TypeSend       = "send"
	TypeGroupSend  = "group_send"
	TypeJoinGroup  = "join_group"
	TypeLeaveGroup = "leave_group"
	TypeStop       = "stop"

	TypeGroupCreate   = "group_create"
	TypeGroupKick     = "group_kick"
	TypeGroupBan      = "group_ban"
	TypeGroupUnban    = "group_unban"
	TypeGroupMute     = "group_mute"
	TypeGroupUnmute   = "group_unmute"
	TypeGroupAdmin    = "group_admin"
	TypeGroupTransfer = "group_transfer"
	TypeRelayRecover  = "relay_recover"
)

// Command is one line of commands.jsonl. Target holds a pubkey, group
// member, or relay URL depending on Type; Duration is milliseconds for
// group_mute (0 means indefinite); Flag distinguishes promote from demote
// for group_admin.
type Command struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Target   string `json:"target,omitempty"`
	Content  string `json:"content,omitempty"`
	GroupID  string `json:"groupId,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Name     string `json:"name,omitempty"`
	Flag     bool   `json:"flag,omitempty"`
	Duration int64  `json:"duration,omitempty"`
	TS       int64  `json:"ts"`
}

// NewCommand stamps a command with an id and timestamp.
func NewCommand(cmdType string) Command {
	return Command{ID: uuid.NewString(), Type: cmdType, TS: time.Now().UnixMilli()}
}

// Result is one line of results.jsonl, keyed by the originating command id.
type Result struct {
	CmdID   string         `json:"cmdId"`
	Success bool           `json:"success"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	TS      int64          `json:"ts"`
}

// OK builds a success result for a command.
func OK(cmdID string) Result {
	return Result{CmdID: cmdID, Success: true, TS: time.Now().UnixMilli()}
}

// Failed builds a failure result carrying the fault code of err.
func Failed(cmdID string, err error) Result {
	return Result{
		CmdID:   cmdID,
		Success: false,
		Code:    string(fault.CodeOf(err)),
		Message: err.Error(),
		TS:      time.Now().UnixMilli(),
	}
}
