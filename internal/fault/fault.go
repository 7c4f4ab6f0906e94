// Package fault defines the stable machine codes surfaced to the CLI and
// the error type carrying them between components.
package fault

import (
	"errors"
	"fmt"
)

type Code string

const (
	ServiceNotRunning     Code = "SERVICE_NOT_RUNNING"
	ServiceAlreadyRunning Code = "SERVICE_ALREADY_RUNNING"
	ServiceStartFailed    Code = "SERVICE_START_FAILED"
	ServiceStopFailed     Code = "SERVICE_STOP_FAILED"

	NetworkDisconnected Code = "NETWORK_DISCONNECTED"
	NetworkSendFailed   Code = "NETWORK_SEND_FAILED"
	RelayAllFailed      Code = "RELAY_ALL_FAILED"

	InvalidArgs      Code = "INVALID_ARGS"
	InvalidPubKey    Code = "INVALID_PUBKEY"
	InvalidSignature Code = "INVALID_SIGNATURE"
	KeyTypeMismatch  Code = "KEY_TYPE_MISMATCH"
	ExportDenied     Code = "EXPORT_DENIED"

	GroupNotFound      Code = "GROUP_NOT_FOUND"
	GroupAlreadyExists Code = "GROUP_ALREADY_EXISTS"
	NotGroupOwner      Code = "NOT_GROUP_OWNER"
	MemberNotFound     Code = "MEMBER_NOT_FOUND"
	MemberBanned       Code = "MEMBER_BANNED"
	MemberMuted        Code = "MEMBER_MUTED"

	MessageExpired        Code = "MESSAGE_EXPIRED"
	MessageRetryExhausted Code = "MESSAGE_RETRY_EXHAUSTED"

	FileError      Code = "FILE_ERROR"
	LockTimeout    Code = "LOCK_TIMEOUT"
	RateLimited    Code = "RATE_LIMITED"
	UnknownCommand Code = "UNKNOWN_COMMAND"
	Internal       Code = "INTERNAL_ERROR"
)

// Error pairs a stable machine code with a human message. Components return
// it for anything that must cross the CLI boundary as a result record.
type Error struct {
	Code    Code
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.wrapped }

// New builds a fault with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error, keeping it unwrappable.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return &Error{Code: code}
	}
	return &Error{Code: code, Message: err.Error(), wrapped: err}
}

// CodeOf extracts the machine code from err, walking the wrap chain.
// Errors without a fault code map to INTERNAL_ERROR.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Internal
}

var suggestions = map[Code]string{
	ServiceNotRunning:     "run 'pulse start'",
	ServiceAlreadyRunning: "run 'pulse stop' first, or 'pulse status' to inspect it",
	ServiceStartFailed:    "check the worker log and retry 'pulse start'",
	ServiceStopFailed:     "kill the PID from server.pid manually",
	NetworkDisconnected:   "check connectivity; the worker reconnects automatically",
	NetworkSendFailed:     "message was queued for retry; check 'pulse queue-status'",
	RelayAllFailed:        "check 'pulse relay-status' and consider 'pulse relay-recover <url>'",
	InvalidArgs:           "run the command again with the required arguments",
	InvalidPubKey:         "pass a 64-char hex key, an npub, or a saved contact name",
	GroupNotFound:         "run 'pulse groups' to list known groups",
	NotGroupOwner:         "only the group owner can do this; ask them or use 'group-transfer'",
	MemberNotFound:        "run 'pulse group-members <id>' to see who is in the group",
	MemberBanned:          "an admin must 'group-unban' this member first",
	MemberMuted:           "wait for the mute to expire or ask an admin to 'group-unmute'",
	MessageRetryExhausted: "the target was unreachable; send again later",
	LockTimeout:           "another pulse process is busy; retry in a moment",
	RateLimited:           "too many commands at once; slow down and retry",
	UnknownCommand:        "run 'pulse help' for the command list",
}

// Suggest returns the recovery hint for a code, or "" when there is none.
func Suggest(code Code) string { return suggestions[code] }
