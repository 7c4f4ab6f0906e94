// Package cli is the JSON-out command front-end. Every invocation prints
// exactly one line of JSON to stdout and exits 0; failures travel inside
// the JSON as {ok:false, code, error, suggestion}, never in the exit code.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/agent-pulse/pulse/internal/command"
	"github.com/agent-pulse/pulse/internal/config"
	"github.com/agent-pulse/pulse/internal/contacts"
	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/identity"
	"github.com/agent-pulse/pulse/internal/msglog"
	"github.com/agent-pulse/pulse/internal/service"
	"github.com/agent-pulse/pulse/internal/store"
)

// stdout is swappable so tests can capture the one JSON line.
var stdout io.Writer = os.Stdout

// resultWait bounds how long an invocation waits for the worker to act on a
// pushed command before reporting it as queued.
const resultWait = 5 * time.Second

// Run executes one CLI invocation. It never signals failure through the
// process exit code.
func Run(args []string) {
	if len(args) == 0 {
		runHelp(nil)
		return
	}
	name, rest := args[0], args[1:]
	switch name {
	case "start":
		runStart(rest)
	case "stop":
		runStop(rest)
	case "status":
		runStatus(rest)
	case "me":
		runMe(rest)
	case "send":
		runSend(rest)
	case "recv":
		runDrain("recv", rest, true)
	case "peek":
		runDrain("peek", rest, false)
	case "watch":
		runWatch(rest)
	case "result":
		runResult(rest)
	case "groups":
		runGroups(rest)
	case "group-create":
		runGroupCreate(rest)
	case "group-join":
		runGroupJoin(rest)
	case "group-leave":
		runGroupLeave(rest)
	case "group-send":
		runGroupSend(rest)
	case "group-members":
		runGroupMembers(rest)
	case "group-history":
		runGroupHistory(rest)
	case "group-kick":
		runModeration(command.TypeGroupKick, rest)
	case "group-ban":
		runModeration(command.TypeGroupBan, rest)
	case "group-unban":
		runModeration(command.TypeGroupUnban, rest)
	case "group-mute":
		runModeration(command.TypeGroupMute, rest)
	case "group-unmute":
		runModeration(command.TypeGroupUnmute, rest)
	case "group-admin":
		runModeration(command.TypeGroupAdmin, rest)
	case "group-transfer":
		runModeration(command.TypeGroupTransfer, rest)
	case "queue-status":
		runQueueStatus(rest)
	case "relay-status":
		runRelayStatus(rest)
	case "relay-health":
		runRelayHealth(rest)
	case "relay-recover":
		runRelayRecover(rest)
	case "relay-blacklist":
		runRelayBlacklist(rest)
	case "peers":
		runPeers(rest)
	case "contact-add":
		runContactAdd(rest)
	case "contact-remove":
		runContactRemove(rest)
	case "contact-list":
		runContactList(rest)
	case "help", "-h", "--help":
		runHelp(rest)
	default:
		emitErr(fault.New(fault.UnknownCommand, "unknown command %q", name))
	}
}

// invocation is the resolved per-call context: the effective config and the
// explicit --config value, which start forwards to the worker child.
type invocation struct {
	cfg        config.Config
	configPath string
}

// newFlagSet builds a flag set carrying the global --config/--data-dir
// flags every command accepts.
func newFlagSet(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "config file path")
	dataDir := fs.String("data-dir", "", "data directory override")
	return fs, configPath, dataDir
}

// parseMixed parses fs accepting flags before, between, and after
// positional arguments, returning the positionals in order.
func parseMixed(fs *flag.FlagSet, args []string) ([]string, error) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, fault.New(fault.InvalidArgs, "%v", err)
		}
		args = fs.Args()
		if len(args) == 0 {
			return pos, nil
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
}

func load(configPath, dataDir string) (invocation, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return invocation{}, fault.Wrap(fault.FileError, err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return invocation{cfg: cfg, configPath: configPath}, nil
}

// emit writes v as one JSON line. A marshal failure still produces a valid
// line so the one-line contract holds no matter what.
func emit(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(stdout, "{\"ok\":false,\"code\":%q,\"error\":%q}\n", fault.Internal, "encode output: "+err.Error())
		return
	}
	fmt.Fprintln(stdout, string(data))
}

// emitOK prints a success line with extra fields merged in.
func emitOK(fields map[string]any) {
	out := map[string]any{"ok": true}
	for k, v := range fields {
		out[k] = v
	}
	emit(out)
}

// emitErr prints a failure line carrying the fault code and suggestion.
func emitErr(err error) {
	code := fault.CodeOf(err)
	msg := err.Error()
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Message != "" {
		msg = fe.Message
	}
	out := map[string]any{"ok": false, "code": string(code), "error": msg}
	if s := fault.Suggest(code); s != "" {
		out["suggestion"] = s
	}
	emit(out)
}

// emitResult prints a worker result under the one-line contract.
func emitResult(res command.Result) {
	if !res.Success {
		out := map[string]any{"ok": false, "cmdId": res.CmdID, "code": res.Code, "error": res.Message}
		if s := fault.Suggest(fault.Code(res.Code)); s != "" {
			out["suggestion"] = s
		}
		emit(out)
		return
	}
	out := map[string]any{"ok": true, "cmdId": res.CmdID}
	if res.Message != "" {
		out["message"] = res.Message
	}
	for k, v := range res.Data {
		out[k] = v
	}
	emit(out)
}

func channelFor(inv invocation) *command.Channel {
	return command.NewChannel(inv.cfg.DataDir, store.NewLock(inv.cfg.DataDir))
}

// pushAndWait appends cmd and waits briefly for its result. Messages out-
// survive a dead worker: with no worker running the command stays queued
// and is reported as accepted.
func pushAndWait(inv invocation, cmd command.Command) {
	ch := channelFor(inv)
	if err := ch.Push(cmd); err != nil {
		emitErr(err)
		return
	}
	if _, live := service.Running(inv.cfg.DataDir); !live {
		emitOK(map[string]any{"queued": true, "cmdId": cmd.ID,
			"note": "worker not running; the command runs at next start"})
		return
	}
	waitResult(ch, cmd.ID)
}

// pushToWorker is pushAndWait for commands that only make sense against a
// live worker (group membership, relay recovery).
func pushToWorker(inv invocation, cmd command.Command) {
	if _, live := service.Running(inv.cfg.DataDir); !live {
		emitErr(fault.New(fault.ServiceNotRunning, "the worker is not running"))
		return
	}
	ch := channelFor(inv)
	if err := ch.Push(cmd); err != nil {
		emitErr(err)
		return
	}
	waitResult(ch, cmd.ID)
}

func waitResult(ch *command.Channel, cmdID string) {
	ctx, cancel := context.WithTimeout(context.Background(), resultWait)
	defer cancel()
	if res, ok := ch.ResultFor(ctx, cmdID); ok {
		emitResult(res)
		return
	}
	emitOK(map[string]any{"queued": true, "cmdId": cmdID})
}

// resolveTarget turns a hex key, npub, or saved contact alias into a hex
// pubkey.
func resolveTarget(inv invocation, target string) (string, error) {
	if pk, err := identity.NormalizePubKey(target); err == nil {
		return pk, nil
	}
	if pk, ok := contacts.Open(inv.cfg.DataDir).Resolve(target); ok {
		return identity.NormalizePubKey(pk)
	}
	return "", fault.New(fault.InvalidPubKey, "%q is not a key or saved contact", target)
}

// openLog builds the message-log handle read commands use.
func openLog(inv invocation) (*msglog.Log, error) {
	key, err := store.LoadStorageKey(inv.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	envlp, err := store.NewEnvelope(key)
	if err != nil {
		return nil, err
	}
	return msglog.New(inv.cfg.DataDir, envlp, store.NewLock(inv.cfg.DataDir)), nil
}

// filterFlags registers the shared message-filter flags on fs.
func filterFlags(fs *flag.FlagSet) *msglog.Filter {
	f := &msglog.Filter{}
	fs.StringVar(&f.From, "from", "", "sender pubkey, npub, or contact")
	fs.Int64Var(&f.Since, "since", 0, "ms timestamp lower bound")
	fs.Int64Var(&f.Until, "until", 0, "ms timestamp upper bound")
	fs.StringVar(&f.Search, "search", "", "content substring")
	fs.StringVar(&f.Group, "group", "", "group id, or - for direct only")
	fs.IntVar(&f.Limit, "limit", 0, "max messages")
	fs.IntVar(&f.Offset, "offset", 0, "messages to skip")
	return f
}

// normalizeFilter resolves the --from value through the same path as send
// targets.
func normalizeFilter(inv invocation, f *msglog.Filter) error {
	if f.From == "" {
		return nil
	}
	pk, err := resolveTarget(inv, f.From)
	if err != nil {
		return err
	}
	f.From = pk
	return nil
}
