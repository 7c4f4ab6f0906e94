package cli

import (
	"strings"
	"time"

	"github.com/agent-pulse/pulse/internal/command"
	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/msglog"
)

// watchPoll is the drain interval while watch waits for messages.
const watchPoll = 500 * time.Millisecond

func runSend(args []string) {
	fs, configPath, dataDir := newFlagSet("send")
	pos, err := parseMixed(fs, args)
	if err != nil {
		emitErr(err)
		return
	}
	if len(pos) < 2 {
		emitErr(fault.New(fault.InvalidArgs, "usage: send <target> <message>"))
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	target, err := resolveTarget(inv, pos[0])
	if err != nil {
		emitErr(err)
		return
	}
	cmd := command.NewCommand(command.TypeSend)
	cmd.Target = target
	cmd.Content = strings.Join(pos[1:], " ")
	pushAndWait(inv, cmd)
}

// runDrain serves recv (consume) and peek (read-only).
func runDrain(name string, args []string, consume bool) {
	fs, configPath, dataDir := newFlagSet(name)
	f := filterFlags(fs)
	if _, err := parseMixed(fs, args); err != nil {
		emitErr(err)
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}
	if err := normalizeFilter(inv, f); err != nil {
		emitErr(err)
		return
	}

	log, err := openLog(inv)
	if err != nil {
		emitErr(err)
		return
	}
	var msgs []msglog.StoredMessage
	if consume {
		msgs, err = log.Drain(*f)
	} else {
		msgs, err = log.Peek(*f)
	}
	if err != nil {
		emitErr(err)
		return
	}
	if msgs == nil {
		msgs = []msglog.StoredMessage{}
	}
	emitOK(map[string]any{"messages": msgs, "count": len(msgs)})
}

// runWatch drains repeatedly until --count messages arrived or --timeout
// passed, then prints everything collected as one line.
func runWatch(args []string) {
	fs, configPath, dataDir := newFlagSet("watch")
	f := filterFlags(fs)
	count := fs.Int("count", 1, "messages to wait for")
	timeoutMS := fs.Int64("timeout", 30000, "max wait in milliseconds")
	if _, err := parseMixed(fs, args); err != nil {
		emitErr(err)
		return
	}
	if *count < 1 {
		emitErr(fault.New(fault.InvalidArgs, "--count must be at least 1"))
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}
	if err := normalizeFilter(inv, f); err != nil {
		emitErr(err)
		return
	}
	log, err := openLog(inv)
	if err != nil {
		emitErr(err)
		return
	}

	deadline := time.Now().Add(time.Duration(*timeoutMS) * time.Millisecond)
	collected := []msglog.StoredMessage{}
	for {
		batch, err := log.Drain(*f)
		if err != nil {
			emitErr(err)
			return
		}
		collected = append(collected, batch...)
		if len(collected) >= *count || !time.Now().Before(deadline) {
			break
		}
		time.Sleep(watchPoll)
	}
	emitOK(map[string]any{
		"messages": collected,
		"count":    len(collected),
		"complete": len(collected) >= *count,
	})
}

// runResult reads the results file: one record by cmdId, or the newest
// records when no id is given.
func runResult(args []string) {
	fs, configPath, dataDir := newFlagSet("result")
	limit := fs.Int("limit", 20, "max results when listing")
	pos, err := parseMixed(fs, args)
	if err != nil {
		emitErr(err)
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	results, err := channelFor(inv).Results()
	if err != nil {
		emitErr(err)
		return
	}
	if len(pos) > 0 {
		id := pos[0]
		for i := len(results) - 1; i >= 0; i-- {
			if results[i].CmdID == id {
				emitOK(map[string]any{"found": true, "result": results[i]})
				return
			}
		}
		emitOK(map[string]any{"found": false, "cmdId": id})
		return
	}
	if len(results) > *limit {
		results = results[len(results)-*limit:]
	}
	emitOK(map[string]any{"results": results, "count": len(results)})
}
