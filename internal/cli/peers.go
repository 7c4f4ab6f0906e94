package cli

import (
	"github.com/agent-pulse/pulse/internal/contacts"
	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/peers"
	"github.com/agent-pulse/pulse/internal/worker"
)

// runPeers lists the known-peers snapshot the worker writes with each
// heartbeat.
func runPeers(args []string) {
	fs, configPath, dataDir := newFlagSet("peers")
	if _, err := parseMixed(fs, args); err != nil {
		emitErr(err)
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	entries, err := worker.ReadPeers(inv.cfg.DataDir)
	if err != nil {
		emitErr(fault.Wrap(fault.FileError, err))
		return
	}
	if entries == nil {
		entries = []peers.Entry{}
	}
	emitOK(map[string]any{"peers": entries, "count": len(entries)})
}

func runContactAdd(args []string) {
	fs, configPath, dataDir := newFlagSet("contact-add")
	pos, err := parseMixed(fs, args)
	if err != nil {
		emitErr(err)
		return
	}
	if len(pos) < 2 {
		emitErr(fault.New(fault.InvalidArgs, "usage: contact-add <alias> <pubkey|npub>"))
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	if err := contacts.Open(inv.cfg.DataDir).Add(pos[0], pos[1]); err != nil {
		emitErr(err)
		return
	}
	emitOK(map[string]any{"added": pos[0]})
}

func runContactRemove(args []string) {
	fs, configPath, dataDir := newFlagSet("contact-remove")
	pos, err := parseMixed(fs, args)
	if err != nil {
		emitErr(err)
		return
	}
	if len(pos) < 1 {
		emitErr(fault.New(fault.InvalidArgs, "usage: contact-remove <alias>"))
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	if err := contacts.Open(inv.cfg.DataDir).Remove(pos[0]); err != nil {
		emitErr(err)
		return
	}
	emitOK(map[string]any{"removed": pos[0]})
}

func runContactList(args []string) {
	fs, configPath, dataDir := newFlagSet("contact-list")
	if _, err := parseMixed(fs, args); err != nil {
		emitErr(err)
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	list, err := contacts.Open(inv.cfg.DataDir).List()
	if err != nil {
		emitErr(err)
		return
	}
	if list == nil {
		list = []contacts.Entry{}
	}
	emitOK(map[string]any{"contacts": list, "count": len(list)})
}
