package cli

import (
	"github.com/agent-pulse/pulse/internal/config"
	"github.com/agent-pulse/pulse/internal/fault"
	"github.com/agent-pulse/pulse/internal/identity"
	"github.com/agent-pulse/pulse/internal/service"
	"github.com/agent-pulse/pulse/internal/worker"
)

func runStart(args []string) {
	fs, configPath, dataDir := newFlagSet("start")
	ephemeral := fs.Bool("ephemeral", false, "fresh keypair, never persisted")
	if _, err := parseMixed(fs, args); err != nil {
		emitErr(err)
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	pid, err := service.Start(service.StartOptions{
		DataDir:    inv.cfg.DataDir,
		ConfigPath: inv.configPath,
		Ephemeral:  *ephemeral || config.Ephemeral(),
	})
	if err != nil {
		emitErr(err)
		return
	}
	emitOK(map[string]any{"started": true, "pid": pid, "dataDir": inv.cfg.DataDir})
}

func runStop(args []string) {
	fs, configPath, dataDir := newFlagSet("stop")
	if _, err := parseMixed(fs, args); err != nil {
		emitErr(err)
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}
	if err := service.Stop(inv.cfg.DataDir); err != nil {
		emitErr(err)
		return
	}
	emitOK(map[string]any{"stopped": true})
}

func runStatus(args []string) {
	fs, configPath, dataDir := newFlagSet("status")
	if _, err := parseMixed(fs, args); err != nil {
		emitErr(err)
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	pid, live := service.Running(inv.cfg.DataDir)
	if !live {
		emitOK(map[string]any{"running": false})
		return
	}
	out := map[string]any{"running": true, "pid": pid}
	if h, err := worker.ReadHealth(inv.cfg.DataDir); err == nil {
		out["health"] = h
	}
	emitOK(out)
}

// runMe prints the agent's public identity; the secret comes out only with
// an export token matching SECRET_KEY_EXPORT_AUTH.
func runMe(args []string) {
	fs, configPath, dataDir := newFlagSet("me")
	token := fs.String("auth-token", "", "secret export authorization token")
	if _, err := parseMixed(fs, args); err != nil {
		emitErr(err)
		return
	}
	inv, err := load(*configPath, *dataDir)
	if err != nil {
		emitErr(err)
		return
	}

	id, err := identity.LoadOrCreate(inv.cfg.DataDir, false)
	if err != nil {
		emitErr(fault.Wrap(fault.FileError, err))
		return
	}
	npub, err := id.Npub()
	if err != nil {
		emitErr(err)
		return
	}
	out := map[string]any{"pubkey": id.PublicKey, "npub": npub, "agentName": inv.cfg.AgentName}
	if *token != "" {
		hexKey, nsec, err := id.ExportSecret(*token)
		if err != nil {
			emitErr(err)
			return
		}
		out["secretKey"] = hexKey
		out["nsec"] = nsec
	}
	emitOK(out)
}
