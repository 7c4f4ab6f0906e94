// Command pulse is the agent messenger binary. Invoked normally it acts as
// the JSON-out CLI; invoked with the hidden __worker argument (which the CLI
// does itself when starting the service) it becomes the long-running relay
// worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/agent-pulse/pulse/internal/cli"
	"github.com/agent-pulse/pulse/internal/config"
	"github.com/agent-pulse/pulse/internal/service"
	"github.com/agent-pulse/pulse/internal/worker"
)

func main() {
	godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == service.WorkerArg {
		setupLogging(slog.LevelInfo)
		os.Exit(runWorker(os.Args[2:]))
	}

	// The CLI speaks JSON on stdout; logs stay on stderr and default to
	// warnings only so they never pollute scripted output.
	setupLogging(slog.LevelWarn)
	cli.Run(os.Args[1:])
}

func runWorker(args []string) int {
	fs := flag.NewFlagSet(service.WorkerArg, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to config file")
	dataDir := fs.String("data-dir", "", "data directory override")
	ephemeral := fs.Bool("ephemeral", false, "do not persist the identity key")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "worker: bad arguments: %v\n", err)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: config error: %v\n", err)
		return 1
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	w, err := worker.New(cfg, *ephemeral || config.Ephemeral())
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return 1
	}
	return 0
}

// setupLogging installs the process-wide slog logger on stderr. LOG_LEVEL
// overrides the per-mode default and LOG_JSON switches to the JSON handler.
func setupLogging(fallback slog.Level) {
	level := fallback
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_JSON"), "true") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
