// Command voicedesk runs the voice support desk: the voice peer server, the
// terminal call client and the ticket dashboard.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicedesk/internal/app"
	"github.com/MrWong99/voicedesk/internal/config"
)

const defaultConfigPath = "config.yaml"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "voicedesk: %v\n", err)
		return 1
	}
	return 0
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string

	// level backs the process logger so serve can change it on reload.
	level *slog.LevelVar
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{level: new(slog.LevelVar)}

	root := &cobra.Command{
		Use:           "voicedesk",
		Short:         "Voice customer support desk",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", defaultConfigPath, "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(f),
		newCallCmd(f),
		newTicketsCmd(f),
		newMigrateCmd(f),
	)
	return root
}

// load reads the config file and installs the process logger. A missing
// file at the default path falls back to the built-in defaults.
func (f *rootFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	switch {
	case errors.Is(err, os.ErrNotExist) && f.configPath == defaultConfigPath:
		cfg, err = config.LoadFromReader(strings.NewReader(""))
		if err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", f.configPath)
	case err != nil:
		return nil, err
	}

	if f.logLevel != "" {
		lvl := config.LogLevel(f.logLevel)
		if !lvl.IsValid() {
			return nil, fmt.Errorf("--log-level %q is invalid; valid values: debug, info, warn, error", f.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}
	f.level.Set(app.ParseLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: f.level})))
	return cfg, nil
}
