package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"maas-ws/internal/infra/config"
	"maas-ws/internal/infra/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app holds the global flags and what PersistentPreRunE loads from them.
type app struct {
	out        io.Writer
	configPath string
	logLevel   string
	timeout    time.Duration

	cfg      *config.Config
	log      *slog.Logger
	logClose func() error
}

// commands that run without loading the config.
var skipSetup = map[string]bool{
	"help":       true,
	"completion": true,
	"version":    true,
	"encrypt":    true,
	"doctor":     true,
	"init":       true,
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:   "maasws",
		Short: "maasws - a client for the MAAS websocket RPC API",
		Long: `maasws talks to a MAAS region over its websocket API.

It correlates requests with responses, follows batched list results,
polls endpoints on an interval and streams every published event.

The session credential is read from the environment on every connection
attempt (MAAS_CSRF_TOKEN and MAAS_SESSION_ID by default).`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", defaultConfigPath(), "Configuration file path")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	pf.DurationVar(&a.timeout, "timeout", 30*time.Second, "How long to wait for a response")

	root.AddCommand(
		a.newCallCmd(),
		a.newFetchCmd(),
		a.newPollCmd(),
		a.newWatchCmd(),
		a.newDoctorCmd(),
		a.newInitCmd(),
		a.newEncryptCmd(),
		a.newVersionCmd(),
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("MAASWS_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if skipSetup[cmd.Name()] {
		return nil
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logger.Level = a.logLevel
	}

	log, closer, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.cfg, a.log, a.logClose = cfg, log, closer
	return nil
}

func (a *app) teardown(*cobra.Command, []string) error {
	if a.logClose == nil {
		return nil
	}
	return a.logClose()
}

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(a.out, "maasws %s\n", version)
			return err
		},
	}
}
