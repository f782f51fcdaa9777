// Command fieldsync is the local-first sync agent for chairworks field
// technicians: it queues work recorded offline and delivers it to the
// backend whenever connectivity allows.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chairworks/fieldsync/internal/cache"
	"github.com/chairworks/fieldsync/internal/config"
	"github.com/chairworks/fieldsync/internal/engine"
	"github.com/chairworks/fieldsync/internal/logging"
	"github.com/chairworks/fieldsync/internal/netmon"
	"github.com/chairworks/fieldsync/internal/remote"
	"github.com/chairworks/fieldsync/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first sync agent for field service work",
	Long: `fieldsync queues jobs, chair updates, service requests, stock
movements, and photos recorded in the field, and synchronizes them to
the backend whenever the network allows.

All state lives in a local SQLite database; nothing is lost when the
device goes offline mid-shift.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the config file")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resetCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.fieldsync/config.yaml"
	}
	return "fieldsync.yaml"
}

// app bundles everything a command needs, with a single teardown.
type app struct {
	cfg    *config.Config
	store  *store.Store
	engine *engine.Engine
	logger *slog.Logger
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
	}
}

// openApp loads the configuration and wires the engine. One-shot
// commands get on-demand connectivity probing; the daemon swaps in a
// polling monitor itself.
func openApp(ctx context.Context, conn engine.Connectivity, notifier engine.Notifier) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat, cfg.LogDir())

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}

	client := remote.New(cfg.RemoteURL, time.Duration(cfg.RequestTimeoutSeconds)*time.Second, tokenFromEnv, logger)

	if conn == nil {
		conn = &probeOnDemand{prober: &netmon.HTTPProber{URL: cfg.ProbeURL}}
	}

	eng, err := engine.New(engine.Options{
		Config:     cfg,
		ConfigPath: configPath,
		Store:      st,
		Remote:     client,
		Monitor:    conn,
		Cache:      cache.New(st, logger),
		Logger:     logger,
		Notifier:   notifier,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := eng.Initialize(ctx); err != nil {
		st.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: st, engine: eng, logger: logger}, nil
}

// tokenFromEnv reads the API credential. Device provisioning places it
// in the environment; an empty value sends unauthenticated requests.
func tokenFromEnv(ctx context.Context) (string, error) {
	return os.Getenv("FIELDSYNC_TOKEN"), nil
}

// probeOnDemand gives one-shot commands a connectivity view without a
// background poll loop: every check probes the link right now.
type probeOnDemand struct {
	prober netmon.Prober
}

func (p *probeOnDemand) Online() bool {
	return p.Link().Online
}

func (p *probeOnDemand) Link() netmon.Link {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.prober.Probe(ctx)
}

func (p *probeOnDemand) Reachable() <-chan struct{} {
	return nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
