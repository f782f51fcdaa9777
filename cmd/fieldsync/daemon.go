package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chairworks/fieldsync/internal/config"
	"github.com/chairworks/fieldsync/internal/netmon"
	"github.com/chairworks/fieldsync/internal/spool"
	"github.com/chairworks/fieldsync/internal/status"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync agent in the foreground",
	Long: `Run the full sync agent: the network monitor, the periodic sync
scheduler, the photo spool watcher, and (when status_port is set) the
local status server with its WebSocket event stream.

Example usage:
  fieldsync daemon
  FIELDSYNC_SYNC_SYNC_INTERVAL_MINUTES=5 fieldsync daemon

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg, err := config.Load(configPath)
		if err != nil {
			fatal("%v", err)
		}

		monitor := netmon.New(netmon.Config{
			Prober: &netmon.HTTPProber{URL: cfg.ProbeURL},
		})

		a, err := openApp(ctx, monitor, nil)
		if err != nil {
			fatal("%v", err)
		}
		defer a.close()

		if a.cfg.StatusPort > 0 {
			notifier := status.NewServer(a.cfg.StatusPort, a.engine, a.logger)
			a.engine.SetNotifier(notifier)
			if err := notifier.Start(); err != nil {
				fatal("failed to start status server: %v", err)
			}
			defer func() {
				if err := notifier.Stop(); err != nil {
					a.logger.Warn("status server stop failed", "error", err)
				}
			}()
			fmt.Printf("Status server: http://%s/report\n", notifier.Addr())
		}

		watcher, err := spool.NewWatcher(a.cfg.SpoolDir(), a.cfg.BlobDir(), a.engine, a.logger)
		if err != nil {
			fatal("failed to create spool watcher: %v", err)
		}
		if err := watcher.Start(ctx); err != nil {
			fatal("failed to start spool watcher: %v", err)
		}
		defer func() {
			if err := watcher.Stop(); err != nil {
				a.logger.Warn("spool watcher stop failed", "error", err)
			}
		}()

		go monitor.Start(ctx)

		fmt.Printf("fieldsync daemon running (data: %s)\n", a.cfg.DataDir)
		fmt.Println("Press Ctrl+C to stop...")

		if err := a.engine.Run(ctx); err != nil && ctx.Err() == nil {
			fatal("scheduler failed: %v", err)
		}

		// Give in-flight teardown a moment before the store closes.
		time.Sleep(100 * time.Millisecond)
		fmt.Println("Stopped.")
	},
}
