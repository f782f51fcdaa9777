package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncRetryFailed bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync pass now",
	Long: `Run one synchronization pass: pending changes are delivered in the
order they were recorded, then pending photos are uploaded.

With --retry-failed, changes and photos that exhausted their retry
budget are first returned to the queue with a fresh budget.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		a, err := openApp(ctx, nil, nil)
		if err != nil {
			fatal("%v", err)
		}
		defer a.close()

		if syncRetryFailed {
			requeued, err := a.engine.RetryFailed(ctx)
			if err != nil {
				fatal("failed to requeue: %v", err)
			}
			fmt.Printf("Requeued %d failed item(s)\n", requeued)
		}

		start := time.Now()
		result, err := a.engine.SyncNow(ctx)
		if err != nil {
			fatal("sync failed: %v", err)
		}
		if result == nil {
			fmt.Println("A sync pass is already running.")
			return
		}
		if result.Aborted && result.Synced == 0 && result.Failed == 0 {
			fmt.Println("Offline; nothing synced. Changes stay queued.")
			return
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Synced:    %d\n", result.Synced)
		fmt.Printf("   Failed:    %d\n", result.Failed)
		fmt.Printf("   Conflicts: %d\n", result.Conflicts)
		if result.Aborted {
			fmt.Println("   Pass aborted early: network dropped mid-sync.")
		}
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncRetryFailed, "retry-failed", false, "requeue failed items before syncing")
}
