package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and connectivity status",
	Long: `Display the current sync report: connectivity, queue depths, failed
and conflicted items, storage usage, and recent errors.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		a, err := openApp(ctx, nil, nil)
		if err != nil {
			fatal("%v", err)
		}
		defer a.close()

		report, err := a.engine.Report(ctx)
		if err != nil {
			fatal("failed to build report: %v", err)
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(report)
			return
		}

		link := "offline"
		if report.IsOnline {
			link = report.Link.EffectiveType
		}
		fmt.Printf("\nfieldsync status\n")
		fmt.Printf("   Network:          %s\n", link)
		fmt.Printf("   Pending changes:  %d\n", report.PendingCount)
		fmt.Printf("   Pending photos:   %d\n", report.PendingPhotoCount)
		fmt.Printf("   Failed:           %d changes, %d photos\n", report.FailedCount, report.FailedPhotoCount)
		fmt.Printf("   Conflicts:        %d\n", report.ConflictCount)
		fmt.Printf("   Storage:          %.1f / %d MB\n", report.StorageUsedMB, report.StorageLimitMB)
		if report.LastSyncAt != nil {
			fmt.Printf("   Last sync:        %s\n", report.LastSyncAt.Local().Format("2006-01-02 15:04:05"))
		} else {
			fmt.Printf("   Last sync:        never\n")
		}
		if report.SyncInProgress {
			fmt.Printf("   Syncing:          %d%%\n", report.SyncProgressPercent)
		}
		for _, e := range report.RecentErrors {
			fmt.Printf("   ! %s: %s\n", e.ID, e.Message)
		}
		fmt.Println()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit the report as JSON")
}
