package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all local data",
	Long: `Delete every queued change, photo, conflict, and cache entry, and
remove managed photo blobs. Unsynced work is lost permanently; the
command asks for confirmation unless --yes is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		a, err := openApp(ctx, nil, nil)
		if err != nil {
			fatal("%v", err)
		}
		defer a.close()

		report, err := a.engine.Report(ctx)
		if err != nil {
			fatal("%v", err)
		}

		pending := report.PendingCount + report.PendingPhotoCount
		if pending > 0 {
			fmt.Printf("Warning: %d unsynced item(s) will be lost.\n", pending)
		}

		if !resetYes {
			fmt.Print("Delete all local data? [y/N] ")
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
				fmt.Println("Aborted.")
				return
			}
		}

		if err := a.engine.ClearAllLocalData(ctx); err != nil {
			fatal("%v", err)
		}
		fmt.Println("All local data cleared.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "skip the confirmation prompt")
}
