package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chairworks/fieldsync/internal/model"
)

var conflictsAll bool

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Review and resolve sync conflicts",
	Long: `Conflicts arise under the ask_user policy when the backend reports
that an entity changed remotely while a local edit was queued. Each
stored conflict holds both versions; resolving one decides which
survives.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conflicts",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		a, err := openApp(ctx, nil, nil)
		if err != nil {
			fatal("%v", err)
		}
		defer a.close()

		conflicts, err := a.engine.Conflicts(ctx, conflictsAll)
		if err != nil {
			fatal("%v", err)
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts.")
			return
		}

		for _, c := range conflicts {
			state := "unresolved"
			if c.Resolved() {
				state = "resolved: " + c.Resolution
			}
			fmt.Printf("%s  %s/%s  detected %s  [%s]\n",
				c.ID, c.EntityType, c.EntityID,
				c.DetectedAt.Local().Format("2006-01-02 15:04"), state)
			fmt.Printf("   local:  %s\n", truncate(string(c.LocalPayload), 100))
			fmt.Printf("   server: %s\n", truncate(string(c.ServerPayload), 100))
		}
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id> <keep_local|keep_server>",
	Short: "Resolve a stored conflict",
	Long: `Resolve a conflict by choosing a side. keep_server discards the
local edit; keep_local resubmits it with the overwrite flag on the
next sync pass.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		resolution := args[1]
		if resolution != model.ResolutionKeepLocal && resolution != model.ResolutionKeepServer {
			fatal("resolution must be %s or %s", model.ResolutionKeepLocal, model.ResolutionKeepServer)
		}

		a, err := openApp(ctx, nil, nil)
		if err != nil {
			fatal("%v", err)
		}
		defer a.close()

		if err := a.engine.ResolveConflict(ctx, args[0], resolution); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Conflict %s resolved (%s)\n", args[0], resolution)
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func init() {
	conflictsListCmd.Flags().BoolVar(&conflictsAll, "all", false, "include resolved conflicts")
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
}
