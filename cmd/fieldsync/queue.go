package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/chairworks/fieldsync/internal/model"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and feed the sync queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add <entity-type> <action> [payload.json]",
	Short: "Enqueue a change for synchronization",
	Long: `Enqueue a change. The payload is read from the given file, or from
stdin when no file argument is supplied.

Entity types: job, chair, service_request, stock_movement
Actions:      create, update, delete

Example usage:
  fieldsync queue add job create job.json
  echo '{"id":"c-17","status":"repaired"}' | fieldsync queue add chair update`,
	Args: cobra.RangeArgs(2, 3),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		var payload []byte
		var err error
		if len(args) == 3 {
			payload, err = os.ReadFile(args[2])
		} else {
			payload, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			fatal("failed to read payload: %v", err)
		}

		a, err := openApp(ctx, nil, nil)
		if err != nil {
			fatal("%v", err)
		}
		defer a.close()

		change, err := a.engine.EnqueueChange(ctx, model.EntityType(args[0]), model.Action(args[1]), payload)
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("Enqueued %s %s (%s)\n", change.Action, change.EntityType, change.ID)
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export the queue as JSON Lines",
	Long: `Write every unsynced change and photo as JSON Lines, one record per
line, to the given file or stdout. Useful for support escalation when
a device cannot sync.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		a, err := openApp(ctx, nil, nil)
		if err != nil {
			fatal("%v", err)
		}
		defer a.close()

		out := io.Writer(os.Stdout)
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				fatal("failed to create %s: %v", args[0], err)
			}
			defer f.Close()
			out = f
		}

		count, err := a.engine.ExportQueue(ctx, out)
		if err != nil {
			fatal("export failed: %v", err)
		}
		if len(args) == 1 {
			fmt.Printf("Exported %d record(s) to %s\n", count, args[0])
		}
	},
}

func init() {
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueExportCmd)
}
