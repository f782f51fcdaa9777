package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chairworks/fieldsync/internal/config"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change sync settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current sync settings",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(context.Background(), nil, nil)
		if err != nil {
			fatal("%v", err)
		}
		defer a.close()

		printSettings(a.engine.Settings())
	},
}

var (
	setAutoSync     string
	setInterval     int
	setWifiOnly     string
	setCompress     string
	setQuality      string
	setMaxStorage   int
	setMaxRetries   int
	setConflictMode string
)

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update sync settings",
	Long: `Update one or more sync settings. Changes are validated, written
back to the config file, and picked up by a running daemon on its next
pass.

Example usage:
  fieldsync settings set --interval 5 --wifi-only true
  fieldsync settings set --conflict-resolution client_wins`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(context.Background(), nil, nil)
		if err != nil {
			fatal("%v", err)
		}
		defer a.close()

		var patch config.SettingsPatch
		if b, ok := parseBoolFlag(setAutoSync); ok {
			patch.AutoSync = &b
		}
		if cmd.Flags().Changed("interval") {
			patch.SyncIntervalMinutes = &setInterval
		}
		if b, ok := parseBoolFlag(setWifiOnly); ok {
			patch.SyncOnlyOnWifi = &b
		}
		if b, ok := parseBoolFlag(setCompress); ok {
			patch.CompressPhotos = &b
		}
		if cmd.Flags().Changed("photo-quality") {
			patch.PhotoQuality = &setQuality
		}
		if cmd.Flags().Changed("max-storage-mb") {
			patch.MaxStorageMB = &setMaxStorage
		}
		if cmd.Flags().Changed("max-retries") {
			patch.MaxRetryAttempts = &setMaxRetries
		}
		if cmd.Flags().Changed("conflict-resolution") {
			patch.ConflictResolution = &setConflictMode
		}

		updated, err := a.engine.UpdateSettings(patch)
		if err != nil {
			fatal("%v", err)
		}

		fmt.Println("Settings updated:")
		printSettings(updated)
	},
}

func printSettings(s config.Settings) {
	fmt.Printf("   auto_sync:             %v\n", s.AutoSync)
	fmt.Printf("   sync_interval_minutes: %d\n", s.SyncIntervalMinutes)
	fmt.Printf("   sync_only_on_wifi:     %v\n", s.SyncOnlyOnWifi)
	fmt.Printf("   compress_photos:       %v\n", s.CompressPhotos)
	fmt.Printf("   photo_quality:         %s\n", s.PhotoQuality)
	fmt.Printf("   max_storage_mb:        %d\n", s.MaxStorageMB)
	fmt.Printf("   max_retry_attempts:    %d\n", s.MaxRetryAttempts)
	fmt.Printf("   conflict_resolution:   %s\n", s.ConflictResolution)
}

// parseBoolFlag interprets tri-state string flags where an empty value
// means "leave unchanged".
func parseBoolFlag(v string) (bool, bool) {
	switch v {
	case "true", "yes", "on":
		return true, true
	case "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func init() {
	settingsSetCmd.Flags().StringVar(&setAutoSync, "auto-sync", "", "enable periodic sync (true/false)")
	settingsSetCmd.Flags().IntVar(&setInterval, "interval", 0, "sync interval in minutes")
	settingsSetCmd.Flags().StringVar(&setWifiOnly, "wifi-only", "", "sync only on wifi-grade links (true/false)")
	settingsSetCmd.Flags().StringVar(&setCompress, "compress-photos", "", "request server-side photo compression (true/false)")
	settingsSetCmd.Flags().StringVar(&setQuality, "photo-quality", "", "photo quality: low, medium, high")
	settingsSetCmd.Flags().IntVar(&setMaxStorage, "max-storage-mb", 0, "local storage limit in MB")
	settingsSetCmd.Flags().IntVar(&setMaxRetries, "max-retries", 0, "retry attempts before an item is marked failed")
	settingsSetCmd.Flags().StringVar(&setConflictMode, "conflict-resolution", "", "conflict policy: server_wins, client_wins, ask_user")

	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}
