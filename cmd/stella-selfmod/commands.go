// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	flagProjectRoot string
	flagAppData     string
	flagBackendURL  string
	flagLogLevel    string
	flagQuiet       bool
	flagTrace       bool

	skipRevert    bool
	eventCount    int
	packName      string
	packVersion   string
	packDesc      string
	changeSetIDs  []string
	confirmAction bool

	rootCmd = &cobra.Command{
		Use:   "stella-selfmod",
		Short: "Manage Stella's self-modification subsystem",
		Long: `stella-selfmod guards the Stella install: it classifies writes into
zones, snapshots before every change, validates after, and reverts to
the last known good state when a change breaks startup.`,
	}

	// --- Boot ---
	bootCmd = &cobra.Command{
		Use:   "boot",
		Short: "Run the boot-health sweep, reverting to last known good if needed",
		Run:   runBoot, // Defined in cmd_boot.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show boot health, baseline, installed packs, and recent events",
		Run:   runStatus, // Defined in cmd_status.go
	}

	// --- Packs ---
	packCmd = &cobra.Command{
		Use:   "pack",
		Short: "Publish, install, and remove modification packs",
	}
	packPublishCmd = &cobra.Command{
		Use:   "publish",
		Short: "Bundle completed ChangeSets into a signed pack and publish it",
		Run:   runPackPublish, // Defined in cmd_pack.go
	}
	packInstallCmd = &cobra.Command{
		Use:   "install [pack-id]",
		Short: "Install a published pack on this device",
		Args:  cobra.ExactArgs(1),
		Run:   runPackInstall, // Defined in cmd_pack.go
	}
	packUninstallCmd = &cobra.Command{
		Use:   "uninstall [pack-id]",
		Short: "Restore the files a pack changed and mark it uninstalled",
		Args:  cobra.ExactArgs(1),
		Run:   runPackUninstall, // Defined in cmd_pack.go
	}
	packListCmd = &cobra.Command{
		Use:   "list",
		Short: "List pack installations on this device",
		Run:   runPackList, // Defined in cmd_pack.go
	}

	// --- Updates ---
	updateCmd = &cobra.Command{
		Use:   "update",
		Short: "Check for and apply upstream releases",
	}
	updateCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Ask the backend whether a newer release exists",
		Run:   runUpdateCheck, // Defined in cmd_update.go
	}
	updateApplyCmd = &cobra.Command{
		Use:   "apply [release-id]",
		Short: "Apply an upstream release, merging it with local changes",
		Args:  cobra.ExactArgs(1),
		Run:   runUpdateApply, // Defined in cmd_update.go
	}

	// --- Safe Mode ---
	safeModeCmd = &cobra.Command{
		Use:   "safemode",
		Short: "Safe-mode controls",
	}
	safeModeTriggerCmd = &cobra.Command{
		Use:   "trigger [reason]",
		Short: "Record a safe-mode trigger for the next boot to act on",
		Args:  cobra.ExactArgs(1),
		Run:   runSafeModeTrigger, // Defined in cmd_boot.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagProjectRoot, "project-root", "",
		"Application install to guard (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&flagAppData, "app-data", "",
		"State directory (default: ~/.stella)")
	rootCmd.PersistentFlags().StringVar(&flagBackendURL, "backend-url", "",
		"Stella backend root URL (default: offline)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"Log level: debug, info, warn, or error")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false,
		"Suppress stderr logs (file logs still written)")
	rootCmd.PersistentFlags().BoolVar(&flagTrace, "trace", false,
		"Print pipeline trace spans to stdout")

	rootCmd.AddCommand(bootCmd)
	bootCmd.Flags().BoolVar(&skipRevert, "skip-revert", false,
		"Acknowledge a needed revert without performing it")

	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&eventCount, "events", 10, "Number of recent journal events to show")

	rootCmd.AddCommand(packCmd)
	packCmd.AddCommand(packPublishCmd)
	packPublishCmd.Flags().StringVar(&packName, "name", "", "Human-readable pack name")
	packPublishCmd.Flags().StringVar(&packVersion, "version", "", "Semantic version, e.g. 1.2.0")
	packPublishCmd.Flags().StringVar(&packDesc, "description", "", "What the pack changes")
	packPublishCmd.Flags().StringSliceVar(&changeSetIDs, "changeset", nil,
		"Completed ChangeSet ID to include (repeatable)")

	packCmd.AddCommand(packInstallCmd)
	packInstallCmd.Flags().StringVar(&packVersion, "version", "", "Pack version to install")
	packInstallCmd.Flags().BoolVarP(&confirmAction, "yes", "y", false,
		"Confirm modifying the application install")

	packCmd.AddCommand(packUninstallCmd)
	packUninstallCmd.Flags().StringVar(&packVersion, "version", "", "Installed version (default: most recent)")
	packUninstallCmd.Flags().BoolVarP(&confirmAction, "yes", "y", false,
		"Confirm modifying the application install")

	packCmd.AddCommand(packListCmd)

	rootCmd.AddCommand(updateCmd)
	updateCmd.AddCommand(updateCheckCmd)
	updateCmd.AddCommand(updateApplyCmd)
	updateApplyCmd.Flags().BoolVarP(&confirmAction, "yes", "y", false,
		"Confirm modifying the application install")

	rootCmd.AddCommand(safeModeCmd)
	safeModeCmd.AddCommand(safeModeTriggerCmd)
}
