// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/packs"
)

// runPackPublish bundles the named completed ChangeSets into a signed
// pack and publishes it through the backend.
func runPackPublish(cmd *cobra.Command, args []string) {
	shutdown, err := setupTracing()
	if err != nil {
		fail(err)
	}
	defer shutdown()

	core, logger, err := buildCore()
	if err != nil {
		fail(err)
	}
	defer logger.Close()
	defer core.Close()

	res, err := core.Packs.Publish(context.Background(), packs.PublishRequest{
		Name:         packName,
		Version:      packVersion,
		Description:  packDesc,
		ChangeSetIDs: changeSetIDs,
	})
	if err != nil {
		fail(err)
	}
	if !res.OK {
		fmt.Fprintf(os.Stderr, "Publish rejected: %s\n", res.Reason)
		os.Exit(1)
	}
	fmt.Printf("Published %s %s (content hash %s).\n", res.PackID, res.Version, shortHash(res.ContentHash))
}

// runPackInstall installs a published pack after explicit confirmation.
func runPackInstall(cmd *cobra.Command, args []string) {
	shutdown, err := setupTracing()
	if err != nil {
		fail(err)
	}
	defer shutdown()

	core, logger, err := buildCore()
	if err != nil {
		fail(err)
	}
	defer logger.Close()
	defer core.Close()

	res, err := core.Packs.Install(context.Background(), packs.InstallRequest{
		PackID:        args[0],
		Version:       packVersion,
		UserConfirmed: confirmAction,
	})
	if err != nil {
		fail(err)
	}
	if !res.OK {
		fmt.Fprintf(os.Stderr, "Install failed: %s\n", res.Reason)
		os.Exit(1)
	}
	fmt.Printf("Installed %s %s (%d change(s), install %s).\n", args[0], packVersion, res.Applied, res.InstallID)
}

// runPackUninstall restores the pre-install snapshot for a pack.
func runPackUninstall(cmd *cobra.Command, args []string) {
	core, logger, err := buildCore()
	if err != nil {
		fail(err)
	}
	defer logger.Close()
	defer core.Close()

	res, err := core.Packs.Uninstall(context.Background(), packs.UninstallRequest{
		PackID:        args[0],
		Version:       packVersion,
		UserConfirmed: confirmAction,
	})
	if err != nil {
		fail(err)
	}
	if !res.OK {
		fmt.Fprintf(os.Stderr, "Uninstall failed: %s\n", res.Reason)
		os.Exit(1)
	}
	fmt.Printf("Uninstalled %s.\n", args[0])
}

// runPackList prints every installation record, newest first.
func runPackList(cmd *cobra.Command, args []string) {
	core, logger, err := buildCore()
	if err != nil {
		fail(err)
	}
	defer logger.Close()
	defer core.Close()

	installs, err := core.Packs.Installations()
	if err != nil {
		fail(err)
	}
	if len(installs) == 0 {
		fmt.Println("No packs installed.")
		return
	}
	for _, inst := range installs {
		fmt.Printf("%-24s %-10s %-20s %s zones=%s\n",
			inst.PackID, inst.Version, inst.Status,
			inst.UpdatedAt.Format("2006-01-02 15:04"),
			strings.Join(inst.Zones, ","))
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
