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

	"github.com/spf13/cobra"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/updates"
)

// runUpdateCheck asks the backend for the latest release.
func runUpdateCheck(cmd *cobra.Command, args []string) {
	core, logger, err := buildCore()
	if err != nil {
		fail(err)
	}
	defer logger.Close()
	defer core.Close()

	res, err := core.Updates.CheckForUpdate(context.Background())
	if err != nil {
		fail(err)
	}
	if !res.Available {
		if res.Reason != "" {
			fmt.Printf("No update available: %s\n", res.Reason)
		} else {
			fmt.Println("No update available.")
		}
		return
	}
	fmt.Printf("Release %s (%s) is available: %d changed file(s).\n",
		res.Release.ID, res.Release.Version, len(res.Release.ChangedPaths))
	fmt.Printf("Apply it with: stella-selfmod update apply %s --yes\n", res.Release.ID)
}

// runUpdateApply applies an upstream release, merging with local changes.
func runUpdateApply(cmd *cobra.Command, args []string) {
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

	res, err := core.Updates.Apply(context.Background(), updates.ApplyRequest{
		ReleaseID:     args[0],
		UserConfirmed: confirmAction,
	})
	if err != nil {
		fail(err)
	}
	if !res.OK {
		fmt.Fprintf(os.Stderr, "Update not applied: %s\n", res.Reason)
		for _, c := range res.Conflicts {
			fmt.Fprintf(os.Stderr, "  conflict: %s (zone %s)\n", c.VirtualPath, c.Zone)
		}
		os.Exit(1)
	}
	fmt.Printf("Applied release %s: %d change(s).\n", res.ReleaseID, res.Applied)
}
