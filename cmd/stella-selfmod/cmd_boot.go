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
)

// fail prints the error and exits non-zero.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// runBoot executes the boot-health sweep. A clean boot is marked healthy
// and the command exits zero. When a revert is needed it is performed
// unless --skip-revert was given; a failed revert exits non-zero so
// supervisors can react.
func runBoot(cmd *cobra.Command, args []string) {
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

	ctx := context.Background()
	res, err := core.SafeMode.Startup(ctx)
	if err != nil {
		fail(err)
	}

	if !res.NeedsRevert {
		fmt.Printf("Boot %s healthy.\n", res.BootID)
		return
	}

	fmt.Printf("Boot %s needs safe mode: %s\n", res.BootID, res.Reason)
	if skipRevert {
		if err := core.SafeMode.SkipRevert(ctx); err != nil {
			fail(err)
		}
		fmt.Println("Revert skipped at operator request; boot marked healthy.")
		return
	}

	revert, err := core.SafeMode.PerformRevert(ctx, res.Reason)
	if err != nil {
		fail(err)
	}
	if !revert.OK {
		fmt.Fprintf(os.Stderr, "Safe-mode revert failed: %s\n", revert.Reason)
		os.Exit(1)
	}
	fmt.Println("Reverted to last known good state; packs disabled.")
}

// runSafeModeTrigger persists a safe-mode trigger for the next boot.
func runSafeModeTrigger(cmd *cobra.Command, args []string) {
	core, logger, err := buildCore()
	if err != nil {
		fail(err)
	}
	defer logger.Close()
	defer core.Close()

	if err := core.SafeMode.RecordTrigger(args[0]); err != nil {
		fail(err)
	}
	fmt.Println("Safe-mode trigger recorded; the next boot will revert.")
}
