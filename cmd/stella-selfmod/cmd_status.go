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
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joyi-ai/stella-selfmod/services/selfmod/safemode"
)

// runStatus prints a device summary: identity, boot health, baseline,
// pack installations, and the tail of the event journal.
func runStatus(cmd *cobra.Command, args []string) {
	core, logger, err := buildCore()
	if err != nil {
		fail(err)
	}
	defer logger.Close()
	defer core.Close()

	ctx := context.Background()

	fmt.Printf("Device:       %s\n", core.DeviceID)
	fmt.Printf("Project root: %s\n", core.Zones.ProjectRoot())

	var boot safemode.BootStatus
	if ok, err := core.Store.ReadJSON(core.Store.BootStatusPath(), &boot); err != nil {
		fail(err)
	} else if ok {
		fmt.Printf("Last boot:    %s (%s)", boot.BootID, boot.Status)
		if boot.FailureReason != "" {
			fmt.Printf(" reason: %s", boot.FailureReason)
		}
		if boot.SafeModeApplied {
			fmt.Print(" [safe mode applied]")
		}
		fmt.Println()
	} else {
		fmt.Println("Last boot:    none recorded")
	}

	lkg, err := core.Store.LoadLastKnownGood()
	if err != nil {
		fail(err)
	}
	if lkg != nil {
		fmt.Printf("Baseline:     %s", lkg.BaselineID)
		if lkg.GitHead != "" {
			fmt.Printf(" @ %s", lkg.GitHead)
		}
		fmt.Println()
	} else {
		fmt.Println("Baseline:     none yet")
	}

	installs, err := core.Packs.Installations()
	if err != nil {
		fail(err)
	}
	fmt.Printf("\nPacks (%d):\n", len(installs))
	for _, inst := range installs {
		line := fmt.Sprintf("  %s %s [%s]", inst.PackID, inst.Version, inst.Status)
		if inst.StatusReason != "" {
			line += " " + inst.StatusReason
		}
		fmt.Println(line)
	}

	events, err := core.Journal.Recent(ctx, eventCount)
	if err != nil {
		fail(err)
	}
	fmt.Printf("\nRecent events (%d):\n", len(events))
	for _, ev := range events {
		var parts []string
		for k, v := range ev.Detail {
			parts = append(parts, k+"="+v)
		}
		sort.Strings(parts)
		fmt.Printf("  %s %s %s\n", ev.At.Format("2006-01-02 15:04:05"), ev.Type, strings.Join(parts, " "))
	}
}
