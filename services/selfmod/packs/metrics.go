// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package packs

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce sync.Once

	publishCounter  metric.Int64Counter
	installCounter  metric.Int64Counter
	rollbackCounter metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("stella.selfmod.packs")
		publishCounter, _ = meter.Int64Counter("selfmod_pack_publish_total",
			metric.WithDescription("Pack publish attempts by outcome"))
		installCounter, _ = meter.Int64Counter("selfmod_pack_install_total",
			metric.WithDescription("Pack install attempts by outcome"))
		rollbackCounter, _ = meter.Int64Counter("selfmod_pack_install_rollback_total",
			metric.WithDescription("Installs rolled back after a failed apply or finish"))
	})
}

func countOutcome(ctx context.Context, counter metric.Int64Counter, ok bool) {
	if counter == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
