// Copyright 2026 The Flashfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/flashfs/flashfs/internal/logger"
)

// bgGCInterval paces the cooperative background collector while a device
// is attached (spec.md §5: background GC is caller-driven; the engine
// never spawns its own ticker).
const bgGCInterval = 10 * time.Second

var attachCmd = &cobra.Command{
	Use:     "attach",
	Aliases: []string{"mount"},
	Short:   "Mount the device and keep it serviced until interrupted",
	Long: `Attach mounts the device and holds it: background garbage collection
runs on a timer and, when a prometheus-port is configured, engine metrics
are exposed over HTTP. On SIGINT/SIGTERM the device is synced (cache flush
plus a fresh checkpoint) and unmounted cleanly.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := setupMetricsExporter(mountConfig.Metrics.PrometheusPort); err != nil {
			return fmt.Errorf("attach: %w", err)
		}

		d := newDevice(false)
		if err := d.Mount(ctx); err != nil {
			return fmt.Errorf("attach: %w", err)
		}
		logger.Infof("attached %s", mountConfig.Device.ImagePath)

		ticker := time.NewTicker(bgGCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Infof("detaching %s", mountConfig.Device.ImagePath)
				if err := d.Sync(cmd.Context()); err != nil {
					logger.Errorf("sync on detach: %v", err)
				}
				return d.Unmount(cmd.Context(), true)
			case <-ticker.C:
				if err := d.BgGC(ctx, 0); err != nil {
					logger.Warnf("background gc: %v", err)
				}
			}
		}
	},
}

// setupMetricsExporter wires the otel meter provider to a Prometheus
// registry served over HTTP. A zero port leaves the default (no-op)
// provider in place.
func setupMetricsExporter(port int) error {
	if port == 0 {
		return nil
	}
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
			logger.Errorf("metrics server: %v", err)
		}
	}()
	return nil
}
