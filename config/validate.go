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

package config

import (
	"fmt"

	"github.com/flashfs/flashfs/internal/geometry"
	"github.com/flashfs/flashfs/internal/logger"
)

func isValidLoggingConfig(c *LoggingConfig) error {
	switch c.Severity {
	case logger.TRACE, logger.DEBUG, logger.INFO, logger.WARNING, logger.ERROR, logger.OFF:
	default:
		return fmt.Errorf("severity %q is not one of TRACE, DEBUG, INFO, WARNING, ERROR, OFF", c.Severity)
	}
	if c.Format != "json" && c.Format != "text" {
		return fmt.Errorf("format %q is not one of json, text", c.Format)
	}
	return nil
}

func isValidMetricsConfig(c *MetricsConfig) error {
	if c.PrometheusPort < 0 || c.PrometheusPort > 65535 {
		return fmt.Errorf("prometheus-port %d out of range", c.PrometheusPort)
	}
	return nil
}

func isValidDeviceConfig(c *DeviceConfig) error {
	if c.ImagePath == "" {
		return fmt.Errorf("image-path must be set")
	}
	if c.EndBlock <= c.StartBlock {
		return fmt.Errorf("end-block %d must exceed start-block %d", c.EndBlock, c.StartBlock)
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid. The
// device section's full geometry bounds (minimum chunk size, reserve
// floors, usable block span) are checked by deriving the geometry the
// engine would run with, so format/mount report the same violation a mount
// would.
func ValidateConfig(config *Config) error {
	var err error

	if err = isValidLoggingConfig(&config.Logging); err != nil {
		return fmt.Errorf("error parsing logging config: %w", err)
	}

	if err = isValidMetricsConfig(&config.Metrics); err != nil {
		return fmt.Errorf("error parsing metrics config: %w", err)
	}

	if err = isValidDeviceConfig(&config.Device); err != nil {
		return fmt.Errorf("error parsing device config: %w", err)
	}

	if _, err = geometry.Derive(config.GeometryConfig()); err != nil {
		return fmt.Errorf("error parsing device geometry: %w", err)
	}

	return nil
}
