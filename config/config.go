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

// Package config holds the user-facing configuration of a flashfs device:
// the geometry and engine parameters of the on-flash core plus the ambient
// logging and metrics settings. It is decoded from a YAML file and/or
// viper-bound flags, then rationalized (defaults filled in) and validated
// before the engine ever sees it.
package config

import (
	"github.com/flashfs/flashfs/internal/geometry"
)

// DeviceConfig selects the NAND image and the on-flash geometry
// parameters.
type DeviceConfig struct {
	ImagePath string `yaml:"image-path" mapstructure:"image-path"`

	TotalBytesPerChunk uint32 `yaml:"total-bytes-per-chunk" mapstructure:"total-bytes-per-chunk"`
	ChunksPerBlock     uint32 `yaml:"chunks-per-block" mapstructure:"chunks-per-block"`
	StartBlock         uint32 `yaml:"start-block" mapstructure:"start-block"`
	EndBlock           uint32 `yaml:"end-block" mapstructure:"end-block"`
	NReservedBlocks    uint32 `yaml:"n-reserved-blocks" mapstructure:"n-reserved-blocks"`

	Yaffs2     bool `yaml:"yaffs2" mapstructure:"yaffs2"`
	InbandTags bool `yaml:"inband-tags" mapstructure:"inband-tags"`

	NCaches            uint32 `yaml:"n-caches" mapstructure:"n-caches"`
	MaxObjects         uint32 `yaml:"max-objects" mapstructure:"max-objects"`
	WideTnodesDisabled bool   `yaml:"wide-tnodes-disabled" mapstructure:"wide-tnodes-disabled"`
	AlwaysCheckErased  bool   `yaml:"always-check-erased" mapstructure:"always-check-erased"`
	DisableSummary     bool   `yaml:"disable-summary" mapstructure:"disable-summary"`
	CacheBypassAligned bool   `yaml:"cache-bypass-aligned" mapstructure:"cache-bypass-aligned"`

	ReadOnly bool `yaml:"read-only" mapstructure:"read-only"`
}

// LoggingConfig selects the severity threshold and output format of
// internal/logger.
type LoggingConfig struct {
	Severity string `yaml:"severity" mapstructure:"severity"`
	Format   string `yaml:"format" mapstructure:"format"`
}

// MetricsConfig configures the Prometheus exposition endpoint. A zero port
// disables exposition.
type MetricsConfig struct {
	PrometheusPort int `yaml:"prometheus-port" mapstructure:"prometheus-port"`
}

// Config is the root of the configuration tree.
type Config struct {
	Device  DeviceConfig  `yaml:"device" mapstructure:"device"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// GeometryConfig converts the device section to the engine's geometry
// parameters.
func (c *Config) GeometryConfig() geometry.Config {
	return geometry.Config{
		TotalBytesPerChunk: c.Device.TotalBytesPerChunk,
		ChunksPerBlock:     c.Device.ChunksPerBlock,
		StartBlock:         c.Device.StartBlock,
		EndBlock:           c.Device.EndBlock,
		NReservedBlocks:    c.Device.NReservedBlocks,
		NCaches:            c.Device.NCaches,
		IsYaffs2:           c.Device.Yaffs2,
		InbandTags:         c.Device.InbandTags,
		WideTnodesDisabled: c.Device.WideTnodesDisabled,
		AlwaysCheckErased:  c.Device.AlwaysCheckErased,
		DisableSummary:     c.Device.DisableSummary,
		CacheBypassAligned: c.Device.CacheBypassAligned,
		MaxObjects:         c.Device.MaxObjects,
	}
}
