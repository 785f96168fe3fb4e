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
	"strings"

	"github.com/flashfs/flashfs/internal/geometry"
)

// Rationalize updates config fields based on the values of other fields:
// empty ambient settings pick up their defaults, severities are upper-cased
// so "debug" and "DEBUG" mean the same thing, the cache-line count is
// clamped to the engine's maximum, and inband tags force the v2 format
// (the v1 tag layout has no inband variant).
func Rationalize(c *Config) error {
	if c.Logging.Severity == "" {
		c.Logging.Severity = DefaultLogSeverity
	}
	c.Logging.Severity = strings.ToUpper(c.Logging.Severity)
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	if c.Device.NCaches > geometry.MaxShortOpCaches {
		c.Device.NCaches = geometry.MaxShortOpCaches
	}
	if c.Device.InbandTags {
		c.Device.Yaffs2 = true
	}
	return nil
}
