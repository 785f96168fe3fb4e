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
	"errors"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindFlags declares every user-facing flag on flagSet and binds each to
// its dotted viper key, so a flag and a YAML config file land on the same
// Config field with flags taking precedence. No environment variables are
// bound.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.String("image-path", "", "Path to the NAND image file backing the device.")
	flagSet.Uint32("total-bytes-per-chunk", DefaultTotalBytesPerChunk, "Chunk size in bytes, including any inband tag trailer.")
	flagSet.Uint32("chunks-per-block", DefaultChunksPerBlock, "Chunks per erase block.")
	flagSet.Uint32("start-block", 0, "First usable block.")
	flagSet.Uint32("end-block", 0, "Last usable block.")
	flagSet.Uint32("n-reserved-blocks", DefaultNReservedBlocks, "Blocks held back for garbage collection.")
	flagSet.Bool("yaffs2", true, "Use the v2 tag format and sequence-number scanning.")
	flagSet.Bool("inband-tags", false, "Store tags inside the data area instead of the spare bytes (v2 only).")
	flagSet.Uint32("n-caches", DefaultNCaches, "Short-op cache lines; 0 disables the cache.")
	flagSet.Uint32("max-objects", 0, "Maximum live objects; 0 means unbounded.")
	flagSet.Bool("wide-tnodes-disabled", false, "Pin the tnode slot width to 16 bits.")
	flagSet.Bool("always-check-erased", false, "Re-read each block after erase to confirm it is blank.")
	flagSet.Bool("disable-summary", false, "Do not write per-block summary records.")
	flagSet.Bool("cache-bypass-aligned", false, "Write chunk-aligned full-chunk writes straight to flash.")
	flagSet.Bool("read-only", false, "Mount the device read-only.")
	flagSet.String("log-severity", DefaultLogSeverity, "Minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR or OFF.")
	flagSet.String("log-format", DefaultLogFormat, "Log output format: json or text.")
	flagSet.Int("prometheus-port", 0, "Port for Prometheus metrics exposition; 0 disables it.")

	keys := map[string]string{
		"device.image-path":            "image-path",
		"device.total-bytes-per-chunk": "total-bytes-per-chunk",
		"device.chunks-per-block":      "chunks-per-block",
		"device.start-block":           "start-block",
		"device.end-block":             "end-block",
		"device.n-reserved-blocks":     "n-reserved-blocks",
		"device.yaffs2":                "yaffs2",
		"device.inband-tags":           "inband-tags",
		"device.n-caches":              "n-caches",
		"device.max-objects":           "max-objects",
		"device.wide-tnodes-disabled":  "wide-tnodes-disabled",
		"device.always-check-erased":   "always-check-erased",
		"device.disable-summary":       "disable-summary",
		"device.cache-bypass-aligned":  "cache-bypass-aligned",
		"device.read-only":             "read-only",
		"logging.severity":             "log-severity",
		"logging.format":               "log-format",
		"metrics.prometheus-port":      "prometheus-port",
	}
	var errs []error
	for key, flag := range keys {
		errs = append(errs, viper.BindPFlag(key, flagSet.Lookup(flag)))
	}
	return errors.Join(errs...)
}
