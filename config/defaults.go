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

const (
	DefaultTotalBytesPerChunk = 2048
	DefaultChunksPerBlock     = 64
	DefaultNReservedBlocks    = 5
	DefaultNCaches            = 10
	DefaultLogSeverity        = "INFO"
	DefaultLogFormat          = "json"
)

// NewConfig returns a Config populated with defaults. The device's block
// span (end-block) has no sensible default; it stays zero until the user
// supplies it and validation rejects the zero.
func NewConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			TotalBytesPerChunk: DefaultTotalBytesPerChunk,
			ChunksPerBlock:     DefaultChunksPerBlock,
			NReservedBlocks:    DefaultNReservedBlocks,
			NCaches:            DefaultNCaches,
			Yaffs2:             true,
		},
		Logging: LoggingConfig{
			Severity: DefaultLogSeverity,
			Format:   DefaultLogFormat,
		},
	}
}
