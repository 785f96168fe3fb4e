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

package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/flashfs/flashfs/config"
	"github.com/flashfs/flashfs/internal/geometry"
)

func validConfig() *config.Config {
	c := config.NewConfig()
	c.Device.ImagePath = "/var/lib/flashfs/nand.img"
	c.Device.EndBlock = 255
	return c
}

func TestValidateConfig_AcceptsDefaults(t *testing.T) {
	c := validConfig()
	require.NoError(t, config.Rationalize(c))
	assert.NoError(t, config.ValidateConfig(c))
}

func TestValidateConfig_Rejections(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing image path", func(c *config.Config) { c.Device.ImagePath = "" }},
		{"zero block span", func(c *config.Config) { c.Device.EndBlock = 0 }},
		{"bad severity", func(c *config.Config) { c.Logging.Severity = "LOUD" }},
		{"bad format", func(c *config.Config) { c.Logging.Format = "xml" }},
		{"bad port", func(c *config.Config) { c.Metrics.PrometheusPort = -1 }},
		{"chunk below v2 minimum", func(c *config.Config) { c.Device.TotalBytesPerChunk = 512 }},
		{"reserve below floor", func(c *config.Config) { c.Device.NReservedBlocks = 1 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(c)
			assert.Error(t, config.ValidateConfig(c))
		})
	}
}

func TestRationalize_FillsAndClamps(t *testing.T) {
	c := validConfig()
	c.Logging.Severity = "debug"
	c.Logging.Format = ""
	c.Device.NCaches = 99
	c.Device.InbandTags = true
	c.Device.Yaffs2 = false

	require.NoError(t, config.Rationalize(c))

	assert.Equal(t, "DEBUG", c.Logging.Severity)
	assert.Equal(t, config.DefaultLogFormat, c.Logging.Format)
	assert.Equal(t, uint32(geometry.MaxShortOpCaches), c.Device.NCaches)
	assert.True(t, c.Device.Yaffs2, "inband tags must force the v2 format")
}

func TestConfig_YAMLRoundTrip(t *testing.T) {
	doc := []byte(`
device:
  image-path: /tmp/nand.img
  total-bytes-per-chunk: 4096
  chunks-per-block: 32
  end-block: 127
  n-reserved-blocks: 3
  yaffs2: true
logging:
  severity: TRACE
  format: text
metrics:
  prometheus-port: 9105
`)
	c := config.NewConfig()
	require.NoError(t, yaml.Unmarshal(doc, c))

	assert.Equal(t, "/tmp/nand.img", c.Device.ImagePath)
	assert.Equal(t, uint32(4096), c.Device.TotalBytesPerChunk)
	assert.Equal(t, uint32(32), c.Device.ChunksPerBlock)
	assert.Equal(t, uint32(127), c.Device.EndBlock)
	assert.Equal(t, "TRACE", c.Logging.Severity)
	assert.Equal(t, "text", c.Logging.Format)
	assert.Equal(t, 9105, c.Metrics.PrometheusPort)

	require.NoError(t, config.Rationalize(c))
	assert.NoError(t, config.ValidateConfig(c))

	geom := c.GeometryConfig()
	assert.Equal(t, uint32(32), geom.ChunksPerBlock)
	assert.True(t, geom.IsYaffs2)
}
