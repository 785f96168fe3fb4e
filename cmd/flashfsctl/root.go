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
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flashfs/flashfs/config"
	"github.com/flashfs/flashfs/internal/engine"
	"github.com/flashfs/flashfs/internal/logger"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	mountConfig   *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "flashfsctl",
	Short: "Operate on flashfs NAND image files",
	Long: `flashfsctl formats, checks and attaches flashfs devices backed by a
NAND image file. Device geometry and ambient settings come from flags, a
YAML config file (--config-file), or both, with flags winning.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := config.Rationalize(mountConfig); err != nil {
			return err
		}
		if err := config.ValidateConfig(mountConfig); err != nil {
			return err
		}
		logger.Setup(mountConfig.Logging.Severity, mountConfig.Logging.Format, nil)
		return nil
	},
}

// newDevice builds an unmounted engine.Device from the resolved config.
func newDevice(readOnly bool) *engine.Device {
	return engine.New(engine.Config{
		ImagePath:   mountConfig.Device.ImagePath,
		Geometry:    mountConfig.GeometryConfig(),
		NCacheLines: mountConfig.Device.NCaches,
		MaxObjects:  mountConfig.Device.MaxObjects,
		ReadOnly:    readOnly || mountConfig.Device.ReadOnly,
	})
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to the config-file")
	bindErr = config.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(fsckCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func initConfig() {
	mountConfig = config.NewConfig()
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(mountConfig)
		return
	}

	resolved, err := filepath.Abs(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("error while resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("error while reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(mountConfig)
}
