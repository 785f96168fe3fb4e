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

	"github.com/spf13/cobra"
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Erase the device and initialize an empty filesystem",
	Long: `Format erases every block of the image (creating the image file if it
does not exist yet), initializes an empty object graph and persists a fresh
checkpoint so the first mount is O(1).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d := newDevice(false)
		if err := d.Mount(ctx); err != nil {
			return fmt.Errorf("format: %w", err)
		}
		if err := d.Format(ctx); err != nil {
			_ = d.Unmount(ctx, true)
			return fmt.Errorf("format: %w", err)
		}
		if err := d.Unmount(ctx, false); err != nil {
			return fmt.Errorf("format: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "formatted %s\n", mountConfig.Device.ImagePath)
		return nil
	},
}
