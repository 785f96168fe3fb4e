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

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Mount the device, write a fresh checkpoint and unmount",
	Long: `Checkpoint rebuilds the device state (by restore or scan), then
persists it to the dedicated checkpoint blocks so the next mount skips the
full scan.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d := newDevice(false)
		if err := d.Mount(ctx); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		if err := d.Checkpoint(ctx); err != nil {
			_ = d.Unmount(ctx, true)
			return fmt.Errorf("checkpoint: %w", err)
		}
		if err := d.Unmount(ctx, false); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "checkpoint written")
		return nil
	},
}
