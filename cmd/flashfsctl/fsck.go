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

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Scan the device read-only and report its state",
	Long: `Fsck mounts the device read-only, which forces the full mount-time
reconstruction path (checkpoint restore or chunk scan, with every fix-up
pass applied), then reports the resulting space accounting. The image is
not modified.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d := newDevice(true)
		if err := d.Mount(ctx); err != nil {
			return fmt.Errorf("fsck: %w", err)
		}
		defer func() { _ = d.Unmount(ctx, true) }()

		stats, err := d.Stats(ctx)
		if err != nil {
			return fmt.Errorf("fsck: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "image:              %s\n", mountConfig.Device.ImagePath)
		fmt.Fprintf(out, "blocks:             %d x %d chunks (%d data bytes/chunk)\n",
			stats.NBlocks, stats.ChunksPerBlock, stats.DataBytesPerChunk)
		fmt.Fprintf(out, "free chunks:        %d\n", stats.NFreeChunks)
		fmt.Fprintf(out, "erased blocks:      %d\n", stats.NErasedBlocks)
		fmt.Fprintf(out, "checkpoint blocks:  %d\n", stats.CheckpointBlocks)
		return nil
	},
}
