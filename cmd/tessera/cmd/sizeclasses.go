/*
 * Copyright 2023 Tessera DB Authors and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tesseradb/tessera/memory"
)

var sizeclassesCmd = &cobra.Command{
	Use:   "sizeclasses",
	Short: "Print the mmap allocator size classes and preferred sizes.",
	RunE:  runSizeclasses,
}

func init() {
	RootCmd.AddCommand(sizeclassesCmd)
}

func runSizeclasses(cmd *cobra.Command, args []string) error {
	a := memory.NewMmapAllocator(memory.MmapAllocatorOptions{})
	fmt.Println("size classes (pages / bytes):")
	for _, c := range a.SizeClasses() {
		fmt.Printf("  %4d  %s\n", c, humanize.IBytes(uint64(c*memory.PageSize)))
	}

	manager := memory.NewManager(memory.DefaultOptions())
	defer manager.Close()
	pool := manager.Root()

	fmt.Println("preferred sizes:")
	for _, size := range []uint64{1, 100, 4096, 5000, 1 << 20, 1<<20 + 1} {
		fmt.Printf("  %10d -> %d\n", size, pool.PreferredSize(size))
	}
	return nil
}
