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
	"math/rand"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tesseradb/tessera/memory"
)

var membenchCmd = &cobra.Command{
	Use:   "membench",
	Short: "Stress the pool tree with concurrent allocate/free traffic.",
	Long: `Spins up one pool per worker under a shared quota and hammers
allocate/free, then prints pool statistics and the allocation
size histogram.`,
	RunE: runMembench,
}

var (
	benchQuota    int64
	benchWorkers  int
	benchOps      int
	benchMaxAlloc int64
	benchMmap     bool
	benchSeed     int64
)

func init() {
	RootCmd.AddCommand(membenchCmd)
	membenchCmd.Flags().Int64Var(&benchQuota, "quota", 1<<30,
		"Global memory quota in bytes.")
	membenchCmd.Flags().IntVar(&benchWorkers, "workers", 8,
		"Number of concurrent worker pools.")
	membenchCmd.Flags().IntVar(&benchOps, "ops", 100000,
		"Operations per worker.")
	membenchCmd.Flags().Int64Var(&benchMaxAlloc, "max-alloc", 1<<20,
		"Largest single allocation in bytes.")
	membenchCmd.Flags().BoolVar(&benchMmap, "mmap", false,
		"Use the page-class mmap allocator instead of the heap.")
	membenchCmd.Flags().Int64Var(&benchSeed, "seed", 0,
		"Random seed; 0 derives one from the clock.")
}

func runMembench(cmd *cobra.Command, args []string) error {
	opt := memory.DefaultOptions().
		WithMemoryQuota(benchQuota).
		WithAlignment(64).
		WithEventLogging()
	var mmapAlloc *memory.MmapAllocator
	if benchMmap {
		mmapAlloc = memory.NewMmapAllocator(memory.MmapAllocatorOptions{Capacity: benchQuota})
		opt = opt.WithAllocator(mmapAlloc)
	}
	manager := memory.NewManager(opt)
	defer manager.Close()

	seed := benchSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	query := manager.Root().AddChild("membench")
	tracker := memory.NewUsageTracker()
	query.SetUsageTracker(tracker)

	var refused int64
	var mu sync.Mutex

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(benchWorkers)
	for w := 0; w < benchWorkers; w++ {
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed + int64(w)))
			pool := query.AddChild(fmt.Sprintf("worker-%d", w))
			defer pool.Close()

			var live [][]byte
			localRefused := int64(0)
			for i := 0; i < benchOps; i++ {
				switch {
				case len(live) == 0 || rng.Intn(3) > 0:
					size := int64(pool.PreferredSize(uint64(rng.Int63n(benchMaxAlloc) + 1)))
					buf, err := pool.Allocate(size)
					if err != nil {
						localRefused++
						// Back off by freeing everything held.
						for _, b := range live {
							pool.Free(b)
						}
						live = live[:0]
						continue
					}
					live = append(live, buf)
				default:
					last := len(live) - 1
					pool.Free(live[last])
					live = live[:last]
				}
			}
			for _, b := range live {
				pool.Free(b)
			}
			mu.Lock()
			refused += localRefused
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	totalOps := int64(benchWorkers) * int64(benchOps)
	fmt.Printf("membench: %d ops in %s (%.0f ops/sec), %d refused\n",
		totalOps, elapsed, float64(totalOps)/elapsed.Seconds(), refused)
	fmt.Printf("peak tracked usage: %s\n", humanize.IBytes(uint64(tracker.PeakTotalBytes())))
	fmt.Println(manager.String())
	if mmapAlloc != nil {
		fmt.Printf("mmap pages: allocated=%d mapped=%d external=%d\n",
			mmapAlloc.NumAllocated(), mmapAlloc.NumMapped(), mmapAlloc.NumExternalMapped())
		mmapAlloc.Trim()
		fmt.Printf("after trim: mapped=%d\n", mmapAlloc.NumMapped())
	}
	query.Close()
	return nil
}
