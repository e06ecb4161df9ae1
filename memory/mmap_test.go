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

package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// pagesNeeded mirrors the allocator's rounding: the smallest size class
// holding numPages, or numPages itself beyond the largest class.
func pagesNeeded(a *MmapAllocator, numPages int64) int64 {
	classes := a.SizeClasses()
	if numPages > classes[len(classes)-1] {
		return numPages
	}
	for _, c := range classes {
		if c >= numPages {
			return c
		}
	}
	panic("unreachable")
}

func testMmapAllocation(t *testing.T, allocPages int64, allocCount int) {
	t.Helper()
	mmapAlloc := NewMmapAllocator(MmapAllocatorOptions{Capacity: 8 * GB})
	manager := NewManager(DefaultOptions().
		WithMemoryQuota(8 * GB).
		WithAllocator(mmapAlloc))
	defer manager.Close()
	child := manager.Root().AddChild("elastic_quota")

	classes := mmapAlloc.SizeClasses()
	pageIncrement := pagesNeeded(mmapAlloc, allocPages)
	isSizeClassAlloc := allocPages <= classes[len(classes)-1]
	byteSize := allocPages * PageSize

	var allocations [][]byte
	var totalAllocated, totalMapped int64
	for i := 0; i < allocCount; i++ {
		buf, err := child.Allocate(byteSize)
		require.NoError(t, err)
		require.Equal(t, byteSize, int64(len(buf)))

		// Touch every page so the mapping is really usable.
		for off := int64(0); off < byteSize; off += PageSize {
			buf[off] = 'x'
		}
		allocations = append(allocations, buf)
		totalAllocated += pageIncrement
		totalMapped += pageIncrement
		require.Equal(t, totalAllocated, mmapAlloc.NumAllocated())
		if isSizeClassAlloc {
			require.Equal(t, totalMapped, mmapAlloc.NumMapped())
		} else {
			require.Equal(t, totalMapped, mmapAlloc.NumExternalMapped())
		}
	}
	for _, buf := range allocations {
		child.Free(buf)
		totalAllocated -= pageIncrement
		require.Equal(t, totalAllocated, mmapAlloc.NumAllocated())
		if isSizeClassAlloc {
			// Freed runs stay mapped for reuse.
			require.Equal(t, totalMapped, mmapAlloc.NumMapped())
		} else {
			totalMapped -= pageIncrement
			require.Equal(t, totalMapped, mmapAlloc.NumExternalMapped())
		}
	}
	require.Equal(t, int64(0), child.CurrentBytes())
}

func TestSmallMmapAllocation(t *testing.T) {
	testMmapAllocation(t, 6, 100)
}

func TestBigMmapAllocation(t *testing.T) {
	a := NewMmapAllocator(MmapAllocatorOptions{Capacity: 8 * GB})
	classes := a.SizeClasses()
	testMmapAllocation(t, classes[len(classes)-1]+56, 20)
}

func TestMmapFreeListReuse(t *testing.T) {
	a := NewMmapAllocator(MmapAllocatorOptions{Capacity: 8 * GB})

	buf, err := a.Allocate(6*PageSize, NoAlignment)
	require.NoError(t, err)
	require.Equal(t, int64(8), a.NumAllocated())
	require.Equal(t, int64(8), a.NumMapped())

	a.Free(buf)
	require.Equal(t, int64(0), a.NumAllocated())
	require.Equal(t, int64(8), a.NumMapped())

	// The next allocation of the same class reuses the mapped run.
	buf, err = a.Allocate(7*PageSize, NoAlignment)
	require.NoError(t, err)
	require.Equal(t, int64(8), a.NumAllocated())
	require.Equal(t, int64(8), a.NumMapped())
	a.Free(buf)
}

func TestMmapCapacity(t *testing.T) {
	a := NewMmapAllocator(MmapAllocatorOptions{Capacity: 16 * PageSize})

	buf, err := a.Allocate(8*PageSize, NoAlignment)
	require.NoError(t, err)

	_, err = a.Allocate(16*PageSize, NoAlignment)
	require.Error(t, err)
	require.True(t, IsCapExceeded(err))

	a.Free(buf)
	// Freed size-class pages stay mapped, so capacity remains consumed
	// until Trim.
	_, err = a.Allocate(16*PageSize, NoAlignment)
	require.Error(t, err)

	a.Trim()
	require.Equal(t, int64(0), a.NumMapped())
	buf, err = a.Allocate(16*PageSize, NoAlignment)
	require.NoError(t, err)
	a.Free(buf)
}

func TestMmapReallocateInPlace(t *testing.T) {
	a := NewMmapAllocator(MmapAllocatorOptions{Capacity: 8 * GB})

	buf, err := a.Allocate(6*PageSize, NoAlignment)
	require.NoError(t, err)
	buf[0] = 0x7f

	// Growing within the same run moves no pages.
	grown, err := a.Reallocate(buf, 8*PageSize, NoAlignment)
	require.NoError(t, err)
	require.Equal(t, byte(0x7f), grown[0])
	require.Equal(t, int64(8), a.NumAllocated())
	require.Equal(t, int64(8), a.NumMapped())

	// Growing past the run allocates a new class.
	grown2, err := a.Reallocate(grown, 12*PageSize, NoAlignment)
	require.NoError(t, err)
	require.Equal(t, byte(0x7f), grown2[0])
	require.Equal(t, int64(16), a.NumAllocated())

	a.Free(grown2)
	require.Equal(t, int64(0), a.NumAllocated())
}

func TestMmapExternalFreeUnmaps(t *testing.T) {
	a := NewMmapAllocator(MmapAllocatorOptions{Capacity: 8 * GB})
	classes := a.SizeClasses()
	big := (classes[len(classes)-1] + 1) * PageSize

	buf, err := a.Allocate(big, NoAlignment)
	require.NoError(t, err)
	require.Equal(t, int64(0), a.NumMapped())
	require.Equal(t, big/PageSize, a.NumExternalMapped())

	a.Free(buf)
	require.Equal(t, int64(0), a.NumExternalMapped())
	require.Equal(t, int64(0), a.NumAllocated())
}
