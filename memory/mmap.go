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
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// PageSize is the bookkeeping unit of the MmapAllocator.
const PageSize int64 = 4096

// DefaultSizeClasses are the page-count buckets requests are rounded up
// into. Requests above the largest class get their own mapping.
var DefaultSizeClasses = []int64{1, 2, 4, 8, 16, 32, 64, 128, 256}

// MmapAllocatorOptions configures an MmapAllocator.
type MmapAllocatorOptions struct {
	// Capacity bounds the total bytes the allocator will keep mapped,
	// counting both the size-class pool and external mappings.
	Capacity int64
	// SizeClasses overrides DefaultSizeClasses. Must be ascending page
	// counts.
	SizeClasses []int64
}

type mmapRun struct {
	run      []byte
	pages    int64
	external bool
}

// MmapAllocator hands out runs of anonymously mapped pages. Small requests
// are rounded up to a fixed size class and served from per-class free
// lists; runs freed back to a class stay mapped for reuse until Trim.
// Requests larger than the biggest class get an independent mapping that
// is released on Free.
type MmapAllocator struct {
	capacity    int64
	sizeClasses []int64

	mu        sync.Mutex
	freeLists map[int64][][]byte
	allocs    map[uintptr]mmapRun

	numAllocated      int64 // atomic; pages issued via either path
	numMapped         int64 // atomic; pages mapped in the size-class pool
	numExternalMapped int64 // atomic; pages mapped via the external path
}

// NewMmapAllocator returns a page-class allocator with the given capacity.
// A zero capacity means unbounded.
func NewMmapAllocator(opt MmapAllocatorOptions) *MmapAllocator {
	classes := opt.SizeClasses
	if len(classes) == 0 {
		classes = DefaultSizeClasses
	}
	capacity := opt.Capacity
	if capacity == 0 {
		capacity = MaxMemory
	}
	return &MmapAllocator{
		capacity:    capacity,
		sizeClasses: classes,
		freeLists:   make(map[int64][][]byte),
		allocs:      make(map[uintptr]mmapRun),
	}
}

// SizeClasses returns the page-count buckets in ascending order.
func (a *MmapAllocator) SizeClasses() []int64 { return a.sizeClasses }

// NumAllocated returns the pages currently issued via either path.
func (a *MmapAllocator) NumAllocated() int64 { return atomic.LoadInt64(&a.numAllocated) }

// NumMapped returns the pages currently mapped in the size-class pool.
func (a *MmapAllocator) NumMapped() int64 { return atomic.LoadInt64(&a.numMapped) }

// NumExternalMapped returns the pages currently mapped via the external path.
func (a *MmapAllocator) NumExternalMapped() int64 { return atomic.LoadInt64(&a.numExternalMapped) }

func pagesForBytes(size int64) int64 {
	return (size + PageSize - 1) / PageSize
}

// classFor returns the smallest size class holding pages, or -1 when pages
// exceeds the largest class.
func (a *MmapAllocator) classFor(pages int64) int64 {
	for _, c := range a.sizeClasses {
		if c >= pages {
			return c
		}
	}
	return -1
}

func (a *MmapAllocator) mappedBytesLocked() int64 {
	return (atomic.LoadInt64(&a.numMapped) + atomic.LoadInt64(&a.numExternalMapped)) * PageSize
}

// Allocate returns size bytes backed by mapped pages. Page granularity
// satisfies any pool alignment up to PageSize.
func (a *MmapAllocator) Allocate(size, alignment int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	pages := pagesForBytes(size)
	class := a.classFor(pages)

	a.mu.Lock()
	defer a.mu.Unlock()

	if class < 0 {
		// External path: an independent mapping of exactly pages.
		if a.mappedBytesLocked()+pages*PageSize > a.capacity {
			return nil, newCapExceededError(a.capacity, size)
		}
		run, err := mapPages(pages * PageSize)
		if err != nil {
			return nil, errors.Wrapf(err, "mmap of %d pages failed", pages)
		}
		a.allocs[runAddr(run)] = mmapRun{run: run, pages: pages, external: true}
		atomic.AddInt64(&a.numExternalMapped, pages)
		atomic.AddInt64(&a.numAllocated, pages)
		return run[:size], nil
	}

	var run []byte
	if list := a.freeLists[class]; len(list) > 0 {
		run = list[len(list)-1]
		a.freeLists[class] = list[:len(list)-1]
	} else {
		if a.mappedBytesLocked()+class*PageSize > a.capacity {
			return nil, newCapExceededError(a.capacity, size)
		}
		var err error
		run, err = mapPages(class * PageSize)
		if err != nil {
			return nil, errors.Wrapf(err, "mmap of %d pages failed", class)
		}
		atomic.AddInt64(&a.numMapped, class)
	}
	a.allocs[runAddr(run)] = mmapRun{run: run, pages: class, external: false}
	atomic.AddInt64(&a.numAllocated, class)
	return run[:size], nil
}

// Free returns buf's pages. Size-class runs go back on their free list and
// stay mapped; external mappings are unmapped.
func (a *MmapAllocator) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))

	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.allocs[addr]
	if !ok {
		return
	}
	delete(a.allocs, addr)
	atomic.AddInt64(&a.numAllocated, -r.pages)
	if r.external {
		atomic.AddInt64(&a.numExternalMapped, -r.pages)
		unmapPages(r.run)
		return
	}
	a.freeLists[r.pages] = append(a.freeLists[r.pages], r.run)
}

// Reallocate resizes buf. When the new size still fits the run backing buf
// the resize happens in place and no pages move.
func (a *MmapAllocator) Reallocate(buf []byte, newSize, alignment int64) ([]byte, error) {
	if newSize == 0 {
		a.Free(buf)
		return nil, nil
	}
	if len(buf) > 0 && newSize <= int64(cap(buf)) {
		return buf[:newSize], nil
	}
	newBuf, err := a.Allocate(newSize, alignment)
	if err != nil {
		return nil, err
	}
	copy(newBuf, buf)
	a.Free(buf)
	return newBuf, nil
}

// Trim unmaps every run sitting on a free list, dropping NumMapped
// accordingly. Runs handed out stay untouched.
func (a *MmapAllocator) Trim() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for class, list := range a.freeLists {
		for _, run := range list {
			unmapPages(run)
			atomic.AddInt64(&a.numMapped, -class)
		}
		delete(a.freeLists, class)
	}
}

func runAddr(run []byte) uintptr {
	return uintptr(unsafe.Pointer(&run[0]))
}
