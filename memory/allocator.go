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
	"unsafe"

	"github.com/dgraph-io/ristretto/z"
)

const callocTag = "memory.Pool"

// ByteAllocator is the raw byte source shared by a pool tree. Allocate
// returns a slice of exactly size bytes whose backing array satisfies
// alignment. Free must be called with a slice previously returned by
// Allocate or Reallocate from the same allocator. Implementations must be
// safe for concurrent use.
type ByteAllocator interface {
	Allocate(size, alignment int64) ([]byte, error)
	Free(buf []byte)
	Reallocate(buf []byte, newSize, alignment int64) ([]byte, error)
}

var (
	defaultAllocMu  sync.Mutex
	defaultAllocIns ByteAllocator
)

// SetDefaultAllocator installs a as the process-wide default byte
// allocator. The manager installs its allocator on construction and
// uninstalls it on Close; passing nil uninstalls.
func SetDefaultAllocator(a ByteAllocator) {
	defaultAllocMu.Lock()
	defaultAllocIns = a
	defaultAllocMu.Unlock()
}

// GetDefaultAllocator returns the installed default byte allocator, or a
// shared MallocAllocator when none has been installed.
func GetDefaultAllocator() ByteAllocator {
	defaultAllocMu.Lock()
	defer defaultAllocMu.Unlock()
	if defaultAllocIns == nil {
		return sharedMalloc
	}
	return defaultAllocIns
}

var sharedMalloc = NewMallocAllocator()

// MallocAllocator is a thin wrapper over the heap with no page accounting.
// Bytes come from z.Calloc, which uses jemalloc when built with the
// jemalloc tag and the Go heap otherwise.
type MallocAllocator struct {
	mu sync.Mutex
	// Aligned allocations are carved out of an over-sized base slice; the
	// base is needed again at Free time.
	aligned map[uintptr][]byte
}

// NewMallocAllocator returns a heap-backed byte allocator.
func NewMallocAllocator() *MallocAllocator {
	return &MallocAllocator{aligned: make(map[uintptr][]byte)}
}

// Allocate returns size bytes aligned to alignment.
func (a *MallocAllocator) Allocate(size, alignment int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if alignment == NoAlignment {
		return z.Calloc(int(size), callocTag), nil
	}
	base := z.Calloc(int(size+alignment), callocTag)
	addr := uintptr(unsafe.Pointer(&base[0]))
	off := int64(0)
	if rem := int64(addr) % alignment; rem != 0 {
		off = alignment - rem
	}
	buf := base[off : off+size]
	if off != 0 {
		a.mu.Lock()
		a.aligned[uintptr(unsafe.Pointer(&buf[0]))] = base
		a.mu.Unlock()
	}
	return buf, nil
}

// Free returns buf to the heap.
func (a *MallocAllocator) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	a.mu.Lock()
	base, ok := a.aligned[addr]
	if ok {
		delete(a.aligned, addr)
	}
	a.mu.Unlock()
	if ok {
		z.Free(base)
		return
	}
	z.Free(buf)
}

// Reallocate resizes buf to newSize, preserving the common prefix. Shrinks
// happen in place.
func (a *MallocAllocator) Reallocate(buf []byte, newSize, alignment int64) ([]byte, error) {
	if newSize <= int64(len(buf)) {
		if newSize == 0 {
			a.Free(buf)
			return nil, nil
		}
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
