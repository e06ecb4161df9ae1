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
	"math"
	"unsafe"
)

// TypedAllocator adapts a Pool to element-typed allocation for container
// code. It is a value-semantic handle; copies share the pool. Requests
// whose element count times element size cannot be represented in 63 bits
// fail with a non-retriable overflow error before touching the pool.
type TypedAllocator[T any] struct {
	pool *Pool
}

// NewTypedAllocator returns a typed allocation handle over pool.
func NewTypedAllocator[T any](pool *Pool) TypedAllocator[T] {
	return TypedAllocator[T]{pool: pool}
}

// Pool returns the underlying pool.
func (a TypedAllocator[T]) Pool() *Pool { return a.pool }

func (a TypedAllocator[T]) byteSize(n uint64) (int64, error) {
	var zero T
	elem := uint64(unsafe.Sizeof(zero))
	if elem != 0 && n > math.MaxInt64/elem {
		return 0, newOverflowError(
			"allocation of %d elements of size %d overflows", n, elem)
	}
	return int64(n * elem), nil
}

// Allocate returns a slice of n elements accounted against the pool.
func (a TypedAllocator[T]) Allocate(n uint64) ([]T, error) {
	size, err := a.byteSize(n)
	if err != nil {
		return nil, err
	}
	buf, err := a.pool.Allocate(size)
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&buf[0])), n), nil
}

// Deallocate returns a slice of n elements previously obtained from
// Allocate on the same handle.
func (a TypedAllocator[T]) Deallocate(s []T, n uint64) error {
	size, err := a.byteSize(n)
	if err != nil {
		return err
	}
	if len(s) == 0 || size == 0 {
		return nil
	}
	a.pool.Free(unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), size))
	return nil
}
