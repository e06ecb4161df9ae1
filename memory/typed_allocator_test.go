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

func TestTypedAllocator(t *testing.T) {
	manager := NewManager(DefaultOptions().WithAlignment(64))
	defer manager.Close()
	pool := manager.Root().AddChild("typed")

	alloc := NewTypedAllocator[int64](pool)
	s, err := alloc.Allocate(128)
	require.NoError(t, err)
	require.Len(t, s, 128)
	require.Equal(t, int64(128*8), pool.CurrentBytes())

	for i := range s {
		s[i] = int64(i)
	}
	require.Equal(t, int64(127), s[127])

	require.NoError(t, alloc.Deallocate(s, 128))
	require.Equal(t, int64(0), pool.CurrentBytes())
	require.Equal(t, int64(128*8), pool.MaxBytes())
}

func TestTypedAllocatorOverflow(t *testing.T) {
	manager := NewManager(DefaultOptions().WithAlignment(64))
	defer manager.Close()
	alloc := NewTypedAllocator[int64](manager.Root())

	_, err := alloc.Allocate(1 << 62)
	require.Error(t, err)
	require.True(t, IsOverflow(err))
	var memErr *Error
	require.ErrorAs(t, err, &memErr)
	require.False(t, memErr.Retriable)

	err = alloc.Deallocate(nil, 1<<62)
	require.Error(t, err)
	require.True(t, IsOverflow(err))

	require.Equal(t, int64(0), manager.Root().CurrentBytes())
}

func TestTypedAllocatorRespectsCaps(t *testing.T) {
	manager := NewManager(DefaultOptions().WithMemoryQuota(1 * MB))
	defer manager.Close()
	alloc := NewTypedAllocator[uint32](manager.Root().AddChild("typed"))

	_, err := alloc.Allocate(1 << 20)
	require.Error(t, err)
	require.True(t, IsCapExceeded(err))
}
