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

// Package memory implements hierarchical memory accounting and allocation
// for the query execution engine.
//
// A Manager owns a global byte quota, a shared ByteAllocator and the root
// Pool. Operators obtain child pools from the root (or from other pools),
// allocate through them, and the pool enforces its own cap and the global
// quota while keeping current/peak statistics. An optional UsageTracker
// aggregates deltas along a logical hierarchy that is independent of pool
// ownership, so sibling pools can report into a shared query-scope tracker.
//
// Two byte allocators are provided: MallocAllocator, a thin wrapper over
// the heap, and MmapAllocator, a page-class allocator that hands out runs
// of mmapped pages from fixed size classes and maps large requests
// individually.
package memory
