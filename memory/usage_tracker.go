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

import "sync/atomic"

// UsageTracker aggregates byte deltas along a logical hierarchy that is
// independent of the pool tree: sibling pools can feed one tracker to
// report usage at a query scope. Deltas propagate to the parent chain.
//
// The default variant applies every delta. The simple variant is
// additive-only on reallocation: it ignores the release half of a
// reallocate-shrink (which frees no real memory) but honors explicit
// frees.
//
// Trackers outlive the pools that feed them; closing a pool releases its
// outstanding bytes from the attached tracker while the peak remains.
type UsageTracker struct {
	parent *UsageTracker
	simple bool

	currentUserBytes int64 // atomic
	peakTotalBytes   int64 // atomic
}

// NewUsageTracker returns a root tracker with full accounting.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{}
}

// NewSimpleUsageTracker returns a root tracker that ignores
// reallocate-shrink releases.
func NewSimpleUsageTracker() *UsageTracker {
	return &UsageTracker{simple: true}
}

// NewChild returns a tracker of the same variant reporting into t.
func (t *UsageTracker) NewChild() *UsageTracker {
	return &UsageTracker{parent: t, simple: t.simple}
}

// Parent returns the tracker t reports into, or nil.
func (t *UsageTracker) Parent() *UsageTracker { return t.parent }

// Update applies delta to the current byte count, bumps the peak and
// propagates up the parent chain.
func (t *UsageTracker) Update(delta int64) {
	t.update(delta, false)
}

// update applies delta. A reconcile update is bookkeeping only (no bytes
// were actually returned) and the simple variant drops negative ones.
func (t *UsageTracker) update(delta int64, reconcile bool) {
	if t.simple && reconcile && delta < 0 {
		return
	}
	cur := atomic.AddInt64(&t.currentUserBytes, delta)
	if delta > 0 {
		for {
			peak := atomic.LoadInt64(&t.peakTotalBytes)
			if cur <= peak || atomic.CompareAndSwapInt64(&t.peakTotalBytes, peak, cur) {
				break
			}
		}
	}
	if t.parent != nil {
		t.parent.update(delta, reconcile)
	}
}

// CurrentUserBytes returns the bytes currently attributed to this tracker.
func (t *UsageTracker) CurrentUserBytes() int64 {
	return atomic.LoadInt64(&t.currentUserBytes)
}

// PeakTotalBytes returns the high-water mark of the current byte count.
func (t *UsageTracker) PeakTotalBytes() int64 {
	return atomic.LoadInt64(&t.peakTotalBytes)
}
