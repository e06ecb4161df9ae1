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
)

// Pool is an accounting node in the hierarchical memory tree. It forwards
// byte acquisition to the manager's ByteAllocator, enforces its own cap
// and the manager's global quota, and keeps flat current/peak statistics:
// CurrentBytes reflects only bytes attributed to this pool, never its
// subtree.
//
// Pools are safe for concurrent use. Names are diagnostic only and need
// not be unique among siblings.
type Pool struct {
	name      string
	capBytes  int64
	alignment int64
	manager   *Manager
	parent    *Pool

	// mu guards the child set, the tracker reference, closed, and all
	// mutations of currentBytes/peakBytes so tracker swaps observe a
	// stable attribution.
	mu       sync.Mutex
	children map[*Pool]struct{}
	tracker  *UsageTracker
	closed   bool

	currentBytes int64  // written under mu, read atomically
	peakBytes    int64  // written under mu, read atomically
	capped       uint32 // atomic
}

// Name returns the diagnostic name given at creation.
func (p *Pool) Name() string { return p.name }

// Parent returns the parent pool, or nil for the root.
func (p *Pool) Parent() *Pool { return p.parent }

// Cap returns the local byte cap; MaxMemory when unbounded.
func (p *Pool) Cap() int64 { return p.capBytes }

// Alignment returns the pool's allocation alignment; NoAlignment when
// rounding is disabled.
func (p *Pool) Alignment() int64 { return p.alignment }

// CurrentBytes returns the bytes currently attributed to this pool.
func (p *Pool) CurrentBytes() int64 { return atomic.LoadInt64(&p.currentBytes) }

// MaxBytes returns the high-water mark of CurrentBytes since creation.
func (p *Pool) MaxBytes() int64 { return atomic.LoadInt64(&p.peakBytes) }

// AddChild creates an unbounded child pool.
func (p *Pool) AddChild(name string) *Pool {
	return p.AddChildCap(name, MaxMemory)
}

// AddChildCap creates a child pool with a local byte cap. The child is
// born capped if p is currently capped, and inherits a child tracker when
// p carries one.
func (p *Pool) AddChildCap(name string, capBytes int64) *Pool {
	if capBytes <= 0 {
		capBytes = MaxMemory
	}
	child := &Pool{
		name:      name,
		capBytes:  capBytes,
		alignment: p.alignment,
		manager:   p.manager,
		parent:    p,
		children:  make(map[*Pool]struct{}),
	}
	if p.IsCapped() {
		child.capped = 1
	}
	p.mu.Lock()
	if p.tracker != nil {
		child.tracker = p.tracker.NewChild()
	}
	p.children[child] = struct{}{}
	p.mu.Unlock()
	p.manager.eventf("pool %q: added child %q", p.name, name)
	return child
}

// ChildCount returns the number of live children.
func (p *Pool) ChildCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.children)
}

// VisitChildren invokes fn once per live child, in no particular order.
// fn may add or close pools.
func (p *Pool) VisitChildren(fn func(*Pool)) {
	p.mu.Lock()
	snapshot := make([]*Pool, 0, len(p.children))
	for c := range p.children {
		snapshot = append(snapshot, c)
	}
	p.mu.Unlock()
	for _, c := range snapshot {
		fn(c)
	}
}

func (p *Pool) removeChild(child *Pool) {
	p.mu.Lock()
	delete(p.children, child)
	p.mu.Unlock()
}

// Close detaches the pool from its parent and returns its outstanding
// attribution to the manager tally and the attached tracker. Outstanding
// allocations become the caller's leak. The root pool cannot be closed.
func (p *Pool) Close() {
	if p.parent == nil {
		p.manager.logger.Warningf("pool %q: root pool cannot be closed", p.name)
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cur := p.currentBytes
	atomic.StoreInt64(&p.currentBytes, 0)
	if cur > 0 && p.tracker != nil {
		p.tracker.update(-cur, false)
	}
	p.mu.Unlock()

	if cur > 0 {
		p.manager.releaseBytes(cur)
	}
	p.parent.removeChild(p)
}

// Allocate obtains size bytes from the byte allocator, accounted against
// this pool. The accounted amount is size rounded up to the pool's
// alignment; the returned slice has length size. Fails with a retriable
// cap-exceeded error when the pool is capped, the manager quota would be
// exceeded, or the local cap would be exceeded, checked in that order.
// A failed allocation has no side effects.
func (p *Pool) Allocate(size int64) ([]byte, error) {
	if size < 0 {
		return nil, newOverflowError("negative allocation size %d", size)
	}
	alignedSize := sizeAlign(size, p.alignment)
	if err := p.reserve(alignedSize); err != nil {
		return nil, err
	}
	buf, err := p.manager.alloc.Allocate(alignedSize, p.alignment)
	if err != nil {
		p.release(alignedSize, false)
		return nil, err
	}
	recordAlloc(p.manager, alignedSize)
	if buf == nil {
		return nil, nil
	}
	return buf[:size], nil
}

// Free returns buf to the byte allocator and removes its accounted bytes
// from the pool. buf must be a slice returned by Allocate or Reallocate on
// this pool. The peak is unchanged.
func (p *Pool) Free(buf []byte) {
	size := int64(len(buf))
	if size == 0 {
		return
	}
	alignedSize := sizeAlign(size, p.alignment)
	p.manager.alloc.Free(buf)
	p.release(alignedSize, false)
	recordFree(alignedSize)
}

// Reallocate resizes buf to newSize, preserving contents up to the shorter
// length. Accounting moves by the net aligned delta. On failure the
// original allocation is untouched and still attributed to the pool. A
// shrink releases the difference immediately; the attached tracker sees it
// as a reconciliation, which the simple variant ignores.
func (p *Pool) Reallocate(buf []byte, newSize int64) ([]byte, error) {
	if newSize < 0 {
		return nil, newOverflowError("negative allocation size %d", newSize)
	}
	alignedSize := sizeAlign(int64(len(buf)), p.alignment)
	alignedNewSize := sizeAlign(newSize, p.alignment)
	diff := alignedNewSize - alignedSize

	if diff <= 0 {
		newBuf, err := p.manager.alloc.Reallocate(buf, newSize, p.alignment)
		if err != nil {
			return nil, err
		}
		if diff < 0 {
			p.release(-diff, true)
		}
		return newBuf, nil
	}

	if err := p.reserve(diff); err != nil {
		return nil, err
	}
	newBuf, err := p.manager.alloc.Reallocate(buf, alignedNewSize, p.alignment)
	if err != nil {
		p.release(diff, false)
		return nil, err
	}
	recordAlloc(p.manager, diff)
	return newBuf[:newSize], nil
}

// Reserve accounts size bytes managed outside the pool's own allocate
// path. The bytes participate in the local cap and the global quota
// exactly like Allocate, but no byte allocator call is made.
func (p *Pool) Reserve(size int64) error {
	if size < 0 {
		return newOverflowError("negative reservation size %d", size)
	}
	return p.reserve(sizeAlign(size, p.alignment))
}

// Release removes bytes previously accounted with Reserve.
func (p *Pool) Release(size int64) {
	if size <= 0 {
		return
	}
	p.release(sizeAlign(size, p.alignment), false)
}

// reserve commits size bytes against the manual cap, the manager quota and
// the local cap, in that precedence. On success the pool counters, peak
// and tracker are updated; on failure nothing is.
func (p *Pool) reserve(size int64) error {
	if p.IsCapped() {
		recordCapExceeded()
		return ErrAllocationCapped
	}
	if err := p.manager.reserveBytes(size); err != nil {
		recordCapExceeded()
		return err
	}
	p.mu.Lock()
	cur := p.currentBytes
	if size > p.capBytes-cur {
		p.mu.Unlock()
		p.manager.releaseBytes(size)
		recordCapExceeded()
		return newCapExceededError(p.capBytes, size)
	}
	atomic.StoreInt64(&p.currentBytes, cur+size)
	if cur+size > p.peakBytes {
		atomic.StoreInt64(&p.peakBytes, cur+size)
	}
	// Tracker update stays under mu so a concurrent SetUsageTracker swap
	// observes either the old attribution or the new, never half of each.
	if p.tracker != nil {
		p.tracker.update(size, false)
	}
	p.mu.Unlock()
	return nil
}

// release returns size accounted bytes. reconcile marks a
// reallocate-shrink, which frees no real memory; trackers may treat it
// differently from an explicit free.
func (p *Pool) release(size int64, reconcile bool) {
	if size == 0 {
		return
	}
	p.mu.Lock()
	atomic.StoreInt64(&p.currentBytes, p.currentBytes-size)
	if p.tracker != nil {
		p.tracker.update(-size, reconcile)
	}
	p.mu.Unlock()
	p.manager.releaseBytes(size)
}

// CapAllocation puts this pool and every descendant into the capped
// state: all subsequent allocations fail until UncapAllocation.
func (p *Pool) CapAllocation() {
	atomic.StoreUint32(&p.capped, 1)
	p.VisitChildren(func(c *Pool) { c.CapAllocation() })
	p.manager.logger.Debugf("pool %q: allocation capped", p.name)
	p.manager.eventf("pool %q: allocation capped", p.name)
}

// UncapAllocation clears the capped state on this pool and its
// descendants. A no-op while the parent remains capped.
func (p *Pool) UncapAllocation() {
	if p.parent != nil && p.parent.IsCapped() {
		return
	}
	p.uncap()
	p.manager.logger.Debugf("pool %q: allocation uncapped", p.name)
	p.manager.eventf("pool %q: allocation uncapped", p.name)
}

func (p *Pool) uncap() {
	atomic.StoreUint32(&p.capped, 0)
	p.VisitChildren(func(c *Pool) { c.uncap() })
}

// IsCapped reports whether the pool is in the capped state.
func (p *Pool) IsCapped() bool {
	return atomic.LoadUint32(&p.capped) == 1
}

// SetUsageTracker attaches t, first detaching any previous tracker. The
// pool's outstanding bytes move from the old tracker to the new one;
// CurrentBytes is unchanged. Attaching the already-attached tracker is a
// no-op.
func (p *Pool) SetUsageTracker(t *UsageTracker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tracker == t {
		return
	}
	cur := p.currentBytes
	if p.tracker != nil {
		p.tracker.update(-cur, false)
	}
	if t != nil {
		t.update(cur, false)
	}
	p.tracker = t
}

// UsageTracker returns the attached tracker, or nil.
func (p *Pool) UsageTracker() *UsageTracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker
}

// PreferredSize rounds a caller-chosen buffer capacity up to the next
// allocation-friendly size: the smallest of {2^k, 1.5*2^k} at least size,
// with a floor of 8 and saturation at 2^63.
func (p *Pool) PreferredSize(size uint64) uint64 {
	return preferredSize(size)
}
