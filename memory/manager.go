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
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/z"
	"github.com/dustin/go-humanize"
	"golang.org/x/net/trace"
)

const rootPoolName = "__root__"

// Options configures a Manager. Use DefaultOptions and the With* chainers.
type Options struct {
	// MemoryQuota bounds the bytes outstanding across the whole pool
	// tree. MaxMemory means practically unlimited.
	MemoryQuota int64
	// Alignment applies to every pool in the tree: NoAlignment, or a
	// power of two >= 8.
	Alignment int64
	// Allocator is the byte source shared by the tree. nil selects the
	// shared heap allocator.
	Allocator ByteAllocator
	// Logger receives cap/uncap and quota-refusal diagnostics.
	Logger Logger
	// EventLogging enables a trace.EventLog on the manager, viewable on
	// the /debug/events page.
	EventLogging bool
}

// DefaultOptions returns sensible defaults: unlimited quota, no
// alignment, heap allocator.
func DefaultOptions() Options {
	return Options{
		MemoryQuota: MaxMemory,
		Alignment:   NoAlignment,
		Logger:      defaultLogger,
	}
}

// WithMemoryQuota sets the global byte quota.
func (opt Options) WithMemoryQuota(quota int64) Options {
	opt.MemoryQuota = quota
	return opt
}

// WithAlignment sets the tree-wide allocation alignment.
func (opt Options) WithAlignment(alignment int64) Options {
	opt.Alignment = alignment
	return opt
}

// WithAllocator sets the byte allocator shared by the tree.
func (opt Options) WithAllocator(a ByteAllocator) Options {
	opt.Allocator = a
	return opt
}

// WithLogger sets the diagnostics logger.
func (opt Options) WithLogger(l Logger) Options {
	opt.Logger = l
	return opt
}

// WithEventLogging enables the manager's trace event log.
func (opt Options) WithEventLogging() Options {
	opt.EventLogging = true
	return opt
}

// Manager is the root holder of a pool tree: it owns the global quota,
// the shared byte allocator and the root pool. Construction installs the
// allocator as the process default; Close uninstalls it. The allocator
// must outlive every pool in the tree, which holding the Manager
// guarantees.
type Manager struct {
	quota  int64
	alloc  ByteAllocator
	root   *Pool
	logger Logger

	totalBytes int64 // atomic; quota tally across the whole tree

	elog      trace.EventLog
	allocHist *z.HistogramData
}

// NewManager builds a manager from opt and installs its allocator as the
// process default.
func NewManager(opt Options) *Manager {
	quota := opt.MemoryQuota
	if quota <= 0 {
		quota = MaxMemory
	}
	alloc := opt.Allocator
	if alloc == nil {
		alloc = sharedMalloc
	}
	logger := opt.Logger
	if logger == nil {
		logger = defaultLogger
	}
	m := &Manager{
		quota:  quota,
		alloc:  alloc,
		logger: logger,
		// Allocation sizes from 2^0 to 2^40.
		allocHist: z.NewHistogramData(z.HistogramBounds(0, 40)),
	}
	if opt.EventLogging {
		m.elog = trace.NewEventLog("memory.Manager", rootPoolName)
	}
	m.root = &Pool{
		name:      rootPoolName,
		capBytes:  quota,
		alignment: opt.Alignment,
		manager:   m,
		children:  make(map[*Pool]struct{}),
	}
	SetDefaultAllocator(alloc)
	return m
}

// Root returns the root pool. It lives exactly as long as the manager.
func (m *Manager) Root() *Pool { return m.root }

// Quota returns the global byte quota.
func (m *Manager) Quota() int64 { return m.quota }

// Allocator returns the byte allocator shared by the tree.
func (m *Manager) Allocator() ByteAllocator { return m.alloc }

// TotalBytes returns the bytes currently outstanding across the tree.
func (m *Manager) TotalBytes() int64 { return atomic.LoadInt64(&m.totalBytes) }

// Close uninstalls the manager's allocator from the process default slot
// (if still installed) and finishes the event log. Pools must not be used
// afterwards.
func (m *Manager) Close() {
	defaultAllocMu.Lock()
	if defaultAllocIns == m.alloc {
		defaultAllocIns = nil
	}
	defaultAllocMu.Unlock()
	if m.elog != nil {
		m.elog.Finish()
		m.elog = nil
	}
}

// reserveBytes atomically commits size bytes against the global quota.
func (m *Manager) reserveBytes(size int64) error {
	for {
		total := atomic.LoadInt64(&m.totalBytes)
		if total > m.quota-size {
			m.logger.Debugf("quota refused: %d outstanding, %d requested, quota %d",
				total, size, m.quota)
			m.eventf("quota refused: requesting %s", succinctBytes(size))
			return newManagerCapError(m.quota)
		}
		if atomic.CompareAndSwapInt64(&m.totalBytes, total, total+size) {
			return nil
		}
	}
}

func (m *Manager) releaseBytes(size int64) {
	atomic.AddInt64(&m.totalBytes, -size)
}

func (m *Manager) eventf(format string, args ...interface{}) {
	if m.elog != nil {
		m.elog.Printf(format, args...)
	}
}

// String summarizes the manager state, including the allocation size
// histogram.
func (m *Manager) String() string {
	return fmt.Sprintf("MemoryManager quota: %s outstanding: %s\n%s",
		humanize.IBytes(uint64(m.quota)),
		humanize.IBytes(uint64(m.TotalBytes())),
		m.allocHist.String())
}
