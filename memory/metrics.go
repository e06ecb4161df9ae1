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
	"context"
	"expvar"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
)

var (
	// numAllocs is the cumulative number of pool allocations.
	numAllocs *expvar.Int
	// numFrees is the cumulative number of pool frees.
	numFrees *expvar.Int
	// numBytesAllocated is the cumulative accounted bytes allocated.
	numBytesAllocated *expvar.Int
	// numCapExceeded is the cumulative number of cap-exceeded failures.
	numCapExceeded *expvar.Int
)

// These variables are global and have cumulative values for all managers.
func init() {
	numAllocs = expvar.NewInt("tessera_memory_allocs_total")
	numFrees = expvar.NewInt("tessera_memory_frees_total")
	numBytesAllocated = expvar.NewInt("tessera_memory_allocated_bytes")
	numCapExceeded = expvar.NewInt("tessera_memory_cap_exceeded_total")
}

var (
	// MeasureAllocatedBytes measures accounted bytes per allocation.
	MeasureAllocatedBytes = stats.Int64(
		"tessera.io/memory/allocated_bytes", "Accounted bytes per allocation", stats.UnitBytes)
	// MeasureCapExceeded counts cap-exceeded failures.
	MeasureCapExceeded = stats.Int64(
		"tessera.io/memory/cap_exceeded", "Cap-exceeded allocation failures", stats.UnitDimensionless)
)

// MetricsViews returns the OpenCensus views this package can export.
func MetricsViews() []*view.View {
	return []*view.View{
		{
			Name:        "tessera.io/memory/allocated_bytes",
			Measure:     MeasureAllocatedBytes,
			Description: "Accounted bytes allocated from memory pools",
			Aggregation: view.Sum(),
		},
		{
			Name:        "tessera.io/memory/allocations",
			Measure:     MeasureAllocatedBytes,
			Description: "Number of pool allocations",
			Aggregation: view.Count(),
		},
		{
			Name:        "tessera.io/memory/cap_exceeded",
			Measure:     MeasureCapExceeded,
			Description: "Cap-exceeded allocation failures",
			Aggregation: view.Count(),
		},
	}
}

// RegisterMetricsViews registers the package views with the OpenCensus
// default exporter set.
func RegisterMetricsViews() error {
	return view.Register(MetricsViews()...)
}

func recordAlloc(m *Manager, size int64) {
	numAllocs.Add(1)
	numBytesAllocated.Add(size)
	m.allocHist.Update(size)
	stats.Record(context.Background(), MeasureAllocatedBytes.M(size))
}

func recordFree(size int64) {
	numFrees.Add(1)
}

func recordCapExceeded() {
	numCapExceeded.Add(1)
	stats.Record(context.Background(), MeasureCapExceeded.M(1))
}
