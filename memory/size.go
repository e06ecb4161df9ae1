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
	"math"
	"math/bits"
)

// MaxMemory stands in for "no cap" on pools and managers.
const MaxMemory = math.MaxInt64

// NoAlignment disables alignment rounding on a pool.
const NoAlignment int64 = 0

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// succinctBytes renders a byte count in 1024-based units with two decimals,
// e.g. 63.00MB. Counts below 1KB print without decimals.
func succinctBytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%dB", b)
	}
	v := float64(b)
	unit := 0
	for v >= 1024 && unit < len(sizeUnits)-1 {
		v /= 1024
		unit++
	}
	return fmt.Sprintf("%.2f%s", v, sizeUnits[unit])
}

// sizeAlign rounds size up to a multiple of alignment. Alignment must be
// NoAlignment or a power of two.
func sizeAlign(size, alignment int64) int64 {
	if alignment == NoAlignment {
		return size
	}
	return (size + alignment - 1) &^ (alignment - 1)
}

// preferredSize returns the smallest value in {2^k, 1.5*2^k : k >= 3} that
// is at least size, with a floor of 8. The step after 2^62+2^61 is 2^63.
func preferredSize(size uint64) uint64 {
	if size < 8 {
		return 8
	}
	lower := uint64(1) << (63 - bits.LeadingZeros64(size))
	if lower == size {
		return size
	}
	middle := lower + lower/2
	if size <= middle {
		return middle
	}
	return lower << 1
}
