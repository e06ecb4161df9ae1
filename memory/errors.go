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

	"github.com/pkg/errors"
)

// Error sources and codes reported by this package.
const (
	ErrorSourceRuntime = "RUNTIME"

	ErrorCodeMemCapExceeded = "MEM_CAP_EXCEEDED"
	ErrorCodeAllocOverflow  = "MEM_ALLOC_OVERFLOW"
)

// Error is a structured runtime error raised by the memory subsystem.
// Cap-exceeded errors are retriable: the caller may free memory elsewhere
// and try again. Overflow errors are not.
type Error struct {
	Source    string
	Code      string
	Retriable bool
	msg       string
}

func (e *Error) Error() string { return e.msg }

// Message returns the bare message without source/code decoration.
func (e *Error) Message() string { return e.msg }

// ErrAllocationCapped is returned for any allocation attempted on a pool
// that has been explicitly capped via CapAllocation.
var ErrAllocationCapped = &Error{
	Source:    ErrorSourceRuntime,
	Code:      ErrorCodeMemCapExceeded,
	Retriable: true,
	msg:       "Memory allocation manually capped",
}

func newCapExceededError(capBytes, size int64) *Error {
	return &Error{
		Source:    ErrorSourceRuntime,
		Code:      ErrorCodeMemCapExceeded,
		Retriable: true,
		msg: fmt.Sprintf("Exceeded memory cap of %s when requesting %s",
			succinctBytes(capBytes), succinctBytes(size)),
	}
}

func newManagerCapError(quota int64) *Error {
	return &Error{
		Source:    ErrorSourceRuntime,
		Code:      ErrorCodeMemCapExceeded,
		Retriable: true,
		msg:       fmt.Sprintf("Exceeded memory manager cap of %d MB", quota>>20),
	}
}

func newOverflowError(format string, args ...interface{}) *Error {
	return &Error{
		Source:    ErrorSourceRuntime,
		Code:      ErrorCodeAllocOverflow,
		Retriable: false,
		msg:       fmt.Sprintf(format, args...),
	}
}

// IsCapExceeded reports whether err is a retriable cap-exceeded error from
// any level: local pool cap, manager quota, manual cap or allocator
// capacity.
func IsCapExceeded(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrorCodeMemCapExceeded
	}
	return false
}

// IsOverflow reports whether err is a size-overflow error.
func IsOverflow(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrorCodeAllocOverflow
	}
	return false
}
