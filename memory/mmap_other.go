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

//go:build !unix

package memory

// Heap-backed stand-in so the package builds on platforms without
// anonymous mappings. Page counters behave identically; the bytes just
// come from the Go heap.

func mapPages(size int64) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapPages(run []byte) {}
