// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reborn

import "sync/atomic"

// roundRobin picks positions in a list in sequential order. One cursor is
// shared by every list the pool publishes.
type roundRobin struct {
	// +checkatomic
	cursor atomic.Int64
}

func newRoundRobin() *roundRobin {
	rr := &roundRobin{}
	rr.cursor.Store(-1)
	return rr
}

// next returns the position after the last one picked, wrapping to zero at
// the end of a list of the given size. The cursor may be past the end when
// the list shrank since the last pick; that also wraps to zero. size must
// be positive.
func (r *roundRobin) next(size int) int {
	last := int64(size) - 1
	for {
		current := r.cursor.Load()
		next := current + 1
		if current >= last {
			next = 0
		}
		if r.cursor.CompareAndSwap(current, next) {
			return int(next)
		}
	}
}
