// Copyright 2026 The corevm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pgalloc

import (
	"fmt"
)

// FrameState is the state of one frame table entry.
//
// An allocation of n frames is recorded as one AllocationStart entry
// followed by n-1 continuation entries with ordinals 2..n. There is no
// length field: the extent of an allocation is recovered from its first
// entry by walking forward over continuations.
type FrameState uint32

const (
	// Free marks an unallocated frame.
	Free FrameState = 0

	// AllocationStart marks the first frame of an allocation.
	AllocationStart FrameState = 1
)

// Continuation returns the state of the ordinal'th frame of an allocation.
//
// Preconditions: ordinal >= 2.
func Continuation(ordinal uint32) FrameState {
	if ordinal < 2 {
		panic(fmt.Sprintf("continuation ordinal %d < 2", ordinal))
	}
	return FrameState(ordinal)
}

// IsFree returns true if s is Free.
func (s FrameState) IsFree() bool { return s == Free }

// IsStart returns true if s begins an allocation.
func (s FrameState) IsStart() bool { return s == AllocationStart }

// IsContinuation returns true if s continues an allocation.
func (s FrameState) IsContinuation() bool { return s >= 2 }

// Ordinal returns the 1-based position of the frame within its allocation,
// or 0 for a free frame.
func (s FrameState) Ordinal() uint32 { return uint32(s) }

// String implements fmt.Stringer.String.
func (s FrameState) String() string {
	switch {
	case s.IsFree():
		return "free"
	case s.IsStart():
		return "start"
	default:
		return fmt.Sprintf("cont(%d)", uint32(s))
	}
}
