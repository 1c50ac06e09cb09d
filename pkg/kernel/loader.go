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

package kernel

import (
	"fmt"

	"corevm.dev/corevm/pkg/errors/kernerr"
	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/log"
)

// Segment is one loadable segment of a program image.
type Segment struct {
	// Vaddr is where the segment is loaded.
	Vaddr hostarch.Addr

	// MemSize is the size of the segment in memory. Bytes past Data are
	// zero.
	MemSize uint32

	// Data is the segment's initial contents.
	Data []byte

	// Perms are the segment's intended permissions.
	Perms hostarch.AccessType
}

// Image is an executable program.
type Image struct {
	Name string

	// Entry is the address execution starts at.
	Entry hostarch.Addr

	// Segments are loaded in order. The first is the program's code.
	Segments []Segment
}

// validate checks that every segment's contents fit the segment.
func (img *Image) validate() error {
	for i, seg := range img.Segments {
		if uint64(len(seg.Data)) > uint64(seg.MemSize) {
			log.Warningf("kernel: %s: segment %d has %d bytes of data but is %d bytes long", img.Name, i, len(seg.Data), seg.MemSize)
			return kernerr.ENOEXEC
		}
	}
	return nil
}

// String implements fmt.Stringer.String.
func (img *Image) String() string {
	return fmt.Sprintf("%s (%d segments, entry %v)", img.Name, len(img.Segments), img.Entry)
}
