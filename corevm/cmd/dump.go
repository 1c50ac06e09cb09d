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

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"

	"corevm.dev/corevm/corevm/config"
	"corevm.dev/corevm/corevm/flag"
	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/machine"
	"corevm.dev/corevm/pkg/pgalloc"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	allocs string
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "boot a machine, allocate kernel pages and print the frame table"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [-allocs=<ops>] - boot a machine, perform kernel page allocations and print the frame table.

<ops> is a comma separated list. A number N allocates N contiguous pages; fI
frees the run returned by the I'th allocation, counting from 0. For example:

  dump -allocs=3,1,4,f1,2
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.allocs, "allocs", "", "allocations to perform before dumping.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	ops, err := parseAllocs(d.allocs)
	if err != nil {
		return Errorf("-allocs: %v", err)
	}

	k, err := bootKernel(conf)
	if err != nil {
		return Errorf("booting: %v", err)
	}
	defer k.Close()

	alloc := k.Allocator()
	var kvas []hostarch.Addr
	for _, op := range ops {
		if op.free >= 0 {
			if op.free >= len(kvas) || kvas[op.free] == 0 {
				return Errorf("f%d: no such allocation", op.free)
			}
			n := alloc.Free(machine.KvaddrToPaddr(kvas[op.free]))
			fmt.Printf("free %d: %v, %d pages\n", op.free, kvas[op.free], n)
			kvas[op.free] = 0
			continue
		}
		kva := alloc.AllocKPages(op.pages)
		if kva == 0 {
			fmt.Printf("alloc %d: %d pages: out of memory\n", len(kvas), op.pages)
		} else {
			fmt.Printf("alloc %d: %d pages at %v\n", len(kvas), op.pages, kva)
		}
		kvas = append(kvas, kva)
	}

	if err := writeCoremap(os.Stdout, alloc); err != nil {
		return Errorf("writing frame table: %v", err)
	}
	return subcommands.ExitSuccess
}

type allocOp struct {
	// pages is the size of an allocation.
	pages int

	// free is the index of the allocation to free, or -1.
	free int
}

func parseAllocs(s string) ([]allocOp, error) {
	if s == "" {
		return nil, nil
	}
	var ops []allocOp
	for _, tok := range strings.Split(s, ",") {
		if idx, ok := strings.CutPrefix(tok, "f"); ok {
			i, err := strconv.Atoi(idx)
			if err != nil || i < 0 {
				return nil, fmt.Errorf("invalid free %q", tok)
			}
			ops = append(ops, allocOp{free: i})
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid allocation %q", tok)
		}
		ops = append(ops, allocOp{pages: n, free: -1})
	}
	return ops, nil
}

// frameRun is a maximal range of frames that are either free or one
// allocation.
type frameRun struct {
	Start  hostarch.PhysAddr
	Frames int
	Free   bool
}

func (r frameRun) String() string {
	state := "allocated"
	if r.Free {
		state = "free"
	}
	end := r.Start + hostarch.PhysAddr(r.Frames*hostarch.PageSize)
	return fmt.Sprintf("0x%08x-0x%08x %6d frames  %s", uint32(r.Start), uint32(end), r.Frames, state)
}

// coremapRuns splits a frame table snapshot into runs.
func coremapRuns(base hostarch.PhysAddr, frames []pgalloc.FrameState) []frameRun {
	var runs []frameRun
	for i := 0; i < len(frames); {
		r := frameRun{
			Start: base + hostarch.PhysAddr(i*hostarch.PageSize),
			Free:  frames[i].IsFree(),
		}
		j := i + 1
		for j < len(frames) {
			if r.Free != frames[j].IsFree() || (!r.Free && !frames[j].IsContinuation()) {
				break
			}
			j++
		}
		r.Frames = j - i
		runs = append(runs, r)
		i = j
	}
	return runs
}

func writeCoremap(w io.Writer, alloc *pgalloc.Allocator) error {
	first, last := alloc.RAM().Bounds()
	u := alloc.Usage()
	base, frames := alloc.Snapshot()
	fmt.Fprintf(w, "RAM: 0x%08x-0x%08x free at boot, %d bytes stolen before the frame table\n", uint32(first), uint32(last), u.Stolen)
	fmt.Fprintf(w, "frame table: %d frames from 0x%08x, %d free\n", u.Total, uint32(base), u.Free)
	for _, r := range coremapRuns(base, frames) {
		if _, err := fmt.Fprintf(w, "  %v\n", r); err != nil {
			return err
		}
	}
	return nil
}
