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

// Package kernel runs user processes on the simulated machine.
//
// It is the virtual memory system's client: it creates, copies, activates
// and destroys address spaces for exec, fork and exit, and turns MMU
// exceptions taken while touching user memory into calls to the fault
// handler.
//
// There is one CPU. A process uses it between Run's entry and return, and
// the CPU is handed from process to process with a full TLB flush, as on a
// context switch.
//
// Lock order:
//
//	Kernel.cpuMu
//		Kernel.mu
package kernel

import (
	"fmt"
	"time"

	"github.com/google/btree"

	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/log"
	"corevm.dev/corevm/pkg/machine"
	"corevm.dev/corevm/pkg/metric"
	"corevm.dev/corevm/pkg/mm"
	"corevm.dev/corevm/pkg/pgalloc"
	"corevm.dev/corevm/pkg/sync"
)

// Config configures a Kernel.
type Config struct {
	// Machine describes the hardware to boot on.
	Machine machine.Config

	// BootPages is the number of pages the kernel takes for itself before
	// the frame table exists. They are never returned.
	BootPages int

	// MaxAddressSpaces bounds the number of live address spaces. Zero
	// means unlimited.
	MaxAddressSpaces int

	// MaxProcs bounds the number of processes, including zombies. Zero
	// means unlimited.
	MaxProcs int

	// Metrics receives every metric of the kernel and its memory system. If
	// nil, a private registry is used.
	Metrics *metric.Registry
}

// Syscall names, used as metric field values.
const (
	sysExec    = "exec"
	sysFork    = "fork"
	sysExit    = "exit"
	sysWaitPID = "waitpid"
	sysGetPID  = "getpid"
)

// Kernel is the operating system.
type Kernel struct {
	machine *machine.Machine
	alloc   *pgalloc.Allocator
	mm      *mm.Manager
	metrics *metric.Registry

	maxProcs int

	// bootKVA is the kernel's boot-time allocation.
	bootKVA hostarch.Addr

	// cpuMu is held by whoever is running on the CPU.
	cpuMu sync.Mutex

	// current is the process on the CPU, or nil.
	//
	// +checklocks:cpuMu
	current *Proc

	// mu protects the process table and the family and exit state of every
	// process.
	mu sync.Mutex

	// procs is the process table, ordered by PID.
	//
	// +checklocks:mu
	procs *btree.BTreeG[*Proc]

	// lastPID is the most recently allocated PID.
	//
	// +checklocks:mu
	lastPID PID

	// warn rate limits messages a user program can trigger at will.
	warn log.Logger

	syscalls *metric.Uint64Metric
	kills    *metric.Uint64Metric
}

// New boots a kernel: it powers on the machine, takes its boot pages from
// the bump allocator, then builds the frame table.
func New(cfg Config) (*Kernel, error) {
	m, err := machine.New(cfg.Machine)
	if err != nil {
		return nil, fmt.Errorf("powering on machine: %w", err)
	}
	reg := cfg.Metrics
	if reg == nil {
		reg = metric.NewRegistry()
	}
	alloc := pgalloc.New(m.RAM, pgalloc.Options{Metrics: reg})

	k := &Kernel{
		machine:  m,
		alloc:    alloc,
		metrics:  reg,
		maxProcs: cfg.MaxProcs,
		procs:    btree.NewG(8, func(a, b *Proc) bool { return a.pid < b.pid }),
		lastPID:  PIDMin - 1,
		warn:     log.BasicRateLimitedLogger(time.Second),
	}
	if cfg.BootPages > 0 {
		if k.bootKVA = alloc.AllocKPages(cfg.BootPages); k.bootKVA == 0 {
			m.Close()
			return nil, fmt.Errorf("no memory for %d boot pages", cfg.BootPages)
		}
	}
	alloc.Bootstrap()
	k.mm = mm.NewManager(alloc, m.CPU, mm.Options{
		MaxAddressSpaces: cfg.MaxAddressSpaces,
		Metrics:          reg,
	})

	k.syscalls = reg.MustCreateNewUint64Metric("/kernel/syscalls", "Process syscalls made.",
		metric.NewField("syscall", sysExec, sysFork, sysExit, sysWaitPID, sysGetPID))
	k.kills = reg.MustCreateNewUint64Metric("/kernel/kills", "Processes killed by an unhandled memory fault.")
	reg.MustRegisterCustomUint64Metric("/kernel/procs", false, "Processes in the process table, zombies included.", func(...string) uint64 {
		k.mu.Lock()
		defer k.mu.Unlock()
		return uint64(k.procs.Len())
	})

	usage := alloc.Usage()
	log.Infof("kernel: booted with %d bytes of RAM, %d bytes stolen, %d frames managed", m.RAM.Size(), usage.Stolen, usage.Total)
	return k, nil
}

// Close powers off the machine. No process may be running.
func (k *Kernel) Close() error {
	return k.machine.Close()
}

// Machine returns the hardware the kernel runs on.
func (k *Kernel) Machine() *machine.Machine {
	return k.machine
}

// Allocator returns the frame allocator.
func (k *Kernel) Allocator() *pgalloc.Allocator {
	return k.alloc
}

// MemoryManager returns the address space manager.
func (k *Kernel) MemoryManager() *mm.Manager {
	return k.mm
}

// Metrics returns the registry holding the kernel's metrics.
func (k *Kernel) Metrics() *metric.Registry {
	return k.metrics
}

// Run puts p on the CPU, activating its address space, and calls fn. It
// returns fn's result once p is off the CPU again.
//
// Preconditions: the caller is not already inside Run.
func (k *Kernel) Run(p *Proc, fn func() error) error {
	k.cpuMu.Lock()
	defer k.cpuMu.Unlock()
	if p.Exited() {
		return fmt.Errorf("pid %d has exited", p.pid)
	}

	k.current = p
	k.mm.Activate(p.AddrSpace())
	defer func() {
		k.mm.Deactivate(p.AddrSpace())
		k.current = nil
	}()
	return fn()
}

// assertCurrent panics unless p is on the CPU.
func (k *Kernel) assertCurrent(p *Proc) {
	k.cpuMu.AssertHeld("CPU")
	if k.current != p {
		panic(fmt.Sprintf("pid %d is not on the CPU", p.pid))
	}
}

// Procs returns every process in the table in PID order.
func (k *Kernel) Procs() []*Proc {
	k.mu.Lock()
	defer k.mu.Unlock()
	procs := make([]*Proc, 0, k.procs.Len())
	k.procs.Ascend(func(p *Proc) bool {
		procs = append(procs, p)
		return true
	})
	return procs
}

// Lookup returns the process with the given PID.
func (k *Kernel) Lookup(pid PID) (*Proc, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.procs.Get(&Proc{pid: pid})
}
