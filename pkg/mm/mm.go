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

// Package mm implements user address spaces and the TLB fault handler.
//
// An address space has at most two regions (conventionally code then data)
// plus a fixed-size stack just below UserStack. PrepareLoad backs every page
// with its own zeroed frame up front; nothing is paged in or out afterwards.
// Translations are loaded into the TLB lazily by Fault, one page per miss.
//
// No allocator lock is taken while interrupts are disabled, and interrupts
// are never disabled while an allocator lock is held.
//
// Address spaces themselves are unlocked: each is used by a single process
// at a time, and Copy only reads its source.
package mm

import (
	"sync/atomic"
	"time"

	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/log"
	"corevm.dev/corevm/pkg/machine"
	"corevm.dev/corevm/pkg/metric"
	"corevm.dev/corevm/pkg/pgalloc"
)

// StackPages is the size of every user stack in pages.
const StackPages = 12

// StackBase is the lowest address of the user stack.
const StackBase = hostarch.UserStack - StackPages*hostarch.PageSize

// Options configures a Manager.
type Options struct {
	// MaxAddressSpaces bounds the number of live address spaces. Create
	// fails with ENOMEM when it is reached. Zero means unlimited.
	MaxAddressSpaces int

	// Metrics is the registry the manager's metrics are created in. If nil,
	// a private registry is used.
	Metrics *metric.Registry

	// Logger receives warnings that a misbehaving program can trigger
	// repeatedly. If nil, the global logger is used, limited to one
	// message per second.
	Logger log.Logger
}

// Manager creates address spaces backed by an allocator's frames and loads
// their translations into a CPU's TLB.
type Manager struct {
	alloc *pgalloc.Allocator
	ram   *machine.RAM
	cpu   *machine.CPU

	maxAddressSpaces int

	// live is the number of address spaces created and not yet destroyed.
	live atomic.Int64

	warn log.Logger

	ops        *metric.Uint64Metric
	faults     *metric.Uint64Metric
	tlbInstall *metric.Uint64Metric
	tlbFlushes *metric.Uint64Metric
}

// Address space operation names, used as metric field values.
const (
	opCreate       = "create"
	opCreateFailed = "create_failed"
	opCopy         = "copy"
	opDestroy      = "destroy"
)

// NewManager returns a Manager.
func NewManager(alloc *pgalloc.Allocator, cpu *machine.CPU, opts Options) *Manager {
	reg := opts.Metrics
	if reg == nil {
		reg = metric.NewRegistry()
	}
	warn := opts.Logger
	if warn == nil {
		warn = log.BasicRateLimitedLogger(time.Second)
	}
	m := &Manager{
		alloc:            alloc,
		ram:              alloc.RAM(),
		cpu:              cpu,
		maxAddressSpaces: opts.MaxAddressSpaces,
		warn:             warn,
	}
	m.ops = reg.MustCreateNewUint64Metric("/mm/address_space_ops", "Address space lifecycle operations.",
		metric.NewField("op", opCreate, opCreateFailed, opCopy, opDestroy))
	m.faults = reg.MustCreateNewUint64Metric("/mm/faults", "TLB faults handled, by fault kind and outcome.",
		metric.NewField("kind", faultKindNames[:]...),
		metric.NewField("outcome", outcomeInstalled, outcomeEFAULT, outcomeEINVAL))
	m.tlbInstall = reg.MustCreateNewUint64Metric("/mm/tlb_installs", "Translations written to the TLB, by how the slot was chosen.",
		metric.NewField("slot", slotInvalid, slotRandom))
	m.tlbFlushes = reg.MustCreateNewUint64Metric("/mm/tlb_flushes", "Full TLB invalidations.")
	reg.MustRegisterCustomUint64Metric("/mm/live_address_spaces", false, "Address spaces created and not yet destroyed.", func(...string) uint64 {
		return uint64(m.live.Load())
	})
	return m
}

// Allocator returns the frame allocator backing the manager's address
// spaces.
func (m *Manager) Allocator() *pgalloc.Allocator {
	return m.alloc
}

// CPU returns the CPU whose TLB the manager fills.
func (m *Manager) CPU() *machine.CPU {
	return m.cpu
}

// Live returns the number of address spaces that have not been destroyed.
func (m *Manager) Live() int {
	return int(m.live.Load())
}
