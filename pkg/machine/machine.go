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

// Package machine simulates the hardware the virtual memory system runs on:
// physical memory, a software-refilled TLB and a single processor.
package machine

import (
	"corevm.dev/corevm/pkg/hostarch"
)

// Config describes the machine.
type Config struct {
	// RAMSize is the size of physical memory in bytes.
	RAMSize uint32

	// KernelReserved is the number of bytes at the bottom of physical
	// memory occupied by the kernel image.
	KernelReserved uint32
}

// DefaultConfig is a machine with 4 MiB of RAM and a 256 KiB kernel image.
var DefaultConfig = Config{
	RAMSize:        4 << 20,
	KernelReserved: 64 * hostarch.PageSize,
}

// Machine is a simulated computer.
type Machine struct {
	RAM *RAM
	CPU *CPU
}

// New powers on a machine.
func New(cfg Config) (*Machine, error) {
	ram, err := NewRAM(cfg.RAMSize, cfg.KernelReserved)
	if err != nil {
		return nil, err
	}
	return &Machine{
		RAM: ram,
		CPU: NewCPU(),
	}, nil
}

// Close releases the machine's memory.
func (m *Machine) Close() error {
	return m.RAM.Close()
}
