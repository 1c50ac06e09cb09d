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
	"sync/atomic"

	"golang.org/x/sys/unix"

	"corevm.dev/corevm/pkg/errors/kernerr"
	"corevm.dev/corevm/pkg/mm"
)

// PID is a process ID.
type PID int32

// PID range. PIDs below PIDMin are reserved for the kernel.
const (
	PIDMin PID = 2
	PIDMax PID = 32767
)

// ExitStatus is the reason a process exited.
type ExitStatus struct {
	// Code is the argument to exit, if Signo is 0.
	Code int

	// Signo is the signal that killed the process, or 0.
	Signo unix.Signal
}

// Signaled returns true if the process was killed.
func (es ExitStatus) Signaled() bool {
	return es.Signo != 0
}

// Status returns the encoded form waitpid stores in user memory: the low two
// bits say how the process ended and the rest carry the value.
func (es ExitStatus) Status() uint32 {
	if es.Signaled() {
		return uint32(es.Signo)<<2 | 1
	}
	return uint32(es.Code&0xff) << 2
}

// String implements fmt.Stringer.String.
func (es ExitStatus) String() string {
	if es.Signaled() {
		return fmt.Sprintf("killed by %v", unix.SignalName(es.Signo))
	}
	return fmt.Sprintf("exited %d", es.Code)
}

// Proc is a user process.
type Proc struct {
	k    *Kernel
	pid  PID
	name string

	// as is the process's address space. It is exchanged whole by exec and
	// exit so that a reader never sees a half-built address space.
	as atomic.Pointer[mm.AddrSpace]

	// parent is nil for a process created by the kernel, and for an
	// orphan.
	//
	// +checklocks:k.mu
	parent *Proc

	// +checklocks:k.mu
	children map[PID]*Proc

	// +checklocks:k.mu
	exitStatus ExitStatus

	// exited is closed when the process exits.
	exited chan struct{}
}

// PID returns the process's ID.
func (p *Proc) PID() PID {
	return p.pid
}

// Name returns the name of the program the process is running.
func (p *Proc) Name() string {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.name
}

// AddrSpace implements mm.Current.AddrSpace.
func (p *Proc) AddrSpace() *mm.AddrSpace {
	return p.as.Load()
}

// SetAddrSpace installs as as p's address space and returns the previous
// one.
func (p *Proc) SetAddrSpace(as *mm.AddrSpace) *mm.AddrSpace {
	return p.as.Swap(as)
}

// Exited returns true if p has exited.
func (p *Proc) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// ExitStatus returns how p exited.
//
// Preconditions: p.Exited().
func (p *Proc) ExitStatus() ExitStatus {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.exitStatus
}

// Parent returns p's parent PID, or 0 if p has none.
func (p *Proc) Parent() PID {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	if p.parent == nil {
		return 0
	}
	return p.parent.pid
}

// newProcLocked allocates a PID and enters a new process in the table.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) newProcLocked(name string, parent *Proc) (*Proc, error) {
	if k.maxProcs > 0 && k.procs.Len() >= k.maxProcs {
		return nil, kernerr.ENPROC
	}
	pid, ok := k.allocPIDLocked()
	if !ok {
		return nil, kernerr.ENPROC
	}
	p := &Proc{
		k:        k,
		pid:      pid,
		name:     name,
		parent:   parent,
		children: make(map[PID]*Proc),
		exited:   make(chan struct{}),
	}
	k.procs.ReplaceOrInsert(p)
	if parent != nil {
		parent.children[pid] = p
	}
	return p, nil
}

// allocPIDLocked returns the next unused PID after the last one handed out.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) allocPIDLocked() (PID, bool) {
	pid := k.lastPID
	for i := PIDMin; i <= PIDMax; i++ {
		if pid++; pid > PIDMax {
			pid = PIDMin
		}
		if !k.procs.Has(&Proc{pid: pid}) {
			k.lastPID = pid
			return pid, true
		}
	}
	return 0, false
}

// reapLocked removes an exited process from the table.
//
// Preconditions: k.mu must be locked.
func (k *Kernel) reapLocked(p *Proc) {
	if p.parent != nil {
		delete(p.parent.children, p.pid)
		p.parent = nil
	}
	k.procs.Delete(p)
}
