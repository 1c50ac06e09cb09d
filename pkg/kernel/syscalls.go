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
	"context"
	"encoding/binary"

	"corevm.dev/corevm/pkg/cleanup"
	"corevm.dev/corevm/pkg/errors/kernerr"
	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/log"
)

// CreateProcessArgs holds arguments to Kernel.CreateProcess.
type CreateProcessArgs struct {
	// Image is the program the process runs.
	Image *Image
}

// CreateProcess creates a process with no parent and execs args.Image in it.
// It returns the process and its initial stack pointer.
func (k *Kernel) CreateProcess(args CreateProcessArgs) (*Proc, hostarch.Addr, error) {
	k.mu.Lock()
	p, err := k.newProcLocked(args.Image.Name, nil)
	k.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}

	var sp hostarch.Addr
	if err := k.Run(p, func() error {
		var err error
		sp, err = k.Exec(p, args.Image)
		if err != nil {
			k.exit(p, ExitStatus{Code: 1})
		}
		return err
	}); err != nil {
		return nil, 0, err
	}
	return p, sp, nil
}

// Exec replaces p's address space with a fresh one holding img and returns
// the initial stack pointer. If Exec fails, p keeps its old address space.
//
// Preconditions: p is on the CPU.
func (k *Kernel) Exec(p *Proc, img *Image) (hostarch.Addr, error) {
	k.assertCurrent(p)
	k.syscalls.Increment(sysExec)
	if err := img.validate(); err != nil {
		return 0, err
	}

	as, err := k.mm.Create()
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(as.Destroy)
	defer cu.Clean()

	for _, seg := range img.Segments {
		if err := as.DefineRegion(seg.Vaddr, seg.MemSize, seg.Perms); err != nil {
			return 0, err
		}
	}
	if err := as.PrepareLoad(); err != nil {
		return 0, err
	}

	// Switch to the new address space so that the loader's writes go
	// through it.
	old := p.SetAddrSpace(as)
	cu.Add(func() {
		p.SetAddrSpace(old)
		// Drop translations into the failed image.
		k.mm.Activate(as)
	})
	k.mm.Activate(as)

	for _, seg := range img.Segments {
		if _, err := p.CopyOut(seg.Vaddr, seg.Data); err != nil {
			return 0, err
		}
	}
	as.CompleteLoad()
	// Code pages the loader wrote are still mapped writable.
	k.mm.Activate(as)
	sp := as.DefineStack()

	cu.Release()
	if old != nil {
		old.Destroy()
	}
	k.mu.Lock()
	p.name = img.Name
	k.mu.Unlock()
	log.Debugf("kernel: pid %d exec %v, sp %v", p.pid, img, sp)
	return sp, nil
}

// Fork creates a child of p with a copy of p's address space. On failure no
// child is created.
//
// Preconditions: p is on the CPU.
func (k *Kernel) Fork(p *Proc) (*Proc, error) {
	k.assertCurrent(p)
	k.syscalls.Increment(sysFork)
	as := p.AddrSpace()
	if as == nil {
		return nil, kernerr.EINVAL
	}
	nas, err := as.Copy()
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	child, err := k.newProcLocked(p.name, p)
	k.mu.Unlock()
	if err != nil {
		nas.Destroy()
		return nil, err
	}
	child.SetAddrSpace(nas)
	log.Debugf("kernel: pid %d forked pid %d", p.pid, child.pid)
	return child, nil
}

// Exit terminates p with the given exit code.
//
// Preconditions: p is on the CPU.
func (k *Kernel) Exit(p *Proc, code int) {
	k.assertCurrent(p)
	k.syscalls.Increment(sysExit)
	k.exit(p, ExitStatus{Code: code})
}

// exit tears down p. The address space is detached from p before it is
// destroyed, so nothing can activate a half-destroyed address space.
func (k *Kernel) exit(p *Proc, es ExitStatus) {
	if p.Exited() {
		panic("kernel: pid exited twice")
	}
	k.mm.Deactivate(p.AddrSpace())
	if as := p.SetAddrSpace(nil); as != nil {
		as.Destroy()
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	p.exitStatus = es
	close(p.exited)
	for pid, c := range p.children {
		delete(p.children, pid)
		c.parent = nil
		if c.Exited() {
			k.procs.Delete(c)
		}
	}
	if p.parent == nil {
		k.procs.Delete(p)
	}
	log.Debugf("kernel: pid %d %v", p.pid, es)
}

// WaitPID waits for p's child pid to exit, reaps it and returns its exit
// status. If statusAddr is not zero, the encoded status is also stored there
// in p's memory.
//
// WaitPID returns EINVAL for non-zero options, ESRCH if pid is not a child of
// p, and EINTR if ctx is cancelled first.
//
// Preconditions: p is not on the CPU. WaitPID blocks, and puts p back on the
// CPU itself to store the status.
func (k *Kernel) WaitPID(ctx context.Context, p *Proc, pid PID, statusAddr hostarch.Addr, options int) (ExitStatus, error) {
	k.syscalls.Increment(sysWaitPID)
	if options != 0 {
		return ExitStatus{}, kernerr.EINVAL
	}
	k.mu.Lock()
	child, ok := p.children[pid]
	k.mu.Unlock()
	if !ok {
		return ExitStatus{}, kernerr.ESRCH
	}

	select {
	case <-child.exited:
	case <-ctx.Done():
		return ExitStatus{}, kernerr.EINTR
	}

	k.mu.Lock()
	if child.parent != p {
		// Another waiter got it first.
		k.mu.Unlock()
		return ExitStatus{}, kernerr.ESRCH
	}
	es := child.exitStatus
	k.reapLocked(child)
	k.mu.Unlock()

	if statusAddr != 0 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], es.Status())
		if err := k.Run(p, func() error {
			_, err := p.CopyOut(statusAddr, buf[:])
			return err
		}); err != nil {
			return es, err
		}
	}
	return es, nil
}

// GetPID returns p's PID.
func (k *Kernel) GetPID(p *Proc) PID {
	k.syscalls.Increment(sysGetPID)
	return p.pid
}
