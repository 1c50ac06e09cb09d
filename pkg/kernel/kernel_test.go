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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"corevm.dev/corevm/pkg/errors/kernerr"
	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/machine"
	"corevm.dev/corevm/pkg/mm"
)

const (
	page = hostarch.PageSize

	codeAddr = hostarch.Addr(0x400000)
	dataAddr = hostarch.Addr(0x10000000)
)

var (
	testCode = []byte("\x27\xbd\xff\xe8 this is the program text")
	testData = []byte("hello, world")
)

func testConfig() Config {
	return Config{
		Machine: machine.Config{
			RAMSize:        256 * page,
			KernelReserved: 16 * page,
		},
		BootPages: 2,
	}
}

func newTestKernel(t *testing.T, cfg Config) *Kernel {
	t.Helper()
	k, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { k.Close() })
	return k
}

func testImage() *Image {
	return &Image{
		Name:  "test",
		Entry: codeAddr,
		Segments: []Segment{
			{Vaddr: codeAddr, MemSize: 2 * page, Data: testCode, Perms: hostarch.AccessType{Read: true, Execute: true}},
			{Vaddr: dataAddr, MemSize: page, Data: testData, Perms: hostarch.ReadWrite},
		},
	}
}

func mustCreate(t *testing.T, k *Kernel) *Proc {
	t.Helper()
	p, sp, err := k.CreateProcess(CreateProcessArgs{Image: testImage()})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	if sp != hostarch.UserStack {
		t.Errorf("initial sp = %v, want %v", sp, hostarch.UserStack)
	}
	return p
}

func mustRun(t *testing.T, k *Kernel, p *Proc, fn func() error) {
	t.Helper()
	if err := k.Run(p, fn); err != nil {
		t.Fatalf("Run(pid %d): %v", p.PID(), err)
	}
}

func readUser(t *testing.T, k *Kernel, p *Proc, addr hostarch.Addr, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	mustRun(t, k, p, func() error {
		_, err := p.CopyIn(addr, buf)
		return err
	})
	return buf
}

func checkNoLeaks(t *testing.T, k *Kernel) {
	t.Helper()
	if u := k.Allocator().Usage(); u.Free != u.Total {
		t.Errorf("%d of %d frames free, want all", u.Free, u.Total)
	}
	if got := k.MemoryManager().Live(); got != 0 {
		t.Errorf("%d address spaces live, want 0", got)
	}
}

func TestBoot(t *testing.T) {
	k := newTestKernel(t, testConfig())
	if !k.Allocator().Ready() {
		t.Fatalf("frame table not built")
	}
	want := struct{ Total, Free int }{256 - 16 - 2, 256 - 16 - 2}
	u := k.Allocator().Usage()
	if got := (struct{ Total, Free int }{u.Total, u.Free}); got != want {
		t.Errorf("Usage() = %+v, want %+v", got, want)
	}
	if u.Stolen != 2*page {
		t.Errorf("Usage().Stolen = %d, want %d", u.Stolen, 2*page)
	}
	if k.bootKVA != machine.PaddrToKvaddr(16*page) {
		t.Errorf("boot pages at %v, want %v", k.bootKVA, machine.PaddrToKvaddr(16*page))
	}
}

func TestBootOutOfMemory(t *testing.T) {
	cfg := testConfig()
	cfg.BootPages = 1000
	if k, err := New(cfg); err == nil {
		k.Close()
		t.Fatalf("New with %d boot pages succeeded", cfg.BootPages)
	}
}

func TestCreateProcessLoadsImage(t *testing.T) {
	k := newTestKernel(t, testConfig())
	p := mustCreate(t, k)

	if got := readUser(t, k, p, codeAddr, len(testCode)); !bytes.Equal(got, testCode) {
		t.Errorf("code = %q, want %q", got, testCode)
	}
	if got := readUser(t, k, p, dataAddr, len(testData)); !bytes.Equal(got, testData) {
		t.Errorf("data = %q, want %q", got, testData)
	}
	// The rest of the segment is zero.
	if got := readUser(t, k, p, codeAddr+page, 16); !bytes.Equal(got, make([]byte, 16)) {
		t.Errorf("bss = %v, want zeroes", got)
	}
	if !p.AddrSpace().LoadComplete() {
		t.Errorf("address space not load-complete after exec")
	}
	if got := p.Name(); got != "test" {
		t.Errorf("Name() = %q, want %q", got, "test")
	}
}

func TestStoreToCodeKills(t *testing.T) {
	k := newTestKernel(t, testConfig())
	p := mustCreate(t, k)

	err := k.Run(p, func() error {
		return p.Store(codeAddr+4, []byte{0})
	})
	if !errors.Is(err, ErrKilled) {
		t.Fatalf("Store to code = %v, want ErrKilled", err)
	}
	if !p.Exited() {
		t.Fatalf("process survived a store to code")
	}
	if got, want := p.ExitStatus(), (ExitStatus{Signo: unix.SIGSEGV}); got != want {
		t.Errorf("ExitStatus() = %v, want %v", got, want)
	}
	if got := k.kills.Value(); got != 1 {
		t.Errorf("kills = %d, want 1", got)
	}
	if _, ok := k.Lookup(p.PID()); ok {
		t.Errorf("killed orphan still in the process table")
	}
	checkNoLeaks(t, k)
}

func TestStack(t *testing.T) {
	k := newTestKernel(t, testConfig())
	p := mustCreate(t, k)
	mustRun(t, k, p, func() error {
		return p.Store(hostarch.UserStack-4, []byte{1, 2, 3, 4})
	})
	if got := readUser(t, k, p, hostarch.UserStack-4, 4); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("stack = %v, want [1 2 3 4]", got)
	}
	err := k.Run(p, func() error {
		return p.Store(mm.StackBase-4, []byte{1})
	})
	if !errors.Is(err, ErrKilled) {
		t.Errorf("Store below the stack = %v, want ErrKilled", err)
	}
}

func TestCopyInFaults(t *testing.T) {
	k := newTestKernel(t, testConfig())
	p := mustCreate(t, k)
	mustRun(t, k, p, func() error {
		if _, err := p.CopyIn(0x1000, make([]byte, 4)); err != kernerr.EFAULT {
			t.Errorf("CopyIn of unmapped memory = %v, want EFAULT", err)
		}
		if _, err := p.CopyOut(hostarch.KSeg0, make([]byte, 4)); err != kernerr.EFAULT {
			t.Errorf("CopyOut to kernel memory = %v, want EFAULT", err)
		}
		// Syscall copies fail without killing.
		if p.Exited() {
			t.Errorf("CopyIn fault killed the process")
		}
		return nil
	})
}

func TestCopyAcrossPages(t *testing.T) {
	k := newTestKernel(t, testConfig())
	p := mustCreate(t, k)
	buf := bytes.Repeat([]byte("0123456789abcdef"), 3*page/16)
	start := hostarch.UserStack - hostarch.Addr(len(buf)) - 5
	mustRun(t, k, p, func() error {
		_, err := p.CopyOut(start, buf)
		return err
	})
	if got := readUser(t, k, p, start, len(buf)); !bytes.Equal(got, buf) {
		t.Errorf("read back %d bytes that differ from what was written", len(got))
	}
}

func TestExecReplacesAddressSpace(t *testing.T) {
	k := newTestKernel(t, testConfig())
	p := mustCreate(t, k)
	old := p.AddrSpace()

	img := testImage()
	img.Name = "second"
	img.Segments[1].Data = []byte("replaced")
	mustRun(t, k, p, func() error {
		_, err := k.Exec(p, img)
		return err
	})
	if !old.Destroyed() {
		t.Errorf("old address space not destroyed")
	}
	if got := readUser(t, k, p, dataAddr, 8); string(got) != "replaced" {
		t.Errorf("data = %q, want %q", got, "replaced")
	}
	if got := k.MemoryManager().Live(); got != 1 {
		t.Errorf("Live() = %d, want 1", got)
	}
}

func TestExecFailureKeepsAddressSpace(t *testing.T) {
	for _, test := range []struct {
		name string
		img  func() *Image
		want error
	}{
		{
			name: "too many segments",
			img: func() *Image {
				img := testImage()
				img.Segments = append(img.Segments, Segment{Vaddr: 0x20000000, MemSize: page})
				return img
			},
			want: kernerr.EUNIMP,
		},
		{
			name: "data larger than segment",
			img: func() *Image {
				img := testImage()
				img.Segments[1].MemSize = 4
				return img
			},
			want: kernerr.ENOEXEC,
		},
		{
			name: "out of memory",
			img: func() *Image {
				img := testImage()
				img.Segments[1].MemSize = 1000 * page
				return img
			},
			want: kernerr.ENOMEM,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			k := newTestKernel(t, testConfig())
			p := mustCreate(t, k)
			old := p.AddrSpace()
			free := k.Allocator().Usage().Free

			err := k.Run(p, func() error {
				_, err := k.Exec(p, test.img())
				return err
			})
			if err != test.want {
				t.Fatalf("Exec = %v, want %v", err, test.want)
			}
			if p.AddrSpace() != old || old.Destroyed() {
				t.Errorf("failed Exec replaced the address space")
			}
			if got := k.Allocator().Usage().Free; got != free {
				t.Errorf("Usage().Free = %d after failed Exec, want %d", got, free)
			}
			if got := readUser(t, k, p, dataAddr, len(testData)); !bytes.Equal(got, testData) {
				t.Errorf("data = %q after failed Exec, want %q", got, testData)
			}
		})
	}
}

func TestForkAndWait(t *testing.T) {
	k := newTestKernel(t, testConfig())
	parent := mustCreate(t, k)

	var child *Proc
	mustRun(t, k, parent, func() error {
		if err := parent.Store(dataAddr, []byte("parent")); err != nil {
			return err
		}
		var err error
		child, err = k.Fork(parent)
		return err
	})
	if got := child.Parent(); got != parent.PID() {
		t.Errorf("child.Parent() = %d, want %d", got, parent.PID())
	}
	if got := readUser(t, k, child, dataAddr, 6); string(got) != "parent" {
		t.Errorf("child data = %q, want %q", got, "parent")
	}
	if !child.AddrSpace().LoadComplete() {
		t.Errorf("child of a loaded process is not load-complete")
	}

	mustRun(t, k, child, func() error {
		if err := child.Store(dataAddr, []byte("child!")); err != nil {
			return err
		}
		k.Exit(child, 7)
		return nil
	})
	if got := readUser(t, k, parent, dataAddr, 6); string(got) != "parent" {
		t.Errorf("parent data = %q after child wrote its copy", got)
	}

	statusAddr := hostarch.UserStack - 8
	es, err := k.WaitPID(context.Background(), parent, child.PID(), statusAddr, 0)
	if err != nil {
		t.Fatalf("WaitPID: %v", err)
	}
	if diff := cmp.Diff(ExitStatus{Code: 7}, es); diff != "" {
		t.Errorf("WaitPID status mismatch (-want +got):\n%s", diff)
	}
	if got := binary.LittleEndian.Uint32(readUser(t, k, parent, statusAddr, 4)); got != 7<<2 {
		t.Errorf("status in user memory = %#x, want %#x", got, 7<<2)
	}
	if _, ok := k.Lookup(child.PID()); ok {
		t.Errorf("child still in the table after WaitPID")
	}
	if _, err := k.WaitPID(context.Background(), parent, child.PID(), 0, 0); err != kernerr.ESRCH {
		t.Errorf("second WaitPID = %v, want ESRCH", err)
	}

	mustRun(t, k, parent, func() error {
		k.Exit(parent, 0)
		return nil
	})
	checkNoLeaks(t, k)
	if got := len(k.Procs()); got != 0 {
		t.Errorf("%d processes left", got)
	}
}

func TestWaitPIDErrors(t *testing.T) {
	k := newTestKernel(t, testConfig())
	parent := mustCreate(t, k)
	var child *Proc
	mustRun(t, k, parent, func() error {
		var err error
		child, err = k.Fork(parent)
		return err
	})

	if _, err := k.WaitPID(context.Background(), parent, child.PID(), 0, 1); err != kernerr.EINVAL {
		t.Errorf("WaitPID with options = %v, want EINVAL", err)
	}
	if _, err := k.WaitPID(context.Background(), parent, 9999, 0, 0); err != kernerr.ESRCH {
		t.Errorf("WaitPID of a stranger = %v, want ESRCH", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := k.WaitPID(ctx, parent, child.PID(), 0, 0); err != kernerr.EINTR {
		t.Errorf("WaitPID of a running child = %v, want EINTR", err)
	}
}

func TestWaitPIDBlocks(t *testing.T) {
	k := newTestKernel(t, testConfig())
	parent := mustCreate(t, k)
	var child *Proc
	mustRun(t, k, parent, func() error {
		var err error
		child, err = k.Fork(parent)
		return err
	})

	done := make(chan ExitStatus)
	go func() {
		es, err := k.WaitPID(context.Background(), parent, child.PID(), 0, 0)
		if err != nil {
			t.Errorf("WaitPID: %v", err)
		}
		done <- es
	}()
	mustRun(t, k, child, func() error {
		k.Exit(child, 3)
		return nil
	})
	if es := <-done; es.Code != 3 {
		t.Errorf("WaitPID = %v, want exited 3", es)
	}
}

func TestOrphanIsReaped(t *testing.T) {
	k := newTestKernel(t, testConfig())
	parent := mustCreate(t, k)
	var child *Proc
	mustRun(t, k, parent, func() error {
		var err error
		child, err = k.Fork(parent)
		if err != nil {
			return err
		}
		k.Exit(parent, 0)
		return nil
	})
	if got := child.Parent(); got != 0 {
		t.Errorf("orphan's Parent() = %d, want 0", got)
	}
	mustRun(t, k, child, func() error {
		k.Exit(child, 0)
		return nil
	})
	if got := len(k.Procs()); got != 0 {
		t.Errorf("%d processes left", got)
	}
	checkNoLeaks(t, k)
}

func TestForkLimits(t *testing.T) {
	for _, test := range []struct {
		name string
		cfg  func(*Config)
		want error
	}{
		{
			name: "address spaces",
			cfg:  func(c *Config) { c.MaxAddressSpaces = 1 },
			want: kernerr.ENOMEM,
		},
		{
			name: "processes",
			cfg:  func(c *Config) { c.MaxProcs = 1 },
			want: kernerr.ENPROC,
		},
		{
			name: "memory",
			cfg:  func(c *Config) { c.Machine.RAMSize = 40 * page },
			want: kernerr.ENOMEM,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig()
			test.cfg(&cfg)
			k := newTestKernel(t, cfg)
			p := mustCreate(t, k)
			free := k.Allocator().Usage().Free
			err := k.Run(p, func() error {
				_, err := k.Fork(p)
				return err
			})
			if err != test.want {
				t.Errorf("Fork = %v, want %v", err, test.want)
			}
			if got := len(k.Procs()); got != 1 {
				t.Errorf("%d processes after failed Fork, want 1", got)
			}
			if got := k.Allocator().Usage().Free; got != free {
				t.Errorf("Usage().Free = %d after failed Fork, want %d", got, free)
			}
		})
	}
}

func TestContextSwitchFlushesTLB(t *testing.T) {
	k := newTestKernel(t, testConfig())
	p1 := mustCreate(t, k)
	p2 := mustCreate(t, k)

	mustRun(t, k, p1, func() error {
		return p1.Store(dataAddr, []byte("one"))
	})
	mustRun(t, k, p2, func() error {
		if _, exc := k.Machine().CPU.Translate(dataAddr, false); exc != machine.ExcTLBL {
			t.Errorf("p1's translation visible to p2: %v", exc)
		}
		return p2.Store(dataAddr, []byte("two"))
	})
	if got := readUser(t, k, p1, dataAddr, 3); string(got) != "one" {
		t.Errorf("p1 data = %q, want %q", got, "one")
	}
}

func TestGetPID(t *testing.T) {
	k := newTestKernel(t, testConfig())
	p1 := mustCreate(t, k)
	p2 := mustCreate(t, k)
	got := []PID{k.GetPID(p1), k.GetPID(p2)}
	if diff := cmp.Diff([]PID{PIDMin, PIDMin + 1}, got); diff != "" {
		t.Errorf("GetPID mismatch (-want +got):\n%s", diff)
	}
	if got := k.syscalls.Value(sysGetPID); got != 2 {
		t.Errorf("getpid syscalls = %d, want 2", got)
	}
}

func TestExitStatus(t *testing.T) {
	for _, test := range []struct {
		es   ExitStatus
		want uint32
	}{
		{ExitStatus{Code: 0}, 0},
		{ExitStatus{Code: 7}, 28},
		{ExitStatus{Code: 0x1ff}, 0xff << 2},
		{ExitStatus{Signo: unix.SIGSEGV}, 11<<2 | 1},
	} {
		if got := test.es.Status(); got != test.want {
			t.Errorf("%v.Status() = %#x, want %#x", test.es, got, test.want)
		}
	}
}
