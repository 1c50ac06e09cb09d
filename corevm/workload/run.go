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

package workload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"corevm.dev/corevm/pkg/errors/kernerr"
	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/kernel"
	"corevm.dev/corevm/pkg/log"
	"corevm.dev/corevm/pkg/metric"
)

// DefaultForkTimeout is how long a fork is retried while memory is short.
const DefaultForkTimeout = time.Second

// statusAddr is where a parent receives a child's wait status: the top word
// of its stack.
const statusAddr = hostarch.UserStack - 4

// Options configures a run.
type Options struct {
	// ForkTimeout bounds the time a fork that fails with ENOMEM is retried,
	// waiting for other processes to exit. Zero means DefaultForkTimeout.
	ForkTimeout time.Duration
}

// Report describes a completed run.
type Report struct {
	RunID    string `yaml:"run_id"`
	Workload string `yaml:"workload"`

	// Processes is every process that ran, sorted by name.
	Processes []ProcReport `yaml:"processes"`

	Forks       int    `yaml:"forks"`
	ForkRetries int    `yaml:"fork_retries"`
	Kills       int    `yaml:"kills"`
	Faults      uint64 `yaml:"faults"`

	// FramesFreeBefore and FramesFreeAfter are the free frames in the
	// frame table before the first process was created and after the last
	// one exited.
	FramesFreeBefore int `yaml:"frames_free_before"`
	FramesFreeAfter  int `yaml:"frames_free_after"`

	Elapsed string `yaml:"elapsed"`
}

// ProcReport is the outcome of one process.
type ProcReport struct {
	PID    kernel.PID `yaml:"pid"`
	Name   string     `yaml:"name"`
	Status string     `yaml:"status"`
}

// Leaked returns the number of frames the run failed to return.
func (r *Report) Leaked() int {
	return r.FramesFreeBefore - r.FramesFreeAfter
}

// WriteText writes a human readable report to w.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: workload %q\n", r.RunID, r.Workload)
	fmt.Fprintf(&b, "  processes: %d, forks: %d (%d retries), kills: %d, faults: %d\n",
		len(r.Processes), r.Forks, r.ForkRetries, r.Kills, r.Faults)
	fmt.Fprintf(&b, "  frames free: %d before, %d after\n", r.FramesFreeBefore, r.FramesFreeAfter)
	for _, p := range r.Processes {
		fmt.Fprintf(&b, "  pid %-5d %-20s %s\n", p.PID, p.Name, p.Status)
	}
	fmt.Fprintf(&b, "  elapsed: %s\n", r.Elapsed)
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteYAML writes the report to w as YAML.
func (r *Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

type runner struct {
	ctx  context.Context
	k    *kernel.Kernel
	wl   *Workload
	opts Options
	g    *errgroup.Group

	mu     sync.Mutex
	report Report
}

// Run runs every process of wl on k and waits for them to exit. A process
// whose access faults unexpectedly, or whose read returns unexpected data,
// fails the run.
func Run(ctx context.Context, k *kernel.Kernel, wl *Workload, opts Options) (*Report, error) {
	if opts.ForkTimeout == 0 {
		opts.ForkTimeout = DefaultForkTimeout
	}
	id := uuid.New()
	g, gctx := errgroup.WithContext(ctx)
	r := &runner{
		ctx:  gctx,
		k:    k,
		wl:   wl,
		opts: opts,
		g:    g,
		report: Report{
			RunID:            id.String(),
			Workload:         wl.Name,
			FramesFreeBefore: k.Allocator().Usage().Free,
		},
	}
	faults := countFaults(k.Metrics())
	start := time.Now()
	log.Infof("workload %s: run %s starting", wl.Name, id)

	var err error
	for _, spec := range wl.expand() {
		var p *kernel.Proc
		if p, err = r.create(spec); err != nil {
			break
		}
		g.Go(func() error {
			return r.run(p, spec)
		})
	}
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}

	r.report.FramesFreeAfter = k.Allocator().Usage().Free
	r.report.Faults = countFaults(k.Metrics()) - faults
	r.report.Elapsed = time.Since(start).String()
	slices.SortFunc(r.report.Processes, func(a, b ProcReport) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return int(a.PID - b.PID)
	})
	if n := r.report.Leaked(); n != 0 {
		log.Warningf("workload %s: run %s leaked %d frames", wl.Name, id, n)
	}
	log.Infof("workload %s: run %s done in %s", wl.Name, id, r.report.Elapsed)
	return &r.report, nil
}

func (r *runner) create(spec *Process) (*kernel.Proc, error) {
	img, err := r.wl.image(spec.Program)
	if err != nil {
		return nil, err
	}
	p, _, err := r.k.CreateProcess(kernel.CreateProcessArgs{Image: img})
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", spec.Name, err)
	}
	return p, nil
}

// run runs spec's steps in p, reaps p's children and exits p.
func (r *runner) run(p *kernel.Proc, spec *Process) error {
	var children []*kernel.Proc
	killed := false
	for i, s := range spec.Steps {
		if err := r.ctx.Err(); err != nil {
			r.abandon(p)
			return err
		}
		err := r.step(p, s, &children)
		if errors.Is(err, kernel.ErrKilled) {
			killed = true
			break
		}
		if err != nil {
			r.abandon(p)
			return fmt.Errorf("%s (pid %d) step %d: %w", spec.Name, p.PID(), i, err)
		}
	}

	// A killed parent's children were orphaned when it exited.
	if !killed {
		for _, c := range children {
			es, err := r.k.WaitPID(r.ctx, p, c.PID(), statusAddr, 0)
			if err != nil {
				return fmt.Errorf("%s (pid %d) waiting for pid %d: %w", spec.Name, p.PID(), c.PID(), err)
			}
			log.Debugf("workload %s: pid %d reaped pid %d: %v", r.wl.Name, p.PID(), c.PID(), es)
		}
		if err := r.k.Run(p, func() error {
			r.k.Exit(p, spec.Exit)
			return nil
		}); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Processes = append(r.report.Processes, ProcReport{
		PID:    p.PID(),
		Name:   spec.Name,
		Status: p.ExitStatus().String(),
	})
	return nil
}

// abandon exits p, if it is still running, after a failed step.
func (r *runner) abandon(p *kernel.Proc) {
	if p.Exited() {
		return
	}
	r.k.Run(p, func() error {
		r.k.Exit(p, 1)
		return nil
	})
}

// step performs s. It returns kernel.ErrKilled if p was killed as s
// expected.
func (r *runner) step(p *kernel.Proc, s *Step, children *[]*kernel.Proc) error {
	switch {
	case s.Write != nil:
		err := r.k.Run(p, func() error {
			return p.Store(hostarch.Addr(s.Write.Addr), []byte(s.Write.Data))
		})
		return r.checkAccess("write", s.Write, err)

	case s.Read != nil:
		buf := make([]byte, len(s.Read.Data))
		err := r.k.Run(p, func() error {
			return p.Load(hostarch.Addr(s.Read.Addr), buf)
		})
		if err == nil && !s.Read.Fault && !bytes.Equal(buf, []byte(s.Read.Data)) {
			return fmt.Errorf("read at %#x: got %q, want %q", s.Read.Addr, buf, s.Read.Data)
		}
		return r.checkAccess("read", s.Read, err)

	case s.TouchStack > 0:
		err := r.k.Run(p, func() error {
			for i := 0; i < s.TouchStack; i++ {
				addr := hostarch.UserStack - hostarch.Addr(i+1)*hostarch.PageSize
				if err := p.Store(addr, []byte{byte(i)}); err != nil {
					return err
				}
			}
			return nil
		})
		if errors.Is(err, kernel.ErrKilled) {
			r.countKill()
			return fmt.Errorf("killed touching %d stack pages", s.TouchStack)
		}
		return err

	case s.Fork != nil:
		return r.fork(p, s.Fork, children)

	case s.Exec != "":
		img, err := r.wl.image(s.Exec)
		if err != nil {
			return err
		}
		return r.k.Run(p, func() error {
			_, err := r.k.Exec(p, img)
			return err
		})
	}
	panic(fmt.Sprintf("empty step %+v", s))
}

func (r *runner) countKill() {
	r.mu.Lock()
	r.report.Kills++
	r.mu.Unlock()
}

func (r *runner) checkAccess(op string, a *Access, err error) error {
	killed := errors.Is(err, kernel.ErrKilled)
	if killed {
		r.countKill()
	}
	switch {
	case killed && a.Fault:
		return kernel.ErrKilled
	case killed:
		return fmt.Errorf("%s at %#x: killed by an unexpected fault", op, a.Addr)
	case err != nil:
		return err
	case a.Fault:
		return fmt.Errorf("%s at %#x: did not fault", op, a.Addr)
	}
	return nil
}

// fork forks spec's replicas from p and starts them.
func (r *runner) fork(p *kernel.Proc, spec *Process, children *[]*kernel.Proc) error {
	for _, cs := range replicate(spec) {
		child, err := r.forkRetry(p)
		if err != nil {
			return err
		}
		*children = append(*children, child)
		r.mu.Lock()
		r.report.Forks++
		r.mu.Unlock()
		r.g.Go(func() error {
			return r.run(child, cs)
		})
	}
	return nil
}

// forkRetry forks p, retrying with exponential backoff while the kernel is
// out of memory.
func (r *runner) forkRetry(p *kernel.Proc) (*kernel.Proc, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = r.opts.ForkTimeout

	var child *kernel.Proc
	attempts := 0
	op := func() error {
		attempts++
		err := r.k.Run(p, func() error {
			var err error
			child, err = r.k.Fork(p)
			return err
		})
		switch {
		case err == nil:
			return nil
		case kernerr.Equals(kernerr.ENOMEM, err):
			// Another process may exit and free memory.
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	err := backoff.Retry(op, backoff.WithContext(b, r.ctx))

	r.mu.Lock()
	r.report.ForkRetries += attempts - 1
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("fork after %d attempts: %w", attempts, err)
	}
	return child, nil
}

func countFaults(reg *metric.Registry) uint64 {
	var n uint64
	for _, s := range reg.Samples() {
		if s.Name == "/mm/faults" {
			n += s.Value
		}
	}
	return n
}
