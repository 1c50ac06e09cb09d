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

// Package workload describes and runs programs against a booted kernel.
//
// A workload is a YAML document naming programs, which are loadable images,
// and processes, which run a program and then a list of steps: memory
// accesses, stack growth, fork and exec. All processes of a workload run
// concurrently and interleave on the CPU between steps.
package workload

import (
	"fmt"
	"io"
	"os"

	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"

	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/kernel"
)

// Workload is the top-level document.
type Workload struct {
	Name string `yaml:"name"`

	// Config overrides corevm flags while the workload runs, e.g.
	// max-address-spaces: "4".
	Config map[string]string `yaml:"config,omitempty"`

	Programs map[string]*Program `yaml:"programs"`

	Processes []*Process `yaml:"processes"`
}

// Program is a loadable image.
type Program struct {
	Entry uint32 `yaml:"entry"`

	// Segments are loaded in order; the first is the program's code.
	Segments []*SegmentSpec `yaml:"segments"`
}

// SegmentSpec is one segment of a program.
type SegmentSpec struct {
	Vaddr uint32 `yaml:"vaddr"`
	Size  uint32 `yaml:"size"`

	// Data is the initial contents of the start of the segment.
	Data string `yaml:"data,omitempty"`

	// Perms is an "rwx" string, e.g. "r-x".
	Perms string `yaml:"perms"`
}

// Process is a process and the steps it takes before it exits.
type Process struct {
	Name string `yaml:"name"`

	// Program is the program a top-level process is created with. It is
	// ignored for a forked process, which runs its parent's image.
	Program string `yaml:"program,omitempty"`

	// Replicas is the number of identical processes to run. Zero means one.
	Replicas int `yaml:"replicas,omitempty"`

	Steps []*Step `yaml:"steps,omitempty"`

	// Exit is the process's exit code.
	Exit int `yaml:"exit,omitempty"`
}

// Step is one thing a process does while it holds the CPU. Exactly one field
// is set.
type Step struct {
	Write *Access `yaml:"write,omitempty"`
	Read  *Access `yaml:"read,omitempty"`

	// TouchStack writes to each of the top TouchStack pages of the stack.
	TouchStack int `yaml:"touch_stack,omitempty"`

	// Fork creates Fork.Replicas children which run Fork's steps. The
	// parent reaps them before it exits.
	Fork *Process `yaml:"fork,omitempty"`

	// Exec replaces the process image with the named program.
	Exec string `yaml:"exec,omitempty"`
}

// Access is a user memory access.
type Access struct {
	Addr uint32 `yaml:"addr"`

	// Data is written by a write, and expected by a read.
	Data string `yaml:"data"`

	// Fault is set if the access must kill the process.
	Fault bool `yaml:"fault,omitempty"`
}

// Load reads the workload in the file at path.
func Load(path string) (*Workload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	wl, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wl, nil
}

// Parse reads and validates a workload.
func Parse(r io.Reader) (*Workload, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var wl Workload
	if err := dec.Decode(&wl); err != nil {
		return nil, fmt.Errorf("decoding workload: %w", err)
	}
	if err := wl.validate(); err != nil {
		return nil, err
	}
	return &wl, nil
}

func (wl *Workload) validate() error {
	if wl.Name == "" {
		return fmt.Errorf("workload has no name")
	}
	for name, prog := range wl.Programs {
		if prog == nil || len(prog.Segments) == 0 {
			return fmt.Errorf("program %q has no segments", name)
		}
		for i, seg := range prog.Segments {
			if _, err := parsePerms(seg.Perms); err != nil {
				return fmt.Errorf("program %q segment %d: %w", name, i, err)
			}
		}
	}
	if len(wl.Processes) == 0 {
		return fmt.Errorf("workload %q has no processes", wl.Name)
	}
	for _, p := range wl.Processes {
		if p == nil {
			return fmt.Errorf("workload %q has an empty process", wl.Name)
		}
		if _, ok := wl.Programs[p.Program]; !ok {
			return fmt.Errorf("process %q: unknown program %q", p.Name, p.Program)
		}
		if err := wl.validateProcess(p); err != nil {
			return err
		}
	}
	return nil
}

func (wl *Workload) validateProcess(p *Process) error {
	if p.Name == "" {
		return fmt.Errorf("process with program %q has no name", p.Program)
	}
	if p.Replicas < 0 {
		return fmt.Errorf("process %q: negative replicas", p.Name)
	}
	for i, s := range p.Steps {
		if s == nil {
			return fmt.Errorf("process %q step %d is empty", p.Name, i)
		}
		set := 0
		for _, b := range []bool{s.Write != nil, s.Read != nil, s.TouchStack != 0, s.Fork != nil, s.Exec != ""} {
			if b {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("process %q step %d: %d actions, want exactly 1", p.Name, i, set)
		}
		switch {
		case s.TouchStack < 0:
			return fmt.Errorf("process %q step %d: negative touch_stack", p.Name, i)
		case s.Fork != nil:
			if err := wl.validateProcess(s.Fork); err != nil {
				return err
			}
		case s.Exec != "":
			if _, ok := wl.Programs[s.Exec]; !ok {
				return fmt.Errorf("process %q step %d: unknown program %q", p.Name, i, s.Exec)
			}
		}
	}
	return nil
}

// expand returns the top-level processes with replicas broken out.
func (wl *Workload) expand() []*Process {
	var procs []*Process
	for _, p := range wl.Processes {
		procs = append(procs, replicate(p)...)
	}
	return procs
}

// replicate returns p's replicas, each a deep copy named after its index.
func replicate(p *Process) []*Process {
	if p.Replicas <= 1 {
		return []*Process{p}
	}
	procs := make([]*Process, 0, p.Replicas)
	for i := 0; i < p.Replicas; i++ {
		c := deepcopy.Copy(p).(*Process)
		c.Name = fmt.Sprintf("%s-%d", p.Name, i)
		c.Replicas = 0
		procs = append(procs, c)
	}
	return procs
}

// image builds the kernel image of the named program.
func (wl *Workload) image(name string) (*kernel.Image, error) {
	prog, ok := wl.Programs[name]
	if !ok {
		return nil, fmt.Errorf("unknown program %q", name)
	}
	img := &kernel.Image{
		Name:  name,
		Entry: hostarch.Addr(prog.Entry),
	}
	for i, seg := range prog.Segments {
		perms, err := parsePerms(seg.Perms)
		if err != nil {
			return nil, fmt.Errorf("program %q segment %d: %w", name, i, err)
		}
		img.Segments = append(img.Segments, kernel.Segment{
			Vaddr:   hostarch.Addr(seg.Vaddr),
			MemSize: seg.Size,
			Data:    []byte(seg.Data),
			Perms:   perms,
		})
	}
	return img, nil
}

// parsePerms parses an "rwx" string as printed by hostarch.AccessType.
func parsePerms(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	if len(s) != 3 {
		return at, fmt.Errorf("invalid permissions %q", s)
	}
	for i, bit := range []*bool{&at.Read, &at.Write, &at.Execute} {
		switch s[i] {
		case "rwx"[i]:
			*bit = true
		case '-':
		default:
			return at, fmt.Errorf("invalid permissions %q", s)
		}
	}
	return at, nil
}
