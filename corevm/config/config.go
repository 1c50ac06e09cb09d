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

// Package config provides basic infrastructure to set configuration settings
// for corevm. Each configuration setting is a field of Config, bound to a
// command line flag by its `flag` tag.
package config

import (
	"fmt"
	"math"
	"reflect"
	"strconv"

	"corevm.dev/corevm/pkg/hostarch"
	"corevm.dev/corevm/pkg/kernel"
	"corevm.dev/corevm/pkg/log"
	"corevm.dev/corevm/pkg/machine"
	"corevm.dev/corevm/pkg/metric"
)

// Config holds configuration that is not part of a workload.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with same name and add a description.
//  4. Add any necessary validation into validate().
type Config struct {
	// ConfigFile is a TOML file holding default values for the other flags.
	// Flags given on the command line take precedence over the file.
	ConfigFile string `flag:"config"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// RAMSize is the size of the simulated machine's physical memory.
	RAMSize Size `flag:"ram-size"`

	// KernelReserved is the size of the kernel image at the bottom of
	// physical memory.
	KernelReserved Size `flag:"kernel-reserved"`

	// BootPages is the number of pages the kernel steals before its frame
	// table is built.
	BootPages int `flag:"boot-pages"`

	// MaxAddressSpaces bounds the number of live address spaces. Zero means
	// unlimited.
	MaxAddressSpaces int `flag:"max-address-spaces"`

	// MaxProcs bounds the size of the process table. Zero means unlimited.
	MaxProcs int `flag:"max-procs"`

	// MetricsFormat is the format metrics are printed in.
	MetricsFormat MetricsFormat `flag:"metrics-format"`

	// MetricsPrefix is prepended to exported metric names.
	MetricsPrefix string `flag:"metrics-prefix"`
}

func (c *Config) validate() error {
	for _, f := range []string{c.LogFormat, c.DebugLogFormat} {
		if err := checkLogFormat(f); err != nil {
			return err
		}
	}
	switch {
	case c.RAMSize == 0 || c.RAMSize%hostarch.PageSize != 0:
		return fmt.Errorf("--ram-size=%v must be a positive multiple of the page size", c.RAMSize)
	case c.RAMSize > machine.MaxRAMSize:
		return fmt.Errorf("--ram-size=%v exceeds the maximum of %v", c.RAMSize, Size(machine.MaxRAMSize))
	case c.KernelReserved%hostarch.PageSize != 0:
		return fmt.Errorf("--kernel-reserved=%v must be page aligned", c.KernelReserved)
	case c.KernelReserved >= c.RAMSize:
		return fmt.Errorf("--kernel-reserved=%v leaves no memory in --ram-size=%v", c.KernelReserved, c.RAMSize)
	case c.BootPages < 0:
		return fmt.Errorf("--boot-pages=%d must not be negative", c.BootPages)
	case c.MaxAddressSpaces < 0:
		return fmt.Errorf("--max-address-spaces=%d must not be negative", c.MaxAddressSpaces)
	case c.MaxProcs < 0:
		return fmt.Errorf("--max-procs=%d must not be negative", c.MaxProcs)
	}
	return nil
}

func checkLogFormat(format string) error {
	switch format {
	case "text", "json", "json-k8s":
		return nil
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", format)
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("\t%s (--%s): %s", f.Name, name, getVal(obj.Field(i)))
		}
	}
}

// KernelConfig returns the configuration of a kernel booted with c. Metrics
// are registered in reg.
func (c *Config) KernelConfig(reg *metric.Registry) kernel.Config {
	return kernel.Config{
		Machine: machine.Config{
			RAMSize:        uint32(c.RAMSize),
			KernelReserved: uint32(c.KernelReserved),
		},
		BootPages:        c.BootPages,
		MaxAddressSpaces: c.MaxAddressSpaces,
		MaxProcs:         c.MaxProcs,
		Metrics:          reg,
	}
}

// Size is a byte count that accepts binary K, M and G suffixes.
type Size uint32

func sizePtr(v Size) *Size {
	return &v
}

// Set implements flag.Value. Set(String()) is idempotent.
func (s *Size) Set(v string) error {
	num, mult := v, uint64(1)
	if n := len(v); n > 0 {
		switch v[n-1] {
		case 'k', 'K':
			num, mult = v[:n-1], 1<<10
		case 'm', 'M':
			num, mult = v[:n-1], 1<<20
		case 'g', 'G':
			num, mult = v[:n-1], 1<<30
		}
	}
	n, err := strconv.ParseUint(num, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", v, err)
	}
	if n*mult > math.MaxUint32 {
		return fmt.Errorf("size %q does not fit in 32 bits", v)
	}
	*s = Size(n * mult)
	return nil
}

// Get implements flag.Getter.
func (s *Size) Get() any {
	return *s
}

// String implements flag.Value.
func (s Size) String() string {
	switch {
	case s != 0 && s%(1<<20) == 0:
		return fmt.Sprintf("%dM", uint32(s>>20))
	case s != 0 && s%(1<<10) == 0:
		return fmt.Sprintf("%dK", uint32(s>>10))
	default:
		return strconv.FormatUint(uint64(s), 10)
	}
}

// MetricsFormat is the format metrics are printed in.
type MetricsFormat int

const (
	// MetricsPrometheus is the Prometheus text exposition format.
	MetricsPrometheus MetricsFormat = iota

	// MetricsTable is one line per metric and field combination.
	MetricsTable
)

func metricsFormatPtr(v MetricsFormat) *MetricsFormat {
	return &v
}

// Set implements flag.Value. Set(String()) is idempotent.
func (m *MetricsFormat) Set(v string) error {
	switch v {
	case "prometheus":
		*m = MetricsPrometheus
	case "table":
		*m = MetricsTable
	default:
		return fmt.Errorf("invalid metrics format %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (m *MetricsFormat) Get() any {
	return *m
}

// String implements flag.Value.
func (m MetricsFormat) String() string {
	switch m {
	case MetricsPrometheus:
		return "prometheus"
	case MetricsTable:
		return "table"
	}
	panic(fmt.Sprintf("Invalid metrics format %d", m))
}
