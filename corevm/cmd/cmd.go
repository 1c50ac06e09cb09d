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

// Package cmd holds implementations of the corevm commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/google/subcommands"

	"corevm.dev/corevm/corevm/config"
	"corevm.dev/corevm/corevm/flag"
	"corevm.dev/corevm/corevm/workload"
	"corevm.dev/corevm/pkg/kernel"
	"corevm.dev/corevm/pkg/log"
	"corevm.dev/corevm/pkg/metric"
)

// ErrorLogger is where error messages should be written to, in addition to
// stderr.
var ErrorLogger io.Writer

// Fatalf logs the same format as Errorf and exits with failure status code.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// Errorf logs error to the log and to stderr. It returns
// subcommands.ExitFailure for convenience with subcommand.Execute() methods:
//
//	return Errorf("Danger! Danger!")
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	if ErrorLogger != nil {
		writeError(ErrorLogger, format, args...)
	}
	return subcommands.ExitFailure
}

func writeError(w io.Writer, format string, args ...any) {
	// Errors are logged as json lines, like the json log emitters.
	j := struct {
		Msg   string    `json:"msg"`
		Level log.Level `json:"level"`
		Time  time.Time `json:"time"`
	}{
		Msg:   fmt.Sprintf(format, args...),
		Level: log.Warning,
		Time:  time.Now(),
	}
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	w.Write(append(b, '\n'))
}

// bootKernel boots a kernel configured by conf.
func bootKernel(conf *config.Config) (*kernel.Kernel, error) {
	return kernel.New(conf.KernelConfig(metric.NewRegistry()))
}

// loadWorkload reads the workload at path and applies its flag overrides to
// conf.
func loadWorkload(conf *config.Config, path string) (*workload.Workload, error) {
	wl, err := workload.Load(path)
	if err != nil {
		return nil, err
	}
	if len(wl.Config) == 0 {
		return wl, nil
	}
	flagSet := flag.NewFlagSet("overrides", flag.ContinueOnError)
	config.RegisterFlags(flagSet)
	for _, name := range slices.Sorted(maps.Keys(wl.Config)) {
		if err := conf.Override(flagSet, name, wl.Config[name]); err != nil {
			return nil, fmt.Errorf("workload %q: %w", wl.Name, err)
		}
		log.Infof("workload %s: --%s=%s", wl.Name, name, wl.Config[name])
	}
	return wl, nil
}
