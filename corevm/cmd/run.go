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

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"corevm.dev/corevm/corevm/config"
	"corevm.dev/corevm/corevm/flag"
	"corevm.dev/corevm/corevm/workload"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// format is the report format, text or yaml.
	format string

	// forkTimeout bounds the retries of a fork that runs out of memory.
	forkTimeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "boot a machine, run a workload and report"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <workload.yaml> - boot a machine, run every process of the workload to completion and print a report.

The command fails if the workload fails or if any frame is not returned to the
frame table once every process has exited.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.format, "format", "text", "report format: text (default) or yaml.")
	f.DurationVar(&r.forkTimeout, "fork-timeout", workload.DefaultForkTimeout, "how long a fork that runs out of memory is retried.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if r.format != "text" && r.format != "yaml" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	report, err := runWorkload(ctx, conf, f.Arg(0), workload.Options{ForkTimeout: r.forkTimeout})
	if err != nil {
		return Errorf("%v", err)
	}

	if r.format == "yaml" {
		err = report.WriteYAML(os.Stdout)
	} else {
		err = report.WriteText(os.Stdout)
	}
	if err != nil {
		return Errorf("writing report: %v", err)
	}
	if n := report.Leaked(); n != 0 {
		return Errorf("run %s leaked %d frames", report.RunID, n)
	}
	return subcommands.ExitSuccess
}

// runWorkload boots a kernel and runs the workload at path on it.
func runWorkload(ctx context.Context, conf *config.Config, path string, opts workload.Options) (*workload.Report, error) {
	wl, err := loadWorkload(conf, path)
	if err != nil {
		return nil, err
	}
	k, err := bootKernel(conf)
	if err != nil {
		return nil, fmt.Errorf("booting: %w", err)
	}
	defer k.Close()
	return workload.Run(ctx, k, wl, opts)
}
