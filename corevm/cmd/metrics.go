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
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"

	"corevm.dev/corevm/corevm/config"
	"corevm.dev/corevm/corevm/flag"
	"corevm.dev/corevm/corevm/workload"
	"corevm.dev/corevm/pkg/metric"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct{}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print the kernel's metrics, optionally after running a workload"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [workload.yaml] - boot a machine, run the workload if one is given, and print every metric.

The format is chosen by --metrics-format and names are prefixed with
--metrics-prefix.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Metrics) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var wl *workload.Workload
	if f.NArg() == 1 {
		var err error
		if wl, err = loadWorkload(conf, f.Arg(0)); err != nil {
			return Errorf("%v", err)
		}
	}
	k, err := bootKernel(conf)
	if err != nil {
		return Errorf("booting: %v", err)
	}
	defer k.Close()
	if wl != nil {
		if _, err := workload.Run(ctx, k, wl, workload.Options{}); err != nil {
			return Errorf("%v", err)
		}
	}

	if err := writeMetrics(os.Stdout, k.Metrics(), conf); err != nil {
		return Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

func writeMetrics(w io.Writer, reg *metric.Registry, conf *config.Config) error {
	if conf.MetricsFormat == config.MetricsPrometheus {
		return reg.WriteText(w, conf.MetricsPrefix)
	}
	for _, s := range reg.Samples() {
		name := metric.PrometheusName(conf.MetricsPrefix, s.Name)
		var labels []string
		for i, f := range s.FieldNames {
			labels = append(labels, f+"="+s.FieldValues[i])
		}
		if len(labels) > 0 {
			name += "{" + strings.Join(labels, ",") + "}"
		}
		if _, err := fmt.Fprintf(w, "%-60s %d\n", name, s.Value); err != nil {
			return err
		}
	}
	return nil
}
