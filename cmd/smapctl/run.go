// Copyright 2025 The gVisor Authors.
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

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/config"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/metric"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/smaptest"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	format  string
	fifoDir string
	timeout time.Duration
	metrics string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run safe map scenarios and print a report"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] [scenario...] - run the named scenarios, or all of them.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.format, "format", "yaml", "report format: yaml or json.")
	f.StringVar(&r.fifoDir, "fifo-dir", "", "if set, roles rendezvous through named FIFOs created in this directory.")
	f.DurationVar(&r.timeout, "timeout", 10*time.Second, "time limit for each scenario.")
	f.StringVar(&r.metrics, "metrics", "", "if set, write the kernel counters to this file in the Prometheus text format after the run.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	if r.format != "yaml" && r.format != "json" {
		f.Usage()
		return subcommands.ExitUsageError
	}

	report, err := smaptest.Run(ctx, smaptest.Options{
		Scenarios: f.Args(),
		Config:    *conf,
		FIFODir:   r.fifoDir,
		Timeout:   r.timeout,
	})
	if err != nil {
		Fatalf("%v", err)
	}
	if err := writeReport(os.Stdout, report, r.format); err != nil {
		Fatalf("writing report: %v", err)
	}
	if r.metrics != "" {
		if err := writeMetrics(r.metrics); err != nil {
			Fatalf("writing metrics: %v", err)
		}
	}
	if !report.OK() {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// writeReport writes report to w as YAML or JSON.
func writeReport(w io.Writer, report *smaptest.Report, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

// writeMetrics writes the metric registry to path.
func writeMetrics(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := metric.WritePrometheus(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
