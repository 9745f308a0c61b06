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
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/smaptest"
)

// List implements subcommands.Command for the "list" command.
type List struct{}

// Name implements subcommands.Command.Name.
func (*List) Name() string {
	return "list"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*List) Synopsis() string {
	return "list the available scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*List) Usage() string {
	return `list - list the available scenarios.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*List) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*List) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprint(w, "NAME\tDESCRIPTION\n")
	for _, s := range smaptest.Scenarios() {
		fmt.Fprintf(w, "%s\t%s\n", s.Name, s.Description)
	}
	if err := w.Flush(); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

// Version implements subcommands.Command for the "version" command.
type Version struct{}

// Name implements subcommands.Command.Name.
func (*Version) Name() string {
	return "version"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Version) Synopsis() string {
	return "print the version"
}

// Usage implements subcommands.Command.Usage.
func (*Version) Usage() string {
	return `version - print the version.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Version) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Version) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	fmt.Printf("smapctl version %s\n", version)
	return subcommands.ExitSuccess
}
