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

// Binary smapctl runs the safe map test suite against a simulated kernel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/config"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/log"
)

// version is set at link time.
var version = "devel"

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(List), "")
	subcommands.Register(new(Version), "")

	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		Fatalf("%v", err)
	}
	log.SetTarget(log.NewLogrusEmitter(os.Stderr, conf.LogFormat))
	log.SetLevel(conf.LogLevel)
	log.Debugf("Args: %v", os.Args)

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "smapctl: "+format+"\n", args...)
	os.Exit(128)
}
