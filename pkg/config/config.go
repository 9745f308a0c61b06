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

// Package config holds the configuration of a simulated kernel. Values come
// from defaults, an optional TOML file, and command line flags, in increasing
// order of precedence.
package config

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/abi/minix"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/log"
)

// Config holds the kernel configuration.
type Config struct {
	// MaxProcesses is the number of process table slots.
	MaxProcesses int `toml:"max_processes"`

	// MaxGrantsPerProcess is the capacity of each process' grant table.
	MaxGrantsPerProcess int `toml:"max_grants_per_process"`

	// MemoryPages is the number of physical page frames.
	MemoryPages uint64 `toml:"memory_pages"`

	// LogLevel is the minimum level of emitted log messages.
	LogLevel log.Level `toml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		MaxProcesses:        minix.NR_PROCS,
		MaxGrantsPerProcess: minix.NR_GRANTS,
		MemoryPages:         4096,
		LogLevel:            log.Info,
		LogFormat:           "text",
	}
}

// Validate checks that c describes a usable kernel.
func (c *Config) Validate() error {
	if c.MaxProcesses <= 0 || c.MaxProcesses > minix.ENDPOINT_GENERATION_SIZE {
		return fmt.Errorf("max_processes must be in (0, %d], got %d", minix.ENDPOINT_GENERATION_SIZE, c.MaxProcesses)
	}
	if c.MaxGrantsPerProcess <= 0 {
		return fmt.Errorf("max_grants_per_process must be positive, got %d", c.MaxGrantsPerProcess)
	}
	if c.MemoryPages == 0 {
		return fmt.Errorf("memory_pages must be positive")
	}
	switch c.LogLevel {
	case log.Warning, log.Info, log.Debug:
	default:
		return fmt.Errorf("invalid log_level %d", uint32(c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q, must be text or json", c.LogFormat)
	}
	return nil
}

// Load reads a TOML configuration file on top of the defaults. Unknown keys
// are an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in config %q: %v", path, undecoded)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return c, nil
}

// RegisterFlags registers the configuration flags with flagSet.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()
	flagSet.String("config", "", "path to a TOML configuration file. Flags override its values.")
	flagSet.Int("max-processes", d.MaxProcesses, "number of process table slots.")
	flagSet.Int("max-grants", d.MaxGrantsPerProcess, "maximum number of grants a process may hold.")
	flagSet.Uint64("memory-pages", d.MemoryPages, "number of physical page frames.")
	flagSet.String("log-level", d.LogLevel.String(), "log level: warning, info or debug.")
	flagSet.String("log-format", d.LogFormat, "log format: text (default) or json.")
}

// NewFromFlags creates a configuration from the flags registered by
// RegisterFlags. If --config is set, the file is loaded first and only flags
// set explicitly on the command line override it.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	c := Default()
	if f := flagSet.Lookup("config"); f != nil && f.Value.String() != "" {
		var err error
		if c, err = Load(f.Value.String()); err != nil {
			return nil, err
		}
	}

	var err error
	flagSet.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		err = c.set(f.Name, f.Value.String())
	})
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// set assigns the flag called name.
func (c *Config) set(name, value string) error {
	var err error
	switch name {
	case "max-processes":
		c.MaxProcesses, err = strconv.Atoi(value)
	case "max-grants":
		c.MaxGrantsPerProcess, err = strconv.Atoi(value)
	case "memory-pages":
		c.MemoryPages, err = strconv.ParseUint(value, 0, 64)
	case "log-level":
		err = c.LogLevel.UnmarshalText([]byte(value))
	case "log-format":
		c.LogFormat = value
	}
	if err != nil {
		return fmt.Errorf("invalid value %q for --%s: %w", value, name, err)
	}
	return nil
}
