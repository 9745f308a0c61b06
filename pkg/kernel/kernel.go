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

// Package kernel composes the process table, physical memory and the grant
// table into a simulated microkernel. Processes issue kernel calls through
// Proc handles.
//
// Lock ordering:
//
//	grant.Table.mu
//	  endpoint.Table.mu
//	  Kernel.mu
//	  vm.MemoryFile.mu
package kernel

import (
	"fmt"
	"time"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/config"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/endpoint"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/errors/minixerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/grant"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/metric"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/sync"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/vm"
)

var (
	callsFailed = metric.MustCreateNewUint64Metric("/kernel/calls_failed", "Number of kernel calls that returned an error.")
	callsDenied = metric.MustCreateNewUint64Metric("/kernel/calls_denied", "Number of kernel calls by processes that were not yet allowed.")
)

var deniedLog = log.BasicRateLimitedLogger(time.Second)

// Kernel is a simulated kernel.
type Kernel struct {
	conf   config.Config
	procs  *endpoint.Table
	mf     *vm.MemoryFile
	grants *grant.Table

	mu sync.Mutex

	// spaces maps live processes to their address spaces.
	spaces map[endpoint.Endpoint]*vm.AddressSpace
}

// New returns a kernel with no processes.
func New(conf *config.Config) (*Kernel, error) {
	if conf == nil {
		conf = config.Default()
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kernel config: %w", err)
	}
	k := &Kernel{
		conf:   *conf,
		procs:  endpoint.NewTable(conf.MaxProcesses),
		mf:     vm.NewMemoryFile(conf.MemoryPages),
		spaces: make(map[endpoint.Endpoint]*vm.AddressSpace),
	}
	k.grants = grant.NewTable(k.procs, k, conf.MaxGrantsPerProcess)
	k.procs.OnExit(k.exited)
	log.Infof("Kernel started: %d process slots, %d grants per process, %d pages", conf.MaxProcesses, conf.MaxGrantsPerProcess, conf.MemoryPages)
	return k, nil
}

// Config returns the kernel configuration.
func (k *Kernel) Config() config.Config {
	return k.conf
}

// Grants returns the grant table.
func (k *Kernel) Grants() *grant.Table {
	return k.grants
}

// AddressSpace implements grant.Memory.AddressSpace.
func (k *Kernel) AddressSpace(ep endpoint.Endpoint) (grant.Space, bool) {
	as := k.space(ep)
	if as == nil {
		return nil, false
	}
	return as, true
}

// Share implements grant.Memory.Share.
func (k *Kernel) Share(consumer endpoint.Endpoint, dst hostarch.Addr, owner endpoint.Endpoint, srcAR hostarch.AddrRange, writable bool) error {
	to, from := k.space(consumer), k.space(owner)
	if to == nil || from == nil {
		return minixerr.ESRCH
	}
	return to.Alias(dst, from, srcAR, writable)
}

func (k *Kernel) space(ep endpoint.Endpoint) *vm.AddressSpace {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.spaces[ep]
}

// Spawn creates a new process with an empty address space. The process may
// issue kernel calls immediately.
func (k *Kernel) Spawn(name string) (*Proc, error) {
	p, err := k.procs.Spawn(name)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.spaces[p.Endpoint] = k.mf.NewAddressSpace()
	k.mu.Unlock()
	return &Proc{k: k, ep: p.Endpoint}, nil
}

// Proc returns a handle for the live process ep.
func (k *Kernel) Proc(ep endpoint.Endpoint) (*Proc, bool) {
	if _, ok := k.procs.Resolve(ep); !ok {
		return nil, false
	}
	return &Proc{k: k, ep: ep}, true
}

// Allow lets the forked process ep issue kernel calls. It is the privilege
// step a process manager performs before scheduling a new child.
func (k *Kernel) Allow(ep endpoint.Endpoint) error {
	return k.procs.Allow(ep)
}

// exited is called by the process table after ep has been removed.
func (k *Kernel) exited(ep endpoint.Endpoint) {
	k.grants.DestroyAllFor(ep)
	k.mu.Lock()
	as := k.spaces[ep]
	delete(k.spaces, ep)
	k.mu.Unlock()
	if as != nil {
		as.Release()
	}
}

// ProcessInfo describes a live process.
type ProcessInfo struct {
	Endpoint    endpoint.Endpoint `json:"endpoint" yaml:"endpoint"`
	PID         int32             `json:"pid" yaml:"pid"`
	Parent      endpoint.Endpoint `json:"parent" yaml:"parent"`
	Name        string            `json:"name" yaml:"name"`
	Allowed     bool              `json:"allowed" yaml:"allowed"`
	MappedPages int               `json:"mappedPages" yaml:"mappedPages"`
	Grants      int               `json:"grants" yaml:"grants"`
}

// Processes returns information about every live process, sorted by pid.
func (k *Kernel) Processes() []ProcessInfo {
	var infos []ProcessInfo
	for _, p := range k.procs.Processes() {
		info := ProcessInfo{
			Endpoint: p.Endpoint,
			PID:      p.PID,
			Parent:   p.Parent,
			Name:     p.Name,
			Allowed:  p.Allowed(),
			Grants:   len(k.grants.Grants(p.Endpoint)),
		}
		if as := k.space(p.Endpoint); as != nil {
			info.MappedPages = as.MappedPages()
		}
		infos = append(infos, info)
	}
	return infos
}

// MemoryUsage returns the number of allocated and total page frames.
func (k *Kernel) MemoryUsage() (used, capacity uint64) {
	return k.mf.Usage()
}
