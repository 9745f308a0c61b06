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

// Package endpoint implements process identity: the mapping from endpoints,
// the IPC addresses used by kernel calls, to process slots.
//
// An endpoint encodes a process slot and a generation number. The generation
// is bumped whenever a slot is reused, so a stale endpoint held by another
// process never resolves to the slot's new occupant.
package endpoint

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/abi/minix"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/errors/minixerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/sync"
)

// Endpoint is a process's IPC address.
type Endpoint int32

// Well-known endpoints.
const (
	Any  Endpoint = minix.ANY
	None Endpoint = minix.NONE
	Self Endpoint = minix.SELF
)

// Make returns the endpoint for slot in generation gen.
func Make(gen, slot int) Endpoint {
	return Endpoint(gen<<minix.ENDPOINT_GENERATION_SHIFT + slot)
}

// Slot returns the process slot encoded in e.
func (e Endpoint) Slot() int {
	return int(e) & minix.ENDPOINT_SLOT_MASK
}

// Generation returns the slot generation encoded in e.
func (e Endpoint) Generation() int {
	return int(e) >> minix.ENDPOINT_GENERATION_SHIFT
}

// String implements fmt.Stringer.String.
func (e Endpoint) String() string {
	switch e {
	case Any:
		return "ANY"
	case None:
		return "NONE"
	case Self:
		return "SELF"
	}
	return fmt.Sprintf("%d", int32(e))
}

// Process is a process control block as far as identity is concerned.
type Process struct {
	// Endpoint is the process's endpoint. Immutable.
	Endpoint Endpoint

	// PID is the process id. Immutable.
	PID int32

	// Parent is the endpoint of the process that forked this one, or None.
	// Immutable.
	Parent Endpoint

	// Name is a human-readable name. Immutable.
	Name string

	// allowed is set once the process may issue kernel calls.
	allowed atomic.Bool
}

// Allowed returns true if p may issue kernel calls.
func (p *Process) Allowed() bool {
	return p.allowed.Load()
}

// String implements fmt.Stringer.String.
func (p *Process) String() string {
	return fmt.Sprintf("%s[ep=%v pid=%d]", p.Name, p.Endpoint, p.PID)
}

// Resolver is the narrow lookup capability other subsystems depend on.
type Resolver interface {
	// Resolve returns the live process with endpoint ep.
	Resolve(ep Endpoint) (*Process, bool)
}

// Table is the process table.
//
// Lock ordering: exit hooks are called without Table.mu held.
type Table struct {
	// mu protects all fields below.
	mu sync.RWMutex

	// slots holds the live process in each slot, or nil.
	slots []*Process

	// gens holds the generation of the next process to occupy each slot.
	gens []int

	// byPID indexes live processes by pid.
	byPID map[int32]*Process

	// lastPID is the last pid handed out.
	lastPID int32

	// exitHooks are run, in registration order, when a process exits.
	exitHooks []func(ep Endpoint)
}

// NewTable returns a process table with nprocs slots.
func NewTable(nprocs int) *Table {
	if nprocs <= 0 || nprocs > minix.ENDPOINT_GENERATION_SIZE {
		panic(fmt.Sprintf("invalid number of process slots: %d", nprocs))
	}
	return &Table{
		slots: make([]*Process, nprocs),
		gens:  make([]int, nprocs),
		byPID: make(map[int32]*Process),
	}
}

// OnExit registers f to be called whenever a process exits. f is called after
// the process has been removed from the table.
func (t *Table) OnExit(f func(ep Endpoint)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exitHooks = append(t.exitHooks, f)
}

// Spawn creates a new, already allowed, process.
func (t *Table) Spawn(name string) (*Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.newProcessLocked(name, None)
	if err != nil {
		return nil, err
	}
	p.allowed.Store(true)
	log.Debugf("Spawned %v", p)
	return p, nil
}

// Fork creates a child of parent. The child may not issue kernel calls until
// it has been passed to Allow.
func (t *Table) Fork(parent Endpoint) (*Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pp := t.resolveLocked(parent)
	if pp == nil {
		return nil, minixerr.ESRCH
	}
	p, err := t.newProcessLocked(pp.Name, parent)
	if err != nil {
		return nil, err
	}
	log.Debugf("Forked %v from %v", p, pp)
	return p, nil
}

// newProcessLocked occupies a free slot.
//
// Preconditions: t.mu must be locked for writing.
func (t *Table) newProcessLocked(name string, parent Endpoint) (*Process, error) {
	for slot, p := range t.slots {
		if p != nil {
			continue
		}
		ep := Make(t.gens[slot], slot)
		if ep == Any || ep == None || ep == Self {
			// Skip generations that collide with magic values.
			t.gens[slot]++
			ep = Make(t.gens[slot], slot)
		}
		t.lastPID++
		p := &Process{
			Endpoint: ep,
			PID:      t.lastPID,
			Parent:   parent,
			Name:     name,
		}
		t.slots[slot] = p
		t.byPID[p.PID] = p
		return p, nil
	}
	log.Warningf("Process table full (%d slots)", len(t.slots))
	return nil, minixerr.ENOMEM
}

// Allow lets a forked process issue kernel calls.
func (t *Table) Allow(ep Endpoint) error {
	p, ok := t.Resolve(ep)
	if !ok {
		return minixerr.ESRCH
	}
	p.allowed.Store(true)
	return nil
}

// Exit removes the process from the table and runs the exit hooks.
func (t *Table) Exit(ep Endpoint) error {
	t.mu.Lock()
	p := t.resolveLocked(ep)
	if p == nil {
		t.mu.Unlock()
		return minixerr.ESRCH
	}
	slot := ep.Slot()
	t.slots[slot] = nil
	t.gens[slot] = (t.gens[slot] + 1) % (1 << (31 - minix.ENDPOINT_GENERATION_SHIFT))
	delete(t.byPID, p.PID)
	hooks := append([]func(Endpoint){}, t.exitHooks...)
	t.mu.Unlock()

	log.Debugf("Exiting %v", p)
	for _, h := range hooks {
		h(ep)
	}
	return nil
}

// Resolve implements Resolver.Resolve.
func (t *Table) Resolve(ep Endpoint) (*Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.resolveLocked(ep)
	return p, p != nil
}

// resolveLocked returns the process with endpoint ep, or nil.
//
// Preconditions: t.mu must be locked.
func (t *Table) resolveLocked(ep Endpoint) *Process {
	if ep < 0 {
		return nil
	}
	slot := ep.Slot()
	if slot >= len(t.slots) {
		return nil
	}
	p := t.slots[slot]
	if p == nil || p.Endpoint != ep {
		return nil
	}
	return p
}

// GetProcNr returns the endpoint of the live process with the given pid.
func (t *Table) GetProcNr(pid int32) (Endpoint, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byPID[pid]
	if !ok {
		return None, minixerr.ESRCH
	}
	return p.Endpoint, nil
}

// Processes returns all live processes, sorted by pid.
func (t *Table) Processes() []*Process {
	t.mu.RLock()
	ps := make([]*Process, 0, len(t.byPID))
	for _, p := range t.byPID {
		ps = append(ps, p)
	}
	t.mu.RUnlock()
	sort.Slice(ps, func(i, j int) bool { return ps[i].PID < ps[j].PID })
	return ps
}
