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

// Package grant implements memory grants: capabilities through which one
// process (the owner) authorizes another (the target) to copy from, copy to,
// or map a region of the owner's address space.
//
// Grants live in a Table, never in the processes that use them; processes
// refer to grants by (owner endpoint, ID) pairs. Grant IDs are never reused
// within an owner's lifetime, so a stale ID can at worst fail with ENOENT.
//
// Lock ordering: Table.mu -> vm.MemoryFile.mu
package grant

import (
	"fmt"
	"strings"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/abi/minix"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/endpoint"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/errors/minixerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/metric"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/vm"
)

var (
	grantsCreated   = metric.MustCreateNewUint64Metric("/grant/created", "Number of grants created.")
	grantsRevoked   = metric.MustCreateNewUint64Metric("/grant/revoked", "Number of grants revoked by sys_saferevmap.")
	grantsDestroyed = metric.MustCreateNewUint64Metric("/grant/destroyed", "Number of grants destroyed.")
	safeMaps        = metric.MustCreateNewUint64Metric("/grant/safemaps", "Number of successful safe mappings.")
	safeCopies      = metric.MustCreateNewUint64Metric("/grant/safecopies", "Number of successful safe copies.")
	privatized      = metric.MustCreateNewUint64Metric("/grant/privatized_mappings", "Number of safe mappings converted to private copies.")
)

// ID is a grant id, unique within the owner's table.
type ID int32

// Invalid is never a valid grant id.
const Invalid ID = minix.GRANT_INVALID

// Perm is a set of CPF_* access flags.
type Perm uint32

// Access flags.
const (
	PermRead  Perm = minix.CPF_READ
	PermWrite Perm = minix.CPF_WRITE
	PermMap   Perm = minix.CPF_MAP
)

// Valid returns true if p is a non-empty, meaningful access combination:
// only known bits, and WRITE and MAP each imply READ.
func (p Perm) Valid() bool {
	if p == 0 || p&^minix.CPF_ACCMASK != 0 {
		return false
	}
	if p&(PermWrite|PermMap) != 0 && p&PermRead == 0 {
		return false
	}
	return true
}

// Has returns true if p includes all of q.
func (p Perm) Has(q Perm) bool {
	return p&q == q
}

// String implements fmt.Stringer.String.
func (p Perm) String() string {
	var parts []string
	if p.Has(PermRead) {
		parts = append(parts, "READ")
	}
	if p.Has(PermWrite) {
		parts = append(parts, "WRITE")
	}
	if p.Has(PermMap) {
		parts = append(parts, "MAP")
	}
	if rest := p &^ minix.CPF_ACCMASK; rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(rest)))
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Kind distinguishes direct grants, which describe the owner's memory, from
// indirect grants, which forward a grant the owner received.
type Kind int

// Grant kinds, numbered as the grant flag bits that select them.
const (
	Direct   Kind = minix.CPF_DIRECT
	Indirect Kind = minix.CPF_INDIRECT
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if k == Indirect {
		return "indirect"
	}
	return "direct"
}

// State is the lifecycle state of a grant.
type State int

// Grant states. Destroyed grants are removed from the table and have no
// state.
const (
	Active State = iota
	Revoked
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	if s == Revoked {
		return "revoked"
	}
	return "active"
}

// Key identifies a grant.
type Key struct {
	Owner endpoint.Endpoint
	ID    ID
}

// String implements fmt.Stringer.String.
func (k Key) String() string {
	return fmt.Sprintf("%v:%d", k.Owner, k.ID)
}

// grant is a grant record.
type grant struct {
	id     ID
	owner  endpoint.Endpoint
	target endpoint.Endpoint
	kind   Kind
	state  State
	perms  Perm

	// base and length describe the owner's memory. Direct grants only.
	base   hostarch.Addr
	length uint64

	// ref is the forwarded grant. Indirect grants only.
	ref Key

	// epoch is bumped each time the grant is revoked.
	epoch uint64

	// mappings are the live shared mappings established through this
	// grant.
	mappings map[*mapping]struct{}
}

func (g *grant) key() Key {
	return Key{Owner: g.owner, ID: g.id}
}

// permits returns true if consumer is authorized to use g.
func (g *grant) permits(consumer endpoint.Endpoint) bool {
	return g.target == endpoint.Any || g.target == consumer
}

// mapping is a shared mapping established by SafeMap.
type mapping struct {
	consumer endpoint.Endpoint
	addr     hostarch.Addr
	length   uint64
	writable bool

	// owner is the endpoint whose memory is mapped.
	owner endpoint.Endpoint

	// via is the grant chain the mapping was established through, starting
	// with the grant named by the consumer and ending with a direct grant.
	via []Key

	// epoch is the epoch of via[0] when the mapping was established.
	epoch uint64

	// private is set once sharing has been broken. A private mapping is no
	// longer attached to any grant.
	private bool
}

func (m *mapping) addrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: m.addr, End: m.addr + hostarch.Addr(m.length)}
}

// Info is a snapshot of a grant.
type Info struct {
	ID       ID
	Owner    endpoint.Endpoint
	Target   endpoint.Endpoint
	Kind     Kind
	State    State
	Perms    Perm
	Base     hostarch.Addr
	Length   uint64
	Ref      Key
	Epoch    uint64
	Mappings []MappingInfo
}

// MappingInfo is a snapshot of a shared mapping.
type MappingInfo struct {
	Consumer endpoint.Endpoint
	Addr     hostarch.Addr
	Length   uint64
	Writable bool
	Epoch    uint64
	Private  bool
}

// Memory is the virtual memory collaborator: it exposes address spaces and
// establishes aliases between them.
type Memory interface {
	// AddressSpace returns the address space of the live process ep.
	AddressSpace(ep endpoint.Endpoint) (Space, bool)

	// Share maps srcAR of owner's address space at dst in consumer's
	// address space, so that both see the same memory.
	Share(consumer endpoint.Endpoint, dst hostarch.Addr, owner endpoint.Endpoint, srcAR hostarch.AddrRange, writable bool) error
}

// Space is the part of an address space the grant table uses.
type Space interface {
	CheckRange(addr hostarch.Addr, length uint64, at hostarch.AccessType, opts vm.IOOpts) error
	CopyIn(addr hostarch.Addr, dst []byte, opts vm.IOOpts) (int, error)
	CopyOut(addr hostarch.Addr, src []byte, opts vm.IOOpts) (int, error)
	Unmap(ar hostarch.AddrRange) error

	// BreakSharing converts aliases in ar to private copies, or unmaps them
	// if no copy can be made.
	BreakSharing(ar hostarch.AddrRange) (copied, dropped int)
}

// checkSegment validates a segment argument. Only the data segment exists.
func checkSegment(seg int) error {
	if seg != minix.SEG_D {
		return minixerr.EINVAL
	}
	return nil
}
