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

package grant

import (
	"math"
	"sort"
	"time"

	"github.com/google/btree"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/endpoint"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/errors/minixerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/sync"
)

// Warnings about exhausted tables are rate limited; a misbehaving process can
// hit them in a loop.
var exhaustedLog = log.BasicRateLimitedLogger(time.Second)

// arena holds the grants of one owner.
type arena struct {
	// slots has a fixed capacity, so pointers into it remain valid while
	// the arena lives.
	slots []grant

	// used[i] is true if slots[i] holds a grant.
	used []bool

	// free is a stack of unused slot indices below len(slots).
	free []int

	// index maps live grant ids to slot indices.
	index map[ID]int

	// lastID is the last id handed out. IDs are never reused.
	lastID ID
}

func newArena(capacity int) *arena {
	return &arena{
		slots:  make([]grant, 0, capacity),
		index:  make(map[ID]int),
		lastID: -1,
	}
}

// alloc returns a zeroed slot with a fresh id.
func (a *arena) alloc() (*grant, error) {
	if a.lastID == math.MaxInt32 {
		return nil, minixerr.ENOMEM
	}
	var i int
	switch {
	case len(a.free) > 0:
		i = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	case len(a.slots) < cap(a.slots):
		i = len(a.slots)
		a.slots = a.slots[:i+1]
		a.used = append(a.used, false)
	default:
		return nil, minixerr.ENOMEM
	}
	a.lastID++
	a.slots[i] = grant{id: a.lastID}
	a.used[i] = true
	a.index[a.lastID] = i
	return &a.slots[i], nil
}

// get returns the live grant with the given id, or nil.
func (a *arena) get(id ID) *grant {
	i, ok := a.index[id]
	if !ok {
		return nil
	}
	return &a.slots[i]
}

// release frees the slot of g.
func (a *arena) release(g *grant) {
	i := a.index[g.id]
	delete(a.index, g.id)
	a.slots[i] = grant{}
	a.used[i] = false
	a.free = append(a.free, i)
}

// live returns the live grants in id order.
func (a *arena) live() []*grant {
	gs := make([]*grant, 0, len(a.index))
	for _, i := range a.index {
		gs = append(gs, &a.slots[i])
	}
	sort.Slice(gs, func(i, j int) bool { return gs[i].id < gs[j].id })
	return gs
}

// mappingLess orders mappings by consumer, then address.
func mappingLess(a, b *mapping) bool {
	if a.consumer != b.consumer {
		return a.consumer < b.consumer
	}
	return a.addr < b.addr
}

// Table is the system-wide grant table.
//
// Every operation runs in a single critical section of Table.mu, so each is
// atomic with respect to the others. Copies hold mu for reading, so they may
// proceed concurrently with each other but never with a revocation.
type Table struct {
	procs endpoint.Resolver
	mem   Memory

	// perOwner is the capacity of each owner's arena.
	perOwner int

	mu sync.RWMutex

	// arenas holds the grants of each owner. Arenas are created on first
	// use and removed when the owner exits.
	arenas map[endpoint.Endpoint]*arena

	// mappings indexes every safe mapping, private or not, by consumer
	// and address.
	mappings *btree.BTreeG[*mapping]
}

// NewTable returns an empty grant table. Each owner may hold at most
// perOwner grants at a time.
func NewTable(procs endpoint.Resolver, mem Memory, perOwner int) *Table {
	if perOwner <= 0 {
		perOwner = 1
	}
	return &Table{
		procs:    procs,
		mem:      mem,
		perOwner: perOwner,
		arenas:   make(map[endpoint.Endpoint]*arena),
		mappings: btree.NewG(8, mappingLess),
	}
}

// arenaLocked returns the arena of owner, creating it if create is true.
//
// Preconditions: t.mu must be locked for writing if create is true.
func (t *Table) arenaLocked(owner endpoint.Endpoint, create bool) *arena {
	a, ok := t.arenas[owner]
	if !ok && create {
		a = newArena(t.perOwner)
		t.arenas[owner] = a
	}
	return a
}

// getLocked returns the live grant (owner, id), or nil.
//
// Preconditions: t.mu must be locked.
func (t *Table) getLocked(owner endpoint.Endpoint, id ID) *grant {
	a := t.arenaLocked(owner, false)
	if a == nil {
		return nil
	}
	return a.get(id)
}

// checkTarget validates the target of a new grant.
func (t *Table) checkTarget(target endpoint.Endpoint) error {
	if target == endpoint.Any {
		return nil
	}
	if _, ok := t.procs.Resolve(target); !ok {
		return minixerr.ESRCH
	}
	return nil
}

// Create issues a direct grant allowing target to access length bytes of
// owner's memory starting at base. The memory is neither pinned nor
// validated; access is checked each time the grant is used.
func (t *Table) Create(owner, target endpoint.Endpoint, base hostarch.Addr, length uint64, perms Perm) (ID, error) {
	if length == 0 || !perms.Valid() {
		return Invalid, minixerr.EINVAL
	}
	if _, ok := base.AddLength(length); !ok {
		return Invalid, minixerr.EINVAL
	}
	if _, ok := t.procs.Resolve(owner); !ok {
		return Invalid, minixerr.ESRCH
	}
	if err := t.checkTarget(target); err != nil {
		return Invalid, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	g, err := t.arenaLocked(owner, true).alloc()
	if err != nil {
		exhaustedLog.Warningf("Grant table of %v exhausted", owner)
		return Invalid, err
	}
	g.owner = owner
	g.target = target
	g.kind = Direct
	g.perms = perms
	g.base = base
	g.length = length
	grantsCreated.Increment()
	log.Debugf("Created grant %v for %v: [%v, +%#x) %v", g.key(), target, base, length, perms)
	return g.id, nil
}

// CreateIndirect issues a grant allowing target to use the grant (from, ref)
// on behalf of owner. The forwarded grant is resolved each time the new
// grant is used, and must then permit owner.
func (t *Table) CreateIndirect(owner, target, from endpoint.Endpoint, ref ID) (ID, error) {
	if ref < 0 {
		return Invalid, minixerr.EINVAL
	}
	if _, ok := t.procs.Resolve(owner); !ok {
		return Invalid, minixerr.ESRCH
	}
	if err := t.checkTarget(target); err != nil {
		return Invalid, err
	}
	if _, ok := t.procs.Resolve(from); !ok {
		return Invalid, minixerr.ESRCH
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	g, err := t.arenaLocked(owner, true).alloc()
	if err != nil {
		exhaustedLog.Warningf("Grant table of %v exhausted", owner)
		return Invalid, err
	}
	g.owner = owner
	g.target = target
	g.kind = Indirect
	g.perms = PermRead | PermWrite | PermMap
	g.ref = Key{Owner: from, ID: ref}
	grantsCreated.Increment()
	log.Debugf("Created indirect grant %v for %v -> %v", g.key(), target, g.ref)
	return g.id, nil
}

// Lookup returns a snapshot of the grant (owner, id).
func (t *Table) Lookup(owner endpoint.Endpoint, id ID) (Info, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g := t.getLocked(owner, id)
	if g == nil {
		return Info{}, minixerr.ENOENT
	}
	return g.info(), nil
}

// Grants returns snapshots of every grant owned by owner, in id order.
func (t *Table) Grants(owner endpoint.Endpoint) []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a := t.arenaLocked(owner, false)
	if a == nil {
		return nil
	}
	var infos []Info
	for _, g := range a.live() {
		infos = append(infos, g.info())
	}
	return infos
}

// Mappings returns snapshots of every safe mapping held by consumer, in
// address order.
func (t *Table) Mappings(consumer endpoint.Endpoint) []MappingInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ms []MappingInfo
	t.mappings.AscendGreaterOrEqual(&mapping{consumer: consumer}, func(m *mapping) bool {
		if m.consumer != consumer {
			return false
		}
		ms = append(ms, m.info())
		return true
	})
	return ms
}

func (g *grant) info() Info {
	info := Info{
		ID:     g.id,
		Owner:  g.owner,
		Target: g.target,
		Kind:   g.kind,
		State:  g.state,
		Perms:  g.perms,
		Base:   g.base,
		Length: g.length,
		Ref:    g.ref,
		Epoch:  g.epoch,
	}
	for m := range g.mappings {
		info.Mappings = append(info.Mappings, m.info())
	}
	sort.Slice(info.Mappings, func(i, j int) bool {
		a, b := info.Mappings[i], info.Mappings[j]
		if a.Consumer != b.Consumer {
			return a.Consumer < b.Consumer
		}
		return a.Addr < b.Addr
	})
	return info
}

func (m *mapping) info() MappingInfo {
	return MappingInfo{
		Consumer: m.consumer,
		Addr:     m.addr,
		Length:   m.length,
		Writable: m.writable,
		Epoch:    m.epoch,
		Private:  m.private,
	}
}

// Destroy removes the grant (owner, id). Live mappings established through
// it become private copies first.
func (t *Table) Destroy(owner endpoint.Endpoint, id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.arenaLocked(owner, false)
	if a == nil {
		return minixerr.ENOENT
	}
	g := a.get(id)
	if g == nil {
		return minixerr.ENOENT
	}
	t.privatizeLocked(g)
	a.release(g)
	grantsDestroyed.Increment()
	log.Debugf("Destroyed grant %v", Key{Owner: owner, ID: id})
	return nil
}

// DestroyAllFor tears down everything ep holds in the table: its grants are
// destroyed after privatizing their mappings, and the safe mappings ep holds
// as a consumer are forgotten. It is called when ep exits, so ep's own
// address space is not touched.
func (t *Table) DestroyAllFor(ep endpoint.Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var held []*mapping
	t.mappings.AscendGreaterOrEqual(&mapping{consumer: ep}, func(m *mapping) bool {
		if m.consumer != ep {
			return false
		}
		held = append(held, m)
		return true
	})
	for _, m := range held {
		t.dropMappingLocked(m)
	}

	a := t.arenaLocked(ep, false)
	if a == nil {
		return
	}
	n := 0
	for _, g := range a.live() {
		t.privatizeLocked(g)
		a.release(g)
		n++
	}
	delete(t.arenas, ep)
	grantsDestroyed.IncrementBy(uint64(n))
	if n > 0 || len(held) > 0 {
		log.Debugf("Destroyed %d grants and %d mappings of %v", n, len(held), ep)
	}
}

// PrivatizeOwner breaks sharing for every live mapping of owner's memory,
// leaving the grants themselves in place. It is used before owner forks,
// so the child's copy-on-write snapshot is never reachable from a consumer.
func (t *Table) PrivatizeOwner(owner endpoint.Endpoint) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ms []*mapping
	t.mappings.Ascend(func(m *mapping) bool {
		if !m.private && m.owner == owner {
			ms = append(ms, m)
		}
		return true
	})
	for _, m := range ms {
		t.breakMappingLocked(m)
	}
	return len(ms)
}

// Owners returns the endpoints that currently own at least one grant.
func (t *Table) Owners() []endpoint.Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	eps := make([]endpoint.Endpoint, 0, len(t.arenas))
	for ep, a := range t.arenas {
		if len(a.index) > 0 {
			eps = append(eps, ep)
		}
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i] < eps[j] })
	return eps
}
