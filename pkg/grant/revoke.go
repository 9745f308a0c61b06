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
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/endpoint"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/errors/minixerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/log"
)

// RevokeMappings implements sys_saferevmap_gid: it marks the grant (owner,
// id) revoked and converts every live mapping established through it into a
// private copy of the data the consumer saw. When RevokeMappings returns, no
// consumer shares memory with owner through the grant, and every later use
// of it fails with ENOENT.
func (t *Table) RevokeMappings(owner endpoint.Endpoint, id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.getLocked(owner, id)
	if g == nil || g.state == Revoked {
		return minixerr.ENOENT
	}
	t.revokeLocked(g)
	return nil
}

// RevokeMappingsAt implements sys_saferevmap_addr: it revokes every active
// direct grant of owner whose region contains addr.
func (t *Table) RevokeMappingsAt(owner endpoint.Endpoint, addr hostarch.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.arenaLocked(owner, false)
	if a == nil {
		return minixerr.ENOENT
	}
	n := 0
	for _, g := range a.live() {
		if g.kind != Direct || g.state == Revoked {
			continue
		}
		ar := hostarch.AddrRange{Start: g.base, End: g.base + hostarch.Addr(g.length)}
		if !ar.Contains(addr) {
			continue
		}
		t.revokeLocked(g)
		n++
	}
	if n == 0 {
		return minixerr.ENOENT
	}
	return nil
}

// revokeLocked revokes g.
//
// Preconditions: t.mu must be locked for writing. g must be active.
func (t *Table) revokeLocked(g *grant) {
	g.state = Revoked
	g.epoch++
	n := t.privatizeLocked(g)
	grantsRevoked.Increment()
	log.Debugf("Revoked grant %v (epoch %d), privatized %d mappings", g.key(), g.epoch, n)
}

// privatizeLocked breaks sharing for every live mapping established through
// g, and returns how many there were.
//
// Preconditions: t.mu must be locked for writing.
func (t *Table) privatizeLocked(g *grant) int {
	ms := make([]*mapping, 0, len(g.mappings))
	for m := range g.mappings {
		ms = append(ms, m)
	}
	for _, m := range ms {
		t.breakMappingLocked(m)
	}
	return len(ms)
}

// breakMappingLocked converts m into a private mapping and detaches it from
// the grants it was established through. The record itself stays, so the
// consumer can still SafeUnmap it.
//
// Preconditions: t.mu must be locked for writing.
func (t *Table) breakMappingLocked(m *mapping) {
	if m.private {
		return
	}
	if cs, ok := t.mem.AddressSpace(m.consumer); ok {
		copied, dropped := cs.BreakSharing(m.addrRange())
		if dropped > 0 {
			log.Warningf("Unmapped %d of %d pages of %v at %v while privatizing", dropped, copied+dropped, m.consumer, m.addr)
		}
	}
	m.private = true
	t.detachLocked(m)
	privatized.Increment()
}

// dropMappingLocked forgets m without touching any address space.
//
// Preconditions: t.mu must be locked for writing.
func (t *Table) dropMappingLocked(m *mapping) {
	t.detachLocked(m)
	t.mappings.Delete(m)
}

// detachLocked removes m from the grants it was established through.
//
// Preconditions: t.mu must be locked for writing.
func (t *Table) detachLocked(m *mapping) {
	for _, k := range m.via {
		if g := t.getLocked(k.Owner, k.ID); g != nil {
			delete(g.mappings, m)
		}
	}
}
