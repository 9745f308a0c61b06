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
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/abi/minix"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/endpoint"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/errors/minixerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/vm"
)

// resolution is the result of walking a grant chain down to a direct grant.
type resolution struct {
	// owner, base and length describe the memory the chain ends in.
	owner  endpoint.Endpoint
	base   hostarch.Addr
	length uint64

	// perms is the intersection of the permissions of every hop.
	perms Perm

	// via lists the grants walked, starting with the one named by the
	// consumer.
	via []Key

	// epoch is the epoch of via[0].
	epoch uint64
}

// region returns the owner's memory covered by [offset, offset+length) of
// the grant.
func (r *resolution) region(offset, length uint64) (hostarch.AddrRange, error) {
	if length == 0 {
		return hostarch.AddrRange{}, minixerr.EINVAL
	}
	end := offset + length
	if end < offset || end > r.length {
		return hostarch.AddrRange{}, minixerr.EINVAL
	}
	ar, ok := (r.base + hostarch.Addr(offset)).ToRange(length)
	if !ok {
		return hostarch.AddrRange{}, minixerr.EINVAL
	}
	return ar, nil
}

// resolveLocked walks the grant chain that starts at (owner, id), as used by
// consumer. Every hop must exist, be active, and permit the previous hop's
// owner.
//
// Preconditions: t.mu must be locked.
func (t *Table) resolveLocked(consumer, owner endpoint.Endpoint, id ID) (resolution, error) {
	r := resolution{perms: PermRead | PermWrite | PermMap}
	for depth := 0; ; depth++ {
		if depth > minix.MAX_INDIRECT_DEPTH {
			return resolution{}, minixerr.EPERM
		}
		g := t.getLocked(owner, id)
		if g == nil || g.state == Revoked {
			return resolution{}, minixerr.ENOENT
		}
		if !g.permits(consumer) {
			return resolution{}, minixerr.EPERM
		}
		if depth == 0 {
			r.epoch = g.epoch
		}
		r.perms &= g.perms
		r.via = append(r.via, g.key())
		if g.kind == Direct {
			r.owner = g.owner
			r.base = g.base
			r.length = g.length
			return r, nil
		}
		consumer, owner, id = g.owner, g.ref.Owner, g.ref.ID
	}
}

// spaces returns the address spaces of the owner and the consumer of an
// operation.
func (t *Table) spaces(owner, consumer endpoint.Endpoint) (Space, Space, error) {
	o, ok := t.mem.AddressSpace(owner)
	if !ok {
		return nil, nil, minixerr.ESRCH
	}
	c, ok := t.mem.AddressSpace(consumer)
	if !ok {
		return nil, nil, minixerr.ESRCH
	}
	return o, c, nil
}

// CopyRequest describes a safe copy.
type CopyRequest struct {
	// Consumer is the process performing the copy.
	Consumer endpoint.Endpoint

	// Owner and ID name the grant.
	Owner endpoint.Endpoint
	ID    ID

	// Offset is the offset into the granted region.
	Offset uint64

	// Addr is the address in the consumer's address space.
	Addr hostarch.Addr

	// Length is the number of bytes to copy.
	Length uint64

	// Seg is the consumer's segment.
	Seg int
}

// SafeCopyFrom copies bytes from the granted region into the consumer's
// memory. The grant must permit reads.
func (t *Table) SafeCopyFrom(req CopyRequest) error {
	return t.safeCopy(req, PermRead)
}

// SafeCopyTo copies bytes from the consumer's memory into the granted
// region. The grant must permit writes. Copy-on-write pages of the owner are
// broken as needed, and the new bytes are visible through live mappings of
// the region.
func (t *Table) SafeCopyTo(req CopyRequest) error {
	return t.safeCopy(req, PermWrite)
}

func (t *Table) safeCopy(req CopyRequest, need Perm) error {
	if err := checkSegment(req.Seg); err != nil {
		return err
	}
	if req.Length == 0 {
		return minixerr.EINVAL
	}
	if _, ok := t.procs.Resolve(req.Owner); !ok {
		return minixerr.ESRCH
	}

	// Holding mu for reading excludes revocation for the duration of the
	// copy, not just its validation.
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, err := t.resolveLocked(req.Consumer, req.Owner, req.ID)
	if err != nil {
		return err
	}
	if !r.perms.Has(need) {
		return minixerr.EPERM
	}
	ar, err := r.region(req.Offset, req.Length)
	if err != nil {
		return err
	}
	if _, ok := req.Addr.ToRange(req.Length); !ok {
		return minixerr.EINVAL
	}
	ownerAS, consumerAS, err := t.spaces(r.owner, req.Consumer)
	if err != nil {
		return err
	}

	// Both sides must be mapped before the bounce buffer is sized from
	// the request.
	consumerAccess := hostarch.Write
	if need == PermWrite {
		consumerAccess = hostarch.Read
	}
	if err := ownerAS.CheckRange(ar.Start, req.Length, hostarch.NoAccess, vm.IOOpts{IgnorePermissions: true}); err != nil {
		return err
	}
	if err := consumerAS.CheckRange(req.Addr, req.Length, consumerAccess, vm.IOOpts{}); err != nil {
		return err
	}

	buf := make([]byte, req.Length)
	if need == PermRead {
		if _, err := ownerAS.CopyIn(ar.Start, buf, vm.IOOpts{IgnorePermissions: true}); err != nil {
			return err
		}
		if _, err := consumerAS.CopyOut(req.Addr, buf, vm.IOOpts{}); err != nil {
			return err
		}
	} else {
		if _, err := consumerAS.CopyIn(req.Addr, buf, vm.IOOpts{}); err != nil {
			return err
		}
		if _, err := ownerAS.CopyOut(ar.Start, buf, vm.IOOpts{IgnorePermissions: true}); err != nil {
			return err
		}
	}
	safeCopies.Increment()
	return nil
}

// MapRequest describes a safe mapping.
type MapRequest struct {
	// Consumer is the process establishing the mapping.
	Consumer endpoint.Endpoint

	// Owner and ID name the grant.
	Owner endpoint.Endpoint
	ID    ID

	// Offset is the page-aligned offset into the granted region.
	Offset uint64

	// Addr is the page-aligned address in the consumer's address space.
	Addr hostarch.Addr

	// Length is the page-aligned length of the mapping.
	Length uint64

	// Seg is the consumer's segment.
	Seg int

	// Writable requests a writable mapping.
	Writable bool
}

// SafeMap maps part of a granted region into the consumer's address space,
// so that owner and consumer share the underlying memory. Existing ordinary
// pages of the consumer in the destination range are replaced; existing safe
// mappings are not, and make SafeMap fail with EBUSY.
func (t *Table) SafeMap(req MapRequest) error {
	if err := checkSegment(req.Seg); err != nil {
		return err
	}
	if req.Length == 0 {
		return minixerr.EINVAL
	}
	if _, ok := t.procs.Resolve(req.Owner); !ok {
		return minixerr.ESRCH
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.resolveLocked(req.Consumer, req.Owner, req.ID)
	if err != nil {
		return err
	}
	need := PermRead | PermMap
	if req.Writable {
		need |= PermWrite
	}
	if !r.perms.Has(need) {
		return minixerr.EPERM
	}
	src, err := r.region(req.Offset, req.Length)
	if err != nil {
		return err
	}
	dst, ok := req.Addr.ToRange(req.Length)
	if !ok || !src.IsPageAligned() || !dst.IsPageAligned() {
		return minixerr.EINVAL
	}
	if r.owner == req.Consumer && src.Overlaps(dst) {
		return minixerr.EINVAL
	}
	ownerAS, _, err := t.spaces(r.owner, req.Consumer)
	if err != nil {
		return err
	}
	if err := ownerAS.CheckRange(src.Start, src.Length(), hostarch.NoAccess, vm.IOOpts{IgnorePermissions: true}); err != nil {
		return err
	}
	if t.overlapsMappingLocked(req.Consumer, dst) {
		return minixerr.EBUSY
	}
	if err := t.mem.Share(req.Consumer, dst.Start, r.owner, src, req.Writable); err != nil {
		return err
	}

	m := &mapping{
		consumer: req.Consumer,
		addr:     dst.Start,
		length:   dst.Length(),
		writable: req.Writable,
		owner:    r.owner,
		via:      r.via,
		epoch:    r.epoch,
	}
	t.mappings.ReplaceOrInsert(m)
	for _, k := range m.via {
		g := t.getLocked(k.Owner, k.ID)
		if g.mappings == nil {
			g.mappings = make(map[*mapping]struct{})
		}
		g.mappings[m] = struct{}{}
	}
	safeMaps.Increment()
	log.Debugf("%v mapped %v of grant %v at %v", req.Consumer, src, m.via[0], dst)
	return nil
}

// overlapsMappingLocked returns true if consumer holds a safe mapping that
// overlaps ar.
//
// Preconditions: t.mu must be locked.
func (t *Table) overlapsMappingLocked(consumer endpoint.Endpoint, ar hostarch.AddrRange) bool {
	overlaps := false
	t.mappings.AscendGreaterOrEqual(&mapping{consumer: consumer}, func(m *mapping) bool {
		if m.consumer != consumer || m.addr >= ar.End {
			return false
		}
		if m.addrRange().Overlaps(ar) {
			overlaps = true
			return false
		}
		return true
	})
	return overlaps
}

// SafeUnmap removes the safe mapping of consumer that starts at addr and
// unmaps its pages. The grant it was established through is unaffected.
func (t *Table) SafeUnmap(consumer endpoint.Endpoint, seg int, addr hostarch.Addr) error {
	if err := checkSegment(seg); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.mappings.Get(&mapping{consumer: consumer, addr: addr})
	if !ok {
		return minixerr.ENOENT
	}
	if cs, ok := t.mem.AddressSpace(consumer); ok {
		if err := cs.Unmap(m.addrRange()); err != nil {
			return err
		}
	}
	t.dropMappingLocked(m)
	log.Debugf("%v unmapped %v", consumer, m.addrRange())
	return nil
}

// ForgetMappings is called before consumer unmaps ar by ordinary means. Safe
// mappings overlapping ar are privatized and forgotten, so that no part of
// them stays shared without a record.
func (t *Table) ForgetMappings(consumer endpoint.Endpoint, ar hostarch.AddrRange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ms []*mapping
	t.mappings.AscendGreaterOrEqual(&mapping{consumer: consumer}, func(m *mapping) bool {
		if m.consumer != consumer || m.addr >= ar.End {
			return false
		}
		if m.addrRange().Overlaps(ar) {
			ms = append(ms, m)
		}
		return true
	})
	for _, m := range ms {
		t.breakMappingLocked(m)
		t.dropMappingLocked(m)
	}
}
