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

package vm

import (
	"fmt"

	"github.com/google/btree"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/cleanup"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/errors/minixerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/log"
)

// btreeDegree is the degree of page table btrees.
const btreeDegree = 8

// pte is a page table entry.
type pte struct {
	// addr is the page-aligned address of the page. Immutable once the
	// entry is inserted.
	addr hostarch.Addr

	// frame is the frame mapped at addr.
	frame *frame

	// perms is the access allowed through this entry, ignoring COW.
	perms hostarch.AccessType

	// cow is true if the frame must be copied before it is written through
	// this entry.
	cow bool

	// shared is true if this entry is an alias of another address space's
	// frame.
	shared bool
}

func pteLess(a, b *pte) bool {
	return a.addr < b.addr
}

// IOOpts controls options for I/O on an address space.
type IOOpts struct {
	// If IgnorePermissions is true, application-defined memory protections
	// set by Map are ignored. Copy-on-write is still honored.
	IgnorePermissions bool
}

// PageInfo describes a mapped page.
type PageInfo struct {
	Perms  hostarch.AccessType
	COW    bool
	Shared bool
	Refs   int
	Frame  uint64
}

// AddressSpace is a simulated process address space.
type AddressSpace struct {
	mf *MemoryFile

	// pt is the page table. Protected by mf.mu.
	pt *btree.BTreeG[*pte]

	// released is set by Release. Protected by mf.mu.
	released bool
}

// NewAddressSpace returns an empty address space backed by mf.
func (mf *MemoryFile) NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		mf: mf,
		pt: btree.NewG[*pte](btreeDegree, pteLess),
	}
}

// checkRange validates that ar is a non-empty, well-formed and page-aligned
// range.
func checkRange(ar hostarch.AddrRange) error {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		return minixerr.EINVAL
	}
	return nil
}

// entriesLocked returns the entries in ar, in address order.
//
// Preconditions: as.mf.mu must be locked.
func (as *AddressSpace) entriesLocked(ar hostarch.AddrRange) []*pte {
	var ptes []*pte
	as.pt.AscendRange(&pte{addr: ar.Start}, &pte{addr: ar.End}, func(p *pte) bool {
		ptes = append(ptes, p)
		return true
	})
	return ptes
}

// fullyMappedLocked returns the entries covering ar if every page in ar is
// mapped with at least the access at.
//
// Preconditions: as.mf.mu must be locked. ar is page-aligned.
func (as *AddressSpace) fullyMappedLocked(ar hostarch.AddrRange, at hostarch.AccessType, opts IOOpts) ([]*pte, bool) {
	ptes := as.entriesLocked(ar)
	if uint64(len(ptes)) != ar.Length()/hostarch.PageSize {
		return nil, false
	}
	if !opts.IgnorePermissions {
		for _, p := range ptes {
			if !p.perms.SupersetOf(at) {
				return nil, false
			}
		}
	}
	return ptes, true
}

// Map creates anonymous, zero-filled pages for ar with the given permissions.
// ar must not overlap existing mappings.
func (as *AddressSpace) Map(ar hostarch.AddrRange, perms hostarch.AccessType) error {
	if err := checkRange(ar); err != nil {
		return err
	}
	as.mf.mu.Lock()
	defer as.mf.mu.Unlock()
	if as.released {
		return minixerr.EFAULT
	}
	if len(as.entriesLocked(ar)) != 0 {
		return minixerr.EINVAL
	}
	var inserted []*pte
	cu := cleanup.Make(func() {
		for _, p := range inserted {
			as.removeLocked(p)
		}
	})
	defer cu.Clean()
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		f, err := as.mf.allocateLocked()
		if err != nil {
			return err
		}
		p := &pte{addr: addr, frame: f, perms: perms}
		as.pt.ReplaceOrInsert(p)
		inserted = append(inserted, p)
	}
	cu.Release()
	return nil
}

// Unmap removes all mappings in ar. Unmapping a range with no mappings is not
// an error.
func (as *AddressSpace) Unmap(ar hostarch.AddrRange) error {
	if err := checkRange(ar); err != nil {
		return err
	}
	as.mf.mu.Lock()
	defer as.mf.mu.Unlock()
	for _, p := range as.entriesLocked(ar) {
		as.removeLocked(p)
	}
	return nil
}

// removeLocked removes p from the page table and drops its frame reference.
//
// Preconditions: as.mf.mu must be locked.
func (as *AddressSpace) removeLocked(p *pte) {
	as.pt.Delete(p)
	if p.shared {
		p.frame.aliases--
	}
	as.mf.decRefLocked(p.frame)
	p.frame = nil
}

// Release unmaps everything. The address space cannot be used afterwards.
func (as *AddressSpace) Release() {
	as.mf.mu.Lock()
	defer as.mf.mu.Unlock()
	var ptes []*pte
	as.pt.Ascend(func(p *pte) bool {
		ptes = append(ptes, p)
		return true
	})
	for _, p := range ptes {
		as.removeLocked(p)
	}
	as.released = true
}

// CheckRange returns nil if every page overlapping [addr, addr+length) is
// mapped and permits at (subject to opts).
func (as *AddressSpace) CheckRange(addr hostarch.Addr, length uint64, at hostarch.AccessType, opts IOOpts) error {
	ar, ok := addr.ToRange(length)
	if !ok || length == 0 {
		return minixerr.EINVAL
	}
	as.mf.mu.Lock()
	defer as.mf.mu.Unlock()
	if _, ok := as.fullyMappedLocked(ar.RoundOut(), at, opts); !ok {
		return minixerr.EFAULT
	}
	return nil
}

// CopyIn copies len(dst) bytes from the address space starting at addr into
// dst.
func (as *AddressSpace) CopyIn(addr hostarch.Addr, dst []byte, opts IOOpts) (int, error) {
	as.mf.mu.Lock()
	defer as.mf.mu.Unlock()
	return as.copyInLocked(addr, dst, opts)
}

// copyInLocked implements CopyIn.
//
// Preconditions: as.mf.mu must be locked.
func (as *AddressSpace) copyInLocked(addr hostarch.Addr, dst []byte, opts IOOpts) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	ar, ok := addr.ToRange(uint64(len(dst)))
	if !ok {
		return 0, minixerr.EFAULT
	}
	ptes, ok := as.fullyMappedLocked(ar.RoundOut(), hostarch.Read, opts)
	if !ok {
		return 0, minixerr.EFAULT
	}
	done := 0
	for _, p := range ptes {
		off := uint64(0)
		if p.addr < addr {
			off = uint64(addr - p.addr)
		}
		done += copy(dst[done:], p.frame.data[off:])
	}
	return done, nil
}

// CopyOut copies src into the address space starting at addr. Copy-on-write
// entries are broken before they are written.
func (as *AddressSpace) CopyOut(addr hostarch.Addr, src []byte, opts IOOpts) (int, error) {
	as.mf.mu.Lock()
	defer as.mf.mu.Unlock()
	return as.copyOutLocked(addr, src, opts)
}

// copyOutLocked implements CopyOut. The copy is all or nothing: every page
// is made writable before any byte is written.
//
// Preconditions: as.mf.mu must be locked.
func (as *AddressSpace) copyOutLocked(addr hostarch.Addr, src []byte, opts IOOpts) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	ar, ok := addr.ToRange(uint64(len(src)))
	if !ok {
		return 0, minixerr.EFAULT
	}
	ptes, ok := as.fullyMappedLocked(ar.RoundOut(), hostarch.Write, opts)
	if !ok {
		return 0, minixerr.EFAULT
	}
	for _, p := range ptes {
		if err := as.breakCOWLocked(p); err != nil {
			return 0, err
		}
	}
	done := 0
	for _, p := range ptes {
		off := uint64(0)
		if p.addr < addr {
			off = uint64(addr - p.addr)
		}
		done += copy(p.frame.data[off:], src[done:])
	}
	return done, nil
}

// breakCOWLocked makes p exclusively writable. If p is the last reference to
// its frame, the frame is claimed without a copy.
//
// Preconditions: as.mf.mu must be locked.
func (as *AddressSpace) breakCOWLocked(p *pte) error {
	if !p.cow {
		return nil
	}
	if p.frame.refs == 1 {
		p.cow = false
		cowClaims.Increment()
		return nil
	}
	nf, err := as.mf.copyLocked(p.frame)
	if err != nil {
		return err
	}
	as.mf.decRefLocked(p.frame)
	p.frame = nf
	p.cow = false
	cowBreaks.Increment()
	return nil
}

// Fork returns a copy of the address space. Private pages become
// copy-on-write in both spaces; aliased frames are copied eagerly into the
// child so that the child observes their contents as of the fork.
func (as *AddressSpace) Fork() (*AddressSpace, error) {
	as.mf.mu.Lock()
	defer as.mf.mu.Unlock()
	if as.released {
		return nil, minixerr.EFAULT
	}
	child := as.mf.NewAddressSpace()
	cu := cleanup.Make(func() {
		var ptes []*pte
		child.pt.Ascend(func(p *pte) bool {
			ptes = append(ptes, p)
			return true
		})
		for _, p := range ptes {
			child.removeLocked(p)
		}
	})
	defer cu.Clean()

	var cowed []*pte
	var err error
	as.pt.Ascend(func(p *pte) bool {
		cp := &pte{addr: p.addr, perms: p.perms}
		if p.shared || p.frame.aliases > 0 {
			var nf *frame
			if nf, err = as.mf.copyLocked(p.frame); err != nil {
				return false
			}
			cp.frame = nf
			forkCopies.Increment()
		} else {
			p.frame.refs++
			cp.frame = p.frame
			cp.cow = true
			if !p.cow {
				cowed = append(cowed, p)
			}
		}
		child.pt.ReplaceOrInsert(cp)
		return true
	})
	if err != nil {
		return nil, err
	}
	for _, p := range cowed {
		p.cow = true
	}
	cu.Release()
	return child, nil
}

// Alias maps the pages of src covering srcAR into as at dst, so that both
// address spaces see the same frames. Existing mappings in as at the
// destination are replaced. Pages in src that are copy-on-write are made
// exclusive to src first, so that the alias never exposes a third address
// space's snapshot.
//
// The mapped pages permit reads, and writes if writable is true.
func (as *AddressSpace) Alias(dst hostarch.Addr, src *AddressSpace, srcAR hostarch.AddrRange, writable bool) error {
	if err := checkRange(srcAR); err != nil {
		return err
	}
	if !dst.IsPageAligned() {
		return minixerr.EINVAL
	}
	dstAR, ok := dst.ToRange(srcAR.Length())
	if !ok {
		return minixerr.EINVAL
	}
	if as.mf != src.mf {
		panic("aliasing across memory files")
	}
	if as == src && dstAR.Overlaps(srcAR) {
		return minixerr.EINVAL
	}

	as.mf.mu.Lock()
	defer as.mf.mu.Unlock()
	if as.released || src.released {
		return minixerr.EFAULT
	}
	sptes, ok := src.fullyMappedLocked(srcAR, hostarch.NoAccess, IOOpts{IgnorePermissions: true})
	if !ok {
		return minixerr.EFAULT
	}
	for _, p := range sptes {
		if p.shared {
			// Aliases of aliases would make revocation of the first
			// alias invisible to the second.
			return minixerr.EFAULT
		}
	}
	// Breaking COW early is not visible to src, so it needs no rollback.
	for _, p := range sptes {
		if err := src.breakCOWLocked(p); err != nil {
			return err
		}
	}

	for _, p := range as.entriesLocked(dstAR) {
		as.removeLocked(p)
	}
	perms := hostarch.Read
	if writable {
		perms = hostarch.ReadWrite
	}
	for i, sp := range sptes {
		sp.frame.refs++
		sp.frame.aliases++
		as.pt.ReplaceOrInsert(&pte{
			addr:   dst + hostarch.Addr(uint64(i)*hostarch.PageSize),
			frame:  sp.frame,
			perms:  perms,
			shared: true,
		})
	}
	return nil
}

// BreakSharing converts every alias in ar into a private page holding the
// frame's current contents. An alias that is the frame's last reference
// claims the frame, otherwise the frame is copied. It never fails: if no
// frame can be allocated for the copy, the alias is unmapped instead. It
// returns the number of pages that were privatized and the number that were
// unmapped.
func (as *AddressSpace) BreakSharing(ar hostarch.AddrRange) (copied, dropped int) {
	if checkRange(ar) != nil {
		return 0, 0
	}
	as.mf.mu.Lock()
	defer as.mf.mu.Unlock()
	for _, p := range as.entriesLocked(ar) {
		if !p.shared {
			continue
		}
		if p.frame.refs == 1 {
			p.frame.aliases--
			p.shared = false
			sharingBreaks.Increment()
			copied++
			continue
		}
		nf, err := as.mf.copyLocked(p.frame)
		if err != nil {
			log.Warningf("Out of frames privatizing %v, unmapping it", p.addr)
			as.removeLocked(p)
			dropped++
			continue
		}
		p.frame.aliases--
		as.mf.decRefLocked(p.frame)
		p.frame = nf
		p.shared = false
		sharingBreaks.Increment()
		copied++
	}
	return copied, dropped
}

// Lookup returns information about the page containing addr.
func (as *AddressSpace) Lookup(addr hostarch.Addr) (PageInfo, bool) {
	as.mf.mu.Lock()
	defer as.mf.mu.Unlock()
	p, ok := as.pt.Get(&pte{addr: addr.RoundDown()})
	if !ok {
		return PageInfo{}, false
	}
	return PageInfo{
		Perms:  p.perms,
		COW:    p.cow,
		Shared: p.shared,
		Refs:   p.frame.refs,
		Frame:  p.frame.id,
	}, true
}

// MappedPages returns the number of mapped pages.
func (as *AddressSpace) MappedPages() int {
	as.mf.mu.Lock()
	defer as.mf.mu.Unlock()
	return as.pt.Len()
}

// String implements fmt.Stringer.String.
func (as *AddressSpace) String() string {
	return fmt.Sprintf("AddressSpace(%p)", as)
}
