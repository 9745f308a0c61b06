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

// Package vm simulates the virtual memory subsystem that grants are layered
// on: a pool of reference-counted page frames and per-process address spaces
// whose page tables map page addresses to frames.
//
// A page table entry maps its page in one of three ways:
//
//   - Exclusively: the frame is referenced by this entry only, or by other
//     entries that are all copy-on-write.
//   - Copy-on-write: the frame may be referenced by other address spaces.
//     The first write through the entry copies the frame, unless the entry
//     turns out to hold the last reference, in which case the frame is
//     claimed without a copy.
//   - Shared: the entry aliases a frame owned by another address space.
//     Writes through either side are visible to the other until the sharing
//     is broken.
//
// Frames that are aliased are never made copy-on-write: a fork gives the
// child an eager private copy of them instead, so that writes through a
// live alias cannot leak into a copy-on-write snapshot.
//
// Lock order: MemoryFile.mu protects every frame and every page table
// created from the MemoryFile.
package vm

import (
	"fmt"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/errors/minixerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/metric"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/sync"
)

var (
	cowBreaks     = metric.MustCreateNewUint64Metric("/vm/cow_breaks", "Number of copy-on-write faults that copied a frame.")
	cowClaims     = metric.MustCreateNewUint64Metric("/vm/cow_claims", "Number of copy-on-write faults resolved by claiming the last reference.")
	sharingBreaks = metric.MustCreateNewUint64Metric("/vm/sharing_breaks", "Number of aliased pages converted to private copies.")
	forkCopies    = metric.MustCreateNewUint64Metric("/vm/fork_copies", "Number of aliased pages copied eagerly on fork.")
)

// frame is a page of simulated physical memory.
type frame struct {
	// id identifies the frame for debugging. Immutable.
	id uint64

	// data is the page contents.
	data []byte

	// refs is the number of page table entries referencing the frame.
	refs int

	// aliases is the number of shared page table entries referencing the
	// frame.
	aliases int
}

// MemoryFile is the pool of frames backing all address spaces.
type MemoryFile struct {
	// mu protects all frames and all page tables of address spaces created
	// by NewAddressSpace.
	mu sync.Mutex

	// capacity is the maximum number of frames. Immutable.
	capacity uint64

	// used is the number of frames currently allocated.
	used uint64

	// lastID is the id assigned to the last allocated frame.
	lastID uint64
}

// NewMemoryFile returns a MemoryFile that can hold up to pages frames.
func NewMemoryFile(pages uint64) *MemoryFile {
	if pages == 0 {
		panic("MemoryFile with no frames")
	}
	return &MemoryFile{capacity: pages}
}

// Usage returns the number of allocated frames and the capacity.
func (mf *MemoryFile) Usage() (used, capacity uint64) {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.used, mf.capacity
}

// allocateLocked returns a new zeroed frame with a single reference.
//
// Preconditions: mf.mu must be locked.
func (mf *MemoryFile) allocateLocked() (*frame, error) {
	if mf.used >= mf.capacity {
		return nil, minixerr.ENOMEM
	}
	mf.used++
	mf.lastID++
	return &frame{
		id:   mf.lastID,
		data: make([]byte, hostarch.PageSize),
		refs: 1,
	}, nil
}

// copyLocked returns a new frame holding a copy of f.
//
// Preconditions: mf.mu must be locked.
func (mf *MemoryFile) copyLocked(f *frame) (*frame, error) {
	nf, err := mf.allocateLocked()
	if err != nil {
		return nil, err
	}
	copy(nf.data, f.data)
	return nf, nil
}

// decRefLocked drops a reference on f, freeing it when none remain.
//
// Preconditions: mf.mu must be locked.
func (mf *MemoryFile) decRefLocked(f *frame) {
	if f.refs <= 0 {
		panic(fmt.Sprintf("frame %d has refs %d", f.id, f.refs))
	}
	f.refs--
	if f.refs == 0 {
		mf.used--
		f.data = nil
	}
}
