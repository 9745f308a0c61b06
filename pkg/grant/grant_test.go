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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/abi/minix"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/endpoint"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/errors/minixerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/vm"
)

const (
	base  hostarch.Addr = 0x10000
	pages               = 4
)

type testMemory struct {
	mf     *vm.MemoryFile
	spaces map[endpoint.Endpoint]*vm.AddressSpace
}

func (m *testMemory) AddressSpace(ep endpoint.Endpoint) (Space, bool) {
	as, ok := m.spaces[ep]
	if !ok {
		return nil, false
	}
	return as, true
}

func (m *testMemory) Share(consumer endpoint.Endpoint, dst hostarch.Addr, owner endpoint.Endpoint, srcAR hostarch.AddrRange, writable bool) error {
	return m.spaces[consumer].Alias(dst, m.spaces[owner], srcAR, writable)
}

type fixture struct {
	procs  *endpoint.Table
	mem    *testMemory
	grants *Table

	owner    endpoint.Endpoint
	consumer endpoint.Endpoint
	other    endpoint.Endpoint
}

func newFixture(t *testing.T, perOwner int) *fixture {
	t.Helper()
	f := &fixture{
		procs: endpoint.NewTable(8),
		mem: &testMemory{
			mf:     vm.NewMemoryFile(64),
			spaces: make(map[endpoint.Endpoint]*vm.AddressSpace),
		},
	}
	f.grants = NewTable(f.procs, f.mem, perOwner)
	for _, ep := range []*endpoint.Endpoint{&f.owner, &f.consumer, &f.other} {
		p, err := f.procs.Spawn("test")
		if err != nil {
			t.Fatalf("Spawn failed: %v", err)
		}
		as := f.mem.mf.NewAddressSpace()
		if err := as.Map(hostarch.AddrRange{Start: base, End: base + pages*hostarch.PageSize}, hostarch.ReadWrite); err != nil {
			t.Fatalf("Map failed: %v", err)
		}
		f.mem.spaces[p.Endpoint] = as
		*ep = p.Endpoint
	}
	return f
}

func (f *fixture) write(t *testing.T, ep endpoint.Endpoint, addr hostarch.Addr, b byte) {
	t.Helper()
	if _, err := f.mem.spaces[ep].CopyOut(addr, []byte{b}, vm.IOOpts{}); err != nil {
		t.Fatalf("%v: write at %v failed: %v", ep, addr, err)
	}
}

func (f *fixture) read(t *testing.T, ep endpoint.Endpoint, addr hostarch.Addr) byte {
	t.Helper()
	var b [1]byte
	if _, err := f.mem.spaces[ep].CopyIn(addr, b[:], vm.IOOpts{}); err != nil {
		t.Fatalf("%v: read at %v failed: %v", ep, addr, err)
	}
	return b[0]
}

func (f *fixture) create(t *testing.T, target endpoint.Endpoint, perms Perm) ID {
	t.Helper()
	id, err := f.grants.Create(f.owner, target, base, pages*hostarch.PageSize, perms)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return id
}

func (f *fixture) safeMap(id ID, writable bool) error {
	return f.grants.SafeMap(MapRequest{
		Consumer: f.consumer,
		Owner:    f.owner,
		ID:       id,
		Addr:     base,
		Length:   hostarch.PageSize,
		Seg:      minix.SEG_D,
		Writable: writable,
	})
}

func TestPermValid(t *testing.T) {
	for _, tc := range []struct {
		perms Perm
		valid bool
	}{
		{0, false},
		{PermRead, true},
		{PermWrite, false},
		{PermMap, false},
		{PermRead | PermWrite, true},
		{PermRead | PermMap, true},
		{PermWrite | PermMap, false},
		{PermRead | PermWrite | PermMap, true},
		{PermRead | 0x10, false},
	} {
		if got := tc.perms.Valid(); got != tc.valid {
			t.Errorf("%v.Valid() = %t, want %t", tc.perms, got, tc.valid)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, 16)
	for _, tc := range []struct {
		name   string
		target endpoint.Endpoint
		base   hostarch.Addr
		length uint64
		perms  Perm
		want   error
	}{
		{"zero length", f.consumer, base, 0, PermRead, minixerr.EINVAL},
		{"no perms", f.consumer, base, 1, 0, minixerr.EINVAL},
		{"write without read", f.consumer, base, 1, PermWrite, minixerr.EINVAL},
		{"map without read", f.consumer, base, 1, PermMap, minixerr.EINVAL},
		{"overflow", f.consumer, ^hostarch.Addr(0) - 10, 100, PermRead, minixerr.EINVAL},
		{"unknown target", endpoint.Make(3, 7), base, 1, PermRead, minixerr.ESRCH},
		{"any", endpoint.Any, base, 1, PermRead, nil},
		{"ok", f.consumer, base, 1, PermRead | PermWrite | PermMap, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			id, err := f.grants.Create(f.owner, tc.target, tc.base, tc.length, tc.perms)
			if err != tc.want {
				t.Fatalf("Create got err %v, want %v", err, tc.want)
			}
			if err != nil && id != Invalid {
				t.Errorf("Create failed but returned id %d", id)
			}
		})
	}
}

func TestCreateExhaustion(t *testing.T) {
	f := newFixture(t, 2)
	a := f.create(t, f.consumer, PermRead)
	b := f.create(t, f.consumer, PermRead)
	if _, err := f.grants.Create(f.owner, f.consumer, base, 1, PermRead); err != minixerr.ENOMEM {
		t.Fatalf("Create on full table got %v, want ENOMEM", err)
	}
	// Another owner's table is unaffected.
	if _, err := f.grants.Create(f.other, f.consumer, base, 1, PermRead); err != nil {
		t.Fatalf("Create for another owner failed: %v", err)
	}
	if err := f.grants.Destroy(f.owner, a); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	c := f.create(t, f.consumer, PermRead)
	if c == a || c == b {
		t.Errorf("Create reused id %d", c)
	}
	if _, err := f.grants.Lookup(f.owner, a); err != minixerr.ENOENT {
		t.Errorf("Lookup of destroyed grant got %v, want ENOENT", err)
	}
	if err := f.grants.Destroy(f.owner, a); err != minixerr.ENOENT {
		t.Errorf("second Destroy got %v, want ENOENT", err)
	}
}

func TestLookup(t *testing.T) {
	f := newFixture(t, 16)
	id := f.create(t, f.consumer, PermRead|PermMap)
	if err := f.safeMap(id, false); err != nil {
		t.Fatalf("SafeMap failed: %v", err)
	}
	got, err := f.grants.Lookup(f.owner, id)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	want := Info{
		ID:     id,
		Owner:  f.owner,
		Target: f.consumer,
		Kind:   Direct,
		State:  Active,
		Perms:  PermRead | PermMap,
		Base:   base,
		Length: pages * hostarch.PageSize,
		Mappings: []MappingInfo{
			{Consumer: f.consumer, Addr: base, Length: hostarch.PageSize},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Lookup mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Info{want}, f.grants.Grants(f.owner)); diff != "" {
		t.Errorf("Grants mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]endpoint.Endpoint{f.owner}, f.grants.Owners()); diff != "" {
		t.Errorf("Owners mismatch (-want +got):\n%s", diff)
	}
}

func TestSafeCopy(t *testing.T) {
	f := newFixture(t, 16)
	rw := f.create(t, f.consumer, PermRead|PermWrite)
	ro := f.create(t, f.consumer, PermRead)
	f.write(t, f.owner, base+hostarch.PageSize+5, 'a')

	req := CopyRequest{
		Consumer: f.consumer,
		Owner:    f.owner,
		ID:       rw,
		Offset:   hostarch.PageSize + 5,
		Addr:     base + 3,
		Length:   1,
		Seg:      minix.SEG_D,
	}
	if err := f.grants.SafeCopyFrom(req); err != nil {
		t.Fatalf("SafeCopyFrom failed: %v", err)
	}
	if got := f.read(t, f.consumer, base+3); got != 'a' {
		t.Errorf("consumer read %q after SafeCopyFrom, want 'a'", got)
	}

	f.write(t, f.consumer, base+3, 'b')
	if err := f.grants.SafeCopyTo(req); err != nil {
		t.Fatalf("SafeCopyTo failed: %v", err)
	}
	if got := f.read(t, f.owner, base+hostarch.PageSize+5); got != 'b' {
		t.Errorf("owner read %q after SafeCopyTo, want 'b'", got)
	}

	for _, tc := range []struct {
		name string
		mod  func(*CopyRequest)
		to   bool
		want error
	}{
		{"read-only grant", func(r *CopyRequest) { r.ID = ro }, true, minixerr.EPERM},
		{"wrong consumer", func(r *CopyRequest) { r.Consumer = f.other }, false, minixerr.EPERM},
		{"unknown grant", func(r *CopyRequest) { r.ID = 99 }, false, minixerr.ENOENT},
		{"unknown owner", func(r *CopyRequest) { r.Owner = endpoint.Make(5, 5) }, false, minixerr.ESRCH},
		{"past end", func(r *CopyRequest) { r.Offset = pages*hostarch.PageSize - 1; r.Length = 2 }, false, minixerr.EINVAL},
		{"zero length", func(r *CopyRequest) { r.Length = 0 }, false, minixerr.EINVAL},
		{"bad segment", func(r *CopyRequest) { r.Seg = minix.SEG_T }, false, minixerr.EINVAL},
		{"unmapped destination", func(r *CopyRequest) { r.Addr = 0x1000 }, false, minixerr.EFAULT},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := req
			tc.mod(&r)
			var err error
			if tc.to {
				err = f.grants.SafeCopyTo(r)
			} else {
				err = f.grants.SafeCopyFrom(r)
			}
			if err != tc.want {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSafeCopyHugeGrant(t *testing.T) {
	f := newFixture(t, 16)
	const huge = 1 << 49
	id, err := f.grants.Create(f.owner, f.consumer, base, huge, PermRead|PermWrite)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	req := CopyRequest{
		Consumer: f.consumer,
		Owner:    f.owner,
		ID:       id,
		Addr:     base,
		Length:   huge,
		Seg:      minix.SEG_D,
	}
	if err := f.grants.SafeCopyFrom(req); err != minixerr.EFAULT {
		t.Errorf("SafeCopyFrom of an unmapped region got %v, want EFAULT", err)
	}
	if err := f.grants.SafeCopyTo(req); err != minixerr.EFAULT {
		t.Errorf("SafeCopyTo of an unmapped region got %v, want EFAULT", err)
	}

	// Owner memory is mapped, the consumer's is not.
	req.Length = pages * hostarch.PageSize
	req.Addr = 0x40000000
	if err := f.grants.SafeCopyFrom(req); err != minixerr.EFAULT {
		t.Errorf("SafeCopyFrom into unmapped consumer memory got %v, want EFAULT", err)
	}
}

func TestSafeMapShares(t *testing.T) {
	f := newFixture(t, 16)
	id := f.create(t, f.consumer, PermRead|PermWrite|PermMap)
	f.write(t, f.owner, base, 1)
	if err := f.safeMap(id, true); err != nil {
		t.Fatalf("SafeMap failed: %v", err)
	}
	if got := f.read(t, f.consumer, base); got != 1 {
		t.Errorf("consumer read %d after SafeMap, want 1", got)
	}
	f.write(t, f.consumer, base, 2)
	if got := f.read(t, f.owner, base); got != 2 {
		t.Errorf("owner read %d after consumer write, want 2", got)
	}
	f.write(t, f.owner, base, 3)
	if got := f.read(t, f.consumer, base); got != 3 {
		t.Errorf("consumer read %d after owner write, want 3", got)
	}
	// Unmapped pages of the consumer are untouched.
	if got := f.read(t, f.consumer, base+hostarch.PageSize); got != 0 {
		t.Errorf("consumer read %d from next page, want 0", got)
	}
}

func TestSafeMapValidation(t *testing.T) {
	f := newFixture(t, 16)
	full := f.create(t, f.consumer, PermRead|PermWrite|PermMap)
	noMap := f.create(t, f.consumer, PermRead|PermWrite)
	roMap := f.create(t, f.consumer, PermRead|PermMap)
	unmapped, err := f.grants.Create(f.owner, f.consumer, 0x100000, hostarch.PageSize, PermRead|PermMap)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	req := MapRequest{
		Consumer: f.consumer,
		Owner:    f.owner,
		ID:       full,
		Addr:     base,
		Length:   hostarch.PageSize,
		Seg:      minix.SEG_D,
	}
	for _, tc := range []struct {
		name string
		mod  func(*MapRequest)
		want error
	}{
		{"no map permission", func(r *MapRequest) { r.ID = noMap }, minixerr.EPERM},
		{"writable without write permission", func(r *MapRequest) { r.ID = roMap; r.Writable = true }, minixerr.EPERM},
		{"wrong consumer", func(r *MapRequest) { r.Consumer = f.other }, minixerr.EPERM},
		{"unaligned offset", func(r *MapRequest) { r.Offset = 12 }, minixerr.EINVAL},
		{"unaligned address", func(r *MapRequest) { r.Addr = base + 12 }, minixerr.EINVAL},
		{"unaligned length", func(r *MapRequest) { r.Length = 100 }, minixerr.EINVAL},
		{"past end", func(r *MapRequest) { r.Offset = hostarch.PageSize; r.Length = pages * hostarch.PageSize }, minixerr.EINVAL},
		{"bad segment", func(r *MapRequest) { r.Seg = minix.SEG_S }, minixerr.EINVAL},
		{"unknown grant", func(r *MapRequest) { r.ID = 1000 }, minixerr.ENOENT},
		{"owner memory unmapped", func(r *MapRequest) { r.ID = unmapped }, minixerr.EFAULT},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := req
			tc.mod(&r)
			if err := f.grants.SafeMap(r); err != tc.want {
				t.Errorf("SafeMap got %v, want %v", err, tc.want)
			}
		})
	}
	if n := len(f.grants.Mappings(f.consumer)); n != 0 {
		t.Errorf("failed SafeMaps left %d mappings", n)
	}

	if err := f.grants.SafeMap(req); err != nil {
		t.Fatalf("SafeMap failed: %v", err)
	}
	if err := f.grants.SafeMap(req); err != minixerr.EBUSY {
		t.Errorf("SafeMap over existing mapping got %v, want EBUSY", err)
	}
}

func TestSafeUnmap(t *testing.T) {
	f := newFixture(t, 16)
	id := f.create(t, f.consumer, PermRead|PermMap)
	if err := f.grants.SafeUnmap(f.consumer, minix.SEG_D, base); err != minixerr.ENOENT {
		t.Fatalf("SafeUnmap without mapping got %v, want ENOENT", err)
	}
	if err := f.safeMap(id, false); err != nil {
		t.Fatalf("SafeMap failed: %v", err)
	}
	if err := f.grants.SafeUnmap(f.consumer, minix.SEG_D, base); err != nil {
		t.Fatalf("SafeUnmap failed: %v", err)
	}
	if _, ok := f.mem.spaces[f.consumer].Lookup(base); ok {
		t.Errorf("page still mapped after SafeUnmap")
	}
	info, err := f.grants.Lookup(f.owner, id)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.State != Active || len(info.Mappings) != 0 {
		t.Errorf("after SafeUnmap got state %v with %d mappings, want active with none", info.State, len(info.Mappings))
	}
	// The grant remains usable.
	if err := f.safeMap(id, false); err != nil {
		t.Errorf("SafeMap after SafeUnmap failed: %v", err)
	}
}

func TestRevokeMappings(t *testing.T) {
	f := newFixture(t, 16)
	id := f.create(t, f.consumer, PermRead|PermWrite|PermMap)
	f.write(t, f.owner, base, 1)
	if err := f.safeMap(id, true); err != nil {
		t.Fatalf("SafeMap failed: %v", err)
	}
	if err := f.grants.RevokeMappings(f.owner, id); err != nil {
		t.Fatalf("RevokeMappings failed: %v", err)
	}

	// The consumer keeps what it saw, but no longer shares.
	if got := f.read(t, f.consumer, base); got != 1 {
		t.Errorf("consumer read %d after revoke, want 1", got)
	}
	f.write(t, f.owner, base, 2)
	if got := f.read(t, f.consumer, base); got != 1 {
		t.Errorf("consumer read %d after owner write, want 1", got)
	}
	f.write(t, f.consumer, base, 3)
	if got := f.read(t, f.owner, base); got != 2 {
		t.Errorf("owner read %d after consumer write, want 2", got)
	}

	if err := f.grants.RevokeMappings(f.owner, id); err != minixerr.ENOENT {
		t.Errorf("second RevokeMappings got %v, want ENOENT", err)
	}
	if err := f.safeMap(id, false); err != minixerr.ENOENT {
		t.Errorf("SafeMap of revoked grant got %v, want ENOENT", err)
	}
	err := f.grants.SafeCopyFrom(CopyRequest{Consumer: f.consumer, Owner: f.owner, ID: id, Addr: base, Length: 1, Seg: minix.SEG_D})
	if err != minixerr.ENOENT {
		t.Errorf("SafeCopyFrom of revoked grant got %v, want ENOENT", err)
	}

	info, err := f.grants.Lookup(f.owner, id)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.State != Revoked || info.Epoch != 1 || len(info.Mappings) != 0 {
		t.Errorf("Lookup after revoke got %+v", info)
	}
	want := []MappingInfo{{Consumer: f.consumer, Addr: base, Length: hostarch.PageSize, Writable: true, Private: true}}
	if diff := cmp.Diff(want, f.grants.Mappings(f.consumer)); diff != "" {
		t.Errorf("Mappings mismatch (-want +got):\n%s", diff)
	}
	// A privatized mapping can still be unmapped.
	if err := f.grants.SafeUnmap(f.consumer, minix.SEG_D, base); err != nil {
		t.Errorf("SafeUnmap of privatized mapping failed: %v", err)
	}
}

func TestRevokeMappingsAt(t *testing.T) {
	f := newFixture(t, 16)
	first, err := f.grants.Create(f.owner, f.consumer, base, hostarch.PageSize, PermRead)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := f.grants.Create(f.owner, f.consumer, base+hostarch.PageSize, hostarch.PageSize, PermRead)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := f.grants.RevokeMappingsAt(f.owner, base+hostarch.PageSize+10); err != nil {
		t.Fatalf("RevokeMappingsAt failed: %v", err)
	}
	for _, tc := range []struct {
		id   ID
		want State
	}{{first, Active}, {second, Revoked}} {
		info, err := f.grants.Lookup(f.owner, tc.id)
		if err != nil {
			t.Fatalf("Lookup(%d) failed: %v", tc.id, err)
		}
		if info.State != tc.want {
			t.Errorf("grant %d state %v, want %v", tc.id, info.State, tc.want)
		}
	}
	if err := f.grants.RevokeMappingsAt(f.owner, base+hostarch.PageSize); err != minixerr.ENOENT {
		t.Errorf("RevokeMappingsAt of revoked region got %v, want ENOENT", err)
	}
	if err := f.grants.RevokeMappingsAt(f.consumer, base); err != minixerr.ENOENT {
		t.Errorf("RevokeMappingsAt without grants got %v, want ENOENT", err)
	}
}

func TestIndirect(t *testing.T) {
	f := newFixture(t, 16)
	// owner -> other -> consumer
	direct, err := f.grants.Create(f.owner, f.other, base, pages*hostarch.PageSize, PermRead|PermMap)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	indirect, err := f.grants.CreateIndirect(f.other, f.consumer, f.owner, direct)
	if err != nil {
		t.Fatalf("CreateIndirect failed: %v", err)
	}
	f.write(t, f.owner, base+7, 'x')

	req := CopyRequest{Consumer: f.consumer, Owner: f.other, ID: indirect, Offset: 7, Addr: base, Length: 1, Seg: minix.SEG_D}
	if err := f.grants.SafeCopyFrom(req); err != nil {
		t.Fatalf("SafeCopyFrom through indirect grant failed: %v", err)
	}
	if got := f.read(t, f.consumer, base); got != 'x' {
		t.Errorf("consumer read %q, want 'x'", got)
	}
	// Permissions are the intersection along the chain.
	if err := f.grants.SafeCopyTo(req); err != minixerr.EPERM {
		t.Errorf("SafeCopyTo through read-only chain got %v, want EPERM", err)
	}
	// The consumer may not use the direct grant itself.
	direct2 := req
	direct2.Owner, direct2.ID = f.owner, direct
	if err := f.grants.SafeCopyFrom(direct2); err != minixerr.EPERM {
		t.Errorf("SafeCopyFrom of foreign grant got %v, want EPERM", err)
	}

	m := MapRequest{Consumer: f.consumer, Owner: f.other, ID: indirect, Addr: base + hostarch.PageSize, Length: hostarch.PageSize, Seg: minix.SEG_D}
	if err := f.grants.SafeMap(m); err != nil {
		t.Fatalf("SafeMap through indirect grant failed: %v", err)
	}
	if got := f.read(t, f.consumer, base+hostarch.PageSize+7); got != 'x' {
		t.Errorf("consumer read %q through mapping, want 'x'", got)
	}

	// Revoking the forwarded grant breaks the chain and the mapping.
	if err := f.grants.RevokeMappings(f.owner, direct); err != nil {
		t.Fatalf("RevokeMappings failed: %v", err)
	}
	if err := f.grants.SafeCopyFrom(req); err != minixerr.ENOENT {
		t.Errorf("SafeCopyFrom through revoked chain got %v, want ENOENT", err)
	}
	f.write(t, f.owner, base+7, 'y')
	if got := f.read(t, f.consumer, base+hostarch.PageSize+7); got != 'x' {
		t.Errorf("consumer read %q after revoke, want 'x'", got)
	}
}

func TestIndirectLoop(t *testing.T) {
	f := newFixture(t, 16)
	// Two indirect grants of other that forward each other.
	a, err := f.grants.CreateIndirect(f.other, f.other, f.other, 1)
	if err != nil {
		t.Fatalf("CreateIndirect failed: %v", err)
	}
	b, err := f.grants.CreateIndirect(f.other, f.other, f.other, a)
	if err != nil {
		t.Fatalf("CreateIndirect failed: %v", err)
	}
	if b != 1 {
		t.Fatalf("second grant got id %d, want 1", b)
	}
	err = f.grants.SafeCopyFrom(CopyRequest{Consumer: f.other, Owner: f.other, ID: a, Addr: base, Length: 1, Seg: minix.SEG_D})
	if err != minixerr.EPERM {
		t.Errorf("SafeCopyFrom through loop got %v, want EPERM", err)
	}
}

func TestDestroyAllFor(t *testing.T) {
	f := newFixture(t, 16)
	id := f.create(t, f.consumer, PermRead|PermWrite|PermMap)
	f.write(t, f.owner, base, 4)
	if err := f.safeMap(id, true); err != nil {
		t.Fatalf("SafeMap failed: %v", err)
	}
	f.grants.DestroyAllFor(f.owner)

	if _, err := f.grants.Lookup(f.owner, id); err != minixerr.ENOENT {
		t.Errorf("Lookup after DestroyAllFor got %v, want ENOENT", err)
	}
	if owners := f.grants.Owners(); len(owners) != 0 {
		t.Errorf("Owners after DestroyAllFor = %v, want none", owners)
	}
	f.write(t, f.owner, base, 5)
	if got := f.read(t, f.consumer, base); got != 4 {
		t.Errorf("consumer read %d after owner teardown, want 4", got)
	}

	f.grants.DestroyAllFor(f.consumer)
	if ms := f.grants.Mappings(f.consumer); len(ms) != 0 {
		t.Errorf("Mappings after consumer teardown = %+v, want none", ms)
	}
}

func TestPrivatizeOwner(t *testing.T) {
	f := newFixture(t, 16)
	id := f.create(t, endpoint.Any, PermRead|PermMap)
	if err := f.safeMap(id, false); err != nil {
		t.Fatalf("SafeMap failed: %v", err)
	}
	if n := f.grants.PrivatizeOwner(f.owner); n != 1 {
		t.Errorf("PrivatizeOwner = %d, want 1", n)
	}
	if pi, _ := f.mem.spaces[f.consumer].Lookup(base); pi.Shared {
		t.Errorf("consumer page still shared after PrivatizeOwner")
	}
	// The grant is still active and may be mapped again elsewhere.
	r := MapRequest{Consumer: f.consumer, Owner: f.owner, ID: id, Addr: base + hostarch.PageSize, Length: hostarch.PageSize, Seg: minix.SEG_D}
	if err := f.grants.SafeMap(r); err != nil {
		t.Errorf("SafeMap after PrivatizeOwner failed: %v", err)
	}
}

func TestForgetMappings(t *testing.T) {
	f := newFixture(t, 16)
	id := f.create(t, f.consumer, PermRead|PermMap)
	r := MapRequest{Consumer: f.consumer, Owner: f.owner, ID: id, Addr: base, Length: 2 * hostarch.PageSize, Seg: minix.SEG_D}
	if err := f.grants.SafeMap(r); err != nil {
		t.Fatalf("SafeMap failed: %v", err)
	}
	f.grants.ForgetMappings(f.consumer, hostarch.AddrRange{Start: base, End: base + hostarch.PageSize})
	if ms := f.grants.Mappings(f.consumer); len(ms) != 0 {
		t.Errorf("Mappings after ForgetMappings = %+v, want none", ms)
	}
	// The page outside the forgotten range is private now.
	if pi, _ := f.mem.spaces[f.consumer].Lookup(base + hostarch.PageSize); pi.Shared {
		t.Errorf("remaining page still shared after ForgetMappings")
	}
}

func TestConcurrentCopyAndRevoke(t *testing.T) {
	f := newFixture(t, 16)
	id := f.create(t, f.consumer, PermRead)
	f.write(t, f.owner, base, 9)

	errs := make(chan error, 100)
	for i := 0; i < cap(errs); i++ {
		go func() {
			errs <- f.grants.SafeCopyFrom(CopyRequest{Consumer: f.consumer, Owner: f.owner, ID: id, Addr: base, Length: 1, Seg: minix.SEG_D})
		}()
	}
	if err := f.grants.RevokeMappings(f.owner, id); err != nil {
		t.Fatalf("RevokeMappings failed: %v", err)
	}
	for i := 0; i < cap(errs); i++ {
		if err := <-errs; err != nil && err != minixerr.ENOENT {
			t.Errorf("SafeCopyFrom got %v, want nil or ENOENT", err)
		}
	}
	if err := f.grants.SafeCopyFrom(CopyRequest{Consumer: f.consumer, Owner: f.owner, ID: id, Addr: base, Length: 1, Seg: minix.SEG_D}); err != minixerr.ENOENT {
		t.Errorf("SafeCopyFrom after revoke got %v, want ENOENT", err)
	}
}
