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

package kernel

import (
	"fmt"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/cleanup"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/endpoint"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/errors/minixerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/grant"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/vm"
)

// Proc is the kernel call interface of one process. A Proc outlives its
// process; once the process has exited, every call fails with ESRCH.
type Proc struct {
	k  *Kernel
	ep endpoint.Endpoint
}

// Endpoint returns the endpoint of p.
func (p *Proc) Endpoint() endpoint.Endpoint {
	return p.ep
}

// String implements fmt.Stringer.String.
func (p *Proc) String() string {
	return fmt.Sprintf("proc %v", p.ep)
}

// enter checks that p may issue kernel calls.
func (p *Proc) enter(call string) error {
	pr, ok := p.k.procs.Resolve(p.ep)
	if !ok {
		return minixerr.ESRCH
	}
	if !pr.Allowed() {
		callsDenied.Increment()
		deniedLog.Warningf("%v: %s denied, process is not allowed yet", p.ep, call)
		return minixerr.ECALLDENIED
	}
	return nil
}

// done records the outcome of a kernel call.
func (p *Proc) done(call string, err error) error {
	if err != nil {
		callsFailed.Increment()
		log.Debugf("%v: %s: %v", p.ep, call, err)
	}
	return err
}

// resolve translates SELF.
func (p *Proc) resolve(ep endpoint.Endpoint) endpoint.Endpoint {
	if ep == endpoint.Self {
		return p.ep
	}
	return ep
}

// space returns the address space of p.
func (p *Proc) space() (*vm.AddressSpace, error) {
	as := p.k.space(p.ep)
	if as == nil {
		return nil, minixerr.ESRCH
	}
	return as, nil
}

// Mmap maps length bytes of fresh zeroed memory at addr.
func (p *Proc) Mmap(addr hostarch.Addr, length uint64, at hostarch.AccessType) error {
	if err := p.enter("mmap"); err != nil {
		return err
	}
	as, err := p.space()
	if err != nil {
		return p.done("mmap", err)
	}
	ar, ok := addr.ToRange(length)
	if !ok {
		return p.done("mmap", minixerr.EINVAL)
	}
	return p.done("mmap", as.Map(ar, at))
}

// Munmap unmaps the pages in [addr, addr+length). Safe mappings in the range
// are forgotten; any of their pages outside the range become private.
func (p *Proc) Munmap(addr hostarch.Addr, length uint64) error {
	if err := p.enter("munmap"); err != nil {
		return err
	}
	as, err := p.space()
	if err != nil {
		return p.done("munmap", err)
	}
	ar, ok := addr.ToRange(length)
	if !ok || !ar.IsPageAligned() {
		return p.done("munmap", minixerr.EINVAL)
	}
	p.k.grants.ForgetMappings(p.ep, ar)
	return p.done("munmap", as.Unmap(ar))
}

// Read reads n bytes of p's memory at addr, as p itself would.
func (p *Proc) Read(addr hostarch.Addr, n int) ([]byte, error) {
	as, err := p.space()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := as.CopyIn(addr, buf, vm.IOOpts{}); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write writes data into p's memory at addr, as p itself would.
func (p *Proc) Write(addr hostarch.Addr, data []byte) error {
	as, err := p.space()
	if err != nil {
		return err
	}
	_, err = as.CopyOut(addr, data, vm.IOOpts{})
	return err
}

// GrantDirect implements cpf_grant_direct.
func (p *Proc) GrantDirect(target endpoint.Endpoint, addr hostarch.Addr, length uint64, perms grant.Perm) (grant.ID, error) {
	if err := p.enter("cpf_grant_direct"); err != nil {
		return grant.Invalid, err
	}
	id, err := p.k.grants.Create(p.ep, p.resolve(target), addr, length, perms)
	return id, p.done("cpf_grant_direct", err)
}

// GrantIndirect implements cpf_grant_indirect: it passes the grant (from,
// gid), which p may use, on to target.
func (p *Proc) GrantIndirect(target, from endpoint.Endpoint, gid grant.ID) (grant.ID, error) {
	if err := p.enter("cpf_grant_indirect"); err != nil {
		return grant.Invalid, err
	}
	id, err := p.k.grants.CreateIndirect(p.ep, p.resolve(target), p.resolve(from), gid)
	return id, p.done("cpf_grant_indirect", err)
}

// RevokeGrant implements cpf_revoke: it destroys one of p's grants.
func (p *Proc) RevokeGrant(gid grant.ID) error {
	if err := p.enter("cpf_revoke"); err != nil {
		return err
	}
	return p.done("cpf_revoke", p.k.grants.Destroy(p.ep, gid))
}

// Grants returns p's grants.
func (p *Proc) Grants() []grant.Info {
	return p.k.grants.Grants(p.ep)
}

// SafeMap implements sys_safemap.
func (p *Proc) SafeMap(owner endpoint.Endpoint, gid grant.ID, offset uint64, addr hostarch.Addr, length uint64, seg int, writable bool) error {
	if err := p.enter("sys_safemap"); err != nil {
		return err
	}
	return p.done("sys_safemap", p.k.grants.SafeMap(grant.MapRequest{
		Consumer: p.ep,
		Owner:    p.resolve(owner),
		ID:       gid,
		Offset:   offset,
		Addr:     addr,
		Length:   length,
		Seg:      seg,
		Writable: writable,
	}))
}

// SafeUnmap implements sys_safeunmap.
func (p *Proc) SafeUnmap(seg int, addr hostarch.Addr) error {
	if err := p.enter("sys_safeunmap"); err != nil {
		return err
	}
	return p.done("sys_safeunmap", p.k.grants.SafeUnmap(p.ep, seg, addr))
}

// SafeCopyFrom implements sys_safecopyfrom.
func (p *Proc) SafeCopyFrom(owner endpoint.Endpoint, gid grant.ID, offset uint64, addr hostarch.Addr, length uint64, seg int) error {
	if err := p.enter("sys_safecopyfrom"); err != nil {
		return err
	}
	return p.done("sys_safecopyfrom", p.k.grants.SafeCopyFrom(p.copyRequest(owner, gid, offset, addr, length, seg)))
}

// SafeCopyTo implements sys_safecopyto.
func (p *Proc) SafeCopyTo(owner endpoint.Endpoint, gid grant.ID, offset uint64, addr hostarch.Addr, length uint64, seg int) error {
	if err := p.enter("sys_safecopyto"); err != nil {
		return err
	}
	return p.done("sys_safecopyto", p.k.grants.SafeCopyTo(p.copyRequest(owner, gid, offset, addr, length, seg)))
}

func (p *Proc) copyRequest(owner endpoint.Endpoint, gid grant.ID, offset uint64, addr hostarch.Addr, length uint64, seg int) grant.CopyRequest {
	return grant.CopyRequest{
		Consumer: p.ep,
		Owner:    p.resolve(owner),
		ID:       gid,
		Offset:   offset,
		Addr:     addr,
		Length:   length,
		Seg:      seg,
	}
}

// SafeRevMapGID implements sys_saferevmap_gid.
func (p *Proc) SafeRevMapGID(gid grant.ID) error {
	if err := p.enter("sys_saferevmap_gid"); err != nil {
		return err
	}
	return p.done("sys_saferevmap_gid", p.k.grants.RevokeMappings(p.ep, gid))
}

// SafeRevMapAddr implements sys_saferevmap_addr.
func (p *Proc) SafeRevMapAddr(addr hostarch.Addr) error {
	if err := p.enter("sys_saferevmap_addr"); err != nil {
		return err
	}
	return p.done("sys_saferevmap_addr", p.k.grants.RevokeMappingsAt(p.ep, addr))
}

// GetProcNr implements getprocnr: it returns the endpoint of process pid.
func (p *Proc) GetProcNr(pid int32) (endpoint.Endpoint, error) {
	if err := p.enter("getprocnr"); err != nil {
		return endpoint.None, err
	}
	ep, err := p.k.procs.GetProcNr(pid)
	return ep, p.done("getprocnr", err)
}

// Fork creates a child of p with a copy-on-write copy of p's address space.
// Memory p has shared through grants is made private to its consumers first,
// so that no consumer can observe the child. Grants are not inherited. The
// child must be passed to Kernel.Allow before it can issue kernel calls.
func (p *Proc) Fork() (*Proc, error) {
	if err := p.enter("fork"); err != nil {
		return nil, err
	}
	as, err := p.space()
	if err != nil {
		return nil, p.done("fork", err)
	}
	if n := p.k.grants.PrivatizeOwner(p.ep); n > 0 {
		log.Debugf("%v: privatized %d mappings before fork", p.ep, n)
	}
	childAS, err := as.Fork()
	if err != nil {
		return nil, p.done("fork", err)
	}
	cu := cleanup.Make(childAS.Release)
	defer cu.Clean()

	child, err := p.k.procs.Fork(p.ep)
	if err != nil {
		return nil, p.done("fork", err)
	}
	p.k.mu.Lock()
	p.k.spaces[child.Endpoint] = childAS
	p.k.mu.Unlock()
	cu.Release()
	return &Proc{k: p.k, ep: child.Endpoint}, nil
}

// Exit terminates p. Its grants are destroyed, mappings of its memory held by
// other processes become private, and its address space is released.
func (p *Proc) Exit() error {
	return p.k.procs.Exit(p.ep)
}
