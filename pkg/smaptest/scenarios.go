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

package smaptest

import (
	"context"
	"fmt"
	"time"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/abi/minix"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/config"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/endpoint"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/errors"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/errors/minixerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/grant"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/kernel"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/rendezvous"
)

// Scenario is one grantor/requestor test.
type Scenario struct {
	Name        string
	Description string

	tune      func(*config.Config)
	grantor   func(context.Context, *role) error
	requestor func(context.Context, *role) error
}

// Scenarios returns every scenario, in the order they are run.
func Scenarios() []Scenario {
	return []Scenario{
		{
			Name:        "smap",
			Description: "requestor maps a grant, both sides see each other's writes until the requestor unmaps",
			grantor:     smapGrantor,
			requestor:   smapRequestor,
		},
		{
			Name:        "revoke",
			Description: "revoking a mapped grant freezes the requestor's view",
			grantor:     revokeGrantor,
			requestor:   revokeRequestor,
		},
		{
			Name:        "revoke-twice",
			Description: "revoking a revoked or unknown grant fails with ENOENT",
			grantor:     revokeTwiceGrantor,
			requestor:   revokeTwiceRequestor,
		},
		{
			Name:        "cow-smap",
			Description: "requestor forks after mapping; parent and child both see the mapped data",
			grantor:     cowSmapGrantor,
			requestor:   cowSmapRequestor,
		},
		{
			Name:        "smap-cow",
			Description: "grantor forks while mapped; the requestor keeps a private copy",
			grantor:     smapCowGrantor,
			requestor:   smapCowRequestor,
		},
		{
			Name:        "cow-smap2",
			Description: "safecopyto into the granted region followed by safemap sees the copied data",
			grantor:     cowSmap2Grantor,
			requestor:   cowSmap2Requestor,
		},
		{
			Name:        "perm",
			Description: "writable safemap of a read-only grant is denied",
			grantor:     permGrantor,
			requestor:   permRequestor,
		},
		{
			Name:        "exhaust",
			Description: "issuing grants until the table is full fails with ENOMEM, and retrying succeeds after a revoke",
			tune: func(c *config.Config) {
				c.MaxGrantsPerProcess = 16
			},
			grantor:   exhaustGrantor,
			requestor: exhaustRequestor,
		},
		{
			Name:        "indirect",
			Description: "requestor uses a grant forwarded by a third process, until the original is revoked",
			grantor:     indirectGrantor,
			requestor:   indirectRequestor,
		},
		{
			Name:        "exit",
			Description: "grantor exits while mapped; the requestor keeps its data",
			grantor:     exitGrantor,
			requestor:   exitRequestor,
		},
	}
}

// role is one side of a scenario.
type role struct {
	name string
	k    *kernel.Kernel
	self *kernel.Proc
	conn *rendezvous.Conn
	rec  *recorder
}

func (r *role) ep() endpoint.Endpoint {
	return r.self.Endpoint()
}

func (r *role) write(p *kernel.Proc, addr hostarch.Addr, b byte) error {
	if err := p.Write(addr, []byte{b}); err != nil {
		return fmt.Errorf("writing %d at %v: %w", b, addr, err)
	}
	return nil
}

// check reads the byte at addr in p, records it, and compares it with want.
func (r *role) check(p *kernel.Proc, step string, addr hostarch.Addr, want byte) error {
	buf, err := p.Read(addr, 1)
	if err != nil {
		return fmt.Errorf("%s: reading %v: %w", step, addr, err)
	}
	who := r.name
	if p != r.self {
		who += "-child"
	}
	r.rec.record(Observation{Role: who, Step: step, Value: int(buf[0])})
	if buf[0] != want {
		return fmt.Errorf("%s: read %d at %v, want %d", step, buf[0], addr, want)
	}
	return nil
}

func (r *role) send(m rendezvous.Message) error {
	return r.conn.Send(m)
}

func (r *role) hello() error {
	return r.send(rendezvous.Message{Kind: rendezvous.KindHello, Endpoint: r.ep()})
}

func (r *role) awaitHello() (endpoint.Endpoint, error) {
	m, err := r.conn.Expect(rendezvous.KindHello)
	return m.Endpoint, err
}

func (r *role) sendGrant(owner endpoint.Endpoint, gid grant.ID) error {
	return r.send(rendezvous.Message{Kind: rendezvous.KindGrant, Endpoint: owner, Grant: gid})
}

func (r *role) awaitGrant() (endpoint.Endpoint, grant.ID, error) {
	m, err := r.conn.Expect(rendezvous.KindGrant)
	return m.Endpoint, m.Grant, err
}

func (r *role) ready() error {
	return r.send(rendezvous.Message{Kind: rendezvous.KindReady})
}

func (r *role) awaitReady() error {
	_, err := r.conn.Expect(rendezvous.KindReady)
	return err
}

func (r *role) done() error {
	return r.send(rendezvous.Message{Kind: rendezvous.KindDone})
}

func (r *role) awaitDone() error {
	_, err := r.conn.Expect(rendezvous.KindDone)
	return err
}

// expect checks that err is want.
func expect(what string, err error, want *errors.Error) error {
	if !minixerr.Equals(want, err) {
		return fmt.Errorf("%s: got %v, want %v", what, err, want)
	}
	return nil
}

// run runs steps in order, stopping at the first error.
func run(steps ...func() error) error {
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

const rwm = grant.PermRead | grant.PermWrite | grant.PermMap

// grantBuf waits for the requestor's hello, grants it Buf with perms and
// announces the grant.
func (r *role) grantBuf(perms grant.Perm) (endpoint.Endpoint, grant.ID, error) {
	requestor, err := r.awaitHello()
	if err != nil {
		return endpoint.None, grant.Invalid, err
	}
	gid, err := r.self.GrantDirect(requestor, Buf, hostarch.PageSize, perms)
	if err != nil {
		return endpoint.None, grant.Invalid, fmt.Errorf("cpf_grant_direct: %w", err)
	}
	return requestor, gid, r.sendGrant(r.ep(), gid)
}

// mapBuf says hello, waits for a grant and maps it writable at Buf.
func (r *role) mapBuf() (endpoint.Endpoint, grant.ID, error) {
	if err := r.hello(); err != nil {
		return endpoint.None, grant.Invalid, err
	}
	owner, gid, err := r.awaitGrant()
	if err != nil {
		return endpoint.None, grant.Invalid, err
	}
	if err := r.self.SafeMap(owner, gid, 0, Buf, hostarch.PageSize, minix.SEG_D, true); err != nil {
		return endpoint.None, grant.Invalid, fmt.Errorf("sys_safemap: %w", err)
	}
	return owner, gid, nil
}

func smapGrantor(_ context.Context, r *role) error {
	if err := r.write(r.self, Buf, BufStartGrantor+1); err != nil {
		return err
	}
	if _, _, err := r.grantBuf(rwm); err != nil {
		return err
	}
	return run(
		r.awaitReady,
		func() error { return r.check(r.self, "after requestor write", Buf, BufStartRequestor) },
		func() error { return r.write(r.self, Buf, BufStartGrantor+3) },
		r.ready,
		r.awaitReady,
		func() error { return r.write(r.self, Buf, BufStartGrantor+4) },
		r.ready,
		r.awaitDone,
	)
}

func smapRequestor(_ context.Context, r *role) error {
	if _, _, err := r.mapBuf(); err != nil {
		return err
	}
	return run(
		func() error { return r.check(r.self, "mapped", Buf, BufStartGrantor+1) },
		func() error { return r.write(r.self, Buf, BufStartRequestor) },
		r.ready,
		r.awaitReady,
		func() error { return r.check(r.self, "grantor write", Buf, BufStartGrantor+3) },
		func() error { return r.self.SafeUnmap(minix.SEG_D, Buf) },
		r.ready,
		r.awaitReady,
		func() error {
			_, err := r.self.Read(Buf, 1)
			return expect("read after sys_safeunmap", err, minixerr.EFAULT)
		},
		r.done,
	)
}

func revokeGrantor(_ context.Context, r *role) error {
	if err := r.write(r.self, Buf, BufStartGrantor+1); err != nil {
		return err
	}
	_, gid, err := r.grantBuf(rwm)
	if err != nil {
		return err
	}
	return run(
		r.awaitReady,
		func() error { return r.self.SafeRevMapGID(gid) },
		func() error { return r.write(r.self, Buf, BufStartGrantor+2) },
		r.ready,
		r.awaitDone,
	)
}

func revokeRequestor(_ context.Context, r *role) error {
	if _, _, err := r.mapBuf(); err != nil {
		return err
	}
	return run(
		func() error { return r.check(r.self, "mapped", Buf, BufStartGrantor+1) },
		r.ready,
		r.awaitReady,
		func() error { return r.check(r.self, "after revoke", Buf, BufStartGrantor+1) },
		r.done,
	)
}

func revokeTwiceGrantor(_ context.Context, r *role) error {
	_, gid, err := r.grantBuf(rwm)
	if err != nil {
		return err
	}
	return run(
		r.awaitReady,
		func() error { return r.self.SafeRevMapGID(gid) },
		func() error { return expect("second sys_saferevmap_gid", r.self.SafeRevMapGID(gid), minixerr.ENOENT) },
		func() error { return expect("sys_saferevmap_gid of unknown grant", r.self.SafeRevMapGID(gid+1000), minixerr.ENOENT) },
		r.ready,
		r.awaitDone,
	)
}

func revokeTwiceRequestor(_ context.Context, r *role) error {
	owner, gid, err := r.mapBuf()
	if err != nil {
		return err
	}
	return run(
		r.ready,
		r.awaitReady,
		func() error {
			err := r.self.SafeMap(owner, gid, 0, Buf2, hostarch.PageSize, minix.SEG_D, false)
			return expect("sys_safemap of revoked grant", err, minixerr.ENOENT)
		},
		r.done,
	)
}

func cowSmapGrantor(_ context.Context, r *role) error {
	if err := r.write(r.self, Buf, BufStartGrantor+1); err != nil {
		return err
	}
	if _, _, err := r.grantBuf(rwm); err != nil {
		return err
	}
	return r.awaitDone()
}

func cowSmapRequestor(_ context.Context, r *role) error {
	if _, _, err := r.mapBuf(); err != nil {
		return err
	}
	child, err := r.self.Fork()
	if err != nil {
		return fmt.Errorf("fork: %w", err)
	}
	defer child.Exit()
	return run(
		func() error {
			return expect("call before allow", child.SafeUnmap(minix.SEG_D, Buf), minixerr.ECALLDENIED)
		},
		func() error { return r.k.Allow(child.Endpoint()) },
		func() error { return r.check(r.self, "parent after fork", Buf, BufStartGrantor+1) },
		func() error { return r.check(child, "child after fork", Buf, BufStartGrantor+1) },
		r.done,
	)
}

func smapCowGrantor(_ context.Context, r *role) error {
	if _, _, err := r.grantBuf(rwm); err != nil {
		return err
	}
	if err := r.awaitReady(); err != nil {
		return err
	}
	if err := r.write(r.self, Buf, BufStartGrantor+1); err != nil {
		return err
	}
	child, err := r.self.Fork()
	if err != nil {
		return fmt.Errorf("fork: %w", err)
	}
	defer child.Exit()
	return run(
		func() error { return r.k.Allow(child.Endpoint()) },
		func() error { return r.write(r.self, Buf, BufStartGrantor+2) },
		func() error { return r.check(child, "child after parent write", Buf, BufStartGrantor+1) },
		r.ready,
		r.awaitDone,
	)
}

func smapCowRequestor(_ context.Context, r *role) error {
	if _, _, err := r.mapBuf(); err != nil {
		return err
	}
	return run(
		r.ready,
		r.awaitReady,
		func() error { return r.check(r.self, "after grantor fork", Buf, BufStartGrantor+1) },
		r.done,
	)
}

func cowSmap2Grantor(_ context.Context, r *role) error {
	if _, _, err := r.grantBuf(rwm); err != nil {
		return err
	}
	return run(
		r.awaitReady,
		func() error { return r.check(r.self, "after safecopyto", Buf, BufStartRequestor) },
		r.ready,
	)
}

func cowSmap2Requestor(_ context.Context, r *role) error {
	if err := r.hello(); err != nil {
		return err
	}
	owner, gid, err := r.awaitGrant()
	if err != nil {
		return err
	}
	return run(
		func() error { return r.write(r.self, Buf, BufStartRequestor) },
		func() error { return r.self.SafeCopyTo(owner, gid, 0, Buf, hostarch.PageSize, minix.SEG_D) },
		func() error { return r.self.SafeMap(owner, gid, 0, Buf2, hostarch.PageSize, minix.SEG_D, true) },
		func() error { return r.check(r.self, "mapped after safecopyto", Buf2, BufStartRequestor) },
		r.ready,
		r.awaitReady,
	)
}

func permGrantor(_ context.Context, r *role) error {
	if _, _, err := r.grantBuf(grant.PermRead | grant.PermMap); err != nil {
		return err
	}
	return r.awaitDone()
}

func permRequestor(_ context.Context, r *role) error {
	if err := r.hello(); err != nil {
		return err
	}
	owner, gid, err := r.awaitGrant()
	if err != nil {
		return err
	}
	return run(
		func() error {
			err := r.self.SafeMap(owner, gid, 0, Buf, hostarch.PageSize, minix.SEG_D, true)
			if c := minixerr.Classify(err); c != minixerr.ClassAuthorization {
				return fmt.Errorf("writable sys_safemap of read-only grant: got %v (%v), want an authorization error", err, c)
			}
			return nil
		},
		func() error { return r.self.SafeMap(owner, gid, 0, Buf, hostarch.PageSize, minix.SEG_D, false) },
		func() error { return expect("write to read-only mapping", r.self.Write(Buf, []byte{1}), minixerr.EFAULT) },
		r.done,
	)
}

func exhaustGrantor(ctx context.Context, r *role) error {
	requestor, err := r.awaitHello()
	if err != nil {
		return err
	}
	limit := r.k.Config().MaxGrantsPerProcess
	var first grant.ID
	n := 0
	for {
		gid, err := r.self.GrantDirect(requestor, Buf, hostarch.PageSize, grant.PermRead)
		if err != nil {
			if err := expect(fmt.Sprintf("grant #%d", n), err, minixerr.ENOMEM); err != nil {
				return err
			}
			break
		}
		if n == 0 {
			first = gid
		}
		n++
		if n > limit {
			return fmt.Errorf("issued %d grants, table holds %d", n, limit)
		}
	}
	r.rec.record(Observation{Role: r.name, Step: "grants issued", Value: n})
	if n != limit {
		return fmt.Errorf("issued %d grants before ENOMEM, want %d", n, limit)
	}

	revoked := make(chan error, 1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		revoked <- r.self.RevokeGrant(first)
	}()
	gid, err := r.self.GrantDirectRetry(ctx, 5*time.Second, requestor, Buf, hostarch.PageSize, grant.PermRead)
	if rerr := <-revoked; rerr != nil {
		return fmt.Errorf("cpf_revoke of grant %d: %w", first, rerr)
	}
	if err != nil {
		return fmt.Errorf("retrying cpf_grant_direct: %w", err)
	}
	return run(
		func() error { return r.sendGrant(r.ep(), gid) },
		r.awaitDone,
	)
}

func exhaustRequestor(_ context.Context, r *role) error {
	if err := r.hello(); err != nil {
		return err
	}
	owner, gid, err := r.awaitGrant()
	if err != nil {
		return err
	}
	if err := r.self.SafeCopyFrom(owner, gid, 0, Buf, 1, minix.SEG_D); err != nil {
		return fmt.Errorf("sys_safecopyfrom with retried grant: %w", err)
	}
	return r.done()
}

func indirectGrantor(_ context.Context, r *role) error {
	requestor, err := r.awaitHello()
	if err != nil {
		return err
	}
	middle, err := r.k.Spawn("middle")
	if err != nil {
		return err
	}
	defer middle.Exit()
	if err := r.write(r.self, Buf, 7); err != nil {
		return err
	}
	gid, err := r.self.GrantDirect(middle.Endpoint(), Buf, hostarch.PageSize, grant.PermRead|grant.PermMap)
	if err != nil {
		return fmt.Errorf("cpf_grant_direct: %w", err)
	}
	fwd, err := middle.GrantIndirect(requestor, r.ep(), gid)
	if err != nil {
		return fmt.Errorf("cpf_grant_indirect: %w", err)
	}
	return run(
		func() error { return r.sendGrant(middle.Endpoint(), fwd) },
		r.awaitReady,
		func() error { return r.self.SafeRevMapGID(gid) },
		r.ready,
		r.awaitDone,
	)
}

func indirectRequestor(_ context.Context, r *role) error {
	if err := r.hello(); err != nil {
		return err
	}
	middle, gid, err := r.awaitGrant()
	if err != nil {
		return err
	}
	return run(
		func() error { return r.self.SafeCopyFrom(middle, gid, 0, Buf, 1, minix.SEG_D) },
		func() error { return r.check(r.self, "copied through indirect grant", Buf, 7) },
		func() error { return r.self.SafeMap(middle, gid, 0, Buf2, hostarch.PageSize, minix.SEG_D, false) },
		func() error { return r.check(r.self, "mapped through indirect grant", Buf2, 7) },
		r.ready,
		r.awaitReady,
		func() error {
			err := r.self.SafeCopyFrom(middle, gid, 0, Buf, 1, minix.SEG_D)
			return expect("sys_safecopyfrom after revoke", err, minixerr.ENOENT)
		},
		r.done,
	)
}

func exitGrantor(_ context.Context, r *role) error {
	if err := r.write(r.self, Buf, 42); err != nil {
		return err
	}
	if _, _, err := r.grantBuf(rwm); err != nil {
		return err
	}
	return run(
		r.awaitReady,
		r.self.Exit,
		r.ready,
		r.awaitDone,
	)
}

func exitRequestor(_ context.Context, r *role) error {
	owner, gid, err := r.mapBuf()
	if err != nil {
		return err
	}
	return run(
		func() error { return r.check(r.self, "mapped", Buf, 42) },
		r.ready,
		r.awaitReady,
		func() error { return r.check(r.self, "after grantor exit", Buf, 42) },
		func() error {
			err := r.self.SafeCopyFrom(owner, gid, 0, Buf, 1, minix.SEG_D)
			return expect("sys_safecopyfrom from exited grantor", err, minixerr.ESRCH)
		},
		r.done,
	)
}
