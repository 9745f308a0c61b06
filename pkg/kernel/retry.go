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
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/endpoint"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/errors/minixerr"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/grant"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/hostarch"
)

// GrantDirectRetry is like GrantDirect, but retries with exponential backoff
// while p's grant table is full, until ctx is done or maxWait has elapsed.
// Other errors are returned immediately.
func (p *Proc) GrantDirectRetry(ctx context.Context, maxWait time.Duration, target endpoint.Endpoint, addr hostarch.Addr, length uint64, perms grant.Perm) (grant.ID, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = maxWait

	id := grant.Invalid
	op := func() error {
		var err error
		id, err = p.GrantDirect(target, addr, length, perms)
		switch err {
		case nil, minixerr.ENOMEM:
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return grant.Invalid, err
	}
	return id, nil
}
