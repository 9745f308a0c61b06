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

// Package smaptest runs the safe map test suite: pairs of processes, a
// grantor and a requestor, that exercise grants, safe mappings, revocation
// and fork against a simulated kernel. The two roles run concurrently and
// only talk to each other through a rendezvous, as separate processes would.
package smaptest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mohae/deepcopy"
	"golang.org/x/sync/errgroup"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/config"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/hostarch"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/kernel"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/log"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/metric"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/rendezvous"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/sync"
)

// Buffer layout shared by every scenario. Each role has two one-page
// buffers.
const (
	Buf  hostarch.Addr = 0x100000
	Buf2 hostarch.Addr = 0x200000

	BufStartGrantor   = 0
	BufStartRequestor = 2
)

// Options configures a run.
type Options struct {
	// Scenarios names the scenarios to run. Empty means all of them.
	Scenarios []string

	// Config is the kernel configuration each scenario starts from.
	// Scenarios may adjust their own copy.
	Config config.Config

	// FIFODir, if set, makes roles talk through named FIFOs created in
	// per-scenario subdirectories of FIFODir instead of anonymous pipes.
	FIFODir string

	// Timeout bounds each scenario. Zero means 10 seconds.
	Timeout time.Duration
}

// Observation is a value a role saw during a scenario.
type Observation struct {
	Role  string `json:"role" yaml:"role"`
	Step  string `json:"step" yaml:"step"`
	Value int    `json:"value" yaml:"value"`
}

// Result is the outcome of one scenario.
type Result struct {
	Scenario     string        `json:"scenario" yaml:"scenario"`
	Passed       bool          `json:"passed" yaml:"passed"`
	Error        string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
	Observations []Observation `json:"observations,omitempty" yaml:"observations,omitempty"`
}

// Report is the outcome of a run.
type Report struct {
	Passed  int               `json:"passed" yaml:"passed"`
	Failed  int               `json:"failed" yaml:"failed"`
	Results []Result          `json:"results" yaml:"results"`
	Metrics map[string]uint64 `json:"metrics" yaml:"metrics"`
}

// OK returns true if every scenario passed.
func (r *Report) OK() bool {
	return r.Failed == 0
}

// Run runs the scenarios selected by opts, each against a fresh kernel.
// Failing scenarios are reported in the Report; the error is only for
// invalid options.
func Run(ctx context.Context, opts Options) (*Report, error) {
	selected, err := Select(opts.Scenarios)
	if err != nil {
		return nil, err
	}
	r := &Report{}
	for _, s := range selected {
		res := runOne(ctx, s, opts)
		if res.Passed {
			r.Passed++
			log.Infof("PASS %s (%v)", res.Scenario, res.Duration)
		} else {
			r.Failed++
			log.Warningf("FAIL %s: %s", res.Scenario, res.Error)
		}
		r.Results = append(r.Results, res)
	}
	r.Metrics = metric.Snapshot()
	return r, nil
}

// Select returns the named scenarios, or all of them if names is empty.
func Select(names []string) ([]Scenario, error) {
	all := Scenarios()
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]Scenario, len(all))
	for _, s := range all {
		byName[s.Name] = s
	}
	var selected []Scenario
	for _, n := range names {
		s, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q", n)
		}
		selected = append(selected, s)
	}
	return selected, nil
}

func runOne(ctx context.Context, s Scenario, opts Options) Result {
	start := time.Now()
	rec := &recorder{}
	err := runScenario(ctx, s, opts, rec)
	res := Result{
		Scenario:     s.Name,
		Passed:       err == nil,
		Duration:     time.Since(start),
		Observations: rec.observations(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func runScenario(ctx context.Context, s Scenario, opts Options, rec *recorder) error {
	conf := deepcopy.Copy(opts.Config).(config.Config)
	if s.tune != nil {
		s.tune(&conf)
	}
	k, err := kernel.New(&conf)
	if err != nil {
		return err
	}

	var procs [2]*kernel.Proc
	for i := range procs {
		p, err := k.Spawn(s.Name)
		if err != nil {
			return err
		}
		for _, addr := range []hostarch.Addr{Buf, Buf2} {
			if err := p.Mmap(addr, hostarch.PageSize, hostarch.ReadWrite); err != nil {
				return err
			}
		}
		procs[i] = p
	}

	gconn, rconn, err := connect(ctx, s.Name, opts.FIFODir)
	if err != nil {
		return err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// Unblock a role waiting on its peer once the other one has failed. A
	// failed role has already sent its reason, so the peer gets a moment to
	// read it first.
	returned := make(chan struct{})
	closed := make(chan struct{})
	go func() {
		<-gctx.Done()
		select {
		case <-returned:
		case <-time.After(time.Second):
		}
		gconn.Close()
		rconn.Close()
		close(closed)
	}()

	grantor := &role{name: "grantor", k: k, self: procs[0], conn: gconn, rec: rec}
	requestor := &role{name: "requestor", k: k, self: procs[1], conn: rconn, rec: rec}
	g.Go(func() error { return roleError(grantor, s.grantor(gctx, grantor)) })
	g.Go(func() error { return roleError(requestor, s.requestor(gctx, requestor)) })
	err = g.Wait()
	close(returned)
	<-closed
	return err
}

// roleError names the failed role and forwards the failure to its peer.
func roleError(r *role, err error) error {
	if err != nil {
		err = fmt.Errorf("%s: %w", r.name, err)
		// The peer may already be gone.
		_ = r.send(rendezvous.Message{Kind: rendezvous.KindDone, Error: err.Error()})
		return err
	}
	return nil
}

func connect(ctx context.Context, name, fifoDir string) (*rendezvous.Conn, *rendezvous.Conn, error) {
	if fifoDir == "" {
		return rendezvous.Pipe()
	}
	dir, err := os.MkdirTemp(fifoDir, name+"-")
	if err != nil {
		return nil, nil, err
	}
	return rendezvous.FIFO(ctx, dir)
}

// recorder collects observations from both roles.
type recorder struct {
	mu  sync.Mutex
	obs []Observation
}

func (r *recorder) record(o Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, o)
}

func (r *recorder) observations() []Observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Observation(nil), r.obs...)
}
