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
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/config"
)

func testOptions() Options {
	conf := config.Default()
	conf.MemoryPages = 256
	return Options{Config: *conf}
}

func checkReport(t *testing.T, r *Report, want int) {
	t.Helper()
	for _, res := range r.Results {
		if !res.Passed {
			t.Errorf("scenario %s failed: %s", res.Scenario, res.Error)
		}
	}
	if r.Passed != want || !r.OK() {
		t.Errorf("got %d passed, %d failed, want %d passed", r.Passed, r.Failed, want)
	}
}

func TestAllScenarios(t *testing.T) {
	opts := testOptions()
	before := opts.Config
	r, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	checkReport(t, r, len(Scenarios()))
	if diff := cmp.Diff(before, opts.Config); diff != "" {
		t.Errorf("Run modified the caller's config (-want +got):\n%s", diff)
	}
	if r.Metrics["/grant/created"] == 0 {
		t.Errorf("report metrics %v missing grant counts", r.Metrics)
	}
}

func TestFIFOs(t *testing.T) {
	opts := testOptions()
	opts.FIFODir = t.TempDir()
	opts.Scenarios = []string{"smap", "revoke"}
	r, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	checkReport(t, r, 2)
}

func TestObservations(t *testing.T) {
	opts := testOptions()
	opts.Scenarios = []string{"cow-smap"}
	r, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	checkReport(t, r, 1)
	want := []Observation{
		{Role: "requestor", Step: "parent after fork", Value: BufStartGrantor + 1},
		{Role: "requestor-child", Step: "child after fork", Value: BufStartGrantor + 1},
	}
	if diff := cmp.Diff(want, r.Results[0].Observations); diff != "" {
		t.Errorf("observations mismatch (-want +got):\n%s", diff)
	}
}

func TestFailureIsReported(t *testing.T) {
	peerErr := make(chan error, 1)
	s := Scenario{
		Name: "broken",
		grantor: func(context.Context, *role) error {
			return errors.New("grantor gave up")
		},
		// The requestor must not hang waiting for a grant that never
		// comes, and learns why it never came.
		requestor: func(_ context.Context, r *role) error {
			if err := r.hello(); err != nil {
				peerErr <- err
				return err
			}
			_, _, err := r.awaitGrant()
			peerErr <- err
			return err
		},
	}
	res := runOne(context.Background(), s, testOptions())
	if res.Passed {
		t.Fatalf("broken scenario passed")
	}
	if !strings.Contains(res.Error, "grantor gave up") {
		t.Errorf("got error %q, want the grantor's", res.Error)
	}
	if err := <-peerErr; err == nil || !strings.Contains(err.Error(), "grantor: grantor gave up") {
		t.Errorf("requestor got %v, want the grantor's reason", err)
	}
}

func TestSelect(t *testing.T) {
	if _, err := Select([]string{"smap", "nope"}); err == nil {
		t.Errorf("Select accepted an unknown scenario")
	}
	all, err := Select(nil)
	if err != nil {
		t.Fatalf("Select(nil) failed: %v", err)
	}
	seen := make(map[string]bool)
	for _, s := range all {
		if seen[s.Name] {
			t.Errorf("duplicate scenario %q", s.Name)
		}
		seen[s.Name] = true
		if s.grantor == nil || s.requestor == nil || s.Description == "" {
			t.Errorf("scenario %q is incomplete", s.Name)
		}
	}
}
