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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/sync"
)

// ErrNameInUse indicates that another metric is already defined for the given
// name.
var ErrNameInUse = errors.New("metric name already in use")

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name        string
	description string
	value       atomic.Uint64
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Name returns the metric name.
func (m *Uint64Metric) Name() string {
	return m.name
}

var (
	mu         sync.Mutex
	allMetrics = make(map[string]*Uint64Metric)
)

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func NewUint64Metric(name, description string) (*Uint64Metric, error) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := allMetrics[name]; ok {
		return nil, ErrNameInUse
	}
	m := &Uint64Metric{name: name, description: description}
	allMetrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string) *Uint64Metric {
	m, err := NewUint64Metric(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Snapshot returns the current value of every registered metric.
func Snapshot() map[string]uint64 {
	mu.Lock()
	defer mu.Unlock()
	s := make(map[string]uint64, len(allMetrics))
	for name, m := range allMetrics {
		s[name] = m.Value()
	}
	return s
}

// WriteText writes every registered metric to w, one "name value" pair per
// line, sorted by name.
func WriteText(w io.Writer) error {
	mu.Lock()
	names := make([]string, 0, len(allMetrics))
	for name := range allMetrics {
		names = append(names, name)
	}
	mu.Unlock()
	sort.Strings(names)
	snap := Snapshot()
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "%s %d\n", name, snap[name]); err != nil {
			return err
		}
	}
	return nil
}
