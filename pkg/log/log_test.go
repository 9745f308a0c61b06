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

package log

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"
)

type testEmitter struct {
	lines []string
}

func (e *testEmitter) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	e.lines = append(e.lines, fmt.Sprintf("%s: %s", level, fmt.Sprintf(format, v...)))
}

func TestLevelFiltering(t *testing.T) {
	te := &testEmitter{}
	l := &BasicLogger{Level: Info, Emitter: te}

	l.Debugf("dropped")
	l.Infof("kept %d", 1)
	l.Warningf("kept %d", 2)
	l.SetLevel(Debug)
	l.Debugf("kept %d", 3)

	want := []string{"info: kept 1", "warning: kept 2", "debug: kept 3"}
	if len(te.lines) != len(want) {
		t.Fatalf("got lines %v, want %v", te.lines, want)
	}
	for i := range want {
		if te.lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, te.lines[i], want[i])
		}
	}
}

func TestRateLimited(t *testing.T) {
	te := &testEmitter{}
	rl := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: te}, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Warningf("exhausted %d", i)
	}
	if len(te.lines) != 1 {
		t.Errorf("rate limited logger emitted %d lines, want 1", len(te.lines))
	}
}

func TestBasicRateLimitedFollowsTarget(t *testing.T) {
	saved := Log()
	t.Cleanup(func() { logMu.Store(saved) })

	// Created before the target changes, like package-level loggers.
	rl := BasicRateLimitedLogger(time.Hour)

	var buf bytes.Buffer
	SetTarget(NewLogrusEmitter(&buf, "json"))
	SetLevel(Warning)
	rl.Warningf("table %d exhausted", 3)
	out := buf.String()
	if !strings.Contains(out, `"msg":"table 3 exhausted"`) {
		t.Fatalf("new target got %q, want the warning", out)
	}
	if !strings.Contains(out, `"caller":"log_test.go:`) {
		t.Errorf("output %q does not name the calling file", out)
	}
	if rl.IsLogging(Info) {
		t.Errorf("IsLogging(Info) = true after SetLevel(Warning)")
	}
}

func TestLevelText(t *testing.T) {
	for _, s := range []string{"warning", "INFO", "2"} {
		var l Level
		if err := l.UnmarshalText([]byte(s)); err != nil {
			t.Errorf("UnmarshalText(%q) failed: %v", s, err)
		}
	}
	var l Level
	if err := l.UnmarshalText([]byte("verbose")); err == nil {
		t.Errorf("UnmarshalText(verbose) succeeded, want error")
	}
}

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogrusEmitter(&buf, "json")
	l := &BasicLogger{Level: Info, Emitter: e}
	l.Infof("grant %d created", 7)
	out := buf.String()
	if !strings.Contains(out, `"msg":"grant 7 created"`) {
		t.Errorf("json output %q lacks message", out)
	}
	if !strings.Contains(out, `"caller":"log_test.go:`) {
		t.Errorf("json output %q lacks caller", out)
	}
}
