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

package rendezvous

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/endpoint"
)

func exchange(t *testing.T, a, b *Conn) {
	t.Helper()
	msgs := []Message{
		{Kind: KindHello, Endpoint: endpoint.Make(1, 3)},
		{Kind: KindGrant, Grant: 0},
		{Kind: KindDone, Error: "sys_safecopyfrom: EFAULT"},
	}
	go func() {
		for _, m := range msgs {
			if err := a.Send(m); err != nil {
				t.Errorf("Send failed: %v", err)
				return
			}
		}
	}()
	var got []Message
	for range msgs {
		m, err := b.Recv()
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		got = append(got, m)
	}
	if diff := cmp.Diff(msgs, got); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestPipe(t *testing.T) {
	a, b, err := Pipe()
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}
	defer b.Close()
	exchange(t, a, b)
	exchange(t, b, a)

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := b.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv after peer Close got %v, want EOF", err)
	}
}

func TestFIFO(t *testing.T) {
	a, b, err := FIFO(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("FIFO failed: %v", err)
	}
	defer a.Close()
	defer b.Close()
	exchange(t, a, b)
	exchange(t, b, a)
}

func TestExpect(t *testing.T) {
	a, b, err := Pipe()
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}
	defer a.Close()
	defer b.Close()

	go func() {
		a.Send(Message{Kind: KindReady})
		a.Send(Message{Kind: KindReady})
		a.Send(Message{Kind: KindDone, Error: "boom"})
	}()
	if _, err := b.Expect(KindReady); err != nil {
		t.Errorf("Expect(ready) failed: %v", err)
	}
	if _, err := b.Expect(KindGrant); err == nil || !strings.Contains(err.Error(), "want grant") {
		t.Errorf("Expect(grant) got %v, want kind mismatch", err)
	}
	if _, err := b.Expect(KindDone); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expect(done) got %v, want peer error", err)
	}
}
