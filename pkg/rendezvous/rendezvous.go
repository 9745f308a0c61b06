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

// Package rendezvous carries the out-of-band messages that test roles use to
// exchange endpoints and grant ids: a grantor has to tell a requestor which
// grant to use before the requestor can map it. Messages are CBOR items
// written to pipes or named FIFOs.
package rendezvous

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/containerd/fifo"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/endpoint"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/grant"
	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/sync"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding keeps captured transcripts comparable.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rendezvous: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("rendezvous: CBOR decoder initialization failed: " + err.Error())
	}
}

// Kind is the type of a message.
type Kind string

// Message kinds.
const (
	// KindHello announces the sender's endpoint.
	KindHello Kind = "hello"

	// KindGrant announces a grant the receiver may use.
	KindGrant Kind = "grant"

	// KindReady tells the peer that the sender finished a step.
	KindReady Kind = "ready"

	// KindDone ends a conversation.
	KindDone Kind = "done"
)

// Message is a rendezvous message. Grant is always encoded, since 0 is a
// valid grant id.
type Message struct {
	Kind     Kind              `cbor:"kind"`
	Endpoint endpoint.Endpoint `cbor:"endpoint,omitempty"`
	Grant    grant.ID          `cbor:"grant"`
	Error    string            `cbor:"error,omitempty"`
}

// Conn is one side of a rendezvous.
type Conn struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	dec *cbor.Decoder

	closers []io.Closer
}

func newConn(r io.ReadCloser, w io.WriteCloser) *Conn {
	return &Conn{
		enc:     encMode.NewEncoder(w),
		dec:     decMode.NewDecoder(r),
		closers: []io.Closer{r, w},
	}
}

// Send writes m to the peer.
func (c *Conn) Send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(m); err != nil {
		return fmt.Errorf("sending %s: %w", m.Kind, err)
	}
	return nil
}

// Recv blocks until the peer sends a message. It returns io.EOF once the peer
// has closed its side.
func (c *Conn) Recv() (Message, error) {
	var m Message
	if err := c.dec.Decode(&m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Expect receives a message and checks its kind. A message carrying an error
// is turned into an error.
func (c *Conn) Expect(kind Kind) (Message, error) {
	m, err := c.Recv()
	if err != nil {
		return Message{}, fmt.Errorf("waiting for %s: %w", kind, err)
	}
	if m.Error != "" {
		return m, fmt.Errorf("peer failed before %s: %s", kind, m.Error)
	}
	if m.Kind != kind {
		return m, fmt.Errorf("got %s message, want %s", m.Kind, kind)
	}
	return m, nil
}

// Close closes both directions of c.
func (c *Conn) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Pipe returns two connected Conns backed by anonymous pipes.
func Pipe() (*Conn, *Conn, error) {
	ar, bw, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	br, aw, err := os.Pipe()
	if err != nil {
		ar.Close()
		bw.Close()
		return nil, nil, err
	}
	return newConn(ar, aw), newConn(br, bw), nil
}

// FIFO creates two named FIFOs in dir and returns Conns connected through
// them. Each FIFO is opened for reading and writing, so opening never blocks
// waiting for the peer. ctx bounds the opens only.
func FIFO(ctx context.Context, dir string) (*Conn, *Conn, error) {
	var files [2]io.ReadWriteCloser
	for i, name := range []string{"a2b", "b2a"} {
		path := filepath.Join(dir, name)
		f, err := fifo.OpenFifo(ctx, path, unix.O_CREAT|unix.O_RDWR, 0600)
		if err != nil {
			closeAll(files[:i])
			return nil, nil, fmt.Errorf("opening fifo %q: %w", path, err)
		}
		files[i] = f
	}
	a2b, b2a := files[0], files[1]
	// Both Conns share the two FIFOs; each closes its read side, so a
	// closed FIFO is never written.
	return newConn(b2a, nopCloser{a2b}), newConn(a2b, nopCloser{b2a}), nil
}

func closeAll(files []io.ReadWriteCloser) {
	for _, f := range files {
		f.Close()
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
