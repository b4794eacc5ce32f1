// Copyright 2025 Google LLC
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

package client_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afpfs/cnidd/clock"
	"github.com/afpfs/cnidd/internal/client"
	"github.com/afpfs/cnidd/internal/wire"
)

// fakeWorker is a minimal stand-in for a cnid-dbd worker: it accepts any
// number of connections and, on each, reads the volpath handshake, then
// echoes back a caller-supplied CNID for every request until that
// connection is closed.
type fakeWorker struct {
	ln       net.Listener
	volpath  chan string
	wantCNID uint32

	mu    sync.Mutex
	conns []net.Conn
}

// closeAll force-closes every connection accepted so far, simulating the
// transport error a worker-side eviction leaves a client's socket in.
func (w *fakeWorker) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.conns {
		c.Close()
	}
}

func startFakeWorker(t *testing.T, wantCNID uint32) *fakeWorker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	w := &fakeWorker{ln: ln, volpath: make(chan string, 10), wantCNID: wantCNID}
	go w.serve(t)
	return w
}

func (w *fakeWorker) serve(t *testing.T) {
	for {
		conn, err := w.ln.Accept()
		if err != nil {
			return
		}
		w.mu.Lock()
		w.conns = append(w.conns, conn)
		w.mu.Unlock()
		go w.handle(t, conn)
	}
}

func (w *fakeWorker) handle(t *testing.T, conn net.Conn) {
	defer conn.Close()
	volpath, err := wire.DecodeVolpath(conn, wire.MaxNameLen)
	if err != nil {
		return
	}
	w.volpath <- volpath

	sizes := wire.Sizes{Dev: 8, Ino: 8}
	for {
		req, err := wire.DecodeRequest(conn, sizes)
		if err != nil {
			return
		}
		reply := &wire.Reply{Result: wire.ResultOK, CNID: w.wantCNID}
		if err := wire.EncodeReply(conn, reply); err != nil {
			return
		}
	}
}

func TestAddRoundTripsOverFakeWorker(t *testing.T) {
	w := startFakeWorker(t, 42)
	defer w.ln.Close()

	c := client.Open(w.ln.Addr().String(), "/volumes/vol1", wire.Sizes{Dev: 8, Ino: 8}, clock.NewSimulatedClock(time.Unix(0, 0)))
	defer c.Close()

	id, err := c.Add([]byte{0, 0, 0, 0, 0, 0, 0, 1}, []byte{0, 0, 0, 0, 0, 0, 0, 2}, 0, 2, []byte("a"))
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)

	select {
	case got := <-w.volpath:
		assert.Equal(t, "/volumes/vol1", got)
	case <-time.After(time.Second):
		t.Fatal("worker never saw volpath handshake")
	}
}

func TestReconnectResendsVolpathAfterTransportError(t *testing.T) {
	w := startFakeWorker(t, 7)
	defer w.ln.Close()

	c := client.Open(w.ln.Addr().String(), "/volumes/vol2", wire.Sizes{Dev: 8, Ino: 8}, clock.NewSimulatedClock(time.Unix(0, 0)))
	defer c.Close()

	_, err := c.Get(2, []byte("a"))
	require.NoError(t, err)
	<-w.volpath

	// Force a transport error by closing every connection the worker has
	// accepted so far, the same state a worker-side eviction leaves the
	// client in (spec.md §8's fd_table_size=2 scenario).
	w.closeAll()
	_, err = c.Get(2, []byte("a"))
	assert.Error(t, err)

	// The next op transparently reopens and resends the volpath handshake.
	_, err = c.Get(2, []byte("a"))
	require.NoError(t, err)
	select {
	case got := <-w.volpath:
		assert.Equal(t, "/volumes/vol2", got)
	case <-time.After(time.Second):
		t.Fatal("worker never saw a second volpath handshake after reconnect")
	}
}

func TestResultNotFoundMapsToErrNotFound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := wire.DecodeVolpath(conn, wire.MaxNameLen); err != nil {
			return
		}
		sizes := wire.Sizes{Dev: 8, Ino: 8}
		req, err := wire.DecodeRequest(conn, sizes)
		if err != nil {
			return
		}
		_ = req
		wire.EncodeReply(conn, &wire.Reply{Result: wire.ResultNotFound})
	}()

	c := client.Open(ln.Addr().String(), "/volumes/vol3", wire.Sizes{Dev: 8, Ino: 8}, clock.NewSimulatedClock(time.Unix(0, 0)))
	defer c.Close()

	_, err = c.Get(2, []byte("missing"))
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestCloseRejectsFurtherOps(t *testing.T) {
	w := startFakeWorker(t, 1)
	defer w.ln.Close()

	c := client.Open(w.ln.Addr().String(), "/volumes/vol4", wire.Sizes{Dev: 8, Ino: 8}, clock.NewSimulatedClock(time.Unix(0, 0)))
	require.NoError(t, c.Close())

	_, err := c.Get(2, []byte("a"))
	assert.ErrorIs(t, err, client.ErrClosed)
}
