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

package workerloop

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/afpfs/cnidd/clock"
	"github.com/afpfs/cnidd/internal/catalog"
	"github.com/afpfs/cnidd/internal/catalogstore"
	"github.com/afpfs/cnidd/internal/wire"
)

// pipeConn is a fake Conn backed by an in-memory pipe, standing in for an
// os.File wrapping a passed-in descriptor; fd is a test-assigned surrogate
// since io.Pipe has no real descriptor number.
type pipeConn struct {
	io.Reader
	io.Writer
	closer io.Closer
	fd     uintptr
}

func (c *pipeConn) Close() error { return c.closer.Close() }
func (c *pipeConn) Fd() uintptr  { return c.fd }

type rwc struct {
	io.Reader
	io.Writer
	io.Closer
}

// newConnPair returns the worker-side Conn and the client-side
// ReadWriteCloser used to drive it in a test.
func newConnPair(fd uintptr) (*pipeConn, io.ReadWriteCloser) {
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	server := &pipeConn{Reader: serverR, Writer: serverW, closer: serverW, fd: fd}
	client := &rwc{Reader: clientR, Writer: clientW, Closer: clientW}
	return server, client
}

func newTestWorker(t *testing.T, tableSize int) (*Worker, *clock.SimulatedClock) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(dir, catalogstore.DefaultParams(), catalog.DefaultSizes())
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	w := New(cat, clk, Config{
		Sizes:        wire.Sizes{Dev: 8, Ino: 8},
		TableSize:    tableSize,
		IdleTimeout:  5 * time.Second,
		HeartbeatTTL: time.Second,
	}, nil)
	return w, clk
}

func TestAddThenGetRoundTrip(t *testing.T) {
	w, _ := newTestWorker(t, 4)
	server, client := newConnPair(10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	w.Accept(server)

	dev := []byte{0, 0, 0, 0, 0, 0, 0, 1}
	ino := []byte{0, 0, 0, 0, 0, 0, 0, 100}
	sizes := wire.Sizes{Dev: 8, Ino: 8}

	require.NoError(t, wire.EncodeRequest(client, &wire.Request{
		Op: wire.OpAdd, Dev: dev, Ino: ino, Type: 0, DID: 2, Name: []byte("a"),
	}, sizes))
	reply, err := wire.DecodeReply(client)
	require.NoError(t, err)
	require.Equal(t, wire.ResultOK, reply.Result)
	require.EqualValues(t, 17, reply.CNID)

	require.NoError(t, wire.EncodeRequest(client, &wire.Request{
		Op: wire.OpGet, Dev: dev, Ino: ino, DID: 2, Name: []byte("a"),
	}, sizes))
	reply, err = wire.DecodeReply(client)
	require.NoError(t, err)
	require.Equal(t, wire.ResultOK, reply.Result)
	require.EqualValues(t, 17, reply.CNID)
}

func TestGetstampReplyCarriesStampInName(t *testing.T) {
	w, _ := newTestWorker(t, 4)
	server, client := newConnPair(10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	w.Accept(server)

	require.NoError(t, wire.EncodeRequest(client, &wire.Request{Op: wire.OpGetstamp}, wire.Sizes{Dev: 8, Ino: 8}))
	reply, err := wire.DecodeReply(client)
	require.NoError(t, err)
	require.Equal(t, wire.ResultOK, reply.Result)
	require.Len(t, reply.Name, 8)
}

func TestUnknownCnidResolveIsNotFound(t *testing.T) {
	w, _ := newTestWorker(t, 4)
	server, client := newConnPair(10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	w.Accept(server)

	require.NoError(t, wire.EncodeRequest(client, &wire.Request{
		Op: wire.OpResolve, CNID: 9999,
	}, wire.Sizes{Dev: 8, Ino: 8}))
	reply, err := wire.DecodeReply(client)
	require.NoError(t, err)
	require.Equal(t, wire.ResultNotFound, reply.Result)
}

func TestEvictionClosesOldestConnection(t *testing.T) {
	w, clk := newTestWorker(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	serverA, clientA := newConnPair(10)
	w.Accept(serverA)
	clk.AdvanceTime(time.Millisecond)

	serverB, _ := newConnPair(11)
	w.Accept(serverB)
	clk.AdvanceTime(time.Millisecond)

	// A third connection overflows a 2-slot table; A (oldest) is evicted.
	serverC, _ := newConnPair(12)
	w.Accept(serverC)

	// Accept's channel send only rendezvous with Run's receive; give the
	// dispatch goroutine a moment to finish the eviction it triggers.
	time.Sleep(20 * time.Millisecond)

	buf := make([]byte, 1)
	_, err := clientA.Read(buf)
	require.Error(t, err, "A's connection should have been closed by eviction")
}
