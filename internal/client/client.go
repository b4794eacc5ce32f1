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

// Package client is the CNID catalog stub an AFP worker links against:
// open/add/get/lookup/resolve/update/delete/getstamp/close, maintaining
// one lazily-opened TCP connection per volume to the metadaemon and
// transparently reopening it (resending the volpath handshake) after a
// transport error. Grounded on spec.md §4.6 and, for the reconnect
// backoff shape, the teacher's GCS storage client's retry-after-
// transport-error idiom.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/afpfs/cnidd/clock"
	"github.com/afpfs/cnidd/internal/wire"
)

// Error kinds a caller can distinguish via errors.Is, mirroring the wire
// Result enum spec.md §7 names.
var (
	ErrNotFound      = errors.New("client: not found")
	ErrServer        = errors.New("client: server error")
	ErrMax           = errors.New("client: cnid space exhausted")
	ErrDuplicateCNID = errors.New("client: duplicate cnid")
	ErrClosed        = errors.New("client: closed")
)

// reconnectBackoff is spec.md §5's stated reconnect delay on
// ECONNREFUSED/ENETUNREACH, and reconnectRetries is "retry once".
const reconnectBackoff = 5 * time.Second

const reconnectRetries = 1

// Client is one volume's connection to its CNID catalog worker, reached
// through the metadaemon. It is safe for concurrent use: every operation
// holds mu for its whole round trip, so requests on the connection are
// sent and answered one at a time, in per-connection FIFO order.
type Client struct {
	addr    string
	volpath string
	sizes   wire.Sizes
	clk     clock.Clock

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// Open returns a Client for volpath, talking to the metadaemon at addr.
// The connection itself is not made until the first operation — spec.md
// §4.6's "opened lazily on first use".
func Open(addr, volpath string, sizes wire.Sizes, clk clock.Clock) *Client {
	return &Client{addr: addr, volpath: volpath, sizes: sizes, clk: clk}
}

// Close releases the underlying connection, if any. Further operations
// return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) Add(dev, ino []byte, typ uint32, did uint32, name []byte) (uint32, error) {
	reply, err := c.do(&wire.Request{Op: wire.OpAdd, Dev: dev, Ino: ino, Type: typ, DID: did, Name: name})
	if err != nil {
		return 0, err
	}
	return reply.CNID, resultErr(reply.Result)
}

func (c *Client) Get(did uint32, name []byte) (uint32, error) {
	reply, err := c.do(&wire.Request{Op: wire.OpGet, DID: did, Name: name})
	if err != nil {
		return 0, err
	}
	return reply.CNID, resultErr(reply.Result)
}

func (c *Client) Resolve(cnid uint32) (did uint32, name []byte, err error) {
	reply, err := c.do(&wire.Request{Op: wire.OpResolve, CNID: cnid})
	if err != nil {
		return 0, nil, err
	}
	return reply.DID, reply.Name, resultErr(reply.Result)
}

func (c *Client) Lookup(dev, ino []byte, typ uint32, did uint32, name []byte) (uint32, error) {
	reply, err := c.do(&wire.Request{Op: wire.OpLookup, Dev: dev, Ino: ino, Type: typ, DID: did, Name: name})
	if err != nil {
		return 0, err
	}
	return reply.CNID, resultErr(reply.Result)
}

func (c *Client) Update(cnid uint32, dev, ino []byte, typ uint32, did uint32, name []byte) error {
	reply, err := c.do(&wire.Request{Op: wire.OpUpdate, CNID: cnid, Dev: dev, Ino: ino, Type: typ, DID: did, Name: name})
	if err != nil {
		return err
	}
	return resultErr(reply.Result)
}

func (c *Client) Delete(cnid uint32) error {
	reply, err := c.do(&wire.Request{Op: wire.OpDelete, CNID: cnid})
	if err != nil {
		return err
	}
	return resultErr(reply.Result)
}

// Getstamp returns the catalog's 8-byte creation stamp, carried in the
// reply's Name field (internal/workerloop's wire convention, since
// wire.Reply has no dedicated stamp field).
func (c *Client) Getstamp() ([8]byte, error) {
	var stamp [8]byte
	reply, err := c.do(&wire.Request{Op: wire.OpGetstamp})
	if err != nil {
		return stamp, err
	}
	if err := resultErr(reply.Result); err != nil {
		return stamp, err
	}
	copy(stamp[:], reply.Name)
	return stamp, nil
}

// do sends req and returns the decoded reply, dialing (or redialing)
// the connection as needed. A transport-level failure (as opposed to an
// application-level wire.Result) invalidates the current connection so
// the next call reopens it, per spec.md §4.6.
func (c *Client) do(req *wire.Request) (*wire.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if c.conn == nil {
		conn, err := c.dial()
		if err != nil {
			return nil, err
		}
		c.conn = conn
	}

	reply, err := roundTrip(c.conn, req, c.sizes)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, fmt.Errorf("client: transport error, connection invalidated: %w", err)
	}
	return reply, nil
}

func roundTrip(conn net.Conn, req *wire.Request, sizes wire.Sizes) (*wire.Reply, error) {
	if err := wire.EncodeRequest(conn, req, sizes); err != nil {
		return nil, err
	}
	return wire.DecodeReply(conn)
}

// dial opens a fresh connection and resends the volpath handshake,
// retrying once after reconnectBackoff on a connection-refused/
// network-unreachable error, spec.md §5's stated reconnect policy.
func (c *Client) dial() (net.Conn, error) {
	conn, err := c.dialOnce()
	if err == nil {
		return conn, nil
	}
	if !isRetryableDialErr(err) {
		return nil, err
	}
	for attempt := 0; attempt < reconnectRetries; attempt++ {
		<-c.clk.After(reconnectBackoff)
		conn, err = c.dialOnce()
		if err == nil {
			return conn, nil
		}
	}
	return nil, err
}

func (c *Client) dialOnce() (net.Conn, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return nil, err
	}
	if err := wire.EncodeVolpath(conn, c.volpath); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func isRetryableDialErr(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENETUNREACH)
}

func resultErr(r wire.Result) error {
	switch r {
	case wire.ResultOK:
		return nil
	case wire.ResultNotFound:
		return ErrNotFound
	case wire.ResultErrMax:
		return ErrMax
	case wire.ResultErrDuplCnid:
		return ErrDuplicateCNID
	default:
		return ErrServer
	}
}
