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

// Package workerloop is a per-volume catalog worker's single-dispatch
// event loop (spec.md §4.3). Go has no portable way to select(2) over an
// arbitrary, changing set of file descriptors the way etc/cnid_dbd's
// worker does, and goroutines make faking cooperative single-threading
// with a raw select unidiomatic. Instead, one reader goroutine per
// accepted connection feeds a single unbuffered request channel that a
// lone dispatch goroutine drains; that dispatch goroutine is the only
// place a catalog operation runs, reproducing the spec's "no concurrent
// catalog dispatch, strict per-connection FIFO" contract with channels
// standing in for select(2) bitmasks.
package workerloop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/afpfs/cnidd/clock"
	"github.com/afpfs/cnidd/internal/catalog"
	"github.com/afpfs/cnidd/internal/fdtable"
	"github.com/afpfs/cnidd/internal/wire"
)

// ErrIdleShutdown is returned by Run when the worker has seen no activity
// for longer than IdleTimeout, the cue for the worker to exit cleanly so
// the metadaemon can reclaim its slot.
var ErrIdleShutdown = errors.New("workerloop: idle timeout")

// Conn is the per-client connection surface the loop needs: a
// byte-stream plus the numeric descriptor fdtable evicts by. Passed-fd
// connections satisfy this via *os.File, whose Fd method returns the
// descriptor as a uintptr.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	Fd() uintptr
}

// Config controls one Worker's behavior.
type Config struct {
	Sizes        wire.Sizes
	TableSize    int
	IdleTimeout  time.Duration
	HeartbeatTTL time.Duration // defaults to 1s, the spec's select() tick
}

// Worker drains requests from every accepted connection through a single
// dispatch goroutine that is the sole caller into Catalog.
type Worker struct {
	cat    *catalog.Catalog
	clk    clock.Clock
	cfg    Config
	log    *slog.Logger
	table  *fdtable.Table
	connCh chan Conn
	reqCh  chan connRequest
	doneCh chan int
}

type connRequest struct {
	fd  int
	req *wire.Request
}

// New builds a Worker. cat is the already-open catalog for this volume.
func New(cat *catalog.Catalog, clk clock.Clock, cfg Config, log *slog.Logger) *Worker {
	if cfg.HeartbeatTTL == 0 {
		cfg.HeartbeatTTL = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cat:    cat,
		clk:    clk,
		cfg:    cfg,
		log:    log,
		table:  fdtable.New(cfg.TableSize),
		connCh: make(chan Conn),
		reqCh:  make(chan connRequest),
		doneCh: make(chan int),
	}
}

// Accept registers a newly passed-in connection and starts reading
// requests from it. Safe to call concurrently with Run.
func (w *Worker) Accept(c Conn) {
	go w.readLoop(c)
	w.connCh <- c
}

// readLoop decodes one request at a time and hands it to the dispatch
// goroutine over the unbuffered reqCh. It starts reading the next request
// as soon as the dispatcher has taken the current one, not once the reply
// has been written; with a single dispatcher, requests from one connection
// are still dispatched and answered in arrival order.
func (w *Worker) readLoop(c Conn) {
	fd := int(c.Fd())
	for {
		req, err := wire.DecodeRequest(c, w.cfg.Sizes)
		if err != nil {
			w.doneCh <- fd
			return
		}
		w.reqCh <- connRequest{fd: fd, req: req}
	}
}

// Run is the dispatch loop: the single place catalog operations execute.
// It returns ErrIdleShutdown once idle for IdleTimeout, or ctx.Err() on
// cancellation.
func (w *Worker) Run(ctx context.Context) error {
	conns := make(map[int]Conn)
	lastActivity := w.clk.Now()
	heartbeat := w.clk.After(w.cfg.HeartbeatTTL)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c := <-w.connCh:
			fd := int(c.Fd())
			now := w.clk.Now().UnixNano()
			evictedFD, evicted := w.table.Insert(fd, now)
			if evicted {
				if old, ok := conns[evictedFD]; ok {
					old.Close()
					delete(conns, evictedFD)
					w.log.Info("evicted idle connection", "fd", evictedFD)
				}
			}
			conns[fd] = c
			lastActivity = w.clk.Now()

		case r := <-w.reqCh:
			c, ok := conns[r.fd]
			if !ok {
				continue // already invalidated between read and dispatch
			}
			w.table.Touch(r.fd, w.clk.Now().UnixNano())
			reply := w.dispatch(r.req)
			if err := wire.EncodeReply(c, reply); err != nil {
				w.log.Warn("short write, invalidating connection", "fd", r.fd, "err", err)
				c.Close()
				delete(conns, r.fd)
				w.table.Remove(r.fd)
			}
			lastActivity = w.clk.Now()

		case fd := <-w.doneCh:
			if c, ok := conns[fd]; ok {
				c.Close()
				delete(conns, fd)
				w.table.Remove(fd)
			}
			lastActivity = w.clk.Now()

		case <-heartbeat:
			if w.table.Len() == 0 && w.clk.Now().Sub(lastActivity) >= w.cfg.IdleTimeout {
				return ErrIdleShutdown
			}
			heartbeat = w.clk.After(w.cfg.HeartbeatTTL)
		}
	}
}

// dispatch maps one wire.Request to a catalog operation and collapses its
// result to the Result enum, the wire boundary being the single place
// internal errors become that enum (spec.md §7).
func (w *Worker) dispatch(req *wire.Request) *wire.Reply {
	switch req.Op {
	case wire.OpAdd:
		id, err := w.cat.Add(req.Dev, req.Ino, catalog.RecordType(req.Type), catalog.CNID(req.DID), req.Name)
		return replyFor(err, wire.Reply{CNID: uint32(id)})

	case wire.OpGet:
		id, err := w.cat.Get(catalog.CNID(req.DID), req.Name)
		return replyFor(err, wire.Reply{CNID: uint32(id)})

	case wire.OpResolve:
		did, name, err := w.cat.Resolve(catalog.CNID(req.CNID))
		return replyFor(err, wire.Reply{DID: uint32(did), Name: name})

	case wire.OpLookup:
		id, err := w.cat.Lookup(req.Dev, req.Ino, catalog.RecordType(req.Type), catalog.CNID(req.DID), req.Name)
		return replyFor(err, wire.Reply{CNID: uint32(id)})

	case wire.OpUpdate:
		err := w.cat.Update(catalog.CNID(req.CNID), req.Dev, req.Ino, catalog.RecordType(req.Type), catalog.CNID(req.DID), req.Name)
		return replyFor(err, wire.Reply{})

	case wire.OpDelete:
		err := w.cat.Delete(catalog.CNID(req.CNID))
		return replyFor(err, wire.Reply{})

	case wire.OpGetstamp:
		stamp := w.cat.Getstamp()
		return &wire.Reply{Result: wire.ResultOK, Name: append([]byte(nil), stamp[:]...)}

	default:
		w.log.Error("unknown op", "op", req.Op)
		return &wire.Reply{Result: wire.ResultErrDB}
	}
}

// replyFor collapses a catalog error into base's Result field.
func replyFor(err error, base wire.Reply) *wire.Reply {
	switch {
	case err == nil:
		base.Result = wire.ResultOK
	case errors.Is(err, catalog.ErrNotFound):
		base.Result = wire.ResultNotFound
	case errors.Is(err, catalog.ErrMaxID):
		base.Result = wire.ResultErrMax
	default:
		base.Result = wire.ResultErrDB
	}
	return &base
}
