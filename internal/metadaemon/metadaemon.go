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

// Package metadaemon is the supervisor afpd's AFP workers dial into: it
// accepts a TCP connection carrying a volume path, starts (or reuses) the
// cnid-dbd worker process that owns that volume's catalog, and hands the
// connection's file descriptor to that worker over a Unix-domain
// socketpair. Grounded on etc/cnid_dbd/cnid_metad.c's main loop,
// maybe_start_dbd, and test_usockfn.
package metadaemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/afpfs/cnidd/clock"
	"github.com/afpfs/cnidd/internal/fdpass"
	"github.com/afpfs/cnidd/internal/wire"
)

// appleDBDir is the catalog's on-disk subdirectory name within a volume,
// cnid_metad.c's DBHOME.
const appleDBDir = ".AppleDB"

// ErrNoFreeSlot mirrors maybe_start_dbd's "no free slot" failure: at most
// MaxVolumes distinct volumes may have a worker tracked at once.
var ErrNoFreeSlot = errors.New("metadaemon: no free volume slot")

// ErrSpawnTooFast mirrors maybe_start_dbd's MAXSPAWN/TESTTIME guard: a
// volume whose worker keeps dying is rate-limited rather than respawned
// in a tight loop.
var ErrSpawnTooFast = errors.New("metadaemon: worker respawning too fast")

// Config controls a Daemon's behavior.
type Config struct {
	// WorkerBin is the path to the cnid-dbd binary to fork/exec per volume.
	WorkerBin string
	// MaxVolumes bounds how many distinct volume workers are tracked at
	// once, cnid_metad.c's MAXSRV (20).
	MaxVolumes int
	// MaxSpawnBurst and SpawnWindow reproduce cnid_metad.c's "respawned
	// more than MaxSpawnBurst times within SpawnWindow" guard (3 within
	// 20s in the original) using a token-bucket rate limiter instead of
	// the original's manual tm/count bookkeeping.
	MaxSpawnBurst int
	SpawnWindow   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxVolumes == 0 {
		c.MaxVolumes = 20
	}
	if c.MaxSpawnBurst == 0 {
		c.MaxSpawnBurst = 3
	}
	if c.SpawnWindow == 0 {
		c.SpawnWindow = 20 * time.Second
	}
	return c
}

// Daemon is the metadaemon's in-process state: one volumeProc per volume
// currently known, keyed by its catalog directory.
type Daemon struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger

	mu      sync.Mutex
	volumes map[string]*volumeProc

	// spawnEnv, when set, is applied to a worker's exec.Cmd before Start;
	// tests use it to re-exec the test binary itself as a fake worker
	// instead of requiring a real cnid-dbd binary on PATH.
	spawnEnv func(*exec.Cmd)
}

type volumeProc struct {
	dbdir   string
	cmd     *exec.Cmd
	sockFD  int // parent's end of the socketpair; fds are passed across it
	limiter *rate.Limiter
	alive   bool
}

// New builds a Daemon. clk is injectable so spawn-rate-limiting tests don't
// need to sleep for real.
func New(cfg Config, clk clock.Clock, log *slog.Logger) *Daemon {
	if log == nil {
		log = slog.Default()
	}
	return &Daemon{
		cfg:     cfg.withDefaults(),
		clk:     clk,
		log:     log,
		volumes: make(map[string]*volumeProc),
	}
}

// Serve accepts connections on ln until ctx is canceled or Accept fails.
// Each connection is handled in its own goroutine; only the decision to
// spawn or reuse a worker process is serialized, via Daemon.mu.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go d.handleConn(conn)
	}
}

// handleConn reads the volpath handshake from a newly accepted connection
// and routes it to the owning worker, logging and closing on any failure
// rather than propagating it — one bad client must not take down the
// daemon, matching cnid_metad.c's per-request goto loop_end.
func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	volpath, err := wire.DecodeVolpath(conn, wire.MaxNameLen)
	if err != nil {
		d.log.Warn("metadaemon: bad volpath handshake", "err", err)
		return
	}

	dbdir, err := ensureCatalogDir(volpath)
	if err != nil {
		d.log.Error("metadaemon: cannot prepare catalog dir", "volpath", volpath, "err", err)
		return
	}

	f, err := fileFromConn(conn)
	if err != nil {
		d.log.Error("metadaemon: connection has no transferable descriptor", "err", err)
		return
	}
	defer f.Close()

	if err := d.route(dbdir, int(f.Fd())); err != nil {
		d.log.Error("metadaemon: could not route connection to worker", "dbdir", dbdir, "err", err)
	}
}

// ensureCatalogDir mirrors set_dbdir: creates the volume root and its
// .AppleDB subdirectory if absent, and returns the .AppleDB path, the key
// workers and the daemon both track volumes by.
func ensureCatalogDir(volRoot string) (string, error) {
	if volRoot == "" {
		return "", fmt.Errorf("metadaemon: empty volume path")
	}
	if err := os.MkdirAll(volRoot, 0755); err != nil {
		return "", err
	}
	dbdir := filepath.Join(volRoot, appleDBDir)
	if err := os.MkdirAll(dbdir, 0755); err != nil {
		return "", err
	}
	return dbdir, nil
}

// route hands fd to the worker process that owns dbdir's catalog,
// starting that worker if it isn't already running.
func (d *Daemon) route(dbdir string, fd int) error {
	vp, err := d.ensureWorker(dbdir)
	if err != nil {
		return err
	}
	return fdpass.Send(vp.sockFD, fd)
}

// ensureWorker is maybe_start_dbd: reuse a live process for dbdir, or
// spawn one, subject to the slot-count and spawn-rate limits.
func (d *Daemon) ensureWorker(dbdir string) (*volumeProc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if vp, ok := d.volumes[dbdir]; ok && vp.alive {
		return vp, nil
	}

	vp, ok := d.volumes[dbdir]
	if !ok {
		if len(d.volumes) >= d.cfg.MaxVolumes {
			return nil, ErrNoFreeSlot
		}
		vp = &volumeProc{
			dbdir: dbdir,
			limiter: rate.NewLimiter(
				rate.Every(d.cfg.SpawnWindow/time.Duration(d.cfg.MaxSpawnBurst)),
				d.cfg.MaxSpawnBurst,
			),
		}
		d.volumes[dbdir] = vp
	}

	if !vp.limiter.AllowN(d.clk.Now(), 1) {
		return nil, fmt.Errorf("%w: %s", ErrSpawnTooFast, dbdir)
	}

	if err := d.spawn(vp); err != nil {
		return nil, err
	}
	return vp, nil
}

// spawn forks the worker binary for vp.dbdir, handing it one end of a
// fresh Unix-domain socketpair over which the parent will later pass
// client connection fds (cnid_metad.c's socketpair(2) + dup2 dance,
// reproduced with os/exec.Cmd.ExtraFiles instead of manual fork/dup2).
func (d *Daemon) spawn(vp *volumeProc) error {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("metadaemon: socketpair: %w", err)
	}
	parentEnd, childEnd := pair[0], pair[1]

	childFile := os.NewFile(uintptr(childEnd), "worker-socket")
	cmd := exec.Command(d.cfg.WorkerBin, vp.dbdir)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if d.spawnEnv != nil {
		d.spawnEnv(cmd)
	}

	if err := cmd.Start(); err != nil {
		unix.Close(parentEnd)
		childFile.Close()
		return fmt.Errorf("metadaemon: starting worker for %s: %w", vp.dbdir, err)
	}
	childFile.Close() // parent keeps only its own end open

	vp.cmd = cmd
	vp.sockFD = parentEnd
	vp.alive = true

	go d.reap(vp)

	d.log.Info("metadaemon: spawned worker", "dbdir", vp.dbdir, "pid", cmd.Process.Pid)
	return nil
}

// reap waits for a worker's exit and logs it the way cnid_metad.c's
// waitpid(WNOHANG) loop does; os/exec's Cmd.Wait already reaps the child,
// so no explicit SIGCHLD handler is needed.
func (d *Daemon) reap(vp *volumeProc) {
	err := vp.cmd.Wait()
	unix.Close(vp.sockFD)

	d.mu.Lock()
	vp.alive = false
	d.mu.Unlock()

	if err != nil {
		d.log.Info("metadaemon: worker exited", "dbdir", vp.dbdir, "err", err)
	} else {
		d.log.Info("metadaemon: worker exited", "dbdir", vp.dbdir, "code", 0)
	}
}

// fdConn is the subset of net.Conn this package needs a duplicable
// descriptor from; *net.TCPConn and *net.UnixConn both satisfy it.
type fdConn interface {
	File() (*os.File, error)
}

func fileFromConn(conn net.Conn) (*os.File, error) {
	fc, ok := conn.(fdConn)
	if !ok {
		return nil, fmt.Errorf("metadaemon: connection type %T has no transferable descriptor", conn)
	}
	return fc.File()
}
