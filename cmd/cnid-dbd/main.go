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

// Command cnid-dbd is the per-volume catalog worker: it is fork/exec'd by
// cnid-metad with its catalog directory as argv[1] and the metadaemon's
// end of a socketpair as fd 3 (os/exec's ExtraFiles[0]). It opens that
// volume's catalog once, then receives one client connection's
// descriptor at a time over fd 3 and hands each to workerloop.Worker,
// exiting after IdleTimeout with no active connections so cnid-metad can
// reclaim the slot — mirroring etc/cnid_dbd/main.c's own idle exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/afpfs/cnidd/cfg"
	"github.com/afpfs/cnidd/clock"
	"github.com/afpfs/cnidd/internal/catalog"
	"github.com/afpfs/cnidd/internal/catalogstore"
	"github.com/afpfs/cnidd/internal/fdpass"
	"github.com/afpfs/cnidd/internal/metrics"
	"github.com/afpfs/cnidd/internal/workerloop"
)

// dbParamFile is the per-volume config file spec.md §6 lists under
// .AppleDB: plain text key=value pairs, parsed by cfg.DBParams.
const dbParamFile = "db_param"

const passedFD = 3 // os/exec.Cmd.ExtraFiles[0]

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: cnid-dbd <appledb-dir>")
		os.Exit(1)
	}
	if err := run(os.Args[1]); err != nil {
		slog.Error("cnid-dbd: exiting", "err", err)
		os.Exit(1)
	}
}

// run opens the catalog for the volume owning appleDBDir. cnid-metad's
// ensureCatalogDir already created and passes the .AppleDB directory
// itself (its map key), while catalog.Open wants the volume root and
// derives .AppleDB/cnid2.db from it internally — so the volume root is
// recovered with filepath.Dir before opening.
func run(appleDBDir string) error {
	// SIGPIPE is ignored the way etc/cnid_dbd's worker ignores it: a
	// client that vanishes mid-write must not kill this process.
	signal.Ignore(syscall.SIGPIPE)

	volRoot := filepath.Dir(appleDBDir)
	params, err := readDBParams(appleDBDir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dbParamFile, err)
	}

	cat, err := catalog.Open(volRoot, params, catalog.DefaultSizes())
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer cat.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	worker := workerloop.New(cat, clock.RealClock{}, workerloop.Config{
		Sizes:       catalog.DefaultSizes(),
		TableSize:   32,
		IdleTimeout: 10 * time.Minute,
	}, slog.Default())

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- worker.Run(ctx) }()

	go acceptPassedConns(ctx, worker)

	metrics.WorkersRunning.Inc()
	defer metrics.WorkersRunning.Dec()

	err = <-runErrCh
	if errors.Is(err, workerloop.ErrIdleShutdown) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readDBParams loads <appleDBDir>/db_param if present, falling back to
// catalogstore.DefaultParams when the volume has never had one written.
func readDBParams(appleDBDir string) (catalogstore.Params, error) {
	data, err := os.ReadFile(filepath.Join(appleDBDir, dbParamFile))
	if errors.Is(err, fs.ErrNotExist) {
		return catalogstore.DefaultParams(), nil
	}
	if err != nil {
		return catalogstore.Params{}, err
	}
	return cfg.DBParams(data)
}

// acceptPassedConns pulls one client descriptor at a time off the
// metadaemon's socketpair end and hands it to worker.Accept.
func acceptPassedConns(ctx context.Context, worker *workerloop.Worker) {
	for {
		if ctx.Err() != nil {
			return
		}
		fd, err := fdpass.Recv(passedFD)
		if err != nil {
			return // socketpair closed: cnid-metad has let go of this worker
		}
		f := os.NewFile(uintptr(fd), "client")
		worker.Accept(f)
	}
}
