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

// Command cnid-metad is the metadaemon: it listens for AFP-worker
// connections, and for each one spawns or reuses a cnid-dbd process that
// owns the addressed volume's catalog, passing the client's descriptor
// across rather than proxying bytes itself (spec.md §4.2). By default it
// daemonizes into the background the way the teacher's gcsfuse CLI
// daemonizes a mount, re-exec'ing itself with an environment marker and
// using jacobsa/daemonize to hand status back to the foreground parent;
// -d keeps it attached for interactive debugging.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jacobsa/daemonize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/afpfs/cnidd/cfg"
	"github.com/afpfs/cnidd/clock"
	"github.com/afpfs/cnidd/internal/metadaemon"
	"github.com/afpfs/cnidd/internal/metrics"
)

// backgroundEnvVar marks a re-exec'd copy of this binary as already
// running in the background, the same role
// util.GCSFuseInBackgroundMode plays for the teacher's mount daemon.
const backgroundEnvVar = "CNID_METAD_BACKGROUND"

var rootCmd = &cobra.Command{
	Use:   "cnid-metad",
	Short: "CNID metadaemon: spawns and routes to per-volume catalog workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		var c cfg.Config
		if err := viper.Unmarshal(&c); err != nil {
			return fmt.Errorf("unmarshalling config: %w", err)
		}
		return runMetad(c)
	},
}

func init() {
	if err := cfg.BindFlags(rootCmd.Flags()); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMetad(c cfg.Config) error {
	inBackground := os.Getenv(backgroundEnvVar) == "true"
	if !c.Daemon.Foreground && !inBackground {
		return daemonizeSelf()
	}

	addr := fmt.Sprintf("%s:%d", c.Daemon.Host, c.Daemon.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if inBackground {
			_ = daemonize.SignalOutcome(err)
		}
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	if c.Daemon.Group != "" || c.Daemon.User != "" {
		if err := dropPrivileges(c.Daemon.User, c.Daemon.Group); err != nil {
			if inBackground {
				_ = daemonize.SignalOutcome(err)
			}
			return err
		}
	}

	if inBackground {
		_ = daemonize.SignalOutcome(nil)
	}

	go func() {
		_ = http.ListenAndServe(":9100", metrics.Handler())
	}()

	d := metadaemon.New(metadaemon.Config{
		WorkerBin:     c.Daemon.WorkerBin,
		MaxVolumes:    c.Worker.MaxVolumes,
		MaxSpawnBurst: c.Worker.MaxSpawnBurst,
		SpawnWindow:   time.Duration(c.Worker.SpawnWindowSec) * time.Second,
	}, clock.RealClock{}, slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	signal.Ignore(syscall.SIGPIPE)

	return d.Serve(ctx, ln)
}

// daemonizeSelf re-execs this binary with backgroundEnvVar set, using
// jacobsa/daemonize the same way the teacher's mount command backgrounds
// gcsfuse: the parent blocks on daemonize.Run until the child signals its
// own outcome via daemonize.SignalOutcome.
func daemonizeSelf() error {
	path, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding own executable: %w", err)
	}
	env := append(os.Environ(), backgroundEnvVar+"=true")
	if err := daemonize.Run(path, os.Args[1:], env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	return nil
}
