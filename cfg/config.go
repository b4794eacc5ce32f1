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

// Package cfg declares the flag-bindable configuration surface shared by
// the metadaemon, the worker and the conversion tool, following the
// teacher's cfg package: a Config struct with yaml tags, plus a
// BindFlags that wires a pflag.FlagSet to viper keys so the same value
// can come from a flag, a config file, or a default.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the metadaemon's runtime configuration.
type Config struct {
	Daemon DaemonConfig `yaml:"daemon"`

	Worker WorkerConfig `yaml:"worker"`
}

type DaemonConfig struct {
	Foreground bool   `yaml:"foreground"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	WorkerBin  string `yaml:"worker-bin"`
	User       string `yaml:"user"`
	Group      string `yaml:"group"`
}

type WorkerConfig struct {
	MaxVolumes     int `yaml:"max-volumes"`
	MaxSpawnBurst  int `yaml:"max-spawn-burst"`
	SpawnWindowSec int `yaml:"spawn-window-seconds"`
}

// BindFlags registers the metadaemon's flags (spec.md §6: `-d -h -p -s -u
// -g`) on flagSet and binds each to its viper key, so Config can later be
// populated with viper.Unmarshal regardless of whether the value came
// from the flag, a config file, or the flag's own default.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.BoolP("foreground", "d", false, "Stay in the foreground instead of daemonizing.")
	if err := viper.BindPFlag("daemon.foreground", flagSet.Lookup("foreground")); err != nil {
		return err
	}

	flagSet.StringP("host", "h", "", "Host address to listen on.")
	if err := viper.BindPFlag("daemon.host", flagSet.Lookup("host")); err != nil {
		return err
	}

	flagSet.IntP("port", "p", 4700, "Port to listen on.")
	if err := viper.BindPFlag("daemon.port", flagSet.Lookup("port")); err != nil {
		return err
	}

	flagSet.StringP("worker-bin", "s", "", "Path to the cnid_dbd worker binary.")
	if err := viper.BindPFlag("daemon.worker-bin", flagSet.Lookup("worker-bin")); err != nil {
		return err
	}

	flagSet.StringP("user", "u", "", "Drop privileges to this user after binding.")
	if err := viper.BindPFlag("daemon.user", flagSet.Lookup("user")); err != nil {
		return err
	}

	flagSet.StringP("group", "g", "", "Drop privileges to this group after binding.")
	if err := viper.BindPFlag("daemon.group", flagSet.Lookup("group")); err != nil {
		return err
	}

	flagSet.Int("max-volumes", 20, "Maximum number of concurrently running workers.")
	if err := viper.BindPFlag("worker.max-volumes", flagSet.Lookup("max-volumes")); err != nil {
		return err
	}

	flagSet.Int("max-spawn-burst", 3, "Maximum worker spawns allowed within the spawn window.")
	if err := viper.BindPFlag("worker.max-spawn-burst", flagSet.Lookup("max-spawn-burst")); err != nil {
		return err
	}

	flagSet.Int("spawn-window-seconds", 20, "Width of the spawn-rate window, in seconds.")
	if err := viper.BindPFlag("worker.spawn-window-seconds", flagSet.Lookup("spawn-window-seconds")); err != nil {
		return err
	}

	return nil
}

// ConvertConfig is the conversion tool's flag surface (spec.md §6: `-f -t
// -m -p -c -n -d -v`).
type ConvertConfig struct {
	FromCharset string `yaml:"from-charset"`
	ToCharset   string `yaml:"to-charset"`
	MacCharset  string `yaml:"mac-charset"`
	Path        string `yaml:"path"`
	Backend     string `yaml:"backend"`
	DryRun      bool   `yaml:"dry-run"`
	KeepDots    bool   `yaml:"keep-dots"`
	Verbosity   int    `yaml:"verbosity"`
}

// BindConvertFlags registers the conversion tool's flags.
func BindConvertFlags(flagSet *pflag.FlagSet) error {
	flagSet.StringP("from-charset", "f", "", "Source charset name (required).")
	if err := viper.BindPFlag("from-charset", flagSet.Lookup("from-charset")); err != nil {
		return err
	}

	flagSet.StringP("to-charset", "t", "", "Destination charset name (required).")
	if err := viper.BindPFlag("to-charset", flagSet.Lookup("to-charset")); err != nil {
		return err
	}

	flagSet.StringP("mac-charset", "m", "MAC_ROMAN", "Charset classic Mac clients expect.")
	if err := viper.BindPFlag("mac-charset", flagSet.Lookup("mac-charset")); err != nil {
		return err
	}

	flagSet.StringP("path", "p", ".", "Volume root to convert.")
	if err := viper.BindPFlag("path", flagSet.Lookup("path")); err != nil {
		return err
	}

	flagSet.StringP("backend", "c", "bbolt", "Catalog store backend name.")
	if err := viper.BindPFlag("backend", flagSet.Lookup("backend")); err != nil {
		return err
	}

	flagSet.BoolP("dry-run", "n", false, "Report what would change without mutating anything.")
	if err := viper.BindPFlag("dry-run", flagSet.Lookup("dry-run")); err != nil {
		return err
	}

	flagSet.BoolP("keep-dots", "d", false, "Don't hex-escape a leading dot.")
	if err := viper.BindPFlag("keep-dots", flagSet.Lookup("keep-dots")); err != nil {
		return err
	}

	flagSet.CountP("verbose", "v", "Increase log verbosity; repeatable.")
	if err := viper.BindPFlag("verbosity", flagSet.Lookup("verbose")); err != nil {
		return err
	}

	return nil
}
