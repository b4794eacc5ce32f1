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

// Command uniconv is the offline volume-encoding conversion tool
// (bin/uniconv/uniconv.c): given a volume path and a source/destination
// charset pair, it walks the volume renaming every entry whose name
// needs re-transliterating and keeps that volume's catalog in step.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/afpfs/cnidd/cfg"
	"github.com/afpfs/cnidd/internal/catalog"
	"github.com/afpfs/cnidd/internal/catalogstore"
	"github.com/afpfs/cnidd/internal/charset"
	"github.com/afpfs/cnidd/internal/convert"
)

var rootCmd = &cobra.Command{
	Use:   "uniconv",
	Short: "Convert a volume's on-disk names between charsets and reconcile its catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		var c cfg.ConvertConfig
		if err := viper.Unmarshal(&c); err != nil {
			return fmt.Errorf("unmarshalling config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return err
		}
		return runConvert(c)
	},
}

func init() {
	if err := cfg.BindConvertFlags(rootCmd.Flags()); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runConvert(c cfg.ConvertConfig) error {
	level := slog.LevelWarn
	switch {
	case c.Verbosity >= 2:
		level = slog.LevelDebug
	case c.Verbosity == 1:
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cat, err := catalog.Open(c.Path, catalogstore.DefaultParams(), catalog.DefaultSizes())
	if err != nil {
		return fmt.Errorf("opening catalog at %s: %w", c.Path, err)
	}
	defer cat.Close()

	reg := charset.NewRegistry()
	conv := convert.New(convert.Options{
		FromCharset: c.FromCharset,
		ToCharset:   c.ToCharset,
		MacCharset:  c.MacCharset,
		DryRun:      c.DryRun,
		KeepDots:    c.KeepDots,
		Verbosity:   c.Verbosity,
	}, reg, cat, log)

	stats, err := conv.Run(c.Path)
	if err != nil {
		return fmt.Errorf("conversion failed: %w", err)
	}

	fmt.Fprintf(os.Stdout, "renamed=%d added=%d orphaned=%d errors=%d\n",
		stats.Renamed, stats.Added, stats.Orphaned, stats.Errors)
	if stats.Errors > 0 {
		os.Exit(1)
	}
	return nil
}
