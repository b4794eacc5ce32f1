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

// Package convert is the offline volume-encoding conversion tool:
// walking a volume depth-first, renaming entries (and their
// .AppleDouble sidecar) whose name needs re-transliterating between
// charsets, and keeping the catalog in step with every rename.
// Grounded on bin/uniconv/uniconv.c.
package convert

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/afpfs/cnidd/internal/catalog"
	"github.com/afpfs/cnidd/internal/charset"
)

// appleDoubleDir holds per-file resource-fork sidecars, one per sibling
// in the parent directory.
const appleDoubleDir = ".AppleDouble"

// vetoedNames are never examined or converted — uniconv.c's VETO list.
var vetoedNames = map[string]bool{
	".":             true,
	"..":            true,
	".AppleDB":      true,
	appleDoubleDir:  true,
	".AppleDesktop": true,
	".Parent":       true,
}

// Options controls one conversion run; mirrors the conversion tool's CLI
// flags (spec.md §6).
type Options struct {
	FromCharset string
	ToCharset   string
	MacCharset  string
	DryRun      bool
	KeepDots    bool // -d: don't hex-escape a leading dot
	Verbosity   int
}

// Stats tallies what a run did, for the CLI to report on exit.
type Stats struct {
	Renamed  int
	Added    int
	Orphaned int
	Errors   int
}

// Converter walks a volume and reconciles names and the catalog.
type Converter struct {
	opts Options
	reg  *charset.Registry
	cat  *catalog.Catalog
	log  *slog.Logger
	stat Stats
}

// New builds a Converter. cat is already open read-write on the volume's
// catalog; the caller owns closing it.
func New(opts Options, reg *charset.Registry, cat *catalog.Catalog, log *slog.Logger) *Converter {
	if log == nil {
		log = slog.Default()
	}
	return &Converter{opts: opts, reg: reg, cat: cat, log: log}
}

// Run walks root depth-first from the catalog root cnid.
func (c *Converter) Run(root string) (Stats, error) {
	c.stat = Stats{}
	err := c.walkDir(root, catalog.CNIDRoot)
	return c.stat, err
}

// walkDir processes one directory's entries: orphaned-sidecar scan first,
// then each non-vetoed entry in turn. Recursion is hand-written rather
// than filepath.WalkDir's automatic descent because a rename can change
// an entry's name before its subtree is visited, and WalkDir has already
// queued the pre-rename name by the time our callback could rename it.
func (c *Converter) walkDir(dir string, did catalog.CNID) error {
	c.reportOrphanedSidecars(dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("convert: reading %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if vetoedNames[name] {
			continue
		}

		info, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue // vanished between ReadDir and Info, e.g. a race with afpd
		}
		if err != nil {
			c.stat.Errors++
			c.log.Error("convert: stat failed", "path", filepath.Join(dir, name), "err", err)
			continue
		}

		finalName := c.convertEntry(dir, name, info, did)

		if info.IsDir() {
			c.descendInto(dir, finalName, did)
		}
	}
	return nil
}

// convertEntry renames name if its converted form differs, subject to
// dry-run and destination-exists checks, and returns the name subsequent
// processing should use.
func (c *Converter) convertEntry(dir, name string, info fs.FileInfo, did catalog.CNID) string {
	if !needsConversion(name) {
		return name
	}

	flags := charset.UnescapeHex | charset.EscapeHex
	if !c.opts.KeepDots {
		flags |= charset.EscapeDots
	}
	converted, err := c.reg.Convert(c.opts.FromCharset, c.opts.ToCharset, []byte(name), flags)
	if err != nil {
		c.log.Warn("convert: charset conversion failed, leaving name unchanged",
			"path", filepath.Join(dir, name), "err", err)
		return name
	}
	newName := string(converted)
	if newName == name {
		return name
	}

	if c.opts.DryRun {
		c.log.Info("convert: dry run, would rename", "from", name, "to", newName, "dir", dir)
		return name
	}

	if err := c.renameWithSidecar(dir, name, newName, info.IsDir()); err != nil {
		c.stat.Errors++
		c.log.Error("convert: rename failed", "from", name, "to", newName, "dir", dir, "err", err)
		return name
	}
	c.stat.Renamed++
	c.log.Info("convert: renamed", "from", name, "to", newName, "dir", dir)
	return newName
}

// descendInto ensures dirName has a catalog record under did (adding one
// if absent, unless in dry-run with no existing record — matching
// add_dir_db's "nothing to recurse into yet" skip) and recurses.
func (c *Converter) descendInto(dir, dirName string, did catalog.CNID) {
	full := filepath.Join(dir, dirName)

	id, err := c.cat.Get(did, []byte(dirName))
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			c.stat.Errors++
			c.log.Error("convert: catalog lookup failed", "path", full, "err", err)
			return
		}
		if c.opts.DryRun {
			c.log.Info("convert: dry run, would add to catalog (skipping, not yet recursing)", "path", full)
			return
		}
		info, statErr := os.Stat(full)
		if statErr != nil {
			c.stat.Errors++
			c.log.Error("convert: stat failed before add", "path", full, "err", statErr)
			return
		}
		dev, ino := statDevIno(info)
		id, err = c.cat.Add(dev, ino, catalog.TypeDir, did, []byte(dirName))
		if err != nil {
			c.stat.Errors++
			c.log.Error("convert: catalog add failed", "path", full, "err", err)
			return
		}
		c.stat.Added++
		c.log.Info("convert: added to catalog", "path", full, "cnid", id)
	}

	if err := c.walkDir(full, id); err != nil {
		c.stat.Errors++
		c.log.Error("convert: walk failed", "path", full, "err", err)
	}
}

// renameWithSidecar renames oldName to newName within dir and, for
// non-directory entries, renames the matching .AppleDouble sidecar too.
// Refuses (without mutating anything) if the destination already exists;
// a missing sidecar is not an error.
func (c *Converter) renameWithSidecar(dir, oldName, newName string, isDir bool) error {
	oldPath := filepath.Join(dir, oldName)
	newPath := filepath.Join(dir, newName)

	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("convert: destination %s already exists", newPath)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}
	if isDir {
		return nil
	}

	oldSidecar := filepath.Join(dir, appleDoubleDir, oldName)
	newSidecar := filepath.Join(dir, appleDoubleDir, newName)
	if err := os.Rename(oldSidecar, newSidecar); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("convert: renaming sidecar: %w", err)
	}
	return nil
}

// reportOrphanedSidecars logs every .AppleDouble entry in dir with no
// matching sibling in dir itself.
func (c *Converter) reportOrphanedSidecars(dir string) {
	adDir := filepath.Join(dir, appleDoubleDir)
	adEntries, err := os.ReadDir(adDir)
	if err != nil {
		return // no .AppleDouble here, nothing to check
	}
	siblings, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	have := make(map[string]bool, len(siblings))
	for _, s := range siblings {
		have[s.Name()] = true
	}
	for _, e := range adEntries {
		if vetoedNames[e.Name()] {
			continue
		}
		if !have[e.Name()] {
			c.stat.Orphaned++
			c.log.Warn("convert: orphaned resource fork", "path", filepath.Join(adDir, e.Name()))
		}
	}
}

// needsConversion mirrors convert_name's ASCII fast path: only names
// with a high-bit byte or a ':' ever need transliterating.
func needsConversion(name string) bool {
	for i := 0; i < len(name); i++ {
		if name[i] >= 0x80 || name[i] == ':' {
			return true
		}
	}
	return false
}
