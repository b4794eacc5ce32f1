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

// Package catalogstore wraps an embedded, disk-backed key-value
// environment — one bbolt file holding three named buckets — under a
// volume's .AppleDB directory. It is deliberately ignorant of catalog
// record semantics: callers (internal/catalog) hand it opaque keys and
// values and compose multi-bucket writes inside a transaction. bbolt has
// no native secondary-index "associate" feature the way Berkeley DB does,
// so secondary maintenance happens explicitly, one bolt.Tx at a time, in
// the caller.
package catalogstore

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Table names one of the three logical tables sharing the environment.
type Table string

const (
	TableByCNID    Table = "by_cnid"
	TableByDevIno  Table = "by_devino"
	TableByDIDName Table = "by_didname"
)

var allTables = []Table{TableByCNID, TableByDevIno, TableByDIDName}

var metaBucket = []byte("meta")
var stampKey = []byte("stamp")

var (
	// ErrNotFound mirrors the spec's "NotFound is a normal return value,
	// not an error" for get/resolve/delete; callers test with errors.Is.
	ErrNotFound = errors.New("catalogstore: not found")
	// ErrKeyExists is returned by Put when noOverwrite is set and the key
	// is already present.
	ErrKeyExists = errors.New("catalogstore: key exists")
	// ErrDB covers anything the underlying store reports that this
	// service cannot interpret: corruption, I/O errors, and the like.
	ErrDB = errors.New("catalogstore: store error")
)

// Params configures how the environment is opened, taken from a volume's
// db_param file (see cfg.DBParams).
type Params struct {
	// CacheSizeBytes sizes bbolt's mmap-backed page cache hint. bbolt
	// doesn't expose a direct cache-size knob the way BDB does; this is
	// threaded into InitialMmapSize as the closest analog.
	CacheSizeBytes int
	// NoSync maps directly to bbolt's Options.NoSync / DB.NoSync.
	NoSync bool
	// TxnMode is parsed from db_param and carried here, but nothing in this
	// package reads it: Env.Update always runs an operation's whole closure,
	// secondary and primary writes alike, in one bolt.Tx, whichever value
	// it has.
	TxnMode bool
	// FlushFrequency is how often Checkpoint (bbolt Compact) should be
	// invoked by a caller-owned ticker; this package does not start its
	// own timer.
	FlushFrequency time.Duration
}

// DefaultParams matches the reference implementation's documented
// defaults: transactions on, fsync on every commit.
func DefaultParams() Params {
	return Params{TxnMode: true, FlushFrequency: 30 * time.Minute}
}

// Env is one open catalog environment, normally the only open handle to a
// given volume's .AppleDB directory (spec.md §3.3: a catalog is opened
// exclusively by one worker process at a time).
type Env struct {
	db     *bbolt.DB
	path   string
	params Params
	stamp  [8]byte
}

// Open creates (on first use) or opens the three buckets under
// dir/.AppleDB/cnid2.db. The stamp is derived once, at creation, from the
// file's creation time and persisted in the meta bucket thereafter so it
// never changes for the lifetime of the catalog file (spec.md I5).
func Open(dir string, params Params) (*Env, error) {
	appleDB := filepath.Join(dir, ".AppleDB")
	if err := os.MkdirAll(appleDB, 0755); err != nil {
		return nil, errors.Join(ErrDB, err)
	}
	dbPath := filepath.Join(appleDB, "cnid2.db")

	opts := &bbolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  params.NoSync,
	}
	if params.CacheSizeBytes > 0 {
		opts.InitialMmapSize = params.CacheSizeBytes
	}
	db, err := bbolt.Open(dbPath, 0644, opts)
	if err != nil {
		return nil, errors.Join(ErrDB, err)
	}

	env := &Env{db: db, path: dbPath, params: params}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, t := range allTables {
			if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
				return err
			}
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		existing := meta.Get(stampKey)
		if existing != nil && len(existing) == 8 {
			copy(env.stamp[:], existing)
			return nil
		}
		env.stamp = deriveStamp(dbPath)
		return meta.Put(stampKey, env.stamp[:])
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Join(ErrDB, err)
	}
	return env, nil
}

// deriveStamp hashes the db path and the current time into 8 bytes; the
// original derives the stamp from the primary file's filesystem creation
// time, which Go has no portable stat field for, so wall-clock time at
// creation is used instead — same property (stable for the file's
// lifetime, changes only when recreated), different derivation.
func deriveStamp(path string) [8]byte {
	var out [8]byte
	h := sha256.Sum256([]byte(path + time.Now().String()))
	copy(out[:], h[:8])
	return out
}

// Stamp returns the 8-byte catalog identity token.
func (e *Env) Stamp() [8]byte { return e.stamp }

// Close releases the environment.
func (e *Env) Close() error { return e.db.Close() }

// Sync flushes to disk. Meaningful only when NoSync is set, since bbolt
// otherwise fsyncs on every commit already.
func (e *Env) Sync() error {
	if !e.params.NoSync {
		return nil
	}
	return e.db.Sync()
}

// Checkpoint has no bbolt WAL/checkpoint analog; it runs bbolt.Compact from
// the live database into a temporary "<path>.compact" file and removes that
// file again, leaving the primary file itself as it was. Nothing in this
// tree calls it, on a ticker or otherwise.
func (e *Env) Checkpoint() error {
	tmpPath := e.path + ".compact"
	tmp, err := bbolt.Open(tmpPath, 0644, nil)
	if err != nil {
		return errors.Join(ErrDB, err)
	}
	defer os.Remove(tmpPath)
	defer tmp.Close()
	if err := bbolt.Compact(tmp, e.db, 0); err != nil {
		return errors.Join(ErrDB, err)
	}
	return nil
}

// Tx is a single cross-bucket transaction wrapping one real bolt.Tx; each
// Env.Update or Env.View call gets exactly one, whatever TxnMode says.
type Tx struct {
	btx *bbolt.Tx
}

// Update runs fn inside a single read-write bbolt transaction.
func (e *Env) Update(fn func(tx *Tx) error) error {
	err := e.db.Update(func(btx *bbolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrKeyExists) {
		return errors.Join(ErrDB, err)
	}
	return err
}

// View runs fn inside a read-only bbolt transaction.
func (e *Env) View(fn func(tx *Tx) error) error {
	err := e.db.View(func(btx *bbolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return errors.Join(ErrDB, err)
	}
	return err
}

// Get returns the value stored at key in table, or ErrNotFound.
func (t *Tx) Get(table Table, key []byte) ([]byte, error) {
	b := t.btx.Bucket([]byte(table))
	if b == nil {
		return nil, errors.Join(ErrDB, errors.New("missing bucket "+string(table)))
	}
	v := b.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put stores value at key in table. With noOverwrite set, an existing key
// yields ErrKeyExists and the store is left unchanged.
func (t *Tx) Put(table Table, key, value []byte, noOverwrite bool) error {
	b := t.btx.Bucket([]byte(table))
	if b == nil {
		return errors.Join(ErrDB, errors.New("missing bucket "+string(table)))
	}
	if noOverwrite && b.Get(key) != nil {
		return ErrKeyExists
	}
	return b.Put(key, value)
}

// Del removes key from table. Absence is ErrNotFound, not treated as a
// failure by callers per spec.md §4.2/§4.1.
func (t *Tx) Del(table Table, key []byte) error {
	b := t.btx.Bucket([]byte(table))
	if b == nil {
		return errors.Join(ErrDB, errors.New("missing bucket "+string(table)))
	}
	if b.Get(key) == nil {
		return ErrNotFound
	}
	return b.Delete(key)
}

// NextSequence hands out a monotonically increasing counter inside table,
// used by internal/catalog to allocate cnids starting at 17 (spec.md
// §4.2) without a second bucket just for the max-id watermark.
func (t *Tx) NextSequence(table Table) (uint64, error) {
	b := t.btx.Bucket([]byte(table))
	if b == nil {
		return 0, errors.Join(ErrDB, errors.New("missing bucket "+string(table)))
	}
	return b.NextSequence()
}

// SetSequence forces table's sequence counter to at least n, used once at
// catalog creation to reserve cnids 2..16.
func (t *Tx) SetSequence(table Table, n uint64) error {
	b := t.btx.Bucket([]byte(table))
	if b == nil {
		return errors.Join(ErrDB, errors.New("missing bucket "+string(table)))
	}
	if b.Sequence() >= n {
		return nil
	}
	return b.SetSequence(n)
}

// Uint32Key packs a uint32 into a big-endian 4-byte key, bbolt's natural
// sort order preserving numeric order for free.
func Uint32Key(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}
