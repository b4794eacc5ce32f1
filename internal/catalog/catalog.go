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

package catalog

import (
	"errors"
	"fmt"

	"github.com/afpfs/cnidd/internal/catalogstore"
)

// Catalog is one open volume's CNID catalog: the three-table store plus
// the dev/ino width this catalog was created with.
type Catalog struct {
	env   *catalogstore.Env
	sizes Sizes
}

// Open opens or creates the catalog under dir/.AppleDB, reserving cnids
// 2..16 on a fresh store the first time through.
func Open(dir string, storeParams catalogstore.Params, sizes Sizes) (*Catalog, error) {
	env, err := catalogstore.Open(dir, storeParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDB, err)
	}
	c := &Catalog{env: env, sizes: sizes}
	err = env.Update(func(tx *catalogstore.Tx) error {
		return tx.SetSequence(catalogstore.TableByCNID, firstAllocatable)
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("%w: %v", ErrDB, err)
	}
	return c, nil
}

// Close releases the underlying environment.
func (c *Catalog) Close() error { return c.env.Close() }

// Getstamp returns the catalog's 8-byte identity token (spec.md I5, P5).
func (c *Catalog) Getstamp() [8]byte { return c.env.Stamp() }

// getPrimary fetches and unpacks the record at cnid, or ErrNotFound.
func (c *Catalog) getPrimary(tx *catalogstore.Tx, id CNID) (Record, error) {
	data, err := tx.Get(catalogstore.TableByCNID, cnidKey(id))
	if err != nil {
		if errors.Is(err, catalogstore.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("%w: %v", ErrDB, err)
	}
	return unpackRecord(data, c.sizes)
}

// pget resolves a secondary key to the primary record it points at, or
// ErrNotFound. Mirrors dbif_pget: the secondary table stores only the
// cnid, so resolving a hit costs one extra by_cnid read.
func (c *Catalog) pget(tx *catalogstore.Tx, table catalogstore.Table, key []byte) (Record, bool, error) {
	idBytes, err := tx.Get(table, key)
	if err != nil {
		if errors.Is(err, catalogstore.ErrNotFound) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("%w: %v", ErrDB, err)
	}
	rec, err := c.getPrimary(tx, cnidFromBytes(idBytes))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// secondary-corrupt: the store signals an inconsistency;
			// treated as NotFound in this read path per spec.md §4.1.
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

// putPrimary writes rec to all three tables, overwriting whatever was
// there before at the same cnid key (the by_devino/by_didname writes use
// the new record's keys, not any stale ones).
func (c *Catalog) putPrimary(tx *catalogstore.Tx, rec Record) error {
	packed, err := packRecord(rec, c.sizes)
	if err != nil {
		return err
	}
	if err := tx.Put(catalogstore.TableByCNID, cnidKey(rec.CNID), packed, false); err != nil {
		return fmt.Errorf("%w: %v", ErrDB, err)
	}
	idBytes := cnidKey(rec.CNID)
	if err := tx.Put(catalogstore.TableByDevIno, devInoKey(rec.Dev, rec.Ino), idBytes, false); err != nil {
		return fmt.Errorf("%w: %v", ErrDB, err)
	}
	if err := tx.Put(catalogstore.TableByDIDName, didNameKey(rec.DID, rec.Name), idBytes, false); err != nil {
		return fmt.Errorf("%w: %v", ErrDB, err)
	}
	return nil
}

// deletePrimary removes rec's entry from all three tables: the primary
// plus the two secondary keys derived from rec's own fields. A del on the
// primary must cascade to both secondaries (spec.md §4.1 invariant); since
// bbolt has no associate-on-delete, that cascade is explicit here.
func (c *Catalog) deletePrimary(tx *catalogstore.Tx, rec Record) error {
	if err := tx.Del(catalogstore.TableByCNID, cnidKey(rec.CNID)); err != nil && !errors.Is(err, catalogstore.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrDB, err)
	}
	if err := tx.Del(catalogstore.TableByDevIno, devInoKey(rec.Dev, rec.Ino)); err != nil && !errors.Is(err, catalogstore.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrDB, err)
	}
	if err := tx.Del(catalogstore.TableByDIDName, didNameKey(rec.DID, rec.Name)); err != nil && !errors.Is(err, catalogstore.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrDB, err)
	}
	return nil
}

// Add composes a candidate record and allocates a new cnid unless an
// equivalent one already exists, per spec.md §4.2.
func (c *Catalog) Add(dev, ino []byte, typ RecordType, did CNID, name []byte) (CNID, error) {
	var result CNID
	var maxed bool
	err := c.env.Update(func(tx *catalogstore.Tx) error {
		// Step 2: an existing by_didname hit is an idempotent create.
		if rec, ok, err := c.pget(tx, catalogstore.TableByDIDName, didNameKey(did, name)); err != nil {
			return err
		} else if ok {
			result = rec.CNID
			return nil
		}
		// Step 3: an existing by_devino hit of the same type is also
		// idempotent; a type mismatch means the inode was reused for a
		// different kind of object, so fall through to allocation.
		if rec, ok, err := c.pget(tx, catalogstore.TableByDevIno, devInoKey(dev, ino)); err != nil {
			return err
		} else if ok && rec.Type == typ {
			result = rec.CNID
			return nil
		}
		// Step 4: allocate.
		next, err := tx.NextSequence(catalogstore.TableByCNID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDB, err)
		}
		if next > 0xFFFFFFFF {
			maxed = true
			return nil
		}
		newID := CNID(next)
		rec := Record{CNID: newID, Dev: dev, Ino: ino, Type: typ, DID: did, Name: name}
		if err := c.putPrimary(tx, rec); err != nil {
			return err
		}
		result = newID
		return nil
	})
	if err != nil {
		return 0, err
	}
	if maxed {
		return 0, ErrMaxID
	}
	return result, nil
}

// Get looks up by (did, name); NOTFOUND is not an error for this op.
func (c *Catalog) Get(did CNID, name []byte) (CNID, error) {
	var result CNID
	var notFound bool
	err := c.env.View(func(tx *catalogstore.Tx) error {
		rec, ok, err := c.pget(tx, catalogstore.TableByDIDName, didNameKey(did, name))
		if err != nil {
			return err
		}
		if !ok {
			notFound = true
			return nil
		}
		result = rec.CNID
		return nil
	})
	if err != nil {
		return 0, err
	}
	if notFound {
		return 0, ErrNotFound
	}
	return result, nil
}

// Resolve returns (did, name) for cnid.
func (c *Catalog) Resolve(id CNID) (CNID, []byte, error) {
	var did CNID
	var name []byte
	var notFound bool
	err := c.env.View(func(tx *catalogstore.Tx) error {
		rec, err := c.getPrimary(tx, id)
		if errors.Is(err, ErrNotFound) {
			notFound = true
			return nil
		}
		if err != nil {
			return err
		}
		did, name = rec.DID, rec.Name
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	if notFound {
		return 0, nil, ErrNotFound
	}
	return did, name, nil
}

// Delete removes the primary record for cnid; NOTFOUND is not an error.
func (c *Catalog) Delete(id CNID) error {
	var notFound bool
	err := c.env.Update(func(tx *catalogstore.Tx) error {
		rec, err := c.getPrimary(tx, id)
		if errors.Is(err, ErrNotFound) {
			notFound = true
			return nil
		}
		if err != nil {
			return err
		}
		return c.deletePrimary(tx, rec)
	})
	if err != nil {
		return err
	}
	if notFound {
		return ErrNotFound
	}
	return nil
}

// Update replaces the record at cnid with the given composition, first
// deleting any existing record under the new by_devino key and under the
// new by_didname key (either or both may be missing), and dropping the
// secondaries the record at cnid held before. Per spec.md §4.2
// and §9's first open question, this succeeds (an effective upsert) even
// if none of the old indexes matched.
func (c *Catalog) Update(id CNID, dev, ino []byte, typ RecordType, did CNID, name []byte) error {
	return c.env.Update(func(tx *catalogstore.Tx) error {
		return c.update(tx, id, dev, ino, typ, did, name)
	})
}

func (c *Catalog) update(tx *catalogstore.Tx, id CNID, dev, ino []byte, typ RecordType, did CNID, name []byte) error {
	// delete secondary1 -> delete secondary2 -> drop the record still at id
	// -> put primary, grounded on dbd_update.c: each pget-then-cascade-delete
	// is independent of whether the other secondary had a hit.
	if rec, ok, err := c.pget(tx, catalogstore.TableByDevIno, devInoKey(dev, ino)); err != nil {
		return err
	} else if ok {
		if err := c.deletePrimary(tx, rec); err != nil {
			return err
		}
	}
	if rec, ok, err := c.pget(tx, catalogstore.TableByDIDName, didNameKey(did, name)); err != nil {
		return err
	} else if ok {
		if err := c.deletePrimary(tx, rec); err != nil {
			return err
		}
	}
	// The record at id may still carry its old dev/ino and (did, name)
	// secondaries when neither new key matched it; remove them too.
	if old, err := c.getPrimary(tx, id); err == nil {
		if err := c.deletePrimary(tx, old); err != nil {
			return err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	rec := Record{CNID: id, Dev: dev, Ino: ino, Type: typ, DID: did, Name: name}
	return c.putPrimary(tx, rec)
}

// Lookup is the reconciliation primitive, grounded on dbd_lookup.c: query
// both by_devino and by_didname. A by_didname hit whose dev differs from
// the request's, or whose type differs, is deleted (a cross-device move or
// an inode reused as a different type); a by_devino hit whose type differs
// is deleted likewise. Any hit that survives is treated as a move/rename
// and folded through to update.
func (c *Catalog) Lookup(dev, ino []byte, typ RecordType, did CNID, name []byte) (CNID, error) {
	var result CNID
	var notFound bool
	err := c.env.Update(func(tx *catalogstore.Tx) error {
		devinoHit, hasDevino, err := c.pget(tx, catalogstore.TableByDevIno, devInoKey(dev, ino))
		if err != nil {
			return err
		}
		didnameHit, hasDidname, err := c.pget(tx, catalogstore.TableByDIDName, didNameKey(did, name))
		if err != nil {
			return err
		}

		if !hasDevino && !hasDidname {
			notFound = true
			return nil
		}

		if hasDevino && hasDidname && devinoHit.CNID == didnameHit.CNID && devinoHit.Type == typ {
			result = didnameHit.CNID
			return nil
		}

		update := false
		cnid := CNID(0)

		if hasDidname {
			cnid = didnameHit.CNID
			sameDev := bytesEqual(dev, didnameHit.Dev)
			if !sameDev || didnameHit.Type != typ {
				if err := c.deletePrimary(tx, didnameHit); err != nil {
					return err
				}
			} else {
				update = true
			}
		}

		if hasDevino {
			cnid = devinoHit.CNID
			if devinoHit.Type != typ {
				if err := c.deletePrimary(tx, devinoHit); err != nil {
					return err
				}
			} else {
				update = true
			}
		}

		if !update {
			notFound = true
			return nil
		}
		if err := c.update(tx, cnid, dev, ino, typ, did, name); err != nil {
			return err
		}
		result = cnid
		return nil
	})
	if err != nil {
		return 0, err
	}
	if notFound {
		return 0, ErrNotFound
	}
	return result, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
