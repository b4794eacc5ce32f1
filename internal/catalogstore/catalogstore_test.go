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

package catalogstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEnv(t *testing.T) *Env {
	t.Helper()
	dir := t.TempDir()
	env, err := Open(dir, DefaultParams())
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

func TestOpenCreatesAppleDB(t *testing.T) {
	env := openTestEnv(t)
	assert.NotZero(t, env.Stamp())
}

func TestStampStableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	env1, err := Open(dir, DefaultParams())
	require.NoError(t, err)
	stamp1 := env1.Stamp()
	require.NoError(t, env1.Close())

	env2, err := Open(dir, DefaultParams())
	require.NoError(t, err)
	defer env2.Close()
	assert.Equal(t, stamp1, env2.Stamp())
}

func TestPutGetDel(t *testing.T) {
	env := openTestEnv(t)
	key := Uint32Key(17)

	err := env.Update(func(tx *Tx) error {
		return tx.Put(TableByCNID, key, []byte("record-17"), false)
	})
	require.NoError(t, err)

	var got []byte
	err = env.View(func(tx *Tx) error {
		v, err := tx.Get(TableByCNID, key)
		got = v
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("record-17"), got)

	err = env.Update(func(tx *Tx) error {
		return tx.Del(TableByCNID, key)
	})
	require.NoError(t, err)

	err = env.View(func(tx *Tx) error {
		_, err := tx.Get(TableByCNID, key)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutNoOverwriteRejectsExisting(t *testing.T) {
	env := openTestEnv(t)
	key := Uint32Key(1)

	err := env.Update(func(tx *Tx) error {
		return tx.Put(TableByCNID, key, []byte("a"), true)
	})
	require.NoError(t, err)

	err = env.Update(func(tx *Tx) error {
		return tx.Put(TableByCNID, key, []byte("b"), true)
	})
	assert.ErrorIs(t, err, ErrKeyExists)
}

func TestDelMissingIsNotFound(t *testing.T) {
	env := openTestEnv(t)
	err := env.Update(func(tx *Tx) error {
		return tx.Del(TableByCNID, Uint32Key(999))
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSequenceReservesLowCnids(t *testing.T) {
	env := openTestEnv(t)
	err := env.Update(func(tx *Tx) error {
		return tx.SetSequence(TableByCNID, 16)
	})
	require.NoError(t, err)

	var next uint64
	err = env.Update(func(tx *Tx) error {
		n, err := tx.NextSequence(TableByCNID)
		next = n
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(17), next)
}

func TestCheckpointCompactsWithoutError(t *testing.T) {
	env := openTestEnv(t)
	require.NoError(t, env.Update(func(tx *Tx) error {
		return tx.Put(TableByCNID, Uint32Key(17), []byte("x"), false)
	}))
	assert.NoError(t, env.Checkpoint())
}
