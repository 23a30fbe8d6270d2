// Copyright 2025 BINARY Members
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

package obsidian

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/B1NARY-GR0UP/obsidian/types"
)

func TestOpenClose(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testConfig())
	require.NoError(t, err)
	require.NotNil(t, db)
	assert.Equal(t, StateOpened, db.State())

	require.NoError(t, db.Close())
	assert.Equal(t, StateClosed, db.State())
}

func TestOpenLocked(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testConfig())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, db.Close())
	}()

	_, err = Open(dir, testConfig())
	assert.Error(t, err)
}

func TestReopenPersistence(t *testing.T) {
	dir := t.TempDir()
	config := testConfig()

	db, err := Open(dir, config)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		value := []byte(fmt.Sprintf("value-%03d", i))
		require.NoError(t, db.Update(func(txn *Txn) error {
			return txn.Set(key, value)
		}))
	}
	require.NoError(t, db.Close())

	db, err = Open(dir, config)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, db.Close())
	}()

	err = db.View(func(txn *Txn) error {
		for i := 0; i < 100; i++ {
			item, err := txn.Get([]byte(fmt.Sprintf("key-%03d", i)))
			if err != nil {
				return err
			}
			assert.Equal(t, []byte(fmt.Sprintf("value-%03d", i)), item.Value())
		}
		return nil
	})
	require.NoError(t, err)
}

// S5: a large value spills to the value log and resolves back.
func TestValueLogSpill(t *testing.T) {
	config := testConfig()
	config.ValueThreshold = 1 * _kb
	db := openTestDB(t, config)

	big := make([]byte, 2*_mb)
	for i := range big {
		big[i] = byte(rand.Intn(256))
	}

	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Set([]byte("big"), big)
	}))

	// the LSM copy must be a value pointer
	vs, err := db.get(types.KeyWithTs([]byte("big"), math.MaxUint64))
	require.NoError(t, err)
	assert.True(t, vs.Meta.Has(types.BitValuePointer))
	var vp types.ValuePointer
	vp.Decode(vs.Value)
	assert.False(t, vp.IsEmpty())

	err = db.View(func(txn *Txn) error {
		item, err := txn.Get([]byte("big"))
		if err != nil {
			return err
		}
		assert.True(t, bytes.Equal(big, item.Value()))
		return nil
	})
	require.NoError(t, err)
}

func TestSmallValueStaysInline(t *testing.T) {
	config := testConfig()
	config.ValueThreshold = 1 * _kb
	db := openTestDB(t, config)

	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Set([]byte("small"), []byte("inline"))
	}))

	vs, err := db.get(types.KeyWithTs([]byte("small"), math.MaxUint64))
	require.NoError(t, err)
	assert.False(t, vs.Meta.Has(types.BitValuePointer))
	assert.Equal(t, []byte("inline"), vs.Value)
}

func TestEntryTTL(t *testing.T) {
	db := openTestDB(t, testConfig())

	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.SetEntry(types.NewEntry([]byte("ephemeral"), []byte("v")).WithTTL(time.Millisecond))
	}))

	time.Sleep(1100 * time.Millisecond) // expiry has second granularity

	err := db.View(func(txn *Txn) error {
		_, err := txn.Get([]byte("ephemeral"))
		return err
	})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

// S6: flushed tables compact out of L0 and the keys survive.
func TestCompactionMovesL0Down(t *testing.T) {
	config := testConfig()
	config.MemtableSize = 32 * _kb
	config.BaseTableSize = 16 * _kb
	config.BaseLevelSize = 64 * _kb
	config.NumLevelZeroTables = 2
	db := openTestDB(t, config)

	// batches stay well under the small memtable's batch limits
	const numKeys = 10000
	for i := 0; i < numKeys; i += 25 {
		require.NoError(t, db.Update(func(txn *Txn) error {
			for j := i; j < i+25 && j < numKeys; j++ {
				key := []byte(fmt.Sprintf("key-%05d", j))
				if err := txn.Set(key, []byte(fmt.Sprintf("value-%d", j))); err != nil {
					return err
				}
			}
			return nil
		}))
	}

	// wait for the flush queue to drain
	require.Eventually(t, func() bool {
		db.mu.RLock()
		defer db.mu.RUnlock()
		return db.immutables.Len() == 0
	}, 30*time.Second, 50*time.Millisecond, "flush queue did not drain")

	// force the remaining L0 tables down, racing compactors are
	// tolerated via errFillTables
	ctx := compactContext{oracle: db.oracle, discardStats: db.discard, manifest: db.manifest}
	require.Eventually(t, func() bool {
		if db.manager.levels[0].numTables() == 0 {
			return true
		}
		p := compactionPriority{level: 0, score: 1, adjusted: 1, t: db.manager.levelTargets()}
		_ = db.manager.doCompact(0, p, ctx)
		return db.manager.levels[0].numTables() == 0
	}, 30*time.Second, 50*time.Millisecond, "L0 did not drain")

	require.NoError(t, db.manager.validate())

	var deeperTables int
	for _, lh := range db.manager.levels[1:] {
		deeperTables += lh.numTables()
	}
	assert.Positive(t, deeperTables)

	// single-version live keys leave nothing stale behind
	for _, lh := range db.manager.levels {
		assert.Zero(t, lh.getTotalStaleSize())
	}

	err := db.View(func(txn *Txn) error {
		for i := 0; i < numKeys; i += 997 {
			key := []byte(fmt.Sprintf("key-%05d", i))
			item, err := txn.Get(key)
			if err != nil {
				return fmt.Errorf("key %s: %w", key, err)
			}
			if !bytes.Equal(item.Value(), []byte(fmt.Sprintf("value-%d", i))) {
				return fmt.Errorf("key %s: wrong value", key)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSyncWrites(t *testing.T) {
	config := testConfig()
	config.SyncWrites = true
	db := openTestDB(t, config)

	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Set([]byte("durable"), []byte("v"))
	}))
	require.NoError(t, db.Sync())
}

func TestUpdateAfterClose(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	err = db.Update(func(txn *Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	})
	assert.ErrorIs(t, err, ErrDBClosed)
}

func TestValueLogGCNoRewrite(t *testing.T) {
	db := openTestDB(t, testConfig())

	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	}))

	// nothing discarded yet
	err := db.RunValueLogGC(0.5)
	assert.ErrorIs(t, err, ErrNoRewrite)

	assert.ErrorIs(t, db.RunValueLogGC(1.5), ErrInvalidRequest)
}
