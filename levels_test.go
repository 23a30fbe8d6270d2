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
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/B1NARY-GR0UP/obsidian/table"
	"github.com/B1NARY-GR0UP/obsidian/types"
)

func newTestLevelManager(t *testing.T, config Config) *levelManager {
	t.Helper()
	dir := t.TempDir()
	mf, manifest, err := openOrCreateManifestFile(dir, 0, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mf.close()
	})

	lm, err := newLevelManager(dir, config, mf, manifest, testTableOpts())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = lm.close()
	})
	return lm
}

func TestLevelTargetsEmptyDB(t *testing.T) {
	config := testConfig()
	lm := newTestLevelManager(t, config)

	targets := lm.levelTargets()

	// with everything empty the base level sinks to the bottom
	assert.Equal(t, config.MaxLevels-1, targets.baseLevel)
	for i := 1; i < config.MaxLevels; i++ {
		assert.Equal(t, config.BaseLevelSize, targets.targetSize[i])
	}
	assert.Equal(t, config.MemtableSize, targets.fileSize[0])
}

func TestPickCompactLevelsEmptyDB(t *testing.T) {
	lm := newTestLevelManager(t, testConfig())
	assert.Empty(t, lm.pickCompactLevels())
}

func TestPickCompactLevelsL0(t *testing.T) {
	config := testConfig()
	config.NumLevelZeroTables = 2
	lm := newTestLevelManager(t, config)

	for i := 0; i < 4; i++ {
		tab := buildTestTable(t, lm.dir, lm.reserveFileID(), uint64(i+1),
			fmt.Sprintf("key-%d", i))
		require.NoError(t, lm.addLevel0Table(tab))
	}

	prios := lm.pickCompactLevels()
	require.NotEmpty(t, prios)
	assert.Equal(t, 0, prios[0].level)
	assert.GreaterOrEqual(t, prios[0].score, 1.0)
}

func TestAddLevel0TableRegistersManifest(t *testing.T) {
	lm := newTestLevelManager(t, testConfig())

	tab := buildTestTable(t, lm.dir, lm.reserveFileID(), 1, "a", "b")
	require.NoError(t, lm.addLevel0Table(tab))

	lm.manifest.mu.Lock()
	_, ok := lm.manifest.manifest.Tables[tab.ID()]
	lm.manifest.mu.Unlock()
	assert.True(t, ok)
	assert.Equal(t, 1, lm.levels[0].numTables())
}

func TestCompactL0ToBase(t *testing.T) {
	config := testConfig()
	config.NumLevelZeroTables = 1
	lm := newTestLevelManager(t, config)

	orc := newOracle(config)
	defer orc.Stop()
	ds, err := openDiscardStats(t.TempDir())
	require.NoError(t, err)
	defer func() {
		_ = ds.Close()
	}()
	ctx := compactContext{oracle: orc, discardStats: ds, manifest: lm.manifest}

	// two overlapping L0 tables, the newer shadows the older
	older := buildTestTable(t, lm.dir, lm.reserveFileID(), 1, "a", "b", "c")
	require.NoError(t, lm.addLevel0Table(older))
	newer := buildTestTable(t, lm.dir, lm.reserveFileID(), 2, "b", "c", "d")
	require.NoError(t, lm.addLevel0Table(newer))

	prios := lm.pickCompactLevels()
	require.NotEmpty(t, prios)
	require.NoError(t, lm.doCompact(0, prios[0], ctx))

	assert.Zero(t, lm.levels[0].numTables())
	require.NoError(t, lm.validate())

	// every key is still visible with both versions intact
	for _, key := range []string{"a", "b", "c", "d"} {
		vs, err := lm.get(types.KeyWithTs([]byte(key), 10))
		require.NoError(t, err)
		assert.Positive(t, vs.Version, "key %s", key)
	}
	vs, err := lm.get(types.KeyWithTs([]byte("b"), 10))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), vs.Version)
	vs, err = lm.get(types.KeyWithTs([]byte("b"), 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), vs.Version)
}

func TestCompactPreservesLiveKeys(t *testing.T) {
	config := testConfig()
	config.NumLevelZeroTables = 1
	lm := newTestLevelManager(t, config)

	orc := newOracle(config)
	defer orc.Stop()
	ds, err := openDiscardStats(t.TempDir())
	require.NoError(t, err)
	defer func() {
		_ = ds.Close()
	}()
	ctx := compactContext{oracle: orc, discardStats: ds, manifest: lm.manifest}

	var keys []string
	for i := 0; i < 100; i++ {
		keys = append(keys, fmt.Sprintf("key-%03d", i))
	}
	tab := buildTestTable(t, lm.dir, lm.reserveFileID(), 1, keys...)
	require.NoError(t, lm.addLevel0Table(tab))

	prios := lm.pickCompactLevels()
	require.NotEmpty(t, prios)
	require.NoError(t, lm.doCompact(0, prios[0], ctx))

	for _, key := range keys {
		vs, err := lm.get(types.KeyWithTs([]byte(key), 10))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), vs.Version, "key %s lost", key)
	}
}

func TestCompactDropsTombstonesAtBottom(t *testing.T) {
	config := testConfig()
	config.NumLevelZeroTables = 1
	lm := newTestLevelManager(t, config)

	orc := newOracle(config)
	orc.nextTs = 10
	// all readers are past ts 9
	orc.readMark.Done(9)
	require.NoError(t, orc.readMark.WaitForMark(context.Background(), 9))
	defer orc.Stop()
	ds, err := openDiscardStats(t.TempDir())
	require.NoError(t, err)
	defer func() {
		_ = ds.Close()
	}()
	ctx := compactContext{oracle: orc, discardStats: ds, manifest: lm.manifest}

	entries := []types.Entry{
		{Key: types.KeyWithTs([]byte("dead"), 5), Meta: types.BitDelete, Version: 5},
		{Key: types.KeyWithTs([]byte("dead"), 2), Value: []byte("old"), Version: 2},
		{Key: types.KeyWithTs([]byte("live"), 3), Value: []byte("v"), Version: 3},
	}
	tab, err := table.Create(lm.dir, table.BuildParams{
		ID:      lm.reserveFileID(),
		Entries: entries,
	}, testTableOpts())
	require.NoError(t, err)
	require.NoError(t, lm.addLevel0Table(tab))

	prios := lm.pickCompactLevels()
	require.NotEmpty(t, prios)
	require.NoError(t, lm.doCompact(0, prios[0], ctx))

	// compaction went straight to the bottom level, the tombstoned
	// key vanished entirely
	vs, err := lm.get(types.KeyWithTs([]byte("dead"), 100))
	require.NoError(t, err)
	assert.Zero(t, vs.Version)

	vs, err = lm.get(types.KeyWithTs([]byte("live"), 100))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), vs.Version)
}
