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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/B1NARY-GR0UP/obsidian/table"
	"github.com/B1NARY-GR0UP/obsidian/types"
)

func testTableOpts() table.Options {
	return table.Options{
		TableSize:          2 * _mb,
		BlockSize:          4 * _kb,
		BloomFalsePositive: 0.01,
	}
}

// buildTestTable writes one sstable holding the given keys at ts.
func buildTestTable(t *testing.T, dir string, id uint64, ts uint64, keys ...string) *table.Table {
	t.Helper()
	var entries []types.Entry
	for _, key := range keys {
		entries = append(entries, types.Entry{
			Key:     types.KeyWithTs([]byte(key), ts),
			Value:   []byte("v-" + key),
			Version: ts,
		})
	}
	tab, err := table.Create(dir, table.BuildParams{ID: id, Entries: entries}, testTableOpts())
	require.NoError(t, err)
	return tab
}

func TestLevelHandlerSortInvariant(t *testing.T) {
	dir := t.TempDir()

	t1 := buildTestTable(t, dir, 1, 1, "d", "e", "f")
	t2 := buildTestTable(t, dir, 2, 1, "a", "b", "c")
	t3 := buildTestTable(t, dir, 3, 1, "g", "h", "i")

	lh := newLevelHandler(1)
	lh.initTables([]*table.Table{t1, t2, t3})
	defer func() {
		require.NoError(t, lh.close())
	}()

	// sorted by smallest key, pairwise non-overlapping
	require.NoError(t, lh.validate())
	assert.Equal(t, uint64(2), lh.tables[0].ID())
	assert.Equal(t, uint64(1), lh.tables[1].ID())
	assert.Equal(t, uint64(3), lh.tables[2].ID())
}

func TestLevelHandlerValidateOverlap(t *testing.T) {
	dir := t.TempDir()

	t1 := buildTestTable(t, dir, 1, 1, "a", "m")
	t2 := buildTestTable(t, dir, 2, 1, "g", "z")

	lh := newLevelHandler(1)
	lh.initTables([]*table.Table{t1, t2})
	defer func() {
		require.NoError(t, lh.close())
	}()

	assert.Error(t, lh.validate())
}

func TestLevelHandlerL0SortedByID(t *testing.T) {
	dir := t.TempDir()

	t5 := buildTestTable(t, dir, 5, 1, "a", "z")
	t2 := buildTestTable(t, dir, 2, 2, "a", "z")

	lh := newLevelHandler(0)
	lh.initTables([]*table.Table{t5, t2})
	defer func() {
		require.NoError(t, lh.close())
	}()

	// L0 tables may overlap, ordered by id
	require.NoError(t, lh.validate())
	assert.Equal(t, uint64(2), lh.tables[0].ID())
	assert.Equal(t, uint64(5), lh.tables[1].ID())
}

func TestLevelHandlerReplaceDelete(t *testing.T) {
	dir := t.TempDir()

	t1 := buildTestTable(t, dir, 1, 1, "a", "b")
	t2 := buildTestTable(t, dir, 2, 1, "c", "d")
	t3 := buildTestTable(t, dir, 3, 1, "e", "f")

	lh := newLevelHandler(1)
	lh.initTables([]*table.Table{t1, t2, t3})
	sizeBefore := lh.getTotalSize()
	assert.Equal(t, 3, lh.numTables())

	merged := buildTestTable(t, dir, 4, 2, "a", "b", "c", "d")
	lh.replace([]*table.Table{t1, t2}, []*table.Table{merged})
	assert.Equal(t, 2, lh.numTables())
	require.NoError(t, lh.validate())
	assert.NotEqual(t, sizeBefore, lh.getTotalSize())

	lh.delete([]*table.Table{t3})
	assert.Equal(t, 1, lh.numTables())
	assert.Equal(t, merged.Size(), lh.getTotalSize())

	require.NoError(t, lh.close())
	_ = t1.Close()
	_ = t2.Close()
	_ = t3.Close()
}

func TestLevelHandlerOverlapTables(t *testing.T) {
	dir := t.TempDir()

	t1 := buildTestTable(t, dir, 1, 1, "a", "c")
	t2 := buildTestTable(t, dir, 2, 1, "e", "g")
	t3 := buildTestTable(t, dir, 3, 1, "i", "k")

	lh := newLevelHandler(1)
	lh.initTables([]*table.Table{t1, t2, t3})
	defer func() {
		require.NoError(t, lh.close())
	}()

	left, right := lh.overlapTables(kr("b", "f"))
	assert.Equal(t, 0, left)
	assert.Equal(t, 2, right)

	left, right = lh.overlapTables(kr("d", "d"))
	assert.Equal(t, 1, left)
	assert.Equal(t, 1, right)

	left, right = lh.overlapTables(kr("z", "zz"))
	assert.Equal(t, 3, left)
	assert.Equal(t, 3, right)
}

func TestLevelHandlerGet(t *testing.T) {
	dir := t.TempDir()

	t1 := buildTestTable(t, dir, 1, 5, "a", "b", "c")
	lh := newLevelHandler(1)
	lh.initTables([]*table.Table{t1})
	defer func() {
		require.NoError(t, lh.close())
	}()

	vs, err := lh.get(types.KeyWithTs([]byte("b"), 10))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), vs.Version)
	assert.Equal(t, []byte("v-b"), vs.Value)

	// older snapshot cannot see it
	vs, err = lh.get(types.KeyWithTs([]byte("b"), 3))
	require.NoError(t, err)
	assert.Zero(t, vs.Version)

	vs, err = lh.get(types.KeyWithTs([]byte("x"), 10))
	require.NoError(t, err)
	assert.Zero(t, vs.Version)
}
