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

package table

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/B1NARY-GR0UP/obsidian/types"
)

func testOptions() Options {
	return Options{
		TableSize:          2 << 20,
		BlockSize:          4096,
		BloomFalsePositive: 0.01,
	}
}

func sortedEntries(n int) []types.Entry {
	var entries []types.Entry
	for i := 0; i < n; i++ {
		entries = append(entries, types.Entry{
			Key:     types.KeyWithTs([]byte(fmt.Sprintf("key-%05d", i)), 1),
			Value:   []byte(fmt.Sprintf("value-%d", i)),
			Version: 1,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return types.CompareKeys(entries[i].Key, entries[j].Key) < 0
	})
	return entries
}

func TestBuildAndOpen(t *testing.T) {
	dir := t.TempDir()
	entries := sortedEntries(1000)

	tab, err := Create(dir, BuildParams{ID: 1, Level: 0, Entries: entries}, testOptions())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, tab.Close())
	}()

	assert.Equal(t, uint64(1), tab.ID())
	assert.Equal(t, entries[0].Key, tab.Smallest())
	assert.Equal(t, entries[len(entries)-1].Key, tab.Biggest())
	assert.Equal(t, uint64(1), tab.MaxVersion())
	assert.Positive(t, tab.Size())
}

func TestSeek(t *testing.T) {
	dir := t.TempDir()
	entries := sortedEntries(1000)

	tab, err := Create(dir, BuildParams{ID: 2, Entries: entries}, testOptions())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, tab.Close())
	}()

	for _, i := range []int{0, 1, 499, 998, 999} {
		key := types.KeyWithTs([]byte(fmt.Sprintf("key-%05d", i)), 1)
		entry, ok, err := tab.Seek(key)
		require.NoError(t, err)
		require.True(t, ok, "key-%05d", i)
		assert.Equal(t, key, entry.Key)
	}

	// beyond the table
	_, ok, err := tab.Seek(types.KeyWithTs([]byte("zzz"), 1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSeekVersions(t *testing.T) {
	dir := t.TempDir()
	entries := []types.Entry{
		{Key: types.KeyWithTs([]byte("k"), 9), Value: []byte("v9")},
		{Key: types.KeyWithTs([]byte("k"), 5), Value: []byte("v5")},
		{Key: types.KeyWithTs([]byte("k"), 2), Value: []byte("v2")},
	}

	tab, err := Create(dir, BuildParams{ID: 3, Entries: entries}, testOptions())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, tab.Close())
	}()

	// readTs 6 must see version 5
	entry, ok, err := tab.Seek(types.KeyWithTs([]byte("k"), 6))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v5"), entry.Value)
	assert.Equal(t, uint64(9), tab.MaxVersion())
}

func TestMayContain(t *testing.T) {
	dir := t.TempDir()
	entries := sortedEntries(100)

	tab, err := Create(dir, BuildParams{ID: 4, Entries: entries}, testOptions())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, tab.Close())
	}()

	assert.True(t, tab.MayContain([]byte("key-00050")))
	assert.False(t, tab.MayContain([]byte("definitely-absent-key")))
}

func TestAllEntries(t *testing.T) {
	dir := t.TempDir()
	entries := sortedEntries(500)

	tab, err := Create(dir, BuildParams{ID: 5, Entries: entries}, testOptions())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, tab.Close())
	}()

	all, err := tab.AllEntries()
	require.NoError(t, err)
	require.Len(t, all, len(entries))
	for i := range all {
		assert.Equal(t, entries[i].Key, all[i].Key)
		assert.Equal(t, entries[i].Value, all[i].Value)
	}
}

func TestParseFileID(t *testing.T) {
	id, ok := ParseFileID(filepath.Join("dir", "000042.sst"))
	assert.True(t, ok)
	assert.Equal(t, uint64(42), id)

	_, ok = ParseFileID("000042.vlog")
	assert.False(t, ok)
}
