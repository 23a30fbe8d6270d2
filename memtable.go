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
	"sync"

	"github.com/B1NARY-GR0UP/obsidian/pkg/logger"
	"github.com/B1NARY-GR0UP/obsidian/pkg/skiplist"
	"github.com/B1NARY-GR0UP/obsidian/types"
	"github.com/B1NARY-GR0UP/obsidian/wal"
)

// memtable pairs the mutable ordered map with its WAL. Entries carry
// versioned keys throughout.
type memtable struct {
	mu       sync.RWMutex
	logger   logger.Logger
	skiplist *skiplist.SkipList
	wal      *wal.WAL
	dir      string
	readOnly bool
}

func newMemtable(dir string, config Config) (*memtable, error) {
	l, err := wal.Create(dir)
	if err != nil {
		return nil, err
	}
	return &memtable{
		logger:   logger.GetLogger(),
		skiplist: skiplist.New(config.SkipListMaxLevel, config.SkipListP),
		wal:      l,
		dir:      dir,
	}, nil
}

// put appends the batch to the WAL, then applies it to the skiplist.
// Commit markers reach the WAL only, replay uses them to gate txn
// groups.
func (mt *memtable) put(entries []types.Entry, sync bool) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if err := mt.wal.Write(entries...); err != nil {
		return err
	}
	if sync {
		if err := mt.wal.Sync(); err != nil {
			return err
		}
	}

	for _, entry := range entries {
		if entry.Meta.Has(types.BitFinTxn) {
			continue
		}
		mt.skiplist.Set(entry)
	}
	return nil
}

// apply inserts replayed entries without touching the WAL.
func (mt *memtable) apply(entries ...types.Entry) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	for _, entry := range entries {
		mt.skiplist.Set(entry)
	}
}

// get returns the newest version at or below the ts encoded in seek.
func (mt *memtable) get(seek []byte) (types.ValueStruct, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	entry, ok := mt.skiplist.LowerBound(seek)
	if !ok || !types.SameKey(entry.Key, seek) {
		return types.ValueStruct{}, false
	}
	return types.ValueStruct{
		UserMeta:  entry.UserMeta,
		Meta:      entry.Meta,
		ExpiresAt: entry.ExpiresAt,
		Value:     entry.Value,
		Version:   types.ParseTs(entry.Key),
	}, true
}

func (mt *memtable) all() []types.Entry {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	return mt.skiplist.All()
}

func (mt *memtable) size() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	return mt.skiplist.Size()
}

func (mt *memtable) empty() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	return mt.skiplist.Empty()
}

// freeze closes the WAL and returns the read-only view that queues
// for flushing.
func (mt *memtable) freeze() *memtable {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if err := mt.wal.Close(); err != nil {
		mt.logger.Panicf("wal close failed: %v", err)
	}
	return &memtable{
		logger:   mt.logger,
		skiplist: mt.skiplist,
		wal:      mt.wal,
		dir:      mt.dir,
		readOnly: true,
	}
}

// maxVersion is the highest ts currently held.
func (mt *memtable) maxVersion() uint64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var maxVersion uint64
	for _, entry := range mt.skiplist.All() {
		if ts := types.ParseTs(entry.Key); ts > maxVersion {
			maxVersion = ts
		}
	}
	return maxVersion
}
