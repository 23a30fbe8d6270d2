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
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/B1NARY-GR0UP/obsidian/table"
	"github.com/B1NARY-GR0UP/obsidian/types"
)

// levelHandler owns the table vector of one level. For levels > 0 the
// tables are sorted by smallest key and pairwise non-overlapping, L0
// is sorted by table id.
type levelHandler struct {
	mu sync.RWMutex

	level          int
	tables         []*table.Table
	totalSize      int
	totalStaleSize uint32
}

func newLevelHandler(level int) *levelHandler {
	return &levelHandler{
		level: level,
	}
}

// init installs tables and recomputes totals. Callers hold mu.
func (lh *levelHandler) init(tables []*table.Table) {
	lh.tables = tables
	lh.totalSize = 0
	lh.totalStaleSize = 0
	for _, t := range tables {
		lh.totalSize += t.Size()
		lh.totalStaleSize += t.StaleDataSize()
	}

	if lh.level == 0 {
		sort.Slice(lh.tables, func(i, j int) bool {
			return lh.tables[i].ID() < lh.tables[j].ID()
		})
	} else {
		sort.Slice(lh.tables, func(i, j int) bool {
			return types.CompareKeys(lh.tables[i].Smallest(), lh.tables[j].Smallest()) < 0
		})
	}
}

func (lh *levelHandler) initTables(tables []*table.Table) {
	lh.mu.Lock()
	defer lh.mu.Unlock()
	lh.init(tables)
}

func (lh *levelHandler) numTables() int {
	lh.mu.RLock()
	defer lh.mu.RUnlock()
	return len(lh.tables)
}

func (lh *levelHandler) getTotalSize() int {
	lh.mu.RLock()
	defer lh.mu.RUnlock()
	return lh.totalSize
}

func (lh *levelHandler) getTotalStaleSize() uint32 {
	lh.mu.RLock()
	defer lh.mu.RUnlock()
	return lh.totalStaleSize
}

// snapshot clones the table vector with a reference on each handle so
// readers survive concurrent replace/delete.
func (lh *levelHandler) snapshot() []*table.Table {
	lh.mu.RLock()
	defer lh.mu.RUnlock()

	out := make([]*table.Table, len(lh.tables))
	copy(out, lh.tables)
	for _, t := range out {
		t.IncrRef()
	}
	return out
}

func releaseTables(tables []*table.Table) {
	for _, t := range tables {
		_ = t.DecrRef()
	}
}

// addTable installs one freshly flushed table. L0 only.
func (lh *levelHandler) addTable(t *table.Table) {
	lh.mu.Lock()
	defer lh.mu.Unlock()

	lh.init(append(lh.tables, t))
}

// replace swaps old tables for new ones. The manifest change must be
// durable before this is called.
func (lh *levelHandler) replace(old, new []*table.Table) {
	lh.mu.Lock()
	defer lh.mu.Unlock()

	toDel := make(map[uint64]struct{}, len(old))
	for _, t := range old {
		toDel[t.ID()] = struct{}{}
	}

	tables := make([]*table.Table, 0, len(lh.tables)-len(old)+len(new))
	for _, t := range lh.tables {
		if _, ok := toDel[t.ID()]; !ok {
			tables = append(tables, t)
		}
	}
	tables = append(tables, new...)
	lh.init(tables)
}

// delete removes tables. The manifest deletion must be durable before
// this is called.
func (lh *levelHandler) delete(del []*table.Table) {
	lh.mu.Lock()
	defer lh.mu.Unlock()

	toDel := make(map[uint64]struct{}, len(del))
	for _, t := range del {
		toDel[t.ID()] = struct{}{}
	}

	tables := make([]*table.Table, 0, len(lh.tables))
	for _, t := range lh.tables {
		if _, ok := toDel[t.ID()]; !ok {
			tables = append(tables, t)
			continue
		}
		lh.totalSize -= t.Size()
		lh.totalStaleSize -= t.StaleDataSize()
	}
	lh.tables = tables
}

// overlapTables returns the half-open index range of tables touching
// the key range. For L0 every table is considered.
func (lh *levelHandler) overlapTables(kr keyRange) (int, int) {
	lh.mu.RLock()
	defer lh.mu.RUnlock()
	return lh.overlapTablesLocked(kr)
}

func (lh *levelHandler) overlapTablesLocked(kr keyRange) (int, int) {
	if lh.level == 0 {
		return 0, len(lh.tables)
	}
	if len(kr.left) == 0 || len(kr.right) == 0 {
		return 0, 0
	}

	left := sort.Search(len(lh.tables), func(i int) bool {
		return types.CompareKeys(lh.tables[i].Biggest(), kr.left) >= 0
	})
	right := sort.Search(len(lh.tables), func(i int) bool {
		return types.CompareKeys(lh.tables[i].Smallest(), kr.right) > 0
	})
	return left, right
}

// get searches the level for the newest version at or below the seek
// ts. For L0 every table may hold the key, deeper levels have at most
// one candidate table.
func (lh *levelHandler) get(seek []byte) (types.ValueStruct, error) {
	tables := lh.snapshot()
	defer releaseTables(tables)

	userKey := types.ParseKey(seek)
	var maxVs types.ValueStruct

	if lh.level == 0 {
		// newest tables last, walk them all
		for _, t := range tables {
			vs, err := searchTable(t, seek, userKey)
			if err != nil {
				return types.ValueStruct{}, err
			}
			if vs.Version > maxVs.Version {
				maxVs = vs
			}
		}
		return maxVs, nil
	}

	idx := sort.Search(len(tables), func(i int) bool {
		return types.CompareKeys(tables[i].Biggest(), seek) >= 0
	})
	if idx >= len(tables) {
		return types.ValueStruct{}, nil
	}
	return searchTable(tables[idx], seek, userKey)
}

func searchTable(t *table.Table, seek, userKey []byte) (types.ValueStruct, error) {
	if !t.MayContain(userKey) {
		return types.ValueStruct{}, nil
	}
	entry, ok, err := t.Seek(seek)
	if err != nil {
		return types.ValueStruct{}, err
	}
	if !ok || !types.SameKey(entry.Key, seek) {
		return types.ValueStruct{}, nil
	}
	return types.ValueStruct{
		UserMeta:  entry.UserMeta,
		Meta:      entry.Meta,
		ExpiresAt: entry.ExpiresAt,
		Value:     entry.Value,
		Version:   types.ParseTs(entry.Key),
	}, nil
}

// validate checks the sortedness and non-overlap invariant of the
// level.
func (lh *levelHandler) validate() error {
	lh.mu.RLock()
	defer lh.mu.RUnlock()

	if lh.level == 0 {
		return nil
	}
	for j := 1; j < len(lh.tables); j++ {
		prev, curr := lh.tables[j-1], lh.tables[j]
		if types.CompareKeys(prev.Biggest(), curr.Smallest()) >= 0 {
			return errors.Errorf(
				"inter table overlap: biggest(%d) >= smallest(%d), level=%d j=%d numTables=%d",
				prev.ID(), curr.ID(), lh.level, j, len(lh.tables))
		}
		if types.CompareKeys(curr.Smallest(), curr.Biggest()) > 0 {
			return errors.Errorf(
				"intra table disorder: smallest > biggest, table=%d level=%d", curr.ID(), lh.level)
		}
	}
	return nil
}

func (lh *levelHandler) close() error {
	lh.mu.Lock()
	defer lh.mu.Unlock()

	var firstErr error
	for _, t := range lh.tables {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
