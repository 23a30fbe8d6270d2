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
	"math"
	"sync"

	"github.com/B1NARY-GR0UP/obsidian/table"
	"github.com/B1NARY-GR0UP/obsidian/types"
)

// keyRange is the span of serialized keys a compaction touches. The
// left bound carries ts MaxUint64 and the right bound ts 0 so the
// range covers every version of its boundary user keys. inf dominates
// every overlap test.
type keyRange struct {
	left  []byte
	right []byte
	inf   bool
}

var infRange = keyRange{inf: true}

func rangeOfTable(t *table.Table) keyRange {
	return keyRange{
		left:  types.KeyWithTs(types.ParseKey(t.Smallest()), math.MaxUint64),
		right: types.KeyWithTs(types.ParseKey(t.Biggest()), 0),
	}
}

func rangeOfTables(tables []*table.Table) keyRange {
	if len(tables) == 0 {
		return keyRange{}
	}
	smallest := tables[0].Smallest()
	biggest := tables[0].Biggest()
	for _, t := range tables[1:] {
		if types.CompareKeys(t.Smallest(), smallest) < 0 {
			smallest = t.Smallest()
		}
		if types.CompareKeys(t.Biggest(), biggest) > 0 {
			biggest = t.Biggest()
		}
	}
	return keyRange{
		left:  types.KeyWithTs(types.ParseKey(smallest), math.MaxUint64),
		right: types.KeyWithTs(types.ParseKey(biggest), 0),
	}
}

func (kr keyRange) isEmpty() bool {
	return len(kr.left) == 0 && len(kr.right) == 0 && !kr.inf
}

// overlapsWith: an empty range is overlapped by anything, but
// overlaps nothing except when inf.
func (kr keyRange) overlapsWith(target keyRange) bool {
	if kr.isEmpty() {
		return true
	}
	if target.isEmpty() {
		return false
	}
	if kr.inf || target.inf {
		return true
	}
	if types.CompareKeys(target.right, kr.left) < 0 {
		return false
	}
	if types.CompareKeys(kr.right, target.left) < 0 {
		return false
	}
	return true
}

func (kr *keyRange) extend(other keyRange) {
	if other.isEmpty() {
		return
	}
	if kr.isEmpty() {
		*kr = other
		return
	}
	if len(kr.left) == 0 || types.CompareKeys(other.left, kr.left) < 0 {
		kr.left = other.left
	}
	if len(kr.right) == 0 || types.CompareKeys(other.right, kr.right) > 0 {
		kr.right = other.right
	}
	if other.inf {
		kr.inf = true
	}
}

// compactionPriority ranks one level for compaction.
type compactionPriority struct {
	level        int
	score        float64
	adjusted     float64
	dropPrefixes [][]byte
	t            targets
}

// targets carries the size plan computed by levelTargets.
type targets struct {
	baseLevel  int
	targetSize []int
	fileSize   []int
}

// compactDef is one planned compaction job: move top from thisLevel
// into bot at nextLevel.
type compactDef struct {
	compactorID int
	priority    compactionPriority

	thisLevel *levelHandler
	nextLevel *levelHandler

	top []*table.Table
	bot []*table.Table

	thisRange keyRange
	nextRange keyRange

	thisSize int64

	dropPrefixes [][]byte
}

func (cd *compactDef) allTables() []*table.Table {
	out := make([]*table.Table, 0, len(cd.top)+len(cd.bot))
	out = append(out, cd.top...)
	out = append(out, cd.bot...)
	return out
}

// compactStatus tracks the ranges and tables reserved by running
// compactions, plus per-level bytes credited as leaving.
type compactStatus struct {
	sync.RWMutex
	levels []*levelCompactStatus
	tables map[uint64]struct{}
}

type levelCompactStatus struct {
	ranges  []keyRange
	delSize int64
}

func (lcs *levelCompactStatus) overlapsWith(target keyRange) bool {
	for _, kr := range lcs.ranges {
		if kr.overlapsWith(target) {
			return true
		}
	}
	return false
}

func (lcs *levelCompactStatus) remove(target keyRange) bool {
	out := lcs.ranges[:0]
	var found bool
	for _, kr := range lcs.ranges {
		if !found && types.CompareKeys(orEmpty(kr.left), orEmpty(target.left)) == 0 &&
			types.CompareKeys(orEmpty(kr.right), orEmpty(target.right)) == 0 &&
			kr.inf == target.inf {
			found = true
			continue
		}
		out = append(out, kr)
	}
	lcs.ranges = out
	return found
}

// orEmpty pads an empty bound so CompareKeys stays in bounds.
func orEmpty(key []byte) []byte {
	if len(key) == 0 {
		return types.KeyWithTs(nil, 0)
	}
	return key
}

func newCompactStatus(maxLevels int) *compactStatus {
	cs := &compactStatus{
		tables: make(map[uint64]struct{}),
	}
	for i := 0; i < maxLevels; i++ {
		cs.levels = append(cs.levels, &levelCompactStatus{})
	}
	return cs
}

func (cs *compactStatus) overlapsWith(level int, target keyRange) bool {
	cs.RLock()
	defer cs.RUnlock()
	return cs.levels[level].overlapsWith(target)
}

func (cs *compactStatus) delSize(level int) int64 {
	cs.RLock()
	defer cs.RUnlock()
	return cs.levels[level].delSize
}

// compareAndAdd reserves the plan's ranges and tables in one critical
// section. It fails when any range or table is already reserved, the
// caller treats that as errFillTables.
func (cs *compactStatus) compareAndAdd(cd *compactDef) bool {
	cs.Lock()
	defer cs.Unlock()

	thisLevel := cs.levels[cd.thisLevel.level]
	nextLevel := cs.levels[cd.nextLevel.level]

	if thisLevel.overlapsWith(cd.thisRange) {
		return false
	}
	if nextLevel.overlapsWith(cd.nextRange) {
		return false
	}
	for _, t := range cd.allTables() {
		if _, ok := cs.tables[t.ID()]; ok {
			return false
		}
	}

	thisLevel.ranges = append(thisLevel.ranges, cd.thisRange)
	nextLevel.ranges = append(nextLevel.ranges, cd.nextRange)
	thisLevel.delSize += cd.thisSize
	for _, t := range cd.allTables() {
		cs.tables[t.ID()] = struct{}{}
	}
	return true
}

// delete releases a reservation once the compaction finished or
// failed.
func (cs *compactStatus) delete(cd *compactDef) {
	cs.Lock()
	defer cs.Unlock()

	thisLevel := cs.levels[cd.thisLevel.level]
	nextLevel := cs.levels[cd.nextLevel.level]

	thisLevel.delSize -= cd.thisSize
	found := thisLevel.remove(cd.thisRange)
	if !cd.nextRange.isEmpty() {
		found = nextLevel.remove(cd.nextRange) && found
	}
	if !found {
		panic("compact status range not found during delete")
	}
	for _, t := range cd.allTables() {
		delete(cs.tables, t.ID())
	}
}
