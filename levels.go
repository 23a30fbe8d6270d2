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
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/B1NARY-GR0UP/obsidian/pkg/closer"
	"github.com/B1NARY-GR0UP/obsidian/pkg/kway"
	"github.com/B1NARY-GR0UP/obsidian/pkg/logger"
	"github.com/B1NARY-GR0UP/obsidian/table"
	"github.com/B1NARY-GR0UP/obsidian/types"
)

// compactContext carries the engine-scoped collaborators a compaction
// needs, resolved at spawn time so handlers hold no back references.
type compactContext struct {
	oracle       *oracle
	discardStats *discardStats
	manifest     *manifestFile
}

// levelManager owns the level handlers and drives compaction.
type levelManager struct {
	dir    string
	config Config
	logger logger.Logger

	levels  []*levelHandler
	cstatus *compactStatus

	manifest  *manifestFile
	tableOpts table.Options

	nextFileID atomic.Uint64

	compactors *errgroup.Group
}

// newLevelManager opens every table the manifest lists and installs
// it at its recorded level.
func newLevelManager(dir string, config Config, mf *manifestFile, manifest Manifest, tableOpts table.Options) (*levelManager, error) {
	lm := &levelManager{
		dir:       dir,
		config:    config,
		logger:    logger.GetLogger(),
		cstatus:   newCompactStatus(config.MaxLevels),
		manifest:  mf,
		tableOpts: tableOpts,
	}
	for i := 0; i < config.MaxLevels; i++ {
		lm.levels = append(lm.levels, newLevelHandler(i))
	}

	start := time.Now()
	var maxFileID uint64
	levelTables := make([][]*table.Table, config.MaxLevels)
	for id, tm := range manifest.Tables {
		if id > maxFileID {
			maxFileID = id
		}
		t, err := table.Open(tableFilePath(dir, id), tableOpts)
		if err != nil {
			return nil, err
		}
		level := int(tm.Level)
		if level >= config.MaxLevels {
			level = config.MaxLevels - 1
		}
		levelTables[level] = append(levelTables[level], t)
	}
	lm.nextFileID.Store(maxFileID + 1)

	for i, tables := range levelTables {
		lm.levels[i].initTables(tables)
	}
	if err := lm.validate(); err != nil {
		return nil, err
	}
	lm.logger.Infof("level manager opened %d tables, elapsed: %s", len(manifest.Tables), time.Since(start))
	return lm, nil
}

func tableFilePath(dir string, id uint64) string {
	return dir + "/" + table.IDToFilename(id)
}

func (lm *levelManager) reserveFileID() uint64 {
	return lm.nextFileID.Add(1) - 1
}

func (lm *levelManager) lastLevel() *levelHandler {
	return lm.levels[len(lm.levels)-1]
}

// get returns the newest version at or below the ts of seek across
// every level.
func (lm *levelManager) get(seek []byte) (types.ValueStruct, error) {
	var maxVs types.ValueStruct
	for _, lh := range lm.levels {
		vs, err := lh.get(seek)
		if err != nil {
			return types.ValueStruct{}, err
		}
		if vs.Version > maxVs.Version {
			maxVs = vs
		}
	}
	return maxVs, nil
}

// maxVersion across all installed tables, used to seed the oracle.
func (lm *levelManager) maxVersion() uint64 {
	var maxVersion uint64
	for _, lh := range lm.levels {
		tables := lh.snapshot()
		for _, t := range tables {
			if v := t.MaxVersion(); v > maxVersion {
				maxVersion = v
			}
		}
		releaseTables(tables)
	}
	return maxVersion
}

func (lm *levelManager) isLevel0Stalled() bool {
	return lm.levels[0].numTables() >= lm.config.NumLevelZeroTablesStall
}

// addLevel0Table registers a freshly flushed table with the manifest,
// then installs it.
func (lm *levelManager) addLevel0Table(t *table.Table) error {
	if err := lm.manifest.addChanges([]*ManifestChange{
		newCreateChange(t.ID(), 0, _plainKeyID, 0),
	}); err != nil {
		return err
	}
	lm.levels[0].addTable(t)
	return nil
}

func (lm *levelManager) validate() error {
	for _, lh := range lm.levels {
		if err := lh.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (lm *levelManager) close() error {
	var firstErr error
	for _, lh := range lm.levels {
		if err := lh.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// levelTargets computes the size plan: target sizes walk down from
// the last level's size, the base level is the first level, walking
// up from the last one, whose size still fits in BaseLevelSize, then
// pulled through empty levels.
func (lm *levelManager) levelTargets() targets {
	levelsLen := len(lm.levels)
	t := targets{
		targetSize: make([]int, levelsLen),
		fileSize:   make([]int, levelsLen),
	}

	levelSize := lm.lastLevel().getTotalSize()
	baseLevelSize := lm.config.BaseLevelSize
	for i := levelsLen - 1; i > 0; i-- {
		if levelSize > baseLevelSize {
			t.targetSize[i] = levelSize
		} else {
			t.targetSize[i] = baseLevelSize
		}
		if t.baseLevel == 0 && levelSize <= baseLevelSize {
			t.baseLevel = i
		}
		levelSize /= lm.config.LevelSizeMultiplier
	}

	tableSize := lm.config.BaseTableSize
	for i := 0; i < levelsLen; i++ {
		switch {
		case i == 0:
			t.fileSize[i] = lm.config.MemtableSize
		case i <= t.baseLevel:
			t.fileSize[i] = tableSize
		default:
			tableSize *= lm.config.TableSizeMultiplier
			t.fileSize[i] = tableSize
		}
	}

	// an empty level cannot be a useful base, pull the base deeper
	for i := t.baseLevel; i < levelsLen; i++ {
		if lm.levels[i].getTotalSize() > 0 {
			break
		}
		t.baseLevel = i
	}

	// prefer filling an under-target next level over an empty base
	base := t.baseLevel
	if base < levelsLen-1 && lm.levels[base].getTotalSize() == 0 &&
		lm.levels[base+1].getTotalSize() < t.targetSize[base+1] {
		t.baseLevel++
	}
	return t
}

// pickCompactLevels scores every level and returns the priorities
// worth acting on, adjusted so a healthy next level dampens the
// urgency of compacting into it.
func (lm *levelManager) pickCompactLevels() []compactionPriority {
	t := lm.levelTargets()

	var prios []compactionPriority
	addPriority := func(level int, score float64) {
		prios = append(prios, compactionPriority{
			level:        level,
			score:        score,
			adjusted:     score,
			dropPrefixes: lm.config.DropPrefixes,
			t:            t,
		})
	}

	addPriority(0, float64(lm.levels[0].numTables())/float64(lm.config.NumLevelZeroTables))
	for i := 1; i < len(lm.levels); i++ {
		delSize := lm.cstatus.delSize(i)
		size := int64(lm.levels[i].getTotalSize()) - delSize
		addPriority(i, float64(size)/float64(t.targetSize[i]))
	}

	preLevel := 0
	for level := t.baseLevel; level < len(lm.levels); level++ {
		if prios[preLevel].adjusted >= 1 {
			const minScore = 0.01
			if prios[level].score >= minScore {
				prios[preLevel].adjusted /= prios[level].adjusted
			} else {
				prios[preLevel].adjusted /= minScore
			}
		}
		preLevel = level
	}

	// the last level compacts via the lmax path only
	out := prios[:len(prios)-1]
	filtered := out[:0]
	for _, p := range out {
		if p.score >= 1 {
			filtered = append(filtered, p)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].adjusted > filtered[j].adjusted
	})
	return filtered
}

// spawnCompactors starts the long-lived compaction workers.
func (lm *levelManager) spawnCompactors(c *closer.Closer, ctx compactContext) {
	lm.compactors = &errgroup.Group{}
	c.AddRunning(lm.config.NumCompactors)
	for i := 0; i < lm.config.NumCompactors; i++ {
		i := i
		lm.compactors.Go(func() error {
			lm.runCompactor(i, c, ctx)
			return nil
		})
	}
}

func (lm *levelManager) waitCompactors() {
	if lm.compactors != nil {
		_ = lm.compactors.Wait()
	}
}

// runCompactor is one worker loop. Worker 0 favors L0, worker 2
// periodically attempts the lmax-to-lmax rewrite.
func (lm *levelManager) runCompactor(id int, c *closer.Closer, ctx compactContext) {
	defer c.Done()

	// stagger the workers
	select {
	case <-time.After(time.Duration(rand.Intn(1000)) * time.Millisecond):
	case <-c.Captured():
		return
	}

	moveL0ToFront := func(prios []compactionPriority) []compactionPriority {
		idx := -1
		for i, p := range prios {
			if p.level == 0 {
				idx = i
				break
			}
		}
		if idx > 0 {
			out := append([]compactionPriority{}, prios[idx])
			out = append(out, prios[:idx]...)
			out = append(out, prios[idx+1:]...)
			return out
		}
		return prios
	}

	run := func(p compactionPriority) bool {
		err := lm.doCompact(id, p, ctx)
		switch {
		case err == nil:
			return true
		case err == errFillTables:
			// expected, nothing eligible right now
		default:
			lm.logger.Warnf("[compactor %d] compaction failed: %v", id, err)
		}
		return false
	}

	var count int
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			count++
			if lm.config.LmaxCompaction && id == 2 && count >= 200 {
				count = 0
				p := compactionPriority{
					level: len(lm.levels) - 1,
					t:     lm.levelTargets(),
				}
				run(p)
				continue
			}
			prios := lm.pickCompactLevels()
			if id == 0 {
				prios = moveL0ToFront(prios)
			}
			for _, p := range prios {
				if p.adjusted < 1 && !(id == 0 && p.level == 0) {
					break
				}
				if run(p) {
					break
				}
			}
		case <-c.Captured():
			return
		}
	}
}

// doCompact plans and runs one compaction for the given priority.
func (lm *levelManager) doCompact(id int, p compactionPriority, ctx compactContext) error {
	if p.t.baseLevel == 0 {
		p.t = lm.levelTargets()
	}

	thisLevel := lm.levels[p.level]
	var nextLevel *levelHandler
	switch {
	case p.level == 0:
		nextLevel = lm.levels[p.t.baseLevel]
	case thisLevel == lm.lastLevel():
		nextLevel = thisLevel
	default:
		nextLevel = lm.levels[p.level+1]
	}

	cd := &compactDef{
		compactorID:  id,
		priority:     p,
		thisLevel:    thisLevel,
		nextLevel:    nextLevel,
		dropPrefixes: p.dropPrefixes,
	}

	if err := lm.fillTables(cd); err != nil {
		return err
	}
	defer func() {
		lm.cstatus.delete(cd)
		releaseTables(cd.top)
		releaseTables(cd.bot)
	}()

	if err := lm.runCompactDef(cd, ctx); err != nil {
		return err
	}
	lm.logger.Debugf("[compactor %d] compaction L%d -> L%d done", id, thisLevel.level, nextLevel.level)
	return nil
}

// fillTables picks the source and destination tables and reserves the
// plan in one critical section on the compact status. Every "nothing
// eligible" cause returns errFillTables.
func (lm *levelManager) fillTables(cd *compactDef) error {
	if cd.thisLevel.level == 0 {
		return lm.fillTablesL0(cd)
	}
	if cd.thisLevel == cd.nextLevel {
		return lm.fillMaxLevelTables(cd)
	}

	tables := cd.thisLevel.snapshot()
	if len(tables) == 0 {
		releaseTables(tables)
		return errFillTables
	}

	// oldest tables first so the level drains bottom-up
	sorted := append([]*table.Table{}, tables...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MaxVersion() < sorted[j].MaxVersion()
	})

	for _, t := range sorted {
		cd.top = []*table.Table{t}
		cd.thisRange = rangeOfTable(t)
		cd.thisSize = int64(t.Size())
		if lm.cstatus.overlapsWith(cd.thisLevel.level, cd.thisRange) {
			continue
		}

		bot := cd.nextLevel.snapshot()
		left, right := overlapIndices(bot, cd.thisRange)
		cd.bot = append([]*table.Table{}, bot[left:right]...)
		// keep refs only on the chosen destination tables
		for _, b := range bot[:left] {
			_ = b.DecrRef()
		}
		for _, b := range bot[right:] {
			_ = b.DecrRef()
		}

		if len(cd.bot) == 0 {
			cd.nextRange = cd.thisRange
		} else {
			cd.nextRange = rangeOfTables(cd.bot)
		}

		if !lm.cstatus.compareAndAdd(cd) {
			releaseTables(cd.bot)
			cd.bot = nil
			continue
		}

		t.IncrRef()
		releaseTables(tables)
		return nil
	}
	releaseTables(tables)
	return errFillTables
}

// fillTablesL0 compacts all of L0 into the base level.
func (lm *levelManager) fillTablesL0(cd *compactDef) error {
	top := cd.thisLevel.snapshot()
	if len(top) == 0 {
		releaseTables(top)
		return errFillTables
	}
	cd.top = top
	cd.thisRange = infRange
	for _, t := range top {
		cd.thisSize += int64(t.Size())
	}

	kr := rangeOfTables(top)
	bot := cd.nextLevel.snapshot()
	left, right := overlapIndices(bot, kr)
	cd.bot = append([]*table.Table{}, bot[left:right]...)
	for _, b := range bot[:left] {
		_ = b.DecrRef()
	}
	for _, b := range bot[right:] {
		_ = b.DecrRef()
	}

	if len(cd.bot) == 0 {
		cd.nextRange = kr
	} else {
		cd.nextRange = rangeOfTables(cd.bot)
	}

	if !lm.cstatus.compareAndAdd(cd) {
		releaseTables(cd.top)
		releaseTables(cd.bot)
		cd.top, cd.bot = nil, nil
		return errFillTables
	}
	return nil
}

// fillMaxLevelTables rewrites a last-level table whose stale share
// makes the work worthwhile.
func (lm *levelManager) fillMaxLevelTables(cd *compactDef) error {
	tables := cd.thisLevel.snapshot()

	var pick *table.Table
	for _, t := range tables {
		// rewrite pays off once roughly a third of the table is dead
		if uint64(t.StaleDataSize())*3 < uint64(t.Size()) {
			continue
		}
		if pick == nil || t.StaleDataSize() > pick.StaleDataSize() {
			pick = t
		}
	}
	if pick == nil {
		releaseTables(tables)
		return errFillTables
	}

	cd.top = []*table.Table{pick}
	cd.thisRange = rangeOfTable(pick)
	cd.nextRange = cd.thisRange
	cd.thisSize = int64(pick.Size())

	if !lm.cstatus.compareAndAdd(cd) {
		releaseTables(tables)
		cd.top = nil
		return errFillTables
	}

	pick.IncrRef()
	releaseTables(tables)
	return nil
}

// runCompactDef merges the planned tables, installs the result via a
// single manifest change set and updates the handlers.
func (lm *levelManager) runCompactDef(cd *compactDef, ctx compactContext) error {
	newTables, err := lm.compactBuildTables(cd, ctx)
	if err != nil {
		return err
	}

	changes := make([]*ManifestChange, 0, len(newTables)+len(cd.top)+len(cd.bot))
	for _, t := range newTables {
		changes = append(changes, newCreateChange(t.ID(), cd.nextLevel.level, _plainKeyID, 0))
	}
	for _, t := range cd.top {
		changes = append(changes, newDeleteChange(t.ID(), cd.thisLevel.level))
	}
	for _, t := range cd.bot {
		changes = append(changes, newDeleteChange(t.ID(), cd.nextLevel.level))
	}
	if err = ctx.manifest.addChanges(changes); err != nil {
		return err
	}

	if cd.thisLevel == cd.nextLevel {
		cd.thisLevel.replace(cd.top, newTables)
	} else {
		cd.nextLevel.replace(cd.bot, newTables)
		cd.thisLevel.delete(cd.top)
	}

	// the files disappear once no reader holds a reference
	for _, t := range cd.top {
		_ = t.Delete()
	}
	for _, t := range cd.bot {
		_ = t.Delete()
	}
	return nil
}

// compactBuildTables merges every source and destination table,
// applies the version retention policy and writes the result split by
// the destination file size.
func (lm *levelManager) compactBuildTables(cd *compactDef, ctx compactContext) ([]*table.Table, error) {
	var lists [][]types.Entry
	// older sources first, kway resolves exact duplicates toward the
	// newer list
	for _, t := range cd.bot {
		entries, err := t.AllEntries()
		if err != nil {
			return nil, err
		}
		lists = append(lists, entries)
	}
	for _, t := range cd.top {
		entries, err := t.AllEntries()
		if err != nil {
			return nil, err
		}
		lists = append(lists, entries)
	}
	merged := kway.Merge(lists...)

	discardTs := ctx.oracle.discardAtOrBelow()
	isBottom := cd.nextLevel == lm.lastLevel()
	vlogDiscards := make(map[uint32]int64)

	discardEntry := func(e types.Entry) {
		if e.Meta.Has(types.BitValuePointer) {
			var vp types.ValuePointer
			vp.Decode(e.Value)
			vlogDiscards[vp.Fid] += int64(vp.Len)
		}
	}

	var kept []types.Entry
	var staleSize uint32

	var lastUserKey []byte
	var skipKey bool
	var seenBelowDiscard bool
	for _, e := range merged {
		userKey := types.ParseKey(e.Key)
		version := types.ParseTs(e.Key)
		newUserKey := !bytes.Equal(userKey, lastUserKey)
		if newUserKey {
			lastUserKey = userKey
			skipKey = false
			seenBelowDiscard = false
		}

		if skipKey {
			discardEntry(e)
			continue
		}
		if hasAnyPrefix(userKey, cd.dropPrefixes) {
			discardEntry(e)
			continue
		}

		if newUserKey {
			if version <= discardTs && e.IsDeletedOrExpired() && isBottom {
				// tombstone at the bottom with no reader needing it,
				// the whole key disappears
				skipKey = true
				discardEntry(e)
				continue
			}
			if e.Meta.Has(types.BitDiscardEarlierVersions) {
				skipKey = true
			}
			if version <= discardTs {
				seenBelowDiscard = true
			}
			if e.IsDeletedOrExpired() {
				staleSize += uint32(len(e.Key) + len(e.Value))
			}
			kept = append(kept, e)
			continue
		}

		// older version of the current user key
		if version <= discardTs {
			if seenBelowDiscard {
				// shadowed by a newer version no reader can miss
				discardEntry(e)
				continue
			}
			seenBelowDiscard = true
		}
		staleSize += uint32(len(e.Key) + len(e.Value))
		kept = append(kept, e)
	}

	for fid, delta := range vlogDiscards {
		ctx.discardStats.Update(fid, delta)
	}

	if len(kept) == 0 {
		return nil, nil
	}

	// split by the destination level's file size
	fileSize := cd.priority.t.fileSize[cd.nextLevel.level]
	if fileSize <= 0 {
		fileSize = lm.config.BaseTableSize
	}

	var newTables []*table.Table
	var chunk []types.Entry
	var chunkSize int
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		t, err := table.Create(lm.dir, table.BuildParams{
			ID:            lm.reserveFileID(),
			Level:         uint32(cd.nextLevel.level),
			Entries:       chunk,
			StaleDataSize: staleSize,
		}, lm.tableOpts)
		if err != nil {
			return err
		}
		// only the first chunk carries the stale accounting
		staleSize = 0
		newTables = append(newTables, t)
		chunk = nil
		chunkSize = 0
		return nil
	}

	for i := 0; i < len(kept); i++ {
		e := kept[i]
		// never split versions of one user key across tables
		if chunkSize >= fileSize && !types.SameKey(e.Key, chunk[len(chunk)-1].Key) {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		chunk = append(chunk, e)
		chunkSize += len(e.Key) + len(e.Value) + 10
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return newTables, nil
}

// overlapIndices is overlapTables over an already-snapshotted sorted
// table vector.
func overlapIndices(tables []*table.Table, kr keyRange) (int, int) {
	if len(kr.left) == 0 || len(kr.right) == 0 {
		return 0, 0
	}
	left := sort.Search(len(tables), func(i int) bool {
		return types.CompareKeys(tables[i].Biggest(), kr.left) >= 0
	})
	right := sort.Search(len(tables), func(i int) bool {
		return types.CompareKeys(tables[i].Smallest(), kr.right) > 0
	})
	return left, right
}

func hasAnyPrefix(key []byte, prefixes [][]byte) bool {
	for _, prefix := range prefixes {
		if bytes.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
