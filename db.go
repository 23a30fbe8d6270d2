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
	"container/list"
	"os"
	"path"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/B1NARY-GR0UP/obsidian/pkg/closer"
	"github.com/B1NARY-GR0UP/obsidian/pkg/logger"
	"github.com/B1NARY-GR0UP/obsidian/table"
	"github.com/B1NARY-GR0UP/obsidian/types"
	"github.com/B1NARY-GR0UP/obsidian/wal"
)

const _lockFileName = "LOCK"

var errMkDir = errors.New("failed to create db dir")

// DB is an embedded, transactional, ordered key-value store backed by
// an LSM tree with a separate value log.
type DB struct {
	mu sync.RWMutex

	config Config
	logger logger.Logger
	dir    string
	state  atomic.Uint32

	dirLock *flock.Flock

	memtable   *memtable
	immutables *list.List
	flushC     chan *memtable
	writeC     chan *request

	manifest *manifestFile
	manager  *levelManager
	oracle   *oracle
	vlog     *valueLog
	discard  *discardStats

	blockCache *table.BlockCache
	indexCache *table.IndexCache

	blockWrites atomic.Bool
	banned      atomic.Pointer[[][]byte]

	writesCloser  *closer.Closer
	flushCloser   *closer.Closer
	compactCloser *closer.Closer
}

type State uint32

const (
	_ State = iota
	StateInitialize
	StateOpened
	StateClosed
)

// Open creates or recovers a DB rooted at dir.
func Open(dir string, config Config) (*DB, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, config.FileMode); err != nil {
		return nil, errMkDir
	}

	dirLock := flock.New(path.Join(dir, _lockFileName))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "acquire dir lock")
	}
	if !locked {
		return nil, errors.Errorf("cannot acquire dir lock on %s, another process is using it", dir)
	}

	db := &DB{
		config:     config,
		dir:        dir,
		logger:     logger.GetLogger(),
		dirLock:    dirLock,
		immutables: list.New(),
		flushC:     make(chan *memtable, config.ImmutableBuffer),
		writeC:     make(chan *request, _maxPendingWrites),
	}
	db.state.Store(uint32(StateInitialize))

	blockCache, err := lru.New[table.CacheKey, *table.Data](config.BlockCacheEntries)
	if err != nil {
		return nil, err
	}
	indexCache, err := lru.New[uint64, *table.Index](config.IndexCacheEntries)
	if err != nil {
		return nil, err
	}
	db.blockCache = blockCache
	db.indexCache = indexCache

	tableOpts := table.Options{
		TableSize:          config.BaseTableSize,
		BlockSize:          config.BlockSize,
		BloomFalsePositive: config.BloomFalsePositive,
		BlockCache:         blockCache,
		IndexCache:         indexCache,
	}

	unwind := func() {
		_ = dirLock.Unlock()
	}

	mf, manifest, err := openOrCreateManifestFile(dir, config.ExternalMagic, config.ReadOnly)
	if err != nil {
		unwind()
		return nil, err
	}
	db.manifest = mf

	if db.discard, err = openDiscardStats(dir); err != nil {
		unwind()
		return nil, err
	}

	if db.vlog, err = openValueLog(dir, config, db.discard); err != nil {
		unwind()
		return nil, err
	}

	if db.manager, err = newLevelManager(dir, config, mf, manifest, tableOpts); err != nil {
		unwind()
		return nil, err
	}

	if db.memtable, err = newMemtable(dir, config); err != nil {
		unwind()
		return nil, err
	}

	maxVersion, err := db.recoverWAL()
	if err != nil {
		unwind()
		return nil, err
	}
	if v := db.manager.maxVersion(); v > maxVersion {
		maxVersion = v
	}

	db.oracle = newOracle(config)
	db.oracle.nextTs = maxVersion + 1
	db.oracle.readMark.Done(maxVersion)
	db.oracle.commitMark.Done(maxVersion)

	db.writesCloser = closer.New(1)
	go db.doWrites(db.writesCloser)

	db.flushCloser = closer.New(1)
	go db.runFlusher(db.flushCloser)

	db.compactCloser = closer.New(0)
	db.manager.spawnCompactors(db.compactCloser, compactContext{
		oracle:       db.oracle,
		discardStats: db.discard,
		manifest:     mf,
	})

	db.state.Store(uint32(StateOpened))
	db.logger.Infof("db opened at %s, next ts %d", dir, maxVersion+1)
	return db, nil
}

// recoverWAL replays every WAL segment older than the current one
// into the fresh memtable, honoring commit markers: entries of a
// grouped commit apply only once its FIN record is seen.
func (db *DB) recoverWAL() (uint64, error) {
	files, err := os.ReadDir(db.dir)
	if err != nil {
		return 0, errors.Wrapf(err, "read dir %s", db.dir)
	}

	var walFiles []string
	for _, file := range files {
		if file.IsDir() || !wal.IsLogFile(file.Name()) {
			continue
		}
		filePath := path.Join(db.dir, file.Name())
		if wal.CompareVersion(wal.ParseVersion(filePath), db.memtable.wal.Version()) < 0 {
			walFiles = append(walFiles, filePath)
		}
	}
	if len(walFiles) == 0 {
		return 0, nil
	}
	slices.Sort(walFiles)

	db.logger.Infof("found %d wal files, recovery start", len(walFiles))

	var maxVersion uint64
	for _, filePath := range walFiles {
		l, err := wal.Open(filePath)
		if err != nil {
			return 0, err
		}
		entries, err := l.Read()
		if err != nil {
			var te *wal.TruncateError
			if !errors.As(err, &te) {
				return 0, err
			}
			if !db.config.TruncateCorruptWAL {
				return 0, &TruncateNeededError{End: te.End, Size: te.Size}
			}
			db.logger.Warnf("truncating torn wal %s at %d", filePath, te.End)
		}

		applied := replayCommitted(entries)
		for _, entry := range applied {
			if entry.Version > maxVersion {
				maxVersion = entry.Version
			}
		}
		db.memtable.apply(applied...)
		if err = db.memtable.wal.Write(applied...); err != nil {
			return 0, err
		}
		if err = l.Delete(); err != nil {
			return 0, err
		}
	}
	db.logger.Infof("recovery finished")
	return maxVersion, nil
}

// replayCommitted filters a WAL stream down to the entries whose
// commits completed. Unterminated txn groups are dropped.
func replayCommitted(entries []types.Entry) []types.Entry {
	var out []types.Entry
	var txnGroup []types.Entry
	for _, entry := range entries {
		switch {
		case entry.Meta.Has(types.BitFinTxn):
			// the group is durable, apply it
			out = append(out, txnGroup...)
			txnGroup = nil
		case entry.Meta.Has(types.BitTxn):
			txnGroup = append(txnGroup, entry)
		default:
			// non-grouped write, applies on its own
			out = append(out, entry)
		}
	}
	return out
}

// runFlusher drains frozen memtables into L0 tables.
func (db *DB) runFlusher(c *closer.Closer) {
	defer c.Done()

	for {
		select {
		case mt := <-db.flushC:
			if err := db.flushMemtable(mt); err != nil {
				db.logger.Errorf("flush memtable failed: %v", err)
			}
		case <-c.Captured():
			for {
				select {
				case mt := <-db.flushC:
					if err := db.flushMemtable(mt); err != nil {
						db.logger.Errorf("flush memtable failed: %v", err)
					}
				default:
					return
				}
			}
		}
	}
}

// flushMemtable writes one frozen memtable as an L0 table, registers
// it with the manifest and retires the WAL segment.
func (db *DB) flushMemtable(mt *memtable) error {
	entries := mt.all()
	if len(entries) > 0 {
		id := db.manager.reserveFileID()
		t, err := table.Create(db.dir, table.BuildParams{
			ID:      id,
			Level:   0,
			Entries: entries,
		}, db.manager.tableOpts)
		if err != nil {
			return err
		}
		if err = db.manager.addLevel0Table(t); err != nil {
			return err
		}
	}

	db.mu.Lock()
	for e := db.immutables.Front(); e != nil; e = e.Next() {
		if e.Value.(*memtable) == mt {
			db.immutables.Remove(e)
			break
		}
	}
	db.mu.Unlock()

	return mt.wal.Delete()
}

// get returns the newest version at or below the ts of seek, looking
// at the memtable chain first, then every level.
func (db *DB) get(seek []byte) (types.ValueStruct, error) {
	if db.isClosed() {
		return types.ValueStruct{}, ErrDBClosed
	}

	db.mu.RLock()
	memtables := []*memtable{db.memtable}
	for e := db.immutables.Back(); e != nil; e = e.Prev() {
		memtables = append(memtables, e.Value.(*memtable))
	}
	db.mu.RUnlock()

	for _, mt := range memtables {
		if vs, ok := mt.get(seek); ok {
			return vs, nil
		}
	}
	return db.manager.get(seek)
}

// resolveValue follows a value pointer into the value log.
func (db *DB) resolveValue(vs types.ValueStruct) ([]byte, error) {
	if !vs.Meta.Has(types.BitValuePointer) {
		return vs.Value, nil
	}
	var vp types.ValuePointer
	vp.Decode(vs.Value)
	return db.vlog.read(vp)
}

func (db *DB) isBanned(key []byte) error {
	banned := db.banned.Load()
	if banned == nil {
		return nil
	}
	if hasAnyPrefix(key, *banned) {
		return ErrBannedKey
	}
	return nil
}

// RunValueLogGC picks the value log file with the most discarded
// bytes and rewrites its live entries once the discard share reaches
// discardRatio.
func (db *DB) RunValueLogGC(discardRatio float64) error {
	if db.isClosed() {
		return ErrDBClosed
	}
	if discardRatio >= 1.0 || discardRatio <= 0.0 {
		return ErrInvalidRequest
	}
	if db.config.ValueThreshold == 0 {
		return ErrThresholdZero
	}
	return db.vlog.runGC(db, discardRatio)
}

// Sync makes all pending writes durable.
func (db *DB) Sync() error {
	db.mu.RLock()
	mt := db.memtable
	db.mu.RUnlock()

	if err := mt.wal.Sync(); err != nil {
		return err
	}
	return db.vlog.sync()
}

func (db *DB) State() State {
	return State(db.state.Load())
}

func (db *DB) isClosed() bool {
	return db.state.Load() == uint32(StateClosed)
}

// Close stops the workers in dependency order, flushes the mutable
// memtable and releases every file handle.
func (db *DB) Close() error {
	if db.isClosed() {
		return nil
	}

	// no new writes, then drain the pipeline
	db.blockWrites.Store(true)
	db.writesCloser.SignalAndWait()

	// freeze and flush whatever the memtable holds
	db.mu.Lock()
	if !db.memtable.empty() {
		frozen := db.memtable.freeze()
		db.immutables.PushBack(frozen)
		db.mu.Unlock()
		db.flushC <- frozen
	} else {
		if err := db.memtable.wal.Delete(); err != nil {
			db.logger.Errorf("delete empty wal failed: %v", err)
		}
		db.mu.Unlock()
	}
	db.flushCloser.SignalAndWait()

	// compactors finish their current job, reservations release on
	// completion
	db.compactCloser.SignalAndWait()
	db.manager.waitCompactors()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(db.manager.close())
	keep(db.vlog.sync())
	keep(db.vlog.close())
	keep(db.discard.Close())
	keep(db.manifest.close())
	db.oracle.Stop()
	keep(db.dirLock.Unlock())

	db.state.Store(uint32(StateClosed))
	db.logger.Infof("db closed at %s", db.dir)
	return firstErr
}
