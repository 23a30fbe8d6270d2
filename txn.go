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
	"strconv"
	"sync/atomic"

	"github.com/B1NARY-GR0UP/obsidian/types"
	"github.com/B1NARY-GR0UP/obsidian/utils"
)

// reserved prefix for keys written by the engine itself
var (
	reservedPrefix = []byte("!badger!")
	txnKey         = []byte("!badger!txn")
	bannedKey      = []byte("!badger!banned")
)

const _maxKeySize = 65000

// Txn is a snapshot-isolated transaction. Reads observe every commit
// at or below readTs and nothing newer, writes stage in pendingWrites
// until Commit.
type Txn struct {
	readTs   uint64
	commitTs uint64

	size  int
	count int

	db *DB

	// fingerprints of keys read, checked against later commits
	readsFp []uint64
	// fingerprints of keys written, recorded for later conflict checks
	writesFp map[uint64]struct{}

	pendingWrites map[string]*types.Entry
	// same key staged twice with different explicit versions
	duplicateWrites []*types.Entry

	numIters atomic.Int32

	update    bool
	discarded bool
	doneRead  bool
}

type TxnFunc func(*Txn) error

// NewTransaction starts a txn at the latest read ts. Pass update for
// write access.
func (db *DB) NewTransaction(update bool) *Txn {
	return db.newTransaction(update, false)
}

// NewTransactionAt starts a txn at the caller-supplied read ts. Only
// valid with ManagedTxns.
func (db *DB) NewTransactionAt(readTs uint64, update bool) *Txn {
	if !db.oracle.isManaged {
		panic("NewTransactionAt can only be used with ManagedTxns=true")
	}
	txn := db.newTransaction(update, true)
	txn.readTs = readTs
	return txn
}

func (db *DB) newTransaction(update, isManaged bool) *Txn {
	if db.config.ReadOnly {
		update = false
	}

	txn := &Txn{
		db:     db,
		update: update,
		count:  1,                // one extra slot for the commit marker
		size:   len(txnKey) + 10, // ditto
	}
	if update {
		txn.pendingWrites = make(map[string]*types.Entry)
		if db.config.DetectConflicts {
			txn.writesFp = make(map[uint64]struct{})
		}
	}
	if !isManaged {
		txn.readTs = db.oracle.readTs()
	}
	return txn
}

// Update runs fn in a read-write txn and commits it.
func (db *DB) Update(fn TxnFunc) error {
	if db.isClosed() {
		return ErrDBClosed
	}
	if db.oracle.isManaged {
		panic("Update can only be used with ManagedTxns=false")
	}

	txn := db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// View runs fn in a read-only txn.
func (db *DB) View(fn TxnFunc) error {
	if db.isClosed() {
		return ErrDBClosed
	}
	if db.oracle.isManaged {
		panic("View can only be used with ManagedTxns=false")
	}

	txn := db.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// Item is one visible version of a key as seen by a txn.
type Item struct {
	key       []byte
	value     []byte
	version   uint64
	userMeta  byte
	expiresAt uint64
}

func (i *Item) Key() []byte {
	return i.key
}

func (i *Item) Value() []byte {
	return i.value
}

func (i *Item) Version() uint64 {
	return i.version
}

func (i *Item) UserMeta() byte {
	return i.userMeta
}

func (i *Item) ExpiresAt() uint64 {
	return i.expiresAt
}

// Get returns the newest version of key visible at the txn's read ts.
func (t *Txn) Get(key []byte) (*Item, error) {
	switch {
	case len(key) == 0:
		return nil, ErrEmptyKey
	case t.discarded:
		return nil, ErrDiscardedTxn
	}
	if err := t.db.isBanned(key); err != nil {
		return nil, err
	}

	if t.update {
		if entry, ok := t.pendingWrites[string(key)]; ok && bytes.Equal(entry.Key, key) {
			if entry.IsDeletedOrExpired() {
				return nil, ErrKeyNotFound
			}
			return &Item{
				key:       key,
				value:     entry.Value,
				version:   t.readTs,
				userMeta:  entry.UserMeta,
				expiresAt: entry.ExpiresAt,
			}, nil
		}
		// record the read so a later commit of this key conflicts us
		t.readsFp = append(t.readsFp, utils.Hash(key))
	}

	seek := types.KeyWithTs(key, t.readTs)
	vs, err := t.db.get(seek)
	if err != nil {
		return nil, err
	}
	if vs.Version == 0 || (len(vs.Value) == 0 && vs.Meta == 0) {
		return nil, ErrKeyNotFound
	}
	if vs.IsDeletedOrExpired() {
		return nil, ErrKeyNotFound
	}

	value, err := t.db.resolveValue(vs)
	if err != nil {
		return nil, err
	}
	return &Item{
		key:       key,
		value:     value,
		version:   vs.Version,
		userMeta:  vs.UserMeta,
		expiresAt: vs.ExpiresAt,
	}, nil
}

func (t *Txn) Set(key, value []byte) error {
	return t.SetEntry(types.NewEntry(key, value))
}

func (t *Txn) Delete(key []byte) error {
	return t.SetEntry(&types.Entry{
		Key:  key,
		Meta: types.BitDelete,
	})
}

func (t *Txn) SetEntry(e *types.Entry) error {
	return t.modify(e)
}

func (t *Txn) modify(e *types.Entry) error {
	switch {
	case !t.update:
		return ErrReadOnlyTxn
	case t.discarded:
		return ErrDiscardedTxn
	case len(e.Key) == 0:
		return ErrEmptyKey
	case bytes.HasPrefix(e.Key, reservedPrefix):
		return ErrInvalidKey
	case len(e.Key) > _maxKeySize:
		return exceedsSize("Key", _maxKeySize, e.Key)
	case len(e.Value) > t.db.config.VlogFileSize:
		return exceedsSize("Value", t.db.config.VlogFileSize, e.Value)
	}
	if err := t.db.isBanned(e.Key); err != nil {
		return err
	}

	if err := t.checkSize(e); err != nil {
		return err
	}

	if t.writesFp != nil {
		t.writesFp[utils.Hash(e.Key)] = struct{}{}
	}

	newVersion := e.Version
	if old, ok := t.pendingWrites[string(e.Key)]; ok && old.Version != newVersion {
		// both versions must survive the commit
		t.duplicateWrites = append(t.duplicateWrites, old)
	}
	t.pendingWrites[string(e.Key)] = e
	return nil
}

func (t *Txn) checkSize(e *types.Entry) error {
	count := t.count + 1
	e.ValThreshold = t.db.config.ValueThreshold
	size := t.size + e.EstimateSize(e.ValThreshold) + 10
	if count >= t.db.config.maxBatchCount() || size >= t.db.config.maxBatchSize() {
		return ErrTxnTooBig
	}
	t.count, t.size = count, size
	return nil
}

func exceedsSize(prefix string, max int, key []byte) error {
	if len(key) > 1024 {
		key = key[:1024]
	}
	return fmt.Errorf("%s with size %d exceeded %d limit; %s:\n%v", prefix, len(key), max, prefix, key)
}

// Commit applies every staged write atomically at a single commit ts.
func (t *Txn) Commit() error {
	if len(t.pendingWrites) == 0 {
		// read-only usage of an update txn
		t.Discard()
		return nil
	}
	if err := t.commitPreCheck(); err != nil {
		return err
	}

	commitTs, req, err := t.commitAndSend()
	if err != nil {
		return err
	}

	err = req.Wait()
	t.db.oracle.doneCommit(commitTs)
	return err
}

// CommitAt commits at the caller-supplied ts. Only valid with
// ManagedTxns.
func (t *Txn) CommitAt(commitTs uint64) error {
	if !t.db.oracle.isManaged {
		panic("CommitAt can only be used with ManagedTxns=true")
	}
	t.commitTs = commitTs
	return t.Commit()
}

func (t *Txn) commitPreCheck() error {
	if t.discarded {
		return ErrDiscardedTxn
	}

	keepTogether := true
	for _, e := range t.pendingWrites {
		if e.Version != 0 {
			keepTogether = false
			break
		}
	}
	if keepTogether && t.db.oracle.isManaged && t.commitTs == 0 {
		return fmt.Errorf("commitTs cannot be zero, please use CommitAt instead")
	}
	return nil
}

// commitAndSend assigns the commit ts and enqueues the batch under the
// oracle's write lock, nothing may interleave between the two.
func (t *Txn) commitAndSend() (uint64, *request, error) {
	orc := t.db.oracle
	orc.writeLock.Lock()
	defer orc.writeLock.Unlock()

	commitTs, conflict := orc.nextCommitTs(t)
	if conflict {
		return 0, nil, ErrConflict
	}
	t.commitTs = commitTs

	keepTogether := true
	setVersion := func(e *types.Entry) {
		if e.Version == 0 {
			e.Version = commitTs
		} else {
			keepTogether = false
		}
	}
	for _, e := range t.pendingWrites {
		setVersion(e)
	}
	for _, e := range t.duplicateWrites {
		setVersion(e)
	}

	entries := make([]*types.Entry, 0, len(t.pendingWrites)+len(t.duplicateWrites)+1)
	processEntry := func(e *types.Entry) {
		if keepTogether {
			e.Meta |= types.BitTxn
		}
		entries = append(entries, e)
	}
	for _, e := range t.pendingWrites {
		processEntry(e)
	}
	for _, e := range t.duplicateWrites {
		processEntry(e)
	}

	if keepTogether {
		// commit marker terminates the group on replay
		marker := &types.Entry{
			Key:     txnKey,
			Value:   []byte(strconv.FormatUint(commitTs, 10)),
			Meta:    types.BitFinTxn,
			Version: commitTs,
		}
		entries = append(entries, marker)
	}

	req, err := t.db.sendToWriteCh(entries, t.size)
	if err != nil {
		orc.doneCommit(commitTs)
		return 0, nil, err
	}
	return commitTs, req, nil
}

// Discard drops the txn. Idempotent. Must be called once the txn is
// no longer needed, usually via defer.
func (t *Txn) Discard() {
	if t.discarded {
		return
	}
	if t.numIters.Load() > 0 {
		panic("unclosed iterator at time of Txn.Discard")
	}
	t.discarded = true

	if !t.db.oracle.isManaged {
		t.db.oracle.doneRead(t)
	}
}

func (t *Txn) ReadTs() uint64 {
	return t.readTs
}
