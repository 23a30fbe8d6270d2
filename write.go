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
	"time"

	"github.com/B1NARY-GR0UP/obsidian/pkg/closer"
	"github.com/B1NARY-GR0UP/obsidian/types"
)

const _maxPendingWrites = 256

// request is one committed batch moving through the write pipeline.
// Ptrs[i] is filled by the value log for Entries[i].
type request struct {
	Entries []*types.Entry
	Ptrs    []types.ValuePointer

	wg  sync.WaitGroup
	err error
}

// Wait blocks until the pipeline acknowledged the batch.
func (r *request) Wait() error {
	r.wg.Wait()
	return r.err
}

func (r *request) done(err error) {
	r.err = err
	r.wg.Done()
}

// sendToWriteCh enqueues a batch. Txn commits call it under the
// oracle's write lock so their batches enter the channel in commit ts
// order; value log GC sends its rewrite batches without that lock.
func (db *DB) sendToWriteCh(entries []*types.Entry, size int) (*request, error) {
	if db.blockWrites.Load() {
		return nil, ErrBlockedWrites
	}

	req := &request{
		Entries: entries,
		Ptrs:    make([]types.ValuePointer, len(entries)),
	}
	req.wg.Add(1)
	db.writeC <- req
	return req, nil
}

// doWrites is the single writer task, it drains the channel, groups
// pending requests and applies them in order.
func (db *DB) doWrites(c *closer.Closer) {
	defer c.Done()

	pending := make([]*request, 0, _maxPendingWrites)

	writeBatch := func(reqs []*request) {
		if err := db.writeRequests(reqs); err != nil {
			db.logger.Errorf("write requests failed: %v", err)
		}
	}

	for {
		select {
		case req := <-db.writeC:
			pending = append(pending, req)
			// drain whatever else is immediately available
		drain:
			for len(pending) < _maxPendingWrites {
				select {
				case more := <-db.writeC:
					pending = append(pending, more)
				default:
					break drain
				}
			}
			writeBatch(pending)
			pending = pending[:0]
		case <-c.Captured():
			// drain and stop
			for {
				select {
				case req := <-db.writeC:
					writeBatch([]*request{req})
				default:
					return
				}
			}
		}
	}
}

// writeRequests pushes batches through the value log, the WAL and the
// memtable. Every request is acknowledged exactly once.
func (db *DB) writeRequests(reqs []*request) error {
	if len(reqs) == 0 {
		return nil
	}

	done := func(err error) {
		for _, req := range reqs {
			req.done(err)
		}
	}

	// spill large values first so the LSM copy holds pointers
	if err := db.vlog.write(reqs); err != nil {
		done(err)
		return err
	}

	for _, req := range reqs {
		if err := db.ensureRoomForWrite(); err != nil {
			done(err)
			return err
		}
		if err := db.applyToMemtable(req); err != nil {
			done(err)
			return err
		}
	}

	done(nil)
	return nil
}

// applyToMemtable rewrites spilled entries as value pointers and
// hands the batch to the mutable memtable.
func (db *DB) applyToMemtable(req *request) error {
	entries := make([]types.Entry, 0, len(req.Entries))
	for i, e := range req.Entries {
		applied := *e
		if vp := req.Ptrs[i]; !vp.IsEmpty() {
			applied.Meta |= types.BitValuePointer
			applied.Value = vp.Encode()
		}
		applied.Key = types.KeyWithTs(e.Key, e.Version)
		entries = append(entries, applied)
	}

	db.mu.RLock()
	mt := db.memtable
	db.mu.RUnlock()

	return mt.put(entries, db.config.SyncWrites)
}

// ensureRoomForWrite rotates a full memtable into the flush queue.
// When L0 is stalled the rotation waits, applying backpressure to
// writers.
func (db *DB) ensureRoomForWrite() error {
	db.mu.Lock()
	if db.memtable.size() < db.config.MemtableSize {
		db.mu.Unlock()
		return nil
	}

	frozen := db.memtable.freeze()
	mt, err := newMemtable(db.dir, db.config)
	if err != nil {
		db.mu.Unlock()
		return err
	}
	db.memtable = mt
	db.immutables.PushBack(frozen)
	db.mu.Unlock()

	for db.manager.isLevel0Stalled() {
		time.Sleep(10 * time.Millisecond)
	}
	db.flushC <- frozen
	return nil
}
