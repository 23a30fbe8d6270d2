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
	"sync"

	"github.com/B1NARY-GR0UP/obsidian/pkg/watermark"
)

type oracle struct {
	sync.Mutex
	// writeLock serializes commit ts assignment with the write channel
	// enqueue, so batches reach the pipeline in commit ts order.
	// Nothing may interleave between the two.
	writeLock sync.Mutex

	isManaged       bool
	detectConflicts bool

	nextTs        uint64
	lastCleanUpTs uint64

	// readMark tracks active read txns, its DoneUntil is the oldest
	// still-needed snapshot and bounds version GC during compaction.
	readMark *watermark.WaterMark
	// commitMark tracks committing txns. A new read txn waits on it so
	// every commit at or below its read ts is visible.
	commitMark *watermark.WaterMark

	// ring of recently committed txns used for conflict detection,
	// GC'd up to the read watermark
	committedTxns []committedTxn
}

type committedTxn struct {
	ts       uint64
	writesFp map[uint64]struct{}
}

func newOracle(config Config) *oracle {
	return &oracle{
		isManaged:       config.ManagedTxns,
		detectConflicts: config.DetectConflicts,
		readMark:        watermark.New(),
		commitMark:      watermark.New(),
	}
}

func (o *oracle) Stop() {
	o.readMark.Stop()
	o.commitMark.Stop()
}

// readTs returns the latest read ts after waiting for every commit at
// or below it to become visible.
func (o *oracle) readTs() uint64 {
	if o.isManaged {
		panic("readTs should not be used in managed mode")
	}

	o.Lock()
	readTs := o.nextTs - 1
	o.readMark.Begin(readTs)
	o.Unlock()

	// ensure current txn can read the latest value of txn at ts <= readTs
	if err := o.commitMark.WaitForMark(context.Background(), readTs); err != nil {
		panic(err)
	}
	return readTs
}

// nextCommitTs assigns the commit ts for txn, or reports a conflict.
// Callers hold writeLock.
func (o *oracle) nextCommitTs(txn *Txn) (uint64, bool) {
	o.Lock()
	defer o.Unlock()

	if o.hasConflict(txn) {
		return 0, true
	}

	var ts uint64
	if o.isManaged {
		ts = txn.commitTs
	} else {
		o.doneRead(txn)
		o.cleanUpCommittedTxns()

		ts = o.nextTs
		o.nextTs++
	}
	o.commitMark.Begin(ts)

	if o.detectConflicts {
		o.committedTxns = append(o.committedTxns, committedTxn{
			ts:       ts,
			writesFp: txn.writesFp,
		})
	}

	return ts, false
}

func (o *oracle) doneRead(txn *Txn) {
	if txn.doneRead {
		return
	}
	txn.doneRead = true
	o.readMark.Done(txn.readTs)
}

func (o *oracle) doneCommit(ts uint64) {
	o.commitMark.Done(ts)
}

// cleanUpCommittedTxns drops ring entries no active reader can
// conflict with anymore.
// NOTE: call with lock
func (o *oracle) cleanUpCommittedTxns() {
	if !o.detectConflicts {
		return
	}

	maxReadTs := o.readMark.DoneUntil()

	if maxReadTs < o.lastCleanUpTs {
		panic("clean up ts must be monotone increasing")
	}
	if maxReadTs == o.lastCleanUpTs {
		return
	}

	o.lastCleanUpTs = maxReadTs

	temp := o.committedTxns[:0]
	for _, committed := range o.committedTxns {
		if committed.ts <= maxReadTs {
			continue
		}
		temp = append(temp, committed)
	}
	o.committedTxns = temp
}

// discardAtOrBelow is the watermark below which compaction may drop
// shadowed versions: for each key only the newest version at or below
// it must survive, no active reader can ever need the rest.
func (o *oracle) discardAtOrBelow() uint64 {
	o.Lock()
	defer o.Unlock()
	return o.readMark.DoneUntil()
}

// hasConflict reports whether a key read by txn was written by a txn
// that committed after txn's read ts.
// NOTE: call with lock
func (o *oracle) hasConflict(txn *Txn) bool {
	if len(txn.readsFp) == 0 {
		return false
	}
	for _, ct := range o.committedTxns {
		if ct.ts <= txn.readTs {
			continue
		}

		for _, fp := range txn.readsFp {
			if _, ok := ct.writesFp[fp]; ok {
				return true
			}
		}
	}
	return false
}
