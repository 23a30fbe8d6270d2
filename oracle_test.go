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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/B1NARY-GR0UP/obsidian/utils"
)

func testOracle() *oracle {
	o := newOracle(Config{DetectConflicts: true})
	o.nextTs = 1
	return o
}

func TestReadTs(t *testing.T) {
	o := testOracle()
	defer o.Stop()

	assert.Equal(t, uint64(0), o.readTs())

	// a committed txn advances the read ts
	txn := &Txn{readTs: 0, writesFp: map[uint64]struct{}{1: {}}}
	ts, conflict := o.nextCommitTs(txn)
	assert.False(t, conflict)
	assert.Equal(t, uint64(1), ts)
	o.doneCommit(ts)

	assert.Equal(t, uint64(1), o.readTs())
}

func TestCommitMonotonicity(t *testing.T) {
	o := testOracle()
	defer o.Stop()

	var last uint64
	for i := 0; i < 100; i++ {
		txn := &Txn{readTs: o.readTs()}
		ts, conflict := o.nextCommitTs(txn)
		assert.False(t, conflict)
		assert.Greater(t, ts, last)
		last = ts
		o.doneCommit(ts)
	}
}

func TestConflictDetection(t *testing.T) {
	o := testOracle()
	defer o.Stop()

	counter := utils.Hash([]byte("counter"))

	// txn1 reads counter at ts 0
	txn1 := &Txn{
		readTs:   o.readTs(),
		readsFp:  []uint64{counter},
		writesFp: map[uint64]struct{}{counter: {}},
	}

	// txn2 writes counter and commits after txn1's snapshot
	txn2 := &Txn{
		readTs:   txn1.readTs,
		writesFp: map[uint64]struct{}{counter: {}},
	}
	ts2, conflict := o.nextCommitTs(txn2)
	assert.False(t, conflict)
	o.doneCommit(ts2)

	// txn1 must now fail
	_, conflict = o.nextCommitTs(txn1)
	assert.True(t, conflict)
}

func TestNoConflictOnDisjointKeys(t *testing.T) {
	o := testOracle()
	defer o.Stop()

	txn1 := &Txn{
		readTs:   o.readTs(),
		readsFp:  []uint64{utils.Hash([]byte("a"))},
		writesFp: map[uint64]struct{}{utils.Hash([]byte("a")): {}},
	}
	txn2 := &Txn{
		readTs:   txn1.readTs,
		writesFp: map[uint64]struct{}{utils.Hash([]byte("b")): {}},
	}

	ts2, conflict := o.nextCommitTs(txn2)
	assert.False(t, conflict)
	o.doneCommit(ts2)

	_, conflict = o.nextCommitTs(txn1)
	assert.False(t, conflict)
}

func TestConflictsSkippedWhenDisabled(t *testing.T) {
	o := newOracle(Config{DetectConflicts: false})
	o.nextTs = 1
	defer o.Stop()

	key := utils.Hash([]byte("k"))
	txn1 := &Txn{readTs: o.readTs(), readsFp: []uint64{key}}
	txn2 := &Txn{readTs: txn1.readTs, writesFp: map[uint64]struct{}{key: {}}}

	ts2, conflict := o.nextCommitTs(txn2)
	assert.False(t, conflict)
	o.doneCommit(ts2)

	// without tracking, the bare counter never reports conflicts
	_, conflict = o.nextCommitTs(txn1)
	assert.False(t, conflict)
}

func TestCommittedTxnsCleanup(t *testing.T) {
	o := testOracle()
	defer o.Stop()

	for i := 0; i < 10; i++ {
		readTs := o.readTs()
		txn := &Txn{
			readTs:   readTs,
			writesFp: map[uint64]struct{}{utils.Hash([]byte("k")): {}},
		}
		ts, conflict := o.nextCommitTs(txn)
		assert.False(t, conflict)
		o.doneCommit(ts)
	}

	// all readers are done, the next commit GCs the ring once the
	// read watermark caught up
	require.NoError(t, o.readMark.WaitForMark(context.Background(), 9))
	readTs := o.readTs()
	txn := &Txn{readTs: readTs, writesFp: map[uint64]struct{}{1: {}}}
	ts, _ := o.nextCommitTs(txn)
	o.doneCommit(ts)

	o.Lock()
	assert.LessOrEqual(t, len(o.committedTxns), 2)
	o.Unlock()
}
