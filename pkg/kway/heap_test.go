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

package kway

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/B1NARY-GR0UP/obsidian/types"
)

func TestHeap(t *testing.T) {
	h := &Heap{}
	heap.Init(h)

	for _, key := range []string{"c", "a", "b"} {
		heap.Push(h, Element{
			Entry: entry(key, 1, key),
			LI:    0,
		})
	}

	for _, expected := range []string{"a", "b", "c"} {
		e := heap.Pop(h).(Element)
		assert.Equal(t, []byte(expected), types.ParseKey(e.Key))
	}
}

func TestHeapVersionOrder(t *testing.T) {
	h := &Heap{}
	heap.Init(h)

	// same user key, versions pushed out of order
	for _, ts := range []uint64{3, 9, 5} {
		heap.Push(h, Element{
			Entry: entry("k", ts, "v"),
			LI:    0,
		})
	}

	// newest version pops first
	for _, expected := range []uint64{9, 5, 3} {
		e := heap.Pop(h).(Element)
		assert.Equal(t, expected, types.ParseTs(e.Key))
	}
}

func TestHeapDuplicateTieBreak(t *testing.T) {
	h := &Heap{}
	heap.Init(h)

	// the exact same (key, ts) from two sources, the higher list
	// index is the newer source and must pop first
	heap.Push(h, Element{Entry: entry("k", 4, "stale"), LI: 0})
	heap.Push(h, Element{Entry: entry("k", 4, "fresh"), LI: 1})

	first := heap.Pop(h).(Element)
	assert.Equal(t, 1, first.LI)
	assert.Equal(t, []byte("fresh"), first.Value)

	second := heap.Pop(h).(Element)
	assert.Equal(t, 0, second.LI)
	assert.Equal(t, []byte("stale"), second.Value)
}
