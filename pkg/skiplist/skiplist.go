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

package skiplist

import (
	"math/rand"
	"time"
	"unsafe"

	"github.com/B1NARY-GR0UP/obsidian/types"
)

// SkipList is an ordered map over versioned keys. Keys are serialized
// KeyTs values, ordered by types.CompareKeys so at equal user keys the
// newest version comes first.
//
// Level 3:       3 ----------- 9 ----------- 21 --------- 26
// Level 2:       3 ----- 6 ---- 9 ------ 19 -- 21 ---- 25 -- 26
// Level 1:       3 -- 6 -- 7 -- 9 -- 12 -- 19 -- 21 -- 25 -- 26
type SkipList struct {
	maxLevel int
	p        float64
	level    int
	rand     *rand.Rand
	size     int
	head     *Element
}

type Element struct {
	types.Entry
	next []*Element
}

func New(maxLevel int, p float64) *SkipList {
	return &SkipList{
		maxLevel: maxLevel,
		p:        p,
		level:    1,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		head: &Element{
			next: make([]*Element, maxLevel),
		},
	}
}

func (s *SkipList) Reset() *SkipList {
	return New(s.maxLevel, s.p)
}

func (s *SkipList) Size() int {
	return s.size
}

func (s *SkipList) Empty() bool {
	return s.head.next[0] == nil
}

// less orders elements, the head sentinel precedes everything
func less(a []byte, b []byte) bool {
	return types.CompareKeys(a, b) < 0
}

func (s *SkipList) Set(entry types.Entry) {
	curr := s.head
	update := make([]*Element, s.maxLevel)

	for i := s.maxLevel - 1; i >= 0; i-- {
		for curr.next[i] != nil && less(curr.next[i].Key, entry.Key) {
			curr = curr.next[i]
		}
		update[i] = curr
	}

	// exact (key, ts) match updates in place, this only happens on
	// WAL replay of duplicate records
	if next := update[0].next[0]; next != nil && types.CompareKeys(next.Key, entry.Key) == 0 {
		s.size += len(entry.Value) - len(next.Value)
		next.Entry = entry
		return
	}

	level := s.randomLevel()
	if level > s.level {
		for i := s.level; i < level; i++ {
			update[i] = s.head
		}
		s.level = level
	}

	e := &Element{
		Entry: entry,
		next:  make([]*Element, level),
	}
	for i := 0; i < level; i++ {
		e.next[i] = update[i].next[i]
		update[i].next[i] = e
	}

	s.size += len(entry.Key) + len(entry.Value) + 2 + len(e.next)*int(unsafe.Sizeof((*Element)(nil)))
}

// Get returns the entry with exactly the given versioned key.
func (s *SkipList) Get(key []byte) (types.Entry, bool) {
	e := s.seek(key)
	if e != nil && types.CompareKeys(e.Key, key) == 0 {
		return e.Entry, true
	}
	return types.Entry{}, false
}

// LowerBound returns the first entry whose key is >= the given
// versioned key. Seeking to (k, readTs) therefore lands on the newest
// version of k visible at readTs, if k has a version at or below
// readTs; otherwise it lands on the next key in order.
func (s *SkipList) LowerBound(key []byte) (types.Entry, bool) {
	if e := s.seek(key); e != nil {
		return e.Entry, true
	}
	return types.Entry{}, false
}

func (s *SkipList) seek(key []byte) *Element {
	curr := s.head
	for i := s.level - 1; i >= 0; i-- {
		for curr.next[i] != nil && less(curr.next[i].Key, key) {
			curr = curr.next[i]
		}
	}
	return curr.next[0]
}

// All returns every entry in key order.
func (s *SkipList) All() []types.Entry {
	var entries []types.Entry
	for e := s.head.next[0]; e != nil; e = e.next[0] {
		entries = append(entries, e.Entry)
	}
	return entries
}

func (s *SkipList) randomLevel() int {
	level := 1
	for s.rand.Float64() < s.p && level < s.maxLevel {
		level++
	}
	return level
}
