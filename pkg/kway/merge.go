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

	"github.com/B1NARY-GR0UP/obsidian/types"
)

// Merge merges sorted entry lists into one list sorted by versioned
// key. Every version is preserved. When the exact same (key, ts)
// appears in several lists, the list with the higher index wins, so
// callers pass lists ordered old to new.
func Merge(lists ...[]types.Entry) []types.Entry {
	h := &Heap{}
	heap.Init(h)

	for i, list := range lists {
		if len(list) > 0 {
			heap.Push(h, Element{
				Entry: list[0],
				LI:    i,
			})
			lists[i] = list[1:]
		}
	}

	var merged []types.Entry

	for h.Len() > 0 {
		e := heap.Pop(h).(Element)

		// exact duplicates pop newest-source first, keep only that one
		if n := len(merged); n == 0 || types.CompareKeys(merged[n-1].Key, e.Key) != 0 {
			merged = append(merged, e.Entry)
		}

		if len(lists[e.LI]) > 0 {
			heap.Push(h, Element{
				Entry: lists[e.LI][0],
				LI:    e.LI,
			})
			lists[e.LI] = lists[e.LI][1:]
		}
	}

	return merged
}
