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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/B1NARY-GR0UP/obsidian/types"
)

func kr(left, right string) keyRange {
	return keyRange{
		left:  types.KeyWithTs([]byte(left), ^uint64(0)),
		right: types.KeyWithTs([]byte(right), 0),
	}
}

func TestKeyRangeOverlap(t *testing.T) {
	tests := []struct {
		name     string
		a, b     keyRange
		overlaps bool
	}{
		{"disjoint", kr("a", "b"), kr("c", "d"), false},
		{"touching", kr("a", "c"), kr("c", "d"), true},
		{"nested", kr("a", "z"), kr("m", "n"), true},
		{"partial", kr("a", "m"), kr("g", "z"), true},
		{"reversed disjoint", kr("x", "z"), kr("a", "b"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.overlaps, tt.a.overlapsWith(tt.b))
		})
	}
}

func TestKeyRangeEmptyAndInf(t *testing.T) {
	empty := keyRange{}
	full := infRange
	some := kr("a", "b")

	// empty is overlapped by anything
	assert.True(t, empty.overlapsWith(some))
	assert.True(t, empty.overlapsWith(empty))
	// but overlaps nothing, except inf dominates
	assert.False(t, some.overlapsWith(empty))
	assert.True(t, full.overlapsWith(some))
	assert.True(t, some.overlapsWith(full))
}

func TestKeyRangeExtend(t *testing.T) {
	a := kr("d", "f")
	a.extend(kr("a", "e"))
	assert.Zero(t, types.CompareKeys(a.left, types.KeyWithTs([]byte("a"), ^uint64(0))))
	assert.Zero(t, types.CompareKeys(a.right, types.KeyWithTs([]byte("f"), 0)))

	a.extend(kr("x", "z"))
	assert.Zero(t, types.CompareKeys(a.right, types.KeyWithTs([]byte("z"), 0)))

	var b keyRange
	b.extend(kr("g", "h"))
	assert.False(t, b.isEmpty())

	b.extend(infRange)
	assert.True(t, b.inf)
}

func TestCompactStatusReserve(t *testing.T) {
	cs := newCompactStatus(3)

	this := newLevelHandler(0)
	next := newLevelHandler(1)

	cd1 := &compactDef{
		thisLevel: this,
		nextLevel: next,
		thisRange: kr("a", "m"),
		nextRange: kr("a", "m"),
		thisSize:  100,
	}
	assert.True(t, cs.compareAndAdd(cd1))
	assert.Equal(t, int64(100), cs.delSize(0))

	// overlapping plan is rejected
	cd2 := &compactDef{
		thisLevel: this,
		nextLevel: next,
		thisRange: kr("g", "z"),
		nextRange: kr("g", "z"),
	}
	assert.False(t, cs.compareAndAdd(cd2))

	// disjoint plan on the same levels passes
	cd3 := &compactDef{
		thisLevel: this,
		nextLevel: next,
		thisRange: kr("n", "z"),
		nextRange: kr("n", "z"),
	}
	assert.True(t, cs.compareAndAdd(cd3))

	// releasing the first makes its span available again
	cs.delete(cd1)
	assert.Zero(t, cs.delSize(0))
	cd4 := &compactDef{
		thisLevel: this,
		nextLevel: next,
		thisRange: kr("a", "b"),
		nextRange: kr("a", "b"),
	}
	assert.True(t, cs.compareAndAdd(cd4))
}

func TestCompactStatusOverlapsWith(t *testing.T) {
	cs := newCompactStatus(3)
	this := newLevelHandler(1)
	next := newLevelHandler(2)

	cd := &compactDef{
		thisLevel: this,
		nextLevel: next,
		thisRange: kr("c", "g"),
		nextRange: kr("c", "g"),
	}
	assert.True(t, cs.compareAndAdd(cd))

	assert.True(t, cs.overlapsWith(1, kr("a", "d")))
	assert.False(t, cs.overlapsWith(1, kr("h", "k")))
	assert.False(t, cs.overlapsWith(0, kr("a", "d")))
}
