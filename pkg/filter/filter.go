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

package filter

import (
	"math"

	"github.com/spaolacci/murmur3"
)

const _defaultP = 0.01

// Filter is a bloom filter over user keys, one per sstable.
type Filter struct {
	bitset []byte
	k      int
	m      int
}

// New creates a Filter sized for n expected keys at false positive
// rate p.
func New(n int, p float64) *Filter {
	if n <= 0 {
		n = 1
	}
	// m = -(n * ln(p)) / (ln(2)^2)
	m := int(math.Ceil(-float64(n) * math.Log(p) / math.Pow(math.Log(2), 2)))
	// whole bytes, so Decode recovers m from the bitset length
	m = (m + 7) / 8 * 8
	// k = (m/n) * ln(2)
	k := int(math.Round((float64(m) / float64(n)) * math.Log(2)))
	if k < 1 {
		k = 1
	}

	return &Filter{
		bitset: make([]byte, (m+7)/8),
		k:      k,
		m:      m,
	}
}

// Build creates a filter over the given user keys.
func Build(keys [][]byte) *Filter {
	f := New(len(keys), _defaultP)
	for _, key := range keys {
		f.Add(key)
	}
	return f
}

func (f *Filter) Add(key []byte) {
	h1, h2 := murmur3.Sum128(key)
	for i := 0; i < f.k; i++ {
		idx := int((h1 + uint64(i)*h2) % uint64(f.m))
		f.bitset[idx/8] |= 1 << (idx % 8)
	}
}

func (f *Filter) Contains(key []byte) bool {
	h1, h2 := murmur3.Sum128(key)
	for i := 0; i < f.k; i++ {
		idx := int((h1 + uint64(i)*h2) % uint64(f.m))
		if f.bitset[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// Encode serializes the filter as k(1) | bitset. The bit count is
// implied by the bitset length.
func (f *Filter) Encode() []byte {
	out := make([]byte, 1+len(f.bitset))
	out[0] = byte(f.k)
	copy(out[1:], f.bitset)
	return out
}

func Decode(data []byte) *Filter {
	if len(data) < 2 {
		return New(1, _defaultP)
	}
	bitset := make([]byte, len(data)-1)
	copy(bitset, data[1:])
	return &Filter{
		bitset: bitset,
		k:      int(data[0]),
		m:      len(bitset) * 8,
	}
}
