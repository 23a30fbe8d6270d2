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

package utils

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLCP(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"", "", 0},
		{"abc", "abc", 3},
		{"abc", "abd", 2},
		{"abc", "a", 1},
		{"abc", "xyz", 0},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			result := LCP([]byte(tt.a), []byte(tt.b))
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestHashStable(t *testing.T) {
	key := []byte("counter")
	assert.Equal(t, Hash(key), Hash(key))
	assert.NotEqual(t, Hash(key), Hash([]byte("counter2")))
}

func TestCompressRoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte("obsidian"), 1024)

	var compressed bytes.Buffer
	err := Compress(bytes.NewReader(src), &compressed)
	assert.NoError(t, err)
	assert.Less(t, compressed.Len(), len(src))

	var decompressed bytes.Buffer
	err = Decompress(&compressed, &decompressed)
	assert.NoError(t, err)
	assert.Equal(t, src, decompressed.Bytes())
}
