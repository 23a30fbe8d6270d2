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

package table

import (
	"bytes"
	"sort"

	"github.com/B1NARY-GR0UP/obsidian/pkg/bufferpool"
	"github.com/B1NARY-GR0UP/obsidian/types"
	"github.com/B1NARY-GR0UP/obsidian/utils"
)

// Data Block. Entries are sorted by versioned key, newest version of
// a user key first.
type Data struct {
	Entries []types.Entry
}

// LowerBound returns the first entry whose versioned key is >= key.
func (d *Data) LowerBound(key []byte) (types.Entry, bool) {
	idx := sort.Search(len(d.Entries), func(i int) bool {
		return types.CompareKeys(d.Entries[i].Key, key) >= 0
	})
	if idx == len(d.Entries) {
		return types.Entry{}, false
	}
	return d.Entries[idx], true
}

// Size is the in-memory byte count of decoded entries, used as cache
// cost.
func (d *Data) Size() int {
	var size int
	for _, entry := range d.Entries {
		size += len(entry.Key) + len(entry.Value) + 12
	}
	return size
}

func (d *Data) Encode() ([]byte, error) {
	buf := bufferpool.Pool.Get()
	defer bufferpool.Pool.Put(buf)

	w := utils.NewErrorWriter(buf)

	var prevKey []byte
	for _, entry := range d.Entries {
		lcp := utils.LCP(entry.Key, prevKey)
		suffix := entry.Key[lcp:]

		w.Write(uint16(lcp))
		w.Write(uint16(len(suffix)))
		w.Write(suffix)
		w.WriteSlice(entry.Value)
		w.Write(byte(entry.Meta))
		w.Write(entry.UserMeta)
		w.Write(entry.ExpiresAt)

		prevKey = entry.Key
	}
	if err := w.Error(); err != nil {
		return nil, err
	}

	compressed := bufferpool.Pool.Get()
	defer bufferpool.Pool.Put(compressed)

	if err := utils.Compress(buf, compressed); err != nil {
		return nil, err
	}
	return bytes.Clone(compressed.Bytes()), nil
}

func (d *Data) Decode(data []byte) error {
	buf := bufferpool.Pool.Get()
	defer bufferpool.Pool.Put(buf)

	if err := utils.Decompress(bytes.NewReader(data), buf); err != nil {
		return err
	}

	reader := bytes.NewReader(buf.Bytes())
	r := utils.NewErrorReader(reader)

	var prevKey []byte
	for reader.Len() > 0 {
		var lcp, suffixLen uint16
		r.Read(&lcp)
		r.Read(&suffixLen)
		suffix := make([]byte, suffixLen)
		r.Read(&suffix)

		value := r.ReadSlice()

		var meta, userMeta byte
		var expiresAt uint64
		r.Read(&meta)
		r.Read(&userMeta)
		r.Read(&expiresAt)

		if err := r.Error(); err != nil {
			return err
		}

		key := make([]byte, 0, int(lcp)+len(suffix))
		key = append(key, prevKey[:lcp]...)
		key = append(key, suffix...)

		d.Entries = append(d.Entries, types.Entry{
			Key:       key,
			Value:     value,
			Meta:      types.Meta(meta),
			UserMeta:  userMeta,
			ExpiresAt: expiresAt,
			Version:   types.ParseTs(key),
		})
		prevKey = key
	}

	return nil
}
