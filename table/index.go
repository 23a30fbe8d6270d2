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

type BlockHandle struct {
	Offset uint64
	Length uint64
}

// Index Block
type Index struct {
	// BlockHandle covering all data blocks of this sstable
	DataBlock BlockHandle
	Entries   []IndexEntry
}

// IndexEntry locates one data block.
type IndexEntry struct {
	// versioned key bounds of the block
	StartKey []byte
	EndKey   []byte
	// offset and length of the block within the data region
	DataHandle BlockHandle
}

// Seek returns the handle of the first data block that may contain an
// entry >= key.
func (i *Index) Seek(key []byte) (BlockHandle, bool) {
	n := len(i.Entries)
	if n == 0 {
		return BlockHandle{}, false
	}

	// beyond this sstable
	if types.CompareKeys(key, i.Entries[n-1].EndKey) > 0 {
		return BlockHandle{}, false
	}

	idx := sort.Search(n, func(j int) bool {
		return types.CompareKeys(i.Entries[j].EndKey, key) >= 0
	})
	return i.Entries[idx].DataHandle, true
}

// Size is the decoded in-memory byte count, used as cache cost.
func (i *Index) Size() int {
	size := 16
	for _, entry := range i.Entries {
		size += len(entry.StartKey) + len(entry.EndKey) + 16
	}
	return size
}

func (i *Index) Encode() ([]byte, error) {
	buf := bufferpool.Pool.Get()
	defer bufferpool.Pool.Put(buf)

	w := utils.NewErrorWriter(buf)
	w.Write(i.DataBlock.Offset)
	w.Write(i.DataBlock.Length)

	for _, entry := range i.Entries {
		w.WriteSlice(entry.StartKey)
		w.WriteSlice(entry.EndKey)
		w.Write(entry.DataHandle.Offset)
		w.Write(entry.DataHandle.Length)
	}

	if w.Error() != nil {
		return nil, w.Error()
	}

	compressed := bufferpool.Pool.Get()
	defer bufferpool.Pool.Put(compressed)

	if err := utils.Compress(buf, compressed); err != nil {
		return nil, err
	}
	return bytes.Clone(compressed.Bytes()), nil
}

func (i *Index) Decode(index []byte) error {
	buf := bufferpool.Pool.Get()
	defer bufferpool.Pool.Put(buf)

	if err := utils.Decompress(bytes.NewReader(index), buf); err != nil {
		return err
	}

	reader := bytes.NewReader(buf.Bytes())
	r := utils.NewErrorReader(reader)

	r.Read(&i.DataBlock.Offset)
	r.Read(&i.DataBlock.Length)

	for reader.Len() > 0 {
		startKey := r.ReadSlice()
		endKey := r.ReadSlice()

		var handle BlockHandle
		r.Read(&handle.Offset)
		r.Read(&handle.Length)

		if err := r.Error(); err != nil {
			return err
		}

		i.Entries = append(i.Entries, IndexEntry{
			StartKey:   startKey,
			EndKey:     endKey,
			DataHandle: handle,
		})
	}

	return r.Error()
}
