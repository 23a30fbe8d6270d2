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

	"github.com/B1NARY-GR0UP/obsidian/pkg/bufferpool"
	"github.com/B1NARY-GR0UP/obsidian/utils"
)

// Meta Block
type Meta struct {
	CreatedUnix   int64
	ID            uint64
	MaxVersion    uint64
	Level         uint32
	StaleDataSize uint32
	// serialized KeyTs bounds of the table
	Smallest []byte
	Biggest  []byte
	// encoded bloom filter over user keys
	Filter []byte
}

func (m *Meta) Encode() ([]byte, error) {
	buf := bufferpool.Pool.Get()
	defer bufferpool.Pool.Put(buf)

	w := utils.NewErrorWriter(buf)

	w.Write(m.CreatedUnix)
	w.Write(m.ID)
	w.Write(m.MaxVersion)
	w.Write(m.Level)
	w.Write(m.StaleDataSize)
	w.WriteSlice(m.Smallest)
	w.WriteSlice(m.Biggest)
	w.WriteSlice(m.Filter)

	if err := w.Error(); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (m *Meta) Decode(data []byte) error {
	reader := bytes.NewReader(data)
	r := utils.NewErrorReader(reader)

	r.Read(&m.CreatedUnix)
	r.Read(&m.ID)
	r.Read(&m.MaxVersion)
	r.Read(&m.Level)
	r.Read(&m.StaleDataSize)
	m.Smallest = r.ReadSlice()
	m.Biggest = r.ReadSlice()
	m.Filter = r.ReadSlice()

	return r.Error()
}
