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
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/B1NARY-GR0UP/obsidian/pkg/bufferpool"
	"github.com/B1NARY-GR0UP/obsidian/pkg/filter"
	"github.com/B1NARY-GR0UP/obsidian/types"
)

// BuildParams describes one table to build. Entries must already be
// sorted by versioned key.
type BuildParams struct {
	ID            uint64
	Level         uint32
	Entries       []types.Entry
	StaleDataSize uint32
}

// Build serializes a complete sstable:
// data blocks | meta block | index block | footer.
func Build(params BuildParams, opts Options) ([]byte, error) {
	if len(params.Entries) == 0 {
		return nil, errors.New("cannot build an sstable with no entries")
	}

	buf := bufferpool.Pool.Get()
	defer bufferpool.Pool.Put(buf)

	// split into data blocks
	var dataBlocks []Data
	var currSize int
	var data Data
	for _, entry := range params.Entries {
		if currSize > opts.BlockSize && len(data.Entries) > 0 {
			dataBlocks = append(dataBlocks, data)
			data = Data{}
			currSize = 0
		}
		currSize += len(entry.Key) + len(entry.Value) + 10
		data.Entries = append(data.Entries, entry)
	}
	if len(data.Entries) > 0 {
		dataBlocks = append(dataBlocks, data)
	}

	// write data blocks, build index entries
	var indexBlock Index
	var offset uint64
	for _, block := range dataBlocks {
		dataBytes, err := block.Encode()
		if err != nil {
			return nil, err
		}
		length := uint64(len(dataBytes))
		indexBlock.Entries = append(indexBlock.Entries, IndexEntry{
			StartKey: block.Entries[0].Key,
			EndKey:   block.Entries[len(block.Entries)-1].Key,
			DataHandle: BlockHandle{
				Offset: offset,
				Length: length,
			},
		})
		offset += length

		if _, err = buf.Write(dataBytes); err != nil {
			return nil, err
		}
	}
	indexBlock.DataBlock = BlockHandle{Offset: 0, Length: offset}

	// bloom filter and max version over the whole table
	bf := filter.New(len(params.Entries), opts.BloomFalsePositive)
	var maxVersion uint64
	for _, entry := range params.Entries {
		bf.Add(types.ParseKey(entry.Key))
		if v := types.ParseTs(entry.Key); v > maxVersion {
			maxVersion = v
		}
	}

	meta := Meta{
		CreatedUnix:   time.Now().Unix(),
		ID:            params.ID,
		MaxVersion:    maxVersion,
		Level:         params.Level,
		StaleDataSize: params.StaleDataSize,
		Smallest:      params.Entries[0].Key,
		Biggest:       params.Entries[len(params.Entries)-1].Key,
		Filter:        bf.Encode(),
	}
	metaBytes, err := meta.Encode()
	if err != nil {
		return nil, err
	}
	metaHandle := BlockHandle{
		Offset: offset,
		Length: uint64(len(metaBytes)),
	}
	if _, err = buf.Write(metaBytes); err != nil {
		return nil, err
	}
	offset += metaHandle.Length

	indexBytes, err := indexBlock.Encode()
	if err != nil {
		return nil, err
	}
	indexHandle := BlockHandle{
		Offset: offset,
		Length: uint64(len(indexBytes)),
	}
	if _, err = buf.Write(indexBytes); err != nil {
		return nil, err
	}

	footer := Footer{
		MetaBlock:  metaHandle,
		IndexBlock: indexHandle,
		Magic:      _magic,
	}
	footerBytes, err := footer.Encode()
	if err != nil {
		return nil, err
	}
	if _, err = buf.Write(footerBytes); err != nil {
		return nil, err
	}

	return bytes.Clone(buf.Bytes()), nil
}

// Create builds the table, writes it to dir under its canonical file
// name, fsyncs, and opens it.
func Create(dir string, params BuildParams, opts Options) (*Table, error) {
	tableBytes, err := Build(params, opts)
	if err != nil {
		return nil, err
	}

	filePath := dir + string(os.PathSeparator) + IDToFilename(params.ID)
	fd, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "create sstable %s", filePath)
	}
	if _, err = fd.Write(tableBytes); err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "write sstable %s", filePath)
	}
	if err = fd.Sync(); err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "sync sstable %s", filePath)
	}
	if err = fd.Close(); err != nil {
		return nil, err
	}

	return Open(filePath, opts)
}
