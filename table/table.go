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
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/B1NARY-GR0UP/obsidian/pkg/filter"
	"github.com/B1NARY-GR0UP/obsidian/types"
)

const _fileSuffix = ".sst"

// CacheKey addresses one data block in the process-wide block cache.
type CacheKey struct {
	TableID uint64
	Offset  uint64
}

type (
	BlockCache = lru.Cache[CacheKey, *Data]
	IndexCache = lru.Cache[uint64, *Index]
)

type Options struct {
	// soft cap of a built table's data region
	TableSize int
	// data block split threshold
	BlockSize          int
	BloomFalsePositive float64

	BlockCache *BlockCache
	IndexCache *IndexCache
}

// Table is an open, immutable sstable. Handles are reference counted,
// the file is removed only after the last reference drops.
type Table struct {
	fd   *os.File
	path string
	id   uint64
	size int64
	opts Options

	footer Footer
	meta   Meta
	filter *filter.Filter

	ref     atomic.Int32
	deleted atomic.Bool
}

// IDToFilename formats a table id as its file name.
func IDToFilename(id uint64) string {
	return fmt.Sprintf("%06d%s", id, _fileSuffix)
}

// ParseFileID extracts the table id from a file name, reporting
// whether the name is an sstable at all.
func ParseFileID(name string) (uint64, bool) {
	name = path.Base(name)
	if !strings.HasSuffix(name, _fileSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, _fileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Open reads the footer and meta block of an existing sstable.
func Open(filePath string, opts Options) (*Table, error) {
	fd, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "open sstable %s", filePath)
	}

	id, ok := ParseFileID(filePath)
	if !ok {
		_ = fd.Close()
		return nil, errors.Errorf("invalid sstable file name %s", filePath)
	}

	stat, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "stat sstable %s", filePath)
	}

	t := &Table{
		fd:   fd,
		path: filePath,
		id:   id,
		size: stat.Size(),
		opts: opts,
	}

	footerBytes := make([]byte, FooterSize)
	if _, err = fd.ReadAt(footerBytes, stat.Size()-FooterSize); err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "read footer of %s", filePath)
	}
	if err = t.footer.Decode(footerBytes); err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "decode footer of %s", filePath)
	}

	metaBytes := make([]byte, t.footer.MetaBlock.Length)
	if _, err = fd.ReadAt(metaBytes, int64(t.footer.MetaBlock.Offset)); err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "read meta block of %s", filePath)
	}
	if err = t.meta.Decode(metaBytes); err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "decode meta block of %s", filePath)
	}
	t.filter = filter.Decode(t.meta.Filter)

	t.ref.Store(1)
	return t, nil
}

func (t *Table) ID() uint64 {
	return t.id
}

// Smallest is the serialized KeyTs lower bound of the table.
func (t *Table) Smallest() []byte {
	return t.meta.Smallest
}

// Biggest is the serialized KeyTs upper bound of the table.
func (t *Table) Biggest() []byte {
	return t.meta.Biggest
}

func (t *Table) Size() int {
	return int(t.size)
}

func (t *Table) StaleDataSize() uint32 {
	return t.meta.StaleDataSize
}

func (t *Table) CreatedUnix() int64 {
	return t.meta.CreatedUnix
}

// MaxVersion is the highest ts stored in the table.
func (t *Table) MaxVersion() uint64 {
	return t.meta.MaxVersion
}

func (t *Table) IncrRef() {
	t.ref.Add(1)
}

// DecrRef drops one reference, the file is closed and, if the table
// was deleted, removed once the count hits zero.
func (t *Table) DecrRef() error {
	if t.ref.Add(-1) > 0 {
		return nil
	}
	if err := t.fd.Close(); err != nil {
		return err
	}
	if t.deleted.Load() {
		return os.Remove(t.path)
	}
	return nil
}

// Delete marks the table's file for removal and drops the opener's
// reference.
func (t *Table) Delete() error {
	t.deleted.Store(true)
	return t.DecrRef()
}

func (t *Table) Sync() error {
	return t.fd.Sync()
}

// MayContain consults the bloom filter with a raw user key.
func (t *Table) MayContain(userKey []byte) bool {
	return t.filter.Contains(userKey)
}

// Index returns the decoded index block, consulting the shared index
// cache if configured.
func (t *Table) Index() (*Index, error) {
	if t.opts.IndexCache != nil {
		if index, ok := t.opts.IndexCache.Get(t.id); ok {
			return index, nil
		}
	}

	indexBytes := make([]byte, t.footer.IndexBlock.Length)
	if _, err := t.fd.ReadAt(indexBytes, int64(t.footer.IndexBlock.Offset)); err != nil {
		return nil, errors.Wrapf(err, "read index block of %s", t.path)
	}
	index := &Index{}
	if err := index.Decode(indexBytes); err != nil {
		return nil, errors.Wrapf(err, "decode index block of %s", t.path)
	}

	if t.opts.IndexCache != nil {
		t.opts.IndexCache.Add(t.id, index)
	}
	return index, nil
}

func (t *Table) block(handle BlockHandle) (*Data, error) {
	key := CacheKey{TableID: t.id, Offset: handle.Offset}
	if t.opts.BlockCache != nil {
		if block, ok := t.opts.BlockCache.Get(key); ok {
			return block, nil
		}
	}

	raw := make([]byte, handle.Length)
	if _, err := t.fd.ReadAt(raw, int64(handle.Offset)); err != nil {
		return nil, errors.Wrapf(err, "read data block of %s", t.path)
	}
	block := &Data{}
	if err := block.Decode(raw); err != nil {
		return nil, errors.Wrapf(err, "decode data block of %s", t.path)
	}

	if t.opts.BlockCache != nil {
		t.opts.BlockCache.Add(key, block)
	}
	return block, nil
}

// Seek returns the first entry whose versioned key is >= key.
func (t *Table) Seek(key []byte) (types.Entry, bool, error) {
	index, err := t.Index()
	if err != nil {
		return types.Entry{}, false, err
	}
	handle, ok := index.Seek(key)
	if !ok {
		return types.Entry{}, false, nil
	}
	block, err := t.block(handle)
	if err != nil {
		return types.Entry{}, false, err
	}
	entry, ok := block.LowerBound(key)
	return entry, ok, nil
}

// AllEntries loads every entry of the table in key order. Compaction
// and value log GC feed on this.
func (t *Table) AllEntries() ([]types.Entry, error) {
	index, err := t.Index()
	if err != nil {
		return nil, err
	}
	var entries []types.Entry
	for _, ie := range index.Entries {
		block, err := t.block(ie.DataHandle)
		if err != nil {
			return nil, err
		}
		entries = append(entries, block.Entries...)
	}
	return entries, nil
}

// VerifyChecksum reads the whole file once, any decode failure
// surfaces as an error.
func (t *Table) VerifyChecksum() error {
	if _, err := t.AllEntries(); err != nil {
		return err
	}
	return nil
}

var _ io.Closer = (*Table)(nil)

func (t *Table) Close() error {
	return t.DecrRef()
}
