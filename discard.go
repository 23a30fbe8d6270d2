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
	"encoding/binary"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/B1NARY-GR0UP/obsidian/pkg/logger"
)

const (
	_discardFileName = "DISCARD"
	_discardFileSize = 1 << 20 // 1MB, 65536 slots of 16 bytes
	_discardSlotSize = 16
)

// discardStats is a memory-mapped table of per-vlog-file discard
// byte counts, (fid u64, discard u64) big-endian slots sorted by fid.
// Compaction credits it, value log GC reads it to pick victims.
type discardStats struct {
	mu sync.Mutex

	fd            *os.File
	mmap          mmap.MMap
	nextEmptySlot int
	logger        logger.Logger
}

func openDiscardStats(dir string) (*discardStats, error) {
	filePath := path.Join(dir, _discardFileName)
	fd, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", filePath)
	}

	stat, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, err
	}
	if stat.Size() < _discardFileSize {
		if err = fd.Truncate(_discardFileSize); err != nil {
			_ = fd.Close()
			return nil, errors.Wrapf(err, "truncate %s", filePath)
		}
	}

	m, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "mmap %s", filePath)
	}

	ds := &discardStats{
		fd:     fd,
		mmap:   m,
		logger: logger.GetLogger(),
	}
	for slot := 0; slot < ds.maxSlot(); slot++ {
		if ds.get(slot*_discardSlotSize) == 0 {
			ds.nextEmptySlot = slot
			break
		}
	}
	ds.sort()
	ds.logger.Infof("discard stats next empty slot: %d", ds.nextEmptySlot)
	return ds, nil
}

func (ds *discardStats) get(offset int) uint64 {
	return binary.BigEndian.Uint64(ds.mmap[offset : offset+8])
}

func (ds *discardStats) set(offset int, val uint64) {
	binary.BigEndian.PutUint64(ds.mmap[offset:offset+8], val)
}

func (ds *discardStats) maxSlot() int {
	return len(ds.mmap) / _discardSlotSize
}

// sort keeps occupied slots ordered by fid so Update can binary
// search. Callers hold mu (or are the only reference).
func (ds *discardStats) sort() {
	occupied := ds.mmap[:ds.nextEmptySlot*_discardSlotSize]
	slots := make([][16]byte, ds.nextEmptySlot)
	for i := range slots {
		copy(slots[i][:], occupied[i*_discardSlotSize:])
	}
	sort.Slice(slots, func(i, j int) bool {
		return binary.BigEndian.Uint64(slots[i][:8]) < binary.BigEndian.Uint64(slots[j][:8])
	})
	for i := range slots {
		copy(occupied[i*_discardSlotSize:], slots[i][:])
	}
}

// Update adjusts the discard count of fid and returns the current
// value. discard == 0 reads, discard < 0 zeroes the slot, discard > 0
// adds, creating the slot if needed.
func (ds *discardStats) Update(fid uint32, discard int64) uint64 {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	idx := sort.Search(ds.nextEmptySlot, func(slot int) bool {
		return ds.get(slot*_discardSlotSize) >= uint64(fid)
	})
	if idx < ds.nextEmptySlot && ds.get(idx*_discardSlotSize) == uint64(fid) {
		offset := idx*_discardSlotSize + 8
		curr := ds.get(offset)
		switch {
		case discard == 0:
			return curr
		case discard < 0:
			ds.set(offset, 0)
			return 0
		}
		curr += uint64(discard)
		ds.set(offset, curr)
		return curr
	}

	if discard <= 0 {
		return 0
	}

	// append a new slot, grow by doubling when full
	idx = ds.nextEmptySlot
	ds.set(idx*_discardSlotSize, uint64(fid))
	ds.set(idx*_discardSlotSize+8, uint64(discard))
	ds.nextEmptySlot++
	for ds.nextEmptySlot >= ds.maxSlot() {
		if err := ds.grow(); err != nil {
			ds.logger.Panicf("grow discard stats failed: %v", err)
		}
	}
	ds.sort()
	return uint64(discard)
}

func (ds *discardStats) grow() error {
	newSize := int64(len(ds.mmap)) * 2
	if err := ds.mmap.Unmap(); err != nil {
		return err
	}
	if err := ds.fd.Truncate(newSize); err != nil {
		return err
	}
	m, err := mmap.Map(ds.fd, mmap.RDWR, 0)
	if err != nil {
		return err
	}
	ds.mmap = m
	return nil
}

// MaxDiscard returns the fid with the highest discard count, the GC
// victim candidate.
func (ds *discardStats) MaxDiscard() (uint32, uint64) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	var maxFid, maxDiscard uint64
	for slot := 0; slot < ds.nextEmptySlot; slot++ {
		if discard := ds.get(slot*_discardSlotSize + 8); discard > maxDiscard {
			maxFid = ds.get(slot * _discardSlotSize)
			maxDiscard = discard
		}
	}
	return uint32(maxFid), maxDiscard
}

func (ds *discardStats) Sync() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.mmap.Flush()
}

func (ds *discardStats) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := ds.mmap.Flush(); err != nil {
		return err
	}
	if err := ds.mmap.Unmap(); err != nil {
		return err
	}
	return ds.fd.Close()
}
