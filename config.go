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

import "os"

const (
	_kb = 1024
	_mb = 1024 * _kb
	_gb = 1024 * _mb

	// hard ceiling of a single value log file, offsets are u32
	_maxVlogFileSize = _gb * 2
)

type Config struct {
	// SkipList Config
	SkipListMaxLevel int
	SkipListP        float64

	// Memtable Config
	// memtable size threshold of turning to an immutable memtable
	MemtableSize    int
	ImmutableBuffer int

	// SSTable Config
	BlockSize          int
	BaseTableSize      int
	BloomFalsePositive float64

	// Level Config
	MaxLevels               int
	BaseLevelSize           int
	LevelSizeMultiplier     int
	TableSizeMultiplier     int
	NumCompactors           int
	NumLevelZeroTables      int
	NumLevelZeroTablesStall int
	LmaxCompaction          bool
	// user keys with these prefixes are dropped on compaction
	DropPrefixes [][]byte

	// Value Log Config
	ValueThreshold int
	VlogFileSize   int
	VlogMaxEntries uint32

	// Cache Config, entry counts
	BlockCacheEntries int
	IndexCacheEntries int

	// Txn Config
	DetectConflicts bool
	ManagedTxns     bool

	SyncWrites bool
	ReadOnly   bool

	// opt-in gate for recovering from a torn WAL tail
	TruncateCorruptWAL bool

	// stamped into the manifest magic, for embedding applications
	ExternalMagic uint16

	// optional AES key, 16/24/32 bytes, enables value log encryption
	EncryptionKey []byte

	FileMode os.FileMode
}

var DefaultConfig = Config{
	SkipListMaxLevel:        9,
	SkipListP:               0.5,
	MemtableSize:            64 * _mb,
	ImmutableBuffer:         5,
	BlockSize:               4 * _kb,
	BaseTableSize:           2 * _mb,
	BloomFalsePositive:      0.01,
	MaxLevels:               7,
	BaseLevelSize:           10 * _mb,
	LevelSizeMultiplier:     10,
	TableSizeMultiplier:     2,
	NumCompactors:           4,
	NumLevelZeroTables:      5,
	NumLevelZeroTablesStall: 15,
	ValueThreshold:          1 * _mb,
	VlogFileSize:            _gb,
	VlogMaxEntries:          1000000,
	BlockCacheEntries:       64 * 1024,
	IndexCacheEntries:       8 * 1024,
	DetectConflicts:         true,
	SyncWrites:              false,
	FileMode:                0o755,
}

func (c *Config) validate() error {
	if c.SkipListMaxLevel <= 0 {
		c.SkipListMaxLevel = DefaultConfig.SkipListMaxLevel
	}
	if c.SkipListP <= 0 {
		c.SkipListP = DefaultConfig.SkipListP
	}
	if c.MemtableSize <= 0 {
		c.MemtableSize = DefaultConfig.MemtableSize
	}
	if c.ImmutableBuffer <= 0 {
		c.ImmutableBuffer = DefaultConfig.ImmutableBuffer
	}
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultConfig.BlockSize
	}
	if c.BaseTableSize <= 0 {
		c.BaseTableSize = DefaultConfig.BaseTableSize
	}
	if c.BloomFalsePositive <= 0 {
		c.BloomFalsePositive = DefaultConfig.BloomFalsePositive
	}
	if c.MaxLevels <= 1 {
		c.MaxLevels = DefaultConfig.MaxLevels
	}
	if c.BaseLevelSize <= 0 {
		c.BaseLevelSize = DefaultConfig.BaseLevelSize
	}
	if c.LevelSizeMultiplier <= 0 {
		c.LevelSizeMultiplier = DefaultConfig.LevelSizeMultiplier
	}
	if c.TableSizeMultiplier <= 0 {
		c.TableSizeMultiplier = DefaultConfig.TableSizeMultiplier
	}
	if c.NumCompactors <= 0 {
		c.NumCompactors = DefaultConfig.NumCompactors
	}
	if c.NumLevelZeroTables <= 0 {
		c.NumLevelZeroTables = DefaultConfig.NumLevelZeroTables
	}
	if c.NumLevelZeroTablesStall <= c.NumLevelZeroTables {
		c.NumLevelZeroTablesStall = c.NumLevelZeroTables * 3
	}
	if c.ValueThreshold <= 0 {
		c.ValueThreshold = DefaultConfig.ValueThreshold
	}
	if c.VlogFileSize <= 0 {
		c.VlogFileSize = DefaultConfig.VlogFileSize
	}
	if c.VlogFileSize < _mb || c.VlogFileSize >= _maxVlogFileSize {
		return ErrValueLogSize
	}
	if c.VlogMaxEntries == 0 {
		c.VlogMaxEntries = DefaultConfig.VlogMaxEntries
	}
	if c.BlockCacheEntries <= 0 {
		c.BlockCacheEntries = DefaultConfig.BlockCacheEntries
	}
	if c.IndexCacheEntries <= 0 {
		c.IndexCacheEntries = DefaultConfig.IndexCacheEntries
	}
	if c.FileMode <= 0 {
		c.FileMode = DefaultConfig.FileMode
	}
	if len(c.EncryptionKey) > 0 {
		switch len(c.EncryptionKey) {
		case 16, 24, 32:
		default:
			return ErrInvalidEncryptionKey
		}
	}
	return nil
}

// maxBatchSize is the byte budget of a single write batch.
func (c *Config) maxBatchSize() int {
	return 15 * c.MemtableSize / 100
}

// maxBatchCount is the entry budget of a single write batch.
func (c *Config) maxBatchCount() int {
	return c.maxBatchSize() / 100
}
