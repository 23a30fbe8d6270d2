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

package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/B1NARY-GR0UP/obsidian/pkg/bufferpool"
	"github.com/B1NARY-GR0UP/obsidian/types"
	"github.com/B1NARY-GR0UP/obsidian/utils"
)

const _fileSuffix = ".log"

var _castagnoli = crc32.MakeTable(crc32.Castagnoli)

// TruncateError reports a torn tail: the file holds Size bytes but the
// last whole record ends at End. The caller decides whether to
// truncate and proceed or to fail.
type TruncateError struct {
	End  int64
	Size int64
}

func (e *TruncateError) Error() string {
	return fmt.Sprintf("log truncate required to run db, this might result in data loss; end offset: %d < size: %d", e.End, e.Size)
}

// WAL is an append-only typed log of entries. Every record is framed
// as u32 payload len | u32 crc | payload.
type WAL struct {
	mu      sync.Mutex
	fd      *os.File
	path    string
	version int64
}

// Create opens a fresh WAL in dir with a monotonic version derived
// from the wall clock.
func Create(dir string) (*WAL, error) {
	version := time.Now().UnixNano()
	var fd *os.File
	var filePath string
	for {
		filePath = path.Join(dir, strconv.FormatInt(version, 10)+_fileSuffix)
		var err error
		fd, err = os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, errors.Wrapf(err, "create wal %s", filePath)
		}
		version++
	}
	return &WAL{
		fd:      fd,
		path:    filePath,
		version: version,
	}, nil
}

// Open opens an existing WAL for replay and further appends.
func Open(filePath string) (*WAL, error) {
	fd, err := os.OpenFile(filePath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open wal %s", filePath)
	}
	return &WAL{
		fd:      fd,
		path:    filePath,
		version: ParseVersion(filePath),
	}, nil
}

// IsLogFile reports whether name looks like a WAL segment.
func IsLogFile(name string) bool {
	return path.Ext(name) == _fileSuffix
}

// ParseVersion extracts the version from a WAL file name, 0 when the
// name does not parse.
func ParseVersion(filePath string) int64 {
	name := strings.TrimSuffix(path.Base(filePath), _fileSuffix)
	version, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0
	}
	return version
}

func CompareVersion(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (w *WAL) Version() int64 {
	return w.version
}

func (w *WAL) Path() string {
	return w.path
}

// Write appends one framed record per entry.
func (w *WAL) Write(entries ...types.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := bufferpool.Pool.Get()
	defer bufferpool.Pool.Put(buf)

	for _, entry := range entries {
		payload, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		var frame [8]byte
		binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
		binary.LittleEndian.PutUint32(frame[4:8], crc32.Checksum(payload, _castagnoli))
		if _, err = buf.Write(frame[:]); err != nil {
			return err
		}
		if _, err = buf.Write(payload); err != nil {
			return err
		}
	}

	if _, err := w.fd.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(err, "append wal %s", w.path)
	}
	return nil
}

// Read replays every record from the start of the file. A torn or
// corrupt tail yields the records before it plus a *TruncateError.
func (w *WAL) Read() ([]types.Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	stat, err := w.fd.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat wal %s", w.path)
	}
	size := stat.Size()

	raw := make([]byte, size)
	if _, err = w.fd.ReadAt(raw, 0); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "read wal %s", w.path)
	}

	var entries []types.Entry
	var offset int64
	for offset < size {
		if size-offset < 8 {
			return entries, &TruncateError{End: offset, Size: size}
		}
		payloadLen := int64(binary.LittleEndian.Uint32(raw[offset : offset+4]))
		crc := binary.LittleEndian.Uint32(raw[offset+4 : offset+8])
		if size-offset-8 < payloadLen {
			return entries, &TruncateError{End: offset, Size: size}
		}
		payload := raw[offset+8 : offset+8+payloadLen]
		if crc32.Checksum(payload, _castagnoli) != crc {
			return entries, &TruncateError{End: offset, Size: size}
		}

		entry, err := decodeEntry(payload)
		if err != nil {
			return entries, &TruncateError{End: offset, Size: size}
		}
		entries = append(entries, entry)
		offset += 8 + payloadLen
	}
	return entries, nil
}

// Truncate discards everything at and after offset.
func (w *WAL) Truncate(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fd.Truncate(offset); err != nil {
		return errors.Wrapf(err, "truncate wal %s", w.path)
	}
	_, err := w.fd.Seek(offset, io.SeekStart)
	return err
}

func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fd.Sync()
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fd.Close()
}

// Delete closes and removes the file.
func (w *WAL) Delete() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_ = w.fd.Close()
	return os.Remove(w.path)
}

// Reset discards this WAL and hands back a fresh one in the same dir.
func (w *WAL) Reset() (*WAL, error) {
	dir := path.Dir(w.path)
	if err := w.Delete(); err != nil {
		return nil, err
	}
	return Create(dir)
}

// record payload:
// key len u32 | key | value len u32 | value | meta | user meta | expires_at u64
func encodeEntry(entry types.Entry) ([]byte, error) {
	buf := bufferpool.Pool.Get()
	defer bufferpool.Pool.Put(buf)

	ew := utils.NewErrorWriter(buf)
	ew.WriteSlice(entry.Key)
	ew.WriteSlice(entry.Value)
	ew.Write(byte(entry.Meta))
	ew.Write(entry.UserMeta)
	ew.Write(entry.ExpiresAt)

	if err := ew.Error(); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

func decodeEntry(payload []byte) (types.Entry, error) {
	reader := bytes.NewReader(payload)
	er := utils.NewErrorReader(reader)

	key := er.ReadSlice()
	value := er.ReadSlice()

	var meta, userMeta byte
	var expiresAt uint64
	er.Read(&meta)
	er.Read(&userMeta)
	er.Read(&expiresAt)

	if err := er.Error(); err != nil {
		return types.Entry{}, err
	}
	return types.Entry{
		Key:       key,
		Value:     value,
		Meta:      types.Meta(meta),
		UserMeta:  userMeta,
		ExpiresAt: expiresAt,
		Version:   types.ParseTs(key),
	}, nil
}
