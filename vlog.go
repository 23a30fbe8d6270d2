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
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/B1NARY-GR0UP/obsidian/pkg/bufferpool"
	"github.com/B1NARY-GR0UP/obsidian/pkg/logger"
	"github.com/B1NARY-GR0UP/obsidian/types"
)

const (
	_vlogSuffix = ".vlog"

	// key id (8 bytes) | base iv (12 bytes)
	_vlogFileHeaderSize = 20

	// meta (1) | user meta (1) | varint key len | varint value len | varint expires_at
	_maxVlogEntryHeaderSize = 2 + 2*binary.MaxVarintLen32 + binary.MaxVarintLen64

	// key id of plaintext files
	_plainKeyID uint64 = 0
	// key id of files encrypted with the configured key
	_configKeyID uint64 = 1
)

var _vlogCrcTable = crc32.MakeTable(crc32.Castagnoli)

// vlogEntryHeader is the fixed metadata prefix of every value log
// record.
type vlogEntryHeader struct {
	Meta      types.Meta
	UserMeta  byte
	KLen      uint32
	VLen      uint32
	ExpiresAt uint64
}

func (h vlogEntryHeader) encode(buf []byte) int {
	buf[0] = byte(h.Meta)
	buf[1] = h.UserMeta
	n := 2
	n += binary.PutUvarint(buf[n:], uint64(h.KLen))
	n += binary.PutUvarint(buf[n:], uint64(h.VLen))
	n += binary.PutUvarint(buf[n:], h.ExpiresAt)
	return n
}

func (h *vlogEntryHeader) decode(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, ErrChecksumMismatch
	}
	h.Meta = types.Meta(buf[0])
	h.UserMeta = buf[1]
	n := 2
	klen, m := binary.Uvarint(buf[n:])
	if m <= 0 {
		return 0, ErrChecksumMismatch
	}
	n += m
	vlen, m := binary.Uvarint(buf[n:])
	if m <= 0 {
		return 0, ErrChecksumMismatch
	}
	n += m
	expiresAt, m := binary.Uvarint(buf[n:])
	if m <= 0 {
		return 0, ErrChecksumMismatch
	}
	n += m
	h.KLen = uint32(klen)
	h.VLen = uint32(vlen)
	h.ExpiresAt = expiresAt
	return n, nil
}

// logFile is one append-only value log segment.
type logFile struct {
	mu sync.RWMutex

	fid  uint32
	path string
	fd   *os.File
	size atomic.Uint32

	// key id 0 means plaintext, the iv is present either way
	keyID   uint64
	baseIV  []byte
	dataKey []byte
}

func vlogFilePath(dir string, fid uint32) string {
	return path.Join(dir, fmt.Sprintf("%06d%s", fid, _vlogSuffix))
}

func parseVlogFid(name string) (uint32, bool) {
	name = path.Base(name)
	if !strings.HasSuffix(name, _vlogSuffix) {
		return 0, false
	}
	fid, err := strconv.ParseUint(strings.TrimSuffix(name, _vlogSuffix), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(fid), true
}

func createLogFile(dir string, fid uint32, dataKey []byte) (*logFile, error) {
	filePath := vlogFilePath(dir, fid)
	fd, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "create vlog %s", filePath)
	}

	lf := &logFile{
		fid:    fid,
		path:   filePath,
		fd:     fd,
		baseIV: make([]byte, 12),
	}
	if _, err = rand.Read(lf.baseIV); err != nil {
		_ = fd.Close()
		return nil, err
	}
	if len(dataKey) > 0 {
		lf.keyID = _configKeyID
		lf.dataKey = dataKey
	}

	header := make([]byte, _vlogFileHeaderSize)
	binary.BigEndian.PutUint64(header[0:8], lf.keyID)
	copy(header[8:20], lf.baseIV)
	if _, err = fd.WriteAt(header, 0); err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "write vlog header %s", filePath)
	}
	lf.size.Store(_vlogFileHeaderSize)
	return lf, nil
}

func openLogFile(filePath string, dataKey []byte) (*logFile, error) {
	fd, err := os.OpenFile(filePath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open vlog %s", filePath)
	}
	fid, ok := parseVlogFid(filePath)
	if !ok {
		_ = fd.Close()
		return nil, errors.Errorf("invalid vlog file name %s", filePath)
	}
	stat, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, err
	}

	header := make([]byte, _vlogFileHeaderSize)
	if _, err = fd.ReadAt(header, 0); err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "read vlog header %s", filePath)
	}

	lf := &logFile{
		fid:    fid,
		path:   filePath,
		fd:     fd,
		keyID:  binary.BigEndian.Uint64(header[0:8]),
		baseIV: bytes.Clone(header[8:20]),
	}
	lf.size.Store(uint32(stat.Size()))

	if lf.keyID != _plainKeyID {
		if lf.keyID != _configKeyID {
			_ = fd.Close()
			return nil, ErrInvalidDataKeyID
		}
		if len(dataKey) == 0 {
			_ = fd.Close()
			return nil, ErrEncryptionKeyMismatch
		}
		lf.dataKey = dataKey
	}
	return lf, nil
}

// transform encrypts or decrypts data in place with AES-CTR, the IV
// is the file's base IV with the record offset folded into its tail.
// A no-op for plaintext files.
func (lf *logFile) transform(data []byte, offset uint32) error {
	if len(lf.dataKey) == 0 {
		return nil
	}
	block, err := aes.NewCipher(lf.dataKey)
	if err != nil {
		return err
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, lf.baseIV)
	binary.BigEndian.PutUint32(iv[12:], offset)
	cipher.NewCTR(block, iv).XORKeyStream(data, data)
	return nil
}

// encodeEntry frames one record at the given offset:
// header | keyWithTs | value | crc32, the key/value region encrypted
// when the file is keyed. The crc covers the bytes exactly as
// written.
func (lf *logFile) encodeEntry(buf *bytes.Buffer, e *types.Entry, offset uint32) (uint32, error) {
	buf.Reset()

	header := vlogEntryHeader{
		Meta:      e.Meta,
		UserMeta:  e.UserMeta,
		KLen:      uint32(len(e.Key) + 8),
		VLen:      uint32(len(e.Value)),
		ExpiresAt: e.ExpiresAt,
	}
	var headerBuf [_maxVlogEntryHeaderSize]byte
	headerLen := header.encode(headerBuf[:])

	payload := make([]byte, 0, int(header.KLen)+len(e.Value))
	payload = append(payload, types.KeyWithTs(e.Key, e.Version)...)
	payload = append(payload, e.Value...)
	if err := lf.transform(payload, offset); err != nil {
		return 0, err
	}

	buf.Write(headerBuf[:headerLen])
	buf.Write(payload)

	crc := crc32.Checksum(buf.Bytes(), _vlogCrcTable)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	buf.Write(crcBuf[:])

	return uint32(buf.Len()), nil
}

// decodeEntry parses a record previously read whole from offset.
func (lf *logFile) decodeEntry(record []byte, offset uint32) (*types.Entry, error) {
	if len(record) < 8 {
		return nil, ErrChecksumMismatch
	}
	body, crcBuf := record[:len(record)-4], record[len(record)-4:]
	if crc32.Checksum(body, _vlogCrcTable) != binary.BigEndian.Uint32(crcBuf) {
		return nil, ErrChecksumMismatch
	}

	var header vlogEntryHeader
	headerLen, err := header.decode(body)
	if err != nil {
		return nil, err
	}
	payload := bytes.Clone(body[headerLen:])
	if err = lf.transform(payload, offset); err != nil {
		return nil, err
	}
	if uint64(len(payload)) != uint64(header.KLen)+uint64(header.VLen) {
		return nil, ErrChecksumMismatch
	}

	keyWithTs := payload[:header.KLen]
	value := payload[header.KLen:]
	return &types.Entry{
		Key:       types.ParseKey(keyWithTs),
		Value:     value,
		Meta:      header.Meta,
		UserMeta:  header.UserMeta,
		ExpiresAt: header.ExpiresAt,
		Version:   types.ParseTs(keyWithTs),
		Offset:    offset,
		HeaderLen: headerLen,
	}, nil
}

func (lf *logFile) sync() error {
	return lf.fd.Sync()
}

// valueLog is the append-only blob store keyed by value pointers.
type valueLog struct {
	dirPath string
	config  Config
	logger  logger.Logger

	// guards filesMap and rotation against in-flight reads
	filesLock sync.RWMutex
	filesMap  map[uint32]*logFile
	maxFid    uint32

	writableLogOffset atomic.Uint32
	numEntriesWritten atomic.Uint32

	discardStats *discardStats

	// single GC at a time
	garbageCh chan struct{}
}

func openValueLog(dir string, config Config, discardStats *discardStats) (*valueLog, error) {
	vlog := &valueLog{
		dirPath:      dir,
		config:       config,
		logger:       logger.GetLogger(),
		filesMap:     make(map[uint32]*logFile),
		discardStats: discardStats,
		garbageCh:    make(chan struct{}, 1),
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read dir %s", dir)
	}
	var fids []uint32
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		fid, ok := parseVlogFid(file.Name())
		if !ok {
			continue
		}
		lf, err := openLogFile(path.Join(dir, file.Name()), config.EncryptionKey)
		if err != nil {
			return nil, err
		}
		vlog.filesMap[fid] = lf
		fids = append(fids, fid)
	}

	if len(fids) == 0 {
		if _, err = vlog.createLogFile(); err != nil {
			return nil, err
		}
		return vlog, nil
	}

	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })
	vlog.maxFid = fids[len(fids)-1]
	active := vlog.filesMap[vlog.maxFid]
	vlog.writableLogOffset.Store(active.size.Load())
	return vlog, nil
}

// createLogFile rotates to a fresh active file. Callers must not hold
// filesLock.
func (vlog *valueLog) createLogFile() (*logFile, error) {
	vlog.filesLock.Lock()
	defer vlog.filesLock.Unlock()

	fid := vlog.maxFid + 1
	lf, err := createLogFile(vlog.dirPath, fid, vlog.config.EncryptionKey)
	if err != nil {
		return nil, err
	}
	vlog.filesMap[fid] = lf
	vlog.maxFid = fid
	vlog.writableLogOffset.Store(_vlogFileHeaderSize)
	vlog.numEntriesWritten.Store(0)
	return lf, nil
}

func (vlog *valueLog) activeLogFile() *logFile {
	vlog.filesLock.RLock()
	defer vlog.filesLock.RUnlock()
	return vlog.filesMap[vlog.maxFid]
}

func (vlog *valueLog) woffset() uint32 {
	return vlog.writableLogOffset.Load()
}

// validateWrite rejects a batch whose cumulative size would push a
// single file past the u32 offset ceiling.
func (vlog *valueLog) validateWrite(reqs []*request) error {
	vlogOffset := uint64(vlog.woffset())
	for _, req := range reqs {
		var size uint64
		for _, e := range req.Entries {
			size += _maxVlogEntryHeaderSize + uint64(len(e.Key)) + 8 + uint64(len(e.Value)) + 4
		}
		estimate := vlogOffset + size
		if estimate > _maxVlogFileSize {
			return errors.Errorf("request size offset %d is bigger than maximum offset %d", estimate, uint64(_maxVlogFileSize))
		}
		if estimate >= uint64(vlog.config.VlogFileSize) {
			// rotation point, the next file starts fresh
			vlogOffset = _vlogFileHeaderSize
			continue
		}
		vlogOffset = estimate
	}
	return nil
}

// write spills every entry at or above the value threshold and fills
// the matching value pointers. The TXN bits are cleared in the vlog
// copy, they only matter to WAL replay.
func (vlog *valueLog) write(reqs []*request) error {
	if err := vlog.validateWrite(reqs); err != nil {
		return err
	}

	buf := bufferpool.Pool.Get()
	defer bufferpool.Pool.Put(buf)

	curFile := vlog.activeLogFile()

	rotate := func() error {
		if vlog.woffset() > uint32(vlog.config.VlogFileSize) ||
			vlog.numEntriesWritten.Load() > vlog.config.VlogMaxEntries {
			if vlog.config.SyncWrites {
				if err := curFile.sync(); err != nil {
					return err
				}
			}
			if err := curFile.fd.Truncate(int64(vlog.woffset())); err != nil {
				return err
			}
			curFile.size.Store(vlog.woffset())
			newFile, err := vlog.createLogFile()
			if err != nil {
				return err
			}
			curFile = newFile
		}
		return nil
	}

	for _, req := range reqs {
		var written uint32
		for i, e := range req.Entries {
			e.ValThreshold = vlog.config.ValueThreshold
			if len(e.Value) < e.ValThreshold {
				// stays inline in the LSM
				req.Ptrs[i] = types.ValuePointer{}
				continue
			}

			offset := vlog.woffset()

			tmpMeta := e.Meta
			e.Meta &^= types.BitTxn | types.BitFinTxn
			recordLen, err := curFile.encodeEntry(buf, e, offset)
			e.Meta = tmpMeta
			if err != nil {
				return err
			}

			startOffset := vlog.writableLogOffset.Add(recordLen) - recordLen
			if _, err = curFile.fd.WriteAt(buf.Bytes(), int64(startOffset)); err != nil {
				return errors.Wrapf(err, "write vlog %s", curFile.path)
			}
			if end := startOffset + recordLen; end > curFile.size.Load() {
				curFile.size.Store(end)
			}

			req.Ptrs[i] = types.ValuePointer{
				Fid:    curFile.fid,
				Len:    recordLen,
				Offset: startOffset,
			}
			written++
		}
		vlog.numEntriesWritten.Add(written)

		if err := rotate(); err != nil {
			return err
		}
	}
	return rotate()
}

// read resolves a value pointer, verifying the record checksum.
func (vlog *valueLog) read(vp types.ValuePointer) ([]byte, error) {
	entry, err := vlog.readEntry(vp)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

func (vlog *valueLog) readEntry(vp types.ValuePointer) (*types.Entry, error) {
	vlog.filesLock.RLock()
	lf, ok := vlog.filesMap[vp.Fid]
	if !ok {
		vlog.filesLock.RUnlock()
		return nil, errors.Errorf("vlog file %d not found", vp.Fid)
	}
	lf.mu.RLock()
	vlog.filesLock.RUnlock()
	defer lf.mu.RUnlock()

	record := make([]byte, vp.Len)
	if _, err := lf.fd.ReadAt(record, int64(vp.Offset)); err != nil {
		return nil, errors.Wrapf(err, "read vlog %s", lf.path)
	}
	return lf.decodeEntry(record, vp.Offset)
}

// iterate walks every record of lf in offset order.
func (vlog *valueLog) iterate(lf *logFile, fn func(e *types.Entry, vp types.ValuePointer) error) error {
	size := int64(lf.size.Load())
	offset := int64(_vlogFileHeaderSize)

	reader := io.NewSectionReader(lf.fd, 0, size)
	for offset < size {
		// read the largest possible header, then re-slice
		headerBuf := make([]byte, _maxVlogEntryHeaderSize)
		n, err := reader.ReadAt(headerBuf, offset)
		if err != nil && err != io.EOF {
			return err
		}
		var header vlogEntryHeader
		headerLen, err := header.decode(headerBuf[:n])
		if err != nil {
			return err
		}
		recordLen := int64(headerLen) + int64(header.KLen) + int64(header.VLen) + 4
		if offset+recordLen > size {
			return &TruncateNeededError{End: offset, Size: size}
		}

		record := make([]byte, recordLen)
		if _, err = reader.ReadAt(record, offset); err != nil {
			return err
		}
		entry, err := lf.decodeEntry(record, uint32(offset))
		if err != nil {
			return err
		}
		vp := types.ValuePointer{
			Fid:    lf.fid,
			Len:    uint32(recordLen),
			Offset: uint32(offset),
		}
		if err = fn(entry, vp); err != nil {
			return err
		}
		offset += recordLen
	}
	return nil
}

func (vlog *valueLog) sync() error {
	active := vlog.activeLogFile()
	if active == nil {
		return nil
	}
	return active.sync()
}

func (vlog *valueLog) close() error {
	vlog.filesLock.Lock()
	defer vlog.filesLock.Unlock()

	var firstErr error
	for _, lf := range vlog.filesMap {
		if err := lf.fd.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// deleteLogFile unlinks a fully rewritten segment.
func (vlog *valueLog) deleteLogFile(lf *logFile) error {
	vlog.filesLock.Lock()
	delete(vlog.filesMap, lf.fid)
	vlog.filesLock.Unlock()

	lf.mu.Lock()
	defer lf.mu.Unlock()
	if err := lf.fd.Close(); err != nil {
		return err
	}
	return os.Remove(lf.path)
}

// pickGCFile selects the victim with the highest discard count,
// never the active file.
func (vlog *valueLog) pickGCFile(discardRatio float64) (*logFile, error) {
	fid, discard := vlog.discardStats.MaxDiscard()
	if discard == 0 {
		return nil, ErrNoRewrite
	}

	vlog.filesLock.RLock()
	defer vlog.filesLock.RUnlock()

	if fid == vlog.maxFid {
		return nil, ErrNoRewrite
	}
	lf, ok := vlog.filesMap[fid]
	if !ok {
		return nil, ErrNoRewrite
	}
	if float64(discard) < discardRatio*float64(lf.size.Load()) {
		return nil, ErrNoRewrite
	}
	return lf, nil
}

const _vlogGCBatchSize = 64 * _mb

// rewrite moves the still-live entries of lf back through the write
// path, then deletes the file.
func (vlog *valueLog) rewrite(db *DB, lf *logFile) error {
	var batch []*types.Entry
	var batchSize int

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		req, err := db.sendToWriteCh(batch, batchSize)
		if err != nil {
			return err
		}
		if err = req.Wait(); err != nil {
			return err
		}
		batch = nil
		batchSize = 0
		return nil
	}

	err := vlog.iterate(lf, func(e *types.Entry, vp types.ValuePointer) error {
		// the entry survives only if the newest version of the key
		// still points at this exact record
		latest, err := db.get(types.KeyWithTs(e.Key, math.MaxUint64))
		if err != nil {
			return err
		}
		if !latest.Meta.Has(types.BitValuePointer) || latest.Version != e.Version {
			return nil
		}
		var cur types.ValuePointer
		cur.Decode(latest.Value)
		if cur.Fid != vp.Fid || cur.Offset != vp.Offset {
			return nil
		}
		if e.IsDeletedOrExpired() {
			return nil
		}

		moved := &types.Entry{
			Key:       e.Key,
			Value:     bytes.Clone(e.Value),
			Meta:      e.Meta &^ (types.BitValuePointer | types.BitTxn | types.BitFinTxn),
			UserMeta:  e.UserMeta,
			ExpiresAt: e.ExpiresAt,
			Version:   e.Version,
		}
		batch = append(batch, moved)
		batchSize += len(moved.Key) + len(moved.Value)
		if batchSize >= _vlogGCBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err = flush(); err != nil {
		return err
	}

	if err = vlog.deleteLogFile(lf); err != nil {
		return err
	}
	vlog.discardStats.Update(lf.fid, -1)
	return nil
}

// runGC is the engine half of DB.RunValueLogGC.
func (vlog *valueLog) runGC(db *DB, discardRatio float64) error {
	select {
	case vlog.garbageCh <- struct{}{}:
		defer func() {
			<-vlog.garbageCh
		}()

		lf, err := vlog.pickGCFile(discardRatio)
		if err != nil {
			return err
		}
		vlog.logger.Infof("value log GC rewriting fid %d", lf.fid)
		return vlog.rewrite(db, lf)
	default:
		return ErrRejected
	}
}
