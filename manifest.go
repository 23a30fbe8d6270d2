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
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path"
	"sync"

	"github.com/pkg/errors"

	"github.com/B1NARY-GR0UP/obsidian/utils"
)

const (
	_manifestFileName        = "MANIFEST"
	_manifestRewriteFileName = "MANIFEST-REWRITE"

	_manifestMagicVersion uint16 = 1

	// rewrite once this many deletions accumulated and they dominate
	// the live table count
	_manifestDeletionsRewriteThreshold = 10000
	_manifestDeletionsRatio            = 10
)

var (
	_manifestMagicText = [4]byte{'B', 'd', 'g', 'r'}
	_manifestCrcTable  = crc32.MakeTable(crc32.Castagnoli)
)

// Manifest is the in-memory image of the durable level membership
// journal.
type Manifest struct {
	Levels []levelManifest
	Tables map[uint64]tableManifest

	Creations int
	Deletions int
}

type levelManifest struct {
	Tables map[uint64]struct{}
}

type tableManifest struct {
	Level       uint8
	KeyID       uint64
	Compression int32
}

func newManifest() Manifest {
	return Manifest{
		Tables: make(map[uint64]tableManifest),
	}
}

// clone deep-copies the manifest image.
func (m *Manifest) clone() Manifest {
	changeSet := ManifestChangeSet{Changes: m.asChanges()}
	out := newManifest()
	if err := out.applyChangeSet(&changeSet); err != nil {
		panic(err)
	}
	return out
}

// asChanges expresses the current state as a flat list of creations.
func (m *Manifest) asChanges() []*ManifestChange {
	changes := make([]*ManifestChange, 0, len(m.Tables))
	for id, tm := range m.Tables {
		changes = append(changes, newCreateChange(id, int(tm.Level), tm.KeyID, tm.Compression))
	}
	return changes
}

func (m *Manifest) applyChangeSet(changeSet *ManifestChangeSet) error {
	for _, change := range changeSet.Changes {
		if err := m.applyChange(change); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manifest) applyChange(change *ManifestChange) error {
	id := uint64(change.ID)
	switch change.Op {
	case _manifestCreate:
		if _, ok := m.Tables[id]; ok {
			return errors.Errorf("MANIFEST invalid, table %d exists", id)
		}
		m.Tables[id] = tableManifest{
			Level:       uint8(change.Level),
			KeyID:       uint64(change.KeyID),
			Compression: change.Compression,
		}
		for len(m.Levels) <= int(change.Level) {
			m.Levels = append(m.Levels, levelManifest{Tables: make(map[uint64]struct{})})
		}
		m.Levels[change.Level].Tables[id] = struct{}{}
		m.Creations++
	case _manifestDelete:
		if _, ok := m.Tables[id]; !ok {
			return errors.Errorf("MANIFEST removes non-existing table %d", id)
		}
		delete(m.Levels[change.Level].Tables, id)
		delete(m.Tables, id)
		m.Deletions++
	default:
		return errors.Errorf("MANIFEST has invalid operation %d", change.Op)
	}
	return nil
}

// manifestFile owns the open journal and serializes appends.
type manifestFile struct {
	mu sync.Mutex

	fd            *os.File
	dir           string
	externalMagic uint16
	readOnly      bool

	manifest Manifest
}

// openOrCreateManifestFile replays an existing MANIFEST or bootstraps
// an empty one via rewrite.
func openOrCreateManifestFile(dir string, externalMagic uint16, readOnly bool) (*manifestFile, Manifest, error) {
	filePath := path.Join(dir, _manifestFileName)
	fd, err := os.OpenFile(filePath, os.O_RDWR, 0o644)
	if os.IsNotExist(err) {
		if readOnly {
			return nil, Manifest{}, errors.Errorf("no manifest found, required for read-only db. Path=%s", filePath)
		}
		manifest := newManifest()
		fd, err = helpRewrite(dir, &manifest, externalMagic)
		if err != nil {
			return nil, Manifest{}, err
		}
		mf := &manifestFile{
			fd:            fd,
			dir:           dir,
			externalMagic: externalMagic,
			manifest:      manifest.clone(),
		}
		return mf, manifest, nil
	}
	if err != nil {
		return nil, Manifest{}, errors.Wrapf(err, "open manifest %s", filePath)
	}

	manifest, truncOffset, err := replayManifestFile(fd, externalMagic)
	if err != nil {
		_ = fd.Close()
		return nil, Manifest{}, err
	}

	// everything after the last valid record is torn, cut it
	if !readOnly {
		if err = fd.Truncate(truncOffset); err != nil {
			_ = fd.Close()
			return nil, Manifest{}, errors.Wrap(err, "truncate manifest")
		}
	}
	if _, err = fd.Seek(0, io.SeekEnd); err != nil {
		_ = fd.Close()
		return nil, Manifest{}, err
	}

	mf := &manifestFile{
		fd:            fd,
		dir:           dir,
		externalMagic: externalMagic,
		readOnly:      readOnly,
		manifest:      manifest.clone(),
	}
	return mf, manifest, nil
}

// replayManifestFile verifies the magics and applies every framed
// change set, returning the offset just past the last valid record.
func replayManifestFile(fd *os.File, externalMagic uint16) (Manifest, int64, error) {
	stat, err := fd.Stat()
	if err != nil {
		return Manifest{}, 0, err
	}
	size := stat.Size()

	reader := bufio.NewReader(io.NewSectionReader(fd, 0, size))

	var magicBuf [8]byte
	if _, err = io.ReadFull(reader, magicBuf[:]); err != nil {
		return Manifest{}, 0, errors.New("manifest has bad magic")
	}
	if !bytes.Equal(magicBuf[:4], _manifestMagicText[:]) {
		return Manifest{}, 0, errors.New("manifest has bad magic")
	}
	extVersion := binary.BigEndian.Uint16(magicBuf[4:6])
	version := binary.BigEndian.Uint16(magicBuf[6:8])
	if version != _manifestMagicVersion {
		return Manifest{}, 0, errors.Errorf("manifest has unsupported version: %d (we support %d)", version, _manifestMagicVersion)
	}
	if extVersion != externalMagic {
		return Manifest{}, 0, errors.Errorf("manifest external magic mismatch, expected: %d, present: %d", externalMagic, extVersion)
	}

	manifest := newManifest()
	offset := int64(8)
	for {
		var lenCrcBuf [8]byte
		if _, err = io.ReadFull(reader, lenCrcBuf[:]); err != nil {
			break
		}
		changeLen := int64(binary.BigEndian.Uint32(lenCrcBuf[0:4]))
		crc := binary.BigEndian.Uint32(lenCrcBuf[4:8])
		if offset+8+changeLen > size {
			return Manifest{}, 0, errors.New("manifest file might be corrupted, record exceeds file size")
		}

		changeSetBuf := make([]byte, changeLen)
		if _, err = io.ReadFull(reader, changeSetBuf); err != nil {
			break
		}
		if crc32.Checksum(changeSetBuf, _manifestCrcTable) != crc {
			return Manifest{}, 0, errors.New("manifest has checksum mismatch")
		}

		var changeSet ManifestChangeSet
		if err = utils.TUnmarshal(changeSetBuf, &changeSet); err != nil {
			return Manifest{}, 0, errors.Wrap(err, "decode manifest change set")
		}
		if err = manifest.applyChangeSet(&changeSet); err != nil {
			return Manifest{}, 0, err
		}
		offset += 8 + changeLen
	}
	return manifest, offset, nil
}

// helpRewrite writes the full state to MANIFEST-REWRITE and renames
// it over MANIFEST.
func helpRewrite(dir string, manifest *Manifest, externalMagic uint16) (*os.File, error) {
	rewritePath := path.Join(dir, _manifestRewriteFileName)
	fd, err := os.OpenFile(rewritePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "create manifest rewrite")
	}

	// magic bytes are structured as
	// +---------------------+-------------------------+-----------------------+
	// | magicText (4 bytes) | externalMagic (2 bytes) | engineMagic (2 bytes) |
	// +---------------------+-------------------------+-----------------------+
	buf := make([]byte, 8)
	copy(buf[0:4], _manifestMagicText[:])
	binary.BigEndian.PutUint16(buf[4:6], externalMagic)
	binary.BigEndian.PutUint16(buf[6:8], _manifestMagicVersion)

	changeSet := ManifestChangeSet{Changes: manifest.asChanges()}
	changeSetBuf, err := utils.TMarshal(&changeSet)
	if err != nil {
		_ = fd.Close()
		return nil, errors.Wrap(err, "encode manifest change set")
	}

	var lenCrcBuf [8]byte
	binary.BigEndian.PutUint32(lenCrcBuf[0:4], uint32(len(changeSetBuf)))
	binary.BigEndian.PutUint32(lenCrcBuf[4:8], crc32.Checksum(changeSetBuf, _manifestCrcTable))
	buf = append(buf, lenCrcBuf[:]...)
	buf = append(buf, changeSetBuf...)

	if _, err = fd.Write(buf); err != nil {
		_ = fd.Close()
		return nil, errors.Wrap(err, "write manifest rewrite")
	}
	if err = fd.Sync(); err != nil {
		_ = fd.Close()
		return nil, errors.Wrap(err, "sync manifest rewrite")
	}
	if err = fd.Close(); err != nil {
		return nil, err
	}

	manifestPath := path.Join(dir, _manifestFileName)
	if err = os.Rename(rewritePath, manifestPath); err != nil {
		return nil, errors.Wrap(err, "rename manifest rewrite")
	}
	fd, err = os.OpenFile(manifestPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "reopen manifest")
	}
	if _, err = fd.Seek(0, io.SeekEnd); err != nil {
		_ = fd.Close()
		return nil, err
	}
	if err = syncDir(dir); err != nil {
		_ = fd.Close()
		return nil, err
	}

	manifest.Creations = len(manifest.Tables)
	manifest.Deletions = 0
	return fd, nil
}

// addChanges applies a change set to the in-memory state, appends it
// durably and rewrites the journal once deletions dominate.
func (mf *manifestFile) addChanges(changes []*ManifestChange) error {
	if mf.readOnly {
		return errors.New("manifest is read-only")
	}

	changeSet := ManifestChangeSet{Changes: changes}
	changeSetBuf, err := utils.TMarshal(&changeSet)
	if err != nil {
		return errors.Wrap(err, "encode manifest change set")
	}

	mf.mu.Lock()
	defer mf.mu.Unlock()

	// apply first so a bad change never reaches disk
	if err = mf.manifest.applyChangeSet(&changeSet); err != nil {
		return err
	}

	if mf.manifest.Deletions > _manifestDeletionsRewriteThreshold &&
		mf.manifest.Deletions > _manifestDeletionsRatio*(mf.manifest.Creations-mf.manifest.Deletions) {
		if err = mf.rewrite(); err != nil {
			return err
		}
		return nil
	}

	var lenCrcBuf [8]byte
	binary.BigEndian.PutUint32(lenCrcBuf[0:4], uint32(len(changeSetBuf)))
	binary.BigEndian.PutUint32(lenCrcBuf[4:8], crc32.Checksum(changeSetBuf, _manifestCrcTable))
	if _, err = mf.fd.Write(append(lenCrcBuf[:], changeSetBuf...)); err != nil {
		return errors.Wrap(err, "append manifest")
	}
	return mf.fd.Sync()
}

// rewrite compacts the journal in place. Callers hold mu.
func (mf *manifestFile) rewrite() error {
	if err := mf.fd.Close(); err != nil {
		return err
	}
	fd, err := helpRewrite(mf.dir, &mf.manifest, mf.externalMagic)
	if err != nil {
		return err
	}
	mf.fd = fd
	return nil
}

func (mf *manifestFile) close() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.fd.Close()
}

// syncDir makes a directory entry change (create, rename, remove)
// durable.
func syncDir(dir string) error {
	fd, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "open dir %s", dir)
	}
	if err = fd.Sync(); err != nil {
		_ = fd.Close()
		return errors.Wrapf(err, "sync dir %s", dir)
	}
	return fd.Close()
}
