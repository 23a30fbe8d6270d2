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
	"github.com/apache/thrift/lib/go/thrift"
)

// manifest change operations
const (
	_manifestCreate int32 = iota
	_manifestDelete
)

// ManifestChange records one table birth or death. Serialized with
// the frugal codec inside a manifest change set frame.
type ManifestChange struct {
	ID          int64 `thrift:"id,1" frugal:"1,default,i64"`
	Op          int32 `thrift:"op,2" frugal:"2,default,i32"`
	Level       int32 `thrift:"level,3" frugal:"3,default,i32"`
	KeyID       int64 `thrift:"key_id,4" frugal:"4,default,i64"`
	Compression int32 `thrift:"compression,5" frugal:"5,default,i32"`
}

func newCreateChange(id uint64, level int, keyID uint64, compression int32) *ManifestChange {
	return &ManifestChange{
		ID:          int64(id),
		Op:          _manifestCreate,
		Level:       int32(level),
		KeyID:       int64(keyID),
		Compression: compression,
	}
}

func newDeleteChange(id uint64, level int) *ManifestChange {
	return &ManifestChange{
		ID:    int64(id),
		Op:    _manifestDelete,
		Level: int32(level),
	}
}

var _ thrift.TStruct = (*ManifestChange)(nil)

func (m *ManifestChange) Write(p thrift.TProtocol) error {
	if err := p.WriteStructBegin("ManifestChange"); err != nil {
		return err
	}
	if err := p.WriteFieldBegin("id", thrift.I64, 1); err != nil {
		return err
	}
	if err := p.WriteI64(m.ID); err != nil {
		return err
	}
	if err := p.WriteFieldEnd(); err != nil {
		return err
	}
	if err := p.WriteFieldBegin("op", thrift.I32, 2); err != nil {
		return err
	}
	if err := p.WriteI32(m.Op); err != nil {
		return err
	}
	if err := p.WriteFieldEnd(); err != nil {
		return err
	}
	if err := p.WriteFieldBegin("level", thrift.I32, 3); err != nil {
		return err
	}
	if err := p.WriteI32(m.Level); err != nil {
		return err
	}
	if err := p.WriteFieldEnd(); err != nil {
		return err
	}
	if err := p.WriteFieldBegin("key_id", thrift.I64, 4); err != nil {
		return err
	}
	if err := p.WriteI64(m.KeyID); err != nil {
		return err
	}
	if err := p.WriteFieldEnd(); err != nil {
		return err
	}
	if err := p.WriteFieldBegin("compression", thrift.I32, 5); err != nil {
		return err
	}
	if err := p.WriteI32(m.Compression); err != nil {
		return err
	}
	if err := p.WriteFieldEnd(); err != nil {
		return err
	}
	if err := p.WriteFieldStop(); err != nil {
		return err
	}
	return p.WriteStructEnd()
}

func (m *ManifestChange) Read(p thrift.TProtocol) error {
	if _, err := p.ReadStructBegin(); err != nil {
		return err
	}
	for {
		_, fieldType, fieldID, err := p.ReadFieldBegin()
		if err != nil {
			return err
		}
		if fieldType == thrift.STOP {
			break
		}
		switch fieldID {
		case 1:
			if m.ID, err = p.ReadI64(); err != nil {
				return err
			}
		case 2:
			if m.Op, err = p.ReadI32(); err != nil {
				return err
			}
		case 3:
			if m.Level, err = p.ReadI32(); err != nil {
				return err
			}
		case 4:
			if m.KeyID, err = p.ReadI64(); err != nil {
				return err
			}
		case 5:
			if m.Compression, err = p.ReadI32(); err != nil {
				return err
			}
		default:
			if err = p.Skip(fieldType); err != nil {
				return err
			}
		}
		if err = p.ReadFieldEnd(); err != nil {
			return err
		}
	}
	return p.ReadStructEnd()
}

// ManifestChangeSet is one atomically applied group of changes.
type ManifestChangeSet struct {
	Changes []*ManifestChange `thrift:"changes,1" frugal:"1,default,list<ManifestChange>"`
}

var _ thrift.TStruct = (*ManifestChangeSet)(nil)

func (s *ManifestChangeSet) Write(p thrift.TProtocol) error {
	if err := p.WriteStructBegin("ManifestChangeSet"); err != nil {
		return err
	}
	if err := p.WriteFieldBegin("changes", thrift.LIST, 1); err != nil {
		return err
	}
	if err := p.WriteListBegin(thrift.STRUCT, len(s.Changes)); err != nil {
		return err
	}
	for _, change := range s.Changes {
		if err := change.Write(p); err != nil {
			return err
		}
	}
	if err := p.WriteListEnd(); err != nil {
		return err
	}
	if err := p.WriteFieldEnd(); err != nil {
		return err
	}
	if err := p.WriteFieldStop(); err != nil {
		return err
	}
	return p.WriteStructEnd()
}

func (s *ManifestChangeSet) Read(p thrift.TProtocol) error {
	if _, err := p.ReadStructBegin(); err != nil {
		return err
	}
	for {
		_, fieldType, fieldID, err := p.ReadFieldBegin()
		if err != nil {
			return err
		}
		if fieldType == thrift.STOP {
			break
		}
		if fieldID == 1 && fieldType == thrift.LIST {
			_, size, err := p.ReadListBegin()
			if err != nil {
				return err
			}
			s.Changes = make([]*ManifestChange, 0, size)
			for i := 0; i < size; i++ {
				change := &ManifestChange{}
				if err = change.Read(p); err != nil {
					return err
				}
				s.Changes = append(s.Changes, change)
			}
			if err = p.ReadListEnd(); err != nil {
				return err
			}
		} else if err = p.Skip(fieldType); err != nil {
			return err
		}
		if err = p.ReadFieldEnd(); err != nil {
			return err
		}
	}
	return p.ReadStructEnd()
}
