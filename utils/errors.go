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

package utils

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

var ErrSliceTooLong = errors.New("slice exceeds u32 length prefix")

// ErrorWriter encodes the engine's on-disk structures: the first
// error latches and every later call is a no-op, so codecs chain
// writes and check once. All obsidian disk formats are little-endian,
// the byte order is fixed here rather than picked per call.
type ErrorWriter struct {
	buf *bytes.Buffer
	err error
}

func NewErrorWriter(buf *bytes.Buffer) *ErrorWriter {
	return &ErrorWriter{
		buf: buf,
		err: nil,
	}
}

func (w *ErrorWriter) Write(data any) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(w.buf, binary.LittleEndian, data)
}

// WriteSlice writes a u32 length prefix followed by the bytes, the
// framing used for keys, values and filter blocks.
func (w *ErrorWriter) WriteSlice(b []byte) {
	if w.err != nil {
		return
	}
	if uint64(len(b)) > uint64(^uint32(0)) {
		w.err = ErrSliceTooLong
		return
	}
	w.Write(uint32(len(b)))
	w.Write(b)
}

func (w *ErrorWriter) Error() error {
	return w.err
}

// ErrorReader mirrors ErrorWriter for decoding, with the same latched
// error discipline and fixed byte order.
type ErrorReader struct {
	r   io.Reader
	err error
}

func NewErrorReader(r io.Reader) *ErrorReader {
	return &ErrorReader{
		r:   r,
		err: nil,
	}
}

func (r *ErrorReader) Read(data any) {
	if r.err != nil {
		return
	}
	r.err = binary.Read(r.r, binary.LittleEndian, data)
}

// ReadSlice reads a u32 length prefix and that many bytes.
func (r *ErrorReader) ReadSlice() []byte {
	if r.err != nil {
		return nil
	}
	var length uint32
	r.Read(&length)
	if r.err != nil {
		return nil
	}
	b := make([]byte, length)
	r.Read(&b)
	if r.err != nil {
		return nil
	}
	return b
}

func (r *ErrorReader) Error() error {
	return r.err
}
