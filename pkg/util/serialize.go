// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"unsafe"

	"github.com/pkg/errors"
)

var (
	ErrShortBuffer = errors.New("serialize: buffer too short")
	ErrShortRead   = errors.New("deserialize: unexpected end of buffer")
)

type Serialize interface {
	WriteData(buffer []byte, len int) error
	Close() error
}

type Deserialize interface {
	ReadData(buffer []byte, len int) error
	Close() error
}

// Write copies the in-memory representation of a fixed size value.
func Write[T any](value T, serial Serialize) error {
	cnt := int(unsafe.Sizeof(value))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&value)), cnt)
	return serial.WriteData(buf, cnt)
}

func Read[T any](value *T, deserial Deserialize) error {
	cnt := int(unsafe.Sizeof(*value))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(value)), cnt)
	return deserial.ReadData(buf, cnt)
}

func WriteString(s string, serial Serialize) error {
	err := Write[uint32](uint32(len(s)), serial)
	if err != nil {
		return err
	}
	if len(s) > 0 {
		return serial.WriteData(unsafe.Slice(unsafe.StringData(s), len(s)), len(s))
	}
	return nil
}

func ReadString(deserial Deserialize) (string, error) {
	var l uint32
	err := Read[uint32](&l, deserial)
	if err != nil {
		return "", err
	}
	buf := make([]byte, l)
	err = deserial.ReadData(buf, int(l))
	if err != nil {
		return "", err
	}
	return string(buf), err
}

var _ Serialize = new(BytesSerialize)

// BytesSerialize writes into a fixed byte range and never grows it.
type BytesSerialize struct {
	_buf []byte
	_off int
}

func NewBytesSerialize(buf []byte) *BytesSerialize {
	return &BytesSerialize{_buf: buf}
}

func (serial *BytesSerialize) WriteData(buffer []byte, len int) error {
	if serial._off+len > serial.limit() {
		return errors.Wrapf(ErrShortBuffer, "write %d bytes at %d of %d",
			len, serial._off, serial.limit())
	}
	copy(serial._buf[serial._off:serial._off+len], buffer[:len])
	serial._off += len
	return nil
}

func (serial *BytesSerialize) limit() int {
	return len(serial._buf)
}

func (serial *BytesSerialize) Offset() int {
	return serial._off
}

func (serial *BytesSerialize) Close() error {
	return nil
}

var _ Deserialize = new(BytesDeserialize)

type BytesDeserialize struct {
	_buf []byte
	_off int
}

func NewBytesDeserialize(buf []byte) *BytesDeserialize {
	return &BytesDeserialize{_buf: buf}
}

func (deserial *BytesDeserialize) ReadData(buffer []byte, len int) error {
	if deserial._off+len > deserial.limit() {
		return errors.Wrapf(ErrShortRead, "read %d bytes at %d of %d",
			len, deserial._off, deserial.limit())
	}
	copy(buffer[:len], deserial._buf[deserial._off:deserial._off+len])
	deserial._off += len
	return nil
}

func (deserial *BytesDeserialize) limit() int {
	return len(deserial._buf)
}

func (deserial *BytesDeserialize) Offset() int {
	return deserial._off
}

func (deserial *BytesDeserialize) Close() error {
	return nil
}
