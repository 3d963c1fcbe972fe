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

package storage

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/daviszhen/pipejoin/pkg/util"
)

type PageHeader struct {
	Node         NodeID
	Db           DatabaseID
	Typ          UserTypeID
	Set          SetID
	Page         PageID
	ObjectCount  int32
	DeclaredSize uint64
}

func (h *PageHeader) Key() PageKey {
	return PageKey{
		Node:   h.Node,
		SetKey: SetKey{Db: h.Db, Typ: h.Typ, Set: h.Set},
		Page:   h.Page,
	}
}

func (h *PageHeader) encode(buf []byte) {
	util.AssertFunc(len(buf) >= PageHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(h.Node))
	le.PutUint32(buf[4:], uint32(h.Db))
	le.PutUint32(buf[8:], uint32(h.Typ))
	le.PutUint32(buf[12:], uint32(h.Set))
	le.PutUint32(buf[16:], uint32(h.Page))
	le.PutUint32(buf[20:], uint32(h.ObjectCount))
	le.PutUint64(buf[24:], h.DeclaredSize)
}

func decodePageHeader(buf []byte) PageHeader {
	le := binary.LittleEndian
	return PageHeader{
		Node:         NodeID(int32(le.Uint32(buf[0:]))),
		Db:           DatabaseID(le.Uint32(buf[4:])),
		Typ:          UserTypeID(le.Uint32(buf[8:])),
		Set:          SetID(le.Uint32(buf[12:])),
		Page:         PageID(le.Uint32(buf[16:])),
		ObjectCount:  int32(le.Uint32(buf[20:])),
		DeclaredSize: le.Uint64(buf[24:]),
	}
}

// Page is a fixed size region: header, then one root object.
// The core never frees page memory. It hands pages back through the
// storage proxy.
type Page struct {
	sync.Mutex
	_raw     []byte
	_header  PageHeader
	_readers atomic.Int32
	_pooled  bool
	//decoded root object, valid until the payload is rewritten
	_root any
}

func NewPage(key PageKey, size int) *Page {
	return newPageOnBuffer(key, make([]byte, size))
}

func newPageOnBuffer(key PageKey, raw []byte) *Page {
	util.AssertFunc(len(raw) > PageHeaderSize)
	p := &Page{
		_raw: raw,
		_header: PageHeader{
			Node:         key.Node,
			Db:           key.Db,
			Typ:          key.Typ,
			Set:          key.Set,
			Page:         key.Page,
			DeclaredSize: uint64(len(raw)),
		},
	}
	p._header.encode(p._raw)
	return p
}

// ParsePage rebuilds a page from transported bytes.
func ParsePage(raw []byte) (*Page, error) {
	if len(raw) <= PageHeaderSize {
		return nil, errors.Errorf("page of %d bytes has no payload", len(raw))
	}
	h := decodePageHeader(raw)
	if h.DeclaredSize != uint64(len(raw)) {
		return nil, errors.Errorf("page %s declares %d bytes, got %d",
			h.Key(), h.DeclaredSize, len(raw))
	}
	return &Page{_raw: raw, _header: h}, nil
}

// Bytes returns the writable region just past the header.
func (p *Page) Bytes() []byte {
	return p._raw[PageHeaderSize:]
}

// Size is the declared size minus the header.
func (p *Page) Size() int {
	return int(p._header.DeclaredSize) - PageHeaderSize
}

func (p *Page) Raw() []byte {
	return p._raw
}

func (p *Page) Header() PageHeader {
	return p._header
}

func (p *Page) Key() PageKey {
	return p._header.Key()
}

// relabel gives a received page its key in the local store.
func (p *Page) relabel(key PageKey) {
	objs := p._header.ObjectCount
	p._header = PageHeader{
		Node:         key.Node,
		Db:           key.Db,
		Typ:          key.Typ,
		Set:          key.Set,
		Page:         key.Page,
		ObjectCount:  objs,
		DeclaredSize: p._header.DeclaredSize,
	}
	p._header.encode(p._raw)
}

func (p *Page) ObjectCount() int {
	return int(p._header.ObjectCount)
}

func (p *Page) SetObjectCount(n int) {
	p._header.ObjectCount = int32(n)
	binary.LittleEndian.PutUint32(p._raw[20:], uint32(n))
}

func (p *Page) Root() any {
	p.Lock()
	defer p.Unlock()
	return p._root
}

func (p *Page) SetRoot(root any) {
	p.Lock()
	defer p.Unlock()
	p._root = root
}

// Reset clears the payload so the page can hold a new root.
func (p *Page) Reset() {
	p.Lock()
	defer p.Unlock()
	p._root = nil
	p.SetObjectCount(0)
}
