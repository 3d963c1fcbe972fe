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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/daviszhen/pipejoin/pkg/util"
)

// PinToken is a move-only claim on one page reference. Releasing it
// drops the reference exactly once; a released or moved-from token is
// inert.
type PinToken struct {
	_page atomic.Pointer[Page]
}

func (p *Page) Pin() *PinToken {
	p.Lock()
	defer p.Unlock()
	p._readers.Add(1)
	tok := &PinToken{}
	tok._page.Store(p)
	return tok
}

func (p *Page) unpin() {
	p.Lock()
	defer p.Unlock()
	if p._readers.Load() <= 0 {
		panic(fmt.Sprintf("page %s unpinned below zero", p.Key()))
	}
	p._readers.Add(-1)
}

func (p *Page) RefCount() int {
	return int(p._readers.Load())
}

// CanEvict reports whether no reader holds the page.
func (p *Page) CanEvict() bool {
	return p._readers.Load() == 0
}

func (tok *PinToken) Page() *Page {
	if tok == nil {
		return nil
	}
	return tok._page.Load()
}

func (tok *PinToken) Valid() bool {
	return tok.Page() != nil
}

func (tok *PinToken) Release() {
	if tok == nil {
		return
	}
	if p := tok._page.Swap(nil); p != nil {
		p.unpin()
	}
}

// Move transfers the reference to a new token.
func (tok *PinToken) Move() *PinToken {
	ret := &PinToken{}
	if tok != nil {
		ret._page.Store(tok._page.Swap(nil))
	}
	return ret
}

// BufferManager hands out page buffers of one size and recycles the
// buffers of evictable pages.
type BufferManager struct {
	_lock     sync.Mutex
	_pageSize int
	_free     [][]byte
	_inUse    atomic.Int64
	_peak     atomic.Int64
}

func NewBufferManager(pageSize int) *BufferManager {
	util.AssertFunc(pageSize > PageHeaderSize)
	return &BufferManager{
		_pageSize: pageSize,
	}
}

func (mgr *BufferManager) PageSize() int {
	return mgr._pageSize
}

func (mgr *BufferManager) Allocate(key PageKey) *Page {
	mgr._lock.Lock()
	var raw []byte
	if n := len(mgr._free); n > 0 {
		raw = mgr._free[n-1]
		mgr._free = util.Pop(mgr._free)
	}
	mgr._lock.Unlock()
	if raw == nil {
		raw = make([]byte, mgr._pageSize)
	} else {
		clear(raw)
	}
	cur := mgr._inUse.Add(1)
	for {
		peak := mgr._peak.Load()
		if cur <= peak || mgr._peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	p := newPageOnBuffer(key, raw)
	p._pooled = true
	return p
}

// Free returns the buffer of an unpinned page.
func (mgr *BufferManager) Free(p *Page) {
	util.AssertFunc(p.CanEvict())
	if !p._pooled {
		return
	}
	p._pooled = false
	mgr._inUse.Add(-1)
	mgr._lock.Lock()
	defer mgr._lock.Unlock()
	mgr._free = append(mgr._free, p._raw)
	p._raw = nil
	p._root = nil
}

func (mgr *BufferManager) InUse() int {
	return int(mgr._inUse.Load())
}

func (mgr *BufferManager) Peak() int {
	return int(mgr._peak.Load())
}
