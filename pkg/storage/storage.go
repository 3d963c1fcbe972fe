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
	"sync"
	"sync/atomic"

	treemap "github.com/liyue201/gostl/ds/map"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/daviszhen/pipejoin/pkg/util"
)

// DataProxy is the per-worker connection to the storage layer.
type DataProxy interface {
	AddUserPage(set SetKey) (*Page, error)
	UnpinUserPage(node NodeID, db DatabaseID, typ UserTypeID, set SetID, page PageID) bool
}

type pageEntry struct {
	page *Page
	pins []*PinToken
}

// MemoryStore keeps user sets in memory. It stands in for the storage
// manager and its cache.
type MemoryStore struct {
	_lock     sync.Mutex
	_node     NodeID
	_bufMgr   *BufferManager
	_pages    *treemap.Map[PageKey, *pageEntry]
	_nextPage map[SetKey]PageID
}

func NewMemoryStore(node NodeID, pageSize int) *MemoryStore {
	return &MemoryStore{
		_node:     node,
		_bufMgr:   NewBufferManager(pageSize),
		_pages:    treemap.New[PageKey, *pageEntry](comparePageKey),
		_nextPage: make(map[SetKey]PageID),
	}
}

func (store *MemoryStore) Node() NodeID {
	return store._node
}

func (store *MemoryStore) PageSize() int {
	return store._bufMgr.PageSize()
}

func (store *MemoryStore) BufferManager() *BufferManager {
	return store._bufMgr
}

// AddUserPage allocates a new page in set, pinned once for the caller.
func (store *MemoryStore) AddUserPage(set SetKey) (*Page, error) {
	store._lock.Lock()
	defer store._lock.Unlock()
	id := store._nextPage[set]
	store._nextPage[set] = id + 1
	key := PageKey{Node: store._node, SetKey: set, Page: id}
	page := store._bufMgr.Allocate(key)
	store._pages.Insert(key, &pageEntry{
		page: page,
		pins: []*PinToken{page.Pin()},
	})
	return page, nil
}

// AddParsedPage registers a page that arrived from another node.
func (store *MemoryStore) AddParsedPage(set SetKey, page *Page) PageKey {
	store._lock.Lock()
	defer store._lock.Unlock()
	id := store._nextPage[set]
	store._nextPage[set] = id + 1
	key := PageKey{Node: store._node, SetKey: set, Page: id}
	page.relabel(key)
	store._pages.Insert(key, &pageEntry{page: page})
	return key
}

func (store *MemoryStore) UnpinUserPage(node NodeID, db DatabaseID, typ UserTypeID, set SetID, page PageID) bool {
	key := PageKey{Node: node, SetKey: SetKey{Db: db, Typ: typ, Set: set}, Page: page}
	store._lock.Lock()
	defer store._lock.Unlock()
	entry, err := store._pages.Get(key)
	if err != nil || entry == nil {
		util.Warn("unpin of unknown page", zap.String("page", key.String()))
		return false
	}
	if len(entry.pins) == 0 {
		util.Warn("unpin of unpinned page", zap.String("page", key.String()))
		return false
	}
	tok := util.Back(entry.pins)
	entry.pins = util.Pop(entry.pins)
	tok.Release()
	return true
}

func (store *MemoryStore) pin(key PageKey) *Page {
	store._lock.Lock()
	defer store._lock.Unlock()
	entry, err := store._pages.Get(key)
	if err != nil || entry == nil {
		return nil
	}
	entry.pins = append(entry.pins, entry.page.Pin())
	return entry.page
}

// PageKeys lists the pages of set in page id order.
func (store *MemoryStore) PageKeys(set SetKey) []PageKey {
	store._lock.Lock()
	defer store._lock.Unlock()
	ret := make([]PageKey, 0)
	for iter := store._pages.Begin(); iter.IsValid(); iter.Next() {
		if iter.Key().SetKey == set {
			ret = append(ret, iter.Key())
		}
	}
	return ret
}

func (store *MemoryStore) Page(key PageKey) (*Page, error) {
	store._lock.Lock()
	defer store._lock.Unlock()
	entry, err := store._pages.Get(key)
	if err != nil || entry == nil {
		return nil, errors.Wrapf(ErrPageNotFound, "page %s", key)
	}
	return entry.page, nil
}

// PinnedPages counts outstanding pins across every set.
func (store *MemoryStore) PinnedPages() int {
	store._lock.Lock()
	defer store._lock.Unlock()
	cnt := 0
	for iter := store._pages.Begin(); iter.IsValid(); iter.Next() {
		cnt += len(iter.Value().pins)
	}
	return cnt
}

// DropSet frees every page of set. Pinned pages are an error.
func (store *MemoryStore) DropSet(set SetKey) error {
	keys := store.PageKeys(set)
	store._lock.Lock()
	defer store._lock.Unlock()
	for _, key := range keys {
		entry, err := store._pages.Get(key)
		if err != nil {
			continue
		}
		if !entry.page.CanEvict() {
			return errors.Errorf("page %s is still pinned %d times",
				key, entry.page.RefCount())
		}
	}
	for _, key := range keys {
		entry, _ := store._pages.Get(key)
		store._pages.Erase(key)
		store._bufMgr.Free(entry.page)
	}
	delete(store._nextPage, set)
	return nil
}

// Scanner returns the getAnotherPage / doneWithPage pair over the pages
// of set as they exist now. Each returned page is pinned until done.
func (store *MemoryStore) Scanner(set SetKey) (func() *Page, func(*Page)) {
	keys := store.PageKeys(set)
	next := 0
	get := func() *Page {
		for next < len(keys) {
			p := store.pin(keys[next])
			next++
			if p != nil {
				return p
			}
		}
		return nil
	}
	done := func(p *Page) {
		h := p.Header()
		if !store.UnpinUserPage(h.Node, h.Db, h.Typ, h.Set, h.Page) {
			panic(errors.Wrapf(ErrUnpinFailed, "page %s", p.Key()))
		}
	}
	return get, done
}

// Connect opens a proxy connection for one worker.
func (store *MemoryStore) Connect() *ProxyConn {
	return &ProxyConn{_store: store}
}

// ProxyConn is one worker's DataProxy.
type ProxyConn struct {
	_store *MemoryStore
	_pins  atomic.Int64
}

var _ DataProxy = new(ProxyConn)

func (conn *ProxyConn) AddUserPage(set SetKey) (*Page, error) {
	if err := util.Trigger(util.FAULTS_SCOPE_PROXY, "proxy.add"); err != nil {
		return nil, err
	}
	p, err := conn._store.AddUserPage(set)
	if err != nil {
		return nil, err
	}
	conn._pins.Add(1)
	return p, nil
}

func (conn *ProxyConn) UnpinUserPage(node NodeID, db DatabaseID, typ UserTypeID, set SetID, page PageID) bool {
	if util.Trigger(util.FAULTS_SCOPE_PROXY, "proxy.unpin") != nil {
		return false
	}
	if !conn._store.UnpinUserPage(node, db, typ, set, page) {
		return false
	}
	conn._pins.Add(-1)
	return true
}

// Pin takes an extra reference on a stored page for this connection.
func (conn *ProxyConn) Pin(key PageKey) (*Page, error) {
	p := conn._store.pin(key)
	if p == nil {
		return nil, errors.Wrapf(ErrPageNotFound, "page %s", key)
	}
	conn._pins.Add(1)
	return p, nil
}

// Outstanding is the number of pins this connection still holds.
func (conn *ProxyConn) Outstanding() int {
	return int(conn._pins.Load())
}

func (conn *ProxyConn) Store() *MemoryStore {
	return conn._store
}

// ScanPages pins keys one at a time through this connection. A page
// that can not be unpinned again is a broken pin count.
func (conn *ProxyConn) ScanPages(keys []PageKey) (func() *Page, func(*Page)) {
	next := 0
	get := func() *Page {
		for next < len(keys) {
			p, err := conn.Pin(keys[next])
			next++
			if err == nil {
				return p
			}
			util.Warn("skip missing page", zap.String("page", keys[next-1].String()))
		}
		return nil
	}
	done := func(p *Page) {
		h := p.Header()
		if !conn.UnpinUserPage(h.Node, h.Db, h.Typ, h.Set, h.Page) {
			panic(errors.Wrapf(ErrUnpinFailed, "page %s", p.Key()))
		}
	}
	return get, done
}

func (conn *ProxyConn) Scanner(set SetKey) (func() *Page, func(*Page)) {
	return conn.ScanPages(conn._store.PageKeys(set))
}
