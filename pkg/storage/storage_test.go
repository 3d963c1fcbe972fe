package storage

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/pipejoin/pkg/util"
)

var testSet = SetKey{Db: 1, Typ: 2, Set: 3}

func TestPageHeaderLayout(t *testing.T) {
	key := PageKey{Node: -2, SetKey: testSet, Page: 7}
	p := NewPage(key, 128)
	raw := p.Raw()
	le := binary.LittleEndian
	assert.Equal(t, int32(-2), int32(le.Uint32(raw[0:])))
	assert.Equal(t, uint32(1), le.Uint32(raw[4:]))
	assert.Equal(t, uint32(2), le.Uint32(raw[8:]))
	assert.Equal(t, uint32(3), le.Uint32(raw[12:]))
	assert.Equal(t, uint32(7), le.Uint32(raw[16:]))
	assert.Equal(t, uint32(0), le.Uint32(raw[20:]))
	assert.Equal(t, uint64(128), le.Uint64(raw[24:]))

	assert.Equal(t, 32, PageHeaderSize)
	assert.Equal(t, 96, p.Size())
	assert.Len(t, p.Bytes(), 96)
	p.Bytes()[0] = 0xAB
	assert.Equal(t, byte(0xAB), raw[PageHeaderSize])

	p.SetObjectCount(5)
	assert.Equal(t, uint32(5), le.Uint32(raw[20:]))

	q, err := ParsePage(raw)
	require.NoError(t, err)
	assert.Equal(t, key, q.Key())
	assert.Equal(t, 5, q.ObjectCount())
	assert.Equal(t, 96, q.Size())
}

func TestParsePageErrors(t *testing.T) {
	_, err := ParsePage(make([]byte, 10))
	assert.Error(t, err)
	p := NewPage(PageKey{SetKey: testSet}, 64)
	_, err = ParsePage(p.Raw()[:50])
	assert.Error(t, err)
}

func TestPinToken(t *testing.T) {
	p := NewPage(PageKey{SetKey: testSet}, 64)
	t1 := p.Pin()
	t2 := p.Pin()
	assert.Equal(t, 2, p.RefCount())
	assert.False(t, p.CanEvict())

	t3 := t1.Move()
	assert.False(t, t1.Valid())
	assert.True(t, t3.Valid())
	t1.Release()
	assert.Equal(t, 2, p.RefCount())

	t3.Release()
	t3.Release()
	assert.Equal(t, 1, p.RefCount())
	t2.Release()
	assert.True(t, p.CanEvict())

	assert.Panics(t, func() {
		p.unpin()
	})
}

func TestAllocationBlock(t *testing.T) {
	blk := NewAllocationBlock(100)
	a, err := blk.Allocate(40)
	require.NoError(t, err)
	require.NoError(t, blk.Reserve(50))
	assert.Equal(t, 100, blk.Capacity())
	assert.Equal(t, 90, blk.Used())
	assert.Equal(t, 50, blk.Reserved())
	assert.Equal(t, 1, blk.LiveObjects())

	_, err = blk.Allocate(11)
	require.Error(t, err)
	assert.True(t, IsOutOfSpace(err))
	var oos *OutOfSpaceError
	require.True(t, errors.As(err, &oos))
	assert.Equal(t, 11, oos.Requested)
	assert.Equal(t, 10, oos.Remaining)
	assert.Equal(t, 90, blk.Used())

	assert.Error(t, blk.Close())
	a.Release()
	assert.Equal(t, 0, blk.LiveObjects())
	assert.NoError(t, blk.Close())
	assert.True(t, blk.Closed())
}

func TestAllocationBlockFault(t *testing.T) {
	util.Open(util.FAULTS_SCOPE_ARENA)
	defer util.Close(util.FAULTS_SCOPE_ARENA)
	blk := NewAllocationBlock(1000)
	util.RegisterN(util.FAULTS_SCOPE_ARENA, "arena.reserve", 1, 1, nil, func([]string) error {
		return blk.OutOfSpaceErr(1)
	})
	require.NoError(t, blk.Reserve(1))
	assert.True(t, IsOutOfSpace(blk.Reserve(1)))
	require.NoError(t, blk.Reserve(1))
	assert.Equal(t, 2, blk.Used())
}

func TestBlockStack(t *testing.T) {
	st := NewBlockStack()
	assert.Nil(t, st.Active())
	assert.Nil(t, st.Pop())
	b1 := st.PushNew(10)
	b2 := st.PushNew(20)
	assert.Equal(t, 2, st.Depth())
	assert.Same(t, b2, st.Active())
	assert.Same(t, b2, st.Pop())
	assert.Same(t, b1, st.Active())

	wg := errgroup.Group{}
	wg.Go(func() (retErr error) {
		defer func() {
			if xre := recover(); xre != nil {
				retErr = util.ConvertPanicError(xre)
			}
		}()
		_, err := b1.Allocate(1)
		return err
	})
	assert.Error(t, wg.Wait())
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(0, 256)
	for i := 0; i < 3; i++ {
		p, err := store.AddUserPage(testSet)
		require.NoError(t, err)
		assert.Equal(t, PageID(i), p.Key().Page)
		assert.Equal(t, 1, p.RefCount())
	}
	assert.Equal(t, 3, store.PinnedPages())
	for _, key := range store.PageKeys(testSet) {
		assert.True(t, store.UnpinUserPage(key.Node, key.Db, key.Typ, key.Set, key.Page))
	}
	assert.Equal(t, 0, store.PinnedPages())
	assert.False(t, store.UnpinUserPage(0, 1, 2, 3, 0))
	assert.False(t, store.UnpinUserPage(0, 9, 9, 9, 0))

	get, done := store.Scanner(testSet)
	p0 := get()
	p1 := get()
	require.NotNil(t, p0)
	require.NotNil(t, p1)
	assert.Equal(t, PageID(1), p1.Key().Page)
	assert.Equal(t, 2, store.PinnedPages())
	assert.Error(t, store.DropSet(testSet))
	done(p0)
	done(p1)
	assert.NotNil(t, get())
	assert.Nil(t, get())
	assert.Equal(t, 1, store.PinnedPages())
	assert.Panics(t, func() {
		done(p0)
	})
}

func TestDropSetRecycles(t *testing.T) {
	store := NewMemoryStore(0, 256)
	p, err := store.AddUserPage(testSet)
	require.NoError(t, err)
	h := p.Header()
	require.True(t, store.UnpinUserPage(h.Node, h.Db, h.Typ, h.Set, h.Page))
	assert.Equal(t, 1, store.BufferManager().InUse())
	require.NoError(t, store.DropSet(testSet))
	assert.Equal(t, 0, store.BufferManager().InUse())
	assert.Empty(t, store.PageKeys(testSet))

	p2, err := store.AddUserPage(testSet)
	require.NoError(t, err)
	assert.Equal(t, PageID(0), p2.Key().Page)
	assert.Equal(t, 1, store.BufferManager().Peak())
}

func TestProxyConn(t *testing.T) {
	store := NewMemoryStore(1, 256)
	conn := store.Connect()
	p, err := conn.AddUserPage(testSet)
	require.NoError(t, err)
	assert.Equal(t, 1, conn.Outstanding())
	_, err = conn.Pin(p.Key())
	require.NoError(t, err)
	assert.Equal(t, 2, p.RefCount())

	util.Open(util.FAULTS_SCOPE_PROXY)
	util.Register(util.FAULTS_SCOPE_PROXY, "proxy.unpin", nil, func([]string) error {
		return ErrUnpinFailed
	})
	h := p.Header()
	assert.False(t, conn.UnpinUserPage(h.Node, h.Db, h.Typ, h.Set, h.Page))
	util.Close(util.FAULTS_SCOPE_PROXY)

	assert.True(t, conn.UnpinUserPage(h.Node, h.Db, h.Typ, h.Set, h.Page))
	assert.True(t, conn.UnpinUserPage(h.Node, h.Db, h.Typ, h.Set, h.Page))
	assert.Equal(t, 0, conn.Outstanding())
	_, err = conn.Pin(PageKey{Node: 5})
	assert.True(t, errors.Is(err, ErrPageNotFound))
}

func TestCompressPage(t *testing.T) {
	p := NewPage(PageKey{Node: 1, SetKey: testSet, Page: 4}, 4096)
	copy(p.Bytes(), []byte("shuffle payload"))
	p.SetObjectCount(1)
	buf := CompressPage(p)
	assert.Less(t, len(buf), 4096)
	q, err := DecompressPage(buf)
	require.NoError(t, err)
	assert.Equal(t, p.Raw(), q.Raw())
	assert.Equal(t, 1, q.ObjectCount())
	_, err = DecompressPage([]byte{0xff, 0xff})
	assert.Error(t, err)
}

func TestConnScanner(t *testing.T) {
	store := NewMemoryStore(1, 256)
	conn := store.Connect()
	for i := 0; i < 3; i++ {
		p, err := conn.AddUserPage(testSet)
		require.NoError(t, err)
		h := p.Header()
		require.True(t, conn.UnpinUserPage(h.Node, h.Db, h.Typ, h.Set, h.Page))
	}
	get, done := conn.Scanner(testSet)
	seen := 0
	for p := get(); p != nil; p = get() {
		assert.Equal(t, 1, conn.Outstanding())
		assert.Equal(t, PageID(seen), p.Key().Page)
		done(p)
		seen++
	}
	assert.Equal(t, 3, seen)
	assert.Equal(t, 0, conn.Outstanding())
	assert.Equal(t, 0, store.PinnedPages())

	p, err := store.Page(PageKey{Node: 1, SetKey: testSet, Page: 0})
	require.NoError(t, err)
	assert.Panics(t, func() {
		done(p)
	})
}
