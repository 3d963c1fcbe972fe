package compute

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/daviszhen/pipejoin/pkg/chunk"
	"github.com/daviszhen/pipejoin/pkg/storage"
	"github.com/daviszhen/pipejoin/pkg/util"
)

// VectorTupleSetIterator scans pages of user objects. Every tuple set
// has one handle column 0 of at most chunkSize rows.
type VectorTupleSetIterator struct {
	_getAnotherPage func() *storage.Page
	_doneWithPage   func(*storage.Page)
	_chunkSize      int
	_curPage        *storage.Page
	//the page left last. it is released on the next call.
	_lastPage *storage.Page
	_vec      *ObjectVector
	_pos      int
}

var _ ComputeSource = new(VectorTupleSetIterator)
var _ ChunkSizer = new(VectorTupleSetIterator)

func NewVectorTupleSetIterator(
	getAnotherPage func() *storage.Page,
	doneWithPage func(*storage.Page),
	chunkSize int) (*VectorTupleSetIterator, error) {
	util.AssertFunc(chunkSize > 0)
	it := &VectorTupleSetIterator{
		_getAnotherPage: getAnotherPage,
		_doneWithPage:   doneWithPage,
		_chunkSize:      chunkSize,
	}
	if err := it.loadPage(getAnotherPage()); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *VectorTupleSetIterator) loadPage(page *storage.Page) error {
	if page == nil {
		return nil
	}
	vec, err := DecodeObjectVector(page)
	if err != nil {
		it._doneWithPage(page)
		return err
	}
	it._curPage, it._vec, it._pos = page, vec, 0
	return nil
}

// advance moves off drained pages. The page left behind is held as
// lastPage.
func (it *VectorTupleSetIterator) advance() error {
	for it._curPage != nil && it._pos >= it._vec.Len() {
		if it._lastPage != nil {
			it._doneWithPage(it._lastPage)
		}
		it._lastPage = it._curPage
		it._curPage, it._vec, it._pos = nil, nil, 0
		if err := it.loadPage(it._getAnotherPage()); err != nil {
			return err
		}
	}
	return nil
}

func (it *VectorTupleSetIterator) GetNextTupleSet(blk *storage.AllocationBlock) (*chunk.TupleSet, error) {
	if it._lastPage != nil {
		it._doneWithPage(it._lastPage)
		it._lastPage = nil
	}
	if err := it.advance(); err != nil {
		return nil, err
	}
	if it._curPage == nil {
		return nil, nil
	}

	posToRecoverFrom := it._pos
	n := min(it._chunkSize, it._vec.Len()-it._pos)
	col := chunk.NewVector(make([]chunk.Object, 0, n))
	output := chunk.NewTupleSet()
	for i := 0; i < n; i++ {
		if err := output.Charge(blk, chunk.HandleBytes); err != nil {
			it._pos = posToRecoverFrom
			output.Release()
			return nil, err
		}
		col.Append(it._vec.Objects[it._pos])
		it._pos++
	}
	output.AddColumn(0, col, true)
	return output, nil
}

func (it *VectorTupleSetIterator) SetChunkSize(n int) {
	util.AssertFunc(n > 0)
	it._chunkSize = n
}

func (it *VectorTupleSetIterator) ChunkSize() int {
	return it._chunkSize
}

func (it *VectorTupleSetIterator) Close() {
	if it._lastPage != nil {
		it._doneWithPage(it._lastPage)
		it._lastPage = nil
	}
	if it._curPage != nil {
		it._doneWithPage(it._curPage)
		it._curPage, it._vec = nil, nil
	}
}

func (it *VectorTupleSetIterator) String() string {
	return fmt.Sprintf("VectorScan(chunk %d)", it._chunkSize)
}

// PartitionFilter keeps the maps whose partitionId mod numPartitions
// is Target.
type PartitionFilter struct {
	Target int
}

func (f *PartitionFilter) accept(m *JoinMap) bool {
	return f == nil || m.PartitionID()%m.NumPartitions() == f.Target
}

type joinMapCursor struct {
	mapIdx  int
	slot    int
	listIdx int
}

// JoinMapTupleSetIterator flattens the join maps on a sequence of
// pages back into rows. Slot columns land at whereEveryoneGoes and the
// key hash column comes last.
type JoinMapTupleSetIterator struct {
	_getAnotherPage    func() *storage.Page
	_doneWithPage      func(*storage.Page)
	_chunkSize         int
	_whereEveryoneGoes []int
	_filter            *PartitionFilter
	_layout            *JoinTupleLayout
	_curPage           *storage.Page
	_lastPage          *storage.Page
	_maps              []*JoinMap
	_cur               joinMapCursor
}

var _ ComputeSource = new(JoinMapTupleSetIterator)
var _ ChunkSizer = new(JoinMapTupleSetIterator)

// NewJoinMapTupleSetIterator scans every map. With a filter only the
// maps of one partition are scanned.
func NewJoinMapTupleSetIterator(
	getAnotherPage func() *storage.Page,
	doneWithPage func(*storage.Page),
	chunkSize int,
	whereEveryoneGoes []int,
	filter *PartitionFilter) (*JoinMapTupleSetIterator, error) {
	util.AssertFunc(chunkSize > 0)
	it := &JoinMapTupleSetIterator{
		_getAnotherPage:    getAnotherPage,
		_doneWithPage:      doneWithPage,
		_chunkSize:         chunkSize,
		_whereEveryoneGoes: whereEveryoneGoes,
		_filter:            filter,
	}
	if err := it.loadPage(getAnotherPage()); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *JoinMapTupleSetIterator) loadPage(page *storage.Page) error {
	if page == nil {
		return nil
	}
	root, err := DecodeRoot(page)
	if err != nil {
		it._doneWithPage(page)
		return err
	}
	var maps []*JoinMap
	switch rt := root.(type) {
	case *JoinMap:
		maps = []*JoinMap{rt}
	case *JoinMapVector:
		maps = rt.Maps
	default:
		it._doneWithPage(page)
		return errors.Wrapf(ErrUnknownRoot, "page %s holds %T, want join maps", page.Key(), root)
	}
	for _, m := range maps {
		if err = it.checkLayout(m.Layout()); err != nil {
			it._doneWithPage(page)
			return err
		}
	}
	it._curPage, it._maps, it._cur = page, maps, joinMapCursor{}
	return nil
}

func (it *JoinMapTupleSetIterator) checkLayout(layout *JoinTupleLayout) error {
	if it._layout == nil {
		if len(it._whereEveryoneGoes) != layout.NumSlots() {
			return errors.Errorf("%d positions for %s", len(it._whereEveryoneGoes), layout)
		}
		it._layout = layout
		return nil
	}
	if !it._layout.Equal(layout) {
		return errors.Errorf("join map of %s among maps of %s", layout, it._layout)
	}
	return nil
}

// nextTuple moves the cursor past the next tuple of the current page.
func (it *JoinMapTupleSetIterator) nextTuple() (uint64, *JoinTuple, bool) {
	cur := &it._cur
	for cur.mapIdx < len(it._maps) {
		m := it._maps[cur.mapIdx]
		if it._filter.accept(m) {
			for cur.slot < m.NumSlots() {
				list := m.SlotAt(cur.slot)
				if cur.listIdx < list.Size() {
					jt := list.At(cur.listIdx)
					cur.listIdx++
					return list.Hash(), jt, true
				}
				cur.slot++
				cur.listIdx = 0
			}
		}
		cur.mapIdx++
		cur.slot = 0
		cur.listIdx = 0
	}
	return 0, nil, false
}

func (it *JoinMapTupleSetIterator) hasMore() bool {
	saved := it._cur
	_, _, ok := it.nextTuple()
	it._cur = saved
	return ok
}

func (it *JoinMapTupleSetIterator) advance() error {
	for it._curPage != nil && !it.hasMore() {
		if it._lastPage != nil {
			it._doneWithPage(it._lastPage)
		}
		it._lastPage = it._curPage
		it._curPage, it._maps = nil, nil
		if err := it.loadPage(it._getAnotherPage()); err != nil {
			return err
		}
	}
	return nil
}

func (it *JoinMapTupleSetIterator) GetNextTupleSet(blk *storage.AllocationBlock) (*chunk.TupleSet, error) {
	if it._lastPage != nil {
		it._doneWithPage(it._lastPage)
		it._lastPage = nil
	}
	if err := it.advance(); err != nil {
		return nil, err
	}
	if it._curPage == nil {
		return nil, nil
	}

	saved := it._cur
	cols := it._layout.NewColumns(it._chunkSize)
	hashes := make([]uint64, 0, it._chunkSize)
	output := chunk.NewTupleSet()
	for len(hashes) < it._chunkSize {
		hash, jt, ok := it.nextTuple()
		if !ok {
			break
		}
		if err := output.Charge(blk, it._layout.TupleBytes(jt)+8); err != nil {
			it._cur = saved
			output.Release()
			return nil, err
		}
		it._layout.Unpack(jt, cols)
		hashes = append(hashes, hash)
	}
	for slot, col := range cols {
		output.AddColumn(it._whereEveryoneGoes[slot], col, true)
	}
	output.AddColumn(len(cols), chunk.NewVector(hashes), true)
	return output, nil
}

func (it *JoinMapTupleSetIterator) SetChunkSize(n int) {
	util.AssertFunc(n > 0)
	it._chunkSize = n
}

func (it *JoinMapTupleSetIterator) ChunkSize() int {
	return it._chunkSize
}

func (it *JoinMapTupleSetIterator) Close() {
	if it._lastPage != nil {
		it._doneWithPage(it._lastPage)
		it._lastPage = nil
	}
	if it._curPage != nil {
		it._doneWithPage(it._curPage)
		it._curPage, it._maps = nil, nil
	}
}

func (it *JoinMapTupleSetIterator) String() string {
	if it._filter != nil {
		return fmt.Sprintf("JoinMapScan(partition %d, chunk %d)", it._filter.Target, it._chunkSize)
	}
	return fmt.Sprintf("JoinMapScan(chunk %d)", it._chunkSize)
}

// logPage is shared by the page handling of sources and sinks.
func logPage(msg string, page *storage.Page, fields ...zap.Field) {
	util.Debug(msg, append(fields, zap.String("page", page.Key().String()))...)
}
