package chunk

import (
	"fmt"

	treemap "github.com/liyue201/gostl/ds/map"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/daviszhen/pipejoin/pkg/storage"
	"github.com/daviszhen/pipejoin/pkg/util"
)

var (
	ErrColumnNotFound = errors.New("column not found")
	ErrColumnType     = errors.New("column type mismatch")
	ErrMisaligned     = errors.New("columns are not aligned")
)

type tsColumn struct {
	col   Column
	owned bool
}

// TupleSet is a batch of rows stored column by column. Row i is the
// i-th value of every column.
type TupleSet struct {
	_cols     *treemap.Map[int, *tsColumn]
	_allocs   []storage.Allocation
	_released bool
}

func cmpColumnId(a, b int) int {
	return a - b
}

func NewTupleSet() *TupleSet {
	return &TupleSet{
		_cols: treemap.New[int, *tsColumn](cmpColumnId),
	}
}

// AddColumn installs col at id, replacing any previous column.
// takeOwnership marks the set as the only holder of col.
func (ts *TupleSet) AddColumn(id int, col Column, takeOwnership bool) {
	util.AssertFunc(!ts._released)
	util.AssertFunc(col != nil)
	ts._cols.Insert(id, &tsColumn{col: col, owned: takeOwnership})
}

func (ts *TupleSet) Column(id int) (Column, error) {
	c, err := ts._cols.Get(id)
	if err != nil || c == nil {
		return nil, errors.Wrapf(ErrColumnNotFound, "column %d", id)
	}
	return c.col, nil
}

// GetColumn returns the column at id as a typed vector.
func GetColumn[T any](ts *TupleSet, id int) (*Vector[T], error) {
	col, err := ts.Column(id)
	if err != nil {
		return nil, err
	}
	vec, ok := col.(*Vector[T])
	if !ok {
		return nil, errors.Wrapf(ErrColumnType, "column %d is %s, want %s",
			id, col.Type(), typeOf[T]())
	}
	return vec, nil
}

func (ts *TupleSet) HasColumn(id int) bool {
	return ts._cols.Contains(id)
}

func (ts *TupleSet) IsOwned(id int) bool {
	c, err := ts._cols.Get(id)
	return err == nil && c.owned
}

func (ts *TupleSet) DeleteColumn(id int) {
	ts._cols.Erase(id)
}

// CopyColumn deep copies column from into column to.
func (ts *TupleSet) CopyColumn(from, to int) error {
	col, err := ts.Column(from)
	if err != nil {
		return err
	}
	ts.AddColumn(to, col.Clone(), true)
	return nil
}

// ColumnIDs lists column ids in ascending order.
func (ts *TupleSet) ColumnIDs() []int {
	ret := make([]int, 0, ts._cols.Size())
	for iter := ts._cols.Begin(); iter.IsValid(); iter.Next() {
		ret = append(ret, iter.Key())
	}
	return ret
}

func (ts *TupleSet) ColumnCount() int {
	return ts._cols.Size()
}

// Len is the common column length.
func (ts *TupleSet) Len() int {
	iter := ts._cols.Begin()
	if !iter.IsValid() {
		return 0
	}
	return iter.Value().col.Len()
}

// TruncateFront drops the first n rows of every column. A column
// linked at several ids is cut once.
func (ts *TupleSet) TruncateFront(n int) {
	seen := make(map[Column]struct{}, ts._cols.Size())
	for iter := ts._cols.Begin(); iter.IsValid(); iter.Next() {
		col := iter.Value().col
		if _, has := seen[col]; has {
			continue
		}
		seen[col] = struct{}{}
		col.TruncateFront(n)
	}
}

func (ts *TupleSet) CheckAligned() error {
	n := -1
	for iter := ts._cols.Begin(); iter.IsValid(); iter.Next() {
		l := iter.Value().col.Len()
		if n == -1 {
			n = l
		} else if l != n {
			return errors.Wrapf(ErrMisaligned, "column %d has %d rows, want %d",
				iter.Key(), l, n)
		}
	}
	return nil
}

// Hold attaches an allocation whose lifetime is the tuple set's.
func (ts *TupleSet) Hold(a storage.Allocation) {
	ts._allocs = append(ts._allocs, a)
}

// Charge allocates n bytes from blk on behalf of the set.
func (ts *TupleSet) Charge(blk *storage.AllocationBlock, n int) error {
	a, err := blk.Allocate(n)
	if err != nil {
		return err
	}
	ts.Hold(a)
	return nil
}

// Held is the number of live allocations the set holds.
func (ts *TupleSet) Held() int {
	return len(ts._allocs)
}

// Release frees the set's allocations. The set is unusable afterwards.
func (ts *TupleSet) Release() {
	if ts == nil || ts._released {
		return
	}
	for _, a := range ts._allocs {
		a.Release()
	}
	ts._allocs = nil
	ts._cols.Clear()
	ts._released = true
}

func (ts *TupleSet) Released() bool {
	return ts._released
}

// Print2 logs every row at debug level.
func (ts *TupleSet) Print2(rowPrefix string) {
	ids := ts.ColumnIDs()
	for i := 0; i < ts.Len(); i++ {
		fields := make([]zap.Field, 0, len(ids))
		for _, id := range ids {
			c, _ := ts._cols.Get(id)
			fields = append(fields, zap.String(fmt.Sprintf("c%d", id),
				fmt.Sprint(c.col.GetAny(i))))
		}
		util.Debug(rowPrefix, fields...)
	}
}
