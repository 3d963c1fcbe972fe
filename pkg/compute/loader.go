package compute

import (
	"fmt"

	"github.com/daviszhen/pipejoin/pkg/chunk"
	"github.com/daviszhen/pipejoin/pkg/storage"
	"github.com/daviszhen/pipejoin/pkg/util"
)

// SliceSource yields in-memory objects as handle column 0.
type SliceSource struct {
	_objs      []chunk.Object
	_pos       int
	_chunkSize int
}

var _ ComputeSource = new(SliceSource)
var _ ChunkSizer = new(SliceSource)

func NewSliceSource(objs []chunk.Object, chunkSize int) *SliceSource {
	util.AssertFunc(chunkSize > 0)
	return &SliceSource{_objs: objs, _chunkSize: chunkSize}
}

func (src *SliceSource) GetNextTupleSet(blk *storage.AllocationBlock) (*chunk.TupleSet, error) {
	if src._pos >= len(src._objs) {
		return nil, nil
	}
	posToRecoverFrom := src._pos
	n := min(src._chunkSize, len(src._objs)-src._pos)
	col := chunk.NewVector(make([]chunk.Object, 0, n))
	output := chunk.NewTupleSet()
	for i := 0; i < n; i++ {
		if err := output.Charge(blk, chunk.HandleBytes); err != nil {
			src._pos = posToRecoverFrom
			output.Release()
			return nil, err
		}
		col.Append(src._objs[src._pos])
		src._pos++
	}
	output.AddColumn(0, col, true)
	return output, nil
}

func (src *SliceSource) SetChunkSize(n int) {
	util.AssertFunc(n > 0)
	src._chunkSize = n
}

func (src *SliceSource) ChunkSize() int {
	return src._chunkSize
}

func (src *SliceSource) Close() {}

func (src *SliceSource) String() string {
	return fmt.Sprintf("SliceSource(%d objects, chunk %d)", len(src._objs), src._chunkSize)
}

// LoadObjects writes objs into set, filling each page before starting
// the next one.
func LoadObjects(w *Worker, set storage.SetKey, objs []chunk.Object, opts PipelineOptions) ([]storage.PageKey, error) {
	schema := chunk.NewTupleSpec("Load", "obj")
	sink, err := NewVectorSink(schema, schema)
	if err != nil {
		return nil, err
	}
	writer := NewSetWriter(w.Proxy, set)
	pipe := NewPipeline("load", NewSliceSource(objs, opts.ChunkSize), sink, writer, w.Blocks, opts)
	if err = pipe.Run(); err != nil {
		return nil, err
	}
	return writer.Written(), nil
}
