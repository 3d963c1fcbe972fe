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

package compute

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tidwall/btree"
	"github.com/xlab/treeprint"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/daviszhen/pipejoin/pkg/chunk"
	"github.com/daviszhen/pipejoin/pkg/storage"
	"github.com/daviszhen/pipejoin/pkg/util"
)

// PageWriter hands out fresh output pages and takes finished ones
// back.
type PageWriter interface {
	NewPage() (*storage.Page, error)
	WriteBack(page *storage.Page) error
}

// SetWriter writes output pages into one user set through a proxy
// connection.
type SetWriter struct {
	_conn    *storage.ProxyConn
	_set     storage.SetKey
	_written []storage.PageKey
}

var _ PageWriter = new(SetWriter)

func NewSetWriter(conn *storage.ProxyConn, set storage.SetKey) *SetWriter {
	return &SetWriter{_conn: conn, _set: set}
}

func (w *SetWriter) NewPage() (*storage.Page, error) {
	return w._conn.AddUserPage(w._set)
}

// WriteBack serializes the root into the page and unpins it.
func (w *SetWriter) WriteBack(page *storage.Page) error {
	if root := page.Root(); root != nil {
		if err := EncodeRoot(page, root); err != nil {
			return err
		}
	}
	h := page.Header()
	if !w._conn.UnpinUserPage(h.Node, h.Db, h.Typ, h.Set, h.Page) {
		return errors.Wrapf(storage.ErrUnpinFailed, "output page %s", page.Key())
	}
	w._written = append(w._written, page.Key())
	return nil
}

// Written lists the pages written back so far.
func (w *SetWriter) Written() []storage.PageKey {
	return w._written
}

type PipelineOptions struct {
	ChunkSize     int
	MinBatchSize  int
	PrintPipeline bool
}

func NewPipelineOptions(cfg *util.Config) PipelineOptions {
	return PipelineOptions{
		ChunkSize:     cfg.Pipeline.ChunkSize,
		MinBatchSize:  cfg.Pipeline.MinBatchSize,
		PrintPipeline: cfg.Debug.PrintPipeline,
	}
}

type PipelineStats struct {
	Iterations     int
	TupleSets      int
	Retries        int
	ChunkFallbacks int
	PagesWritten   int
}

type pipelineStage struct {
	name string
	exec ComputeExecutor
}

// unwrittenPage is a retired output page waiting for the objects of
// its block to die.
type unwrittenPage struct {
	page      *storage.Page
	blk       *storage.AllocationBlock
	iteration int
	seq       uint64
}

func unwrittenLess(a, b *unwrittenPage) bool {
	if a.iteration != b.iteration {
		return a.iteration < b.iteration
	}
	return a.seq < b.seq
}

// Pipeline pulls tuple sets from a source through the stages into a
// sink. Output goes into page-sized blocks. When a block runs out the
// output page is retired and the failed stage is repeated once on a
// fresh page. The sink is repeated for as long as every fresh page
// takes some of its rows.
type Pipeline struct {
	_id        uuid.UUID
	_name      string
	_source    ComputeSource
	_stages    []pipelineStage
	_sink      ComputeSink
	_writer    PageWriter
	_blocks    *storage.BlockStack
	_opts      PipelineOptions
	_unwritten *btree.BTreeG[*unwrittenPage]
	_iteration int
	_seq       uint64
	_page      *storage.Page
	_container any
	_stats     PipelineStats
}

func NewPipeline(
	name string,
	source ComputeSource,
	sink ComputeSink,
	writer PageWriter,
	blocks *storage.BlockStack,
	opts PipelineOptions) *Pipeline {
	if opts.MinBatchSize <= 0 {
		opts.MinBatchSize = util.MinBatchSize
	}
	return &Pipeline{
		_id:        uuid.New(),
		_name:      name,
		_source:    source,
		_sink:      sink,
		_writer:    writer,
		_blocks:    blocks,
		_opts:      opts,
		_unwritten: btree.NewBTreeG[*unwrittenPage](unwrittenLess),
	}
}

func (p *Pipeline) AddStage(name string, exec ComputeExecutor) *Pipeline {
	p._stages = append(p._stages, pipelineStage{name: name, exec: exec})
	return p
}

func (p *Pipeline) ID() uuid.UUID {
	return p._id
}

func (p *Pipeline) Stats() PipelineStats {
	return p._stats
}

func (p *Pipeline) logFields(fields ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("pipeline", p._name),
		zap.String("run", p._id.String()),
	}, fields...)
}

func (p *Pipeline) block() *storage.AllocationBlock {
	return p._blocks.Active()
}

// Run drives the source to exhaustion and writes back every output
// page.
func (p *Pipeline) Run() (err error) {
	defer p._source.Close()
	if p._opts.PrintPipeline {
		fmt.Println(p.String())
	}
	if err = p.newOutput(); err != nil {
		return err
	}
	for {
		p._iteration++
		var ts *chunk.TupleSet
		ts, err = p.nextTupleSet()
		if err != nil || ts == nil {
			break
		}
		p._stats.TupleSets++
		if p._opts.PrintPipeline {
			ts.Print2(p._name)
		}
		if err = p.runStages(ts); err != nil {
			break
		}
		if err = p.cleanPages(false); err != nil {
			break
		}
	}
	p._stats.Iterations = p._iteration
	if err != nil {
		util.Error("pipeline failed", p.logFields(zap.Error(err))...)
	}
	return multierr.Append(err, p.finish())
}

// finish retires the current output page and flushes every page.
func (p *Pipeline) finish() error {
	if p._page != nil {
		p.queue()
	}
	if err := p.cleanPages(true); err != nil {
		return err
	}
	util.Debug("pipeline done", p.logFields(
		zap.Int("iterations", p._stats.Iterations),
		zap.Int("tupleSets", p._stats.TupleSets),
		zap.Int("retries", p._stats.Retries),
		zap.Int("pages", p._stats.PagesWritten))...)
	return nil
}

func (p *Pipeline) nextTupleSet() (*chunk.TupleSet, error) {
	ts, err := p._source.GetNextTupleSet(p.block())
	if !storage.IsOutOfSpace(err) {
		return ts, err
	}
	if err = p.retire(); err != nil {
		return nil, err
	}
	ts, err = p._source.GetNextTupleSet(p.block())
	if !storage.IsOutOfSpace(err) {
		return ts, err
	}
	sizer, ok := p._source.(ChunkSizer)
	if !ok {
		return nil, errors.Wrap(err, "source does not fit a fresh block")
	}
	for _, size := range []int{p._opts.MinBatchSize, 1} {
		if size >= sizer.ChunkSize() {
			continue
		}
		util.Warn("shrink source chunk size", p.logFields(
			zap.Int("from", sizer.ChunkSize()),
			zap.Int("to", size))...)
		sizer.SetChunkSize(size)
		p._stats.ChunkFallbacks++
		if err = p.retire(); err != nil {
			return nil, err
		}
		ts, err = p._source.GetNextTupleSet(p.block())
		if !storage.IsOutOfSpace(err) {
			return ts, err
		}
	}
	return nil, errors.Wrap(err, "source does not fit a fresh block")
}

// runStages pushes ts through the stages into the sink. Every tuple
// set of the chain is released before returning.
func (p *Pipeline) runStages(ts *chunk.TupleSet) (err error) {
	chain := []*chunk.TupleSet{ts}
	defer func() {
		for _, t := range chain {
			t.Release()
		}
	}()
	cur := ts
	for _, stage := range p._stages {
		var out *chunk.TupleSet
		out, err = stage.exec.Process(p.block(), cur)
		if storage.IsOutOfSpace(err) {
			if err = p.retire(); err != nil {
				return err
			}
			out, err = stage.exec.Process(p.block(), cur)
		}
		if err != nil {
			return errors.Wrapf(err, "stage %s", stage.name)
		}
		chain = append(chain, out)
		cur = out
	}
	// a sink cuts the rows it wrote off every input column, so every
	// fresh page has to take at least one more row
	err = p._sink.WriteOut(p.block(), cur, p._container)
	for storage.IsOutOfSpace(err) {
		if err = p.retire(); err != nil {
			return err
		}
		left := cur.Len()
		err = p._sink.WriteOut(p.block(), cur, p._container)
		if storage.IsOutOfSpace(err) && cur.Len() == left {
			return errors.Wrap(err, "sink row does not fit a fresh page")
		}
	}
	if err != nil {
		return errors.Wrap(err, "sink")
	}
	return nil
}

func (p *Pipeline) newOutput() error {
	page, err := p._writer.NewPage()
	if err != nil {
		return err
	}
	blk := p._blocks.PushNew(page.Size() - RootHeaderBytes)
	p._page = page
	container, err := p._sink.CreateNewOutputContainer(blk)
	if err != nil {
		return errors.Wrapf(err, "output container on page %s", page.Key())
	}
	page.SetRoot(container)
	p._container = container
	return nil
}

// queue moves the current output page and its block to the unwritten
// pages.
func (p *Pipeline) queue() {
	blk := p._blocks.Pop()
	p._seq++
	p._unwritten.Set(&unwrittenPage{
		page:      p._page,
		blk:       blk,
		iteration: p._iteration,
		seq:       p._seq,
	})
	logPage("retire output page", p._page, p.logFields(
		zap.Int("iteration", p._iteration),
		zap.Int("live", blk.LiveObjects()))...)
	p._page, p._container = nil, nil
}

// retire queues the current output page and starts a fresh one.
func (p *Pipeline) retire() error {
	p._stats.Retries++
	p.queue()
	return p.newOutput()
}

// cleanPages writes back the unwritten pages whose blocks hold no live
// objects and that are at least two iterations old. force writes back
// all of them.
func (p *Pipeline) cleanPages(force bool) error {
	var ready []*unwrittenPage
	p._unwritten.Scan(func(up *unwrittenPage) bool {
		if up.blk.LiveObjects() == 0 && (force || p._iteration-up.iteration >= 2) {
			ready = append(ready, up)
		}
		return true
	})
	for _, up := range ready {
		p._unwritten.Delete(up)
		if err := p._writer.WriteBack(up.page); err != nil {
			return err
		}
		if err := up.blk.Close(); err != nil {
			return err
		}
		p._stats.PagesWritten++
		logPage("flush output page", up.page, p.logFields()...)
	}
	if force && p._unwritten.Len() > 0 {
		return errors.Errorf("%d output pages still hold live objects", p._unwritten.Len())
	}
	return nil
}

func (p *Pipeline) String() string {
	tree := treeprint.NewWithRoot(fmt.Sprintf("Pipeline %s [%s]", p._name, p._id))
	tree.AddMetaNode("source", fmt.Sprint(p._source))
	stages := tree.AddBranch("stages")
	for i, stage := range p._stages {
		stages.AddMetaNode(i, fmt.Sprintf("%s %v", stage.name, stage.exec))
	}
	tree.AddMetaNode("sink", fmt.Sprint(p._sink))
	return tree.String()
}
