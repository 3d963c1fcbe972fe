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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/pipejoin/pkg/chunk"
	"github.com/daviszhen/pipejoin/pkg/storage"
	"github.com/daviszhen/pipejoin/pkg/util"
)

func objectsOf(t *testing.T, ts *chunk.TupleSet, id int) []chunk.Object {
	col, err := chunk.GetColumn[chunk.Object](ts, id)
	require.NoError(t, err)
	return col.Data
}

func TestApplyHashFilter(t *testing.T) {
	blk := storage.NewAllocationBlock(1 << 16)
	objs := makeItems(1, 2, 3, 4)
	in := chunk.NewTupleSet()
	in.AddColumn(0, chunk.NewVector(objs), true)

	apply, err := NewApplyExecutor(buildScanSchema, chunk.NewTupleSpec("Build", "obj"), buildScanSchema,
		chunk.TypeInt64, func(args []any) (any, error) {
			return args[0].(*item).Key, nil
		})
	require.NoError(t, err)
	keyed, err := apply.Process(blk, in)
	require.NoError(t, err)
	keys, err := chunk.GetColumn[int64](keyed, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, keys.Data)
	assert.False(t, keyed.IsOwned(0))
	assert.True(t, keyed.IsOwned(1))

	hash, err := NewHashExecutor(buildKeySchema, chunk.NewTupleSpec("Build", "key"), buildKeySchema)
	require.NoError(t, err)
	hashed, err := hash.Process(blk, keyed)
	require.NoError(t, err)
	hashes, err := chunk.GetColumn[uint64](hashed, 2)
	require.NoError(t, err)
	for i, k := range keys.Data {
		assert.Equal(t, keyHash(k), hashes.Data[i])
	}

	even, err := NewApplyExecutor(buildKeySchema, chunk.NewTupleSpec("Build", "key"), buildKeySchema,
		chunk.TypeBool, func(args []any) (any, error) {
			return args[0].(int64)%2 == 0, nil
		})
	require.NoError(t, err)
	marked, err := even.Process(blk, keyed)
	require.NoError(t, err)
	filter, err := NewFilterExecutor(chunk.NewTupleSpec("Build", "obj", "key", "even"),
		chunk.NewTupleSpec("Build", "even"), chunk.NewTupleSpec("Build", "key"))
	require.NoError(t, err)
	kept, err := filter.Process(blk, marked)
	require.NoError(t, err)
	assert.Equal(t, 1, kept.ColumnCount())
	evenKeys, err := chunk.GetColumn[int64](kept, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4}, evenKeys.Data)

	for _, ts := range []*chunk.TupleSet{kept, marked, hashed, keyed, in} {
		ts.Release()
	}
	assert.Equal(t, 0, blk.LiveObjects())

	_, err = NewApplyExecutor(buildScanSchema, chunk.NewTupleSpec("Build", "missing"), buildScanSchema,
		chunk.TypeInt64, nil)
	assert.ErrorIs(t, err, chunk.ErrAttNotFound)
}

func TestExecutorOutOfSpace(t *testing.T) {
	objs := makeItems(1, 2, 3)
	in := chunk.NewTupleSet()
	in.AddColumn(0, chunk.NewVector(objs), true)
	apply, err := NewApplyExecutor(buildScanSchema, chunk.NewTupleSpec("Build", "obj"), buildScanSchema,
		chunk.TypeInt64, func(args []any) (any, error) {
			return args[0].(*item).Key, nil
		})
	require.NoError(t, err)
	blk := storage.NewAllocationBlock(8)
	_, err = apply.Process(blk, in)
	assert.True(t, storage.IsOutOfSpace(err))
	assert.Equal(t, 0, blk.LiveObjects())
	assert.Equal(t, 3, in.Len())
}

func newTestProbe(t *testing.T, swap bool) (*JoinProbe, *JoinMap) {
	layout, where := itemLayout(t)
	blk := storage.NewAllocationBlock(1 << 16)
	m, err := NewJoinMap(blk, layout, 0, 1)
	require.NoError(t, err)
	pushItem(t, blk, m, keyHash(1), &item{Key: 1, Label: "a"})
	pushItem(t, blk, m, keyHash(1), &item{Key: 1, Label: "b"})
	pushItem(t, blk, m, keyHash(3), &item{Key: 3, Label: "c"})
	probe, err := newJoinProbe(m, where,
		chunk.NewTupleSpec("Probe", "in", "pkey", "phash"),
		chunk.NewTupleSpec("Probe", "phash"),
		chunk.NewTupleSpec("Probe", "in", "pkey"), swap)
	require.NoError(t, err)
	return probe, m
}

func probeInput(keys ...int64) *chunk.TupleSet {
	objs := make([]chunk.Object, len(keys))
	hashes := make([]uint64, len(keys))
	for i, k := range keys {
		objs[i] = &order{Key: k, Qty: int64(i)}
		hashes[i] = keyHash(k)
	}
	ts := chunk.NewTupleSet()
	ts.AddColumn(0, chunk.NewVector(objs), true)
	ts.AddColumn(1, chunk.NewVector(append([]int64(nil), keys...)), true)
	ts.AddColumn(2, chunk.NewVector(hashes), true)
	return ts
}

func TestJoinProbe(t *testing.T) {
	probe, _ := newTestProbe(t, false)
	blk := storage.NewAllocationBlock(1 << 16)
	in := probeInput(1, 2, 3, 1)
	out, err := probe.Process(blk, in)
	require.NoError(t, err)
	defer out.Release()

	//2 + 0 + 1 + 2 matches
	require.Equal(t, 5, out.Len())
	require.NoError(t, out.CheckAligned())
	assert.Equal(t, []int{0, 1, 2, 3}, out.ColumnIDs())
	probeKeys, err := chunk.GetColumn[int64](out, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 3, 1, 1}, probeKeys.Data)
	buildKeys, err := chunk.GetColumn[int64](out, 2)
	require.NoError(t, err)
	assert.Equal(t, probeKeys.Data, buildKeys.Data)
	labels := make([]string, 0)
	for _, obj := range objectsOf(t, out, 3) {
		labels = append(labels, obj.(*item).Label)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b"}, labels)
	qty := make([]int64, 0)
	for _, obj := range objectsOf(t, out, 0) {
		qty = append(qty, obj.(*order).Qty)
	}
	assert.Equal(t, []int64{0, 0, 2, 3, 3}, qty)
	assert.NoError(t, probe.Close())
}

func TestJoinProbeSwap(t *testing.T) {
	probe, _ := newTestProbe(t, true)
	blk := storage.NewAllocationBlock(1 << 16)
	out, err := probe.Process(blk, probeInput(3, 5))
	require.NoError(t, err)
	defer out.Release()
	require.Equal(t, 1, out.Len())
	buildKeys, err := chunk.GetColumn[int64](out, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, buildKeys.Data)
	assert.Equal(t, "c", objectsOf(t, out, 1)[0].(*item).Label)
	assert.Equal(t, int64(3), objectsOf(t, out, 2)[0].(*order).Key)
	probeKeys, err := chunk.GetColumn[int64](out, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, probeKeys.Data)
}

func TestJoinProbeNoMatches(t *testing.T) {
	probe, _ := newTestProbe(t, false)
	blk := storage.NewAllocationBlock(1 << 16)
	out, err := probe.Process(blk, probeInput(7, 8))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Len())
	out.Release()
}

func TestJoinProbePage(t *testing.T) {
	store := storage.NewMemoryStore(0, 1<<16)
	conn := store.Connect()
	layout, where := itemLayout(t)
	page, err := conn.AddUserPage(testSetKey(1))
	require.NoError(t, err)
	blk := storage.NewAllocationBlock(page.Size() - RootHeaderBytes)
	m, err := NewJoinMap(blk, layout, 0, 1)
	require.NoError(t, err)
	pushItem(t, blk, m, keyHash(2), &item{Key: 2, Label: "two"})
	require.NoError(t, EncodeRoot(page, m))

	probe, err := NewJoinProbe(page, conn, where,
		chunk.NewTupleSpec("Probe", "in", "pkey", "phash"),
		chunk.NewTupleSpec("Probe", "phash"),
		chunk.NewTupleSpec("Probe", "in", "pkey"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, conn.Outstanding())
	require.NoError(t, probe.Close())
	assert.Equal(t, 0, conn.Outstanding())
	assert.NoError(t, probe.Close())
}

func testSetKey(set int) storage.SetKey {
	return storage.SetKey{Db: 1, Typ: 1, Set: storage.SetID(set)}
}

// objectPages lays objs out on pages of perPage objects.
func objectPages(t *testing.T, objs []chunk.Object, perPage int) []*storage.Page {
	var pages []*storage.Page
	for i := 0; i < len(objs); i += perPage {
		page := storage.NewPage(storage.PageKey{Page: storage.PageID(len(pages))}, 1<<12)
		end := min(i+perPage, len(objs))
		require.NoError(t, EncodeRoot(page, &ObjectVector{Objects: objs[i:end]}))
		pages = append(pages, page)
	}
	return pages
}

type pageFeed struct {
	pages []*storage.Page
	next  int
	done  []storage.PageID
}

func (feed *pageFeed) get() *storage.Page {
	if feed.next >= len(feed.pages) {
		return nil
	}
	feed.next++
	return feed.pages[feed.next-1]
}

func (feed *pageFeed) doneWith(page *storage.Page) {
	feed.done = append(feed.done, page.Key().Page)
}

func TestVectorTupleSetIteratorChunks(t *testing.T) {
	objs := makeItems(0, 1, 2, 3, 4, 5, 6)
	feed := &pageFeed{pages: objectPages(t, objs, 7)}
	it, err := NewVectorTupleSetIterator(feed.get, feed.doneWith, 3)
	require.NoError(t, err)
	blk := storage.NewAllocationBlock(1 << 12)
	var sizes []int
	var got []chunk.Object
	for {
		ts, err := it.GetNextTupleSet(blk)
		require.NoError(t, err)
		if ts == nil {
			break
		}
		sizes = append(sizes, ts.Len())
		got = append(got, objectsOf(t, ts, 0)...)
		ts.Release()
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, objs, got)
	it.Close()
	assert.Equal(t, []storage.PageID{0}, feed.done)
}

func TestVectorTupleSetIteratorPageLag(t *testing.T) {
	feed := &pageFeed{pages: objectPages(t, makeItems(0, 1, 2, 3), 2)}
	it, err := NewVectorTupleSetIterator(feed.get, feed.doneWith, 2)
	require.NoError(t, err)
	blk := storage.NewAllocationBlock(1 << 12)

	ts, err := it.GetNextTupleSet(blk)
	require.NoError(t, err)
	assert.Equal(t, 2, ts.Len())
	assert.Empty(t, feed.done)

	//the first page is still referenced by the previous tuple set
	ts2, err := it.GetNextTupleSet(blk)
	require.NoError(t, err)
	assert.Equal(t, int64(2), objectsOf(t, ts2, 0)[0].(*item).Key)
	assert.Empty(t, feed.done)

	ts3, err := it.GetNextTupleSet(blk)
	require.NoError(t, err)
	assert.Nil(t, ts3)
	assert.Equal(t, []storage.PageID{0}, feed.done)

	it.Close()
	assert.Equal(t, []storage.PageID{0, 1}, feed.done)
	ts.Release()
	ts2.Release()
}

func TestVectorTupleSetIteratorRollback(t *testing.T) {
	objs := makeItems(0, 1, 2, 3, 4)
	feed := &pageFeed{pages: objectPages(t, objs, 5)}
	it, err := NewVectorTupleSetIterator(feed.get, feed.doneWith, 3)
	require.NoError(t, err)
	defer it.Close()

	small := storage.NewAllocationBlock(2 * chunk.HandleBytes)
	_, err = it.GetNextTupleSet(small)
	assert.True(t, storage.IsOutOfSpace(err))
	assert.Equal(t, 0, small.LiveObjects())

	blk := storage.NewAllocationBlock(1 << 12)
	ts, err := it.GetNextTupleSet(blk)
	require.NoError(t, err)
	assert.Equal(t, objs[:3], objectsOf(t, ts, 0))
	ts.Release()
	ts, err = it.GetNextTupleSet(blk)
	require.NoError(t, err)
	assert.Equal(t, objs[3:], objectsOf(t, ts, 0))
	ts.Release()
}

// mapPage puts one JoinMapVector of numPartitions maps on a page.
// Key k goes to map k % numPartitions.
func mapPage(t *testing.T, keys []int64, numPartitions int) *storage.Page {
	layout, _ := itemLayout(t)
	page := storage.NewPage(storage.PageKey{}, 1<<16)
	blk := storage.NewAllocationBlock(page.Size() - RootHeaderBytes)
	vec := &JoinMapVector{}
	for p := 0; p < numPartitions; p++ {
		m, err := NewJoinMap(blk, layout, p, numPartitions)
		require.NoError(t, err)
		vec.Maps = append(vec.Maps, m)
	}
	for i, k := range keys {
		pushItem(t, blk, vec.Maps[int(k)%numPartitions], keyHash(k), &item{Key: k, Label: fmt.Sprintf("k%d-%d", k, i)})
	}
	require.NoError(t, EncodeRoot(page, vec))
	return page
}

func TestJoinMapTupleSetIterator(t *testing.T) {
	_, where := itemLayout(t)
	keys := []int64{0, 1, 2, 3, 4, 5, 1, 3}
	feed := &pageFeed{pages: []*storage.Page{mapPage(t, keys, 2)}}
	it, err := NewJoinMapTupleSetIterator(feed.get, feed.doneWith, 3, where, &PartitionFilter{Target: 1})
	require.NoError(t, err)
	blk := storage.NewAllocationBlock(1 << 16)
	var got []int64
	for {
		ts, err := it.GetNextTupleSet(blk)
		require.NoError(t, err)
		if ts == nil {
			break
		}
		require.Equal(t, 3, ts.ColumnCount())
		col, err := chunk.GetColumn[int64](ts, 0)
		require.NoError(t, err)
		hashes, err := chunk.GetColumn[uint64](ts, 2)
		require.NoError(t, err)
		for i, k := range col.Data {
			assert.Equal(t, keyHash(k), hashes.Data[i])
			assert.Equal(t, k, objectsOf(t, ts, 1)[i].(*item).Key)
		}
		got = append(got, col.Data...)
		ts.Release()
	}
	it.Close()
	assert.ElementsMatch(t, []int64{1, 3, 5, 1, 3}, got)
	assert.Equal(t, []storage.PageID{0}, feed.done)
}

func TestJoinMapTupleSetIteratorRollback(t *testing.T) {
	_, where := itemLayout(t)
	keys := []int64{0, 1, 2, 3, 4, 5, 6, 7}
	page := mapPage(t, keys, 1)

	all := func(blocks ...*storage.AllocationBlock) ([]int64, error) {
		feed := &pageFeed{pages: []*storage.Page{page}}
		it, err := NewJoinMapTupleSetIterator(feed.get, feed.doneWith, 3, where, nil)
		if err != nil {
			return nil, err
		}
		defer it.Close()
		var got []int64
		blk, blocks := blocks[0], blocks[1:]
		for {
			ts, err := it.GetNextTupleSet(blk)
			if storage.IsOutOfSpace(err) && len(blocks) > 0 {
				blk, blocks = blocks[0], blocks[1:]
				continue
			}
			if err != nil || ts == nil {
				return got, err
			}
			col, _ := chunk.GetColumn[int64](ts, 0)
			got = append(got, col.Data...)
			ts.Release()
		}
	}
	want, err := all(storage.NewAllocationBlock(1 << 16))
	require.NoError(t, err)
	assert.Len(t, want, len(keys))

	//two rows fit the first block
	got, err := all(storage.NewAllocationBlock(100), storage.NewAllocationBlock(1<<16))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestJoinSinkRollback(t *testing.T) {
	layout, where := itemLayout(t)
	objs := makeItems(1, 2, 1, 3, 2, 1)

	reference := func() *JoinMap {
		blk := storage.NewAllocationBlock(1 << 16)
		sink, err := NewJoinSink(buildHashSchema, hashAtt, buildAtts, layout, where)
		require.NoError(t, err)
		c, err := sink.CreateNewOutputContainer(blk)
		require.NoError(t, err)
		ts := buildInput(objs)
		require.NoError(t, sink.WriteOut(blk, ts, c))
		assert.Equal(t, JSS_COMPLETE, sink.Stage())
		return c.(*JoinMap)
	}()
	require.Equal(t, len(objs), reference.NumEntries())

	for skip := int64(0); skip < 12; skip++ {
		blk := storage.NewAllocationBlock(1 << 16)
		sink, err := NewJoinSink(buildHashSchema, hashAtt, buildAtts, layout, where)
		require.NoError(t, err)
		c, err := sink.CreateNewOutputContainer(blk)
		require.NoError(t, err)
		m := c.(*JoinMap)
		ts := buildInput(objs)

		util.Open(util.FAULTS_SCOPE_ARENA)
		util.RegisterN(util.FAULTS_SCOPE_ARENA, "arena.reserve", skip, 1, nil, func([]string) error {
			return storage.ErrOutOfSpace
		})
		err = sink.WriteOut(blk, ts, m)
		fired := util.Fired(util.FAULTS_SCOPE_ARENA, "arena.reserve")
		util.Close(util.FAULTS_SCOPE_ARENA)
		if fired == 1 {
			require.True(t, storage.IsOutOfSpace(err), "skip %d", skip)
			assert.Equal(t, JSS_ROLLBACK, sink.Stage())
			assert.Equal(t, len(objs)-ts.Len(), m.NumEntries())
			require.NoError(t, sink.WriteOut(blk, ts, m))
		} else {
			require.NoError(t, err)
		}

		assert.Equal(t, reference.NumEntries(), m.NumEntries(), "skip %d", skip)
		assert.Equal(t, reference.Size(), m.Size())
		for k := int64(1); k <= 3; k++ {
			assert.Equal(t, labelsOf(reference.Lookup(keyHash(k))), labelsOf(m.Lookup(keyHash(k))), "skip %d key %d", skip, k)
		}
	}
}

func TestPartitionedJoinSink(t *testing.T) {
	layout, where := itemLayout(t)
	const numParts, numNodes = 2, 3
	sink, err := NewPartitionedJoinSink(numParts, numNodes, buildHashSchema, hashAtt, buildAtts, layout, where)
	require.NoError(t, err)
	blk := storage.NewAllocationBlock(1 << 16)
	c, err := sink.CreateNewOutputContainer(blk)
	require.NoError(t, err)
	vec := c.(*JoinMapVector)
	require.Equal(t, numParts*numNodes, vec.Len())

	keys := make([]int64, 40)
	for i := range keys {
		keys[i] = int64(i % 17)
	}
	require.NoError(t, sink.WriteOut(blk, buildInput(makeItems(keys...)), vec))
	total := 0
	for idx, m := range vec.Maps {
		assert.Equal(t, idx%numParts, m.PartitionID())
		assert.Equal(t, numParts, m.NumPartitions())
		total += m.NumEntries()
		m.Iterate(func(list JoinRecordList) bool {
			node, part := PartitionIndex(list.Hash(), numParts, numNodes)
			assert.Equal(t, idx, node*numParts+part)
			return true
		})
	}
	assert.Equal(t, len(keys), total)

	_, err = NewPartitionedJoinSink(0, numNodes, buildHashSchema, hashAtt, buildAtts, layout, where)
	assert.Error(t, err)
}

func buildMap(t *testing.T, blk *storage.AllocationBlock, keys ...int64) *JoinMap {
	layout, where := itemLayout(t)
	sink, err := NewJoinSink(buildHashSchema, hashAtt, buildAtts, layout, where)
	require.NoError(t, err)
	c, err := sink.CreateNewOutputContainer(blk)
	require.NoError(t, err)
	require.NoError(t, sink.WriteOut(blk, buildInput(makeItems(keys...)), c))
	return c.(*JoinMap)
}

func TestJoinSinkMerger(t *testing.T) {
	layout, _ := itemLayout(t)
	src := storage.NewAllocationBlock(1 << 16)
	m1 := buildMap(t, src, 1, 2, 3)
	m2 := buildMap(t, src, 3, 4, 5, 6)

	blk := storage.NewAllocationBlock(1 << 16)
	merger := NewJoinSinkMerger(layout, MergeOverflowError)
	merged, err := merger.CreateNewOutputContainer(blk, m1.Size()+m2.Size())
	require.NoError(t, err)
	for _, m := range []*JoinMap{m1, m2} {
		stats, err := merger.WriteOut(blk, m, merged)
		require.NoError(t, err)
		assert.Equal(t, m.NumEntries(), stats.Merged)
		assert.Equal(t, 0, stats.Dropped)
	}
	assert.Equal(t, 7, merged.NumEntries())
	assert.Equal(t, 6, merged.Size())
	assert.Equal(t, 2, merged.Count(keyHash(3)))

	//room for the map and a few tuples only
	tight := func() *storage.AllocationBlock {
		return storage.NewAllocationBlock(JoinMapHeaderBytes(layout) + slotsFor(7)*joinSlotBytes + 130)
	}
	blk = tight()
	merged, err = merger.CreateNewOutputContainer(blk, 7)
	require.NoError(t, err)
	_, err = merger.WriteOut(blk, m1, merged)
	require.NoError(t, err)
	_, err = merger.WriteOut(blk, m2, merged)
	assert.True(t, storage.IsOutOfSpace(err))

	discard := NewJoinSinkMerger(layout, MergeOverflowDiscard)
	blk = tight()
	merged, err = discard.CreateNewOutputContainer(blk, 7)
	require.NoError(t, err)
	var total MergeStats
	for _, m := range []*JoinMap{m1, m2} {
		stats, err := discard.WriteOut(blk, m, merged)
		require.NoError(t, err)
		total.Add(stats)
	}
	assert.Greater(t, total.Dropped, 0)
	assert.Equal(t, 7, total.Merged+total.Dropped)
	assert.Equal(t, total.Merged, merged.NumEntries())
}

func TestJoinSinkShuffler(t *testing.T) {
	layout, _ := itemLayout(t)
	src := storage.NewAllocationBlock(1 << 16)
	m := buildMap(t, src, 1, 2, 2, 3)
	shuffler := NewJoinSinkShuffler(layout)

	blk := storage.NewAllocationBlock(1 << 16)
	vec, err := shuffler.CreateNewOutputContainer(blk)
	require.NoError(t, err)
	assert.True(t, shuffler.WriteOut(blk, m, vec))
	require.Equal(t, 1, vec.Len())
	assert.Equal(t, m.NumEntries(), vec.Maps[0].NumEntries())
	assert.Equal(t, labelsOf(m.Lookup(keyHash(2))), labelsOf(vec.Maps[0].Lookup(keyHash(2))))

	//the map fits but its tuples do not
	small := storage.NewAllocationBlock(JoinMapHeaderBytes(layout) + slotsFor(m.Size())*joinSlotBytes + 40)
	vec, err = shuffler.CreateNewOutputContainer(small)
	require.NoError(t, err)
	assert.False(t, shuffler.WriteOut(small, m, vec))
	assert.Equal(t, 0, vec.Len())
}

func TestVectorSink(t *testing.T) {
	schema := chunk.NewTupleSpec("Out", "obj")
	sink, err := NewVectorSink(schema, schema)
	require.NoError(t, err)
	objs := makeItems(1, 2, 3)
	per := chunk.ObjectBytes(objs[0])
	blk := storage.NewAllocationBlock(2*per + 1)
	c, err := sink.CreateNewOutputContainer(blk)
	require.NoError(t, err)
	vec := c.(*ObjectVector)
	in := chunk.NewTupleSet()
	in.AddColumn(0, chunk.NewVector(append([]chunk.Object(nil), objs...)), true)

	err = sink.WriteOut(blk, in, vec)
	assert.True(t, storage.IsOutOfSpace(err))
	assert.Equal(t, objs[:2], vec.Objects)
	assert.Equal(t, 1, in.Len())

	blk = storage.NewAllocationBlock(1 << 10)
	vec2 := &ObjectVector{}
	require.NoError(t, sink.WriteOut(blk, in, vec2))
	assert.Equal(t, objs[2:], vec2.Objects)

	//the written attribute is not the first column
	wide := chunk.NewTupleSpec("Out", "key", "obj")
	sink, err = NewVectorSink(wide, chunk.NewTupleSpec("Out", "obj"))
	require.NoError(t, err)
	in = chunk.NewTupleSet()
	in.AddColumn(0, chunk.NewVector([]int64{1, 2, 3}), true)
	in.AddColumn(1, chunk.NewVector(append([]chunk.Object(nil), objs...)), true)
	blk = storage.NewAllocationBlock(per + 1)
	vec3 := &ObjectVector{}
	err = sink.WriteOut(blk, in, vec3)
	assert.True(t, storage.IsOutOfSpace(err))
	assert.Equal(t, objs[:1], vec3.Objects)
	assert.Equal(t, 2, in.Len())
	require.NoError(t, in.CheckAligned())
	keys, err := chunk.GetColumn[int64](in, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, keys.Data)
}
