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
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/decimal"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/daviszhen/pipejoin/pkg/chunk"
	"github.com/daviszhen/pipejoin/pkg/storage"
	"github.com/daviszhen/pipejoin/pkg/util"
)

// ScratchDatabase holds the intermediate sets of running joins.
const ScratchDatabase storage.DatabaseID = math.MaxUint32

type KeyFunc func(obj chunk.Object) (any, error)

type CombineFunc func(probe, build chunk.Object) (chunk.Object, error)

// JoinSpec is an equi-join of two user sets. The build side is hashed,
// the probe side streams through the hash table.
type JoinSpec struct {
	Build storage.SetKey
	Probe storage.SetKey
	// Output receives Combine of every matching pair.
	Output        storage.SetKey
	KeyType       chunk.ValueType
	BuildTypeName string
	BuildKey      KeyFunc
	ProbeKey      KeyFunc
	Combine       CombineFunc
}

type JoinResult struct {
	RunID string
	Rows  int
	Pages int
	Merge MergeStats
	Took  time.Duration
}

// JoinDriver runs the build, redistribution and probe phases of a join
// over one store.
type JoinDriver struct {
	_store  *storage.MemoryStore
	_cfg    *util.Config
	_spec   JoinSpec
	_pool   *WorkerPool
	_opts   PipelineOptions
	_policy MergeOverflowPolicy
	_runId  uuid.UUID
	_layout *JoinTupleLayout
	//slot -> position in [key, build object]
	_whereEveryoneGoes []int
}

func NewJoinDriver(store *storage.MemoryStore, cfg *util.Config, spec JoinSpec) (*JoinDriver, error) {
	if spec.BuildKey == nil || spec.ProbeKey == nil || spec.Combine == nil {
		return nil, errors.New("join spec needs key and combine functions")
	}
	if !spec.KeyType.IsDirect() {
		return nil, errors.Errorf("join key of type %s", spec.KeyType)
	}
	policy, err := ParseMergeOverflowPolicy(cfg.Join.MergeOverflow)
	if err != nil {
		return nil, err
	}
	layout, where, err := FindCorrectJoinTuple([]string{spec.KeyType.String(), spec.BuildTypeName})
	if err != nil {
		return nil, err
	}
	return &JoinDriver{
		_store:             store,
		_cfg:               cfg,
		_spec:              spec,
		_pool:              NewWorkerPool(store, cfg.Pipeline.Threads),
		_opts:              NewPipelineOptions(cfg),
		_policy:            policy,
		_runId:             uuid.New(),
		_layout:            layout,
		_whereEveryoneGoes: where,
	}, nil
}

func (d *JoinDriver) RunID() string {
	return d._runId.String()
}

func (d *JoinDriver) scratch(k int) storage.SetKey {
	return storage.SetKey{
		Db:  ScratchDatabase,
		Typ: storage.UserTypeID(d._spec.Output.Set),
		Set: storage.SetID(k),
	}
}

const (
	scratchBuildMaps = 1
	scratchMerged    = 2
	scratchOutgoing  = 3
	scratchShuffled  = 100
	scratchRebuilt   = 10000
	scratchPartition = 20000
)

func (d *JoinDriver) dropScratch() error {
	var err error
	seen := make(map[storage.SetKey]bool)
	for _, set := range d.scratchSets() {
		if seen[set] {
			continue
		}
		seen[set] = true
		err = multierr.Append(err, d._store.DropSet(set))
	}
	return err
}

func (d *JoinDriver) scratchSets() []storage.SetKey {
	sets := []storage.SetKey{
		d.scratch(scratchBuildMaps),
		d.scratch(scratchMerged),
		d.scratch(scratchOutgoing),
	}
	numNodes, numParts := d._cfg.Join.NumNodes, d._cfg.Join.PartitionsPerNode
	for n := 0; n < numNodes; n++ {
		sets = append(sets, d.scratch(scratchShuffled+n))
		for p := 0; p < numParts; p++ {
			sets = append(sets,
				d.scratch(scratchRebuilt+n*numParts+p),
				d.scratch(scratchPartition+n*numParts+p))
		}
	}
	return sets
}

// splitPages deals keys round robin over at most numThreads tasks.
func (d *JoinDriver) splitPages(keys []storage.PageKey) [][]storage.PageKey {
	n := min(d._cfg.Pipeline.Threads, len(keys))
	tasks := make([][]storage.PageKey, n)
	for i, key := range keys {
		tasks[i%n] = append(tasks[i%n], key)
	}
	return tasks
}

func (d *JoinDriver) logFields(fields ...zap.Field) []zap.Field {
	return append([]zap.Field{zap.String("join", d._runId.String())}, fields...)
}

var (
	buildScanSchema = chunk.NewTupleSpec("Build", "obj")
	buildKeySchema  = chunk.NewTupleSpec("Build", "obj", "key")
	buildHashSchema = chunk.NewTupleSpec("Build", "obj", "key", "hash")
	// build side attributes in type list order
	buildAtts = chunk.NewTupleSpec("Build", "key", "obj")
	// rows of a flattened join map
	rebuildSchema = chunk.NewTupleSpec("Map", "key", "obj", "hash")
	hashAtt       = chunk.NewTupleSpec("Build", "hash")
)

func (d *JoinDriver) applyKey(input chunk.TupleSpec, att string, fn KeyFunc) (*ApplyExecutor, error) {
	return NewApplyExecutor(
		input,
		chunk.NewTupleSpec(input.SetName, att),
		input,
		d._spec.KeyType,
		func(args []any) (any, error) {
			obj, _ := args[0].(chunk.Object)
			return fn(obj)
		})
}

// buildPipeline scans build pages into join maps written to set.
func (d *JoinDriver) buildPipeline(w *Worker, keys []storage.PageKey, sink ComputeSink, set storage.SetKey) error {
	get, done := w.Proxy.ScanPages(keys)
	src, err := NewVectorTupleSetIterator(get, done, d._opts.ChunkSize)
	if err != nil {
		return err
	}
	keyExec, err := d.applyKey(buildScanSchema, "obj", d._spec.BuildKey)
	if err != nil {
		src.Close()
		return err
	}
	hashExec, err := NewHashExecutor(buildKeySchema, chunk.NewTupleSpec("Build", "key"), buildKeySchema)
	if err != nil {
		src.Close()
		return err
	}
	pipe := NewPipeline("build", src, sink, NewSetWriter(w.Proxy, set), w.Blocks, d._opts).
		AddStage("key", keyExec).
		AddStage("hash", hashExec)
	return pipe.Run()
}

// mergeMaps unions the maps on keys into one map on a page of set.
func (d *JoinDriver) mergeMaps(conn *storage.ProxyConn, blocks *storage.BlockStack, keys []storage.PageKey, set storage.SetKey) (storage.PageKey, MergeStats, error) {
	var stats MergeStats
	pages := make([]*storage.Page, 0, len(keys))
	unpinAll := func() error {
		var err error
		for _, page := range pages {
			h := page.Header()
			if !conn.UnpinUserPage(h.Node, h.Db, h.Typ, h.Set, h.Page) {
				err = multierr.Append(err, errors.Wrapf(storage.ErrUnpinFailed, "page %s", page.Key()))
			}
		}
		pages = pages[:0]
		return err
	}
	maps := make([]*JoinMap, 0, len(keys))
	total := 0
	for _, key := range keys {
		page, err := conn.Pin(key)
		if err != nil {
			return storage.PageKey{}, stats, multierr.Append(err, unpinAll())
		}
		pages = append(pages, page)
		m, err := DecodeJoinMap(page)
		if err != nil {
			return storage.PageKey{}, stats, multierr.Append(err, unpinAll())
		}
		maps = append(maps, m)
		total += m.Size()
	}

	out, err := conn.AddUserPage(set)
	if err != nil {
		return storage.PageKey{}, stats, multierr.Append(err, unpinAll())
	}
	pages = append(pages, out)
	blk := blocks.PushNew(out.Size() - RootHeaderBytes)
	defer blocks.Pop()
	merger := NewJoinSinkMerger(d._layout, d._policy)
	merged, err := merger.CreateNewOutputContainer(blk, total)
	if err != nil {
		return storage.PageKey{}, stats, multierr.Append(
			errors.Wrapf(err, "merged join map of %d keys", total), unpinAll())
	}
	for _, m := range maps {
		s, err := merger.WriteOut(blk, m, merged)
		stats.Add(s)
		if err != nil {
			return storage.PageKey{}, stats, multierr.Append(err, unpinAll())
		}
	}
	if err = EncodeRoot(out, merged); err != nil {
		return storage.PageKey{}, stats, multierr.Append(err, unpinAll())
	}
	if err = multierr.Append(unpinAll(), blk.Close()); err != nil {
		return storage.PageKey{}, stats, err
	}
	return out.Key(), stats, nil
}

func keysEqual(typ chunk.ValueType, a, b any) bool {
	if typ == chunk.TypeDecimal {
		return a.(decimal.Decimal).Cmp(b.(decimal.Decimal)) == 0
	}
	return a == b
}

// probe streams the probe pages on keys through the map on mapKey.
// With a route only the rows of one node partition are probed.
func (d *JoinDriver) probe(w *Worker, keys []storage.PageKey, mapKey storage.PageKey, route *PartitionFilter, node int) (err error) {
	page, err := w.Proxy.Pin(mapKey)
	if err != nil {
		return err
	}
	inSchema := chunk.NewTupleSpec("Probe", "in")
	keySchema := chunk.NewTupleSpec("Probe", "in", "pkey")
	hashSchema := chunk.NewTupleSpec("Probe", "in", "pkey", "phash")
	routeSchema := chunk.NewTupleSpec("Probe", "in", "pkey", "phash", "mine")
	joinedSchema := chunk.NewTupleSpec("Probe", "in", "pkey", "bkey", "bobj")
	matchSchema := chunk.NewTupleSpec("Probe", "in", "bobj", "eq")
	pairSchema := chunk.NewTupleSpec("Probe", "in", "bobj")
	outSchema := chunk.NewTupleSpec("Probe", "out")

	probe, err := NewJoinProbe(page, w.Proxy, d._whereEveryoneGoes,
		hashSchema, chunk.NewTupleSpec("Probe", "phash"), keySchema, false)
	if err != nil {
		h := page.Header()
		w.Proxy.UnpinUserPage(h.Node, h.Db, h.Typ, h.Set, h.Page)
		return err
	}
	defer func() {
		err = multierr.Append(err, probe.Close())
	}()

	keyExec, err := d.applyKey(inSchema, "in", d._spec.ProbeKey)
	if err != nil {
		return err
	}
	hashExec, err := NewHashExecutor(keySchema, chunk.NewTupleSpec("Probe", "pkey"), keySchema)
	if err != nil {
		return err
	}
	keyType := d._spec.KeyType
	matchExec, err := NewApplyExecutor(joinedSchema, chunk.NewTupleSpec("Probe", "pkey", "bkey"), pairSchema,
		chunk.TypeBool, func(args []any) (any, error) {
			return keysEqual(keyType, args[0], args[1]), nil
		})
	if err != nil {
		return err
	}
	filterExec, err := NewFilterExecutor(matchSchema, chunk.NewTupleSpec("Probe", "eq"), pairSchema)
	if err != nil {
		return err
	}
	combine := d._spec.Combine
	combineExec, err := NewApplyExecutor(pairSchema, pairSchema, chunk.TupleSpec{SetName: "Probe"},
		chunk.TypeHandle, func(args []any) (any, error) {
			probeObj, _ := args[0].(chunk.Object)
			buildObj, _ := args[1].(chunk.Object)
			return combine(probeObj, buildObj)
		})
	if err != nil {
		return err
	}
	sink, err := NewVectorSink(outSchema, outSchema)
	if err != nil {
		return err
	}

	get, done := w.Proxy.ScanPages(keys)
	src, err := NewVectorTupleSetIterator(get, done, d._opts.ChunkSize)
	if err != nil {
		return err
	}
	pipe := NewPipeline("probe", src, sink, NewSetWriter(w.Proxy, d._spec.Output), w.Blocks, d._opts).
		AddStage("key", keyExec).
		AddStage("hash", hashExec)
	if route != nil {
		numParts, numNodes := d._cfg.Join.PartitionsPerNode, d._cfg.Join.NumNodes
		target := route.Target
		routeExec, err := NewApplyExecutor(hashSchema, chunk.NewTupleSpec("Probe", "phash"), hashSchema,
			chunk.TypeBool, func(args []any) (any, error) {
				n, p := PartitionIndex(args[0].(uint64), numParts, numNodes)
				return n == node && p == target, nil
			})
		if err != nil {
			src.Close()
			return err
		}
		routeFilter, err := NewFilterExecutor(routeSchema, chunk.NewTupleSpec("Probe", "mine"), hashSchema)
		if err != nil {
			src.Close()
			return err
		}
		pipe.AddStage("route", routeExec).AddStage("route filter", routeFilter)
	}
	pipe.AddStage("probe", probe).
		AddStage("match", matchExec).
		AddStage("filter", filterExec).
		AddStage("combine", combineExec)
	return pipe.Run()
}

func (d *JoinDriver) result(start time.Time, stats MergeStats) *JoinResult {
	res := &JoinResult{
		RunID: d._runId.String(),
		Merge: stats,
		Took:  time.Since(start),
	}
	for _, key := range d._store.PageKeys(d._spec.Output) {
		page, err := d._store.Page(key)
		if err != nil {
			continue
		}
		res.Rows += page.ObjectCount()
		res.Pages++
	}
	return res
}

// BroadcastJoin builds maps of the build side in parallel, merges them
// into one map and probes every probe page against it.
func (d *JoinDriver) BroadcastJoin() (res *JoinResult, err error) {
	start := time.Now()
	defer func() {
		err = multierr.Append(err, d.dropScratch())
	}()
	tasks := d.splitPages(d._store.PageKeys(d._spec.Build))
	mapSet := d.scratch(scratchBuildMaps)
	if _, err = d._pool.Run(len(tasks), func(w *Worker) error {
		sink, err := NewJoinSink(buildHashSchema, hashAtt, buildAtts, d._layout, d._whereEveryoneGoes)
		if err != nil {
			return err
		}
		return d.buildPipeline(w, tasks[w.ID], sink, mapSet)
	}); err != nil {
		return nil, errors.Wrap(err, "build")
	}

	conn := d._store.Connect()
	mergedKey, stats, err := d.mergeMaps(conn, storage.NewBlockStack(),
		d._store.PageKeys(mapSet), d.scratch(scratchMerged))
	if err != nil {
		return nil, errors.Wrap(err, "merge")
	}
	util.Info("broadcast join map merged", d.logFields(
		zap.Int("merged", stats.Merged),
		zap.Int("dropped", stats.Dropped))...)

	tasks = d.splitPages(d._store.PageKeys(d._spec.Probe))
	if _, err = d._pool.Run(len(tasks), func(w *Worker) error {
		return d.probe(w, tasks[w.ID], mergedKey, nil, 0)
	}); err != nil {
		return nil, errors.Wrap(err, "probe")
	}
	res = d.result(start, stats)
	util.Info("broadcast join done", d.logFields(
		zap.Int("rows", res.Rows),
		zap.Int("pages", res.Pages),
		zap.Duration("took", res.Took))...)
	return res, nil
}

// shuffle copies the maps bound for node out of the build pages into
// pages that are shipped compressed to the node's set.
func (d *JoinDriver) shuffle(conn *storage.ProxyConn, blocks *storage.BlockStack, buildKeys []storage.PageKey, node int) error {
	numParts := d._cfg.Join.PartitionsPerNode
	shuffler := NewJoinSinkShuffler(d._layout)
	dest := d.scratch(scratchShuffled + node)

	var page *storage.Page
	var vec *JoinMapVector
	fresh := func() error {
		var err error
		if page, err = conn.AddUserPage(d.scratch(scratchOutgoing)); err != nil {
			return err
		}
		blk := blocks.PushNew(page.Size() - RootHeaderBytes)
		vec, err = shuffler.CreateNewOutputContainer(blk)
		return err
	}
	ship := func() error {
		blk := blocks.Pop()
		err := EncodeRoot(page, vec)
		if err == nil {
			buf := storage.CompressPage(page)
			var received *storage.Page
			if received, err = storage.DecompressPage(buf); err == nil {
				d._store.AddParsedPage(dest, received)
				logPage("ship shuffle page", page,
					zap.Int("node", node),
					zap.Int("maps", vec.Len()),
					zap.Int("compressed", len(buf)))
			}
		}
		h := page.Header()
		if !conn.UnpinUserPage(h.Node, h.Db, h.Typ, h.Set, h.Page) {
			err = multierr.Append(err, errors.Wrapf(storage.ErrUnpinFailed, "page %s", page.Key()))
		}
		return multierr.Append(err, blk.Close())
	}

	if err := fresh(); err != nil {
		return err
	}
	for _, key := range buildKeys {
		src, err := conn.Pin(key)
		if err != nil {
			return multierr.Append(err, ship())
		}
		maps, err := DecodeJoinMapVector(src)
		for p := 0; err == nil && p < numParts; p++ {
			m := maps.Maps[node*numParts+p]
			if m.NumEntries() == 0 {
				continue
			}
			if shuffler.WriteOut(blocks.Active(), m, vec) {
				continue
			}
			if err = ship(); err == nil {
				err = fresh()
			}
			if err == nil && !shuffler.WriteOut(blocks.Active(), m, vec) {
				err = errors.Wrapf(storage.ErrOutOfSpace, "join map of partition %d with %d tuples", p, m.NumEntries())
			}
		}
		h := src.Header()
		if !conn.UnpinUserPage(h.Node, h.Db, h.Typ, h.Set, h.Page) {
			err = multierr.Append(err, errors.Wrapf(storage.ErrUnpinFailed, "page %s", key))
		}
		if err != nil {
			return multierr.Append(err, ship())
		}
	}
	return ship()
}

// PartitionedJoin hash partitions the build side over nodes and
// partitions, ships every node its maps, rebuilds one map per
// partition and probes the rows routed to it.
func (d *JoinDriver) PartitionedJoin() (res *JoinResult, err error) {
	start := time.Now()
	defer func() {
		err = multierr.Append(err, d.dropScratch())
	}()
	numNodes, numParts := d._cfg.Join.NumNodes, d._cfg.Join.PartitionsPerNode
	tasks := d.splitPages(d._store.PageKeys(d._spec.Build))
	mapSet := d.scratch(scratchBuildMaps)
	if _, err = d._pool.Run(len(tasks), func(w *Worker) error {
		sink, err := NewPartitionedJoinSink(numParts, numNodes,
			buildHashSchema, hashAtt, buildAtts, d._layout, d._whereEveryoneGoes)
		if err != nil {
			return err
		}
		return d.buildPipeline(w, tasks[w.ID], sink, mapSet)
	}); err != nil {
		return nil, errors.Wrap(err, "build")
	}

	conn := d._store.Connect()
	blocks := storage.NewBlockStack()
	buildKeys := d._store.PageKeys(mapSet)
	for node := 0; node < numNodes; node++ {
		if err = d.shuffle(conn, blocks, buildKeys, node); err != nil {
			return nil, errors.Wrapf(err, "shuffle to node %d", node)
		}
	}

	partMaps := make([]storage.PageKey, numNodes*numParts)
	var stats MergeStats
	statsOf := make([]MergeStats, numNodes*numParts)
	if _, err = d._pool.Run(numNodes*numParts, func(w *Worker) error {
		node, part := w.ID/numParts, w.ID%numParts
		get, done := w.Proxy.Scanner(d.scratch(scratchShuffled + node))
		src, err := NewJoinMapTupleSetIterator(get, done, d._opts.ChunkSize,
			d._whereEveryoneGoes, &PartitionFilter{Target: part})
		if err != nil {
			return err
		}
		rebuildSink, err := NewJoinSink(rebuildSchema, chunk.NewTupleSpec("Map", "hash"),
			chunk.NewTupleSpec("Map", "key", "obj"), d._layout, d._whereEveryoneGoes)
		if err != nil {
			src.Close()
			return err
		}
		rebuilt := d.scratch(scratchRebuilt + w.ID)
		pipe := NewPipeline("rebuild", src, rebuildSink, NewSetWriter(w.Proxy, rebuilt), w.Blocks, d._opts)
		if err = pipe.Run(); err != nil {
			return err
		}
		partMaps[w.ID], statsOf[w.ID], err = d.mergeMaps(w.Proxy, w.Blocks,
			d._store.PageKeys(rebuilt), d.scratch(scratchPartition+w.ID))
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "rebuild")
	}
	for _, s := range statsOf {
		stats.Add(s)
	}

	probeKeys := d._store.PageKeys(d._spec.Probe)
	if _, err = d._pool.Run(numNodes*numParts, func(w *Worker) error {
		node, part := w.ID/numParts, w.ID%numParts
		return d.probe(w, probeKeys, partMaps[w.ID], &PartitionFilter{Target: part}, node)
	}); err != nil {
		return nil, errors.Wrap(err, "probe")
	}
	res = d.result(start, stats)
	util.Info("partitioned join done", d.logFields(
		zap.Int("nodes", numNodes),
		zap.Int("partitions", numParts),
		zap.Int("rows", res.Rows),
		zap.Int("pages", res.Pages),
		zap.Duration("took", res.Took))...)
	return res, nil
}
