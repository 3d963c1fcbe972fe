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

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/daviszhen/pipejoin/pkg/chunk"
	"github.com/daviszhen/pipejoin/pkg/storage"
	"github.com/daviszhen/pipejoin/pkg/util"
)

func ParseMergeOverflowPolicy(s string) (MergeOverflowPolicy, error) {
	switch s {
	case "", util.MergePolicyError:
		return MergeOverflowError, nil
	case util.MergePolicyDiscard:
		return MergeOverflowDiscard, nil
	default:
		return MergeOverflowError, errors.Errorf("unknown merge overflow policy %q", s)
	}
}

// PartitionIndex routes hash to a node and a partition of that node.
func PartitionIndex(hash uint64, numPartitionsPerNode, numNodes int) (int, int) {
	idx := int(hash % uint64(numPartitionsPerNode*numNodes))
	return idx / numPartitionsPerNode, idx % numPartitionsPerNode
}

// joinBuilder packs the rows of tuple sets into join maps.
type joinBuilder struct {
	_layout            *JoinTupleLayout
	_whereEveryoneGoes []int
	_whichAttToHash    int
	_useTheseAtts      []int
	_stage             JoinSinkStage
}

func newJoinBuilder(
	inputSchema, attsToOperateOn, additionalAtts chunk.TupleSpec,
	layout *JoinTupleLayout,
	whereEveryoneGoes []int) (joinBuilder, error) {
	if len(whereEveryoneGoes) != layout.NumSlots() || len(additionalAtts.Atts) != layout.NumSlots() {
		return joinBuilder{}, errors.Errorf("%d atts and %d positions for %s",
			len(additionalAtts.Atts), len(whereEveryoneGoes), layout)
	}
	machine, err := chunk.NewTupleSetSetupMachine(inputSchema)
	if err != nil {
		return joinBuilder{}, err
	}
	which, err := machine.Match(attsToOperateOn)
	if err != nil {
		return joinBuilder{}, err
	}
	useTheseAtts, err := machine.Match(additionalAtts)
	if err != nil {
		return joinBuilder{}, err
	}
	return joinBuilder{
		_layout:            layout,
		_whereEveryoneGoes: whereEveryoneGoes,
		_whichAttToHash:    which[0],
		_useTheseAtts:      useTheseAtts,
	}, nil
}

func (b *joinBuilder) Stage() JoinSinkStage {
	return b._stage
}

// build pushes every row into the map route picks for its key. When a
// row does not fit, the rows before it are cut off the input so a
// retry on a fresh block resumes at that row.
func (b *joinBuilder) build(blk *storage.AllocationBlock, input *chunk.TupleSet, route func(uint64) *JoinMap) error {
	keyColumn, err := chunk.GetColumn[uint64](input, b._whichAttToHash)
	if err != nil {
		return err
	}
	columns := make([]chunk.Column, len(b._whereEveryoneGoes))
	for counter := range columns {
		if columns[counter], err = input.Column(b._useTheseAtts[b._whereEveryoneGoes[counter]]); err != nil {
			return err
		}
	}
	if err = b._layout.CheckColumns(columns); err != nil {
		return err
	}
	b._stage = JSS_BUILDING
	for i, key := range keyColumn.Data {
		m := route(key)
		jt, err := m.Push(blk, key)
		if err != nil {
			b.rollback(input, i)
			return err
		}
		if err = b._layout.Pack(blk, jt, columns, i); err != nil {
			m.SetUnused(key)
			b.rollback(input, i)
			return err
		}
	}
	b._stage = JSS_COMPLETE
	return nil
}

// rollback cuts the pushed rows off every input column, keeping the
// set aligned for the retry.
func (b *joinBuilder) rollback(input *chunk.TupleSet, i int) {
	b._stage = JSS_ROLLBACK
	input.TruncateFront(i)
}

// JoinSink builds one join map per output page.
type JoinSink struct {
	joinBuilder
}

var _ ComputeSink = new(JoinSink)

// NewJoinSink hashes on attsToOperateOn and stores additionalAtts.
// additionalAtts follow the type list the layout was found for.
func NewJoinSink(
	inputSchema, attsToOperateOn, additionalAtts chunk.TupleSpec,
	layout *JoinTupleLayout,
	whereEveryoneGoes []int) (*JoinSink, error) {
	b, err := newJoinBuilder(inputSchema, attsToOperateOn, additionalAtts, layout, whereEveryoneGoes)
	if err != nil {
		return nil, err
	}
	return &JoinSink{joinBuilder: b}, nil
}

func (sink *JoinSink) CreateNewOutputContainer(blk *storage.AllocationBlock) (any, error) {
	return NewJoinMap(blk, sink._layout, 0, 1)
}

func (sink *JoinSink) WriteOut(blk *storage.AllocationBlock, input *chunk.TupleSet, container any) error {
	m, ok := container.(*JoinMap)
	if !ok {
		return errors.Errorf("join sink writes into %T", container)
	}
	return sink.build(blk, input, func(uint64) *JoinMap {
		return m
	})
}

func (sink *JoinSink) String() string {
	return fmt.Sprintf("JoinSink(att %d, %s)", sink._whichAttToHash, sink._layout)
}

// PartitionedJoinSink builds numNodes x numPartitionsPerNode maps per
// output page and routes each row by its key hash.
type PartitionedJoinSink struct {
	joinBuilder
	_numPartitionsPerNode int
	_numNodes             int
}

var _ ComputeSink = new(PartitionedJoinSink)

func NewPartitionedJoinSink(
	numPartitionsPerNode, numNodes int,
	inputSchema, attsToOperateOn, additionalAtts chunk.TupleSpec,
	layout *JoinTupleLayout,
	whereEveryoneGoes []int) (*PartitionedJoinSink, error) {
	if numPartitionsPerNode <= 0 || numNodes <= 0 {
		return nil, errors.Errorf("invalid partitioning %d x %d", numNodes, numPartitionsPerNode)
	}
	b, err := newJoinBuilder(inputSchema, attsToOperateOn, additionalAtts, layout, whereEveryoneGoes)
	if err != nil {
		return nil, err
	}
	return &PartitionedJoinSink{
		joinBuilder:           b,
		_numPartitionsPerNode: numPartitionsPerNode,
		_numNodes:             numNodes,
	}, nil
}

func (sink *PartitionedJoinSink) CreateNewOutputContainer(blk *storage.AllocationBlock) (any, error) {
	vec := &JoinMapVector{Maps: make([]*JoinMap, 0, sink._numNodes*sink._numPartitionsPerNode)}
	for node := 0; node < sink._numNodes; node++ {
		for part := 0; part < sink._numPartitionsPerNode; part++ {
			m, err := NewJoinMap(blk, sink._layout, part, sink._numPartitionsPerNode)
			if err != nil {
				return nil, err
			}
			vec.Maps = append(vec.Maps, m)
		}
	}
	return vec, nil
}

func (sink *PartitionedJoinSink) WriteOut(blk *storage.AllocationBlock, input *chunk.TupleSet, container any) error {
	vec, ok := container.(*JoinMapVector)
	if !ok || len(vec.Maps) != sink._numNodes*sink._numPartitionsPerNode {
		return errors.Errorf("partitioned join sink writes into %T", container)
	}
	return sink.build(blk, input, func(hash uint64) *JoinMap {
		node, part := PartitionIndex(hash, sink._numPartitionsPerNode, sink._numNodes)
		return vec.Maps[node*sink._numPartitionsPerNode+part]
	})
}

func (sink *PartitionedJoinSink) String() string {
	return fmt.Sprintf("PartitionedJoinSink(%d nodes x %d partitions, %s)",
		sink._numNodes, sink._numPartitionsPerNode, sink._layout)
}

// JoinSinkMerger unions join maps built apart into one map.
type JoinSinkMerger struct {
	_layout *JoinTupleLayout
	_policy MergeOverflowPolicy
}

func NewJoinSinkMerger(layout *JoinTupleLayout, policy MergeOverflowPolicy) *JoinSinkMerger {
	return &JoinSinkMerger{_layout: layout, _policy: policy}
}

func (merger *JoinSinkMerger) CreateNewOutputContainer(blk *storage.AllocationBlock, size int) (*JoinMap, error) {
	return NewJoinMapSized(blk, merger._layout, size, 0, 1)
}

// WriteOut pushes every tuple of mergeMe into mergeToMe. When
// mergeToMe runs out of space the policy decides: the error is
// returned, or the rest of mergeMe is dropped and logged.
func (merger *JoinSinkMerger) WriteOut(blk *storage.AllocationBlock, mergeMe, mergeToMe *JoinMap) (MergeStats, error) {
	var stats MergeStats
	merged, err := mergeToMe.CopyFrom(blk, mergeMe)
	stats.Merged = merged
	if err == nil {
		return stats, nil
	}
	if !storage.IsOutOfSpace(err) || merger._policy == MergeOverflowError {
		return stats, err
	}
	stats.Dropped = mergeMe.NumEntries() - merged
	util.Warn("join map merge dropped tuples",
		zap.Int("merged", stats.Merged),
		zap.Int("dropped", stats.Dropped),
		zap.Error(err))
	return stats, nil
}

// JoinSinkShuffler copies whole join maps into a map vector bound for
// one node.
type JoinSinkShuffler struct {
	_layout *JoinTupleLayout
}

func NewJoinSinkShuffler(layout *JoinTupleLayout) *JoinSinkShuffler {
	return &JoinSinkShuffler{_layout: layout}
}

func (shuffler *JoinSinkShuffler) CreateNewOutputContainer(*storage.AllocationBlock) (*JoinMapVector, error) {
	return &JoinMapVector{}, nil
}

// WriteOut appends a copy of shuffleMe to shuffleToMe. A map is
// appended whole or not at all.
func (shuffler *JoinSinkShuffler) WriteOut(blk *storage.AllocationBlock, shuffleMe *JoinMap, shuffleToMe *JoinMapVector) bool {
	m, err := NewJoinMapSized(blk, shuffler._layout, shuffleMe.Size(),
		shuffleMe.PartitionID(), shuffleMe.NumPartitions())
	if err == nil {
		_, err = m.CopyFrom(blk, shuffleMe)
	}
	if err != nil {
		util.Debug("join map shuffle rejected",
			zap.Int("partition", shuffleMe.PartitionID()),
			zap.Int("entries", shuffleMe.NumEntries()),
			zap.Error(err))
		return false
	}
	shuffleToMe.Maps = append(shuffleToMe.Maps, m)
	return true
}

// VectorSink writes one handle attribute into an object vector.
type VectorSink struct {
	_whichAtt int
}

var _ ComputeSink = new(VectorSink)

func NewVectorSink(inputSchema, attToWriteOut chunk.TupleSpec) (*VectorSink, error) {
	machine, err := chunk.NewTupleSetSetupMachine(inputSchema)
	if err != nil {
		return nil, err
	}
	which, err := machine.Match(attToWriteOut)
	if err != nil {
		return nil, err
	}
	return &VectorSink{_whichAtt: which[0]}, nil
}

func (sink *VectorSink) CreateNewOutputContainer(*storage.AllocationBlock) (any, error) {
	return &ObjectVector{}, nil
}

func (sink *VectorSink) WriteOut(blk *storage.AllocationBlock, input *chunk.TupleSet, container any) error {
	vec, ok := container.(*ObjectVector)
	if !ok {
		return errors.Errorf("vector sink writes into %T", container)
	}
	col, err := chunk.GetColumn[chunk.Object](input, sink._whichAtt)
	if err != nil {
		return err
	}
	for i, obj := range col.Data {
		if err = blk.Reserve(chunk.ObjectBytes(obj)); err != nil {
			input.TruncateFront(i)
			return err
		}
		vec.Objects = append(vec.Objects, obj)
	}
	return nil
}

func (sink *VectorSink) String() string {
	return fmt.Sprintf("VectorSink(att %d)", sink._whichAtt)
}
