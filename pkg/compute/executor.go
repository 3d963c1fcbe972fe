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

	"github.com/daviszhen/pipejoin/pkg/chunk"
	"github.com/daviszhen/pipejoin/pkg/storage"
)

// ComputeSource produces the tuple sets of a pipeline. A nil tuple set
// means the source is exhausted.
type ComputeSource interface {
	GetNextTupleSet(blk *storage.AllocationBlock) (*chunk.TupleSet, error)
	Close()
}

// ChunkSizer is implemented by sources whose batch size can shrink.
type ChunkSizer interface {
	SetChunkSize(n int)
	ChunkSize() int
}

// ComputeExecutor transforms one tuple set. On failure the executor
// has released what it allocated and the input is unchanged, so the
// call can be repeated on a fresh block.
type ComputeExecutor interface {
	Process(blk *storage.AllocationBlock, input *chunk.TupleSet) (*chunk.TupleSet, error)
}

// ComputeSink writes the last tuple set of a pipeline into an output
// container. The container is the root of the current output page.
type ComputeSink interface {
	CreateNewOutputContainer(blk *storage.AllocationBlock) (any, error)
	WriteOut(blk *storage.AllocationBlock, input *chunk.TupleSet, container any) error
}

// chargeColumns charges the bytes of columns ids of ts to blk.
func chargeColumns(blk *storage.AllocationBlock, ts *chunk.TupleSet, ids ...int) error {
	for _, id := range ids {
		col, err := ts.Column(id)
		if err != nil {
			return err
		}
		n := 0
		for i := 0; i < col.Len(); i++ {
			n += col.Bytes(i)
		}
		if err = ts.Charge(blk, n); err != nil {
			return err
		}
	}
	return nil
}

// FilterExecutor keeps the rows whose bool attribute is true.
type FilterExecutor struct {
	_machine  *chunk.TupleSetSetupMachine
	_whichAtt int
}

func NewFilterExecutor(input, boolAtt, attsToIncludeInOutput chunk.TupleSpec) (*FilterExecutor, error) {
	machine, err := chunk.NewTupleSetSetupMachine(input, attsToIncludeInOutput)
	if err != nil {
		return nil, err
	}
	which, err := machine.Match(boolAtt)
	if err != nil {
		return nil, err
	}
	return &FilterExecutor{_machine: machine, _whichAtt: which[0]}, nil
}

func (exec *FilterExecutor) Process(blk *storage.AllocationBlock, input *chunk.TupleSet) (*chunk.TupleSet, error) {
	keep, err := chunk.GetColumn[bool](input, exec._whichAtt)
	if err != nil {
		return nil, err
	}
	output := chunk.NewTupleSet()
	if err = exec._machine.Filter(input, output, keep.Data, 0); err != nil {
		return nil, err
	}
	if err = chargeColumns(blk, output, output.ColumnIDs()...); err != nil {
		output.Release()
		return nil, err
	}
	return output, nil
}

func (exec *FilterExecutor) String() string {
	return fmt.Sprintf("Filter(att %d)", exec._whichAtt)
}

type ApplyFunc func(args []any) (any, error)

// ApplyExecutor appends fn of some attributes as a new column after the
// pass-through ones.
type ApplyExecutor struct {
	_machine *chunk.TupleSetSetupMachine
	_args    []int
	_outType chunk.ValueType
	_fn      ApplyFunc
}

func NewApplyExecutor(input, args, attsToIncludeInOutput chunk.TupleSpec, outType chunk.ValueType, fn ApplyFunc) (*ApplyExecutor, error) {
	machine, err := chunk.NewTupleSetSetupMachine(input, attsToIncludeInOutput)
	if err != nil {
		return nil, err
	}
	which, err := machine.Match(args)
	if err != nil {
		return nil, err
	}
	if len(which) == 0 {
		return nil, errors.New("apply over no attributes")
	}
	return &ApplyExecutor{
		_machine: machine,
		_args:    which,
		_outType: outType,
		_fn:      fn,
	}, nil
}

func (exec *ApplyExecutor) Process(blk *storage.AllocationBlock, input *chunk.TupleSet) (*chunk.TupleSet, error) {
	args := make([]chunk.Column, len(exec._args))
	for i, id := range exec._args {
		col, err := input.Column(id)
		if err != nil {
			return nil, err
		}
		args[i] = col
	}
	n := input.Len()
	result := chunk.NewColumn(exec._outType, n)
	vals := make([]any, len(args))
	for row := 0; row < n; row++ {
		for i, col := range args {
			vals[i] = col.GetAny(row)
		}
		v, err := exec._fn(vals)
		if err != nil {
			return nil, errors.Wrapf(err, "apply row %d", row)
		}
		result.AppendAny(v)
	}
	output := chunk.NewTupleSet()
	if err := exec._machine.SetupTupleSet(input, output, 0); err != nil {
		return nil, err
	}
	outId := len(exec._machine.Matches())
	output.AddColumn(outId, result, true)
	if err := chargeColumns(blk, output, outId); err != nil {
		output.Release()
		return nil, err
	}
	return output, nil
}

func (exec *ApplyExecutor) String() string {
	return fmt.Sprintf("Apply(atts %v -> %s)", exec._args, exec._outType)
}

// HashExecutor appends the 64-bit hash of the key attributes.
type HashExecutor struct {
	_machine *chunk.TupleSetSetupMachine
	_keys    []int
}

func NewHashExecutor(input, keys, attsToIncludeInOutput chunk.TupleSpec) (*HashExecutor, error) {
	machine, err := chunk.NewTupleSetSetupMachine(input, attsToIncludeInOutput)
	if err != nil {
		return nil, err
	}
	which, err := machine.Match(keys)
	if err != nil {
		return nil, err
	}
	if len(which) == 0 {
		return nil, errors.New("hash over no attributes")
	}
	return &HashExecutor{_machine: machine, _keys: which}, nil
}

func (exec *HashExecutor) Process(blk *storage.AllocationBlock, input *chunk.TupleSet) (*chunk.TupleSet, error) {
	hashes := make([]uint64, input.Len())
	for i, id := range exec._keys {
		col, err := input.Column(id)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			chunk.HashTypeSwitch(col, hashes)
		} else {
			chunk.CombineHashTypeSwitch(hashes, col)
		}
	}
	output := chunk.NewTupleSet()
	if err := exec._machine.SetupTupleSet(input, output, 0); err != nil {
		return nil, err
	}
	outId := len(exec._machine.Matches())
	output.AddColumn(outId, chunk.NewVector(hashes), true)
	if err := chargeColumns(blk, output, outId); err != nil {
		output.Release()
		return nil, err
	}
	return output, nil
}

func (exec *HashExecutor) String() string {
	return fmt.Sprintf("Hash(atts %v)", exec._keys)
}
