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
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/daviszhen/pipejoin/pkg/util"
)

var gBlockId atomic.Uint64

// Allocation is one live object carved from a block.
type Allocation struct {
	_block *AllocationBlock
	_size  int
}

func (a Allocation) Size() int {
	return a._size
}

func (a Allocation) Release() {
	if a._block != nil {
		a._block.Free(a)
	}
}

// AllocationBlock is a fixed budget of bytes owned by one goroutine.
// Space is handed out bump-style and never returned; only the live
// object count goes down.
type AllocationBlock struct {
	_id       uint64
	_cap      int
	_used     int
	_reserved int
	_live     int
	_closed   bool
	_owner    util.Owner
}

func NewAllocationBlock(capacity int) *AllocationBlock {
	util.AssertFunc(capacity >= 0)
	blk := &AllocationBlock{
		_id:  gBlockId.Add(1),
		_cap: capacity,
	}
	blk._owner.Bind()
	return blk
}

func (blk *AllocationBlock) Id() uint64 {
	return blk._id
}

func (blk *AllocationBlock) Capacity() int {
	return blk._cap
}

func (blk *AllocationBlock) Used() int {
	return blk._used
}

func (blk *AllocationBlock) Remaining() int {
	return blk._cap - blk._used
}

// Reserved is the part of Used held by the page root container.
func (blk *AllocationBlock) Reserved() int {
	return blk._reserved
}

func (blk *AllocationBlock) LiveObjects() int {
	return blk._live
}

func (blk *AllocationBlock) Closed() bool {
	return blk._closed
}

func (blk *AllocationBlock) take(n int, fault string) error {
	blk._owner.Check()
	util.AssertFunc(!blk._closed)
	util.AssertFunc(n >= 0)
	if err := util.Trigger(util.FAULTS_SCOPE_ARENA, fault); err != nil {
		return err
	}
	if n > blk.Remaining() {
		return &OutOfSpaceError{
			Requested: n,
			Remaining: blk.Remaining(),
			BlockId:   blk._id,
		}
	}
	blk._used += n
	return nil
}

// Allocate carves a transient object. It stays live until freed.
func (blk *AllocationBlock) Allocate(n int) (Allocation, error) {
	if err := blk.take(n, "arena.allocate"); err != nil {
		return Allocation{}, err
	}
	blk._live++
	return Allocation{_block: blk, _size: n}, nil
}

// Reserve carves bytes that belong to the root container of the page
// this block backs. They are written out with the page.
func (blk *AllocationBlock) Reserve(n int) error {
	if err := blk.take(n, "arena.reserve"); err != nil {
		return err
	}
	blk._reserved += n
	return nil
}

func (blk *AllocationBlock) Free(a Allocation) {
	util.AssertFunc(a._block == blk)
	util.AssertFunc(blk._live > 0)
	blk._live--
}

// Close tears the block down. Objects still live would dangle.
func (blk *AllocationBlock) Close() error {
	if blk._closed {
		return nil
	}
	if blk._live != 0 {
		return errors.Errorf("allocation block %d closed with %d live objects",
			blk._id, blk._live)
	}
	blk._closed = true
	return nil
}

// OutOfSpaceErr builds the exhaustion result for a request that can
// never fit, e.g. a row wider than a whole block.
func (blk *AllocationBlock) OutOfSpaceErr(n int) error {
	return &OutOfSpaceError{Requested: n, Remaining: blk.Remaining(), BlockId: blk._id}
}

// BlockStack holds the installed blocks of one worker. The most
// recently pushed block is the active one.
type BlockStack struct {
	_blocks []*AllocationBlock
	_owner  util.Owner
}

func NewBlockStack() *BlockStack {
	st := &BlockStack{}
	st._owner.Bind()
	return st
}

func (st *BlockStack) Push(blk *AllocationBlock) {
	st._owner.Check()
	util.AssertFunc(blk != nil && !blk._closed)
	st._blocks = append(st._blocks, blk)
}

func (st *BlockStack) PushNew(capacity int) *AllocationBlock {
	blk := NewAllocationBlock(capacity)
	st.Push(blk)
	return blk
}

func (st *BlockStack) Pop() *AllocationBlock {
	st._owner.Check()
	if len(st._blocks) == 0 {
		return nil
	}
	blk := util.Back(st._blocks)
	st._blocks = util.Pop(st._blocks)
	return blk
}

func (st *BlockStack) Active() *AllocationBlock {
	if len(st._blocks) == 0 {
		return nil
	}
	return util.Back(st._blocks)
}

func (st *BlockStack) Depth() int {
	return len(st._blocks)
}
