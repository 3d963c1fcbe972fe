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
	"sort"
	"strings"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"

	"github.com/daviszhen/pipejoin/pkg/chunk"
	"github.com/daviszhen/pipejoin/pkg/storage"
	"github.com/daviszhen/pipejoin/pkg/util"
)

type SlotKind int

const (
	SlotDirect SlotKind = iota
	SlotHandle
)

func (k SlotKind) String() string {
	switch k {
	case SlotDirect:
		return "direct"
	case SlotHandle:
		return "handle"
	default:
		panic("usp")
	}
}

type JoinSlot struct {
	Kind SlotKind
	Typ  chunk.ValueType
	//type name of the objects behind a handle slot
	TypeName string
}

func (slot JoinSlot) String() string {
	if slot.Kind == SlotHandle {
		return "handle<" + slot.TypeName + ">"
	}
	return slot.Typ.String()
}

// JoinTuple is one packed row of a join map. Values[i] belongs to
// slot i of the layout.
type JoinTuple struct {
	Values []any
}

// JoinTupleLayout is the runtime row descriptor of the tuples in a
// join map. It is computed once per query.
type JoinTupleLayout struct {
	Slots []JoinSlot
}

func (layout *JoinTupleLayout) NumSlots() int {
	return len(layout.Slots)
}

func (layout *JoinTupleLayout) String() string {
	parts := make([]string, len(layout.Slots))
	for i, slot := range layout.Slots {
		parts[i] = slot.String()
	}
	return "JoinTuple<" + strings.Join(parts, ",") + ">"
}

func (layout *JoinTupleLayout) Equal(o *JoinTupleLayout) bool {
	if len(layout.Slots) != len(o.Slots) {
		return false
	}
	for i := range layout.Slots {
		if layout.Slots[i] != o.Slots[i] {
			return false
		}
	}
	return true
}

// FindCorrectJoinTuple builds the layout for typeList. Slots are in
// canonical order: scalar types first in ValueType order, then handle
// types by name. whereEveryoneGoes[slot] is the position in typeList
// that fills the slot.
func FindCorrectJoinTuple(typeList []string) (*JoinTupleLayout, []int, error) {
	if len(typeList) == 0 {
		return nil, nil, errors.New("join tuple over no types")
	}
	slots := make([]JoinSlot, len(typeList))
	whereEveryoneGoes := make([]int, len(typeList))
	for i, name := range typeList {
		if name == "" {
			return nil, nil, errors.Errorf("empty type name at %d", i)
		}
		if typ, ok := chunk.ScalarType(name); ok {
			slots[i] = JoinSlot{Kind: SlotDirect, Typ: typ}
		} else {
			slots[i] = JoinSlot{Kind: SlotHandle, Typ: chunk.TypeHandle, TypeName: name}
		}
		whereEveryoneGoes[i] = i
	}
	sort.SliceStable(whereEveryoneGoes, func(a, b int) bool {
		sa := slots[whereEveryoneGoes[a]]
		sb := slots[whereEveryoneGoes[b]]
		if sa.Kind != sb.Kind {
			return sa.Kind < sb.Kind
		}
		if sa.Kind == SlotDirect {
			return sa.Typ < sb.Typ
		}
		return sa.TypeName < sb.TypeName
	})
	layout := &JoinTupleLayout{Slots: make([]JoinSlot, len(slots))}
	for slot, from := range whereEveryoneGoes {
		layout.Slots[slot] = slots[from]
	}
	return layout, whereEveryoneGoes, nil
}

// NewColumns returns one empty column per slot.
func (layout *JoinTupleLayout) NewColumns(capacity int) []chunk.Column {
	cols := make([]chunk.Column, len(layout.Slots))
	for i, slot := range layout.Slots {
		cols[i] = chunk.NewColumn(slot.Typ, capacity)
	}
	return cols
}

// CheckColumns verifies cols can feed or receive the slots.
func (layout *JoinTupleLayout) CheckColumns(cols []chunk.Column) error {
	if len(cols) != len(layout.Slots) {
		return errors.Errorf("%d columns for %d slots", len(cols), len(layout.Slots))
	}
	for i, col := range cols {
		if col.Type() != layout.Slots[i].Typ {
			return errors.Wrapf(chunk.ErrColumnType, "slot %d is %s, column is %s",
				i, layout.Slots[i], col.Type())
		}
	}
	return nil
}

func (layout *JoinTupleLayout) valueBytes(slot int, v any) int {
	return chunk.ValueBytes(layout.Slots[slot].Typ, v)
}

// TupleBytes is the packed width of jt.
func (layout *JoinTupleLayout) TupleBytes(jt *JoinTuple) int {
	n := 0
	for i, v := range jt.Values {
		n += layout.valueBytes(i, v)
	}
	return n
}

// RowBytes is the packed width of row of cols.
func (layout *JoinTupleLayout) RowBytes(cols []chunk.Column, row int) int {
	n := 0
	for i, col := range cols {
		n += layout.valueBytes(i, col.GetAny(row))
	}
	return n
}

func copySlotValue(slot JoinSlot, v any) any {
	if slot.Kind == SlotHandle && v != nil {
		return clone.Clone(v)
	}
	return v
}

// Pack copies row of cols into jt. The bytes are reserved from blk
// before anything is written, so a failed pack leaves jt untouched.
// Handle slots hold deep copies.
func (layout *JoinTupleLayout) Pack(blk *storage.AllocationBlock, jt *JoinTuple, cols []chunk.Column, row int) error {
	util.AssertFunc(len(cols) == len(layout.Slots))
	if err := blk.Reserve(layout.RowBytes(cols, row)); err != nil {
		return err
	}
	values := make([]any, len(cols))
	for i, col := range cols {
		values[i] = copySlotValue(layout.Slots[i], col.GetAny(row))
	}
	jt.Values = values
	return nil
}

// Copy packs src into dst.
func (layout *JoinTupleLayout) Copy(blk *storage.AllocationBlock, dst, src *JoinTuple) error {
	if err := blk.Reserve(layout.TupleBytes(src)); err != nil {
		return err
	}
	values := make([]any, len(src.Values))
	for i, v := range src.Values {
		values[i] = copySlotValue(layout.Slots[i], v)
	}
	dst.Values = values
	return nil
}

// Unpack appends jt to cols.
func (layout *JoinTupleLayout) Unpack(jt *JoinTuple, cols []chunk.Column) {
	util.AssertFunc(len(cols) == len(jt.Values))
	for i, col := range cols {
		col.AppendAny(jt.Values[i])
	}
}

// Truncate drops the first n rows of every column.
func (layout *JoinTupleLayout) Truncate(cols []chunk.Column, n int) {
	for _, col := range distinctColumns(cols) {
		col.TruncateFront(n)
	}
}

// EraseEnd keeps the first n rows of every column.
func (layout *JoinTupleLayout) EraseEnd(cols []chunk.Column, n int) {
	for _, col := range distinctColumns(cols) {
		col.EraseEnd(n)
	}
}

// distinctColumns removes repeats, since one input column can feed
// several slots.
func distinctColumns(cols []chunk.Column) []chunk.Column {
	seen := make(map[chunk.Column]struct{}, len(cols))
	ret := make([]chunk.Column, 0, len(cols))
	for _, col := range cols {
		if _, has := seen[col]; has {
			continue
		}
		seen[col] = struct{}{}
		ret = append(ret, col)
	}
	return ret
}

func (jt *JoinTuple) String() string {
	return fmt.Sprint(jt.Values)
}
