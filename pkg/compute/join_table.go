package compute

import (
	"github.com/pkg/errors"

	"github.com/daviszhen/pipejoin/pkg/storage"
	"github.com/daviszhen/pipejoin/pkg/util"
)

const (
	// key of an empty slot
	unusedHash uint64 = 493295393
	// keys equal to unusedHash are stored under this one
	unusedHashRemap uint64 = 858931273

	joinMapInitSlots  = 16
	joinMapFillFactor = 0.667

	// reserved per slot of the slot array
	joinSlotBytes = 24
	// reserved per value beyond the first of a slot
	joinEntryBytes = 8
	// partitionId, numPartitions, numSlots, usedSlots
	joinMapFixedBytes = 16
)

func remapHash(hash uint64) uint64 {
	if hash == unusedHash {
		return unusedHashRemap
	}
	return hash
}

type joinMapSlot struct {
	hash     uint64
	value    JoinTuple
	overflow []JoinTuple
}

// JoinMap is an open addressing hash table from a 64-bit key hash to
// the list of join tuples pushed under it. The first tuple of a key is
// held in the slot, the rest in the slot's overflow list in push order.
type JoinMap struct {
	_layout        *JoinTupleLayout
	_slots         []joinMapSlot
	_used          int
	_maxSlots      int
	_entries       int
	_partitionId   int
	_numPartitions int
}

func newJoinMapSlots(n int) []joinMapSlot {
	slots := make([]joinMapSlot, n)
	for i := range slots {
		slots[i].hash = unusedHash
	}
	return slots
}

func maxUsedSlots(numSlots int) int {
	return int(float64(numSlots) * joinMapFillFactor)
}

// slotsFor is the smallest power of two slot count that holds n keys
// without doubling.
func slotsFor(n int) int {
	numSlots := joinMapInitSlots
	for maxUsedSlots(numSlots) < n {
		numSlots *= 2
	}
	return numSlots
}

// JoinMapHeaderBytes is reserved for the fixed part of a map.
func JoinMapHeaderBytes(layout *JoinTupleLayout) int {
	return joinMapFixedBytes + layoutBytes(layout)
}

// NewJoinMap creates a map whose fixed part and slot array are
// reserved from blk.
func NewJoinMap(blk *storage.AllocationBlock, layout *JoinTupleLayout, partitionId, numPartitions int) (*JoinMap, error) {
	return NewJoinMapSized(blk, layout, 0, partitionId, numPartitions)
}

// NewJoinMapSized creates a map that holds size keys without doubling.
func NewJoinMapSized(blk *storage.AllocationBlock, layout *JoinTupleLayout, size, partitionId, numPartitions int) (*JoinMap, error) {
	util.AssertFunc(numPartitions > 0)
	numSlots := slotsFor(size)
	if err := blk.Reserve(JoinMapHeaderBytes(layout) + numSlots*joinSlotBytes); err != nil {
		return nil, err
	}
	return newJoinMap(layout, numSlots, partitionId, numPartitions), nil
}

func newJoinMap(layout *JoinTupleLayout, numSlots, partitionId, numPartitions int) *JoinMap {
	util.AssertFunc(util.IsPowerOfTwo(uint64(numSlots)) && numSlots >= 2)
	return &JoinMap{
		_layout:        layout,
		_slots:         newJoinMapSlots(numSlots),
		_maxSlots:      maxUsedSlots(numSlots),
		_partitionId:   partitionId,
		_numPartitions: numPartitions,
	}
}

func (m *JoinMap) Layout() *JoinTupleLayout {
	return m._layout
}

// Size is the number of distinct keys.
func (m *JoinMap) Size() int {
	return m._used
}

// NumEntries is the number of tuples across all keys.
func (m *JoinMap) NumEntries() int {
	return m._entries
}

func (m *JoinMap) NumSlots() int {
	return len(m._slots)
}

func (m *JoinMap) PartitionID() int {
	return m._partitionId
}

func (m *JoinMap) NumPartitions() int {
	return m._numPartitions
}

func (m *JoinMap) startSlot(hash uint64) int {
	return int(hash % uint64(len(m._slots)-1))
}

// find returns the slot of hash or -1.
func (m *JoinMap) find(hash uint64) int {
	n := len(m._slots)
	slot := m.startSlot(hash)
	for i := 0; i < n; i++ {
		cur := m._slots[slot].hash
		if cur == unusedHash {
			return -1
		}
		if cur == hash {
			return slot
		}
		slot = (slot + 1) % n
	}
	return -1
}

func (m *JoinMap) freeSlot(hash uint64) int {
	n := len(m._slots)
	slot := m.startSlot(hash)
	for m._slots[slot].hash != unusedHash {
		slot = (slot + 1) % n
	}
	return slot
}

// Reserve grows the slot array so that numKeys keys fit without
// doubling.
func (m *JoinMap) Reserve(blk *storage.AllocationBlock, numKeys int) error {
	numSlots := slotsFor(numKeys)
	if numSlots <= len(m._slots) {
		return nil
	}
	return m.grow(blk, numSlots)
}

// grow moves every key into a larger slot array. The old array stays
// charged to its block.
func (m *JoinMap) grow(blk *storage.AllocationBlock, numSlots int) error {
	if err := blk.Reserve(numSlots * joinSlotBytes); err != nil {
		return err
	}
	old := m._slots
	m._slots = newJoinMapSlots(numSlots)
	m._maxSlots = maxUsedSlots(numSlots)
	for i := range old {
		if old[i].hash == unusedHash {
			continue
		}
		slot := m.freeSlot(old[i].hash)
		m._slots[slot] = old[i]
	}
	return nil
}

// Push adds an empty tuple under hash and returns it for packing. The
// tuple pointer is valid until the next Push.
func (m *JoinMap) Push(blk *storage.AllocationBlock, hash uint64) (*JoinTuple, error) {
	hash = remapHash(hash)
	if slot := m.find(hash); slot >= 0 {
		if err := blk.Reserve(joinEntryBytes); err != nil {
			return nil, err
		}
		s := &m._slots[slot]
		s.overflow = append(s.overflow, JoinTuple{})
		m._entries++
		return &s.overflow[len(s.overflow)-1], nil
	}
	if m._used >= m._maxSlots {
		if err := m.grow(blk, 2*len(m._slots)); err != nil {
			return nil, err
		}
	}
	slot := m.freeSlot(hash)
	m._slots[slot] = joinMapSlot{hash: hash}
	m._used++
	m._entries++
	return &m._slots[slot].value, nil
}

// SetUnused retracts the most recent Push of hash.
func (m *JoinMap) SetUnused(hash uint64) {
	slot := m.find(remapHash(hash))
	if slot < 0 {
		return
	}
	s := &m._slots[slot]
	if len(s.overflow) >= 1 {
		s.overflow = util.Pop(s.overflow)
	} else {
		*s = joinMapSlot{hash: unusedHash}
		m._used--
	}
	m._entries--
}

// Count is the number of tuples under hash.
func (m *JoinMap) Count(hash uint64) int {
	return m.Lookup(hash).Size()
}

// Lookup returns the tuples under hash. The list is valid until the
// next Push.
func (m *JoinMap) Lookup(hash uint64) JoinRecordList {
	slot := m.find(remapHash(hash))
	if slot < 0 {
		return JoinRecordList{}
	}
	return JoinRecordList{_slot: &m._slots[slot]}
}

// SlotAt is the list in slot i. It is empty for an unused slot.
func (m *JoinMap) SlotAt(i int) JoinRecordList {
	if m._slots[i].hash == unusedHash {
		return JoinRecordList{}
	}
	return JoinRecordList{_slot: &m._slots[i]}
}

// Iterate calls fn on every used slot in slot order until fn returns
// false.
func (m *JoinMap) Iterate(fn func(list JoinRecordList) bool) {
	for i := range m._slots {
		if m._slots[i].hash == unusedHash {
			continue
		}
		if !fn(JoinRecordList{_slot: &m._slots[i]}) {
			return
		}
	}
}

// CopyFrom pushes every tuple of from. On failure the tuple being
// copied is retracted and the error returned; earlier tuples stay.
func (m *JoinMap) CopyFrom(blk *storage.AllocationBlock, from *JoinMap) (int, error) {
	if !m._layout.Equal(from._layout) {
		return 0, errors.Errorf("copy %s into %s", from._layout, m._layout)
	}
	copied := 0
	var err error
	from.Iterate(func(list JoinRecordList) bool {
		for i := 0; i < list.Size(); i++ {
			if err = m.pushCopy(blk, list.Hash(), list.At(i)); err != nil {
				return false
			}
			copied++
		}
		return true
	})
	return copied, err
}

func (m *JoinMap) pushCopy(blk *storage.AllocationBlock, hash uint64, src *JoinTuple) error {
	jt, err := m.Push(blk, hash)
	if err != nil {
		return err
	}
	if err = m._layout.Copy(blk, jt, src); err != nil {
		m.SetUnused(hash)
		return err
	}
	return nil
}

// JoinRecordList is the tuples of one key, in push order.
type JoinRecordList struct {
	_slot *joinMapSlot
}

func (list JoinRecordList) Size() int {
	if list._slot == nil {
		return 0
	}
	return 1 + len(list._slot.overflow)
}

func (list JoinRecordList) At(i int) *JoinTuple {
	if i == 0 {
		return &list._slot.value
	}
	return &list._slot.overflow[i-1]
}

func (list JoinRecordList) Hash() uint64 {
	if list._slot == nil {
		return unusedHash
	}
	return list._slot.hash
}
