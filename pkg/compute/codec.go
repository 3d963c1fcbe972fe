package compute

import (
	"github.com/pkg/errors"

	"github.com/daviszhen/pipejoin/pkg/chunk"
	"github.com/daviszhen/pipejoin/pkg/storage"
	"github.com/daviszhen/pipejoin/pkg/util"
)

type rootTag uint32

const (
	rootTagInvalid rootTag = iota
	rootTagObjectVector
	rootTagJoinMap
	rootTagJoinMapVector
)

// RootHeaderBytes is the page payload taken by the root tag and count.
const RootHeaderBytes = 8

var ErrUnknownRoot = errors.New("unknown page root")

// ObjectVector is the root of a page of user objects.
type ObjectVector struct {
	Objects []chunk.Object
}

func (vec *ObjectVector) Len() int {
	return len(vec.Objects)
}

// JoinMapVector is the root of a page of join maps. A partitioned
// build keeps node n partition p at n*numPartitionsPerNode+p.
type JoinMapVector struct {
	Maps []*JoinMap
}

func (vec *JoinMapVector) Len() int {
	return len(vec.Maps)
}

func layoutBytes(layout *JoinTupleLayout) int {
	n := 4
	for _, slot := range layout.Slots {
		n += 4 + 4 + util.StringBytes(slot.TypeName)
	}
	return n
}

func encodeLayout(layout *JoinTupleLayout, ser util.Serialize) error {
	if err := util.Write[uint32](uint32(len(layout.Slots)), ser); err != nil {
		return err
	}
	for _, slot := range layout.Slots {
		if err := util.Write[uint32](uint32(slot.Kind), ser); err != nil {
			return err
		}
		if err := util.Write[uint32](uint32(slot.Typ), ser); err != nil {
			return err
		}
		if err := util.WriteString(slot.TypeName, ser); err != nil {
			return err
		}
	}
	return nil
}

func decodeLayout(de util.Deserialize) (*JoinTupleLayout, error) {
	var cnt, kind, typ uint32
	if err := util.Read[uint32](&cnt, de); err != nil {
		return nil, err
	}
	layout := &JoinTupleLayout{Slots: make([]JoinSlot, cnt)}
	for i := range layout.Slots {
		if err := util.Read[uint32](&kind, de); err != nil {
			return nil, err
		}
		if err := util.Read[uint32](&typ, de); err != nil {
			return nil, err
		}
		name, err := util.ReadString(de)
		if err != nil {
			return nil, err
		}
		layout.Slots[i] = JoinSlot{
			Kind:     SlotKind(kind),
			Typ:      chunk.ValueType(typ),
			TypeName: name,
		}
	}
	return layout, nil
}

// encodeJoinMap writes the fixed part, then every used slot as
// [slot][hash][count][tuples].
func encodeJoinMap(m *JoinMap, ser util.Serialize) error {
	for _, v := range []int32{
		int32(m._partitionId),
		int32(m._numPartitions),
		int32(len(m._slots)),
		int32(m._used),
	} {
		if err := util.Write[int32](v, ser); err != nil {
			return err
		}
	}
	if err := encodeLayout(m._layout, ser); err != nil {
		return err
	}
	for i := range m._slots {
		list := m.SlotAt(i)
		if list.Size() == 0 {
			continue
		}
		if err := util.Write[uint32](uint32(i), ser); err != nil {
			return err
		}
		if err := util.Write[uint64](list.Hash(), ser); err != nil {
			return err
		}
		if err := util.Write[uint32](uint32(list.Size()), ser); err != nil {
			return err
		}
		for j := 0; j < list.Size(); j++ {
			jt := list.At(j)
			for k, v := range jt.Values {
				if err := chunk.EncodeValue(m._layout.Slots[k].Typ, v, ser); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func decodeJoinMap(de util.Deserialize) (*JoinMap, error) {
	var fixed [4]int32
	for i := range fixed {
		if err := util.Read[int32](&fixed[i], de); err != nil {
			return nil, err
		}
	}
	partitionId, numPartitions, numSlots, used := int(fixed[0]), int(fixed[1]), int(fixed[2]), int(fixed[3])
	if numPartitions <= 0 || numSlots < 2 || !util.IsPowerOfTwo(uint64(numSlots)) || used >= numSlots {
		return nil, errors.Errorf("corrupt join map: %d partitions, %d/%d slots",
			numPartitions, used, numSlots)
	}
	layout, err := decodeLayout(de)
	if err != nil {
		return nil, err
	}
	m := newJoinMap(layout, numSlots, partitionId, numPartitions)
	var slot, cnt uint32
	var hash uint64
	for i := 0; i < used; i++ {
		if err = util.Read[uint32](&slot, de); err != nil {
			return nil, err
		}
		if err = util.Read[uint64](&hash, de); err != nil {
			return nil, err
		}
		if err = util.Read[uint32](&cnt, de); err != nil {
			return nil, err
		}
		if int(slot) >= numSlots || cnt == 0 {
			return nil, errors.Errorf("corrupt join map slot %d with %d tuples", slot, cnt)
		}
		s := &m._slots[slot]
		s.hash = hash
		for j := 0; j < int(cnt); j++ {
			jt := JoinTuple{Values: make([]any, len(layout.Slots))}
			for k := range jt.Values {
				if jt.Values[k], err = chunk.DecodeValue(layout.Slots[k].Typ, de); err != nil {
					return nil, err
				}
			}
			if j == 0 {
				s.value = jt
			} else {
				s.overflow = append(s.overflow, jt)
			}
		}
		m._used++
		m._entries += int(cnt)
	}
	return m, nil
}

// EncodeRoot serializes root into the payload of page and caches it as
// the decoded root. A root that does not fit is out of space.
func EncodeRoot(page *storage.Page, root any) error {
	if err := util.Trigger(util.FAULTS_SCOPE_PAGE, "page.encode"); err != nil {
		return errors.Wrapf(err, "encode root of page %s", page.Key())
	}
	ser := util.NewBytesSerialize(page.Bytes())
	cnt, err := encodeRoot(root, ser)
	if err != nil {
		if errors.Is(err, util.ErrShortBuffer) {
			return errors.Wrapf(storage.ErrOutOfSpace, "encode root of page %s: %v", page.Key(), err)
		}
		return err
	}
	page.SetObjectCount(cnt)
	page.SetRoot(root)
	return nil
}

func encodeRoot(root any, ser util.Serialize) (int, error) {
	var err error
	switch rt := root.(type) {
	case *ObjectVector:
		if err = util.Write[uint32](uint32(rootTagObjectVector), ser); err != nil {
			return 0, err
		}
		if err = util.Write[uint32](uint32(len(rt.Objects)), ser); err != nil {
			return 0, err
		}
		for _, obj := range rt.Objects {
			if err = chunk.EncodeObject(obj, ser); err != nil {
				return 0, err
			}
		}
		return len(rt.Objects), nil
	case *JoinMap:
		if err = util.Write[uint32](uint32(rootTagJoinMap), ser); err != nil {
			return 0, err
		}
		if err = util.Write[uint32](1, ser); err != nil {
			return 0, err
		}
		if err = encodeJoinMap(rt, ser); err != nil {
			return 0, err
		}
		return rt.NumEntries(), nil
	case *JoinMapVector:
		if err = util.Write[uint32](uint32(rootTagJoinMapVector), ser); err != nil {
			return 0, err
		}
		if err = util.Write[uint32](uint32(len(rt.Maps)), ser); err != nil {
			return 0, err
		}
		for _, m := range rt.Maps {
			if err = encodeJoinMap(m, ser); err != nil {
				return 0, err
			}
		}
		return len(rt.Maps), nil
	default:
		return 0, errors.Wrapf(ErrUnknownRoot, "encode %T", root)
	}
}

// DecodeRoot returns the root object of page, decoding the payload the
// first time.
func DecodeRoot(page *storage.Page) (any, error) {
	if root := page.Root(); root != nil {
		return root, nil
	}
	de := util.NewBytesDeserialize(page.Bytes())
	var tag, cnt uint32
	if err := util.Read[uint32](&tag, de); err != nil {
		return nil, err
	}
	if err := util.Read[uint32](&cnt, de); err != nil {
		return nil, err
	}
	var root any
	switch rootTag(tag) {
	case rootTagObjectVector:
		vec := &ObjectVector{Objects: make([]chunk.Object, cnt)}
		for i := range vec.Objects {
			obj, err := chunk.DecodeObject(de)
			if err != nil {
				return nil, errors.Wrapf(err, "object %d of page %s", i, page.Key())
			}
			vec.Objects[i] = obj
		}
		root = vec
	case rootTagJoinMap:
		m, err := decodeJoinMap(de)
		if err != nil {
			return nil, errors.Wrapf(err, "join map of page %s", page.Key())
		}
		root = m
	case rootTagJoinMapVector:
		vec := &JoinMapVector{Maps: make([]*JoinMap, cnt)}
		for i := range vec.Maps {
			m, err := decodeJoinMap(de)
			if err != nil {
				return nil, errors.Wrapf(err, "join map %d of page %s", i, page.Key())
			}
			vec.Maps[i] = m
		}
		root = vec
	default:
		return nil, errors.Wrapf(ErrUnknownRoot, "tag %d on page %s", tag, page.Key())
	}
	page.SetRoot(root)
	return root, nil
}

// DecodeObjectVector decodes a page of user objects.
func DecodeObjectVector(page *storage.Page) (*ObjectVector, error) {
	root, err := DecodeRoot(page)
	if err != nil {
		return nil, err
	}
	vec, ok := root.(*ObjectVector)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRoot, "page %s holds %T, want objects", page.Key(), root)
	}
	return vec, nil
}

func DecodeJoinMap(page *storage.Page) (*JoinMap, error) {
	root, err := DecodeRoot(page)
	if err != nil {
		return nil, err
	}
	m, ok := root.(*JoinMap)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRoot, "page %s holds %T, want a join map", page.Key(), root)
	}
	return m, nil
}

func DecodeJoinMapVector(page *storage.Page) (*JoinMapVector, error) {
	root, err := DecodeRoot(page)
	if err != nil {
		return nil, err
	}
	vec, ok := root.(*JoinMapVector)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRoot, "page %s holds %T, want join maps", page.Key(), root)
	}
	return vec, nil
}
