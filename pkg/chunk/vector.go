package chunk

import (
	"fmt"

	"github.com/govalues/decimal"

	"github.com/daviszhen/pipejoin/pkg/util"
)

// HandleBytes is the width of a handle that points at an object
// living elsewhere.
const HandleBytes = 8

// Column is one homogeneous, positionally aligned sequence of values.
type Column interface {
	Type() ValueType
	Len() int
	GetAny(i int) any
	AppendAny(v any)
	// TruncateFront drops the first n rows.
	TruncateFront(n int)
	// EraseEnd keeps the first n rows.
	EraseEnd(n int)
	Filter(keep []bool) Column
	Replicate(counts []uint32) Column
	Clone() Column
	// Bytes is the encoded width of row i.
	Bytes(i int) int
	Reset()
}

// Vector is the generic column.
type Vector[T any] struct {
	_typ ValueType
	Data []T
}

var _ Column = new(Vector[int64])

func typeOf[T any]() ValueType {
	switch any((*T)(nil)).(type) {
	case *bool:
		return TypeBool
	case *int64:
		return TypeInt64
	case *float64:
		return TypeFloat64
	case *decimal.Decimal:
		return TypeDecimal
	case *string:
		return TypeString
	case *uint64:
		return TypeHash
	case *Object:
		return TypeHandle
	default:
		return TypeInvalid
	}
}

// NewVector wraps data. T must be one of the column element types.
func NewVector[T any](data []T) *Vector[T] {
	typ := typeOf[T]()
	if typ == TypeInvalid {
		panic(fmt.Sprintf("usp column element %T", *new(T)))
	}
	return &Vector[T]{_typ: typ, Data: data}
}

// NewColumn builds an empty column of typ.
func NewColumn(typ ValueType, capacity int) Column {
	switch typ {
	case TypeBool:
		return NewVector(make([]bool, 0, capacity))
	case TypeInt64:
		return NewVector(make([]int64, 0, capacity))
	case TypeFloat64:
		return NewVector(make([]float64, 0, capacity))
	case TypeDecimal:
		return NewVector(make([]decimal.Decimal, 0, capacity))
	case TypeString:
		return NewVector(make([]string, 0, capacity))
	case TypeHash:
		return NewVector(make([]uint64, 0, capacity))
	case TypeHandle:
		return NewVector(make([]Object, 0, capacity))
	default:
		panic("usp")
	}
}

func (vec *Vector[T]) Type() ValueType {
	return vec._typ
}

func (vec *Vector[T]) Len() int {
	return len(vec.Data)
}

func (vec *Vector[T]) GetAny(i int) any {
	return vec.Data[i]
}

func (vec *Vector[T]) Get(i int) T {
	return vec.Data[i]
}

func (vec *Vector[T]) Append(v T) {
	vec.Data = append(vec.Data, v)
}

func (vec *Vector[T]) AppendAny(v any) {
	if v == nil {
		var zero T
		vec.Data = append(vec.Data, zero)
		return
	}
	vec.Data = append(vec.Data, v.(T))
}

func (vec *Vector[T]) TruncateFront(n int) {
	vec.Data = util.EraseFront(vec.Data, n)
}

func (vec *Vector[T]) EraseEnd(n int) {
	if n < len(vec.Data) {
		vec.Data = util.Resize(vec.Data, n)
	}
}

func (vec *Vector[T]) Filter(keep []bool) Column {
	util.AssertFunc(len(keep) == len(vec.Data))
	return &Vector[T]{_typ: vec._typ, Data: util.Select(vec.Data, keep)}
}

func (vec *Vector[T]) Replicate(counts []uint32) Column {
	util.AssertFunc(len(counts) == len(vec.Data))
	return &Vector[T]{_typ: vec._typ, Data: util.Replicate(vec.Data, counts)}
}

func (vec *Vector[T]) Clone() Column {
	return &Vector[T]{_typ: vec._typ, Data: util.CopyTo(vec.Data)}
}

func (vec *Vector[T]) Bytes(i int) int {
	if vec._typ == TypeHandle {
		return HandleBytes
	}
	return ValueBytes(vec._typ, vec.Data[i])
}

func (vec *Vector[T]) Reset() {
	vec.Data = vec.Data[:0]
}

func (vec *Vector[T]) String() string {
	return fmt.Sprintf("%s%v", vec._typ, vec.Data)
}
