package chunk

import (
	"fmt"
	"sync"

	"github.com/govalues/decimal"
	"github.com/pkg/errors"

	"github.com/daviszhen/pipejoin/pkg/util"
)

type ValueType int

const (
	TypeInvalid ValueType = iota
	TypeBool
	TypeInt64
	TypeFloat64
	TypeDecimal
	TypeString
	TypeHash
	TypeHandle
)

var valueTypeNames = map[ValueType]string{
	TypeInvalid: "invalid",
	TypeBool:    "bool",
	TypeInt64:   "int64",
	TypeFloat64: "float64",
	TypeDecimal: "decimal",
	TypeString:  "string",
	TypeHash:    "hash",
	TypeHandle:  "handle",
}

func (t ValueType) String() string {
	if s, ok := valueTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ValueType(%d)", int(t))
}

// IsDirect reports whether values are held by value rather than
// through a handle.
func (t ValueType) IsDirect() bool {
	return t != TypeHandle && t != TypeInvalid
}

// ScalarType resolves a scalar type name.
func ScalarType(name string) (ValueType, bool) {
	for typ, s := range valueTypeNames {
		if s == name && typ.IsDirect() {
			return typ, true
		}
	}
	return TypeInvalid, false
}

// Fixed widths of direct values. Strings and decimals are variable.
func fixedWidth(typ ValueType) int {
	switch typ {
	case TypeBool:
		return 1
	case TypeInt64, TypeFloat64, TypeHash, TypeHandle:
		return 8
	default:
		return -1
	}
}

func decimalBytes(d decimal.Decimal) int {
	return util.StringBytes(d.String())
}

var (
	ErrUnknownObjectType = errors.New("unknown object type")
)

// Object is a user object referenced from a column through a handle.
type Object interface {
	TypeName() string
	// EncodedSize is the exact number of bytes Encode writes.
	EncodedSize() int
	Encode(ser util.Serialize) error
}

// Hasher lets an object supply its own join key hash.
type Hasher interface {
	Hash() uint64
}

type ObjectDecoder func(de util.Deserialize) (Object, error)

var gObjectTypes sync.Map

// RegisterObjectType makes a user type decodable from pages.
func RegisterObjectType(name string, dec ObjectDecoder) {
	gObjectTypes.Store(name, dec)
}

func LookupObjectType(name string) (ObjectDecoder, bool) {
	val, ok := gObjectTypes.Load(name)
	if !ok {
		return nil, false
	}
	return val.(ObjectDecoder), true
}

// ObjectBytes is the encoded width of obj including its type name.
func ObjectBytes(obj Object) int {
	if obj == nil {
		return util.StringBytes("")
	}
	return util.StringBytes(obj.TypeName()) + obj.EncodedSize()
}

func EncodeObject(obj Object, ser util.Serialize) error {
	if obj == nil {
		return util.WriteString("", ser)
	}
	if err := util.WriteString(obj.TypeName(), ser); err != nil {
		return err
	}
	return obj.Encode(ser)
}

func DecodeObject(de util.Deserialize) (Object, error) {
	name, err := util.ReadString(de)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, nil
	}
	dec, ok := LookupObjectType(name)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownObjectType, "type %q", name)
	}
	return dec(de)
}

// EncodeValue writes one value of typ.
func EncodeValue(typ ValueType, v any, ser util.Serialize) error {
	switch typ {
	case TypeBool:
		return util.Write[bool](v.(bool), ser)
	case TypeInt64:
		return util.Write[int64](v.(int64), ser)
	case TypeFloat64:
		return util.Write[float64](v.(float64), ser)
	case TypeHash:
		return util.Write[uint64](v.(uint64), ser)
	case TypeString:
		return util.WriteString(v.(string), ser)
	case TypeDecimal:
		return util.WriteString(v.(decimal.Decimal).String(), ser)
	case TypeHandle:
		obj, _ := v.(Object)
		return EncodeObject(obj, ser)
	default:
		panic("usp")
	}
}

func DecodeValue(typ ValueType, de util.Deserialize) (any, error) {
	switch typ {
	case TypeBool:
		var b bool
		err := util.Read[bool](&b, de)
		return b, err
	case TypeInt64:
		var i int64
		err := util.Read[int64](&i, de)
		return i, err
	case TypeFloat64:
		var f float64
		err := util.Read[float64](&f, de)
		return f, err
	case TypeHash:
		var h uint64
		err := util.Read[uint64](&h, de)
		return h, err
	case TypeString:
		return util.ReadString(de)
	case TypeDecimal:
		s, err := util.ReadString(de)
		if err != nil {
			return nil, err
		}
		d, err := decimal.Parse(s)
		if err != nil {
			return nil, errors.Wrapf(err, "decode decimal %q", s)
		}
		return d, nil
	case TypeHandle:
		return DecodeObject(de)
	default:
		panic("usp")
	}
}

// ValueBytes is the encoded width of v.
func ValueBytes(typ ValueType, v any) int {
	switch typ {
	case TypeString:
		return util.StringBytes(v.(string))
	case TypeDecimal:
		return decimalBytes(v.(decimal.Decimal))
	case TypeHandle:
		obj, _ := v.(Object)
		return ObjectBytes(obj)
	default:
		return fixedWidth(typ)
	}
}
