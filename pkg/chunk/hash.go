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

package chunk

import (
	"github.com/govalues/decimal"

	"github.com/daviszhen/pipejoin/pkg/util"
)

const (
	NULL_HASH = 0xbf58476d1ce4e5b9
)

// HashValue hashes one join key value.
func HashValue(typ ValueType, v any) uint64 {
	switch typ {
	case TypeBool:
		return util.HashBool(v.(bool))
	case TypeInt64:
		return util.HashInt64(v.(int64))
	case TypeFloat64:
		return util.HashFloat64(v.(float64))
	case TypeHash:
		return util.HashUint64(v.(uint64))
	case TypeString:
		return util.HashString(v.(string))
	case TypeDecimal:
		return util.HashString(v.(decimal.Decimal).Trim(0).String())
	case TypeHandle:
		return hashObject(v)
	default:
		panic("usp")
	}
}

func hashObject(v any) uint64 {
	obj, _ := v.(Object)
	if obj == nil {
		return NULL_HASH
	}
	if h, ok := obj.(Hasher); ok {
		return h.Hash()
	}
	buf := make([]byte, ObjectBytes(obj))
	if err := EncodeObject(obj, util.NewBytesSerialize(buf)); err != nil {
		panic(err)
	}
	return util.HashBytes(buf)
}

// HashTypeSwitch writes the hash of every row of col into hashes.
func HashTypeSwitch(col Column, hashes []uint64) {
	util.AssertFunc(len(hashes) >= col.Len())
	switch vec := col.(type) {
	case *Vector[int64]:
		for i, v := range vec.Data {
			hashes[i] = util.HashInt64(v)
		}
	case *Vector[uint64]:
		copy(hashes, vec.Data)
	case *Vector[string]:
		for i, v := range vec.Data {
			hashes[i] = util.HashString(v)
		}
	default:
		for i := 0; i < col.Len(); i++ {
			hashes[i] = HashValue(col.Type(), col.GetAny(i))
		}
	}
}

// CombineHashTypeSwitch folds the hash of every row of col into hashes.
func CombineHashTypeSwitch(hashes []uint64, col Column) {
	util.AssertFunc(len(hashes) >= col.Len())
	for i := 0; i < col.Len(); i++ {
		hashes[i] = util.CombineHash(hashes[i], HashValue(col.Type(), col.GetAny(i)))
	}
}
