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
	"fmt"

	"github.com/pkg/errors"
)

type NodeID int32
type DatabaseID uint32
type UserTypeID uint32
type SetID uint32
type PageID uint32

const (
	// PageHeaderSize is the on-page width of
	// [NodeID][DatabaseID][UserTypeID][SetID][PageID][objectCount][declaredSize].
	PageHeaderSize = 4 + 4 + 4 + 4 + 4 + 4 + 8
)

var (
	ErrOutOfSpace   = errors.New("allocation block out of space")
	ErrPageNotFound = errors.New("page not found")
	ErrUnpinFailed  = errors.New("unpin user page failed")
)

// OutOfSpaceError is the recoverable exhaustion result. Callers roll
// back and retry on a fresh block.
type OutOfSpaceError struct {
	Requested int
	Remaining int
	BlockId   uint64
}

func (e *OutOfSpaceError) Error() string {
	return fmt.Sprintf("allocation block %d out of space: requested %d, remaining %d",
		e.BlockId, e.Requested, e.Remaining)
}

func (e *OutOfSpaceError) Is(target error) bool {
	return target == ErrOutOfSpace
}

// IsOutOfSpace reports whether err is, or wraps, an exhaustion result.
func IsOutOfSpace(err error) bool {
	return errors.Is(err, ErrOutOfSpace)
}

// SetKey names one user set across the cluster.
type SetKey struct {
	Db  DatabaseID
	Typ UserTypeID
	Set SetID
}

// PageKey names one page.
type PageKey struct {
	Node NodeID
	SetKey
	Page PageID
}

func (k PageKey) String() string {
	return fmt.Sprintf("%d/%d/%d/%d/%d", k.Node, k.Db, k.Typ, k.Set, k.Page)
}

func comparePageKey(a, b PageKey) int {
	switch {
	case a.Node != b.Node:
		return cmpInt(int64(a.Node), int64(b.Node))
	case a.Db != b.Db:
		return cmpInt(int64(a.Db), int64(b.Db))
	case a.Typ != b.Typ:
		return cmpInt(int64(a.Typ), int64(b.Typ))
	case a.Set != b.Set:
		return cmpInt(int64(a.Set), int64(b.Set))
	default:
		return cmpInt(int64(a.Page), int64(b.Page))
	}
}

func cmpInt(a, b int64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}
