package util

import (
	"fmt"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// Owner records the goroutine that exclusively uses a resource.
// Zero value is unbound.
type Owner struct {
	owner atomic.Int64
}

// Bind claims the resource for the calling goroutine.
func (o *Owner) Bind() {
	rid := goid.Get()
	if !o.owner.CompareAndSwap(0, rid) && o.owner.Load() != rid {
		panic(fmt.Sprintf("resource owned by goroutine %d, claimed by %d",
			o.owner.Load(), rid))
	}
}

// Unbind releases the claim. Only the owner may unbind.
func (o *Owner) Unbind() {
	o.Check()
	o.owner.Store(0)
}

// Check panics if the caller is not the owner. Unbound resources pass.
func (o *Owner) Check() {
	cur := o.owner.Load()
	if cur == 0 {
		return
	}
	if rid := goid.Get(); rid != cur {
		panic(fmt.Sprintf("resource owned by goroutine %d, used by %d", cur, rid))
	}
}

func (o *Owner) Bound() bool {
	return o.owner.Load() != 0
}
