package util

import (
	"sync"
	"sync/atomic"
)

const (
	FAULTS_COUNT       int = 1024
	FAULTS_SCOPE_ARENA int = 0
	FAULTS_SCOPE_PAGE  int = 1
	FAULTS_SCOPE_PROXY int = 2
)

var faultsSwitch [FAULTS_COUNT]Faults

type Faults struct {
	_enable atomic.Bool
	_faults sync.Map
}

// FaultAction fires Action once Skip calls have passed, then
// at most Times times. Times <= 0 means no limit.
type FaultAction struct {
	Args   []string
	Action func([]string) error
	Skip   int64
	Times  int64
	_calls atomic.Int64
	_fired atomic.Int64
}

func Open(scope int) {
	if scope >= FAULTS_COUNT || scope < 0 {
		return
	}
	faultsSwitch[scope]._enable.Store(true)
}

func Close(scope int) {
	if scope >= FAULTS_COUNT || scope < 0 {
		return
	}
	faultsSwitch[scope]._enable.Store(false)
	faultsSwitch[scope]._faults.Clear()
}

func Check(scope int, faultName string) *FaultAction {
	if scope >= FAULTS_COUNT || scope < 0 {
		return nil
	}
	if !faultsSwitch[scope]._enable.Load() {
		return nil
	}
	val, ok := faultsSwitch[scope]._faults.Load(faultName)
	if !ok || val == nil {
		return nil
	}
	return val.(*FaultAction)
}

func Register(scope int, faultName string, args []string, action func([]string) error) {
	RegisterN(scope, faultName, 0, 0, args, action)
}

// RegisterN registers an action that skips the first skip hits and
// fires times times.
func RegisterN(scope int, faultName string, skip, times int64, args []string, action func([]string) error) {
	if scope >= FAULTS_COUNT || scope < 0 {
		return
	}
	if !faultsSwitch[scope]._enable.Load() {
		return
	}
	faultsSwitch[scope]._faults.Store(faultName, &FaultAction{
		Args:   args,
		Action: action,
		Skip:   skip,
		Times:  times,
	})
}

func Unregister(scope int, faultName string) {
	if scope >= FAULTS_COUNT || scope < 0 {
		return
	}
	faultsSwitch[scope]._faults.Delete(faultName)
}

// Trigger runs the registered action for faultName if the scope is open.
func Trigger(scope int, faultName string) error {
	fa := Check(scope, faultName)
	if fa == nil || fa.Action == nil {
		return nil
	}
	n := fa._calls.Add(1)
	if n <= fa.Skip {
		return nil
	}
	if fa.Times > 0 && fa._fired.Load() >= fa.Times {
		return nil
	}
	fa._fired.Add(1)
	return fa.Action(fa.Args)
}

// Fired reports how many times the action for faultName returned.
func Fired(scope int, faultName string) int64 {
	fa := Check(scope, faultName)
	if fa == nil {
		return 0
	}
	return fa._fired.Load()
}
