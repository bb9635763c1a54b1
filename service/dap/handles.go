package dap

import (
	"sync"

	"github.com/strutdbg/strut/service/engine"
)

const startHandle = 1000

// handlesMap maps arbitrary values to unique sequential ids.
// This provides convenient abstraction of references, offering
// opacity and allowing simplification of complex identifiers.
// Handles are valid for the lifetime of a single stop: reset is
// called every time the target resumes. A handle resolved after a
// reset fails instead of silently referring to stale state.
// Based on
// https://github.com/microsoft/vscode-debugadapter-node/blob/master/adapter/src/handles.ts
type handlesMap struct {
	mu          sync.Mutex
	nextHandle  int
	handleToVal map[int]interface{}
}

func newHandlesMap() *handlesMap {
	return &handlesMap{nextHandle: startHandle, handleToVal: make(map[int]interface{})}
}

func (hs *handlesMap) reset() {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.nextHandle = startHandle
	hs.handleToVal = make(map[int]interface{})
}

func (hs *handlesMap) create(value interface{}) int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	next := hs.nextHandle
	hs.nextHandle++
	hs.handleToVal[next] = value
	return next
}

func (hs *handlesMap) get(handle int) (interface{}, bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	v, ok := hs.handleToVal[handle]
	return v, ok
}

// first returns the value with the lowest live handle. Used as the fallback
// frame for console evaluations issued without a frame id.
func (hs *handlesMap) first() (interface{}, bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	for h := startHandle; h < hs.nextHandle; h++ {
		if v, ok := hs.handleToVal[h]; ok {
			return v, true
		}
	}
	return nil, false
}

func (hs *handlesMap) size() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return len(hs.handleToVal)
}

// stackFrameHandle is the value stored in the stack frame handles map: one
// read frame plus the thread it belongs to.
type stackFrameHandle struct {
	threadID int
	frame    engine.StackFrame
}

// variableContainer is the value stored in the variable handles map: an
// evaluated value plus the flags used to produce it, so that children can be
// expanded with consistent formatting.
type variableContainer struct {
	value engine.Value
	flags engine.EvalFlags
}
