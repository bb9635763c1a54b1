package dap

import (
	"path/filepath"
	"sync"

	"github.com/google/go-dap"

	"github.com/strutdbg/strut/service/engine"
)

// bindState is the life of one breakpoint's engine-side binding. The
// reconciler assumes immediate success and the engine corrects it later
// through bound/error notifications, so a plain boolean cannot represent
// the in-between.
type bindState int

const (
	// bindOptimistic: created and submitted for binding; reported verified
	// at the requested line until the engine says otherwise.
	bindOptimistic bindState = iota
	// bindConfirmed: the engine reported the authoritative bound location.
	bindConfirmed
	// bindFailed: binding failed, or the entry never reached the engine
	// (e.g. a malformed log message template).
	bindFailed
)

// breakpointEntry identifies one source or function breakpoint. Identity
// numbers are assigned from one monotonic counter shared across source and
// function breakpoints and are never reused within a session.
// The bind result fields (state, verified, boundLine, message) are guarded
// by breakpointTable.mu: they are written by bound/error notifications and
// read by request handlers.
type breakpointEntry struct {
	id int

	// key fields: (path, line) for source breakpoints, funcName for
	// function breakpoints.
	path     string // normalized engine path, table key
	line     int    // requested line, engine numbering
	funcName string

	condition  string
	logMessage string
	// tracepoint is the parsed logMessage template, set when logMessage is
	// valid.
	tracepoint *logMessageTemplate

	state     bindState
	verified  bool
	boundLine int
	message   string

	pending engine.PendingBreakpoint
}

// breakpointTable holds all live breakpoints of a session. The source and
// function maps are only mutated by the serial request-handling goroutine;
// mu guards the pending-id index and the entries' bind result fields, which
// notification handlers write concurrently. mu is never held across a call
// into the engine: binding a breakpoint can itself deliver a bound/error
// notification that needs the lock.
type breakpointTable struct {
	mu sync.Mutex
	// source maps normalized path -> requested line -> entry.
	source map[string]map[int]*breakpointEntry
	// function maps function name -> entry.
	function map[string]*breakpointEntry
	// byPendingID indexes entries by the engine's pending breakpoint id for
	// bound/error/hit lookups.
	byPendingID map[int]*breakpointEntry
	nextID      int
}

func newBreakpointTable() *breakpointTable {
	return &breakpointTable{
		source:      make(map[string]map[int]*breakpointEntry),
		function:    make(map[string]*breakpointEntry),
		byPendingID: make(map[int]*breakpointEntry),
		nextID:      1,
	}
}

func (bt *breakpointTable) allocID() int {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	id := bt.nextID
	bt.nextID++
	return id
}

// sourceFile returns the entry map for one normalized path, creating it on
// first use.
func (bt *breakpointTable) sourceFile(key string) map[int]*breakpointEntry {
	if bt.source[key] == nil {
		bt.source[key] = make(map[int]*breakpointEntry)
	}
	return bt.source[key]
}

func (bt *breakpointTable) registerPending(entry *breakpointEntry, pending engine.PendingBreakpoint) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	entry.pending = pending
	entry.state = bindOptimistic
	entry.verified = true
	entry.boundLine = entry.line
	bt.byPendingID[pending.ID()] = entry
}

func (bt *breakpointTable) unregisterPending(entry *breakpointEntry) engine.PendingBreakpoint {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	pending := entry.pending
	if pending != nil {
		delete(bt.byPendingID, pending.ID())
		entry.pending = nil
	}
	return pending
}

func (bt *breakpointTable) setFailed(entry *breakpointEntry, message string) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	entry.state = bindFailed
	entry.verified = false
	entry.message = message
}

func (bt *breakpointTable) byPendingIDs(ids []int) []*breakpointEntry {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	var r []*breakpointEntry
	for _, id := range ids {
		if e, ok := bt.byPendingID[id]; ok {
			r = append(r, e)
		}
	}
	return r
}

func (bt *breakpointTable) confirmBound(pendingID, boundLine int) *breakpointEntry {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	e, ok := bt.byPendingID[pendingID]
	if !ok {
		return nil
	}
	e.state = bindConfirmed
	e.verified = true
	e.boundLine = boundLine
	e.message = ""
	return e
}

func (bt *breakpointTable) markFailed(pendingID int, message string) *breakpointEntry {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	e, ok := bt.byPendingID[pendingID]
	if !ok {
		return nil
	}
	e.state = bindFailed
	e.verified = false
	e.message = message
	return e
}

func (s *Session) onSetBreakpointsRequest(request *dap.SetBreakpointsRequest) {
	if request.Arguments.Source.Path == "" {
		s.sendErrorResponse(request.Request, UnableToSetBreakpoints,
			"Unable to set or clear breakpoints", "empty file path")
		return
	}

	enginePath := s.paths.toEnginePath(request.Arguments.Source.Path)
	key := s.paths.normalizeKey(enginePath)

	// The request carries the full desired set for this file, replacing any
	// prior set for the same key.
	desired := make(map[int]dap.SourceBreakpoint, len(request.Arguments.Breakpoints))
	for _, want := range request.Arguments.Breakpoints {
		desired[s.paths.toEngineLine(want.Line)] = want
	}

	existing := s.breakpoints.sourceFile(key)

	// Delete pass: any previously-bound line absent from the new set, or
	// every bound entry when the source is marked modified, goes away. A
	// changed condition or log message also deletes here; the create pass
	// below recreates it with a fresh identity.
	for line, entry := range existing {
		want, keep := desired[line]
		if keep && !request.Arguments.SourceModified &&
			want.Condition == entry.condition && want.LogMessage == entry.logMessage {
			continue
		}
		s.deleteEntry(entry)
		delete(existing, line)
	}

	// Create pass, in request order so the response lines up positionally.
	// Partial failures degrade individual entries; the request as a whole
	// never fails, because the client treats that as fatal to the session.
	response := &dap.SetBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, 0, len(request.Arguments.Breakpoints))
	for _, want := range request.Arguments.Breakpoints {
		line := s.paths.toEngineLine(want.Line)
		entry, ok := existing[line]
		if !ok {
			entry = s.createSourceEntry(key, enginePath, line, want)
			existing[line] = entry
		}
		response.Body.Breakpoints = append(response.Body.Breakpoints, s.toClientBreakpoint(entry))
	}
	s.send(response)
}

// createSourceEntry creates one breakpoint entry and, when it is
// well-formed, the engine-side pending breakpoint.
func (s *Session) createSourceEntry(key, enginePath string, line int, want dap.SourceBreakpoint) *breakpointEntry {
	bt := s.breakpoints
	entry := &breakpointEntry{
		id:         bt.allocID(),
		path:       key,
		line:       line,
		condition:  want.Condition,
		logMessage: want.LogMessage,
	}

	if want.LogMessage != "" {
		tmpl, err := parseLogMessageTemplate(want.LogMessage)
		if err != nil {
			// A malformed template never reaches the engine.
			bt.setFailed(entry, err.Error())
			return entry
		}
		entry.tracepoint = tmpl
	}

	pending, err := s.engine.CreatePendingBreakpoint(engine.BreakpointRequest{
		File:      enginePath,
		Line:      line,
		Condition: want.Condition,
	})
	if err != nil {
		// Degrade only this breakpoint; reconciliation of the rest of the
		// batch continues.
		bt.setFailed(entry, err.Error())
		return entry
	}
	// Register before binding: the engine may deliver the bound/error
	// notification from inside Bind.
	bt.registerPending(entry, pending)
	if err := pending.Bind(); err != nil {
		bt.unregisterPending(entry)
		pending.Delete()
		bt.setFailed(entry, err.Error())
	}
	return entry
}

func (s *Session) deleteEntry(entry *breakpointEntry) {
	pending := s.breakpoints.unregisterPending(entry)
	if pending == nil {
		return
	}
	if err := pending.Delete(); err != nil {
		s.log.Warnf("error deleting breakpoint %d: %v", entry.id, err)
	}
}

func (s *Session) onSetFunctionBreakpointsRequest(request *dap.SetFunctionBreakpointsRequest) {
	bt := s.breakpoints

	desired := make(map[string]dap.FunctionBreakpoint, len(request.Arguments.Breakpoints))
	for _, want := range request.Arguments.Breakpoints {
		desired[want.Name] = want
	}

	for name, entry := range bt.function {
		want, keep := desired[name]
		if keep && want.Condition == entry.condition {
			continue
		}
		s.deleteEntry(entry)
		delete(bt.function, name)
	}

	response := &dap.SetFunctionBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, 0, len(request.Arguments.Breakpoints))
	for _, want := range request.Arguments.Breakpoints {
		entry, ok := bt.function[want.Name]
		if !ok {
			entry = s.createFunctionEntry(want)
			bt.function[want.Name] = entry
		}
		response.Body.Breakpoints = append(response.Body.Breakpoints, s.toClientBreakpoint(entry))
	}
	s.send(response)
}

func (s *Session) createFunctionEntry(want dap.FunctionBreakpoint) *breakpointEntry {
	bt := s.breakpoints
	entry := &breakpointEntry{
		id:        bt.allocID(),
		funcName:  want.Name,
		condition: want.Condition,
	}
	pending, err := s.engine.CreatePendingBreakpoint(engine.BreakpointRequest{
		FunctionName: want.Name,
		Condition:    want.Condition,
	})
	if err != nil {
		bt.setFailed(entry, err.Error())
		return entry
	}
	bt.registerPending(entry, pending)
	if err := pending.Bind(); err != nil {
		bt.unregisterPending(entry)
		pending.Delete()
		bt.setFailed(entry, err.Error())
	}
	return entry
}

// toClientBreakpoint renders an entry for the client. Function breakpoints
// carry no source position at bind time.
func (s *Session) toClientBreakpoint(entry *breakpointEntry) dap.Breakpoint {
	s.breakpoints.mu.Lock()
	bp := dap.Breakpoint{
		Id:       entry.id,
		Verified: entry.verified,
		Message:  entry.message,
	}
	line := entry.boundLine
	if !entry.verified {
		line = entry.line
	}
	s.breakpoints.mu.Unlock()

	if entry.funcName == "" {
		bp.Line = s.paths.toClientLine(line)
		clientPath := s.paths.toClientPath(entry.path)
		bp.Source = &dap.Source{Name: filepath.Base(clientPath), Path: clientPath}
	}
	return bp
}

const (
	exceptionFilterAll           = "all"
	exceptionFilterUserUnhandled = "user-unhandled"
)

func (s *Session) onSetExceptionBreakpointsRequest(request *dap.SetExceptionBreakpointsRequest) {
	first, unhandled := false, false
	for _, f := range request.Arguments.Filters {
		switch f {
		case exceptionFilterAll:
			first, unhandled = true, true
		case exceptionFilterUserUnhandled:
			unhandled = true
		}
	}

	state := engine.ExceptionStateNone
	if first {
		state |= engine.ExceptionStateFirstChance
	}
	if unhandled {
		state |= engine.ExceptionStateUnhandled
	}

	s.mu.Lock()
	eng := s.engine
	s.breakOnFirstChance = first
	s.breakOnUnhandled = unhandled
	s.mu.Unlock()

	if eng != nil {
		if err := eng.SetExceptionState(engine.ExceptionCategoryDefault, state); err != nil {
			s.sendErrorResponse(request.Request, UnableToSetExceptions,
				"Unable to set exception breakpoints", err.Error())
			return
		}
	}
	s.send(&dap.SetExceptionBreakpointsResponse{Response: *newResponse(request.Request)})
}
