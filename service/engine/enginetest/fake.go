// Package enginetest provides a scripted in-memory engine for exercising the
// DAP session without a real debug backend. Tests preload threads, frames,
// values and breakable locations, then drive the event side by firing
// notifications the way a native engine would: from goroutines of their own,
// with synchronous events blocking until the session acknowledges them.
package enginetest

import (
	"fmt"
	"sync"
	"time"

	"github.com/derekparker/trie"

	"github.com/strutdbg/strut/service/engine"
)

// FakeEngine implements engine.Engine. The exported counters let tests
// assert how many engine-side objects a request sequence actually touched.
type FakeEngine struct {
	mu   sync.Mutex
	sink engine.EventSink

	// funcs indexes the target's function symbols. Function breakpoints
	// bind only against names present here; an empty index accepts any name.
	funcs *trie.Trie
	// sources maps file path -> breakable lines. A file absent from the map
	// accepts any line.
	sources map[string]map[int]bool

	threads []*FakeThread

	pendings      map[int]*FakePending
	nextPendingID int

	// Scripted failures.
	LaunchErr error
	AttachErr error
	// BindErrs fails Bind for the breakpoint keyed by "file:line" or the
	// function name.
	BindErrs map[string]error
	// SilentTerminate withholds the program-destroy notification from
	// TerminateProcess and Detach, simulating an engine that dies without
	// reporting.
	SilentTerminate bool
	// ResumeDelay delays the return of ResumeProcess after its
	// notifications are delivered. Notifications are unordered relative to
	// in-flight calls; this simulates the entry point outrunning the resume
	// call.
	ResumeDelay time.Duration

	// Call counters.
	CreateCount   int
	BindCount     int
	DeleteCount   int
	ContinueCount int
	CauseBreaks   int
	Terminated    bool
	Detached      bool
	StepCalls     []StepCall

	// Launch/attach record.
	LaunchedSpec engine.LaunchSpec
	AttachedPid  int
	Pid          int

	ExcCategory engine.ExceptionCategory
	ExcState    engine.ExceptionState

	// Memory readable through ReadMemory.
	MemBase uint64
	MemData []byte

	acks map[*engine.Event]chan struct{}
}

// StepCall records one Step invocation.
type StepCall struct {
	ThreadID int
	Kind     engine.StepKind
}

// Stats is a consistent snapshot of the engine's call counters.
type Stats struct {
	Creates   int
	Binds     int
	Deletes   int
	Continues int
	Breaks    int
	Steps     []StepCall
}

// Stats returns a snapshot of the call counters, safe to read while the
// session is still issuing commands.
func (e *FakeEngine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Creates:   e.CreateCount,
		Binds:     e.BindCount,
		Deletes:   e.DeleteCount,
		Continues: e.ContinueCount,
		Breaks:    e.CauseBreaks,
		Steps:     append([]StepCall(nil), e.StepCalls...),
	}
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		funcs:         trie.New(),
		sources:       make(map[string]map[int]bool),
		pendings:      make(map[int]*FakePending),
		nextPendingID: 1,
		Pid:           1234,
		acks:          make(map[*engine.Event]chan struct{}),
	}
}

// AddFunction registers a function symbol at a source position.
func (e *FakeEngine) AddFunction(name, file string, line int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs.Add(name, [2]interface{}{file, line})
}

// AddSource declares the breakable lines of a file. Binding to any other
// line of that file fails.
func (e *FakeEngine) AddSource(file string, lines ...int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := make(map[int]bool, len(lines))
	for _, l := range lines {
		set[l] = true
	}
	e.sources[file] = set
}

// AddThread scripts a thread that ResumeProcess will announce.
func (e *FakeEngine) AddThread(t *FakeThread) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threads = append(e.threads, t)
}

// Pendings returns the ids of all live (created and not deleted) pending
// breakpoints.
func (e *FakeEngine) Pendings() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int, 0, len(e.pendings))
	for id := range e.pendings {
		ids = append(ids, id)
	}
	return ids
}

func (e *FakeEngine) SetEventSink(sink engine.EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

func (e *FakeEngine) LaunchSuspended(spec engine.LaunchSpec) (int, error) {
	e.mu.Lock()
	err := e.LaunchErr
	e.LaunchedSpec = spec
	pid := e.Pid
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}
	// Real engines announce creation from their own thread, with the
	// program-create acknowledgement gating target startup.
	go func() {
		e.FireSync(&engine.Event{Kind: engine.EngineCreate})
		e.FireSync(&engine.Event{Kind: engine.ProgramCreate})
	}()
	return pid, nil
}

func (e *FakeEngine) Attach(pid int) error {
	e.mu.Lock()
	err := e.AttachErr
	e.AttachedPid = pid
	e.mu.Unlock()
	if err != nil {
		return err
	}
	go func() {
		e.FireSync(&engine.Event{Kind: engine.EngineCreate})
		e.FireSync(&engine.Event{Kind: engine.ProgramCreate})
	}()
	return nil
}

// ResumeProcess announces the scripted threads and reports the entry point
// stop on the first one.
func (e *FakeEngine) ResumeProcess() error {
	e.mu.Lock()
	threads := append([]*FakeThread(nil), e.threads...)
	sink := e.sink
	delay := e.ResumeDelay
	e.mu.Unlock()
	if sink == nil {
		return fmt.Errorf("no event sink registered")
	}
	for _, t := range threads {
		sink.HandleEvent(&engine.Event{Kind: engine.ThreadCreate, ThreadID: t.ThreadID, Thread: t})
	}
	if len(threads) > 0 {
		sink.HandleEvent(&engine.Event{Kind: engine.EntryPoint, ThreadID: threads[0].ThreadID})
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

func (e *FakeEngine) TerminateProcess() error {
	e.mu.Lock()
	e.Terminated = true
	sink := e.sink
	silent := e.SilentTerminate
	e.mu.Unlock()
	if sink != nil && !silent {
		sink.HandleEvent(&engine.Event{Kind: engine.ProgramDestroy, ExitCode: 0})
	}
	return nil
}

func (e *FakeEngine) Detach() error {
	e.mu.Lock()
	e.Detached = true
	sink := e.sink
	silent := e.SilentTerminate
	e.mu.Unlock()
	if sink != nil && !silent {
		sink.HandleEvent(&engine.Event{Kind: engine.ProgramDestroy, ExitCode: 0})
	}
	return nil
}

func (e *FakeEngine) CreatePendingBreakpoint(req engine.BreakpointRequest) (engine.PendingBreakpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CreateCount++
	p := &FakePending{eng: e, id: e.nextPendingID, Req: req}
	e.nextPendingID++
	e.pendings[p.id] = p
	return p, nil
}

func (e *FakeEngine) Continue() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ContinueCount++
	return nil
}

func (e *FakeEngine) Step(threadID int, kind engine.StepKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StepCalls = append(e.StepCalls, StepCall{ThreadID: threadID, Kind: kind})
	return nil
}

func (e *FakeEngine) CauseBreak() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CauseBreaks++
	return nil
}

func (e *FakeEngine) SetExceptionState(category engine.ExceptionCategory, state engine.ExceptionState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ExcCategory = category
	e.ExcState = state
	return nil
}

func (e *FakeEngine) ReadMemory(addr uint64, count int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if addr < e.MemBase || addr >= e.MemBase+uint64(len(e.MemData)) {
		return nil, fmt.Errorf("unmapped address %#x", addr)
	}
	off := addr - e.MemBase
	end := off + uint64(count)
	if end > uint64(len(e.MemData)) {
		end = uint64(len(e.MemData))
	}
	return append([]byte(nil), e.MemData[off:end]...), nil
}

func (e *FakeEngine) ContinueFromSynchronousEvent(ev *engine.Event) {
	e.mu.Lock()
	ch := e.acks[ev]
	delete(e.acks, ev)
	e.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// FireSync delivers ev as a synchronous notification and blocks until the
// session acknowledges it, like a native engine's callback thread would.
func (e *FakeEngine) FireSync(ev *engine.Event) {
	ev.Synchronous = true
	ch := make(chan struct{})
	e.mu.Lock()
	sink := e.sink
	e.acks[ev] = ch
	e.mu.Unlock()
	if sink == nil {
		return
	}
	sink.HandleEvent(ev)
	<-ch
}

// FireAsync delivers ev from a goroutine of its own, without waiting for an
// acknowledgement. Delivering from the caller's goroutine would wedge
// handlers that write to the client while the test is still inside the fire
// call instead of reading.
func (e *FakeEngine) FireAsync(ev *engine.Event) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink != nil {
		go sink.HandleEvent(ev)
	}
}

// FireBreakpointHit reports a stop at the breakpoints with the given pending
// ids, on the given thread.
func (e *FakeEngine) FireBreakpointHit(threadID int, pendingIDs ...int) {
	e.FireAsync(&engine.Event{Kind: engine.BreakpointHit, ThreadID: threadID, BreakpointIDs: pendingIDs})
}

// FireBreakpointBound reports the authoritative bound line for a pending
// breakpoint.
func (e *FakeEngine) FireBreakpointBound(pendingID, line int) {
	e.FireAsync(&engine.Event{Kind: engine.BreakpointBound, PendingID: pendingID, BoundLine: line})
}

// FireBreakpointError reports a bind failure for a pending breakpoint.
func (e *FakeEngine) FireBreakpointError(pendingID int, msg string) {
	e.FireAsync(&engine.Event{Kind: engine.BreakpointError, PendingID: pendingID, Message: msg})
}

// FirePending looks up the single live pending breakpoint at file:line and
// reports a hit on it. It fails when no such breakpoint exists.
func (e *FakeEngine) FirePending(threadID int, file string, line int) error {
	e.mu.Lock()
	var id int
	found := false
	for _, p := range e.pendings {
		if p.Req.File == file && p.Req.Line == line {
			id, found = p.id, true
			break
		}
	}
	e.mu.Unlock()
	if !found {
		return fmt.Errorf("no pending breakpoint at %s:%d", file, line)
	}
	e.FireBreakpointHit(threadID, id)
	return nil
}

// FakePending implements engine.PendingBreakpoint.
type FakePending struct {
	eng *FakeEngine
	id  int
	Req engine.BreakpointRequest
}

func (p *FakePending) ID() int { return p.id }

func (p *FakePending) Bind() error {
	e := p.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	e.BindCount++
	key := p.Req.FunctionName
	if key == "" {
		key = fmt.Sprintf("%s:%d", p.Req.File, p.Req.Line)
	}
	if err, ok := e.BindErrs[key]; ok {
		return err
	}
	if p.Req.FunctionName != "" {
		if len(e.funcs.Keys()) > 0 {
			if _, ok := e.funcs.Find(p.Req.FunctionName); !ok {
				return fmt.Errorf("no function named %q", p.Req.FunctionName)
			}
		}
		return nil
	}
	if lines, ok := e.sources[p.Req.File]; ok && !lines[p.Req.Line] {
		return fmt.Errorf("no code at %s:%d", p.Req.File, p.Req.Line)
	}
	return nil
}

func (p *FakePending) Delete() error {
	e := p.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DeleteCount++
	delete(e.pendings, p.id)
	return nil
}

// FakeThread implements engine.Thread over a scripted frame list.
type FakeThread struct {
	ThreadID   int
	ThreadName string
	FrameList  []*FakeFrame
}

func (t *FakeThread) ID() int      { return t.ThreadID }
func (t *FakeThread) Name() string { return t.ThreadName }

func (t *FakeThread) Frames(flags engine.FrameFlags) (engine.FrameEnum, error) {
	frames := make([]engine.StackFrame, len(t.FrameList))
	for i, f := range t.FrameList {
		frames[i] = f
	}
	return &FakeFrameEnum{frames: frames}, nil
}

// FakeFrameEnum implements engine.FrameEnum and counts Reset/Skip calls so
// tests can assert the paging protocol.
type FakeFrameEnum struct {
	frames []engine.StackFrame
	pos    int

	ResetCount int
	SkipCount  int
}

func (fe *FakeFrameEnum) Count() int { return len(fe.frames) }

func (fe *FakeFrameEnum) Read(n int) ([]engine.StackFrame, error) {
	if fe.pos >= len(fe.frames) {
		return nil, nil
	}
	end := fe.pos + n
	if end > len(fe.frames) {
		end = len(fe.frames)
	}
	r := fe.frames[fe.pos:end]
	fe.pos = end
	return r, nil
}

func (fe *FakeFrameEnum) Reset() error {
	fe.ResetCount++
	fe.pos = 0
	return nil
}

func (fe *FakeFrameEnum) Skip(n int) error {
	fe.SkipCount++
	fe.pos += n
	return nil
}

// FakeFrame implements engine.StackFrame.
type FakeFrame struct {
	Func        string
	File        string
	Line        int
	IsAnnotated bool
	IP          uint64

	LocalVars []*FakeValue
	ArgVars   []*FakeValue

	// Exprs scripts evaluation results beyond plain variable lookup.
	Exprs map[string]*FakeValue
	// ParseErrs scripts parse failures per expression.
	ParseErrs map[string]error
}

func (f *FakeFrame) FunctionName() string       { return f.Func }
func (f *FakeFrame) Source() (string, int)      { return f.File, f.Line }
func (f *FakeFrame) Annotated() bool            { return f.IsAnnotated }
func (f *FakeFrame) InstructionPointer() uint64 { return f.IP }

func (f *FakeFrame) ExprContext() (engine.ExprContext, error) {
	return &fakeExprContext{frame: f}, nil
}

func (f *FakeFrame) Locals(flags engine.EvalFlags) (engine.Value, error) {
	return containerValue("Locals", f.LocalVars), nil
}

func (f *FakeFrame) Arguments(flags engine.EvalFlags) (engine.Value, error) {
	return containerValue("Arguments", f.ArgVars), nil
}

func containerValue(name string, children []*FakeValue) *FakeValue {
	return &FakeValue{
		VName: name,
		Kids:  children,
		Attrs: engine.ValueAttrs{HasChildren: len(children) > 0, ReadOnly: true},
	}
}

type fakeExprContext struct {
	frame *FakeFrame
}

func (c *fakeExprContext) Parse(expr string) (engine.ParsedExpr, error) {
	if err, ok := c.frame.ParseErrs[expr]; ok {
		return nil, err
	}
	if v, ok := c.frame.Exprs[expr]; ok {
		return &fakeParsedExpr{value: v}, nil
	}
	for _, v := range append(append([]*FakeValue(nil), c.frame.LocalVars...), c.frame.ArgVars...) {
		if v.VName == expr {
			return &fakeParsedExpr{value: v}, nil
		}
	}
	return nil, fmt.Errorf("undefined identifier %q", expr)
}

type fakeParsedExpr struct {
	value *FakeValue
}

func (p *fakeParsedExpr) Evaluate(flags engine.EvalFlags, timeout time.Duration) (engine.Value, error) {
	if p.value.EvalErr != nil {
		return nil, p.value.EvalErr
	}
	return p.value, nil
}

// FakeValue implements engine.Value.
type FakeValue struct {
	VName     string
	VValue    string
	VType     string
	VFullName string
	Attrs     engine.ValueAttrs
	Kids      []*FakeValue
	Addr      uint64
	HasAddr   bool

	// EvalErr fails Evaluate instead of producing this value.
	EvalErr error
	// AssignErr fails Assign.
	AssignErr error
}

func (v *FakeValue) Name() string     { return v.VName }
func (v *FakeValue) Value() string    { return v.VValue }
func (v *FakeValue) TypeName() string { return v.VType }

func (v *FakeValue) FullName() string {
	if v.VFullName != "" {
		return v.VFullName
	}
	return v.VName
}

func (v *FakeValue) Attributes() engine.ValueAttrs { return v.Attrs }

func (v *FakeValue) Children(flags engine.EvalFlags, publicOnly bool) ([]engine.Value, error) {
	r := make([]engine.Value, len(v.Kids))
	for i, k := range v.Kids {
		r[i] = k
	}
	return r, nil
}

func (v *FakeValue) Assign(newValue string, timeout time.Duration) error {
	if v.AssignErr != nil {
		return v.AssignErr
	}
	v.VValue = newValue
	return nil
}

func (v *FakeValue) MemoryAddress() (uint64, bool) { return v.Addr, v.HasAddr }
