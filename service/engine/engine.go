// Package engine defines the capability surface of a native debug engine as
// consumed by the DAP session. An engine accepts blocking commands and
// delivers notifications asynchronously, from its own goroutines, through an
// EventSink registered by the session.
package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// StepKind selects the granularity of a step command. All steps are
// statement-level.
type StepKind int

const (
	StepInto StepKind = iota
	StepOver
	StepOut
)

func (k StepKind) String() string {
	switch k {
	case StepInto:
		return "into"
	case StepOver:
		return "over"
	case StepOut:
		return "out"
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

// EvalFlags modify how an expression is evaluated.
type EvalFlags uint32

const (
	// EvalReturnValue requests that the evaluated value be materialized.
	EvalReturnValue EvalFlags = 1 << iota
	// EvalNoSideEffects forbids evaluation from mutating target state.
	EvalNoSideEffects
	// EvalNoEvents suppresses engine event reentrancy during evaluation.
	EvalNoEvents
	// EvalForceEvaluation forces real function evaluation instead of
	// returning a lazy placeholder.
	EvalForceEvaluation
	// EvalClipboardContext requests full, unabbreviated rendering suitable
	// for copying to the clipboard.
	EvalClipboardContext
)

// FrameFlags select the detail level of an enumerated stack frame.
type FrameFlags uint32

const (
	FrameFuncName FrameFlags = 1 << iota
	FrameModule
	FrameArgs
	FrameArgNames
	FrameArgTypes
	FrameAnnotations
)

// ExceptionCategory identifies a class of runtime exceptions understood by
// the engine.
type ExceptionCategory string

// ExceptionCategoryDefault is the engine's catch-all exception category.
const ExceptionCategoryDefault ExceptionCategory = "default"

// ExceptionState describes when the engine should stop for exceptions of a
// category.
type ExceptionState uint8

const (
	// ExceptionStateNone never stops.
	ExceptionStateNone ExceptionState = 0
	// ExceptionStateUnhandled stops when no handler exists.
	ExceptionStateUnhandled ExceptionState = 1 << iota
	// ExceptionStateFirstChance stops as soon as the exception is raised.
	ExceptionStateFirstChance
)

// LaunchSpec describes the target to launch in a suspended state.
type LaunchSpec struct {
	Program    string
	Args       []string
	WorkingDir string
	Env        map[string]string
	// CoreFile, if non-empty, opens a core dump instead of launching a
	// process. Execution control commands are invalid for such sessions.
	CoreFile string
}

// BreakpointRequest describes the location of a pending breakpoint. Either
// (File, Line) or FunctionName is set, never both.
type BreakpointRequest struct {
	File         string
	Line         int
	FunctionName string
	Condition    string
}

// PendingBreakpoint is an engine-side object representing a requested,
// possibly-unbound breakpoint.
type PendingBreakpoint interface {
	// ID returns the engine's identity for this pending breakpoint,
	// referenced by BreakpointBound/BreakpointError/BreakpointHit events.
	ID() int
	// Bind asks the engine to resolve the breakpoint to a code location.
	// Success here is provisional: the authoritative outcome arrives later
	// through a BreakpointBound or BreakpointError event.
	Bind() error
	// Delete removes the breakpoint from the engine.
	Delete() error
}

// ValueAttrs describes an evaluated value.
type ValueAttrs struct {
	HasChildren bool
	// IsError is set when the value is an error placeholder produced by a
	// failed in-target evaluation, rather than a real value.
	IsError  bool
	ReadOnly bool
}

// Value is an engine-native evaluated value handle. It stays valid until the
// target resumes.
type Value interface {
	Name() string
	Value() string
	TypeName() string
	// FullName returns an expression that re-evaluates to this value.
	FullName() string
	Attributes() ValueAttrs
	// Children expands the value's members. When publicOnly is set only
	// public members are returned.
	Children(flags EvalFlags, publicOnly bool) ([]Value, error)
	// Assign sets the value from the textual representation newValue.
	Assign(newValue string, timeout time.Duration) error
	// MemoryAddress resolves the address of the value's storage, when it
	// has one.
	MemoryAddress() (uint64, bool)
}

// ParsedExpr is an expression parsed against a frame's context.
type ParsedExpr interface {
	Evaluate(flags EvalFlags, timeout time.Duration) (Value, error)
}

// ExprContext parses expressions in the scope of one stack frame.
type ExprContext interface {
	Parse(expr string) (ParsedExpr, error)
}

// StackFrame is one frame read from a frame enumeration.
type StackFrame interface {
	FunctionName() string
	// Source returns the engine-native source position, or "" and 0 for
	// frames without source.
	Source() (file string, line int)
	// Annotated reports whether this is a synthetic frame with no
	// underlying frame object (e.g. "[external code]" separators).
	Annotated() bool
	InstructionPointer() uint64
	ExprContext() (ExprContext, error)
	// Locals and Arguments return synthetic container values whose
	// children are the frame's local variables and function arguments.
	Locals(flags EvalFlags) (Value, error)
	Arguments(flags EvalFlags) (Value, error)
}

// FrameEnum is a cursor over a thread's call stack.
type FrameEnum interface {
	// Count returns the total number of frames.
	Count() int
	// Read returns up to n frames starting at the cursor position and
	// advances the cursor.
	Read(n int) ([]StackFrame, error)
	// Reset rewinds the cursor to the top of the stack.
	Reset() error
	// Skip advances the cursor by n frames.
	Skip(n int) error
}

// Thread is a live target thread, valid from its ThreadCreate event to its
// ThreadDestroy event.
type Thread interface {
	ID() int
	Name() string
	Frames(flags FrameFlags) (FrameEnum, error)
}

// EventSink receives engine notifications. HandleEvent is called from
// arbitrary engine goroutines; for events marked Synchronous the engine
// blocks until ContinueFromSynchronousEvent is called.
type EventSink interface {
	HandleEvent(ev *Event)
}

// Engine is the abstract native debug engine. All command methods block;
// they may cause events to be delivered to the sink before returning.
type Engine interface {
	// SetEventSink registers the notification sink. Must be called before
	// LaunchSuspended or Attach.
	SetEventSink(sink EventSink)
	// LaunchSuspended creates the target process in a suspended state and
	// returns its pid. The engine follows up with EngineCreate and
	// ProgramCreate events.
	LaunchSuspended(spec LaunchSpec) (pid int, err error)
	// Attach attaches to the process identified by pid.
	Attach(pid int) error
	// ResumeProcess resumes the suspended target after launch.
	ResumeProcess() error
	// TerminateProcess kills the target. A ProgramDestroy event follows.
	TerminateProcess() error
	// Detach detaches from the target, leaving it running.
	Detach() error

	CreatePendingBreakpoint(req BreakpointRequest) (PendingBreakpoint, error)

	// Continue resumes all threads.
	Continue() error
	// Step performs a statement step of the given kind on a thread.
	Step(threadID int, kind StepKind) error
	// CauseBreak asynchronously breaks into the target. The stop is
	// reported through a Break event.
	CauseBreak() error

	SetExceptionState(category ExceptionCategory, state ExceptionState) error

	ReadMemory(addr uint64, count int) ([]byte, error)

	// ContinueFromSynchronousEvent acknowledges a synchronous event,
	// letting the engine resume its event delivery.
	ContinueFromSynchronousEvent(ev *Event)
}

var (
	backendsMu sync.Mutex
	backends   = make(map[string]func() (Engine, error))
)

// Register makes an engine backend available under the given name. It is
// intended to be called from the init function of an engine implementation.
func Register(name string, factory func() (Engine, error)) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[name]; dup {
		panic("engine: Register called twice for backend " + name)
	}
	backends[name] = factory
}

// New instantiates the engine backend registered under name.
func New(name string) (Engine, error) {
	backendsMu.Lock()
	factory := backends[name]
	backendsMu.Unlock()
	if factory == nil {
		return nil, fmt.Errorf("unknown engine backend %q (available: %v)", name, Backends())
	}
	return factory()
}

// Backends returns the names of all registered engine backends.
func Backends() []string {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	r := make([]string, 0, len(backends))
	for name := range backends {
		r = append(r, name)
	}
	sort.Strings(r)
	return r
}
