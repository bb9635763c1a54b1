package engine

import "fmt"

// EventKind identifies an engine notification.
type EventKind int

const (
	// EngineCreate is delivered once, when the engine has initialized.
	EngineCreate EventKind = iota
	// ProgramCreate is delivered when the target program exists but has not
	// yet resumed. It is synchronous: the engine stays suspended until the
	// event is acknowledged.
	ProgramCreate
	// ProgramDestroy is delivered when the target exits or is terminated.
	ProgramDestroy
	ThreadCreate
	ThreadDestroy
	ModuleLoad
	// EntryPoint is delivered when the target reaches its entry point.
	EntryPoint
	// StepComplete is delivered when an outstanding step finishes.
	StepComplete
	// Break is delivered when a CauseBreak request takes effect.
	Break
	// BreakpointHit is delivered when one or more bound breakpoints are hit.
	BreakpointHit
	// Exception is delivered for a runtime exception per the configured
	// exception state.
	Exception
	// BreakpointBound is the authoritative confirmation that a pending
	// breakpoint resolved to a code location.
	BreakpointBound
	// BreakpointError reports that a pending breakpoint could not be bound.
	BreakpointError
	// OutputString carries target output (stdout/stderr).
	OutputString
	// MessageEvent carries an out-of-band engine message, such as a launch
	// failure description or a warning.
	MessageEvent
)

var eventKindNames = map[EventKind]string{
	EngineCreate:    "EngineCreate",
	ProgramCreate:   "ProgramCreate",
	ProgramDestroy:  "ProgramDestroy",
	ThreadCreate:    "ThreadCreate",
	ThreadDestroy:   "ThreadDestroy",
	ModuleLoad:      "ModuleLoad",
	EntryPoint:      "EntryPoint",
	StepComplete:    "StepComplete",
	Break:           "Break",
	BreakpointHit:   "BreakpointHit",
	Exception:       "Exception",
	BreakpointBound: "BreakpointBound",
	BreakpointError: "BreakpointError",
	OutputString:    "OutputString",
	MessageEvent:    "MessageEvent",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// MessageSeverity classifies a MessageEvent.
type MessageSeverity int

const (
	SeverityOutput MessageSeverity = iota
	SeverityWarning
	SeverityError
)

// Event is one engine notification. Kind determines which payload fields are
// meaningful.
type Event struct {
	Kind EventKind
	// Synchronous is set when the engine blocks until the event is
	// acknowledged through ContinueFromSynchronousEvent.
	Synchronous bool
	// ThreadID identifies the firing thread for stopping events and
	// ThreadCreate/ThreadDestroy.
	ThreadID int

	// Thread is set for ThreadCreate.
	Thread Thread

	// ExitCode is set for ProgramDestroy.
	ExitCode int

	// PendingID and BoundLine are set for BreakpointBound; PendingID and
	// Message for BreakpointError.
	PendingID int
	BoundLine int

	// BreakpointIDs lists the pending breakpoints at the stop location for
	// BreakpointHit.
	BreakpointIDs []int

	// ExceptionName, ExceptionDescription and FirstChance are set for
	// Exception.
	ExceptionName        string
	ExceptionDescription string
	FirstChance          bool

	// ModuleName is set for ModuleLoad.
	ModuleName string

	// Output is set for OutputString.
	Output string

	// Message and Severity are set for MessageEvent and BreakpointError.
	Message  string
	Severity MessageSeverity
}
