package dap

import (
	"fmt"
	"time"

	"github.com/google/go-dap"

	"github.com/strutdbg/strut/pkg/telemetry"
	"github.com/strutdbg/strut/service/engine"
)

// eventHandlers pairs the two kinds of handlers an event kind can have: a
// synchronous one, run to completion on the engine's delivery goroutine, and
// an asynchronous continuation, run on a session worker. A synchronous
// engine event is acknowledged back to the engine only after the
// asynchronous continuation (if any) finishes. This ordering exists
// specifically for ProgramCreate, whose continuation blocks until the client
// finishes configuration; acknowledging early would let the engine resume
// before breakpoints land.
type eventHandlers struct {
	sync  func(ev *engine.Event)
	async func(ev *engine.Event)
}

// buildEventHandlers builds the fixed event kind -> handler table. Built
// once at session construction; dispatch never consults anything else.
func (s *Session) buildEventHandlers() map[engine.EventKind]eventHandlers {
	return map[engine.EventKind]eventHandlers{
		engine.EngineCreate:    {sync: s.onEngineCreate},
		engine.ProgramCreate:   {sync: s.onProgramCreate, async: s.onProgramCreateContinuation},
		engine.ProgramDestroy:  {sync: s.onProgramDestroy},
		engine.ThreadCreate:    {sync: s.onThreadCreate},
		engine.ThreadDestroy:   {sync: s.onThreadDestroy},
		engine.ModuleLoad:      {sync: s.onModuleLoad},
		engine.EntryPoint:      {async: s.onEntryPoint},
		engine.StepComplete:    {async: s.onStepComplete},
		engine.Break:           {async: s.onBreak},
		engine.BreakpointHit:   {async: s.onBreakpointHit},
		engine.Exception:       {async: s.onException},
		engine.BreakpointBound: {sync: s.onBreakpointBound},
		engine.BreakpointError: {sync: s.onBreakpointError},
		engine.OutputString:    {sync: s.onOutputString},
		engine.MessageEvent:    {sync: s.onMessageEvent},
	}
}

// HandleEvent is the engine's notification sink. It is called from arbitrary
// engine goroutines, without ordering guarantees relative to in-flight
// requests.
func (s *Session) HandleEvent(ev *engine.Event) {
	s.evlog.Debugf("[<- from engine] %s (sync=%v thread=%d)", ev.Kind, ev.Synchronous, ev.ThreadID)
	h, ok := s.handlers[ev.Kind]
	if !ok {
		s.evlog.Errorf("no handler registered for %s event", ev.Kind)
		s.ackEvent(ev)
		return
	}
	if h.sync != nil {
		h.sync(ev)
	}
	if h.async == nil {
		s.ackEvent(ev)
		return
	}
	s.runAsync(ev.Kind.String(), func() {
		h.async(ev)
		s.ackEvent(ev)
	})
}

// ackEvent tells the engine that evaluation of a synchronous event is
// complete.
func (s *Session) ackEvent(ev *engine.Event) {
	if !ev.Synchronous {
		return
	}
	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()
	if eng != nil {
		eng.ContinueFromSynchronousEvent(ev)
	}
}

func (s *Session) onEngineCreate(ev *engine.Event) {
	s.evlog.Debug("engine created")
}

func (s *Session) onProgramCreate(ev *engine.Event) {
	s.evlog.Debug("program created")
}

// onProgramCreateContinuation holds the program-create acknowledgement until
// the client's configuration sequence completes, so that breakpoints and
// exception filters sent before resume are honored. Disconnect releases the
// gate unconditionally; there is no other way out.
func (s *Session) onProgramCreateContinuation(ev *engine.Event) {
	<-s.configDone
}

func (s *Session) onProgramDestroy(ev *engine.Event) {
	s.mu.Lock()
	alreadyTerminated := s.status == statusTerminated
	s.status = statusTerminated
	breakCount := s.breakCount
	elapsed := time.Since(s.startTime)
	s.mu.Unlock()

	s.clearStopState()
	s.threads.reset()
	s.terminatedOnce.Do(func() { close(s.terminated) })
	// Nothing else will ever wait on configuration now.
	s.releaseConfigDone()

	if alreadyTerminated {
		return
	}
	s.tel.TimedEvent("debugSession", elapsed, telemetry.Props{
		"breakpointHits": breakCount,
		"exitCode":       ev.ExitCode,
	})

	e := &dap.ExitedEvent{Event: *newEvent("exited")}
	e.Body.ExitCode = ev.ExitCode
	s.send(e)
	s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
}

func (s *Session) onThreadCreate(ev *engine.Event) {
	if ev.Thread != nil {
		s.threads.add(ev.Thread)
	}
	e := &dap.ThreadEvent{Event: *newEvent("thread")}
	e.Body.Reason = "started"
	e.Body.ThreadId = ev.ThreadID
	s.send(e)
}

func (s *Session) onThreadDestroy(ev *engine.Event) {
	s.threads.remove(ev.ThreadID)
	e := &dap.ThreadEvent{Event: *newEvent("thread")}
	e.Body.Reason = "exited"
	e.Body.ThreadId = ev.ThreadID
	s.send(e)
}

func (s *Session) onModuleLoad(ev *engine.Event) {
	s.sendOutput("console", fmt.Sprintf("Loaded '%s'.", ev.ModuleName))
}

func (s *Session) onEntryPoint(ev *engine.Event) {
	s.mu.Lock()
	stopOnEntry := s.args.stopOnEntry
	s.mu.Unlock()
	if !stopOnEntry {
		if err := s.engine.Continue(); err != nil {
			s.evlog.Errorf("error continuing past entry point: %v", err)
		}
		return
	}
	s.handleStop(ev.ThreadID, "entry", "")
}

func (s *Session) onStepComplete(ev *engine.Event) {
	s.handleStop(ev.ThreadID, "step", "")
}

func (s *Session) onBreak(ev *engine.Event) {
	s.handleStop(ev.ThreadID, "pause", "")
}

// onBreakpointHit distinguishes tracepoint-only hits, which log their
// message and silently resume, from real breakpoint stops. A tracepoint hit
// while a step is in flight still stops, so the client sees the step
// complete.
func (s *Session) onBreakpointHit(ev *engine.Event) {
	entries := s.breakpoints.byPendingIDs(ev.BreakpointIDs)
	tracepoints := 0
	for _, entry := range entries {
		if entry.logMessage != "" {
			tracepoints++
			s.logTracepointMessage(entry, ev.ThreadID)
		}
	}
	s.mu.Lock()
	stepping := s.stepping
	s.mu.Unlock()
	if tracepoints > 0 && tracepoints == len(entries) && !stepping {
		if err := s.engine.Continue(); err != nil {
			s.evlog.Errorf("error resuming after tracepoint: %v", err)
			s.handleStop(ev.ThreadID, "breakpoint", "")
		}
		return
	}
	s.handleStop(ev.ThreadID, "breakpoint", "")
}

func (s *Session) onException(ev *engine.Event) {
	s.mu.Lock()
	breakFirstChance := s.breakOnFirstChance
	breakUnhandled := s.breakOnUnhandled
	s.mu.Unlock()

	if ev.FirstChance && !breakFirstChance {
		if err := s.engine.Continue(); err != nil {
			s.evlog.Errorf("error continuing past first chance exception: %v", err)
		}
		return
	}
	if !ev.FirstChance && !breakUnhandled {
		if err := s.engine.Continue(); err != nil {
			s.evlog.Errorf("error continuing past exception: %v", err)
		}
		return
	}
	text := ev.ExceptionName
	if ev.ExceptionDescription != "" {
		text = fmt.Sprintf("%s: %s", ev.ExceptionName, ev.ExceptionDescription)
	}
	s.handleStop(ev.ThreadID, "exception", text)
}

// onBreakpointBound overwrites the optimistically recorded bind result with
// the engine's authoritative one and re-emits a changed breakpoint event.
func (s *Session) onBreakpointBound(ev *engine.Event) {
	entry := s.breakpoints.confirmBound(ev.PendingID, ev.BoundLine)
	if entry == nil {
		s.evlog.Errorf("breakpoint bound notification for unknown pending id %d", ev.PendingID)
		return
	}
	s.sendBreakpointChanged(entry)
}

func (s *Session) onBreakpointError(ev *engine.Event) {
	entry := s.breakpoints.markFailed(ev.PendingID, ev.Message)
	if entry == nil {
		s.evlog.Errorf("breakpoint error notification for unknown pending id %d", ev.PendingID)
		return
	}
	s.sendBreakpointChanged(entry)
}

func (s *Session) sendBreakpointChanged(entry *breakpointEntry) {
	e := &dap.BreakpointEvent{Event: *newEvent("breakpoint")}
	e.Body.Reason = "changed"
	e.Body.Breakpoint = s.toClientBreakpoint(entry)
	s.send(e)
}

func (s *Session) onOutputString(ev *engine.Event) {
	e := &dap.OutputEvent{Event: *newEvent("output")}
	e.Body.Category = "stdout"
	e.Body.Output = ev.Output
	s.send(e)
}

// onMessageEvent buffers error messages that arrive while a launch or attach
// call is in flight; the launch path reports them as the failure cause in
// preference to the engine's generic result code. Anything else is relayed
// as console output.
func (s *Session) onMessageEvent(ev *engine.Event) {
	s.mu.Lock()
	launching := s.status == statusLaunching || s.status == statusAttaching
	if launching && ev.Severity == engine.SeverityError {
		s.launchMsg = ev.Message
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	prefix := ""
	if ev.Severity == engine.SeverityWarning {
		prefix = "Warning: "
	}
	s.sendOutput("console", prefix+ev.Message)
}
