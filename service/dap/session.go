package dap

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/go-dap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/strutdbg/strut/pkg/logflags"
	"github.com/strutdbg/strut/pkg/telemetry"
	"github.com/strutdbg/strut/service"
	"github.com/strutdbg/strut/service/engine"
)

// sessionStatus tracks where the session is in its lifecycle:
// not started -> launching/attaching -> running <-> stopped -> terminated.
type sessionStatus int

const (
	statusNotStarted sessionStatus = iota
	statusLaunching
	statusAttaching
	statusRunning
	statusStopped
	statusTerminated
)

func (s sessionStatus) String() string {
	switch s {
	case statusNotStarted:
		return "not started"
	case statusLaunching:
		return "launching"
	case statusAttaching:
		return "attaching"
	case statusRunning:
		return "running"
	case statusStopped:
		return "stopped"
	case statusTerminated:
		return "terminated"
	}
	return fmt.Sprintf("sessionStatus(%d)", int(s))
}

const (
	defaultEvalTimeout    = 5 * time.Second
	defaultDisconnectWait = 5 * time.Second
)

// Session serves one debugging session: it processes the client's requests
// serially on the server's run goroutine and the engine's notifications on
// the engine's goroutines plus session workers. Almost every field is
// therefore subject to concurrent access from two directions; mu protects
// short, non-blocking mutations of the scalar state and must never be held
// across a call into the engine or across I/O.
type Session struct {
	config *service.Config
	id     string

	// conn is the accepted client connection.
	conn net.Conn
	// reader is used to read requests from the connection.
	reader *bufio.Reader
	// sendingMu serializes writes to conn, which happen from both the
	// request-handling goroutine and event workers.
	sendingMu sync.Mutex

	log   *logrus.Entry
	evlog *logrus.Entry
	tel   telemetry.Reporter

	// engine is the native debug engine. Set on launch/attach.
	engine engine.Engine
	// handlers routes engine event kinds to their handlers. Built once at
	// session construction.
	handlers map[engine.EventKind]eventHandlers

	mu        sync.Mutex
	status    sessionStatus
	stepping  bool
	attached  bool
	coreDump  bool
	pid       int
	launchMsg string // buffered out-of-band engine message during launch/attach
	// breakCount accumulates the number of stops for the termination
	// telemetry summary.
	breakCount int
	startTime  time.Time
	// exception filter configuration from setExceptionBreakpoints.
	breakOnFirstChance bool
	breakOnUnhandled   bool

	// args tracks special settings for handling debug session requests.
	args launchAttachArgs

	evalTimeout    time.Duration
	disconnectWait time.Duration

	// configDone gates the engine's program-create continuation until the
	// client finishes breakpoint/exception configuration. Disconnect and
	// teardown release it unconditionally to avoid a permanent stall.
	configDone     chan struct{}
	configDoneOnce sync.Once
	// terminated is closed when the engine reports program destruction;
	// disconnect waits on it with a bounded timeout.
	terminated     chan struct{}
	terminatedOnce sync.Once

	// exited is set once the disconnect response went out; the server stops
	// reading requests at that point.
	exited bool

	paths   *pathMapper
	threads *threadRegistry
	// stackFrameHandles maps frames of each thread to unique ids across all
	// threads. Cleared on every transition out of the stopped state.
	stackFrameHandles *handlesMap
	// variableHandles maps compound variables to unique references within
	// their stop. Cleared on every transition out of the stopped state.
	variableHandles *handlesMap
	frameCursors    *cursorMap
	breakpoints     *breakpointTable

	// workers tracks in-flight asynchronous continuations of engine events.
	workers sync.WaitGroup
	// startedOnce emits the one-time "debugging started" status line on the
	// first stop of the session.
	startedOnce sync.Once
}

// launchAttachArgs captures arguments from launch/attach request that
// impact handling of subsequent requests.
type launchAttachArgs struct {
	stopOnEntry        bool
	justMyCode         bool
	requireExactSource bool
	stepFiltering      bool
}

var defaultArgs = launchAttachArgs{
	stopOnEntry:   false,
	justMyCode:    true,
	stepFiltering: true,
}

// NewSession creates a session for a newly accepted client connection. The
// engine is not created until a launch or attach request arrives.
func NewSession(conn net.Conn, config *service.Config) *Session {
	sessID := uuid.New().String()
	s := &Session{
		config:            config,
		id:                sessID,
		conn:              conn,
		reader:            bufio.NewReader(conn),
		log:               logflags.DAPLogger().WithField("session", sessID),
		evlog:             logflags.EventsLogger().WithField("session", sessID),
		tel:               telemetry.NewLogReporter(sessID),
		args:              defaultArgs,
		evalTimeout:       defaultEvalTimeout,
		disconnectWait:    defaultDisconnectWait,
		configDone:        make(chan struct{}),
		terminated:        make(chan struct{}),
		threads:           newThreadRegistry(),
		stackFrameHandles: newHandlesMap(),
		variableHandles:   newHandlesMap(),
		frameCursors:      newCursorMap(),
		startTime:         time.Now(),
	}
	var fileRules []SubstitutePath
	if config.File != nil {
		if config.File.EvalTimeout > 0 {
			s.evalTimeout = config.File.EvalTimeout
		}
		if config.File.DisconnectWait > 0 {
			s.disconnectWait = config.File.DisconnectWait
		}
		for _, r := range config.File.SubstitutePath {
			fileRules = append(fileRules, SubstitutePath{From: r.From, To: r.To})
		}
	}
	s.paths = newPathMapper(nil)
	for _, r := range fileRules {
		s.paths.addRule(r.From, r.To)
	}
	s.breakpoints = newBreakpointTable()
	s.handlers = s.buildEventHandlers()
	return s
}

// Close tears down the session: it releases the configuration gate in case
// an engine continuation is still blocked on it, shuts down the engine and
// waits for outstanding event workers.
func (s *Session) Close() {
	s.releaseConfigDone()
	s.mu.Lock()
	eng := s.engine
	status := s.status
	attached := s.attached
	s.mu.Unlock()
	if eng != nil && status != statusNotStarted && status != statusTerminated {
		var err error
		if attached {
			err = eng.Detach()
		} else {
			err = eng.TerminateProcess()
		}
		if err != nil {
			s.log.Error(err)
		}
	}
	s.workers.Wait()
	s.conn.Close()
}

// disconnected reports whether the disconnect sequence completed and the
// server should stop reading requests.
func (s *Session) disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

func (s *Session) handleRequest(request dap.Message) {
	defer func() {
		// In case a handler panics, we catch the panic and send an error
		// response back to the client.
		if ierr := recover(); ierr != nil {
			s.log.Errorf("recovered panic: %v", ierr)
			s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("%v", ierr))
		}
	}()

	jsonmsg, _ := json.Marshal(request)
	s.log.Debug("[<- from client]", string(jsonmsg))

	switch request := request.(type) {
	case *dap.InitializeRequest:
		s.onInitializeRequest(request)
	case *dap.LaunchRequest:
		s.onLaunchRequest(request)
	case *dap.AttachRequest:
		s.onAttachRequest(request)
	case *dap.DisconnectRequest:
		s.onDisconnectRequest(request)
	case *dap.ConfigurationDoneRequest:
		s.onConfigurationDoneRequest(request)
	case *dap.ContinueRequest:
		s.onContinueRequest(request)
	case *dap.NextRequest:
		s.onNextRequest(request)
	case *dap.StepInRequest:
		s.onStepInRequest(request)
	case *dap.StepOutRequest:
		s.onStepOutRequest(request)
	case *dap.PauseRequest:
		s.onPauseRequest(request)
	case *dap.StackTraceRequest:
		s.onStackTraceRequest(request)
	case *dap.ScopesRequest:
		s.onScopesRequest(request)
	case *dap.VariablesRequest:
		s.onVariablesRequest(request)
	case *dap.SetVariableRequest:
		s.onSetVariableRequest(request)
	case *dap.ThreadsRequest:
		s.onThreadsRequest(request)
	case *dap.SetBreakpointsRequest:
		s.onSetBreakpointsRequest(request)
	case *dap.SetFunctionBreakpointsRequest:
		s.onSetFunctionBreakpointsRequest(request)
	case *dap.SetExceptionBreakpointsRequest:
		s.onSetExceptionBreakpointsRequest(request)
	case *dap.EvaluateRequest:
		s.onEvaluateRequest(request)
	case *dap.ReadMemoryRequest:
		s.onReadMemoryRequest(request)
	case *dap.SourceRequest:
		// Sources always live on disk; there is nothing to fabricate here.
		s.sendErrorResponse(request.Request, NoSourceSupport,
			"Unsupported command", "source requests are not supported")
	case *dap.TerminateRequest,
		*dap.RestartRequest,
		*dap.StepBackRequest,
		*dap.ReverseContinueRequest,
		*dap.RestartFrameRequest,
		*dap.GotoRequest,
		*dap.SetExpressionRequest,
		*dap.TerminateThreadsRequest,
		*dap.StepInTargetsRequest,
		*dap.GotoTargetsRequest,
		*dap.CompletionsRequest,
		*dap.ExceptionInfoRequest,
		*dap.LoadedSourcesRequest,
		*dap.DataBreakpointInfoRequest,
		*dap.SetDataBreakpointsRequest,
		*dap.DisassembleRequest,
		*dap.CancelRequest,
		*dap.ModulesRequest,
		*dap.BreakpointLocationsRequest:
		r := request.(dap.RequestMessage).GetRequest()
		s.sendUnsupportedErrorResponse(*r)
	default:
		// This is a DAP message that go-dap has a struct for, so decoding
		// succeeded, but this handler does not know about.
		s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("Unable to process %#v", request))
	}
}

func (s *Session) send(message dap.Message) {
	jsonmsg, _ := json.Marshal(message)
	s.log.Debug("[-> to client]", string(jsonmsg))
	s.sendingMu.Lock()
	defer s.sendingMu.Unlock()
	dap.WriteProtocolMessage(s.conn, message)
}

func (s *Session) onInitializeRequest(request *dap.InitializeRequest) {
	s.paths.setClientCapabilities(request.Arguments.LinesStartAt1, request.Arguments.PathFormat)
	response := &dap.InitializeResponse{Response: *newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsFunctionBreakpoints = true
	response.Body.SupportsConditionalBreakpoints = true
	response.Body.SupportsEvaluateForHovers = true
	response.Body.SupportsSetVariable = true
	response.Body.SupportsLogPoints = true
	response.Body.SupportsReadMemoryRequest = true
	response.Body.SupportsClipboardContext = true
	response.Body.ExceptionBreakpointFilters = []dap.ExceptionBreakpointsFilter{
		{Filter: exceptionFilterAll, Label: "All Exceptions"},
		{Filter: exceptionFilterUserUnhandled, Label: "Uncaught Exceptions", Default: true},
	}
	s.send(response)
}

func (s *Session) onLaunchRequest(request *dap.LaunchRequest) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != statusNotStarted {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
			fmt.Sprintf("debug session already %s", status))
		return
	}

	var args LaunchConfig
	if err := unmarshalLaunchAttachArgs(request.Arguments, &args); err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}
	if args.Program == "" && args.CoreDumpPath == "" {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
			"The program attribute is missing in debug configuration.")
		return
	}
	if args.Program != "" {
		if _, err := os.Stat(args.Program); err != nil {
			s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
				fmt.Sprintf("program %q does not exist", args.Program))
			return
		}
	}

	if err := s.startEngine(args.Backend); err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}
	s.applyCommonConfig(args.LaunchAttachCommonConfig)

	s.mu.Lock()
	s.status = statusLaunching
	s.coreDump = args.CoreDumpPath != ""
	s.launchMsg = ""
	s.mu.Unlock()

	pid, err := s.engine.LaunchSuspended(engine.LaunchSpec{
		Program:    args.Program,
		Args:       args.Args,
		WorkingDir: args.Cwd,
		Env:        args.Env,
		CoreFile:   args.CoreDumpPath,
	})
	if err != nil {
		// An out-of-band engine message captured during the launch call
		// takes priority over the generic failure.
		details := err.Error()
		if msg := s.takeLaunchMsg(); msg != "" {
			details = msg
		}
		s.mu.Lock()
		s.status = statusNotStarted
		s.mu.Unlock()
		s.tel.Error("launch", err, telemetry.Props{"coreDump": args.CoreDumpPath != ""})
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", details)
		return
	}
	s.mu.Lock()
	s.pid = pid
	s.mu.Unlock()
	// A message captured during a successful launch is demoted to a console
	// status line.
	if msg := s.takeLaunchMsg(); msg != "" {
		s.sendOutput("console", msg)
	}

	// Notify the client that the session is ready to start accepting
	// configuration requests for setting breakpoints, etc. The client will
	// end the configuration sequence with 'configurationDone'.
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
	s.send(&dap.LaunchResponse{Response: *newResponse(request.Request)})
}

func (s *Session) onAttachRequest(request *dap.AttachRequest) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != statusNotStarted {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach",
			fmt.Sprintf("debug session already %s", status))
		return
	}

	var args AttachConfig
	if err := unmarshalLaunchAttachArgs(request.Arguments, &args); err != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", err.Error())
		return
	}
	if args.ProcessID == 0 {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach",
			"The processId attribute is missing in debug configuration.")
		return
	}

	if err := s.startEngine(args.Backend); err != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", err.Error())
		return
	}
	s.applyCommonConfig(args.LaunchAttachCommonConfig)

	s.mu.Lock()
	s.status = statusAttaching
	s.attached = true
	s.launchMsg = ""
	s.mu.Unlock()

	if err := s.engine.Attach(args.ProcessID); err != nil {
		details := err.Error()
		if msg := s.takeLaunchMsg(); msg != "" {
			details = msg
		}
		s.mu.Lock()
		s.status = statusNotStarted
		s.attached = false
		s.mu.Unlock()
		s.tel.Error("attach", err, nil)
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", details)
		return
	}
	s.mu.Lock()
	s.pid = args.ProcessID
	s.mu.Unlock()
	if msg := s.takeLaunchMsg(); msg != "" {
		s.sendOutput("console", msg)
	}

	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
	s.send(&dap.AttachResponse{Response: *newResponse(request.Request)})
}

// startEngine instantiates the engine backend and registers the session as
// its event sink.
func (s *Session) startEngine(backend string) error {
	conf := *s.config
	if backend != "" {
		conf.EngineBackend = backend
		conf.EngineFactory = nil
	}
	eng, err := conf.NewEngine()
	if err != nil {
		return err
	}
	eng.SetEventSink(s)
	s.mu.Lock()
	s.engine = eng
	s.mu.Unlock()
	return nil
}

func (s *Session) applyCommonConfig(cfg LaunchAttachCommonConfig) {
	s.mu.Lock()
	s.args.stopOnEntry = cfg.StopOnEntry
	s.args.justMyCode = cfg.JustMyCodeOrDefault()
	s.args.requireExactSource = cfg.RequireExactSource
	s.args.stepFiltering = cfg.StepFilteringOrDefault()
	s.mu.Unlock()
	for _, rule := range cfg.SubstitutePath {
		s.paths.addRule(rule.From, rule.To)
	}
}

// takeLaunchMsg consumes the out-of-band engine message buffered during a
// launch or attach call.
func (s *Session) takeLaunchMsg() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.launchMsg
	s.launchMsg = ""
	return msg
}

func (s *Session) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	s.releaseConfigDone()
	s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})

	s.mu.Lock()
	coreDump := s.coreDump
	status := s.status
	s.mu.Unlock()

	switch {
	case coreDump:
		// A core dump session has nothing to resume: it starts out stopped.
		s.setStopped()
		e := &dap.StoppedEvent{Event: *newEvent("stopped")}
		e.Body.Reason = "entry"
		e.Body.ThreadId = s.threads.anyID()
		e.Body.AllThreadsStopped = true
		s.send(e)
	case status == statusLaunching:
		// Mark the session running before resuming: the engine may deliver
		// the entry-point notification before ResumeProcess returns, and the
		// resulting stop must not be overwritten.
		s.setRunning()
		if err := s.engine.ResumeProcess(); err != nil {
			s.log.Errorf("error resuming process: %v", err)
		}
	default:
		s.setRunning()
	}
}

// releaseConfigDone releases the gate holding the engine's program-create
// continuation. Safe to call multiple times; disconnect and teardown call it
// unconditionally.
func (s *Session) releaseConfigDone() {
	s.configDoneOnce.Do(func() { close(s.configDone) })
}

// setRunning promotes a launching or attaching session to running. A stop
// that has already been delivered wins over the promotion.
func (s *Session) setRunning() {
	s.mu.Lock()
	if s.status == statusLaunching || s.status == statusAttaching {
		s.status = statusRunning
	}
	s.mu.Unlock()
}

func (s *Session) setStopped() {
	s.mu.Lock()
	s.status = statusStopped
	s.mu.Unlock()
}

func (s *Session) onDisconnectRequest(request *dap.DisconnectRequest) {
	// In case configuration was never completed, release the engine's
	// program-create continuation so teardown cannot deadlock on it.
	s.releaseConfigDone()

	s.mu.Lock()
	eng := s.engine
	status := s.status
	attached := s.attached
	s.mu.Unlock()

	if eng != nil && status != statusNotStarted && status != statusTerminated {
		// An attached-to process, or one the client asked to keep, is
		// detached from; a launched one is terminated.
		keepAlive := attached && (request.Arguments == nil || !request.Arguments.TerminateDebuggee)
		var err error
		if keepAlive {
			err = eng.Detach()
		} else {
			err = eng.TerminateProcess()
		}
		if err != nil {
			// The client does not interpret disconnect failures; degrade to
			// a warning.
			s.log.Warnf("error while disconnecting: %v", err)
		} else if !keepAlive {
			select {
			case <-s.terminated:
			case <-time.After(s.disconnectWait):
				s.log.Warnf("timeout waiting for process termination notification")
			}
		}
	}

	// Disconnect is never answered with a failure.
	s.send(&dap.DisconnectResponse{Response: *newResponse(request.Request)})
	s.mu.Lock()
	s.status = statusTerminated
	s.exited = true
	s.mu.Unlock()
}

func (s *Session) onContinueRequest(request *dap.ContinueRequest) {
	s.mu.Lock()
	if s.status != statusStopped {
		s.mu.Unlock()
		s.sendErrorResponse(request.Request, TargetNotStopped, "Unable to continue", "target not stopped")
		return
	}
	if s.coreDump {
		s.mu.Unlock()
		s.sendErrorResponse(request.Request, UnableToContinue, "Unable to continue",
			"execution control is not supported for core dump sessions")
		return
	}
	s.status = statusRunning
	s.mu.Unlock()

	s.clearStopState()
	if err := s.engine.Continue(); err != nil {
		s.setStopped()
		s.sendErrorResponse(request.Request, UnableToContinue, "Unable to continue", err.Error())
		return
	}
	response := &dap.ContinueResponse{Response: *newResponse(request.Request)}
	response.Body.AllThreadsContinued = true
	s.send(response)
}

func (s *Session) onNextRequest(request *dap.NextRequest) {
	s.stepUntilStopAndRespond(request.Request, request.Arguments.ThreadId, engine.StepOver)
}

func (s *Session) onStepInRequest(request *dap.StepInRequest) {
	s.stepUntilStopAndRespond(request.Request, request.Arguments.ThreadId, engine.StepInto)
}

func (s *Session) onStepOutRequest(request *dap.StepOutRequest) {
	s.stepUntilStopAndRespond(request.Request, request.Arguments.ThreadId, engine.StepOut)
}

// stepUntilStopAndRespond issues a blocking step command of the given kind.
// A step request received while the target is not stopped is a no-op rather
// than an error: clients routinely double-tap step keys.
func (s *Session) stepUntilStopAndRespond(request dap.Request, threadID int, kind engine.StepKind) {
	s.mu.Lock()
	if s.status != statusStopped {
		s.mu.Unlock()
		s.log.Debugf("ignoring step %v request while %s", kind, s.statusString())
		s.send(newStepResponse(request))
		return
	}
	if s.coreDump {
		s.mu.Unlock()
		s.sendErrorResponse(request, UnableToStep, "Unable to step",
			"execution control is not supported for core dump sessions")
		return
	}
	s.stepping = true
	s.status = statusRunning
	s.mu.Unlock()

	s.clearStopState()
	if err := s.engine.Step(threadID, kind); err != nil {
		s.mu.Lock()
		s.stepping = false
		s.status = statusStopped
		s.mu.Unlock()
		s.sendErrorResponse(request, UnableToStep, "Unable to step", err.Error())
		return
	}
	s.send(newStepResponse(request))
}

func newStepResponse(request dap.Request) dap.Message {
	switch request.Command {
	case "next":
		return &dap.NextResponse{Response: *newResponse(request)}
	case "stepIn":
		return &dap.StepInResponse{Response: *newResponse(request)}
	case "stepOut":
		return &dap.StepOutResponse{Response: *newResponse(request)}
	}
	return &dap.Response{ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Command: request.Command, RequestSeq: request.Seq, Success: true}
}

func (s *Session) statusString() string {
	// callers hold no lock; this is for log messages only
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.String()
}

func (s *Session) onPauseRequest(request *dap.PauseRequest) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status == statusStopped {
		// Already stopped; nothing to interrupt.
		s.send(&dap.PauseResponse{Response: *newResponse(request.Request)})
		return
	}
	if status != statusRunning {
		s.sendErrorResponse(request.Request, UnableToPause, "Unable to pause",
			fmt.Sprintf("target is %s", status))
		return
	}
	// No synchronous effect: the stop is established only when the engine's
	// own break notification arrives.
	if err := s.engine.CauseBreak(); err != nil {
		s.sendErrorResponse(request.Request, UnableToPause, "Unable to pause", err.Error())
		return
	}
	s.send(&dap.PauseResponse{Response: *newResponse(request.Request)})
}

func (s *Session) onThreadsRequest(request *dap.ThreadsRequest) {
	threads := s.threads.snapshot()
	body := dap.ThreadsResponseBody{}
	if len(threads) == 0 {
		// The DAP spec states that "even if a debug adapter does not support
		// multiple threads, it must implement the threads request and return
		// a single (dummy) thread".
		body.Threads = []dap.Thread{{Id: 1, Name: "Dummy"}}
	} else {
		body.Threads = make([]dap.Thread, len(threads))
		for i, th := range threads {
			name := th.Name()
			if name == "" {
				name = fmt.Sprintf("Thread %d", th.ID())
			}
			body.Threads[i] = dap.Thread{Id: th.ID(), Name: name}
		}
	}
	s.send(&dap.ThreadsResponse{Response: *newResponse(request.Request), Body: body})
}

// clearStopState drops every piece of per-stop state: frame and variable
// handles and the frame enumeration cursors. Called on every transition out
// of the stopped state so that no handle survives across two distinct stops.
func (s *Session) clearStopState() {
	s.stackFrameHandles.reset()
	s.variableHandles.reset()
	s.frameCursors.reset()
}

// checkStopStateEmpty asserts the invariant that per-stop state was cleared
// by the preceding resume before a new stop is recorded.
func (s *Session) checkStopStateEmpty() {
	if n := s.stackFrameHandles.size(); n > 0 {
		s.log.Errorf("internal error: %d stack frame handles survived a resume", n)
	}
	if n := s.variableHandles.size(); n > 0 {
		s.log.Errorf("internal error: %d variable handles survived a resume", n)
	}
	if n := s.frameCursors.size(); n > 0 {
		s.log.Errorf("internal error: %d frame cursors survived a resume", n)
	}
}

// handleStop records the transition into the stopped state and emits the
// stop notification. It always runs on a session worker, never on the
// engine's own event delivery goroutine, because reading the stopping
// thread's top frame calls back into the engine.
func (s *Session) handleStop(threadID int, reason, text string) {
	s.mu.Lock()
	if s.status == statusTerminated {
		s.mu.Unlock()
		return
	}
	s.status = statusStopped
	s.stepping = false
	s.breakCount++
	breakCount := s.breakCount
	s.mu.Unlock()

	s.checkStopStateEmpty()

	s.startedOnce.Do(func() {
		s.sendOutput("console", "Debugging started.")
	})

	// Resolve the stop location for logging and telemetry. Annotated frames
	// carry no source; skip to the first real one.
	if file, line, ok := s.topFrameLocation(threadID); ok {
		s.log.Debugf("stopped (%s) at %s:%d", reason, file, line)
		s.tel.Event("stop", telemetry.Props{"reason": reason, "count": breakCount,
			"hasSource": file != ""})
	} else {
		s.tel.Event("stop", telemetry.Props{"reason": reason, "count": breakCount})
	}

	e := &dap.StoppedEvent{Event: *newEvent("stopped")}
	e.Body.Reason = reason
	e.Body.ThreadId = threadID
	e.Body.Text = text
	e.Body.AllThreadsStopped = true
	s.send(e)
}

// topFrameLocation reads the stopping thread's top non-annotated frame off
// the engine and resolves its source position.
func (s *Session) topFrameLocation(threadID int) (file string, line int, ok bool) {
	frame, found := s.topFrame(threadID)
	if !found {
		return "", 0, false
	}
	f, l := frame.Source()
	return s.paths.toClientPath(f), s.paths.toClientLine(l), true
}

func (s *Session) sendOutput(category, output string) {
	e := &dap.OutputEvent{Event: *newEvent("output")}
	e.Body.Category = category
	e.Body.Output = output + "\n"
	s.send(e)
}

// runAsync runs f on a session worker goroutine, tracked so that Close can
// wait for in-flight work.
func (s *Session) runAsync(name string, f func()) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer func() {
			if ierr := recover(); ierr != nil {
				s.log.Errorf("recovered panic in %s worker: %v", name, ierr)
			}
		}()
		f()
	}()
}

func (s *Session) sendErrorResponse(request dap.Request, id int, summary, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.Command = request.Command
	er.RequestSeq = request.Seq
	er.Success = false
	er.Message = summary
	er.Body.Error = &dap.ErrorMessage{
		Id:     id,
		Format: fmt.Sprintf("%s: %s", summary, details),
	}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

// sendInternalErrorResponse sends an "internal error" response back to the
// client. We only take a seq here because we don't want to make assumptions
// about the kind of message received by the server that this error is a
// reply to.
func (s *Session) sendInternalErrorResponse(seq int, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.RequestSeq = seq
	er.Success = false
	er.Message = "Internal Error"
	er.Body.Error = &dap.ErrorMessage{
		Id:     InternalError,
		Format: fmt.Sprintf("%s: %s", er.Message, details),
	}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

func (s *Session) sendUnsupportedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, UnsupportedCommand, "Unsupported command",
		fmt.Sprintf("cannot process %q request", request.Command))
}

func newResponse(request dap.Request) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    request.Command,
		RequestSeq: request.Seq,
		Success:    true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}
