// Package daptest provides a synthetic DAP client with utilities for
// testing the debug adapter. All client methods are synchronous.
package daptest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"testing"

	"github.com/google/go-dap"
)

// Client speaks DAP over a single connection. Requests are fire-and-forget;
// tests pair them with the Expect methods, which read exactly one message
// and fail the test if its type does not match.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	// seq tracks the sequence number of the requests the client sends.
	seq int
}

// NewClient creates a new Client over a TCP connection.
// Call Close() to close the connection.
func NewClient(addr string) *Client {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatal("dialing:", err)
	}
	return NewClientFromConn(conn)
}

// NewClientFromConn creates a new Client with the given connection.
// Call Close() to close the connection.
func NewClientFromConn(conn net.Conn) *Client {
	return &Client{conn: conn, reader: bufio.NewReader(conn)}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.conn.Close()
}

func (c *Client) send(request dap.Message) {
	dap.WriteProtocolMessage(c.conn, request)
}

// ReadMessage reads one protocol message of any type.
func (c *Client) ReadMessage() (dap.Message, error) {
	return dap.ReadProtocolMessage(c.reader)
}

func (c *Client) expectReadProtocolMessage(t *testing.T) dap.Message {
	t.Helper()
	m, err := dap.ReadProtocolMessage(c.reader)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func (c *Client) ExpectInitializeResponse(t *testing.T) *dap.InitializeResponse {
	t.Helper()
	initResp := c.expectMessage(t, &dap.InitializeResponse{}).(*dap.InitializeResponse)
	if !initResp.Body.SupportsConfigurationDoneRequest {
		t.Errorf("got %#v, want SupportsConfigurationDoneRequest=true", initResp)
	}
	return initResp
}

// expectMessage reads one message and fails the test when its concrete type
// differs from want's.
func (c *Client) expectMessage(t *testing.T, want dap.Message) dap.Message {
	t.Helper()
	m := c.expectReadProtocolMessage(t)
	if fmt.Sprintf("%T", m) != fmt.Sprintf("%T", want) {
		t.Fatalf("got %#v, want %T", m, want)
	}
	return m
}

func (c *Client) ExpectInitializedEvent(t *testing.T) *dap.InitializedEvent {
	t.Helper()
	return c.expectMessage(t, &dap.InitializedEvent{}).(*dap.InitializedEvent)
}

func (c *Client) ExpectLaunchResponse(t *testing.T) *dap.LaunchResponse {
	t.Helper()
	return c.expectMessage(t, &dap.LaunchResponse{}).(*dap.LaunchResponse)
}

func (c *Client) ExpectAttachResponse(t *testing.T) *dap.AttachResponse {
	t.Helper()
	return c.expectMessage(t, &dap.AttachResponse{}).(*dap.AttachResponse)
}

func (c *Client) ExpectDisconnectResponse(t *testing.T) *dap.DisconnectResponse {
	t.Helper()
	return c.expectMessage(t, &dap.DisconnectResponse{}).(*dap.DisconnectResponse)
}

func (c *Client) ExpectConfigurationDoneResponse(t *testing.T) *dap.ConfigurationDoneResponse {
	t.Helper()
	return c.expectMessage(t, &dap.ConfigurationDoneResponse{}).(*dap.ConfigurationDoneResponse)
}

func (c *Client) ExpectErrorResponse(t *testing.T) *dap.ErrorResponse {
	t.Helper()
	return c.expectMessage(t, &dap.ErrorResponse{}).(*dap.ErrorResponse)
}

func (c *Client) ExpectContinueResponse(t *testing.T) *dap.ContinueResponse {
	t.Helper()
	return c.expectMessage(t, &dap.ContinueResponse{}).(*dap.ContinueResponse)
}

func (c *Client) ExpectNextResponse(t *testing.T) *dap.NextResponse {
	t.Helper()
	return c.expectMessage(t, &dap.NextResponse{}).(*dap.NextResponse)
}

func (c *Client) ExpectStepInResponse(t *testing.T) *dap.StepInResponse {
	t.Helper()
	return c.expectMessage(t, &dap.StepInResponse{}).(*dap.StepInResponse)
}

func (c *Client) ExpectStepOutResponse(t *testing.T) *dap.StepOutResponse {
	t.Helper()
	return c.expectMessage(t, &dap.StepOutResponse{}).(*dap.StepOutResponse)
}

func (c *Client) ExpectPauseResponse(t *testing.T) *dap.PauseResponse {
	t.Helper()
	return c.expectMessage(t, &dap.PauseResponse{}).(*dap.PauseResponse)
}

func (c *Client) ExpectThreadsResponse(t *testing.T) *dap.ThreadsResponse {
	t.Helper()
	return c.expectMessage(t, &dap.ThreadsResponse{}).(*dap.ThreadsResponse)
}

func (c *Client) ExpectStackTraceResponse(t *testing.T) *dap.StackTraceResponse {
	t.Helper()
	return c.expectMessage(t, &dap.StackTraceResponse{}).(*dap.StackTraceResponse)
}

func (c *Client) ExpectScopesResponse(t *testing.T) *dap.ScopesResponse {
	t.Helper()
	return c.expectMessage(t, &dap.ScopesResponse{}).(*dap.ScopesResponse)
}

func (c *Client) ExpectVariablesResponse(t *testing.T) *dap.VariablesResponse {
	t.Helper()
	return c.expectMessage(t, &dap.VariablesResponse{}).(*dap.VariablesResponse)
}

func (c *Client) ExpectSetVariableResponse(t *testing.T) *dap.SetVariableResponse {
	t.Helper()
	return c.expectMessage(t, &dap.SetVariableResponse{}).(*dap.SetVariableResponse)
}

func (c *Client) ExpectSetBreakpointsResponse(t *testing.T) *dap.SetBreakpointsResponse {
	t.Helper()
	return c.expectMessage(t, &dap.SetBreakpointsResponse{}).(*dap.SetBreakpointsResponse)
}

func (c *Client) ExpectSetFunctionBreakpointsResponse(t *testing.T) *dap.SetFunctionBreakpointsResponse {
	t.Helper()
	return c.expectMessage(t, &dap.SetFunctionBreakpointsResponse{}).(*dap.SetFunctionBreakpointsResponse)
}

func (c *Client) ExpectSetExceptionBreakpointsResponse(t *testing.T) *dap.SetExceptionBreakpointsResponse {
	t.Helper()
	return c.expectMessage(t, &dap.SetExceptionBreakpointsResponse{}).(*dap.SetExceptionBreakpointsResponse)
}

func (c *Client) ExpectEvaluateResponse(t *testing.T) *dap.EvaluateResponse {
	t.Helper()
	return c.expectMessage(t, &dap.EvaluateResponse{}).(*dap.EvaluateResponse)
}

func (c *Client) ExpectReadMemoryResponse(t *testing.T) *dap.ReadMemoryResponse {
	t.Helper()
	return c.expectMessage(t, &dap.ReadMemoryResponse{}).(*dap.ReadMemoryResponse)
}

func (c *Client) ExpectStoppedEvent(t *testing.T) *dap.StoppedEvent {
	t.Helper()
	return c.expectMessage(t, &dap.StoppedEvent{}).(*dap.StoppedEvent)
}

func (c *Client) ExpectContinuedEvent(t *testing.T) *dap.ContinuedEvent {
	t.Helper()
	return c.expectMessage(t, &dap.ContinuedEvent{}).(*dap.ContinuedEvent)
}

func (c *Client) ExpectTerminatedEvent(t *testing.T) *dap.TerminatedEvent {
	t.Helper()
	return c.expectMessage(t, &dap.TerminatedEvent{}).(*dap.TerminatedEvent)
}

func (c *Client) ExpectExitedEvent(t *testing.T) *dap.ExitedEvent {
	t.Helper()
	return c.expectMessage(t, &dap.ExitedEvent{}).(*dap.ExitedEvent)
}

func (c *Client) ExpectThreadEvent(t *testing.T) *dap.ThreadEvent {
	t.Helper()
	return c.expectMessage(t, &dap.ThreadEvent{}).(*dap.ThreadEvent)
}

func (c *Client) ExpectOutputEvent(t *testing.T) *dap.OutputEvent {
	t.Helper()
	return c.expectMessage(t, &dap.OutputEvent{}).(*dap.OutputEvent)
}

func (c *Client) ExpectBreakpointEvent(t *testing.T) *dap.BreakpointEvent {
	t.Helper()
	return c.expectMessage(t, &dap.BreakpointEvent{}).(*dap.BreakpointEvent)
}

// InitializeRequest sends an 'initialize' request with default client
// capabilities: 1-based lines, plain paths.
func (c *Client) InitializeRequest() {
	request := &dap.InitializeRequest{Request: *c.newRequest("initialize")}
	request.Arguments = dap.InitializeRequestArguments{
		AdapterID:                    "strut",
		PathFormat:                   "path",
		LinesStartAt1:                true,
		ColumnsStartAt1:              true,
		SupportsVariableType:         true,
		SupportsVariablePaging:       true,
		SupportsRunInTerminalRequest: true,
		Locale:                       "en-us",
	}
	c.send(request)
}

// InitializeRequestWithArgs sends an 'initialize' request with the given
// arguments, for exercising path format and line base variations.
func (c *Client) InitializeRequestWithArgs(args dap.InitializeRequestArguments) {
	request := &dap.InitializeRequest{Request: *c.newRequest("initialize")}
	request.Arguments = args
	c.send(request)
}

// LaunchRequest sends a 'launch' request with the given program.
func (c *Client) LaunchRequest(program string, stopOnEntry bool) {
	c.LaunchRequestWithArgs(map[string]interface{}{
		"request":     "launch",
		"program":     program,
		"stopOnEntry": stopOnEntry,
	})
}

// LaunchRequestWithArgs sends a 'launch' request with the given arguments.
func (c *Client) LaunchRequestWithArgs(arguments map[string]interface{}) {
	request := &dap.LaunchRequest{Request: *c.newRequest("launch")}
	request.Arguments, _ = json.Marshal(arguments)
	c.send(request)
}

// AttachRequest sends an 'attach' request for the given process id.
func (c *Client) AttachRequest(processID int) {
	request := &dap.AttachRequest{Request: *c.newRequest("attach")}
	request.Arguments, _ = json.Marshal(map[string]interface{}{
		"request":   "attach",
		"processId": processID,
	})
	c.send(request)
}

// DisconnectRequest sends a 'disconnect' request.
func (c *Client) DisconnectRequest() {
	request := &dap.DisconnectRequest{Request: *c.newRequest("disconnect")}
	c.send(request)
}

// DisconnectRequestWithKill sends a 'disconnect' request that asks for the
// debuggee to be terminated.
func (c *Client) DisconnectRequestWithKill() {
	request := &dap.DisconnectRequest{Request: *c.newRequest("disconnect")}
	request.Arguments = &dap.DisconnectArguments{TerminateDebuggee: true}
	c.send(request)
}

// SetBreakpointsRequest sends a 'setBreakpoints' request for the given lines.
func (c *Client) SetBreakpointsRequest(file string, lines []int) {
	bps := make([]dap.SourceBreakpoint, len(lines))
	for i, l := range lines {
		bps[i].Line = l
	}
	c.SetBreakpointsRequestWithArgs(file, bps, false)
}

// SetBreakpointsRequestWithArgs sends a 'setBreakpoints' request with full
// per-breakpoint arguments.
func (c *Client) SetBreakpointsRequestWithArgs(file string, breakpoints []dap.SourceBreakpoint, sourceModified bool) {
	request := &dap.SetBreakpointsRequest{Request: *c.newRequest("setBreakpoints")}
	request.Arguments = dap.SetBreakpointsArguments{
		Source:         dap.Source{Name: filepath.Base(file), Path: file},
		Breakpoints:    breakpoints,
		SourceModified: sourceModified,
	}
	c.send(request)
}

// SetFunctionBreakpointsRequest sends a 'setFunctionBreakpoints' request.
func (c *Client) SetFunctionBreakpointsRequest(breakpoints []dap.FunctionBreakpoint) {
	request := &dap.SetFunctionBreakpointsRequest{Request: *c.newRequest("setFunctionBreakpoints")}
	request.Arguments = dap.SetFunctionBreakpointsArguments{Breakpoints: breakpoints}
	c.send(request)
}

// SetExceptionBreakpointsRequest sends a 'setExceptionBreakpoints' request
// with the given filter ids.
func (c *Client) SetExceptionBreakpointsRequest(filters []string) {
	request := &dap.SetExceptionBreakpointsRequest{Request: *c.newRequest("setExceptionBreakpoints")}
	request.Arguments = dap.SetExceptionBreakpointsArguments{Filters: filters}
	c.send(request)
}

// ConfigurationDoneRequest sends a 'configurationDone' request.
func (c *Client) ConfigurationDoneRequest() {
	request := &dap.ConfigurationDoneRequest{Request: *c.newRequest("configurationDone")}
	c.send(request)
}

// ContinueRequest sends a 'continue' request.
func (c *Client) ContinueRequest(thread int) {
	request := &dap.ContinueRequest{Request: *c.newRequest("continue")}
	request.Arguments.ThreadId = thread
	c.send(request)
}

// NextRequest sends a 'next' request.
func (c *Client) NextRequest(thread int) {
	request := &dap.NextRequest{Request: *c.newRequest("next")}
	request.Arguments.ThreadId = thread
	c.send(request)
}

// StepInRequest sends a 'stepIn' request.
func (c *Client) StepInRequest(thread int) {
	request := &dap.StepInRequest{Request: *c.newRequest("stepIn")}
	request.Arguments.ThreadId = thread
	c.send(request)
}

// StepOutRequest sends a 'stepOut' request.
func (c *Client) StepOutRequest(thread int) {
	request := &dap.StepOutRequest{Request: *c.newRequest("stepOut")}
	request.Arguments.ThreadId = thread
	c.send(request)
}

// PauseRequest sends a 'pause' request.
func (c *Client) PauseRequest(thread int) {
	request := &dap.PauseRequest{Request: *c.newRequest("pause")}
	request.Arguments.ThreadId = thread
	c.send(request)
}

// ThreadsRequest sends a 'threads' request.
func (c *Client) ThreadsRequest() {
	request := &dap.ThreadsRequest{Request: *c.newRequest("threads")}
	c.send(request)
}

// StackTraceRequest sends a 'stackTrace' request.
func (c *Client) StackTraceRequest(threadID, startFrame, levels int) {
	request := &dap.StackTraceRequest{Request: *c.newRequest("stackTrace")}
	request.Arguments.ThreadId = threadID
	request.Arguments.StartFrame = startFrame
	request.Arguments.Levels = levels
	c.send(request)
}

// ScopesRequest sends a 'scopes' request.
func (c *Client) ScopesRequest(frameID int) {
	request := &dap.ScopesRequest{Request: *c.newRequest("scopes")}
	request.Arguments.FrameId = frameID
	c.send(request)
}

// VariablesRequest sends a 'variables' request.
func (c *Client) VariablesRequest(variablesReference int) {
	request := &dap.VariablesRequest{Request: *c.newRequest("variables")}
	request.Arguments.VariablesReference = variablesReference
	c.send(request)
}

// SetVariableRequest sends a 'setVariable' request.
func (c *Client) SetVariableRequest(variablesReference int, name, value string) {
	request := &dap.SetVariableRequest{Request: *c.newRequest("setVariable")}
	request.Arguments.VariablesReference = variablesReference
	request.Arguments.Name = name
	request.Arguments.Value = value
	c.send(request)
}

// EvaluateRequest sends an 'evaluate' request.
func (c *Client) EvaluateRequest(expr string, frameID int, context string) {
	request := &dap.EvaluateRequest{Request: *c.newRequest("evaluate")}
	request.Arguments.Expression = expr
	request.Arguments.FrameId = frameID
	request.Arguments.Context = context
	c.send(request)
}

// ReadMemoryRequest sends a 'readMemory' request.
func (c *Client) ReadMemoryRequest(memoryReference string, offset, count int) {
	request := &dap.ReadMemoryRequest{Request: *c.newRequest("readMemory")}
	request.Arguments.MemoryReference = memoryReference
	request.Arguments.Offset = offset
	request.Arguments.Count = count
	c.send(request)
}

// SourceRequest sends a 'source' request.
func (c *Client) SourceRequest(sourceReference int) {
	request := &dap.SourceRequest{Request: *c.newRequest("source")}
	request.Arguments.SourceReference = sourceReference
	c.send(request)
}

// ModulesRequest sends a 'modules' request, which the adapter does not
// support.
func (c *Client) ModulesRequest() {
	request := &dap.ModulesRequest{Request: *c.newRequest("modules")}
	c.send(request)
}

// UnknownRequest triggers dap.DecodeProtocolMessageFieldError.
func (c *Client) UnknownRequest() {
	request := c.newRequest("unknown")
	c.send(request)
}

// BadRequest triggers an unmarshal error inside the decoder.
func (c *Client) BadRequest() {
	content := []byte("{malformedString}")
	contentLengthHeaderFmt := "Content-Length: %d\r\n\r\n"
	header := fmt.Sprintf(contentLengthHeaderFmt, len(content))
	c.conn.Write([]byte(header))
	c.conn.Write(content)
}

// KnownEvent passes decode checks, but the adapter has no handler for
// client-sent events.
func (c *Client) KnownEvent() {
	event := &dap.Event{}
	event.Type = "event"
	event.Seq = -1
	event.Event = "terminated"
	c.send(event)
}

func (c *Client) newRequest(command string) *dap.Request {
	request := &dap.Request{}
	request.Type = "request"
	request.Command = command
	request.Seq = c.seq
	c.seq++
	return request
}
