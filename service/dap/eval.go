package dap

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-dap"

	"github.com/strutdbg/strut/pkg/telemetry"
	"github.com/strutdbg/strut/service/engine"
)

// execCommandPrefix marks a console input that should run as a debugger
// command rather than a watch expression.
const execCommandPrefix = "-exec "

func (s *Session) onEvaluateRequest(request *dap.EvaluateRequest) {
	s.mu.Lock()
	status := s.status
	timeout := s.evalTimeout
	s.mu.Unlock()
	if status != statusStopped {
		s.sendErrorResponse(request.Request, UnableToEvaluateExpression,
			"Unable to evaluate expression", "target is not stopped")
		return
	}

	ctx := request.Arguments.Context
	expr := request.Arguments.Expression
	isExec := false
	if strings.HasPrefix(expr, execCommandPrefix) {
		isExec = true
		expr = strings.TrimPrefix(expr, execCommandPrefix)
	}

	sf, ok := s.resolveEvalFrame(request.Arguments.FrameId, ctx)
	if !ok {
		s.tel.Error("evaluate", fmt.Errorf("unknown frame id %d", request.Arguments.FrameId),
			telemetry.Props{"context": ctx})
		s.sendErrorResponse(request.Request, InvalidFrame,
			"Unable to evaluate expression", fmt.Sprintf("unknown frame id %d", request.Arguments.FrameId))
		return
	}

	flags := engine.EvalReturnValue | engine.EvalNoEvents | engine.EvalForceEvaluation
	switch ctx {
	case "hover":
		// A hover must not perturb the target.
		flags |= engine.EvalNoSideEffects
	case "clipboard":
		flags |= engine.EvalClipboardContext
	}

	start := time.Now()
	value, err := s.evaluate(sf.frame, expr, flags, timeout)
	if ctx != "hover" {
		s.tel.TimedEvent("evaluate", time.Since(start),
			telemetry.Props{"success": err == nil, "exec": isExec, "context": ctx})
	}
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToEvaluateExpression,
			"Unable to evaluate expression", err.Error())
		return
	}
	if ctx == "hover" && value.Attributes().IsError {
		// Showing the evaluation error text in a hover tooltip reads like a
		// result; fail the request so the client shows nothing.
		s.sendErrorResponse(request.Request, UnableToEvaluateExpression,
			"Unable to evaluate expression", value.Value())
		return
	}

	response := &dap.EvaluateResponse{Response: *newResponse(request.Request)}
	response.Body.Result = value.Value()
	response.Body.Type = value.TypeName()
	if value.Attributes().HasChildren {
		response.Body.VariablesReference = s.variableHandles.create(variableContainer{value: value, flags: flags})
	}
	if addr, ok := value.MemoryAddress(); ok {
		response.Body.MemoryReference = fmt.Sprintf("%#x", addr)
	}
	s.send(response)
}

// resolveEvalFrame maps an evaluate request's frame id to a read frame.
// Console and exec evaluations arrive without a frame id; those fall back to
// the first frame handed out for the current stop.
func (s *Session) resolveEvalFrame(frameID int, ctx string) (stackFrameHandle, bool) {
	if frameID == 0 && (ctx == "repl" || ctx == "" || ctx == "variables") {
		if v, ok := s.stackFrameHandles.first(); ok {
			return v.(stackFrameHandle), true
		}
		return stackFrameHandle{}, false
	}
	v, ok := s.stackFrameHandles.get(frameID)
	if !ok {
		return stackFrameHandle{}, false
	}
	return v.(stackFrameHandle), true
}

func (s *Session) evaluate(frame engine.StackFrame, expr string, flags engine.EvalFlags, timeout time.Duration) (engine.Value, error) {
	exprCtx, err := frame.ExprContext()
	if err != nil {
		return nil, err
	}
	parsed, err := exprCtx.Parse(expr)
	if err != nil {
		return nil, err
	}
	return parsed.Evaluate(flags, timeout)
}

func (s *Session) onReadMemoryRequest(request *dap.ReadMemoryRequest) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != statusStopped {
		s.sendErrorResponse(request.Request, UnableToReadMemory,
			"Unable to read memory", "target is not stopped")
		return
	}

	addr, err := strconv.ParseUint(request.Arguments.MemoryReference, 0, 64)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToReadMemory,
			"Unable to read memory", fmt.Sprintf("invalid memory reference %q", request.Arguments.MemoryReference))
		return
	}
	addr += uint64(request.Arguments.Offset)

	response := &dap.ReadMemoryResponse{Response: *newResponse(request.Request)}
	response.Body.Address = fmt.Sprintf("%#x", addr)
	if request.Arguments.Count > 0 {
		data, err := s.engine.ReadMemory(addr, request.Arguments.Count)
		if err != nil {
			s.sendErrorResponse(request.Request, UnableToReadMemory,
				"Unable to read memory", err.Error())
			return
		}
		response.Body.Data = base64.StdEncoding.EncodeToString(data)
		response.Body.UnreadableBytes = request.Arguments.Count - len(data)
	}
	s.send(response)
}
