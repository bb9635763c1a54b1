package dap

import (
	"fmt"

	"github.com/google/go-dap"

	"github.com/strutdbg/strut/service/engine"
)

func (s *Session) onScopesRequest(request *dap.ScopesRequest) {
	v, ok := s.stackFrameHandles.get(request.Arguments.FrameId)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToListLocals,
			"Unable to list locals", fmt.Sprintf("unknown frame id %d", request.Arguments.FrameId))
		return
	}
	sf := v.(stackFrameHandle)

	flags := engine.EvalReturnValue
	args, err := sf.frame.Arguments(flags)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToListArgs,
			"Unable to list function arguments", err.Error())
		return
	}
	locals, err := sf.frame.Locals(flags)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToListLocals,
			"Unable to list locals", err.Error())
		return
	}

	response := &dap.ScopesResponse{Response: *newResponse(request.Request)}
	response.Body.Scopes = []dap.Scope{
		{Name: "Arguments", VariablesReference: s.variableHandles.create(variableContainer{value: args, flags: flags})},
		{Name: "Locals", VariablesReference: s.variableHandles.create(variableContainer{value: locals, flags: flags})},
	}
	s.send(response)
}

func (s *Session) onVariablesRequest(request *dap.VariablesRequest) {
	v, ok := s.variableHandles.get(request.Arguments.VariablesReference)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToLookupVariable,
			"Unable to lookup variable", fmt.Sprintf("unknown reference %d", request.Arguments.VariablesReference))
		return
	}
	container := v.(variableContainer)

	children, err := s.expandChildren(container)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToLookupVariable,
			"Unable to lookup variable", err.Error())
		return
	}

	names := dedupNames(children)
	response := &dap.VariablesResponse{Response: *newResponse(request.Request)}
	response.Body.Variables = make([]dap.Variable, 0, len(children))
	for i, child := range children {
		response.Body.Variables = append(response.Body.Variables, s.toClientVariable(names[i], child, container.flags))
	}
	s.send(response)
}

func (s *Session) expandChildren(container variableContainer) ([]engine.Value, error) {
	s.mu.Lock()
	publicOnly := s.args.justMyCode
	s.mu.Unlock()
	return container.value.Children(container.flags, publicOnly)
}

// dedupNames disambiguates duplicate sibling names, which DAP clients key
// variables by. The first occurrence keeps its name; later ones get a
// " #n" suffix in encounter order.
func dedupNames(children []engine.Value) []string {
	names := make([]string, len(children))
	seen := make(map[string]int, len(children))
	for i, child := range children {
		name := child.Name()
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s #%d", name, n)
		}
		names[i] = name
	}
	return names
}

func (s *Session) toClientVariable(name string, value engine.Value, flags engine.EvalFlags) dap.Variable {
	attrs := value.Attributes()
	cv := dap.Variable{
		Name:         name,
		Value:        value.Value(),
		Type:         value.TypeName(),
		EvaluateName: value.FullName(),
	}
	if attrs.HasChildren {
		cv.VariablesReference = s.variableHandles.create(variableContainer{value: value, flags: flags})
	}
	if addr, ok := value.MemoryAddress(); ok {
		cv.MemoryReference = fmt.Sprintf("%#x", addr)
	}
	return cv
}

func (s *Session) onSetVariableRequest(request *dap.SetVariableRequest) {
	v, ok := s.variableHandles.get(request.Arguments.VariablesReference)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToSetVariable,
			"Unable to set variable", fmt.Sprintf("unknown reference %d", request.Arguments.VariablesReference))
		return
	}
	container := v.(variableContainer)

	children, err := s.expandChildren(container)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToSetVariable,
			"Unable to set variable", err.Error())
		return
	}

	// The client names the variable as it was presented, so the lookup works
	// through the same dedup pass that produced the listing.
	names := dedupNames(children)
	var target engine.Value
	for i, child := range children {
		if names[i] == request.Arguments.Name {
			target = child
			break
		}
	}
	if target == nil {
		s.sendErrorResponse(request.Request, UnableToSetVariable,
			"Unable to set variable", fmt.Sprintf("no variable %q in scope", request.Arguments.Name))
		return
	}
	if target.Attributes().ReadOnly {
		s.sendErrorResponse(request.Request, UnableToSetVariable,
			"Unable to set variable", fmt.Sprintf("variable %q is read-only", request.Arguments.Name))
		return
	}

	s.mu.Lock()
	timeout := s.evalTimeout
	s.mu.Unlock()
	if err := target.Assign(request.Arguments.Value, timeout); err != nil {
		s.sendErrorResponse(request.Request, UnableToSetVariable,
			"Unable to set variable", err.Error())
		return
	}

	response := &dap.SetVariableResponse{Response: *newResponse(request.Request)}
	response.Body.Value = target.Value()
	response.Body.Type = target.TypeName()
	s.send(response)
}
