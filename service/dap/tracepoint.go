package dap

import (
	"errors"
	"strings"
	"time"

	"github.com/strutdbg/strut/service/engine"
)

// logMessageTemplate is a parsed tracepoint message. Literal segments
// alternate with embedded expressions written as {expr}; literal braces are
// escaped as \{ and \}.
type logMessageTemplate struct {
	segments []logMessageSegment
}

type logMessageSegment struct {
	text string
	expr bool
}

// parseLogMessageTemplate validates and compiles a tracepoint message.
// Malformed templates (unbalanced braces, empty expressions) are rejected
// here, before the breakpoint ever reaches the engine.
func parseLogMessageTemplate(msg string) (*logMessageTemplate, error) {
	tmpl := &logMessageTemplate{}
	var literal strings.Builder
	for i := 0; i < len(msg); i++ {
		switch c := msg[i]; c {
		case '\\':
			if i+1 < len(msg) && (msg[i+1] == '{' || msg[i+1] == '}') {
				literal.WriteByte(msg[i+1])
				i++
				continue
			}
			literal.WriteByte(c)
		case '{':
			end := -1
			for j := i + 1; j < len(msg); j++ {
				if msg[j] == '}' {
					end = j
					break
				}
				if msg[j] == '{' {
					return nil, errors.New("unexpected '{' inside expression in log message")
				}
			}
			if end < 0 {
				return nil, errors.New("unbalanced '{' in log message")
			}
			expr := strings.TrimSpace(msg[i+1 : end])
			if expr == "" {
				return nil, errors.New("empty expression in log message")
			}
			if literal.Len() > 0 {
				tmpl.segments = append(tmpl.segments, logMessageSegment{text: literal.String()})
				literal.Reset()
			}
			tmpl.segments = append(tmpl.segments, logMessageSegment{text: expr, expr: true})
			i = end
		case '}':
			return nil, errors.New("unbalanced '}' in log message")
		default:
			literal.WriteByte(c)
		}
	}
	if literal.Len() > 0 {
		tmpl.segments = append(tmpl.segments, logMessageSegment{text: literal.String()})
	}
	return tmpl, nil
}

// logTracepointMessage interpolates and emits one tracepoint's message for a
// hit on the given thread. Expression failures degrade to inline error text
// so the rest of the message still prints.
func (s *Session) logTracepointMessage(entry *breakpointEntry, threadID int) {
	tmpl := entry.tracepoint
	if tmpl == nil {
		return
	}
	s.mu.Lock()
	timeout := s.evalTimeout
	s.mu.Unlock()

	frame, ok := s.topFrame(threadID)

	var out strings.Builder
	for _, seg := range tmpl.segments {
		if !seg.expr {
			out.WriteString(seg.text)
			continue
		}
		out.WriteString(s.interpolateExpr(frame, ok, seg.text, timeout))
	}
	s.sendOutput("console", out.String())
}

func (s *Session) interpolateExpr(frame engine.StackFrame, haveFrame bool, expr string, timeout time.Duration) string {
	if !haveFrame {
		return "<unknown frame>"
	}
	value, err := s.evaluate(frame, expr, engine.EvalReturnValue|engine.EvalNoEvents, timeout)
	if err != nil {
		return "<error: " + err.Error() + ">"
	}
	return value.Value()
}

// topFrame reads the first non-annotated frame of a thread.
func (s *Session) topFrame(threadID int) (engine.StackFrame, bool) {
	th, found := s.threads.get(threadID)
	if !found {
		return nil, false
	}
	enum, err := th.Frames(engine.FrameFuncName | engine.FrameAnnotations)
	if err != nil {
		return nil, false
	}
	for {
		frames, err := enum.Read(1)
		if err != nil || len(frames) == 0 {
			return nil, false
		}
		if frames[0].Annotated() {
			continue
		}
		return frames[0], true
	}
}
