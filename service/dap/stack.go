package dap

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/go-dap"

	"github.com/strutdbg/strut/service/engine"
)

// threadRegistry tracks live threads from create/destroy notifications.
// Thread ids come straight from the engine and are used as DAP thread ids
// unchanged.
type threadRegistry struct {
	mu      sync.Mutex
	threads map[int]engine.Thread
}

func newThreadRegistry() *threadRegistry {
	return &threadRegistry{threads: make(map[int]engine.Thread)}
}

func (tr *threadRegistry) add(t engine.Thread) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.threads[t.ID()] = t
}

func (tr *threadRegistry) remove(id int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.threads, id)
}

func (tr *threadRegistry) get(id int) (engine.Thread, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.threads[id]
	return t, ok
}

// snapshot returns the live threads sorted by id so thread lists are stable
// across requests.
func (tr *threadRegistry) snapshot() []engine.Thread {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	r := make([]engine.Thread, 0, len(tr.threads))
	for _, t := range tr.threads {
		r = append(r, t)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID() < r[j].ID() })
	return r
}

func (tr *threadRegistry) reset() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.threads = make(map[int]engine.Thread)
}

// anyID returns an arbitrary live thread id, or 1 when no threads are known
// yet (e.g. stopping at the "entry" of a core dump).
func (tr *threadRegistry) anyID() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	min := 0
	for id := range tr.threads {
		if min == 0 || id < min {
			min = id
		}
	}
	if min == 0 {
		return 1
	}
	return min
}

// frameCursor is a partially-consumed frame enumeration for one thread,
// kept between paged stack trace requests while the target stays stopped.
type frameCursor struct {
	enum  engine.FrameEnum
	total int
	next  int // engine index of the next unread frame
}

// cursorMap caches one frame cursor per thread. It is dropped wholesale
// whenever the target resumes.
type cursorMap struct {
	mu      sync.Mutex
	cursors map[int]*frameCursor
}

func newCursorMap() *cursorMap {
	return &cursorMap{cursors: make(map[int]*frameCursor)}
}

func (cm *cursorMap) get(threadID int) (*frameCursor, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	c, ok := cm.cursors[threadID]
	return c, ok
}

func (cm *cursorMap) put(threadID int, c *frameCursor) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.cursors[threadID] = c
}

func (cm *cursorMap) reset() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.cursors = make(map[int]*frameCursor)
}

func (cm *cursorMap) size() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.cursors)
}

func (s *Session) frameFlags() engine.FrameFlags {
	flags := engine.FrameFuncName | engine.FrameModule | engine.FrameArgs |
		engine.FrameArgNames | engine.FrameArgTypes | engine.FrameAnnotations
	s.mu.Lock()
	if !s.args.stepFiltering {
		flags &^= engine.FrameAnnotations
	}
	s.mu.Unlock()
	return flags
}

func (s *Session) onStackTraceRequest(request *dap.StackTraceRequest) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status != statusStopped {
		s.sendErrorResponse(request.Request, TargetNotStopped,
			"Unable to produce stack trace", "target is not stopped")
		return
	}

	threadID := request.Arguments.ThreadId
	thread, ok := s.threads.get(threadID)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace,
			"Unable to produce stack trace", "unknown thread id")
		return
	}

	cursor, err := s.frameCursorFor(threadID, thread, request.Arguments.StartFrame)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace,
			"Unable to produce stack trace", err.Error())
		return
	}

	response := &dap.StackTraceResponse{Response: *newResponse(request.Request)}
	response.Body.TotalFrames = cursor.total

	start := request.Arguments.StartFrame
	if start < 0 {
		start = 0
	}
	if start >= cursor.total {
		response.Body.StackFrames = []dap.StackFrame{}
		s.send(response)
		return
	}

	levels := request.Arguments.Levels
	if levels <= 0 || levels > cursor.total-start {
		// levels == 0 asks for all remaining frames.
		levels = cursor.total - start
	}

	frames, err := cursor.enum.Read(levels)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace,
			"Unable to produce stack trace", err.Error())
		return
	}
	cursor.next += len(frames)

	response.Body.StackFrames = make([]dap.StackFrame, 0, len(frames))
	for _, frame := range frames {
		sf := dap.StackFrame{
			Id:   s.stackFrameHandles.create(stackFrameHandle{threadID: threadID, frame: frame}),
			Name: frame.FunctionName(),
		}
		if file, line := frame.Source(); file != "" && !frame.Annotated() {
			clientPath := s.paths.toClientPath(file)
			sf.Source = &dap.Source{Name: filepath.Base(clientPath), Path: clientPath}
			sf.Line = s.paths.toClientLine(line)
		}
		response.Body.StackFrames = append(response.Body.StackFrames, sf)
	}
	s.send(response)
}

// frameCursorFor returns a cursor positioned at startFrame, reusing the
// cached enumeration when the client continues where it left off and
// rewinding it otherwise.
func (s *Session) frameCursorFor(threadID int, thread engine.Thread, startFrame int) (*frameCursor, error) {
	if startFrame < 0 {
		startFrame = 0
	}
	cursor, ok := s.frameCursors.get(threadID)
	if !ok {
		enum, err := thread.Frames(s.frameFlags())
		if err != nil {
			return nil, err
		}
		cursor = &frameCursor{enum: enum, total: enum.Count()}
		s.frameCursors.put(threadID, cursor)
	}
	if cursor.next != startFrame {
		if err := cursor.enum.Reset(); err != nil {
			return nil, err
		}
		cursor.next = 0
		if startFrame > 0 && startFrame < cursor.total {
			if err := cursor.enum.Skip(startFrame); err != nil {
				return nil, err
			}
			cursor.next = startFrame
		}
	}
	return cursor, nil
}
