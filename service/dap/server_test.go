package dap

import (
	"encoding/base64"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"

	"github.com/strutdbg/strut/pkg/config"
	"github.com/strutdbg/strut/pkg/logflags"
	"github.com/strutdbg/strut/service"
	"github.com/strutdbg/strut/service/dap/daptest"
	"github.com/strutdbg/strut/service/engine"
	"github.com/strutdbg/strut/service/engine/enginetest"
)

const stopOnEntry bool = true

func TestMain(m *testing.M) {
	var logOutput string
	flag.StringVar(&logOutput, "log-output", "", "configures log output")
	flag.Parse()
	logflags.Setup(logOutput != "", logOutput, "")
	os.Exit(m.Run())
}

// runTest starts a server over an in-memory connection, serving sessions
// backed by the given scripted engine, and runs test against it with a
// synthetic client. The program path handed to the test exists on disk so
// launch requests pass validation.
func runTest(t *testing.T, eng *enginetest.FakeEngine, test func(c *daptest.Client, program string)) {
	runTestWith(t, eng, nil, test)
}

// runTestWith is runTest with configuration file settings applied to the
// served sessions.
func runTestWith(t *testing.T, eng *enginetest.FakeEngine, file *config.Config, test func(c *daptest.Client, program string)) {
	program := filepath.Join(t.TempDir(), "debuggee")
	if err := os.WriteFile(program, []byte("\x7fELF"), 0o755); err != nil {
		t.Fatal(err)
	}

	listener, clientConn := service.ListenerPipe()
	disconnectChan := make(chan struct{})
	server := NewServer(&service.Config{
		Listener:       listener,
		EngineFactory:  func() (engine.Engine, error) { return eng, nil },
		DisconnectChan: disconnectChan,
		File:           file,
	})
	server.Run()

	var stopOnce sync.Once
	go func() {
		<-disconnectChan
		stopOnce.Do(server.Stop)
	}()
	defer stopOnce.Do(server.Stop)

	client := daptest.NewClientFromConn(clientConn)
	defer client.Close()

	test(client, program)
}

// waitFor polls cond until it holds, for state that is established by the
// session's worker goroutines rather than by a response.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for start := time.Now(); time.Since(start) < 2*time.Second; {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// mainThread scripts a thread with a short call stack in application code.
func mainThread(locals ...*enginetest.FakeValue) *enginetest.FakeThread {
	return &enginetest.FakeThread{
		ThreadID:   1,
		ThreadName: "main",
		FrameList: []*enginetest.FakeFrame{
			{Func: "app::work", File: "/src/app.c", Line: 10, LocalVars: locals},
			{Func: "app::main", File: "/src/app.c", Line: 42},
		},
	}
}

func TestStopOnEntry(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	eng.AddThread(mainThread())
	runTest(t, eng, func(client *daptest.Client, program string) {
		client.InitializeRequest()
		client.ExpectInitializeResponse(t)

		client.LaunchRequest(program, stopOnEntry)
		client.ExpectInitializedEvent(t)
		client.ExpectLaunchResponse(t)

		client.ConfigurationDoneRequest()
		client.ExpectConfigurationDoneResponse(t)

		tev := client.ExpectThreadEvent(t)
		if tev.Body.Reason != "started" || tev.Body.ThreadId != 1 {
			t.Errorf("got %#v, want Reason=started ThreadId=1", tev.Body)
		}
		oev := client.ExpectOutputEvent(t)
		if oev.Body.Output != "Debugging started.\n" {
			t.Errorf("got output %q, want \"Debugging started.\\n\"", oev.Body.Output)
		}
		sev := client.ExpectStoppedEvent(t)
		if sev.Body.Reason != "entry" || sev.Body.ThreadId != 1 || !sev.Body.AllThreadsStopped {
			t.Errorf("got %#v, want Reason=entry ThreadId=1 AllThreadsStopped=true", sev.Body)
		}

		client.ThreadsRequest()
		threads := client.ExpectThreadsResponse(t)
		if len(threads.Body.Threads) != 1 || threads.Body.Threads[0].Name != "main" {
			t.Errorf("got %#v, want one thread named main", threads.Body.Threads)
		}

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)

		if !eng.Terminated {
			t.Error("engine was not asked to terminate the process")
		}
	})
}

func TestEntryStopOutrunsResume(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	eng.AddThread(mainThread())
	// The entry point notification is delivered long before ResumeProcess
	// returns; the resulting stop must not be reverted to running.
	eng.ResumeDelay = 500 * time.Millisecond
	runTest(t, eng, func(client *daptest.Client, program string) {
		client.LaunchRequest(program, stopOnEntry)
		client.ExpectInitializedEvent(t)
		client.ExpectLaunchResponse(t)

		client.ConfigurationDoneRequest()
		client.ExpectConfigurationDoneResponse(t)
		client.ExpectThreadEvent(t)
		client.ExpectOutputEvent(t)
		sev := client.ExpectStoppedEvent(t)
		if sev.Body.Reason != "entry" {
			t.Errorf("got stop reason %q, want entry", sev.Body.Reason)
		}

		client.StackTraceRequest(1, 0, 0)
		st := client.ExpectStackTraceResponse(t)
		if len(st.Body.StackFrames) == 0 {
			t.Error("got no stack frames, want the entry stop to remain usable")
		}

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

func TestContinueOnEntry(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	eng.AddThread(mainThread())
	runTest(t, eng, func(client *daptest.Client, program string) {
		client.InitializeRequest()
		client.ExpectInitializeResponse(t)
		client.LaunchRequest(program, !stopOnEntry)
		client.ExpectInitializedEvent(t)
		client.ExpectLaunchResponse(t)
		client.ConfigurationDoneRequest()
		client.ExpectConfigurationDoneResponse(t)
		client.ExpectThreadEvent(t)

		// Without stopOnEntry the entry point notification resumes the
		// target instead of surfacing a stop.
		waitFor(t, "entry point continue", func() bool { return eng.Stats().Continues == 1 })

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

func TestRequestsBeforeLaunch(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	runTest(t, eng, func(client *daptest.Client, program string) {
		client.InitializeRequest()
		client.ExpectInitializeResponse(t)

		client.ContinueRequest(1)
		er := client.ExpectErrorResponse(t)
		if er.Body.Error.Id != TargetNotStopped {
			t.Errorf("got error id %d, want %d", er.Body.Error.Id, TargetNotStopped)
		}

		client.EvaluateRequest("x", 0, "repl")
		er = client.ExpectErrorResponse(t)
		if er.Body.Error.Id != UnableToEvaluateExpression {
			t.Errorf("got error id %d, want %d", er.Body.Error.Id, UnableToEvaluateExpression)
		}

		// The threads request must produce a placeholder thread rather than
		// fail before the first thread exists.
		client.ThreadsRequest()
		threads := client.ExpectThreadsResponse(t)
		if len(threads.Body.Threads) != 1 || threads.Body.Threads[0].Id != 1 {
			t.Errorf("got %#v, want the dummy thread", threads.Body.Threads)
		}

		client.DisconnectRequest()
		client.ExpectDisconnectResponse(t)
	})
}

func TestUnsupportedCommands(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	runTest(t, eng, func(client *daptest.Client, program string) {
		client.ModulesRequest()
		er := client.ExpectErrorResponse(t)
		if er.Body.Error.Id != UnsupportedCommand {
			t.Errorf("got error id %d, want %d", er.Body.Error.Id, UnsupportedCommand)
		}

		client.SourceRequest(1)
		er = client.ExpectErrorResponse(t)
		if er.Body.Error.Id != NoSourceSupport {
			t.Errorf("got error id %d, want %d", er.Body.Error.Id, NoSourceSupport)
		}

		client.DisconnectRequest()
		client.ExpectDisconnectResponse(t)
	})
}

func TestBadLaunchRequests(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	runTest(t, eng, func(client *daptest.Client, program string) {
		client.LaunchRequestWithArgs(map[string]interface{}{"request": "launch"})
		er := client.ExpectErrorResponse(t)
		if er.Body.Error.Id != FailedToLaunch || !strings.Contains(er.Body.Error.Format, "program") {
			t.Errorf("got %#v, want FailedToLaunch about missing program", er.Body.Error)
		}

		client.LaunchRequest("/no/such/binary", false)
		er = client.ExpectErrorResponse(t)
		if er.Body.Error.Id != FailedToLaunch || !strings.Contains(er.Body.Error.Format, "does not exist") {
			t.Errorf("got %#v, want FailedToLaunch about missing file", er.Body.Error)
		}

		client.AttachRequest(0)
		er = client.ExpectErrorResponse(t)
		if er.Body.Error.Id != FailedToAttach {
			t.Errorf("got error id %d, want %d", er.Body.Error.Id, FailedToAttach)
		}

		// A well-formed launch still works after the failed attempts.
		client.LaunchRequest(program, stopOnEntry)
		client.ExpectInitializedEvent(t)
		client.ExpectLaunchResponse(t)

		// And a second one is rejected.
		client.LaunchRequest(program, stopOnEntry)
		er = client.ExpectErrorResponse(t)
		if er.Body.Error.Id != FailedToLaunch || !strings.Contains(er.Body.Error.Format, "already") {
			t.Errorf("got %#v, want FailedToLaunch about session state", er.Body.Error)
		}

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

func TestAttachDetach(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	runTest(t, eng, func(client *daptest.Client, program string) {
		client.InitializeRequest()
		client.ExpectInitializeResponse(t)
		client.AttachRequest(555)
		client.ExpectInitializedEvent(t)
		client.ExpectAttachResponse(t)
		if eng.AttachedPid != 555 {
			t.Errorf("got attached pid %d, want 555", eng.AttachedPid)
		}

		// Default disconnect from an attached process detaches and leaves it
		// running.
		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
		if !eng.Detached || eng.Terminated {
			t.Errorf("got detached=%v terminated=%v, want detach without terminate", eng.Detached, eng.Terminated)
		}
	})
}

func TestAttachDisconnectWithKill(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	runTest(t, eng, func(client *daptest.Client, program string) {
		client.AttachRequest(555)
		client.ExpectInitializedEvent(t)
		client.ExpectAttachResponse(t)

		client.DisconnectRequestWithKill()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
		if !eng.Terminated || eng.Detached {
			t.Errorf("got detached=%v terminated=%v, want terminate", eng.Detached, eng.Terminated)
		}
	})
}

// launchAndConfigure drives a session to the end of the configuration
// phase, with configure run between launch and configurationDone.
func launchAndConfigure(t *testing.T, client *daptest.Client, program string, entry bool, configure func()) {
	t.Helper()
	client.InitializeRequest()
	client.ExpectInitializeResponse(t)
	client.LaunchRequest(program, entry)
	client.ExpectInitializedEvent(t)
	client.ExpectLaunchResponse(t)
	if configure != nil {
		configure()
	}
	client.ConfigurationDoneRequest()
	client.ExpectConfigurationDoneResponse(t)
}

func TestSetBreakpointsReconciliation(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	eng.AddThread(mainThread())
	runTest(t, eng, func(client *daptest.Client, program string) {
		launchAndConfigure(t, client, program, !stopOnEntry, func() {
			client.SetBreakpointsRequest("/src/app.c", []int{10, 20, 30})
			resp := client.ExpectSetBreakpointsResponse(t)
			checkBreakpoints(t, resp, []int{10, 20, 30}, []int{1, 2, 3})
			if st := eng.Stats(); st.Creates != 3 || st.Binds != 3 || st.Deletes != 0 {
				t.Errorf("got stats %+v, want 3 creates, 3 binds, 0 deletes", st)
			}

			// Re-sending the set with one line gone and one added touches
			// only the difference; surviving breakpoints keep their ids.
			client.SetBreakpointsRequest("/src/app.c", []int{20, 30, 40})
			resp = client.ExpectSetBreakpointsResponse(t)
			checkBreakpoints(t, resp, []int{20, 30, 40}, []int{2, 3, 4})
			if st := eng.Stats(); st.Creates != 4 || st.Deletes != 1 {
				t.Errorf("got stats %+v, want 4 creates, 1 delete", st)
			}

			// A changed condition replaces the breakpoint under a fresh id.
			client.SetBreakpointsRequestWithArgs("/src/app.c", []dap.SourceBreakpoint{
				{Line: 20, Condition: "x > 0"}, {Line: 30}, {Line: 40},
			}, false)
			resp = client.ExpectSetBreakpointsResponse(t)
			checkBreakpoints(t, resp, []int{20, 30, 40}, []int{5, 3, 4})
			if st := eng.Stats(); st.Creates != 5 || st.Deletes != 2 {
				t.Errorf("got stats %+v, want 5 creates, 2 deletes", st)
			}

			// An identical re-send touches nothing.
			client.SetBreakpointsRequestWithArgs("/src/app.c", []dap.SourceBreakpoint{
				{Line: 20, Condition: "x > 0"}, {Line: 30}, {Line: 40},
			}, false)
			resp = client.ExpectSetBreakpointsResponse(t)
			checkBreakpoints(t, resp, []int{20, 30, 40}, []int{5, 3, 4})
			if st := eng.Stats(); st.Creates != 5 || st.Deletes != 2 {
				t.Errorf("got stats %+v, want no new engine calls", st)
			}

			// Marking the source modified recreates even identical entries.
			client.SetBreakpointsRequestWithArgs("/src/app.c", []dap.SourceBreakpoint{
				{Line: 30},
			}, true)
			resp = client.ExpectSetBreakpointsResponse(t)
			checkBreakpoints(t, resp, []int{30}, []int{6})
			if st := eng.Stats(); st.Creates != 6 || st.Deletes != 5 {
				t.Errorf("got stats %+v, want 6 creates, 5 deletes", st)
			}

			client.SetBreakpointsRequest("", []int{1})
			er := client.ExpectErrorResponse(t)
			if er.Body.Error.Id != UnableToSetBreakpoints {
				t.Errorf("got error id %d, want %d", er.Body.Error.Id, UnableToSetBreakpoints)
			}
		})

		client.ExpectThreadEvent(t)
		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

func checkBreakpoints(t *testing.T, resp *dap.SetBreakpointsResponse, lines, ids []int) {
	t.Helper()
	if len(resp.Body.Breakpoints) != len(lines) {
		t.Fatalf("got %d breakpoints, want %d", len(resp.Body.Breakpoints), len(lines))
	}
	for i, bp := range resp.Body.Breakpoints {
		if !bp.Verified || bp.Line != lines[i] || bp.Id != ids[i] {
			t.Errorf("breakpoint %d: got %+v, want verified id=%d line=%d", i, bp, ids[i], lines[i])
		}
		if bp.Source == nil || bp.Source.Path == "" {
			t.Errorf("breakpoint %d: got source %v, want a source path", i, bp.Source)
		}
	}
}

func TestSetBreakpointsLogMessageValidation(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	runTest(t, eng, func(client *daptest.Client, program string) {
		launchAndConfigure(t, client, program, !stopOnEntry, func() {
			client.SetBreakpointsRequestWithArgs("/src/app.c", []dap.SourceBreakpoint{
				{Line: 10, LogMessage: "unbalanced {x"},
				{Line: 20, LogMessage: "fine {x}"},
			}, false)
			resp := client.ExpectSetBreakpointsResponse(t)
			if len(resp.Body.Breakpoints) != 2 {
				t.Fatalf("got %d breakpoints, want 2", len(resp.Body.Breakpoints))
			}
			if bad := resp.Body.Breakpoints[0]; bad.Verified || bad.Message == "" {
				t.Errorf("got %+v, want unverified with a message", bad)
			}
			if good := resp.Body.Breakpoints[1]; !good.Verified {
				t.Errorf("got %+v, want verified", good)
			}
			// The malformed entry never reached the engine.
			if st := eng.Stats(); st.Creates != 1 {
				t.Errorf("got %d creates, want 1", st.Creates)
			}
		})

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

func TestSetFunctionBreakpoints(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	eng.AddFunction("app::work", "/src/app.c", 10)
	runTest(t, eng, func(client *daptest.Client, program string) {
		launchAndConfigure(t, client, program, !stopOnEntry, func() {
			client.SetFunctionBreakpointsRequest([]dap.FunctionBreakpoint{
				{Name: "app::work"}, {Name: "app::nosuch"},
			})
			resp := client.ExpectSetFunctionBreakpointsResponse(t)
			if len(resp.Body.Breakpoints) != 2 {
				t.Fatalf("got %d breakpoints, want 2", len(resp.Body.Breakpoints))
			}
			if bp := resp.Body.Breakpoints[0]; !bp.Verified || bp.Source != nil {
				t.Errorf("got %+v, want verified without source", bp)
			}
			if bp := resp.Body.Breakpoints[1]; bp.Verified || !strings.Contains(bp.Message, "no function") {
				t.Errorf("got %+v, want bind failure message", bp)
			}

			client.SetFunctionBreakpointsRequest(nil)
			resp = client.ExpectSetFunctionBreakpointsResponse(t)
			if len(resp.Body.Breakpoints) != 0 {
				t.Errorf("got %d breakpoints, want 0", len(resp.Body.Breakpoints))
			}
		})

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

func TestBreakpointBindNotifications(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	runTest(t, eng, func(client *daptest.Client, program string) {
		launchAndConfigure(t, client, program, !stopOnEntry, func() {
			client.SetBreakpointsRequest("/src/app.c", []int{10})
			client.ExpectSetBreakpointsResponse(t)

			// The engine later reports the authoritative bound line.
			eng.FireBreakpointBound(1, 12)
			bev := client.ExpectBreakpointEvent(t)
			if bev.Body.Reason != "changed" || !bev.Body.Breakpoint.Verified || bev.Body.Breakpoint.Line != 12 {
				t.Errorf("got %#v, want changed breakpoint bound at line 12", bev.Body)
			}

			eng.FireBreakpointError(1, "code moved")
			bev = client.ExpectBreakpointEvent(t)
			if bev.Body.Breakpoint.Verified || bev.Body.Breakpoint.Message != "code moved" {
				t.Errorf("got %#v, want unverified breakpoint with message", bev.Body)
			}
		})

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

// stopAtBreakpoint drives a session to a breakpoint stop at /src/app.c:10
// and consumes the resulting events.
func stopAtBreakpoint(t *testing.T, client *daptest.Client, eng *enginetest.FakeEngine, program string) {
	t.Helper()
	launchAndConfigure(t, client, program, !stopOnEntry, func() {
		client.SetBreakpointsRequest("/src/app.c", []int{10})
		client.ExpectSetBreakpointsResponse(t)
	})
	client.ExpectThreadEvent(t)
	waitFor(t, "entry point continue", func() bool { return eng.Stats().Continues == 1 })

	if err := eng.FirePending(1, "/src/app.c", 10); err != nil {
		t.Fatal(err)
	}
	client.ExpectOutputEvent(t) // "Debugging started."
	sev := client.ExpectStoppedEvent(t)
	if sev.Body.Reason != "breakpoint" || sev.Body.ThreadId != 1 {
		t.Errorf("got %#v, want Reason=breakpoint ThreadId=1", sev.Body)
	}
}

func TestStackTracePaging(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	thread := &enginetest.FakeThread{ThreadID: 1, ThreadName: "main"}
	for i := 0; i < 5; i++ {
		thread.FrameList = append(thread.FrameList, &enginetest.FakeFrame{
			Func: "f", File: "/src/app.c", Line: 10 + i,
		})
	}
	eng.AddThread(thread)
	runTest(t, eng, func(client *daptest.Client, program string) {
		stopAtBreakpoint(t, client, eng, program)

		client.StackTraceRequest(1, 0, 2)
		st := client.ExpectStackTraceResponse(t)
		if len(st.Body.StackFrames) != 2 || st.Body.TotalFrames != 5 {
			t.Fatalf("got %d frames total %d, want 2 of 5", len(st.Body.StackFrames), st.Body.TotalFrames)
		}
		if st.Body.StackFrames[0].Id != 1000 || st.Body.StackFrames[0].Line != 10 {
			t.Errorf("got %+v, want frame id 1000 at line 10", st.Body.StackFrames[0])
		}
		if st.Body.StackFrames[0].Source == nil || st.Body.StackFrames[0].Source.Path != "/src/app.c" {
			t.Errorf("got %+v, want source /src/app.c", st.Body.StackFrames[0].Source)
		}

		// levels=0 continues from the cursor and reads the rest.
		client.StackTraceRequest(1, 2, 0)
		st = client.ExpectStackTraceResponse(t)
		if len(st.Body.StackFrames) != 3 || st.Body.TotalFrames != 5 {
			t.Fatalf("got %d frames total %d, want 3 of 5", len(st.Body.StackFrames), st.Body.TotalFrames)
		}
		if st.Body.StackFrames[0].Line != 12 {
			t.Errorf("got %+v, want the third frame", st.Body.StackFrames[0])
		}

		// Out-of-range start produces no frames but the correct total.
		client.StackTraceRequest(1, 10, 0)
		st = client.ExpectStackTraceResponse(t)
		if len(st.Body.StackFrames) != 0 || st.Body.TotalFrames != 5 {
			t.Errorf("got %d frames total %d, want 0 of 5", len(st.Body.StackFrames), st.Body.TotalFrames)
		}

		client.StackTraceRequest(7, 0, 0)
		er := client.ExpectErrorResponse(t)
		if er.Body.Error.Id != UnableToProduceStackTrace {
			t.Errorf("got error id %d, want %d", er.Body.Error.Id, UnableToProduceStackTrace)
		}

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

func TestAnnotatedFramesHaveNoSource(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	eng.AddThread(&enginetest.FakeThread{
		ThreadID:   1,
		ThreadName: "main",
		FrameList: []*enginetest.FakeFrame{
			{Func: "app::work", File: "/src/app.c", Line: 10},
			{Func: "[external code]", IsAnnotated: true},
			{Func: "app::main", File: "/src/app.c", Line: 42},
		},
	})
	runTest(t, eng, func(client *daptest.Client, program string) {
		stopAtBreakpoint(t, client, eng, program)

		client.StackTraceRequest(1, 0, 0)
		st := client.ExpectStackTraceResponse(t)
		if len(st.Body.StackFrames) != 3 {
			t.Fatalf("got %d frames, want 3", len(st.Body.StackFrames))
		}
		annotated := st.Body.StackFrames[1]
		if annotated.Name != "[external code]" || annotated.Source != nil || annotated.Line != 0 {
			t.Errorf("got %+v, want annotated frame without source", annotated)
		}

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

func TestScopesAndVariables(t *testing.T) {
	x1 := &enginetest.FakeValue{VName: "x", VValue: "1", VType: "int", VFullName: "frame.x"}
	x2 := &enginetest.FakeValue{VName: "x", VValue: "2", VType: "int"}
	x3 := &enginetest.FakeValue{VName: "x", VValue: "3", VType: "int"}
	pt := &enginetest.FakeValue{
		VName: "pt", VValue: "{...}", VType: "point",
		Attrs: engine.ValueAttrs{HasChildren: true},
		Kids: []*enginetest.FakeValue{
			{VName: "x", VValue: "4", VType: "int"},
			{VName: "y", VValue: "5", VType: "int"},
		},
	}
	eng := enginetest.NewFakeEngine()
	eng.AddThread(mainThread(x1, x2, x3, pt))
	runTest(t, eng, func(client *daptest.Client, program string) {
		stopAtBreakpoint(t, client, eng, program)

		client.StackTraceRequest(1, 0, 1)
		st := client.ExpectStackTraceResponse(t)
		frameID := st.Body.StackFrames[0].Id

		client.ScopesRequest(frameID)
		scopes := client.ExpectScopesResponse(t)
		if len(scopes.Body.Scopes) != 2 || scopes.Body.Scopes[0].Name != "Arguments" || scopes.Body.Scopes[1].Name != "Locals" {
			t.Fatalf("got %#v, want Arguments and Locals scopes", scopes.Body.Scopes)
		}

		client.VariablesRequest(scopes.Body.Scopes[1].VariablesReference)
		vars := client.ExpectVariablesResponse(t)
		if len(vars.Body.Variables) != 4 {
			t.Fatalf("got %d variables, want 4", len(vars.Body.Variables))
		}
		// Duplicate sibling names are disambiguated in encounter order.
		for i, want := range []string{"x", "x #2", "x #3", "pt"} {
			if got := vars.Body.Variables[i].Name; got != want {
				t.Errorf("variable %d: got name %q, want %q", i, got, want)
			}
		}
		if vars.Body.Variables[0].EvaluateName != "frame.x" {
			t.Errorf("got evaluate name %q, want \"frame.x\"", vars.Body.Variables[0].EvaluateName)
		}
		if vars.Body.Variables[3].VariablesReference == 0 {
			t.Error("compound variable got no variables reference")
		}

		client.VariablesRequest(vars.Body.Variables[3].VariablesReference)
		kids := client.ExpectVariablesResponse(t)
		if len(kids.Body.Variables) != 2 || kids.Body.Variables[0].Value != "4" {
			t.Errorf("got %#v, want the two point members", kids.Body.Variables)
		}

		// setVariable goes through the same deduplicated naming.
		client.SetVariableRequest(scopes.Body.Scopes[1].VariablesReference, "x #2", "99")
		sv := client.ExpectSetVariableResponse(t)
		if sv.Body.Value != "99" {
			t.Errorf("got %q, want \"99\"", sv.Body.Value)
		}
		if x2.VValue != "99" || x1.VValue != "1" || x3.VValue != "3" {
			t.Errorf("got x values %q %q %q, want only the second changed", x1.VValue, x2.VValue, x3.VValue)
		}

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

func TestEvaluate(t *testing.T) {
	x := &enginetest.FakeValue{VName: "x", VValue: "7", VType: "int"}
	eng := enginetest.NewFakeEngine()
	thread := mainThread(x)
	thread.FrameList[0].Exprs = map[string]*enginetest.FakeValue{
		"x + 1":    {VName: "", VValue: "8", VType: "int"},
		"crash()":  {EvalErr: os.ErrInvalid},
		"sideways": {VValue: "error CXX0030", Attrs: engine.ValueAttrs{IsError: true}},
	}
	eng.AddThread(thread)
	runTest(t, eng, func(client *daptest.Client, program string) {
		stopAtBreakpoint(t, client, eng, program)

		client.StackTraceRequest(1, 0, 1)
		st := client.ExpectStackTraceResponse(t)
		frameID := st.Body.StackFrames[0].Id

		client.EvaluateRequest("x + 1", frameID, "watch")
		ev := client.ExpectEvaluateResponse(t)
		if ev.Body.Result != "8" || ev.Body.Type != "int" {
			t.Errorf("got %+v, want result 8 of type int", ev.Body)
		}

		// A console evaluation without a frame id uses the first frame
		// handed out for this stop.
		client.EvaluateRequest("x", 0, "repl")
		ev = client.ExpectEvaluateResponse(t)
		if ev.Body.Result != "7" {
			t.Errorf("got %+v, want result 7", ev.Body)
		}

		client.EvaluateRequest("crash()", frameID, "watch")
		client.ExpectErrorResponse(t)

		// Hover evaluations fail on error-valued results instead of showing
		// the error text as a tooltip.
		client.EvaluateRequest("sideways", frameID, "hover")
		er := client.ExpectErrorResponse(t)
		if er.Body.Error.Id != UnableToEvaluateExpression {
			t.Errorf("got error id %d, want %d", er.Body.Error.Id, UnableToEvaluateExpression)
		}

		client.EvaluateRequest("x", 424242, "watch")
		er = client.ExpectErrorResponse(t)
		if er.Body.Error.Id != InvalidFrame {
			t.Errorf("got error id %d, want %d", er.Body.Error.Id, InvalidFrame)
		}

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

func TestReadMemory(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	eng.AddThread(mainThread())
	eng.MemBase = 0x1000
	eng.MemData = []byte{1, 2, 3, 4}
	runTest(t, eng, func(client *daptest.Client, program string) {
		stopAtBreakpoint(t, client, eng, program)

		client.ReadMemoryRequest("0x1000", 0, 4)
		rm := client.ExpectReadMemoryResponse(t)
		want := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
		if rm.Body.Data != want || rm.Body.Address != "0x1000" {
			t.Errorf("got %+v, want data %q at 0x1000", rm.Body, want)
		}

		client.ReadMemoryRequest("0x1000", 2, 2)
		rm = client.ExpectReadMemoryResponse(t)
		if rm.Body.Address != "0x1002" || rm.Body.Data != base64.StdEncoding.EncodeToString([]byte{3, 4}) {
			t.Errorf("got %+v, want the offset slice", rm.Body)
		}

		client.ReadMemoryRequest("not-an-address", 0, 4)
		er := client.ExpectErrorResponse(t)
		if er.Body.Error.Id != UnableToReadMemory {
			t.Errorf("got error id %d, want %d", er.Body.Error.Id, UnableToReadMemory)
		}

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

func TestStepAndPause(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	eng.AddThread(mainThread())
	runTest(t, eng, func(client *daptest.Client, program string) {
		stopAtBreakpoint(t, client, eng, program)

		client.NextRequest(1)
		client.ExpectNextResponse(t)
		if st := eng.Stats(); len(st.Steps) != 1 || st.Steps[0] != (enginetest.StepCall{ThreadID: 1, Kind: engine.StepOver}) {
			t.Fatalf("got steps %v, want one step-over on thread 1", st.Steps)
		}

		// A step while the target is already running is a no-op, not an
		// error: clients routinely double-tap step keys.
		client.NextRequest(1)
		client.ExpectNextResponse(t)
		if st := eng.Stats(); len(st.Steps) != 1 {
			t.Errorf("got %d steps, want still 1", len(st.Steps))
		}

		eng.FireAsync(&engine.Event{Kind: engine.StepComplete, ThreadID: 1})
		sev := client.ExpectStoppedEvent(t)
		if sev.Body.Reason != "step" {
			t.Errorf("got reason %q, want \"step\"", sev.Body.Reason)
		}

		// Pause while stopped succeeds without touching the engine.
		client.PauseRequest(1)
		client.ExpectPauseResponse(t)
		if st := eng.Stats(); st.Breaks != 0 {
			t.Errorf("got %d breaks, want 0", st.Breaks)
		}

		client.ContinueRequest(1)
		cr := client.ExpectContinueResponse(t)
		if !cr.Body.AllThreadsContinued {
			t.Error("got AllThreadsContinued=false, want true")
		}

		client.PauseRequest(1)
		client.ExpectPauseResponse(t)
		if st := eng.Stats(); st.Breaks != 1 {
			t.Errorf("got %d breaks, want 1", st.Breaks)
		}
		eng.FireAsync(&engine.Event{Kind: engine.Break, ThreadID: 1})
		sev = client.ExpectStoppedEvent(t)
		if sev.Body.Reason != "pause" {
			t.Errorf("got reason %q, want \"pause\"", sev.Body.Reason)
		}

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

func TestStaleFrameHandlesAfterResume(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	eng.AddThread(mainThread())
	runTest(t, eng, func(client *daptest.Client, program string) {
		stopAtBreakpoint(t, client, eng, program)

		client.StackTraceRequest(1, 0, 1)
		st := client.ExpectStackTraceResponse(t)
		frameID := st.Body.StackFrames[0].Id

		client.ContinueRequest(1)
		client.ExpectContinueResponse(t)

		// The frame handle died with the resume; the next stop must not
		// resurrect it.
		eng.FireAsync(&engine.Event{Kind: engine.Break, ThreadID: 1})
		client.ExpectStoppedEvent(t)

		client.ScopesRequest(frameID + 100)
		er := client.ExpectErrorResponse(t)
		if er.Body.Error.Id != UnableToListLocals {
			t.Errorf("got error id %d, want %d", er.Body.Error.Id, UnableToListLocals)
		}

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

func TestTracepointResumesSilently(t *testing.T) {
	x := &enginetest.FakeValue{VName: "x", VValue: "7", VType: "int"}
	eng := enginetest.NewFakeEngine()
	eng.AddThread(mainThread(x))
	runTest(t, eng, func(client *daptest.Client, program string) {
		launchAndConfigure(t, client, program, !stopOnEntry, func() {
			client.SetBreakpointsRequestWithArgs("/src/app.c", []dap.SourceBreakpoint{
				{Line: 10, LogMessage: "x is {x}"},
			}, false)
			client.ExpectSetBreakpointsResponse(t)
		})
		client.ExpectThreadEvent(t)
		waitFor(t, "entry point continue", func() bool { return eng.Stats().Continues == 1 })

		if err := eng.FirePending(1, "/src/app.c", 10); err != nil {
			t.Fatal(err)
		}
		oev := client.ExpectOutputEvent(t)
		if oev.Body.Output != "x is 7\n" {
			t.Errorf("got output %q, want \"x is 7\\n\"", oev.Body.Output)
		}
		// The hit resumes the target instead of surfacing a stop.
		waitFor(t, "tracepoint continue", func() bool { return eng.Stats().Continues == 2 })

		// A later real stop is the first surfaced one.
		eng.FireAsync(&engine.Event{Kind: engine.Break, ThreadID: 1})
		client.ExpectOutputEvent(t) // "Debugging started."
		sev := client.ExpectStoppedEvent(t)
		if sev.Body.Reason != "pause" {
			t.Errorf("got reason %q, want \"pause\"", sev.Body.Reason)
		}

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

func TestExceptionFilters(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	eng.AddThread(mainThread())
	runTest(t, eng, func(client *daptest.Client, program string) {
		launchAndConfigure(t, client, program, !stopOnEntry, func() {
			client.SetExceptionBreakpointsRequest([]string{exceptionFilterAll})
			client.ExpectSetExceptionBreakpointsResponse(t)
			if eng.ExcState != engine.ExceptionStateFirstChance|engine.ExceptionStateUnhandled {
				t.Errorf("got exception state %v, want first-chance and unhandled", eng.ExcState)
			}
		})
		client.ExpectThreadEvent(t)
		waitFor(t, "entry point continue", func() bool { return eng.Stats().Continues == 1 })

		eng.FireAsync(&engine.Event{
			Kind: engine.Exception, ThreadID: 1,
			ExceptionName: "ACCESS_VIOLATION", ExceptionDescription: "bad deref", FirstChance: true,
		})
		client.ExpectOutputEvent(t) // "Debugging started."
		sev := client.ExpectStoppedEvent(t)
		if sev.Body.Reason != "exception" || !strings.Contains(sev.Body.Text, "ACCESS_VIOLATION") {
			t.Errorf("got %#v, want exception stop", sev.Body)
		}

		client.ContinueRequest(1)
		client.ExpectContinueResponse(t)

		// With the filters cleared a first-chance exception resumes.
		client.SetExceptionBreakpointsRequest(nil)
		client.ExpectSetExceptionBreakpointsResponse(t)
		eng.FireAsync(&engine.Event{
			Kind: engine.Exception, ThreadID: 1,
			ExceptionName: "ACCESS_VIOLATION", FirstChance: true,
		})
		waitFor(t, "exception continue", func() bool { return eng.Stats().Continues == 3 })

		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
	})
}

func TestProgramExit(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	eng.AddThread(mainThread())
	runTest(t, eng, func(client *daptest.Client, program string) {
		launchAndConfigure(t, client, program, !stopOnEntry, nil)
		client.ExpectThreadEvent(t)
		waitFor(t, "entry point continue", func() bool { return eng.Stats().Continues == 1 })

		eng.FireAsync(&engine.Event{Kind: engine.ProgramDestroy, ExitCode: 3})
		eev := client.ExpectExitedEvent(t)
		if eev.Body.ExitCode != 3 {
			t.Errorf("got exit code %d, want 3", eev.Body.ExitCode)
		}
		client.ExpectTerminatedEvent(t)

		// Disconnect after the program already exited succeeds immediately
		// without another terminate call.
		client.DisconnectRequest()
		client.ExpectDisconnectResponse(t)
		if eng.Terminated {
			t.Error("engine was asked to terminate an already-exited process")
		}
	})
}

func TestDisconnectWithoutTerminationNotice(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	eng.AddThread(mainThread())
	eng.SilentTerminate = true
	file := &config.Config{DisconnectWait: 50 * time.Millisecond}
	runTestWith(t, eng, file, func(client *daptest.Client, program string) {
		launchAndConfigure(t, client, program, !stopOnEntry, nil)
		client.ExpectThreadEvent(t)
		waitFor(t, "entry point continue", func() bool { return eng.Stats().Continues == 1 })

		// The engine never reports program destruction; disconnect must
		// still succeed after the configured wait instead of hanging.
		start := time.Now()
		client.DisconnectRequest()
		client.ExpectDisconnectResponse(t)
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("disconnect took %v, want the configured termination wait", elapsed)
		}
		if !eng.Terminated {
			t.Error("engine was not asked to terminate the process")
		}
	})
}

func TestDisconnectDuringConfiguration(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	runTest(t, eng, func(client *daptest.Client, program string) {
		client.LaunchRequest(program, stopOnEntry)
		client.ExpectInitializedEvent(t)
		client.ExpectLaunchResponse(t)

		// Disconnecting before configurationDone must release the engine's
		// program-create continuation instead of deadlocking teardown.
		start := time.Now()
		client.DisconnectRequest()
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
		if elapsed := time.Since(start); elapsed > 3*time.Second {
			t.Errorf("disconnect took %v, want prompt teardown", elapsed)
		}
	})
}
