package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mcpfleet/mcpfleet/internal/domain/service"
	"github.com/mcpfleet/mcpfleet/pkg/jsonrpc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestHelperProcess is re-executed as the child process of supervisor
// tests. It is not a test.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "helper: no mode")
		os.Exit(2)
	}

	switch mode := args[0]; mode {
	case "echo":
		helperEcho()
	case "notify":
		fmt.Println(`{"jsonrpc":"2.0","method":"child/ready","params":{}}`)
		helperEcho()
	case "garbage":
		for i := 0; i < 50; i++ {
			fmt.Printf("garbage line %d: not a frame\n", i)
		}
		fmt.Fprintln(os.Stderr, "helper: garbage emitted")
		helperEcho()
	case "flood":
		for i := 0; i < 150; i++ {
			fmt.Printf("flood line %d: not a frame\n", i)
		}
		_, _ = io.Copy(io.Discard, os.Stdin)
	case "exit":
		os.Exit(3)
	case "sleep":
		_, _ = io.Copy(io.Discard, os.Stdin)
	default:
		fmt.Fprintf(os.Stderr, "helper: unknown mode %q\n", mode)
		os.Exit(2)
	}
}

// helperEcho answers every request with {"echo":<method>} under the
// request's id and ignores notifications.
func helperEcho() {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	out := bufio.NewWriter(os.Stdout)
	for sc.Scan() {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil || len(req.ID) == 0 {
			continue
		}
		fmt.Fprintf(out, `{"jsonrpc":"2.0","id":%s,"result":{"echo":%q}}`+"\n", req.ID, req.Method)
		out.Flush()
	}
}

func helperDefinition(t *testing.T, mode string) service.Definition {
	t.Helper()
	return service.Definition{
		ID:          "svc-" + mode,
		Name:        mode,
		EntryPoint:  os.Args[0],
		WorkingDir:  t.TempDir(),
		Args:        []string{"-test.run=TestHelperProcess", "--", mode},
		Env:         map[string]string{"GO_WANT_HELPER_PROCESS": "1"},
		ProxyPath:   "/" + mode,
		Timeout:     5000,
		MaxRestarts: 5,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHelper(t *testing.T, def service.Definition, hooks Hooks) *Supervisor {
	t.Helper()
	sup := New(def, testLogger(), hooks)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	return sup
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSupervisorStartSendStop(t *testing.T) {
	sup := startHelper(t, helperDefinition(t, "echo"), Hooks{})

	st := sup.State()
	if st.Status != service.StatusRunning {
		t.Fatalf("expected running, got %s", st.Status)
	}
	if st.PID == 0 {
		t.Error("running state should expose a pid")
	}

	req, _ := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`))
	resp, err := sup.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if resp.ID.Key() != "7" {
		t.Errorf("response id changed: %s", resp.ID)
	}
	var result struct {
		Echo string `json:"echo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Echo != "tools/list" {
		t.Errorf("unexpected result %s (err %v)", resp.Result, err)
	}

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if got := sup.State().Status; got != service.StatusStopped {
		t.Errorf("expected stopped, got %s", got)
	}
	if _, err := sup.Send(context.Background(), req); !errors.Is(err, service.ErrIllegalState) {
		t.Errorf("send after stop should be illegal, got %v", err)
	}

	// Stopping again is a no-op.
	if err := sup.Stop(context.Background()); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}

func TestSupervisorStartWhileRunning(t *testing.T) {
	sup := startHelper(t, helperDefinition(t, "echo"), Hooks{})

	if err := sup.Start(context.Background()); !errors.Is(err, service.ErrIllegalState) {
		t.Errorf("double start should be illegal, got %v", err)
	}
}

func TestSupervisorRequestTimeout(t *testing.T) {
	def := helperDefinition(t, "sleep")
	def.Timeout = 100
	sup := startHelper(t, def, Hooks{})

	req, _ := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"hang"}`))
	start := time.Now()
	_, err := sup.Send(context.Background(), req)
	if !errors.Is(err, service.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}

	// The child survives a request deadline.
	if got := sup.State().Status; got != service.StatusRunning {
		t.Errorf("child should still be running, got %s", got)
	}
}

func TestSupervisorStopFailsInflight(t *testing.T) {
	def := helperDefinition(t, "sleep")
	def.Timeout = 30000
	sup := startHelper(t, def, Hooks{})

	errCh := make(chan error, 1)
	go func() {
		req, _ := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"hang"}`))
		_, err := sup.Send(context.Background(), req)
		errCh <- err
	}()

	// Give the request time to reach the child.
	time.Sleep(100 * time.Millisecond)

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, service.ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("in-flight request not failed by stop")
	}
}

func TestSupervisorCrashRestart(t *testing.T) {
	var mu sync.Mutex
	var transitions []service.Status
	var scheduled []time.Duration

	def := helperDefinition(t, "exit")
	def.AutoRestart = true
	def.MaxRestarts = 1

	hooks := Hooks{
		StateChanged: func(_ string, st service.Status) {
			mu.Lock()
			transitions = append(transitions, st)
			mu.Unlock()
		},
		RestartScheduled: func(_ string, _ int, delay time.Duration) {
			mu.Lock()
			scheduled = append(scheduled, delay)
			mu.Unlock()
		},
	}

	sup := New(def, testLogger(), hooks)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// One automatic restart, then the limit holds the service crashed.
	waitFor(t, 10*time.Second, func() bool {
		st := sup.State()
		return st.Status == service.StatusCrashed && st.RestartCount == def.MaxRestarts
	}, "restart limit")

	mu.Lock()
	defer mu.Unlock()
	if len(scheduled) != 1 || scheduled[0] != time.Second {
		t.Errorf("expected one restart with 1s backoff, got %v", scheduled)
	}
	var sawRestarting bool
	for _, st := range transitions {
		if st == service.StatusRestarting {
			sawRestarting = true
		}
	}
	if !sawRestarting {
		t.Errorf("no restarting transition observed: %v", transitions)
	}
	if st := sup.State(); st.LastError == "" {
		t.Error("crashed state should record the exit cause")
	}
}

func TestSupervisorStartResetsRestartCount(t *testing.T) {
	def := helperDefinition(t, "exit")
	def.AutoRestart = true
	def.MaxRestarts = 1

	sup := New(def, testLogger(), Hooks{})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, 10*time.Second, func() bool {
		st := sup.State()
		return st.Status == service.StatusCrashed && st.RestartCount == 1
	}, "restart limit")

	// An explicit start clears the counter and tries again.
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("restart after crash failed: %v", err)
	}
	waitFor(t, 10*time.Second, func() bool {
		return sup.State().Status == service.StatusCrashed
	}, "second crash cycle")
}

func TestSupervisorNoAutoRestart(t *testing.T) {
	def := helperDefinition(t, "exit")
	def.AutoRestart = false

	sup := New(def, testLogger(), Hooks{})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return sup.State().Status == service.StatusCrashed
	}, "crash")

	if got := sup.State().RestartCount; got != 0 {
		t.Errorf("no restarts expected, got %d", got)
	}
}

func TestSupervisorMissingWorkingDir(t *testing.T) {
	def := helperDefinition(t, "echo")
	def.WorkingDir = "/nonexistent/path/for/sure"

	sup := New(def, testLogger(), Hooks{})
	err := sup.Start(context.Background())
	if err == nil {
		t.Fatal("start with missing working dir should fail")
	}
	st := sup.State()
	if st.Status != service.StatusCrashed {
		t.Errorf("expected crashed, got %s", st.Status)
	}
	if !strings.Contains(st.LastError, "working directory") {
		t.Errorf("last error should name the working directory, got %q", st.LastError)
	}
}

func TestSupervisorGarbageOutput(t *testing.T) {
	sup := startHelper(t, helperDefinition(t, "garbage"), Hooks{})

	// Garbage lines land in the ring without taking the transport down.
	waitFor(t, 5*time.Second, func() bool {
		return len(sup.Logs(0)) >= 50
	}, "garbage in log ring")

	var sawGarbage, sawStderr bool
	for _, e := range sup.Logs(0) {
		if strings.Contains(e.Message, "garbage line") {
			sawGarbage = true
		}
		if e.Level == "stderr" && strings.Contains(e.Message, "garbage emitted") {
			sawStderr = true
		}
	}
	if !sawGarbage {
		t.Error("stdout garbage not captured")
	}
	if !sawStderr {
		t.Error("stderr line not captured")
	}

	req, _ := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if _, err := sup.Send(context.Background(), req); err != nil {
		t.Errorf("send after garbage failed: %v", err)
	}
}

func TestSupervisorParseErrorThresholdReapsChild(t *testing.T) {
	// The flood helper prints enough non-frames to trip the parse error
	// threshold, then stays alive. Only the transport watcher can take it
	// down; the child itself never exits.
	sup := startHelper(t, helperDefinition(t, "flood"), Hooks{})

	waitFor(t, 10*time.Second, func() bool {
		return sup.State().Status == service.StatusCrashed
	}, "crash after parse error flood")

	st := sup.State()
	if !strings.Contains(st.LastError, "parse errors") {
		t.Errorf("last error should name the parse error threshold, got %q", st.LastError)
	}

	req, _ := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if _, err := sup.Send(context.Background(), req); !errors.Is(err, service.ErrIllegalState) {
		t.Errorf("send after transport failure should be rejected, got %v", err)
	}
}

func TestSupervisorNotificationFanOut(t *testing.T) {
	sup := New(helperDefinition(t, "notify"), testLogger(), Hooks{})

	ch1, cancel1 := sup.SubscribeNotifications()
	defer cancel1()
	ch2, cancel2 := sup.SubscribeNotifications()
	defer cancel2()

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	for i, ch := range []<-chan *jsonrpc.Message{ch1, ch2} {
		select {
		case msg := <-ch:
			if msg.Method != "child/ready" {
				t.Errorf("subscriber %d: unexpected method %q", i, msg.Method)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("subscriber %d: notification not delivered", i)
		}
	}
}

func TestSupervisorLogStream(t *testing.T) {
	sup := New(helperDefinition(t, "garbage"), testLogger(), Hooks{})

	ch, cancel := sup.SubscribeLogs()
	defer cancel()

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	select {
	case e := <-ch:
		if e.Message == "" {
			t.Error("empty log entry streamed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no log entry streamed")
	}
}

func TestSupervisorUpdateDefinitionWhileRunning(t *testing.T) {
	sup := startHelper(t, helperDefinition(t, "echo"), Hooks{})

	def := sup.Definition()
	def.Name = "renamed"
	if err := sup.UpdateDefinition(def); !errors.Is(err, service.ErrIllegalState) {
		t.Errorf("update while running should be illegal, got %v", err)
	}

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := sup.UpdateDefinition(def); err != nil {
		t.Errorf("update while stopped failed: %v", err)
	}
	if sup.Definition().Name != "renamed" {
		t.Error("definition not updated")
	}
}
