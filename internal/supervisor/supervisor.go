// Package supervisor owns the child processes of the proxy: one supervisor
// per service, a stdio JSON-RPC framer per child, and a manager holding the
// live supervisors for lookup and bulk shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpfleet/mcpfleet/internal/domain/service"
	"github.com/mcpfleet/mcpfleet/pkg/jsonrpc"
)

// stopGrace is how long stop waits after the termination signal before
// sending an unconditional kill.
const stopGrace = 5 * time.Second

// logRingCapacity is the number of recent log lines kept per service.
const logRingCapacity = 500

// Hooks are optional observability callbacks. All fields may be nil.
type Hooks struct {
	// StateChanged fires on every lifecycle transition.
	StateChanged func(serviceID string, status service.Status)
	// RestartScheduled fires when a crash triggers an automatic restart.
	RestartScheduled func(serviceID string, attempt int, delay time.Duration)
	// NotificationDropped fires when the bounded notification channel
	// evicts an entry.
	NotificationDropped func(serviceID string)
}

// childRun is the per-spawn state. A new run is created on every start so
// goroutines from a previous child cannot touch the current one.
type childRun struct {
	gen      int
	cmd      *exec.Cmd
	framer   *framer
	waitDone chan struct{}
	waitErr  error

	// transportErr is set by watchTransport before it kills the child, so
	// the wait loop reports the transport cause instead of the kill signal.
	transportErr atomic.Pointer[error]
}

// Supervisor owns exactly one child process for a service.
type Supervisor struct {
	mu           sync.Mutex
	def          service.Definition
	status       service.Status
	startedAt    time.Time
	restartCount int
	lastErr      string
	gen          int
	run          *childRun

	ring   *service.LogRing
	notifs *hub[*jsonrpc.Message]
	logs   *hub[service.LogEntry]

	logger *slog.Logger
	hooks  Hooks
}

// New creates a supervisor for the definition in the stopped state.
func New(def service.Definition, logger *slog.Logger, hooks Hooks) *Supervisor {
	return &Supervisor{
		def:    def,
		status: service.StatusStopped,
		ring:   service.NewLogRing(logRingCapacity),
		notifs: newHub[*jsonrpc.Message](),
		logs:   newHub[service.LogEntry](),
		logger: logger.With("service_id", def.ID),
		hooks:  hooks,
	}
}

// Definition returns a copy of the service definition.
func (s *Supervisor) Definition() service.Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.def
}

// UpdateDefinition replaces the definition. Only allowed while stopped or
// crashed; a running child keeps the configuration it was spawned with.
func (s *Supervisor) UpdateDefinition(def service.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != service.StatusStopped && s.status != service.StatusCrashed {
		return fmt.Errorf("update definition in state %s: %w", s.status, service.ErrIllegalState)
	}
	s.def = def
	return nil
}

// State returns a snapshot of the runtime state.
func (s *Supervisor) State() service.RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := service.RuntimeState{
		Status:       s.status,
		StartedAt:    s.startedAt,
		RestartCount: s.restartCount,
		LastError:    s.lastErr,
	}
	if s.run != nil && s.run.cmd.Process != nil {
		st.PID = s.run.cmd.Process.Pid
	}
	return st
}

// Logs returns up to limit recent log entries in chronological order.
func (s *Supervisor) Logs(limit int) []service.LogEntry {
	return s.ring.Last(limit)
}

// SubscribeNotifications registers for child notifications and
// server-initiated requests. The cancel function must be called on
// disconnect.
func (s *Supervisor) SubscribeNotifications() (<-chan *jsonrpc.Message, func()) {
	return s.notifs.Subscribe()
}

// SubscribeLogs registers for log entries as they are captured.
func (s *Supervisor) SubscribeLogs() (<-chan service.LogEntry, func()) {
	return s.logs.Subscribe()
}

// Start spawns the child. This is the user-initiated form: it clears the
// restart counter. Returns ErrIllegalState unless the supervisor is stopped
// or crashed.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != service.StatusStopped && s.status != service.StatusCrashed {
		return fmt.Errorf("start in state %s: %w", s.status, service.ErrIllegalState)
	}
	s.restartCount = 0
	s.lastErr = ""
	return s.startLocked()
}

// startLocked spawns a child for the current definition. Caller holds s.mu.
func (s *Supervisor) startLocked() error {
	s.setStatusLocked(service.StatusStarting)

	info, err := os.Stat(s.def.WorkingDir)
	if err != nil || !info.IsDir() {
		s.lastErr = fmt.Sprintf("working directory %s does not exist", s.def.WorkingDir)
		s.setStatusLocked(service.StatusCrashed)
		return fmt.Errorf("spawn %s: working directory %s does not exist", s.def.ID, s.def.WorkingDir)
	}

	entry := s.def.EntryPoint
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(s.def.WorkingDir, entry)
	}

	cmd := exec.Command(entry, s.def.Args...)
	cmd.Dir = s.def.WorkingDir
	cmd.Env = mergedEnv(s.def.Env)
	configureProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.spawnFailedLocked(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.spawnFailedLocked(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.spawnFailedLocked(fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return s.spawnFailedLocked(fmt.Errorf("start child: %w", err))
	}

	s.gen++
	run := &childRun{
		gen:      s.gen,
		cmd:      cmd,
		waitDone: make(chan struct{}),
	}
	run.framer = newFramer(stdin, s.logSink(), s.dropHook())
	run.framer.start(stdout, stderr)
	s.run = run
	s.startedAt = time.Now()
	s.setStatusLocked(service.StatusRunning)
	s.logger.Info("child started", "pid", cmd.Process.Pid, "entry_point", s.def.EntryPoint)

	go s.waitLoop(run)
	go s.watchTransport(run)
	go s.pumpNotifications(run)
	if s.def.HealthCheckInterval > 0 {
		go s.healthLoop(run)
	}
	return nil
}

func (s *Supervisor) spawnFailedLocked(err error) error {
	s.lastErr = err.Error()
	s.setStatusLocked(service.StatusCrashed)
	s.logger.Error("failed to spawn child", "error", err)
	return fmt.Errorf("spawn %s: %w", s.def.ID, err)
}

// Stop terminates the child. Idempotent: stopping a stopped supervisor is a
// no-op. The transition to stopped happens before signalling so the crash
// handler does not schedule a restart for a user-initiated stop.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status == service.StatusStopped {
		s.mu.Unlock()
		return nil
	}
	run := s.run
	s.run = nil
	s.gen++ // invalidate waitLoop crash handling and pending restart timers
	s.setStatusLocked(service.StatusStopped)
	s.mu.Unlock()

	if run == nil {
		return nil
	}

	// Cancel in-flight requests immediately.
	run.framer.fail(service.ErrTransportClosed)

	pid := run.cmd.Process.Pid
	if err := terminateGroup(pid); err != nil {
		s.logger.Debug("terminate signal failed", "pid", pid, "error", err)
	}

	select {
	case <-run.waitDone:
	case <-time.After(stopGrace):
		s.logger.Warn("child did not exit in time, killing", "pid", pid)
		if err := killGroup(pid); err != nil {
			s.logger.Debug("kill failed", "pid", pid, "error", err)
		}
		select {
		case <-run.waitDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	run.framer.wait()
	s.logger.Info("child stopped", "pid", pid)
	return nil
}

// Restart stops then starts the child, clearing the restart counter.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Send forwards a JSON-RPC request to the child and returns its response.
// The service's per-request timeout applies on top of ctx. Fails with
// ErrIllegalState when the child is not running, ErrTimeout on deadline, and
// ErrTransportClosed when the child dies mid-request.
func (s *Supervisor) Send(ctx context.Context, req *jsonrpc.Message) (*jsonrpc.Message, error) {
	s.mu.Lock()
	if s.status != service.StatusRunning || s.run == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("send in state %s: %w", s.status, service.ErrIllegalState)
	}
	fr := s.run.framer
	timeout := s.def.RequestTimeout()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Requests without an id get a fresh one assigned by the framer and a
	// null id restored on the response, so every send yields a reply.
	return fr.call(ctx, req)
}

// Notify forwards a notification frame without waiting for a reply.
func (s *Supervisor) Notify(req *jsonrpc.Message) error {
	s.mu.Lock()
	if s.status != service.StatusRunning || s.run == nil {
		s.mu.Unlock()
		return fmt.Errorf("notify in state %s: %w", s.status, service.ErrIllegalState)
	}
	fr := s.run.framer
	s.mu.Unlock()
	return fr.notify(req)
}

// DroppedNotifications returns the eviction count of the current run.
func (s *Supervisor) DroppedNotifications() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return 0
	}
	return s.run.framer.droppedNotifications()
}

// waitLoop reaps the child and (for the current generation) runs the crash
// handler.
func (s *Supervisor) waitLoop(run *childRun) {
	run.waitErr = run.cmd.Wait()
	close(run.waitDone)

	// The child is gone; any outstanding request fails now.
	cause := service.ErrTransportClosed
	run.framer.fail(cause)

	s.mu.Lock()
	defer s.mu.Unlock()
	if run.gen != s.gen {
		// A stop or restart superseded this run.
		return
	}
	s.run = nil

	exitDesc := "exited"
	if run.waitErr != nil {
		exitDesc = run.waitErr.Error()
	}
	if p := run.transportErr.Load(); p != nil {
		exitDesc = (*p).Error()
	}
	s.lastErr = exitDesc
	s.setStatusLocked(service.StatusCrashed)
	s.logger.Warn("child exited unexpectedly", "error", exitDesc, "restart_count", s.restartCount)

	if !s.def.AutoRestart || s.restartCount >= s.def.MaxRestarts {
		if s.def.AutoRestart {
			s.logger.Error("restart limit reached, staying crashed",
				"max_restarts", s.def.MaxRestarts)
		}
		return
	}

	delay := service.RestartBackoff(s.restartCount)
	s.restartCount++
	attempt := s.restartCount
	gen := s.gen
	s.setStatusLocked(service.StatusRestarting)
	if s.hooks.RestartScheduled != nil {
		s.hooks.RestartScheduled(s.def.ID, attempt, delay)
	}
	s.logger.Info("scheduling restart", "attempt", attempt, "delay", delay)

	time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen || s.status != service.StatusRestarting {
			// A stop or explicit start superseded the timer.
			return
		}
		if err := s.startLocked(); err != nil {
			s.logger.Error("automatic restart failed", "attempt", attempt, "error", err)
		}
	})
}

// pumpNotifications forwards framer notifications to subscribers until the
// run's transport closes.
func (s *Supervisor) pumpNotifications(run *childRun) {
	for {
		select {
		case msg := <-run.framer.notifications():
			s.notifs.Publish(msg)
		case <-run.framer.failedCh:
			// Drain whatever arrived before the failure.
			for {
				select {
				case msg := <-run.framer.notifications():
					s.notifs.Publish(msg)
				default:
					return
				}
			}
		}
	}
}

// watchTransport reaps the child when the framer declares the transport
// failed while the process is still alive (parse errors over threshold,
// write failure). Killing the group lets the wait loop run the crash
// handler, so a transport failure restarts the child the same way an exit
// does.
func (s *Supervisor) watchTransport(run *childRun) {
	select {
	case <-run.waitDone:
		return
	case <-run.framer.failedCh:
	}

	select {
	case <-run.waitDone:
		// The child already exited; waitLoop owns the transition.
		return
	default:
	}

	s.mu.Lock()
	current := s.gen == run.gen && s.status == service.StatusRunning
	s.mu.Unlock()
	if !current {
		return
	}

	_, cause := run.framer.failed()
	if cause != nil {
		run.transportErr.Store(&cause)
	}
	pid := run.cmd.Process.Pid
	s.logger.Warn("child transport failed, reaping child", "pid", pid, "error", cause)
	_ = killGroup(pid)
}

// healthLoop verifies OS-level liveness every health interval. A failed
// probe is treated like an exit: the child is killed so the wait loop reaps
// it and runs the crash handler.
func (s *Supervisor) healthLoop(run *childRun) {
	ticker := time.NewTicker(s.def.HealthInterval())
	defer ticker.Stop()

	pid := run.cmd.Process.Pid
	for {
		select {
		case <-run.waitDone:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		current := s.gen == run.gen && s.status == service.StatusRunning
		s.mu.Unlock()
		if !current {
			return
		}

		if !processAlive(pid) {
			s.logger.Warn("health probe failed, reaping child", "pid", pid)
			_ = killGroup(pid)
			return
		}
	}
}

// logSink captures child output into the ring buffer and the log hub, and
// counts notification drops.
func (s *Supervisor) logSink() LogSink {
	return func(level, message string) {
		entry := service.LogEntry{Timestamp: time.Now(), Level: level, Message: message}
		s.ring.Append(entry)
		s.logs.Publish(entry)
		s.logger.Debug("child output", "level", level, "message", message)
	}
}

// dropHook reports notification evictions to the observability hook.
func (s *Supervisor) dropHook() func() {
	if s.hooks.NotificationDropped == nil {
		return nil
	}
	id := s.def.ID
	return func() { s.hooks.NotificationDropped(id) }
}

func (s *Supervisor) setStatusLocked(st service.Status) {
	if s.status == st {
		return
	}
	s.status = st
	s.logger.Info("state transition", "status", st)
	if s.hooks.StateChanged != nil {
		s.hooks.StateChanged(s.def.ID, st)
	}
}

// mergedEnv overlays the definition's variables on the supervisor's
// environment.
func mergedEnv(overlay map[string]string) []string {
	env := os.Environ()
	if len(overlay) == 0 {
		return env
	}
	for k, v := range overlay {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
