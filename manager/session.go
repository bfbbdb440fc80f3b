package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zhubert/plural-supervisor/claude"
	"github.com/zhubert/plural-supervisor/permission"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusStopped  Status = "stopped" // ended by the user
	StatusExited   Status = "exited"  // the process ended on its own
)

// SessionInfo is a snapshot of a session for listing and persistence.
type SessionInfo struct {
	ID              string     `json:"id"`
	RemoteSessionID string     `json:"remote_session_id,omitempty"`
	WorkingDir      string     `json:"working_dir"`
	Status          Status     `json:"status"`
	Busy            bool       `json:"busy"`
	Replaying       bool       `json:"replaying"`
	PID             int        `json:"pid,omitempty"`
	Command         string     `json:"command,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	LastEventTime   *time.Time `json:"last_event_time,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	ExitSignal      string     `json:"exit_signal,omitempty"`
	PendingWrites   bool       `json:"pending_writes,omitempty"`
	DiscardedLines  int64      `json:"discarded_lines,omitempty"`
}

// Session is one supervised conversation: a process, its parser, and the
// protocol state machine fed from its stdout.
type Session struct {
	id         string
	workingDir string
	command    string
	createdAt  time.Time
	log        *slog.Logger

	supervisor *claude.Supervisor
	parser     *claude.StreamParser
	machine    *claude.StateMachine
	bridge     *permission.Bridge
	consumer   claude.Callbacks
	streamLog  io.WriteCloser
	onChange   func(*Session)
	changeMu   sync.Mutex // orders onChange calls

	ctx    context.Context // cancelled when the session ends
	cancel context.CancelFunc

	mu              sync.Mutex
	status          Status
	busy            bool
	remoteSessionID string
	exit            *claude.ExitInfo
	controls        map[string]context.CancelCauseFunc // CLI request id -> pending permission
	controlWG       sync.WaitGroup
}

// ID returns the local session id.
func (s *Session) ID() string {
	return s.id
}

// Status returns the lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastEventTime returns when the last valid record arrived from the process.
func (s *Session) LastEventTime() time.Time {
	return s.parser.LastEventTime()
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		ID:              s.id,
		RemoteSessionID: s.remoteSessionID,
		WorkingDir:      s.workingDir,
		Status:          s.status,
		Busy:            s.busy,
		Command:         s.command,
		CreatedAt:       s.createdAt,
	}
	if s.exit != nil {
		code := s.exit.Code
		info.ExitCode = &code
		info.ExitSignal = s.exit.Signal
	}
	live := s.status == StatusActive || s.status == StatusStarting
	s.mu.Unlock()

	if live {
		info.PID = s.supervisor.Pid()
		info.Replaying = s.machine.Replaying()
		info.PendingWrites = s.supervisor.Draining()
	}
	if t := s.parser.LastEventTime(); !t.IsZero() {
		info.LastEventTime = &t
	}
	info.DiscardedLines = s.parser.Discarded()
	return info
}

// start spawns the process. A spawn failure leaves the session exited and
// is reported to the consumer once.
func (s *Session) start() error {
	err := s.supervisor.Start()
	if errors.Is(err, claude.ErrStopped) {
		s.log.Info("session stopped before its process was spawned")
		s.closeStreamLog()
		return ErrSessionNotRunning
	}
	if err != nil {
		s.mu.Lock()
		s.status = StatusExited
		s.exit = &claude.ExitInfo{Code: -1, Err: err}
		s.mu.Unlock()
		s.cancel()
		s.closeStreamLog()
		s.notifyChange()
		if s.consumer.OnError != nil {
			s.consumer.OnError(err.Error())
		}
		return err
	}

	s.mu.Lock()
	// The process may already have exited between Start and here.
	if s.status == StatusStarting {
		s.status = StatusActive
	}
	s.mu.Unlock()
	s.notifyChange()
	return nil
}

// send writes one user turn. At most one turn may be in flight.
func (s *Session) send(text string) error {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return ErrSessionNotRunning
	}
	if s.busy {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	s.busy = true
	s.mu.Unlock()

	if err := s.supervisor.Write(claude.NewUserMessage(text)); err != nil {
		s.setBusy(false)
		if errors.Is(err, claude.ErrNotRunning) {
			return ErrSessionNotRunning
		}
		return err
	}
	s.log.Debug("message sent", "length", len(text))
	return nil
}

// interrupt aborts the current turn. The process stays alive.
func (s *Session) interrupt() error {
	if s.Status() != StatusActive {
		return ErrSessionNotRunning
	}
	if err := s.supervisor.Interrupt(); err != nil {
		if errors.Is(err, claude.ErrNotRunning) {
			return ErrSessionNotRunning
		}
		return err
	}
	n := s.bridge.CancelSession(s.id, permission.MessageSessionAborted)
	s.setBusy(false)
	s.log.Info("turn interrupted", "deniedPermissions", n)
	return nil
}

// stop terminates the process and marks the session stopped. Safe to call
// on a session that has already ended.
func (s *Session) stop() {
	s.mu.Lock()
	if s.status == StatusStopped || s.status == StatusExited {
		s.mu.Unlock()
		// Nothing is running, but the config file may still exist.
		s.supervisor.Stop()
		return
	}
	s.status = StatusStopped
	s.busy = false
	s.mu.Unlock()

	n := s.bridge.CancelSession(s.id, permission.MessageSessionStopped)
	s.cancel()
	s.log.Info("stopping session", "deniedPermissions", n)

	s.supervisor.Stop()
	s.notifyChange()
}

func (s *Session) setBusy(busy bool) {
	s.mu.Lock()
	s.busy = busy
	s.mu.Unlock()
}

func (s *Session) notifyChange() {
	if s.onChange == nil {
		return
	}
	s.changeMu.Lock()
	defer s.changeMu.Unlock()
	s.onChange(s)
}

// handleStdout runs on the supervisor's stdout goroutine.
func (s *Session) handleStdout(chunk []byte) {
	s.mu.Lock()
	if s.streamLog != nil {
		s.streamLog.Write(chunk)
	}
	s.mu.Unlock()
	for _, ev := range s.parser.Feed(chunk) {
		s.machine.Handle(ev)
	}
}

// handleProcessExit runs once, after the last stdout chunk.
func (s *Session) handleProcessExit(info claude.ExitInfo) {
	if n := s.parser.Pending(); n > 0 {
		s.log.Debug("decoding unterminated final line", "bytes", n)
	}
	for _, ev := range s.parser.Flush() {
		s.machine.Handle(ev)
	}
	s.machine.HandleExit(info)
}

// callbacks wraps the consumer's callbacks with the session's own
// bookkeeping.
func (s *Session) callbacks() claude.Callbacks {
	cb := s.consumer
	consumer := s.consumer

	cb.OnTurnComplete = func(stats claude.TurnStats) {
		s.setBusy(false)
		if consumer.OnTurnComplete != nil {
			consumer.OnTurnComplete(stats)
		}
	}
	cb.OnSystemInfo = func(remoteID string) {
		s.mu.Lock()
		s.remoteSessionID = remoteID
		s.mu.Unlock()
		s.log.Debug("remote session id", "remoteSessionID", remoteID)
		s.notifyChange()
		if consumer.OnSystemInfo != nil {
			consumer.OnSystemInfo(remoteID)
		}
	}
	cb.OnExit = func(info claude.ExitInfo) {
		s.finish(info)
		if consumer.OnExit != nil {
			consumer.OnExit(info)
		}
	}
	cb.OnControlRequest = s.handleControlRequest
	cb.OnControlCancel = s.handleControlCancel
	return cb
}

// finish records the exit and releases everything tied to the live process.
// A stop requested by the user keeps the session stopped.
func (s *Session) finish(info claude.ExitInfo) {
	s.mu.Lock()
	s.exit = &info
	s.busy = false
	if s.status != StatusStopped {
		s.status = StatusExited
	}
	status := s.status
	s.mu.Unlock()

	if n := s.bridge.CancelSession(s.id, permission.MessageSessionStopped); n > 0 {
		s.log.Debug("denied permissions of exited session", "count", n)
	}
	s.cancel()
	s.closeStreamLog()

	if status == StatusExited {
		s.log.Warn("process exited", "code", info.Code, "signal", info.Signal, "stderr", info.Stderr)
	} else {
		s.log.Info("process stopped", "code", info.Code, "signal", info.Signal)
	}
	s.notifyChange()
}

func (s *Session) closeStreamLog() {
	s.mu.Lock()
	w := s.streamLog
	s.streamLog = nil
	s.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

// handleControlRequest asks the permission bridge about a tool call and
// writes the answer back to the CLI. The wait happens off the stdout
// goroutine so other output keeps flowing.
func (s *Session) handleControlRequest(req claude.ControlRequest) {
	ctx, cancel := context.WithCancelCause(s.ctx)

	s.mu.Lock()
	if s.controls == nil {
		s.controls = make(map[string]context.CancelCauseFunc)
	}
	s.controls[req.RequestID] = cancel
	s.mu.Unlock()

	s.controlWG.Add(1)
	go func() {
		defer s.controlWG.Done()
		defer func() {
			s.mu.Lock()
			delete(s.controls, req.RequestID)
			s.mu.Unlock()
			cancel(nil)
		}()

		decision := s.bridge.RequestPermission(ctx, s.id, req.ToolName, req.Input, req.Suggestions)
		if errors.Is(context.Cause(ctx), permission.ErrRequestCancelled) {
			s.log.Debug("permission request withdrawn by CLI", "requestID", req.RequestID)
			return
		}

		resp := claude.NewPermissionResponse(req.RequestID, decision.Allowed(), req.Input, decision.Permissions, decision.Message)
		if err := s.supervisor.Write(resp); err != nil {
			s.log.Debug("could not deliver permission decision", "requestID", req.RequestID, "error", err)
			return
		}
		s.log.Debug("permission decision sent", "requestID", req.RequestID, "tool", req.ToolName, "action", decision.Action)
	}()
}

func (s *Session) handleControlCancel(requestID string) {
	s.mu.Lock()
	cancel := s.controls[requestID]
	s.mu.Unlock()
	if cancel != nil {
		cancel(permission.ErrRequestCancelled)
	}
}

// wait blocks until every permission goroutine has returned.
func (s *Session) wait() {
	s.controlWG.Wait()
}
