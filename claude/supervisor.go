package claude

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrNotRunning is returned when writing to or signaling a process that
	// is not running.
	ErrNotRunning = errors.New("process not running")
	// ErrAlreadyStarted is returned by a second Start. Spawning is one-shot.
	ErrAlreadyStarted = errors.New("process already started")
	// ErrStopped is returned by a Start that follows Stop.
	ErrStopped = errors.New("process stopped before start")
)

// Supervisor timing.
const (
	// DefaultStopTimeout is the grace period between SIGTERM and SIGKILL.
	DefaultStopTimeout = 3 * time.Second

	// readerDrainTimeout bounds how long output readers may keep running after
	// the process exits, in case a grandchild still holds the pipes.
	readerDrainTimeout = 2 * time.Second

	stdoutReadSize = 64 * 1024
)

// SupervisorConfig describes the subprocess to run.
type SupervisorConfig struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        []string // nil inherits the parent environment

	// ConfigFile is a temporary file owned by this process (the generated MCP
	// config). It is removed by Stop and after exit.
	ConfigFile string

	StopTimeout time.Duration
}

// SupervisorCallbacks receive the subprocess's output and exit.
type SupervisorCallbacks struct {
	// OnStdout receives raw stdout bytes in arrival order from a single
	// goroutine. The slice is not reused.
	OnStdout func(chunk []byte)

	// OnExit is called exactly once per started process, after all stdout
	// has been delivered.
	OnExit func(info ExitInfo)
}

// Supervisor owns one subprocess: spawn, stdin, output capture, and
// escalating termination.
type Supervisor struct {
	cfg       SupervisorConfig
	callbacks SupervisorCallbacks
	log       *slog.Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         *stdinQueue
	stdout        *os.File
	stderr        *os.File
	stderrTail    *stderrTail
	started       bool
	running       bool
	stopRequested bool
	waitDone      chan struct{} // closed once cmd.Wait has returned
	exitDone      chan struct{} // closed after OnExit returns

	readers sync.WaitGroup
}

// NewSupervisor creates a supervisor. Nothing is spawned until Start.
func NewSupervisor(cfg SupervisorConfig, callbacks SupervisorCallbacks, log *slog.Logger) *Supervisor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Supervisor{
		cfg:        cfg,
		callbacks:  callbacks,
		log:        log,
		stderrTail: newStderrTail(stderrTailLines),
	}
}

// Start spawns the process in its own process group. A failed Start is
// final; the supervisor cannot be started again.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		if s.stopRequested {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}
	s.started = true

	startTime := time.Now()

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkingDir
	cmd.Env = s.cfg.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		s.removeConfigFile()
		s.log.Error("failed to start process", "command", s.cfg.Command, "error", err)
		return fmt.Errorf("failed to start process: %w", err)
	}
	// The child holds its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	writer, err := newOSPipeWriter(stdinW)
	if err != nil {
		// Stdin is unusable; take the process down rather than leave it orphaned.
		s.signalGroup(cmd.Process, unix.SIGKILL)
		closeAll(stdinW)
		go cmd.Wait()
		closeAll(stdoutR, stderrR)
		return fmt.Errorf("failed to prepare stdin: %w", err)
	}

	s.cmd = cmd
	s.stdin = newStdinQueue(writer, s.log, s.onWriteError)
	s.stdout = stdoutR
	s.stderr = stderrR
	s.running = true
	s.waitDone = make(chan struct{})
	s.exitDone = make(chan struct{})

	s.log.Info("process started", "elapsed", time.Since(startTime), "pid", cmd.Process.Pid)

	s.readers.Add(2)
	go func() {
		defer s.readers.Done()
		s.readStdout(stdoutR)
	}()
	go func() {
		defer s.readers.Done()
		s.drainStderr(stderrR)
	}()
	go s.monitorExit(cmd, s.waitDone, s.exitDone)

	return nil
}

// Pid returns the process id, or 0 if not running.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// IsRunning reports whether the process has been started and not yet exited.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Draining reports whether stdin payloads are queued behind a full pipe.
func (s *Supervisor) Draining() bool {
	s.mu.Lock()
	q := s.stdin
	s.mu.Unlock()
	return q != nil && q.Draining()
}

// Write encodes payload as one JSON line and sends it to stdin. It never
// blocks on a full pipe: the line is queued and flushed in order.
func (s *Supervisor) Write(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	q := s.stdin
	running := s.running && !s.stopRequested
	s.mu.Unlock()

	if !running || q == nil {
		return ErrNotRunning
	}
	return q.Write(data)
}

// Interrupt sends SIGINT to the process group, which makes the CLI abandon
// the current turn.
func (s *Supervisor) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.cmd == nil || s.cmd.Process == nil {
		return ErrNotRunning
	}
	s.log.Info("sending SIGINT", "pid", s.cmd.Process.Pid)
	return s.signalGroup(s.cmd.Process, unix.SIGINT)
}

// Stop terminates the process: SIGTERM to the group, then SIGKILL if it has
// not exited within StopTimeout. The config file is removed before any
// signal is sent. Stop returns once the exit has been reported and is safe
// to call more than once. Stop before Start makes Start fail with ErrStopped.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.removeConfigFile()

	if !s.started {
		s.started = true
		s.stopRequested = true
		s.mu.Unlock()
		return
	}
	if !s.running {
		exitDone := s.exitDone
		s.mu.Unlock()
		if exitDone != nil {
			<-exitDone
		}
		return
	}
	if s.stopRequested {
		exitDone := s.exitDone
		s.mu.Unlock()
		<-exitDone
		return
	}

	s.stopRequested = true
	proc := s.cmd.Process
	stdin := s.stdin
	waitDone := s.waitDone
	exitDone := s.exitDone
	s.mu.Unlock()

	s.log.Debug("stopping process", "pid", proc.Pid)
	stdin.Close()

	if err := s.signalGroup(proc, unix.SIGTERM); err != nil {
		s.log.Debug("SIGTERM failed", "error", err)
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	select {
	case <-waitDone:
		timer.Stop()
		s.log.Debug("process exited after SIGTERM")
	case <-timer.C:
		s.log.Warn("process ignored SIGTERM, killing", "pid", proc.Pid, "timeout", s.cfg.StopTimeout)
		if err := s.signalGroup(proc, unix.SIGKILL); err != nil {
			s.log.Debug("SIGKILL failed", "error", err)
		}
	}
	<-exitDone
}

// signalGroup signals the whole process group, falling back to the single
// process when the group is gone.
func (s *Supervisor) signalGroup(proc *os.Process, sig unix.Signal) error {
	if err := unix.Kill(-proc.Pid, sig); err == nil {
		return nil
	} else {
		s.log.Debug("group signal failed, signaling process", "signal", unix.SignalName(sig), "error", err)
	}
	if err := proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to send %s: %w", unix.SignalName(sig), err)
	}
	return nil
}

// removeConfigFile deletes the temporary config. Caller must hold mu or be
// the only user of s.
func (s *Supervisor) removeConfigFile() {
	if s.cfg.ConfigFile == "" {
		return
	}
	if err := os.Remove(s.cfg.ConfigFile); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove config file", "path", s.cfg.ConfigFile, "error", err)
	}
}

func (s *Supervisor) onWriteError(err error) {
	s.log.Error("stdin unusable, process is likely gone", "error", err)
}

func (s *Supervisor) readStdout(r io.Reader) {
	buf := make([]byte, stdoutReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && s.callbacks.OnStdout != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.callbacks.OnStdout(chunk)
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) {
				s.log.Debug("error reading stdout", "error", err)
			}
			return
		}
	}
}

func (s *Supervisor) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.stderrTail.Add(line)
		s.log.Debug("stderr", "line", truncateForLog(line))
	}
}

// monitorExit is the sole caller of cmd.Wait.
func (s *Supervisor) monitorExit(cmd *exec.Cmd, waitDone, exitDone chan struct{}) {
	defer close(exitDone)

	waitErr := cmd.Wait()
	close(waitDone)

	readersDone := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(readersDone)
	}()
	select {
	case <-readersDone:
	case <-time.After(readerDrainTimeout):
		s.log.Warn("output still open after exit, closing pipes")
		s.mu.Lock()
		closeAll(s.stdout, s.stderr)
		s.mu.Unlock()
		<-readersDone
	}

	s.mu.Lock()
	closeAll(s.stdout, s.stderr)
	s.stdout, s.stderr = nil, nil
	s.running = false
	requested := s.stopRequested
	stdin := s.stdin
	s.removeConfigFile()
	s.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}

	info := exitInfoFrom(waitErr)
	info.Stderr = s.stderrTail.Lines()
	info.Requested = requested

	s.log.Info("process exited",
		"code", info.Code,
		"signal", info.Signal,
		"requested", requested)

	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(info)
	}
}

func exitInfoFrom(err error) ExitInfo {
	if err == nil {
		return ExitInfo{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitInfo{Code: -1, Signal: unix.SignalName(ws.Signal())}
		}
		return ExitInfo{Code: exitErr.ExitCode()}
	}
	return ExitInfo{Code: -1, Err: err}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
