// Package process finds and cleans up CLI processes left behind by a
// previous run of the daemon.
package process

import (
	"errors"
	"fmt"
	"path/filepath"

	ps "github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"

	"github.com/zhubert/plural-supervisor/logger"
)

// commNameLimit is how much of the executable name the kernel reports.
const commNameLimit = 15

// ClaudeProcess represents a running process found on the system.
type ClaudeProcess struct {
	PID        int    // Process ID
	Executable string // Executable name as reported by the OS
}

// Candidate is a PID recorded by a previous run together with the command it
// was started with.
type Candidate struct {
	SessionID string
	PID       int
	Command   string
}

// executableMatches compares an OS-reported executable name against the
// command a process was started with.
func executableMatches(executable, command string) bool {
	want := filepath.Base(command)
	if len(want) > commNameLimit && len(executable) == commNameLimit {
		want = want[:commNameLimit]
	}
	return executable == want
}

// FindClaudeProcesses lists running processes whose executable matches command.
func FindClaudeProcesses(command string) ([]ClaudeProcess, error) {
	log := logger.WithComponent("process")

	procs, err := ps.Processes()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	var processes []ClaudeProcess
	for _, p := range procs {
		if executableMatches(p.Executable(), command) {
			processes = append(processes, ClaudeProcess{PID: p.Pid(), Executable: p.Executable()})
		}
	}

	log.Debug("found CLI processes", "command", command, "count", len(processes))
	return processes, nil
}

// Lookup returns the live process for pid if its executable still matches
// command. A recycled PID running something else reports false.
func Lookup(pid int, command string) (ClaudeProcess, bool, error) {
	if pid <= 0 {
		return ClaudeProcess{}, false, nil
	}
	p, err := ps.FindProcess(pid)
	if err != nil {
		return ClaudeProcess{}, false, fmt.Errorf("failed to look up pid %d: %w", pid, err)
	}
	if p == nil || !executableMatches(p.Executable(), command) {
		return ClaudeProcess{}, false, nil
	}
	return ClaudeProcess{PID: p.Pid(), Executable: p.Executable()}, true, nil
}

// KillGroup sends SIGKILL to the process group led by pid, falling back to
// the single process.
func KillGroup(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err == nil {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill pid %d: %w", pid, err)
	}
	return nil
}

// CleanupOrphanedProcesses kills every candidate that is still running the
// recorded command. Returns the number of processes killed.
func CleanupOrphanedProcesses(candidates []Candidate) (int, error) {
	log := logger.WithComponent("process")

	killed := 0
	var errs []error
	for _, c := range candidates {
		proc, alive, err := Lookup(c.PID, c.Command)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !alive {
			continue
		}
		log.Info("killing orphaned CLI process", "pid", proc.PID, "sessionID", c.SessionID)
		if err := KillGroup(proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			errs = append(errs, err)
			continue
		}
		killed++
	}

	return killed, errors.Join(errs...)
}
