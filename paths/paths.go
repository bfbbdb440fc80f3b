// Package paths resolves the supervisor's data directories.
//
// The XDG Base Directory Specification is honored when any XDG variable is set:
//
//   - Config (XDG_CONFIG_HOME): config.yaml
//   - Data (XDG_DATA_HOME): sessions/*.json
//   - State (XDG_STATE_HOME): logs/, run/
//
// Otherwise everything lives under ~/.plural-supervisor/.
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

const appDirName = "plural-supervisor"

var (
	mu       sync.Mutex
	resolved *layout
)

type layout struct {
	configDir string
	dataDir   string
	stateDir  string
	flat      bool
}

func resolve() (*layout, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	xdgData := os.Getenv("XDG_DATA_HOME")
	xdgState := os.Getenv("XDG_STATE_HOME")

	if xdgConfig == "" && xdgData == "" && xdgState == "" {
		dir := filepath.Join(home, "."+appDirName)
		resolved = &layout{configDir: dir, dataDir: dir, stateDir: dir, flat: true}
		return resolved, nil
	}

	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	if xdgData == "" {
		xdgData = filepath.Join(home, ".local", "share")
	}
	if xdgState == "" {
		xdgState = filepath.Join(home, ".local", "state")
	}
	resolved = &layout{
		configDir: filepath.Join(xdgConfig, appDirName),
		dataDir:   filepath.Join(xdgData, appDirName),
		stateDir:  filepath.Join(xdgState, appDirName),
	}
	return resolved, nil
}

// ConfigDir returns the directory holding config.yaml.
func ConfigDir() (string, error) {
	l, err := resolve()
	if err != nil {
		return "", err
	}
	return l.configDir, nil
}

// DataDir returns the directory for persistent data.
func DataDir() (string, error) {
	l, err := resolve()
	if err != nil {
		return "", err
	}
	return l.dataDir, nil
}

// StateDir returns the directory for logs and runtime files.
func StateDir() (string, error) {
	l, err := resolve()
	if err != nil {
		return "", err
	}
	return l.stateDir, nil
}

// ConfigFilePath returns the full path to config.yaml.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// SessionsDir returns the directory for persisted session records.
func SessionsDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions"), nil
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// RuntimeDir returns the directory for per-session temporary files such as
// generated MCP configs. Files here never outlive their session.
func RuntimeDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "run"), nil
}

// IsFlatLayout reports whether all directories collapse into ~/.plural-supervisor.
func IsFlatLayout() bool {
	l, err := resolve()
	if err != nil {
		return true
	}
	return l.flat
}

// Reset clears the cached resolution. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}
