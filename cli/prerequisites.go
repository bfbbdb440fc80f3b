// Package cli checks that the assistant CLI the daemon supervises is
// installed and runnable.
package cli

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	versionTimeout   = 5 * time.Second
	maxVersionLength = 100
)

// Prerequisite is an executable the daemon needs.
type Prerequisite struct {
	Name        string // Display name (e.g., "claude")
	Command     string // Executable name or path to look up
	Required    bool   // Whether the daemon can run without it
	Description string
	InstallURL  string
}

// DefaultPrerequisites returns the executables needed to run sessions with
// the given CLI path.
func DefaultPrerequisites(claudePath string) []Prerequisite {
	if claudePath == "" {
		claudePath = "claude"
	}
	return []Prerequisite{
		{
			Name:        "claude",
			Command:     claudePath,
			Required:    true,
			Description: "Claude Code CLI",
			InstallURL:  "https://claude.ai/code",
		},
	}
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // resolved executable
	Version      string // first line of --version, if it ran
	Error        error
}

// Check resolves the prerequisite's executable and asks it for its version.
func Check(ctx context.Context, prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	command := prereq.Command
	if command == "" {
		command = prereq.Name
	}
	path, err := exec.LookPath(command)
	if err != nil {
		result.Error = fmt.Errorf("%s not found: %w", command, err)
		return result
	}

	result.Found = true
	result.Path = path
	result.Version = getVersion(ctx, path)
	return result
}

// CheckAll checks every prerequisite.
func CheckAll(ctx context.Context, prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(ctx, prereq)
	}
	return results
}

// ValidateRequired returns an error naming every required prerequisite that
// is missing.
func ValidateRequired(ctx context.Context, prereqs []Prerequisite) error {
	var missing []string
	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		if result := Check(ctx, prereq); !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
				result.Prerequisite.Command, prereq.Description, prereq.InstallURL))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required CLI tools:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

func getVersion(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return ""
	}
	first, _, _ := strings.Cut(string(output), "\n")
	version := strings.TrimSpace(first)
	if len(version) > maxVersionLength {
		version = version[:maxVersionLength] + "..."
	}
	return version
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("CLI Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		fmt.Fprintf(&sb, "  %s %s", status, r.Prerequisite.Name)
		switch {
		case r.Found && r.Version != "":
			fmt.Fprintf(&sb, " (%s) %s", r.Version, r.Path)
		case r.Found:
			fmt.Fprintf(&sb, " %s", r.Path)
		case r.Prerequisite.Required:
			sb.WriteString(" [REQUIRED]")
		default:
			sb.WriteString(" [optional]")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
