package claude

// ProcessConfig holds what the CLI needs to start one session.
type ProcessConfig struct {
	// SessionID is the id a fresh session is created with.
	SessionID string
	// ResumeSessionID resumes a prior conversation; the CLI replays its history.
	ResumeSessionID string
	// Continue resumes the most recent conversation in the working directory.
	Continue bool

	MCPConfigPath   string
	SystemPrompt    string
	AllowedTools    []string
	PartialMessages bool // --include-partial-messages
}

// Resuming reports whether the session starts with a history replay.
func (c ProcessConfig) Resuming() bool {
	return c.ResumeSessionID != "" || c.Continue
}

// BuildCommandArgs builds the command line for the CLI. Permission prompts
// are routed over the stdio control channel.
func BuildCommandArgs(config ProcessConfig) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}

	switch {
	case config.ResumeSessionID != "":
		args = append(args, "--resume", config.ResumeSessionID)
	case config.Continue:
		args = append(args, "--continue")
	case config.SessionID != "":
		args = append(args, "--session-id", config.SessionID)
	}

	if config.PartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if config.MCPConfigPath != "" {
		args = append(args, "--mcp-config", config.MCPConfigPath)
	}
	args = append(args, "--permission-prompt-tool", "stdio")

	if config.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", config.SystemPrompt)
	}
	for _, tool := range config.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	return args
}
