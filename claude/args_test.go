package claude

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

// flagValue returns the value following flag in args, or "" if absent.
func flagValue(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func TestBuildCommandArgs_NewSession(t *testing.T) {
	args := BuildCommandArgs(ProcessConfig{
		SessionID:       "sess-1",
		MCPConfigPath:   "/tmp/mcp.json",
		SystemPrompt:    "be brief",
		AllowedTools:    []string{"Read", "Bash(ls:*)"},
		PartialMessages: true,
	})

	for _, flag := range []string{"--print", "--verbose", "--include-partial-messages"} {
		if !slices.Contains(args, flag) {
			t.Errorf("missing %s in %v", flag, args)
		}
	}
	if got := flagValue(args, "--output-format"); got != "stream-json" {
		t.Errorf("--output-format = %q", got)
	}
	if got := flagValue(args, "--input-format"); got != "stream-json" {
		t.Errorf("--input-format = %q", got)
	}
	if got := flagValue(args, "--session-id"); got != "sess-1" {
		t.Errorf("--session-id = %q", got)
	}
	if slices.Contains(args, "--resume") || slices.Contains(args, "--continue") {
		t.Error("new session must not resume")
	}
	if got := flagValue(args, "--mcp-config"); got != "/tmp/mcp.json" {
		t.Errorf("--mcp-config = %q", got)
	}
	if got := flagValue(args, "--permission-prompt-tool"); got != "stdio" {
		t.Errorf("--permission-prompt-tool = %q", got)
	}
	if got := flagValue(args, "--append-system-prompt"); got != "be brief" {
		t.Errorf("--append-system-prompt = %q", got)
	}

	var tools []string
	for i, a := range args {
		if a == "--allowedTools" {
			tools = append(tools, args[i+1])
		}
	}
	if !slices.Equal(tools, []string{"Read", "Bash(ls:*)"}) {
		t.Errorf("allowed tools = %v", tools)
	}
}

func TestBuildCommandArgs_Resume(t *testing.T) {
	cfg := ProcessConfig{SessionID: "local", ResumeSessionID: "remote-9"}
	args := BuildCommandArgs(cfg)

	if got := flagValue(args, "--resume"); got != "remote-9" {
		t.Errorf("--resume = %q", got)
	}
	if slices.Contains(args, "--session-id") {
		t.Error("resume must not pass --session-id")
	}
	if slices.Contains(args, "--include-partial-messages") {
		t.Error("partial messages not requested")
	}
	if slices.Contains(args, "--mcp-config") || slices.Contains(args, "--append-system-prompt") {
		t.Errorf("unexpected optional flags: %v", args)
	}
	if !cfg.Resuming() {
		t.Error("Resuming should be true")
	}
}

func TestBuildCommandArgs_Continue(t *testing.T) {
	cfg := ProcessConfig{SessionID: "local", Continue: true}
	args := BuildCommandArgs(cfg)
	if !slices.Contains(args, "--continue") || slices.Contains(args, "--session-id") {
		t.Errorf("args = %v", args)
	}
	if !cfg.Resuming() {
		t.Error("Resuming should be true")
	}
	if (ProcessConfig{SessionID: "x"}).Resuming() {
		t.Error("fresh session should not be resuming")
	}
}

func TestWriteMCPConfig(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteMCPConfig(dir, "sess-1", []MCPServer{
		{Name: "github", Command: "gh-mcp", Args: []string{"--stdio"}},
		{Name: "local", Command: "/usr/bin/mcp"},
	})
	if err != nil {
		t.Fatalf("WriteMCPConfig: %v", err)
	}
	if path != filepath.Join(dir, "plural-mcp-sess-1.json") {
		t.Errorf("path = %q", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var cfg struct {
		MCPServers map[string]struct {
			Command string   `json:"command"`
			Args    []string `json:"args"`
		} `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if cfg.MCPServers["github"].Command != "gh-mcp" || !slices.Equal(cfg.MCPServers["github"].Args, []string{"--stdio"}) {
		t.Errorf("github = %+v", cfg.MCPServers["github"])
	}
	if cfg.MCPServers["local"].Args == nil {
		t.Error("args should be an empty array, not null")
	}
}

func TestWriteMCPConfig_NoServers(t *testing.T) {
	path, err := WriteMCPConfig(t.TempDir(), "sess-1", nil)
	if err != nil || path != "" {
		t.Errorf("WriteMCPConfig(nil) = %q, %v", path, err)
	}
}

func TestNewPermissionResponse(t *testing.T) {
	allow := NewPermissionResponse("r1", true, nil, []json.RawMessage{json.RawMessage(`{"type":"addRules"}`)}, "")
	data, err := json.Marshal(allow)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"control_response","response":{"subtype":"success","request_id":"r1","response":{"behavior":"allow","updatedInput":{},"updatedPermissions":[{"type":"addRules"}]}}}`
	if string(data) != want {
		t.Errorf("allow = %s\nwant   %s", data, want)
	}

	deny := NewPermissionResponse("r2", false, json.RawMessage(`{"command":"ls"}`), nil, "not now")
	data, err = json.Marshal(deny)
	if err != nil {
		t.Fatal(err)
	}
	want = `{"type":"control_response","response":{"subtype":"success","request_id":"r2","response":{"behavior":"deny","message":"not now"}}}`
	if string(data) != want {
		t.Errorf("deny = %s\nwant  %s", data, want)
	}
}
