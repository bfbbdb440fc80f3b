package claude

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MCPServer represents an external MCP server configuration
type MCPServer struct {
	Name    string
	Command string
	Args    []string
}

// MCPConfigFileName returns the name of a session's MCP config file.
func MCPConfigFileName(sessionID string) string {
	return fmt.Sprintf("plural-mcp-%s.json", sessionID)
}

// WriteMCPConfig writes the --mcp-config file for a session into dir and
// returns its path. With no servers nothing is written and "" is returned.
// The file belongs to the session's Supervisor, which deletes it on stop.
func WriteMCPConfig(dir, sessionID string, servers []MCPServer) (string, error) {
	if len(servers) == 0 {
		return "", nil
	}

	mcpServers := make(map[string]any, len(servers))
	for _, server := range servers {
		args := server.Args
		if args == nil {
			args = []string{}
		}
		mcpServers[server.Name] = map[string]any{
			"command": server.Command,
			"args":    args,
		}
	}

	configJSON, err := json.Marshal(map[string]any{"mcpServers": mcpServers})
	if err != nil {
		return "", err
	}

	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create MCP config dir: %w", err)
	}

	configPath := filepath.Join(dir, MCPConfigFileName(sessionID))
	if err := os.WriteFile(configPath, configJSON, 0600); err != nil {
		return "", fmt.Errorf("failed to write MCP config: %w", err)
	}
	return configPath, nil
}
