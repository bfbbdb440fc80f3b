package config

import "slices"

// MCPServer is an external MCP server handed to every session.
type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// AddMCPServer adds a server, returning false if the name is taken.
func (c *Config) AddMCPServer(server MCPServer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.MCPServers {
		if s.Name == server.Name {
			return false
		}
	}
	c.MCPServers = append(c.MCPServers, server)
	return true
}

// RemoveMCPServer removes a server by name.
func (c *Config) RemoveMCPServer(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.MCPServers {
		if s.Name == name {
			c.MCPServers = slices.Delete(c.MCPServers, i, i+1)
			return true
		}
	}
	return false
}

// GetMCPServers returns a copy of the configured servers.
func (c *Config) GetMCPServers() []MCPServer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	servers := make([]MCPServer, len(c.MCPServers))
	for i, s := range c.MCPServers {
		servers[i] = MCPServer{Name: s.Name, Command: s.Command, Args: slices.Clone(s.Args)}
	}
	return servers
}
