package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-supervisor/config"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Manage MCP servers handed to every session",
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured MCP servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		servers := cfg.GetMCPServers()
		if len(servers) == 0 {
			fmt.Println("No MCP servers configured.")
			return nil
		}
		for _, s := range servers {
			fmt.Printf("%s: %s %v\n", s.Name, s.Command, s.Args)
		}
		return nil
	},
}

var mcpAddCmd = &cobra.Command{
	Use:   "add <name> <command> [args...]",
	Short: "Add an MCP server",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		srv := config.MCPServer{Name: args[0], Command: args[1], Args: args[2:]}
		if !cfg.AddMCPServer(srv) {
			return fmt.Errorf("MCP server %q already exists", srv.Name)
		}
		if err := cfg.Save(); err != nil {
			return err
		}
		fmt.Printf("Added MCP server %s.\n", srv.Name)
		return nil
	},
}

var mcpRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an MCP server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.RemoveMCPServer(args[0]) {
			return fmt.Errorf("MCP server %q not found", args[0])
		}
		if err := cfg.Save(); err != nil {
			return err
		}
		fmt.Printf("Removed MCP server %s.\n", args[0])
		return nil
	},
}

func init() {
	mcpCmd.AddCommand(mcpListCmd, mcpAddCmd, mcpRemoveCmd)
}
