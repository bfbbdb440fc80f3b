package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-supervisor/cli"
	"github.com/zhubert/plural-supervisor/config"
	"github.com/zhubert/plural-supervisor/logger"
	"github.com/zhubert/plural-supervisor/manager"
	"github.com/zhubert/plural-supervisor/permission"
	"github.com/zhubert/plural-supervisor/process"
	"github.com/zhubert/plural-supervisor/server"
	"github.com/zhubert/plural-supervisor/store"
)

var version = "0.1.0"

// shutdownGrace bounds how long stopping all sessions may take.
const shutdownGrace = 15 * time.Second

var (
	configFlag string
	listenFlag string
	debugFlag  bool
	logFlag    string
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "plural-sessiond",
	Short:   "Supervise assistant CLI sessions and gate their tool use",
	Version: version,
	Long: `plural-sessiond runs one assistant CLI process per session, streams its
output to websocket clients, and holds every tool call that needs approval
until a human answers it over the REST API.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to config.yaml")
	rootCmd.Flags().StringVarP(&listenFlag, "listen", "l", "", "HTTP listen address (overrides config)")
	rootCmd.Flags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	rootCmd.Flags().StringVar(&logFlag, "log-file", "", "Log file path")

	rootCmd.AddCommand(sessionsCmd, clearLogsCmd, doctorCmd, mcpCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func serve(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cli.ValidateRequired(parent, cli.DefaultPrerequisites(cfg.GetClaudePath())); err != nil {
		return err
	}

	logPath := logFlag
	if logPath == "" {
		if logPath, err = logger.DefaultLogPath(); err != nil {
			return err
		}
	}
	if err := logger.Init(logPath); err != nil {
		return err
	}
	defer logger.Close()
	logger.SetDebug(debugFlag || cfg.IsDebug())
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, _, permissionTimeout := cfg.GetTimeouts()
	hub := server.NewHub(logger.WithComponent("hub"))
	bridge := permission.NewBridge(
		permission.WithNotifier(hub),
		permission.WithRuleStore(cfg),
		permission.WithAutoApprove(cfg.GetAutoApproveTools()),
		permission.WithAllowedTools(cfg.GetAllowedTools()),
		permission.WithTimeout(permissionTimeout),
	)

	st, err := store.NewFileStore("")
	if err != nil {
		return err
	}
	registry := manager.NewRegistry(cfg, bridge,
		manager.WithStore(st),
		manager.WithConsumer(hub.Callbacks),
	)
	if err := registry.Recover(ctx); err != nil {
		log.Warn("session recovery incomplete", "error", err)
	}

	go func() {
		err := cfg.Watch(ctx, func(c *config.Config) {
			bridge.SetAllowedTools(c.GetAllowedTools())
			logger.SetDebug(debugFlag || c.IsDebug())
			log.Info("config reloaded")
		})
		if err != nil {
			log.Warn("config hot reload disabled", "error", err)
		}
	}()

	addr := listenFlag
	if addr == "" {
		addr = cfg.GetListen()
	}
	log.Info("starting plural-sessiond", "version", version, "listen", addr, "config", cfg.FilePath(), "logFile", logger.Path())

	srv := server.New(registry, bridge, hub)
	serveErr := srv.ListenAndServe(ctx, addr)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop all sessions", "error", err)
	}
	log.Info("plural-sessiond stopped")
	return serveErr
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored session records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewFileStore("")
		if err != nil {
			return err
		}
		records, err := st.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		for _, rec := range records {
			fmt.Printf("%s  %-8s  %s  %s\n", rec.ID, rec.Status, rec.CreatedAt.Format(time.RFC3339), rec.WorkingDir)
		}
		return nil
	},
}

var clearLogsCmd = &cobra.Command{
	Use:   "clear-logs",
	Short: "Remove the daemon log and all stream logs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := logger.ClearLogs()
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d log file(s).\n", n)
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the configured CLI is installed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		prereqs := cli.DefaultPrerequisites(cfg.GetClaudePath())
		fmt.Print(cli.FormatCheckResults(cli.CheckAll(cmd.Context(), prereqs)))

		procs, err := process.FindClaudeProcesses(cfg.GetClaudePath())
		if err != nil {
			fmt.Printf("\nRunning CLI processes: unknown (%v)\n", err)
		} else {
			fmt.Printf("\nRunning CLI processes: %d\n", len(procs))
			for _, p := range procs {
				fmt.Printf("  pid %d  %s\n", p.PID, p.Executable)
			}
		}
		return cli.ValidateRequired(cmd.Context(), prereqs)
	},
}
