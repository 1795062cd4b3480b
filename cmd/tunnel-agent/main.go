package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/termtunnel/termtunnel/internal/agent"
	"github.com/termtunnel/termtunnel/internal/config"
	"github.com/termtunnel/termtunnel/internal/logger"
	"github.com/termtunnel/termtunnel/internal/term"
)

func main() {
	root := &cobra.Command{
		Use:   "tunnel-agent",
		Short: "terminal tunnel agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadAgent(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if serverURL, _ := cmd.Flags().GetString("server"); serverURL != "" {
				cfg.Server.URL = serverURL
			}
			if name, _ := cmd.Flags().GetString("name"); name != "" {
				cfg.Agent.Name = name
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			agentID, err := uuid.Parse(cfg.Agent.ID)
			if err != nil {
				return fmt.Errorf("invalid agent id %q: %w", cfg.Agent.ID, err)
			}

			mgr := term.NewManager()
			defer mgr.CloseAll()

			client := &agent.Client{
				ServerURL:         cfg.Server.URL,
				AgentID:           agentID,
				Name:              cfg.Agent.Name,
				AdminToken:        cfg.Tokens.Admin,
				ShareToken:        cfg.Tokens.Share,
				ReconnectInterval: time.Duration(cfg.Server.ReconnectInterval) * time.Second,
				HeartbeatInterval: time.Duration(cfg.Server.HeartbeatInterval) * time.Second,
				AllowedDirs:       cfg.Directories.Allowed,
				Manager:           mgr,
			}

			fmt.Printf("agent %s (%s)\n", cfg.Agent.Name, agentID)
			fmt.Printf("admin token: %s\n", cfg.Tokens.Admin)
			fmt.Printf("share token: %s\n", cfg.Tokens.Share)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return client.Run(ctx)
		},
	}

	root.Flags().String("config", "agent.yaml", "config file path")
	root.Flags().String("server", "", "server URL override")
	root.Flags().String("name", "", "agent name override")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
