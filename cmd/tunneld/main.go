package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/termtunnel/termtunnel/internal/config"
	"github.com/termtunnel/termtunnel/internal/logger"
	"github.com/termtunnel/termtunnel/internal/server"
	"github.com/termtunnel/termtunnel/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "tunneld",
		Short: "terminal tunnel server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadServer(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			st, err := store.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			srv, err := server.New(cfg, st)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.ListenAndServe(ctx)
		},
	}

	root.Flags().String("config", "server.yaml", "config file path")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
