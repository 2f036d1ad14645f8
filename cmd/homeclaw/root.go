package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Thioby/homeclaw-agent-sub000/internal/agent/config"
	"github.com/Thioby/homeclaw-agent-sub000/internal/kernel"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
	"github.com/Thioby/homeclaw-agent-sub000/internal/server"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "homeclaw",
	Short: "Conversational smart-home agent kernel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent kernel and websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real deployments set the environment.
		_ = godotenv.Load()

		if verbose {
			logging.SetDebug(true)
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		k, err := kernel.New(cfg)
		if err != nil {
			return err
		}
		defer k.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		k.Start(ctx)
		return server.New(k, cfg.Listen).Run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "homeclaw.yaml", "path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}
