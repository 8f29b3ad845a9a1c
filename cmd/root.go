/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dogchuchu/apiserver/config"
	"github.com/dogchuchu/apiserver/internal/logger"
	"github.com/spf13/cobra"
)

var cfg config.Config

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dogchuchu",
	Short: "Dogchuchu feed backend",
	Long: `Dogchuchu feed backend: accounts with email verification, image posts
with predictions, likes and profiles.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.LoadConfig()
		logger.Init(cfg.IsDev(), cfg.SentryDSN)
	},
}

// Execute adds all child commands to the root command and runs it until
// SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
