/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dogchuchu/apiserver/config"
	"github.com/dogchuchu/apiserver/internal/mq"
	"github.com/dogchuchu/apiserver/internal/notify"
	"github.com/spf13/cobra"
)

// workerCmd consumes verification email jobs from the broker.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Runs the verification email worker",
	Long: `Consumes verification email jobs from MQ_BACKEND and delivers them
through Resend, or logs them when RESEND_API_KEY is unset.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.MQ.Backend == config.MQBackendMemory {
			return errors.New("worker needs a shared broker; set MQ_BACKEND to rabbitmq or pubsub")
		}

		backend, err := mq.NewBackend(cmd.Context(), cfg.MQ)
		if err != nil {
			return fmt.Errorf("init mq: %w", err)
		}
		queue := mq.New(backend)
		defer queue.Close()

		logger := slog.Default()
		mailer := notify.NewMailer(cfg.Email.ResendAPIKey, cfg.Email.From, cfg.AppName, cfg.IsDev(), logger)
		return notify.NewWorker(queue, mailer, cfg.Email.Channel, logger).Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
