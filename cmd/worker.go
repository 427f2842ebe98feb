package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"edusandbox/config"
	"edusandbox/lang"

	"github.com/spf13/cobra"
)

// newWorkerCommand serves one execution context on stdin/stdout. The
// process and docker transports start it.
func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve one execution context over stdin and stdout",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := config.LoadConfig()
			return lang.ServeStream(ctx, os.Stdin, os.Stdout, lang.Options{
				Logger:   sandboxLogger(cfg.LogLevel),
				MaxSteps: cfg.MaxSteps,
			})
		},
	}
}
