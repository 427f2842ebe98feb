package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"edusandbox/config"
	"edusandbox/console"
	zap_betterstack "edusandbox/logger"
	"edusandbox/service"

	"github.com/spf13/cobra"
)

var errRunFailed = errors.New("script raised an error")

func newRunCommand() *cobra.Command {
	var (
		imageDir string
		timeout  time.Duration
		packages []string
		plain    bool
	)
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a script file in the sandbox and print its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg := config.LoadConfig()
			cfg.PreloadPackages = append(cfg.PreloadPackages, packages...)

			logger, err := zap_betterstack.New("production", "error")
			if err != nil {
				return err
			}
			defer logger.Sync()

			env, cleanup, err := newEnvironment(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			var formatter service.Formatter = service.SymbolFormatter{}
			if plain {
				formatter = service.PlainFormatter{}
			}
			coordinator := service.NewCoordinator(env, service.Config{
				MaxCodeLength: cfg.MaxCodeLength,
				Formatter:     formatter,
				Logger:        logger,
			})

			out := cmd.OutOrStdout()
			editor, err := console.NewFileEditor(args[0], out)
			if err != nil {
				return err
			}
			sinks := console.NewTerminalSinks(out, imageDir)

			runCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			run, err := coordinator.Run(runCtx, service.RunOptions{
				Editor:   editor,
				Prompter: console.NewStdinPrompter(os.Stdin, out),
				Sinks:    sinks,
				OutputID: "output",
				ErrorID:  "error",
			})
			if err != nil {
				return err
			}
			if err := run.Wait(runCtx); err != nil {
				coordinator.Cancel()
				return fmt.Errorf("run did not finish: %w", err)
			}
			if sinks.Failed() {
				return errRunFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&imageDir, "images", "figures", "directory for rendered figures")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "maximum run time, 0 for none")
	cmd.Flags().StringSliceVar(&packages, "packages", nil, "packages to preload")
	cmd.Flags().BoolVar(&plain, "plain", false, "print output without symbol substitution")
	return cmd
}
