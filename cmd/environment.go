package main

import (
	"context"
	"fmt"
	"os"

	"edusandbox/config"
	"edusandbox/executor"
	"edusandbox/lang"

	logrus "github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// sandboxLogger is the logrus logger shared by the execution side.
func sandboxLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

// newEnvironment configures and returns the shared execution environment
// for the configured transport. The cleanup func releases it.
func newEnvironment(ctx context.Context, cfg config.Config, logger *zap.Logger) (*executor.Manager, func(), error) {
	sandboxLog := sandboxLogger(cfg.LogLevel)
	cleanup := func() {}

	var spawner executor.Spawner
	switch cfg.Transport {
	case config.TransportProcess:
		binary := cfg.WorkerBinary
		if binary == "" {
			self, err := os.Executable()
			if err != nil {
				return nil, nil, fmt.Errorf("failed to locate worker binary: %w", err)
			}
			binary = self
		}
		spawner = executor.Process(binary, "worker")
	case config.TransportDocker:
		cm, err := executor.NewContainerManager(executor.ContainerConfig{
			Image:    cfg.WorkerImage,
			Cmd:      []string{"worker"},
			MemoryMB: cfg.WorkerMemoryMB,
			NanoCPUs: cfg.WorkerNanoCPUs,
		}, sandboxLog)
		if err != nil {
			return nil, nil, err
		}
		exists, err := cm.ImageExists(ctx)
		if err != nil {
			cm.Shutdown()
			return nil, nil, err
		}
		if !exists {
			cm.Shutdown()
			return nil, nil, fmt.Errorf("worker docker image %s not found", cfg.WorkerImage)
		}
		spawner = cm
		cleanup = cm.Shutdown
	default:
		spawner = executor.InProcess(lang.Options{Logger: sandboxLog, MaxSteps: cfg.MaxSteps})
	}

	executor.Configure(executor.Options{
		Spawner:         spawner,
		PreloadPackages: cfg.PreloadPackages,
		Logger:          sandboxLog,
	})
	m := executor.GetInstance()
	logger.Info("execution environment configured",
		zap.String("transport", cfg.Transport),
		zap.Strings("preload", cfg.PreloadPackages))

	return m, func() {
		executor.ResetInstance()
		cleanup()
	}, nil
}
