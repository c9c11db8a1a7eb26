/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The evaluation service owns candidate records and dispatches build tasks
// to the build VM pool.
//
// Usage:
//
//	evaluation-service [--settings settings.json] <bind-address> <port>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/jordigilh/gimc/internal/config"
	"github.com/jordigilh/gimc/internal/database"
	"github.com/jordigilh/gimc/pkg/evaluation"
	"github.com/jordigilh/gimc/pkg/storage"
	"github.com/jordigilh/gimc/pkg/vmlifecycle"
)

const (
	exitOK          = 0
	exitUsage       = 1
	exitUnreachable = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	settingsPath := flag.String("settings", "settings.json", "path to the shared settings file")
	flag.Parse()

	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Usage: evaluation-service [--settings settings.json] <bind-address> <port>")
		return exitUsage
	}
	addr := fmt.Sprintf("%s:%s", flag.Arg(0), flag.Arg(1))

	bootLog := logrus.New()
	bootLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*settingsPath)
	if err != nil {
		bootLog.WithError(err).Error("failed to load settings")
		return exitUsage
	}

	logger, err := zap.NewProduction()
	if err != nil {
		bootLog.WithError(err).Error("failed to build logger")
		return exitUsage
	}
	defer func() { _ = logger.Sync() }()

	db, err := database.ConnectURI(cfg.DatabaseURI, bootLog)
	if err != nil {
		bootLog.WithError(err).Error("database unreachable")
		return exitUnreachable
	}
	defer func() { _ = db.Close() }()

	if err := database.Migrate(db, bootLog); err != nil {
		bootLog.WithError(err).Error("failed to migrate database")
		return exitUnreachable
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := vmlifecycle.NewDriver(cfg.VMProvider)
	if err != nil {
		bootLog.WithError(err).Error("invalid VM provider")
		return exitUsage
	}
	manager := vmlifecycle.NewManager(driver, cfg.Pool(config.PoolBuild), logger)

	// Requeue work stranded by a previous process before the fleet comes up.
	candidates := storage.NewCandidateRepository(db, logger)
	if n, err := candidates.ResetInFlight(ctx); err != nil {
		logger.Error("failed to reset in-flight candidates", zap.Error(err))
		return exitUnreachable
	} else if n > 0 {
		logger.Info("requeued stranded candidates", zap.Int64("count", n))
	}

	logger.Info("initializing build VM fleet",
		zap.Int("vms", len(cfg.Pool(config.PoolBuild))))
	if err := manager.InitializeFleet(ctx); err != nil {
		logger.Error("fleet initialization failed", zap.Error(err))
		return exitUnreachable
	}

	sandboxClient := evaluation.NewSandboxClient(cfg.SandboxURL, cfg.SandboxToken, logger)
	server := evaluation.NewServer(cfg, db, manager, sandboxClient, logger)

	watchdog := vmlifecycle.NewWatchdog(cfg.VMTimeout(), server.Sweep, logger)
	go watchdog.Run(ctx)

	if err := server.ListenAndServe(ctx, addr); err != nil {
		logger.Error("server failed", zap.Error(err))
		return exitUnreachable
	}
	manager.Wait()
	return exitOK
}
