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

// The classifier monitor finalizes candidates whose dynamic analysis has
// matured: it loads the report, runs the external CNN model over the token
// stream, and writes the behavioral fitness.
//
// Usage:
//
//	classifier-monitor --classifier <path> --tokenizer <path> \
//	    --signatures wmi,com,cmd,benign [--settings settings.json] \
//	    [--inference-bin gimc-classify] [--vocab-size N] [--embed-dim N] \
//	    [--num-classes N] [--dropout F] [--poll-interval SECONDS]
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/jordigilh/gimc/internal/config"
	"github.com/jordigilh/gimc/internal/database"
	"github.com/jordigilh/gimc/pkg/classifier"
	"github.com/jordigilh/gimc/pkg/storage"
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
	classifierPath := flag.String("classifier", "", "path to the classifier checkpoint file")
	tokenizerPath := flag.String("tokenizer", "", "path to the tokenizer directory")
	signaturesArg := flag.String("signatures", "", "comma-separated list of class labels")
	inferenceBin := flag.String("inference-bin", "gimc-classify", "inference process entrypoint")
	vocabSize := flag.Int("vocab-size", 20000, "vocabulary size")
	embedDim := flag.Int("embed-dim", 128, "embedding dimension")
	numClasses := flag.Int("num-classes", 4, "number of classes")
	dropout := flag.Float64("dropout", 0.5, "dropout rate")
	pollInterval := flag.Int("poll-interval", 10, "poll interval in seconds")
	flag.Parse()

	bootLog := logrus.New()
	bootLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *classifierPath == "" || *tokenizerPath == "" || *signaturesArg == "" {
		fmt.Fprintln(os.Stderr,
			"Usage: classifier-monitor --classifier <path> --tokenizer <path> --signatures <comma-list> [options]")
		return exitUsage
	}

	var signatures classifier.Signatures
	for _, sig := range strings.Split(*signaturesArg, ",") {
		if sig = strings.TrimSpace(sig); sig != "" {
			signatures = append(signatures, sig)
		}
	}
	if len(signatures) == 0 {
		bootLog.Error("no class signatures provided")
		return exitUsage
	}

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	model := classifier.NewSubprocessClassifier(classifier.SubprocessConfig{
		Command:        *inferenceBin,
		CheckpointPath: *classifierPath,
		TokenizerPath:  *tokenizerPath,
		Signatures:     signatures,
		VocabSize:      *vocabSize,
		EmbedDim:       *embedDim,
		NumClasses:     *numClasses,
		Dropout:        *dropout,
	}, logger)

	// An optional bind-address/port pair exposes liveness and metrics for
	// the monitor process itself.
	if flag.NArg() == 2 {
		addr := fmt.Sprintf("%s:%s", flag.Arg(0), flag.Arg(1))
		go serveHealth(ctx, addr, logger)
	}

	scheduler := classifier.NewScheduler(
		storage.NewCandidateRepository(db, logger),
		storage.NewAnalysisRepository(db, logger),
		model,
		signatures,
		time.Duration(*pollInterval)*time.Second,
		logger,
	)
	scheduler.Run(ctx)
	return exitOK
}

func serveHealth(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "ok"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("monitor health endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health endpoint failed", zap.Error(err))
	}
}
