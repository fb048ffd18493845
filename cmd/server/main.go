package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/productmatch/backend/internal/api"
	"github.com/productmatch/backend/internal/config"
	"github.com/productmatch/backend/internal/engine"
	"github.com/productmatch/backend/internal/fetcher"
	"github.com/productmatch/backend/internal/history"
	"github.com/productmatch/backend/internal/storage"
	"github.com/productmatch/backend/internal/vocabulary"
	"github.com/productmatch/backend/internal/weights"
)

func main() {
	refreshOnly := flag.Bool("refresh", false, "run one corpus refresh and exit")
	flag.Parse()

	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Logging
	logger := logrus.New()
	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	entry := logger.WithField("service", "productmatch")

	entry.Info("Starting ProductMatch service")

	// 3. Tables
	vocab, err := vocabulary.Load(cfg.Vocabulary.Path)
	if err != nil {
		entry.Fatalf("Failed to load vocabulary: %v", err)
	}
	tbl, err := weights.Load(cfg.Weights.CurrentPath, cfg.Weights.InitialPath)
	if err != nil {
		entry.Fatalf("Failed to load weights: %v", err)
	}

	// 4. Storage
	products, err := storage.NewFileStorage(cfg.Corpus.ProductDir)
	if err != nil {
		entry.Fatalf("Failed to initialize product storage: %v", err)
	}
	corpus, err := storage.NewCorpusStore(cfg.Corpus.Dir, entry.WithField("component", "corpus"))
	if err != nil {
		entry.Fatalf("Failed to initialize corpus: %v", err)
	}

	// 5. Engine
	eng, err := engine.NewEngine(cfg, entry.WithField("component", "engine"), products, corpus, vocab, tbl)
	if err != nil {
		entry.Fatalf("Failed to initialize engine: %v", err)
	}

	if cfg.Feed.BaseURL != "" {
		client, err := fetcher.NewClient(cfg.Feed, entry.WithField("component", "feed_client"))
		if err != nil {
			entry.Fatalf("Failed to initialize feed client: %v", err)
		}
		eng.Source = client
	}

	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.Path)
		if err != nil {
			entry.Fatalf("Failed to open search history: %v", err)
		}
		eng.History = hist
	}
	closeHistory := func() {
		if hist == nil {
			return
		}
		if err := hist.Close(); err != nil {
			entry.WithError(err).Warn("Failed to close search history")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *refreshOnly {
		result, err := eng.Refresh(ctx)
		if err != nil {
			entry.WithError(err).Error("Refresh failed")
			closeHistory()
			os.Exit(1)
		}
		entry.WithFields(logrus.Fields{
			"vectorized": result.Batch.Vectorized,
			"skipped":    result.Batch.Skipped,
			"failed":     result.Batch.Failed,
			"partitions": len(result.Merge.PerCategory),
		}).Info("Refresh complete")
		closeHistory()
		return
	}

	// 6. API Server
	server := api.NewServer(eng, entry.WithField("component", "api"))
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		entry.Infof("ProductMatch API ready on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			entry.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	entry.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Error("Graceful shutdown failed")
	}

	// let a cancelled refresh discard its partials before exiting
	eng.StopRefresh()
	if err := eng.WaitRefresh(shutdownCtx); err != nil {
		entry.WithError(err).Warn("Refresh did not stop before shutdown timeout")
	}
	closeHistory()
}
