package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Brownie44l1/agricure-api/internal/cache"
	"github.com/Brownie44l1/agricure-api/internal/config"
	"github.com/Brownie44l1/agricure-api/internal/detector"
	"github.com/Brownie44l1/agricure-api/internal/diseaseinfo"
	"github.com/Brownie44l1/agricure-api/internal/handlers"
	"github.com/Brownie44l1/agricure-api/internal/history"
	"github.com/Brownie44l1/agricure-api/internal/logging"
	"github.com/Brownie44l1/agricure-api/internal/metrics"
	"github.com/Brownie44l1/agricure-api/internal/model"
	"github.com/Brownie44l1/agricure-api/internal/preprocess"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agricure: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger := logging.Init(cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))
	logger.Info("starting", "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	labels, err := model.ResolveLabels(cfg.Model.MetadataPath)
	if err != nil {
		logger.Warn("model metadata unreadable; using built-in labels", "path", cfg.Model.MetadataPath, "err", err)
	}

	info, err := diseaseinfo.Load(cfg.Detection.DiseaseInfoPath)
	if err != nil {
		logger.Warn("disease info unavailable; results will carry generic text",
			"path", cfg.Detection.DiseaseInfoPath, "err", err)
		info = diseaseinfo.Empty()
	} else {
		logger.Info("disease info loaded", "path", cfg.Detection.DiseaseInfoPath, "diseases", info.Len())
	}

	engine := model.NewEngine(func() (model.Predictor, error) {
		logger.Info("loading model", "path", cfg.Model.Path)
		return model.NewServer(cfg.Model.Path, cfg.Model.MetadataPath, cfg.Model.LibraryPath)
	},
		model.WithLogger(logger),
		model.WithLoadObserver(m.ModelLoad),
	)
	// Closed last, after the HTTP server has drained.
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("model close failed", "err", err)
		}
	}()

	formatter := model.NewFormatter(labels, info, model.Policy{
		Threshold:             cfg.Detection.ConfidenceThreshold,
		RequireSymptomAndCure: cfg.Detection.RequireSymptomAndCure,
	}, logger)

	filter, err := preprocess.ParseFilter(cfg.Detection.Resample)
	if err != nil {
		return err
	}

	resultCache, err := cache.New(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer resultCache.Close()

	namespace := cache.Fingerprint(
		cfg.Model.Path,
		cfg.Model.MetadataPath,
		cfg.Detection.Resample,
		strconv.Itoa(labels.Len()),
		strconv.FormatFloat(cfg.Detection.ConfidenceThreshold, 'g', -1, 64),
		strconv.FormatBool(cfg.Detection.RequireSymptomAndCure),
		cfg.Detection.DiseaseInfoPath,
		strconv.Itoa(info.Len()),
	)
	logger.Info("result cache ready", "backend", cfg.Cache.Backend, "namespace", namespace)

	detectorOpts := []detector.Option{
		detector.WithCache(resultCache),
		detector.WithCacheNamespace(namespace),
		detector.WithRecorder(m),
		detector.WithWorkers(cfg.Detection.Workers),
		detector.WithLogger(logger),
	}
	var handlerOpts []handlers.Option

	if cfg.History.DBPath != "" {
		store, err := history.Open(cfg.History.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := history.StartPruner(ctx, store, cfg.History.PruneSchedule, cfg.History.Retention, logger); err != nil {
			return err
		}
		detectorOpts = append(detectorOpts, detector.WithHistory(store))
		handlerOpts = append(handlerOpts, handlers.WithHistory(store))
		logger.Info("prediction history enabled", "path", cfg.History.DBPath)
	}

	svc := detector.New(engine, formatter, preprocess.NewNormalizer(filter, preprocess.WithMaxPixels(int64(cfg.Detection.MaxPixels))), detectorOpts...)

	handlerOpts = append(handlerOpts,
		handlers.WithMaxUploadBytes(int64(cfg.Server.MaxUploadMB)<<20),
		handlers.WithLogger(logger),
	)
	handler, err := handlers.NewHandler(svc, engine, handlerOpts...)
	if err != nil {
		return err
	}

	mux := handler.Routes()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           m.Middleware(logger, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Model.WarmOnStart {
		go func() {
			rep := engine.Warmup()
			logger.Info("warm-up finished", "loaded", rep.Loaded, "elapsed", rep.LoadDuration)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", server.Addr,
			"endpoints", []string{"GET /health", "POST /api/detect", "POST /api/warmup", "GET /api/history", "GET /upload", "GET /metrics"})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	stop()
	logger.Info("server stopped")
	return nil
}
