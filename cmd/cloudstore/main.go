// Package main starts the cloud document store that relief nodes upload to
// when they have internet access.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"github.com/atinyakov/ReliefNet/internal/config"
	"github.com/atinyakov/ReliefNet/internal/db"
	"github.com/atinyakov/ReliefNet/internal/logger"
	"github.com/atinyakov/ReliefNet/internal/repository"
	"github.com/atinyakov/ReliefNet/internal/server/handler/http"
	"github.com/atinyakov/ReliefNet/internal/service"
	"go.uber.org/zap"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	cfgFile := flag.String("c", "", "config file (JSON, YAML or TOML)")
	flag.Parse()

	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	cfg, err := config.New(*cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	options, err := cfg.Options()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.New().WithFile(options.Log.File)
	defer func() { _ = log.Close() }()
	if err := log.Init(options.Log.Level); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	zapLogger := log.Log

	var repo service.DocumentRepository
	if options.Server.DSN != "" {
		postgresDB, err := db.InitPostgres(options.Server.DSN)
		if err != nil {
			zapLogger.Fatal("cannot init database", zap.Error(err))
		}
		defer postgresDB.Close()
		repo = repository.NewPostgresDocumentRepository(postgresDB)
	} else {
		zapLogger.Warn("no database configured, documents are kept in memory")
		repo = repository.NewMemoryDocumentRepository()
	}

	handler := &http.DocumentHandler{
		DocumentService: service.NewDocumentService(repo),
		Logger:          zapLogger,
	}
	router := http.NewRouter(handler, zapLogger, http.RouterOptions{
		RateLimit: options.Server.RateLimit,
		Burst:     options.Server.Burst,
	})

	server := &nethttp.Server{
		Addr:              options.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zapLogger.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	zapLogger.Info("starting document store", zap.String("addr", options.Server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		zapLogger.Fatal("failed to start HTTP server", zap.Error(err))
	}
	zapLogger.Info("document store stopped")
}
