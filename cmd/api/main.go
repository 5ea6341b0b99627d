package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"catalogscan/internal/api"
	"catalogscan/internal/config"
	"catalogscan/internal/orchestrator"
	"catalogscan/internal/sessionstate"
)

func main() {
	_ = godotenv.Load()

	cfgPath := flag.String("config", os.Getenv("CATALOGSCAN_CONFIG"), "Path to the scanner configuration")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	maxConcFlag := flag.Int("max-concurrency", 0, "Maximum concurrent scan sessions")
	flag.Parse()

	baseCfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		baseCfg = *loaded
	}

	logger, err := baseCfg.Logging.NewLogger(os.Stdout)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	maxConcurrency := resolveMaxConcurrency(*maxConcFlag)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stateStore, err := sessionstate.NewRedisStoreFromEnv()
	if err != nil {
		logger.Error("failed to initialise redis session store", "error", err)
	}
	if stateStore != nil {
		defer stateStore.Close()
	}

	service, closeStore, err := orchestrator.Build(baseCfg, logger)
	if err != nil {
		log.Fatalf("failed to initialise scanner: %v", err)
	}
	defer closeStore()

	manager := api.NewSessionManager(service, maxConcurrency, ctx, logger, stateStore)
	server := api.NewServer(manager, logger)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		manager.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
	}()

	logger.Info("api server listening", "addr", *addr, "max_concurrency", maxConcurrency, "store", baseCfg.Store.Backend)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("api server stopped")
}

func resolveMaxConcurrency(flagValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	if raw := os.Getenv("CATALOGSCAN_MAX_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return 5
}
