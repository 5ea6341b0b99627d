package orchestrator

import (
	"fmt"
	"log/slog"

	"catalogscan/internal/config"
	"catalogscan/internal/fetcher"
	"catalogscan/internal/robots"
	"catalogscan/internal/storage"
)

// Build assembles the fetcher, discovery store and robots gate described by
// cfg into a Service. The returned close function releases the store.
func Build(cfg config.Config, logger *slog.Logger) (*Service, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, httpFetcher, err := fetcher.New(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initialise fetcher: %w", err)
	}
	store, err := storage.New(cfg.Store, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initialise discovery store: %w", err)
	}

	opts := []Option{WithLogger(logger)}
	if cfg.Robots.Respect {
		opts = append(opts, WithRobots(robots.New(cfg.Robots, httpFetcher.Client())))
	}
	return NewService(cfg, f, store, opts...), store.Close, nil
}
