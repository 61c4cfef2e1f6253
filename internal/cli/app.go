package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"agentpulse/internal/config"
	"agentpulse/internal/logging"
	"agentpulse/internal/storage"
)

// loadConfig opens the config manager. A broken or missing file never stops
// the command; defaults are used and the problem is logged.
func loadConfig() (*config.Manager, *slog.Logger) {
	path := config.ResolvePath(configPath)
	manager, err := config.OpenManager(path)
	logger := logging.NewLogger(manager.Get().LogLevel)
	if err != nil {
		logger.Warn("config load failed, using defaults", "path", path, "err", err)
	}
	return manager, logger
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, migrate bool) (storage.Store, error) {
	st, err := storage.NewStore(cfg.Storage, storage.Options{
		Location: cfg.Location(),
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := st.Ping(pingCtx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ping storage: %w", err)
	}
	if migrate {
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate storage: %w", err)
		}
	}
	return st, nil
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "agentpulse"
	}
	return host
}
