// Package app wires the startup sequence: configuration, logging, the
// instrument catalogue, and the quote cache.
package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"qamd/internal/domain"
	"qamd/internal/infra"
	"qamd/internal/infra/storage"
	"qamd/internal/quotecache"
)

// catalogueSyncInterval paces the background catalogue writer.
const catalogueSyncInterval = 60 * time.Second

// Bootstrap orchestrates the application startup sequence.
type Bootstrap struct {
	Config    *infra.Config
	Catalogue *storage.Catalogue
	Displays  *domain.DisplayMap
	Cache     *quotecache.Cache
}

// NewBootstrap creates a new Bootstrap instance.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization: config, logger, catalogue,
// display mappings, and the quote cache.
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping QAMD...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Open the instrument catalogue
	catalogue, err := storage.Open(cfg.Catalogue.Path)
	if err != nil {
		return err
	}
	b.Catalogue = catalogue
	slog.Info("✅ Catalogue initialized")

	// 4. Preload display mappings so early quotes resolve their prefixed form
	b.Displays = domain.NewDisplayMap()
	instruments, err := catalogue.All()
	if err != nil {
		slog.Warn("failed to preload catalogue", slog.Any("error", err))
	} else {
		for _, inst := range instruments {
			if inst.DisplayID != "" {
				b.Displays.Set(inst.RawID, inst.DisplayID)
			}
		}
		slog.Info("✅ Display mappings preloaded", slog.Int("count", b.Displays.Len()))
	}

	// 5. Quote cache
	b.Cache = quotecache.New(cfg.Cache.Capacity)
	slog.Info("✅ Quote cache ready", slog.Int("capacity", cfg.Cache.Capacity))

	return nil
}

// SyncCatalogue periodically persists instruments discovered at runtime so
// the next start preloads them.
func (b *Bootstrap) SyncCatalogue(ctx context.Context) {
	ticker := time.NewTicker(catalogueSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.syncOnce()
		}
	}
}

func (b *Bootstrap) syncOnce() {
	for rawID, displayID := range b.Displays.Snapshot() {
		if existing, err := b.Catalogue.Get(rawID); err == nil && existing.DisplayID == displayID {
			continue
		}

		exchange := ""
		if i := strings.IndexByte(displayID, '.'); i > 0 {
			exchange = displayID[:i]
		}
		inst := &domain.Instrument{
			RawID:     rawID,
			DisplayID: displayID,
			Exchange:  exchange,
			IsActive:  true,
		}
		if err := b.Catalogue.Upsert(inst); err != nil {
			slog.Warn("failed to persist instrument",
				slog.String("instrument", rawID), slog.Any("error", err))
		}
	}
}
