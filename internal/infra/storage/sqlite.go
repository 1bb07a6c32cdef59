// Package storage persists the instrument catalogue in a SQLite file. The
// catalogue is off the quote hot path: it is read at startup to preload
// display mappings and written when instruments are discovered.
package storage

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"qamd/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Catalogue wraps the instrument database. Open creates the file and schema
// when they do not exist yet.
type Catalogue struct {
	db *gorm.DB
}

// Open opens or creates the catalogue at path.
func Open(path string) (*Catalogue, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalogue %s: %w", path, err)
	}

	if err := db.AutoMigrate(&domain.Instrument{}); err != nil {
		return nil, fmt.Errorf("migrate catalogue: %w", err)
	}

	var count int64
	db.Model(&domain.Instrument{}).Count(&count)
	slog.Info("catalogue opened", slog.String("path", path), slog.Int64("instruments", count))

	return &Catalogue{db: db}, nil
}

// Upsert inserts or refreshes one instrument keyed by its raw id.
func (c *Catalogue) Upsert(inst *domain.Instrument) error {
	inst.UpdatedAt = time.Now()
	return c.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "raw_id"}},
		UpdateAll: true,
	}).Create(inst).Error
}

// Get looks up one instrument by raw id.
func (c *Catalogue) Get(rawID string) (*domain.Instrument, error) {
	var inst domain.Instrument
	if err := c.db.First(&inst, "raw_id = ?", rawID).Error; err != nil {
		return nil, err
	}
	return &inst, nil
}

// All returns every catalogue entry.
func (c *Catalogue) All() ([]domain.Instrument, error) {
	var out []domain.Instrument
	if err := c.db.Order("raw_id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Search returns instruments whose raw or display id contains the query,
// case-insensitive.
func (c *Catalogue) Search(query string) ([]domain.Instrument, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	var out []domain.Instrument
	err := c.db.
		Where("lower(raw_id) LIKE ? OR lower(display_id) LIKE ?", pattern, pattern).
		Order("raw_id").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of catalogue entries.
func (c *Catalogue) Count() (int64, error) {
	var count int64
	err := c.db.Model(&domain.Instrument{}).Count(&count).Error
	return count, err
}

// Close releases the underlying database handle.
func (c *Catalogue) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
