package domain

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Instrument is one catalogue entry. RawID is the gateway-native identifier;
// DisplayID is the downstream-visible form, usually "EXCHANGE.rawid".
type Instrument struct {
	RawID     string          `gorm:"primaryKey" json:"raw_id"`
	DisplayID string          `json:"display_id"`
	Exchange  string          `json:"exchange"`
	PriceTick decimal.Decimal `gorm:"type:text" json:"price_tick"`
	IsActive  bool            `json:"is_active"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StripExchangePrefix converts a display identifier to the gateway-native
// form by cutting everything up to and including the first dot.
func StripExchangePrefix(displayID string) string {
	if i := strings.IndexByte(displayID, '.'); i >= 0 {
		return displayID[i+1:]
	}
	return displayID
}

// ParseInsList splits a comma-separated ins_list field, dropping empty
// entries.
func ParseInsList(insList string) []string {
	parts := strings.Split(insList, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DisplayMap is the global raw_id -> display_id mapping. It is written on
// downstream subscribes and at catalogue load, and read on every depth
// callback.
type DisplayMap struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewDisplayMap creates an empty mapping.
func NewDisplayMap() *DisplayMap {
	return &DisplayMap{m: make(map[string]string)}
}

// Set records the display form for a raw id.
func (d *DisplayMap) Set(rawID, displayID string) {
	d.mu.Lock()
	d.m[rawID] = displayID
	d.mu.Unlock()
}

// Get resolves a raw id to its display form, falling back to the raw id
// itself when no mapping exists.
func (d *DisplayMap) Get(rawID string) string {
	d.mu.RLock()
	display, ok := d.m[rawID]
	d.mu.RUnlock()
	if !ok || display == "" {
		return rawID
	}
	return display
}

// Snapshot copies the full mapping. Used by the catalogue sync, never on
// the quote path.
func (d *DisplayMap) Snapshot() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.m))
	for k, v := range d.m {
		out[k] = v
	}
	return out
}

// Len returns the number of recorded mappings.
func (d *DisplayMap) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.m)
}
