// Package cache provides caching for rendered map images and derived
// tables.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ImageCacheSizeMB int
	ImageTTL         time.Duration
	TableCacheSize   int
}

// Manager manages the image and derived-table caches.
type Manager struct {
	imageCache *bigcache.BigCache
	tableCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	imageCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.ImageTTL,
		CleanWindow:        cfg.ImageTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       512 * 1024, // full-raster PNGs run larger than tiles
		HardMaxCacheSize:   cfg.ImageCacheSizeMB,
		Verbose:            false,
	}

	imageCache, err := bigcache.New(context.Background(), imageCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}

	tableCache, err := lru.New[string, []byte](cfg.TableCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create table cache: %w", err)
	}

	return &Manager{
		imageCache: imageCache,
		tableCache: tableCache,
	}, nil
}

// GetImage retrieves a rendered image from cache.
func (m *Manager) GetImage(key string) ([]byte, bool) {
	data, err := m.imageCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetImage stores a rendered image in cache.
func (m *Manager) SetImage(key string, data []byte) error {
	return m.imageCache.Set(key, data)
}

// GetTable retrieves an encoded derived table from cache.
func (m *Manager) GetTable(key string) ([]byte, bool) {
	return m.tableCache.Get(key)
}

// SetTable stores an encoded derived table in cache.
func (m *Manager) SetTable(key string, data []byte) {
	m.tableCache.Add(key, data)
}

// MapKey generates a cache key for a rendered ion map.
func MapKey(analysis, variable, colormapName string, minV, maxV *float64, withBorders bool) string {
	return fmt.Sprintf("map:%s:%s:%s:%s:%s:%t",
		analysis, variable, colormapName, rangePart(minV), rangePart(maxV), withBorders)
}

// DerivedKey generates a cache key for a rendered derived-quantity map. The
// spec string (e.g. "ratio:13C:12C") is hashed so arbitrary expressions
// stay within key-size limits.
func DerivedKey(analysis, spec, colormapName string, minV, maxV *float64, withBorders bool) string {
	h := sha256.Sum256([]byte(spec))
	return fmt.Sprintf("derived:%s:%s:%s:%s:%s:%t",
		analysis, hex.EncodeToString(h[:8]), colormapName, rangePart(minV), rangePart(maxV), withBorders)
}

// BorderKey generates a cache key for an analysis's border table.
func BorderKey(analysis string) string {
	return "borders:" + analysis
}

// FacetKey generates a cache key for a facet sheet.
func FacetKey(analysis string, variables []string, colormapName string, withBorders bool, cols int) string {
	return fmt.Sprintf("facets:%s:%s:%s:%t:%d",
		analysis, strings.Join(variables, ","), colormapName, withBorders, cols)
}

func rangePart(v *float64) string {
	if v == nil {
		return "auto"
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"image_cache_len": m.imageCache.Len(),
		"image_cache_cap": m.imageCache.Capacity(),
		"table_cache_len": m.tableCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.imageCache.Close()
}
