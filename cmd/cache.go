package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// rowCountTTL is how long a cached source row count is trusted
const rowCountTTL = 24 * time.Hour

// RowCountCache remembers source table row counts between runs so progress
// totals do not need a COUNT(*) on every start
type RowCountCache struct {
	mu     sync.Mutex
	Counts map[string]RowCountEntry `json:"counts"`
}

type RowCountEntry struct {
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

func getCachePath() string {
	homeDir, _ := os.UserHomeDir()
	cacheDir := filepath.Join(homeDir, ".data-checker", "cache")
	_ = os.MkdirAll(cacheDir, 0o755)
	return filepath.Join(cacheDir, "row_counts.json")
}

func loadRowCountCache() (*RowCountCache, error) {
	data, err := os.ReadFile(getCachePath())
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty cache if file doesn't exist
			return &RowCountCache{Counts: make(map[string]RowCountEntry)}, nil
		}
		return nil, err
	}

	var cache RowCountCache
	if err := json.Unmarshal(data, &cache); err != nil {
		// If cache is corrupted, return empty cache
		return &RowCountCache{Counts: make(map[string]RowCountEntry)}, nil
	}
	if cache.Counts == nil {
		cache.Counts = make(map[string]RowCountEntry)
	}
	cache.cleanExpired()
	return &cache, nil
}

func (c *RowCountCache) save() error {
	c.mu.Lock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(getCachePath(), data, 0o644)
}

func (c *RowCountCache) getCount(table string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.Counts[table]
	if !exists {
		return 0, false
	}
	if time.Since(entry.Timestamp) > rowCountTTL {
		delete(c.Counts, table)
		return 0, false
	}
	return entry.Count, true
}

func (c *RowCountCache) setCount(table string, count int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Counts[table] = RowCountEntry{
		Count:     count,
		Timestamp: time.Now(),
	}
}

func (c *RowCountCache) cleanExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for table, entry := range c.Counts {
		if time.Since(entry.Timestamp) > rowCountTTL {
			delete(c.Counts, table)
		}
	}
}
