package cmd

import (
	"os"
	"testing"
	"time"
)

func TestRowCountCache(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	t.Run("NewCache", func(t *testing.T) {
		cache, err := loadRowCountCache()
		if err != nil {
			t.Fatal(err)
		}
		if len(cache.Counts) != 0 {
			t.Fatal("new cache should have no entries")
		}
	})

	t.Run("SetAndGetCount", func(t *testing.T) {
		cache := &RowCountCache{Counts: make(map[string]RowCountEntry)}
		cache.setCount("dbo.items", 1000)

		count, found := cache.getCount("dbo.items")
		if !found {
			t.Fatal("count should be found")
		}
		if count != 1000 {
			t.Fatalf("expected count 1000, got %d", count)
		}
		if _, found := cache.getCount("dbo.other"); found {
			t.Fatal("unknown table should not be cached")
		}
	})

	t.Run("ExpiredEntry", func(t *testing.T) {
		cache := &RowCountCache{Counts: map[string]RowCountEntry{
			"dbo.items": {Count: 5, Timestamp: time.Now().Add(-25 * time.Hour)},
		}}
		if _, found := cache.getCount("dbo.items"); found {
			t.Fatal("expired entry should not be returned")
		}
		if len(cache.Counts) != 0 {
			t.Fatal("expired entry should be dropped")
		}
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		cache := &RowCountCache{Counts: map[string]RowCountEntry{
			"dbo.old": {Count: 1, Timestamp: time.Now().Add(-48 * time.Hour)},
		}}
		cache.setCount("dbo.items", 42)
		if err := cache.save(); err != nil {
			t.Fatal(err)
		}

		loaded, err := loadRowCountCache()
		if err != nil {
			t.Fatal(err)
		}
		if count, found := loaded.getCount("dbo.items"); !found || count != 42 {
			t.Fatalf("expected 42 from disk, got %d (found=%v)", count, found)
		}
		if _, exists := loaded.Counts["dbo.old"]; exists {
			t.Fatal("expired entries should be cleaned on load")
		}
	})

	t.Run("CorruptedCache", func(t *testing.T) {
		if err := os.WriteFile(getCachePath(), []byte("{not json"), 0o644); err != nil {
			t.Fatal(err)
		}
		cache, err := loadRowCountCache()
		if err != nil {
			t.Fatal(err)
		}
		if len(cache.Counts) != 0 {
			t.Fatal("corrupted cache should load empty")
		}
	})
}
