// Package cache keeps a bounded local copy of message bodies fetched from
// S3. Files are stored under their content hash and tracked in a SQLite
// index that drives least-recently-stored eviction. Every read is checked
// against the content hash so a damaged file is dropped instead of being
// served.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/helpers"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/pkg/metrics"
	_ "modernc.org/sqlite"
)

const DataDir = "data"
const IndexDB = "cache_index.db"

type Cache struct {
	basePath      string
	capacity      int64
	maxObjectSize int64
	purgeInterval time.Duration
	db            *sql.DB
	mu            sync.Mutex

	cacheHits   int64
	cacheMisses int64
}

func New(basePath string, maxSizeBytes int64, maxObjectSize int64, purgeInterval time.Duration) (*Cache, error) {
	basePath = filepath.Clean(strings.TrimSpace(basePath))
	if basePath == "" || basePath == "." {
		return nil, fmt.Errorf("cache base path cannot be empty")
	}

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path %s: %w", dataDir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, IndexDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index DB: %w", err)
	}
	// database/sql would otherwise open several connections to one file.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Cache: failed to set WAL journal mode", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		path TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mod_time TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_mod_time ON cache_index(mod_time);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	return &Cache{
		basePath:      basePath,
		capacity:      maxSizeBytes,
		maxObjectSize: maxObjectSize,
		purgeInterval: purgeInterval,
		db:            db,
	}, nil
}

// Close closes the cache index.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Get returns the cached body for contentHash. It returns consts.ErrCacheMiss
// when nothing is cached and consts.ErrCacheCorrupt when the file on disk no
// longer hashes to contentHash; a corrupt entry is removed.
func (c *Cache) Get(contentHash string) ([]byte, error) {
	path := c.GetPathForContentHash(contentHash)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			atomic.AddInt64(&c.cacheMisses, 1)
			metrics.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
			return nil, consts.ErrCacheMiss
		}
		metrics.CacheOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, err
	}

	if helpers.HashContent(data) != contentHash {
		logger.Warn("Cache: content hash mismatch, evicting", "path", path)
		metrics.CacheOperationsTotal.WithLabelValues("get", "corrupt").Inc()
		if err := c.Delete(contentHash); err != nil {
			logger.Warn("Cache: failed to evict corrupt entry", "path", path, "error", err)
		}
		return nil, consts.ErrCacheCorrupt
	}

	atomic.AddInt64(&c.cacheHits, 1)
	metrics.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()
	return data, nil
}

// Put stores data under contentHash. Objects larger than the configured
// maximum are rejected with consts.ErrObjectTooLarge.
func (c *Cache) Put(contentHash string, data []byte) error {
	if int64(len(data)) > c.maxObjectSize {
		metrics.CacheOperationsTotal.WithLabelValues("put", "too_large").Inc()
		return fmt.Errorf("%w: %d > %d", consts.ErrObjectTooLarge, len(data), c.maxObjectSize)
	}

	path := c.GetPathForContentHash(contentHash)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write to a temporary file first so readers never see a partial body.
	tempFile, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write to temporary cache file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}

	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("failed to move temporary file to final cache location %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.trackFile(path); err != nil {
		return fmt.Errorf("failed to track cache file %s: %w", path, err)
	}
	metrics.CacheOperationsTotal.WithLabelValues("put", "success").Inc()
	return nil
}

// Delete removes a cached body. Removing a missing entry is not an error.
func (c *Cache) Delete(contentHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.GetPathForContentHash(contentHash)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file %s: %w", path, err)
	}
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to remove index entry for path %s: %w", path, err)
	}
	removeEmptyParents(path, filepath.Join(c.basePath, DataDir))
	return nil
}

func (c *Cache) trackFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(`INSERT OR REPLACE INTO cache_index (path, size, mod_time) VALUES (?, ?, ?)`, path, info.Size(), info.ModTime())
	return err
}

// SyncFromDisk rebuilds the index from the files present on disk and drops
// index rows whose files are gone. It is run once at startup.
func (c *Cache) SyncFromDisk(ctx context.Context) error {
	dataDir := filepath.Join(c.basePath, DataDir)

	type fileStat struct {
		path    string
		size    int64
		modTime time.Time
	}
	var files []fileStat
	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		files = append(files, fileStat{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk cache directory: %w", err)
	}

	c.mu.Lock()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to begin transaction for disk sync: %w", err)
	}
	for _, f := range files {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO cache_index (path, size, mod_time) VALUES (?, ?, ?)`, f.path, f.size, f.modTime); err != nil {
			logger.Warn("Cache: error tracking file during sync", "path", f.path, "error", err)
		}
	}
	err = tx.Commit()
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to commit disk sync transaction: %w", err)
	}

	logger.Info("Cache: index synced from disk", "files", len(files))
	return c.removeStaleEntries(ctx)
}

// removeStaleEntries drops index rows whose files no longer exist.
func (c *Cache) removeStaleEntries(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, `SELECT path FROM cache_index`)
	if err != nil {
		return fmt.Errorf("failed to list cache index: %w", err)
	}
	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return err
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			stale = append(stale, path)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, path := range stale {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_index WHERE path = ?`, path); err != nil {
			return fmt.Errorf("failed to remove stale entry %s: %w", path, err)
		}
	}
	return nil
}

// StartPurgeLoop runs PurgeIfNeeded every purge interval until ctx is done.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.PurgeIfNeeded(ctx); err != nil {
					logger.Warn("Cache: purge failed", "error", err)
				}
			}
		}
	}()
}

// PurgeIfNeeded removes the oldest entries until the cache fits its
// capacity again.
func (c *Cache) PurgeIfNeeded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var totalSize int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_index`).Scan(&totalSize); err != nil {
		return fmt.Errorf("failed to get total cache size: %w", err)
	}
	if totalSize <= c.capacity {
		return nil
	}
	amountToFree := totalSize - c.capacity

	rows, err := c.db.QueryContext(ctx, `SELECT path, size FROM cache_index ORDER BY mod_time ASC`)
	if err != nil {
		return fmt.Errorf("failed to query for purge candidates: %w", err)
	}
	var candidates []string
	var freed int64
	for freed < amountToFree && rows.Next() {
		var path string
		var size int64
		if err := rows.Scan(&path, &size); err != nil {
			continue
		}
		candidates = append(candidates, path)
		freed += size
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating purge candidates: %w", err)
	}

	dataDir := filepath.Join(c.basePath, DataDir)
	removed := 0
	for _, path := range candidates {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Cache: failed to remove file during purge", "path", path, "error", err)
			continue
		}
		if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_index WHERE path = ?`, path); err != nil {
			return fmt.Errorf("failed to remove purged file %s from index: %w", path, err)
		}
		removeEmptyParents(path, dataDir)
		removed++
	}

	metrics.CacheOperationsTotal.WithLabelValues("purge", "success").Add(float64(removed))
	logger.Info("Cache: purged entries", "removed", removed, "freed_target", amountToFree)
	return nil
}

// GetStats returns the number of cached objects and their total size.
func (c *Cache) GetStats() (int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var objectCount, totalSize int64
	row := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_index`)
	if err := row.Scan(&objectCount, &totalSize); err != nil {
		return 0, 0, fmt.Errorf("failed to query cache statistics: %w", err)
	}
	return objectCount, totalSize, nil
}

// HitRate returns the hit and miss counters since the cache was opened.
func (c *Cache) HitRate() (hits, misses int64) {
	return atomic.LoadInt64(&c.cacheHits), atomic.LoadInt64(&c.cacheMisses)
}

// GetPathForContentHash fans files out over two directory levels taken from
// the start of the hash.
func (c *Cache) GetPathForContentHash(contentHash string) string {
	if len(contentHash) < 4 {
		return filepath.Join(c.basePath, DataDir, contentHash)
	}
	return filepath.Join(c.basePath, DataDir, contentHash[:2], contentHash[2:4], contentHash[4:])
}

func removeEmptyParents(path string, stopAt string) {
	for dir := filepath.Dir(path); dir != stopAt && strings.HasPrefix(dir, stopAt); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			if !errors.Is(err, syscall.ENOTEMPTY) && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("Cache: failed to remove empty directory", "dir", dir, "error", err)
			}
			return
		}
	}
}
