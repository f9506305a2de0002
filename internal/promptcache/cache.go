// Package promptcache is a durable content-addressed response cache backed
// by SQLite. Keys are SHA-256 digests of the canonicalised request payload,
// entries carry a TTL and LRU bookkeeping, and a background tick prunes
// expired rows.
package promptcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"
)

const (
	defaultTTL           = 24 * time.Hour
	defaultMaxEntries    = 10000
	defaultEvictionSlack = 100
	defaultPruneEvery    = 5 * time.Minute
)

// Cache is the prompt-response cache. A disabled cache (see Disabled) is a
// valid no-op implementation, used when the database cannot be opened.
type Cache struct {
	db     *sql.DB
	cron   *cron.Cron
	logger *slog.Logger

	ttl        time.Duration
	maxEntries int
	slack      int
	pruneEvery time.Duration

	enabled bool
	closed  atomic.Bool
	closeMu sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
	stores atomic.Int64

	nowFunc func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the entry lifetime. Zero means entries never expire.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithMaxEntries sets the population ceiling for LRU eviction.
func WithMaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// WithEvictionSlack sets how far below the ceiling an eviction sweeps, so
// consecutive stores do not each trigger a delete.
func WithEvictionSlack(n int) Option {
	return func(c *Cache) { c.slack = n }
}

// WithPruneInterval sets the background expired-row sweep cadence.
func WithPruneInterval(d time.Duration) Option {
	return func(c *Cache) { c.pruneEvery = d }
}

// WithLogger sets the cache logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// Disabled returns a no-op cache: lookups miss, stores drop, Close is a
// no-op. Stats report enabled=false.
func Disabled() *Cache {
	c := &Cache{logger: slog.Default(), nowFunc: time.Now}
	c.closed.Store(true)
	return c
}

// Open opens (or creates) the cache database at path, migrates the schema,
// prunes expired rows, and starts the background prune tick. Callers that
// want the degrade-to-disabled behaviour substitute Disabled() on error.
func Open(path string, opts ...Option) (*Cache, error) {
	c := &Cache{
		logger:     slog.Default(),
		ttl:        defaultTTL,
		maxEntries: defaultMaxEntries,
		slack:      defaultEvictionSlack,
		pruneEvery: defaultPruneEvery,
		enabled:    true,
		nowFunc:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	c.db = db

	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := c.Prune(context.Background()); err != nil {
		c.logger.Warn("initial cache prune failed", "error", err)
	}

	c.cron = cron.New()
	if _, err := c.cron.AddFunc(fmt.Sprintf("@every %s", c.pruneEvery), func() {
		if err := c.Prune(context.Background()); err != nil {
			c.logger.Warn("cache prune failed", "error", err)
		}
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("scheduling cache prune: %w", err)
	}
	c.cron.Start()

	return c, nil
}

func (c *Cache) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS prompt_cache (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER,
			hit_count INTEGER NOT NULL DEFAULT 0,
			last_accessed INTEGER NOT NULL,
			response_size INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prompt_cache_expires ON prompt_cache(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_prompt_cache_accessed ON prompt_cache(last_accessed)`,
		`CREATE INDEX IF NOT EXISTS idx_prompt_cache_hits ON prompt_cache(hit_count DESC)`,
	}
	for _, q := range queries {
		if _, err := c.db.Exec(q); err != nil {
			return fmt.Errorf("cache migrate: %w", err)
		}
	}
	return nil
}

// Enabled reports whether the cache is backed by a live database. A nil
// cache is disabled.
func (c *Cache) Enabled() bool {
	return c != nil && c.enabled && !c.closed.Load()
}

// Key canonicalises the payload (recursive key sort via generic re-marshal,
// absent fields dropped) and returns its SHA-256 hex digest.
func Key(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalising cache key: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("canonicalising cache key: %w", err)
	}
	// encoding/json writes map keys in sorted order, which makes the
	// re-marshal deterministic regardless of input field order.
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("canonicalising cache key: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Lookup returns the cached response for the payload, if present and not
// expired. A hit bumps hit_count and last_accessed on a background
// goroutine; the read path never waits on that write.
func (c *Cache) Lookup(ctx context.Context, payload any) (key string, value []byte, ok bool, err error) {
	key, err = Key(payload)
	if err != nil {
		return "", nil, false, err
	}
	if !c.Enabled() {
		return key, nil, false, nil
	}

	now := c.nowFunc().Unix()
	err = c.db.QueryRowContext(ctx,
		`SELECT value FROM prompt_cache
		 WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, now).Scan(&value)
	if err == sql.ErrNoRows {
		c.misses.Add(1)
		return key, nil, false, nil
	}
	if err != nil {
		return key, nil, false, fmt.Errorf("cache lookup: %w", err)
	}

	c.hits.Add(1)
	go c.bump(key)
	return key, value, true, nil
}

func (c *Cache) bump(key string) {
	if !c.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.db.ExecContext(ctx,
		`UPDATE prompt_cache SET hit_count = hit_count + 1, last_accessed = ? WHERE key = ?`,
		c.nowFunc().Unix(), key)
	if err != nil {
		c.logger.Warn("cache access bump failed", "error", err)
	}
}

// Store upserts the response under key and, if the population now exceeds
// max_entries, evicts the least recently accessed rows down to
// max_entries − slack in a single statement.
func (c *Cache) Store(ctx context.Context, key string, value []byte) error {
	if !c.Enabled() {
		return nil
	}

	now := c.nowFunc().Unix()
	var expires any
	if c.ttl > 0 {
		expires = c.nowFunc().Add(c.ttl).Unix()
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO prompt_cache (key, value, created_at, expires_at, hit_count, last_accessed, response_size)
		 VALUES (?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			last_accessed = excluded.last_accessed,
			response_size = excluded.response_size`,
		key, value, now, expires, now, len(value))
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	c.stores.Add(1)

	_, err = c.db.ExecContext(ctx,
		`DELETE FROM prompt_cache WHERE key IN (
			SELECT key FROM prompt_cache ORDER BY last_accessed ASC
			LIMIT (SELECT CASE WHEN COUNT(*) > ?1 THEN COUNT(*) - ?1 + ?2 ELSE 0 END FROM prompt_cache))`,
		c.maxEntries, c.slack)
	if err != nil {
		return fmt.Errorf("cache eviction: %w", err)
	}
	return nil
}

// Prune deletes expired rows.
func (c *Cache) Prune(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM prompt_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		c.nowFunc().Unix())
	if err != nil {
		return fmt.Errorf("cache prune: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		c.logger.Debug("pruned expired cache entries", "count", n)
	}
	return nil
}

// Close stops the prune tick, runs a final prune, and closes the database.
// It is idempotent; calls after the first are no-ops.
func (c *Cache) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Load() {
		return nil
	}
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	err := c.Prune(context.Background())
	c.closed.Store(true)
	if c.db != nil {
		if cerr := c.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Stats is a point-in-time cache summary for the observability endpoint.
type Stats struct {
	Enabled bool  `json:"enabled"`
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Stores  int64 `json:"stores"`
}

// Snapshot returns current counters and population.
func (c *Cache) Snapshot(ctx context.Context) Stats {
	if c == nil {
		return Stats{}
	}
	s := Stats{
		Enabled: c.Enabled(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Stores:  c.stores.Load(),
	}
	if s.Enabled {
		if err := c.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM prompt_cache`).Scan(&s.Entries); err != nil {
			c.logger.Warn("cache stats query failed", "error", err)
		}
	}
	return s
}
