// Package store provides SQLite-backed persistence for kestrel: the
// last-known-good content of every remote rule feed (so a restart does
// not need network access to keep blocking/forwarding the way it did
// before it stopped). The schema has a single table, feed_content.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database connection with thread-safe feed
// persistence operations.
type Store struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// Open opens or creates a SQLite database at path and brings it to the
// latest migration.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	s := &Store{conn: conn}
	if err := s.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) runMigrations() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(s.conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Health checks database connectivity, for the admin API's /health
// endpoint.
func (s *Store) Health(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// SaveFeedContent persists the latest successfully fetched content of a
// remote rule feed, satisfying internal/rules.FeedPersistence. hash is
// the content's sha256, computed by the caller to detect unnecessary
// writes; Store recomputes and compares it rather than trusting it.
func (s *Store) SaveFeedContent(ctx context.Context, feedID string, content []byte, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actual := sha256Hex(content)
	if hash != "" && hash != actual {
		return fmt.Errorf("store: hash mismatch for feed %s", feedID)
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO feed_content (feed_id, content, content_hash, fetched_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(feed_id) DO UPDATE SET
			content = excluded.content,
			content_hash = excluded.content_hash,
			fetched_at = excluded.fetched_at
	`, feedID, content, actual)
	if err != nil {
		return fmt.Errorf("store: failed to save feed %s: %w", feedID, err)
	}
	return nil
}

// LoadFeedContent returns the last persisted content for feedID, for use
// as a fallback when a remote feed is unreachable at startup.
func (s *Store) LoadFeedContent(ctx context.Context, feedID string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var content []byte
	err := s.conn.QueryRowContext(ctx, `SELECT content FROM feed_content WHERE feed_id = ?`, feedID).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: failed to load feed %s: %w", feedID, err)
	}
	return content, true, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
