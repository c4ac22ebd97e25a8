package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"gigatile/internal/tile"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteCache keeps tiles and locks in one database file. Every process
// opening the same file shares its locks.
type SQLiteCache struct {
	db *sql.DB

	mu     sync.Mutex
	owners map[tile.Key]string

	pollInterval time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

var _ Provider = (*SQLiteCache)(nil)

// NewSQLiteCache opens path, or a private in-memory database when path is
// empty or ":memory:", and migrates it.
func NewSQLiteCache(path string, log *zap.Logger) (*SQLiteCache, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite cache: %w", err)
	}
	// One connection: an in-memory database exists per connection, and a
	// single writer avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sqlite cache: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure sqlite cache: %w", err)
		}
	}

	c := &SQLiteCache{
		db:           db,
		owners:       make(map[tile.Key]string),
		pollInterval: lockPollInterval,
		logger:       log,
		now:          time.Now,
	}
	if err := c.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite cache: %w", err)
	}

	log.Info("SQLite cache initialized", zap.String("path", path))
	return c, nil
}

func (c *SQLiteCache) runMigrations() error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(c.db, "migrations")
}

func (c *SQLiteCache) Lock(ctx context.Context, key tile.Key, staleTimeout time.Duration) error {
	k := key.String()
	owner := uuid.NewString()

	err := waitForLock(ctx, c.logger, key, staleTimeout, c.pollInterval, lockOps{
		try: func() (bool, error) {
			res, err := c.db.ExecContext(ctx,
				`INSERT OR IGNORE INTO locks (tile_key, owner, created_at) VALUES (?, ?, ?)`,
				k, owner, c.now().UnixNano())
			if err != nil {
				return false, err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return false, err
			}
			return n == 1, nil
		},
		age: func() (time.Duration, bool, error) {
			var createdAt int64
			err := c.db.QueryRowContext(ctx,
				`SELECT created_at FROM locks WHERE tile_key = ?`, k).Scan(&createdAt)
			if errors.Is(err, sql.ErrNoRows) {
				return 0, false, nil
			}
			if err != nil {
				return 0, false, err
			}
			return c.now().Sub(time.Unix(0, createdAt)), true, nil
		},
		force: func() error {
			_, err := c.db.ExecContext(ctx, `DELETE FROM locks WHERE tile_key = ?`, k)
			return err
		},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.owners[key] = owner
	c.mu.Unlock()
	return nil
}

func (c *SQLiteCache) Unlock(ctx context.Context, key tile.Key) error {
	c.mu.Lock()
	owner, ok := c.owners[key]
	delete(c.owners, key)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM locks WHERE tile_key = ? AND owner = ?`, key.String(), owner); err != nil {
		return fmt.Errorf("sqlite unlock error: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Read(ctx context.Context, key tile.Key, lifespan time.Duration) ([]byte, bool, error) {
	query := `SELECT tile_data, saved_at
	FROM tiles
	WHERE layer = ? AND zoom_level = ? AND tile_column = ? AND tile_row = ? AND format = ?`

	var data []byte
	var savedAt int64
	err := c.db.QueryRowContext(ctx, query,
		key.Layer, key.Coord.Zoom, key.Coord.Column, key.Coord.Row, key.Format,
	).Scan(&data, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite get error: %w", err)
	}
	if expired(time.Unix(0, savedAt), lifespan, c.now()) {
		return nil, false, nil
	}
	return data, true, nil
}

func (c *SQLiteCache) Save(ctx context.Context, key tile.Key, data []byte) error {
	query := `INSERT INTO tiles (layer, zoom_level, tile_column, tile_row, format, tile_data, saved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(layer, zoom_level, tile_column, tile_row, format)
	DO UPDATE SET tile_data = excluded.tile_data, saved_at = excluded.saved_at`

	if _, err := c.db.ExecContext(ctx, query,
		key.Layer, key.Coord.Zoom, key.Coord.Column, key.Coord.Row, key.Format,
		data, c.now().UnixNano(),
	); err != nil {
		return fmt.Errorf("sqlite set error: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Remove(ctx context.Context, key tile.Key) error {
	query := `DELETE FROM tiles
	WHERE layer = ? AND zoom_level = ? AND tile_column = ? AND tile_row = ? AND format = ?`

	if _, err := c.db.ExecContext(ctx, query,
		key.Layer, key.Coord.Zoom, key.Coord.Column, key.Coord.Row, key.Format,
	); err != nil {
		return fmt.Errorf("sqlite delete error: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
