package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/parley/pkg/llmerr"
)

// conn is one shared database session for a cache file.
type conn struct {
	path   string
	db     *sql.DB
	mu     sync.Mutex // serializes every operation on db
	refs   int
	schema bool // tables created or verified writable
	hits   atomic.Int64
	misses atomic.Int64
}

// Registry owns the open cache connections of a process. Opening the same
// file twice through one Registry shares a single session, including its
// blacklist; a new Registry behaves like a fresh process.
type Registry struct {
	mu     sync.Mutex
	conns  map[string]*conn
	logger *zap.Logger
}

// NewRegistry creates an empty Registry. A nil logger discards output.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:  make(map[string]*conn),
		logger: logger.Named("cache"),
	}
}

// Open returns a handle on the cache file at path. Append modes create the
// file and its tables when absent; read mode requires an existing cache
// file and never changes it.
func (r *Registry) Open(ctx context.Context, path string, mode Mode) (*Cache, error) {
	if !mode.valid() {
		return nil, llmerr.Newf(llmerr.Configuration, "unknown cache mode %q", mode)
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.Configuration, "resolve cache path", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[resolved]
	if !ok {
		if mode == ModeRead {
			if _, err := os.Stat(resolved); err != nil {
				return nil, llmerr.Wrap(llmerr.Configuration, fmt.Sprintf("cache %s cannot be read", resolved), err)
			}
		}
		c, err = openConn(ctx, resolved)
		if err != nil {
			return nil, err
		}
		if mode == ModeRead {
			err = c.verify(ctx)
		} else {
			err = c.migrate(ctx)
		}
		if err != nil {
			c.db.Close()
			return nil, err
		}
		r.conns[resolved] = c
		r.logger.Debug("opened cache", zap.String("path", resolved), zap.String("mode", string(mode)))
	} else if mode.CanWrite() {
		if err := c.migrate(ctx); err != nil {
			return nil, err
		}
	}
	c.refs++

	return &Cache{conn: c, reg: r, mode: mode, logger: r.logger}, nil
}

func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	return abs, nil
}

func openConn(ctx context.Context, path string) (*conn, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// One physical connection keeps the TEMP blacklist visible to every
	// statement and serializes access to the file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	// The blacklist lives in the temp database, so creating it never
	// touches the file.
	if _, err := db.ExecContext(ctx, createBlacklist); err != nil {
		db.Close()
		return nil, fmt.Errorf("create blacklist: %w", err)
	}
	return &conn{path: path, db: db}, nil
}

// migrate creates any missing tables and indexes.
func (c *conn) migrate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.schema {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, createSchema); err != nil {
		return fmt.Errorf("migrate cache db: %w", err)
	}
	c.schema = true
	return nil
}

// verify checks that the file already holds the cache tables.
func (c *conn) verify(ctx context.Context) error {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM main.sqlite_master WHERE type = 'table' AND name IN ('string_pool', 'context', 'interactions')`,
	).Scan(&n)
	if err != nil {
		return llmerr.Wrap(llmerr.Configuration, fmt.Sprintf("cache %s cannot be read", c.path), err)
	}
	if n != 3 {
		return llmerr.Newf(llmerr.Configuration, "%s is not a conversation cache", c.path)
	}
	return nil
}

func (r *Registry) release(c *conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.path] != c {
		return nil // already closed by Registry.Close
	}
	c.refs--
	if c.refs > 0 {
		return nil
	}
	delete(r.conns, c.path)
	return c.db.Close()
}

// Close closes every connection still open through r.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for path, c := range r.conns {
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
		delete(r.conns, path)
	}
	return errors.Join(errs...)
}
