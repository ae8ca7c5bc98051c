// Package sqlite is a conversation cache backed by SQLite.
//
// Exchanges are stored as a tree: every context row points at the row of
// the exchange before it, and an interaction names the context row holding
// its own prompt and reply together with the system prompt and parameters
// used. Strings are pooled so long shared prefixes are stored once.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pario-ai/parley/pkg/llmerr"
	"github.com/pario-ai/parley/pkg/models"
)

// Mode controls which operations a Cache handle allows.
type Mode string

const (
	// ModeAppendCreate reads and writes, creating the file if needed.
	ModeAppendCreate Mode = "a+"
	// ModeAppend only writes; lookups always come back empty.
	ModeAppend Mode = "a"
	// ModeRead only replays existing data.
	ModeRead Mode = "r"
)

// ParseMode converts a mode string such as "a+" into a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.valid() {
		return "", llmerr.Newf(llmerr.Configuration, "unknown cache mode %q (want a+, a or r)", s)
	}
	return m, nil
}

func (m Mode) valid() bool {
	return m == ModeAppendCreate || m == ModeAppend || m == ModeRead
}

// CanRead reports whether lookups return stored data.
func (m Mode) CanRead() bool { return m == ModeAppendCreate || m == ModeRead }

// CanWrite reports whether inserts are permitted.
func (m Mode) CanWrite() bool { return m == ModeAppendCreate || m == ModeAppend }

// ErrNotFound is returned by Load for an unknown handle.
var ErrNotFound = errors.New("interaction not found")

// Key identifies the exchanges that can answer one chat call.
type Key struct {
	System     string
	Context    []models.Exchange
	Prompt     string
	Images     []string
	Parameters map[string]any
}

// Query selects stored interactions sharing a system prompt, context path,
// images and parameters. A nil Prompt matches every prompt, which lists the
// children of the context. Limit <= 0 means no limit.
type Query struct {
	System             string
	Context            []models.Exchange
	Prompt             *string
	Images             []string
	Parameters         map[string]any
	Limit              int
	ExcludeBlacklisted bool
}

// Cache is a handle on a shared cache connection. It is safe for
// concurrent use.
type Cache struct {
	conn   *conn
	reg    *Registry
	mode   Mode
	logger *zap.Logger
	once   sync.Once
}

// Mode returns the mode this handle was opened with.
func (c *Cache) Mode() Mode { return c.mode }

// Path returns the resolved cache file path.
func (c *Cache) Path() string { return c.conn.path }

// Close releases this handle. The connection closes with its last handle.
func (c *Cache) Close() error {
	var err error
	c.once.Do(func() { err = c.reg.release(c.conn) })
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// intern returns the pool id of s, adding it when missing.
func intern(ctx context.Context, q querier, s string) (int64, error) {
	if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO string_pool (string) VALUES (?)`, s); err != nil {
		return 0, fmt.Errorf("intern string: %w", err)
	}
	var id int64
	if err := q.QueryRowContext(ctx, `SELECT id FROM string_pool WHERE string = ?`, s).Scan(&id); err != nil {
		return 0, fmt.Errorf("intern string: %w", err)
	}
	return id, nil
}

// find returns the pool id of s without adding it.
func find(ctx context.Context, q querier, s string) (int64, bool, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM string_pool WHERE string = ?`, s).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find string: %w", err)
	}
	return id, true, nil
}

// pool resolves s, interning it when create is set.
func pool(ctx context.Context, q querier, s string, create bool) (int64, bool, error) {
	if create {
		id, err := intern(ctx, q, s)
		return id, err == nil, err
	}
	return find(ctx, q, s)
}

// contextRow resolves the row for one exchange under parent, inserting it
// when create is set.
func contextRow(ctx context.Context, q querier, ex models.Exchange, parent sql.NullInt64, create bool) (sql.NullInt64, bool, error) {
	images, err := encodeImages(ex.Images)
	if err != nil {
		return sql.NullInt64{}, false, err
	}
	var ids [3]int64
	for i, s := range []string{ex.Prompt, images, ex.Reply} {
		id, ok, err := pool(ctx, q, s, create)
		if err != nil || !ok {
			return sql.NullInt64{}, false, err
		}
		ids[i] = id
	}

	var id int64
	err = q.QueryRowContext(ctx,
		`SELECT id FROM context WHERE prompt = ? AND images = ? AND reply = ? AND context IS ? ORDER BY id LIMIT 1`,
		ids[0], ids[1], ids[2], parent,
	).Scan(&id)
	switch {
	case err == nil:
		return sql.NullInt64{Int64: id, Valid: true}, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return sql.NullInt64{}, false, fmt.Errorf("find context: %w", err)
	case !create:
		return sql.NullInt64{}, false, nil
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO context (prompt, images, reply, context) VALUES (?, ?, ?, ?)`,
		ids[0], ids[1], ids[2], parent,
	)
	if err != nil {
		return sql.NullInt64{}, false, fmt.Errorf("insert context: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return sql.NullInt64{}, false, fmt.Errorf("insert context: %w", err)
	}
	return sql.NullInt64{Int64: id, Valid: true}, true, nil
}

// chain resolves a context path from its root. The zero NullInt64 is the
// root position.
func chain(ctx context.Context, q querier, exchanges []models.Exchange, create bool) (sql.NullInt64, bool, error) {
	var parent sql.NullInt64
	for _, ex := range exchanges {
		next, ok, err := contextRow(ctx, q, ex, parent, create)
		if err != nil || !ok {
			return sql.NullInt64{}, false, err
		}
		parent = next
	}
	return parent, true, nil
}

// system resolves the system prompt; "" is stored as NULL.
func system(ctx context.Context, q querier, s string, create bool) (sql.NullInt64, bool, error) {
	if s == "" {
		return sql.NullInt64{}, true, nil
	}
	id, ok, err := pool(ctx, q, s, create)
	return sql.NullInt64{Int64: id, Valid: ok}, ok, err
}

// Insert appends a new interaction and returns its handle. Identical calls
// produce distinct handles; only strings and context rows are shared.
func (c *Cache) Insert(ctx context.Context, key Key, reply string) (int64, error) {
	return c.insert(ctx, key, reply, false)
}

// InsertUsed is Insert followed by Blacklist as one step, so no concurrent
// Next on the same connection can replay the new interaction.
func (c *Cache) InsertUsed(ctx context.Context, key Key, reply string) (int64, error) {
	return c.insert(ctx, key, reply, true)
}

func (c *Cache) insert(ctx context.Context, key Key, reply string, used bool) (int64, error) {
	if !c.mode.CanWrite() {
		return 0, llmerr.Newf(llmerr.Configuration, "cache %s is open read-only", c.conn.path)
	}
	params, err := encodeParameters(key.Parameters)
	if err != nil {
		return 0, err
	}

	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()

	tx, err := c.conn.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	parent, _, err := chain(ctx, tx, key.Context, true)
	if err != nil {
		return 0, err
	}
	own, _, err := contextRow(ctx, tx, models.Exchange{Prompt: key.Prompt, Images: key.Images, Reply: reply}, parent, true)
	if err != nil {
		return 0, err
	}
	sys, _, err := system(ctx, tx, key.System, true)
	if err != nil {
		return 0, err
	}
	paramID, err := intern(ctx, tx, params)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO interactions (system, context, parameters) VALUES (?, ?, ?)`,
		sys, own, paramID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert interaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert interaction: %w", err)
	}
	if used {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO temp.blacklist (id) VALUES (?)`, id); err != nil {
			return 0, fmt.Errorf("blacklist %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}

	c.logger.Debug("stored interaction", zap.Int64("id", id), zap.Int("depth", len(key.Context)), zap.Bool("used", used))
	return id, nil
}

// Lookup returns matching interactions in ascending handle order. Handles
// opened in append mode never see stored data.
func (c *Cache) Lookup(ctx context.Context, q Query) ([]models.Interaction, error) {
	if !c.mode.CanRead() {
		return nil, nil
	}
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	return c.lookup(ctx, q)
}

func (c *Cache) lookup(ctx context.Context, q Query) ([]models.Interaction, error) {
	db := c.conn.db

	parent, ok, err := chain(ctx, db, q.Context, false)
	if err != nil || !ok {
		return nil, err
	}
	sys, ok, err := system(ctx, db, q.System, false)
	if err != nil || !ok {
		return nil, err
	}
	images, err := encodeImages(q.Images)
	if err != nil {
		return nil, err
	}
	imageID, ok, err := find(ctx, db, images)
	if err != nil || !ok {
		return nil, err
	}
	params, err := encodeParameters(q.Parameters)
	if err != nil {
		return nil, err
	}
	paramID, ok, err := find(ctx, db, params)
	if err != nil || !ok {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(`SELECT i.id, p.string, im.string, r.string
		FROM interactions i
		JOIN context c ON c.id = i.context
		JOIN string_pool p ON p.id = c.prompt
		JOIN string_pool im ON im.id = c.images
		JOIN string_pool r ON r.id = c.reply
		WHERE i.system IS ? AND i.parameters = ? AND c.context IS ? AND c.images = ?`)
	args := []any{sys, paramID, parent, imageID}
	if q.Prompt != nil {
		promptID, ok, err := find(ctx, db, *q.Prompt)
		if err != nil || !ok {
			return nil, err
		}
		sb.WriteString(` AND c.prompt = ?`)
		args = append(args, promptID)
	}
	if q.ExcludeBlacklisted {
		sb.WriteString(` AND i.id NOT IN (SELECT id FROM temp.blacklist)`)
	}
	sb.WriteString(` ORDER BY i.id`)
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("lookup interactions: %w", err)
	}
	defer rows.Close()

	var out []models.Interaction
	for rows.Next() {
		var it models.Interaction
		var imgs string
		if err := rows.Scan(&it.ID, &it.Prompt, &imgs, &it.Reply); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		if it.Images, err = decodeImages(imgs); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Next returns the first non-blacklisted interaction answering key. When
// advance is set the returned interaction is blacklisted, so repeated calls
// walk through the stored replies in insertion order.
func (c *Cache) Next(ctx context.Context, key Key, advance bool) (models.Interaction, bool, error) {
	if !c.mode.CanRead() {
		c.conn.misses.Add(1)
		return models.Interaction{}, false, nil
	}
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()

	prompt := key.Prompt
	found, err := c.lookup(ctx, Query{
		System:             key.System,
		Context:            key.Context,
		Prompt:             &prompt,
		Images:             key.Images,
		Parameters:         key.Parameters,
		Limit:              1,
		ExcludeBlacklisted: true,
	})
	if err != nil {
		return models.Interaction{}, false, err
	}
	if len(found) == 0 {
		c.conn.misses.Add(1)
		return models.Interaction{}, false, nil
	}
	if advance {
		if err := c.blacklist(ctx, found[0].ID); err != nil {
			return models.Interaction{}, false, err
		}
	}
	c.conn.hits.Add(1)
	return found[0], true, nil
}

// Blacklist hides an interaction from lookups that exclude blacklisted
// handles. The row itself is kept. Blacklisting lasts for the lifetime of
// the connection.
func (c *Cache) Blacklist(ctx context.Context, id int64) error {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	return c.blacklist(ctx, id)
}

func (c *Cache) blacklist(ctx context.Context, id int64) error {
	if _, err := c.conn.db.ExecContext(ctx, `INSERT OR IGNORE INTO temp.blacklist (id) VALUES (?)`, id); err != nil {
		return fmt.Errorf("blacklist %d: %w", id, err)
	}
	return nil
}

// Load returns an interaction together with its system prompt, context
// chain and parameters.
func (c *Cache) Load(ctx context.Context, id int64) (*models.Record, error) {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	db := c.conn.db

	var (
		sys    sql.NullString
		row    sql.NullInt64
		params string
	)
	err := db.QueryRowContext(ctx,
		`SELECT s.string, i.context, p.string
		 FROM interactions i
		 LEFT JOIN string_pool s ON s.id = i.system
		 JOIN string_pool p ON p.id = i.parameters
		 WHERE i.id = ?`, id,
	).Scan(&sys, &row, &params)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %d: %w", id, err)
	}

	rec := &models.Record{ID: id, System: sys.String}
	if err := json.Unmarshal([]byte(params), &rec.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}

	var path []models.Exchange
	for row.Valid {
		var ex models.Exchange
		var imgs string
		err := db.QueryRowContext(ctx,
			`SELECT p.string, im.string, r.string, c.context
			 FROM context c
			 JOIN string_pool p ON p.id = c.prompt
			 JOIN string_pool im ON im.id = c.images
			 JOIN string_pool r ON r.id = c.reply
			 WHERE c.id = ?`, row.Int64,
		).Scan(&ex.Prompt, &imgs, &ex.Reply, &row)
		if err != nil {
			return nil, fmt.Errorf("load context: %w", err)
		}
		if ex.Images, err = decodeImages(imgs); err != nil {
			return nil, err
		}
		path = append(path, ex)
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("load %d: interaction has no context row", id)
	}

	rec.Exchange = path[0]
	for i := len(path) - 1; i > 0; i-- {
		rec.Context = append(rec.Context, path[i])
	}
	return rec, nil
}

// Stats returns row counts and the replay hit/miss counters of the
// shared connection.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()

	var s models.CacheStats
	err := c.conn.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM interactions),
		(SELECT COUNT(*) FROM context),
		(SELECT COUNT(*) FROM string_pool),
		(SELECT COUNT(*) FROM temp.blacklist)`,
	).Scan(&s.Interactions, &s.Contexts, &s.Strings, &s.Blacklisted)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	s.Hits = c.conn.hits.Load()
	s.Misses = c.conn.misses.Load()
	return s, nil
}

// List returns stored interactions whose prompt contains filter, oldest
// first, regardless of system prompt, context or parameters. It is meant
// for inspection and ignores the mode and the blacklist. Limit <= 0 means
// no limit.
func (c *Cache) List(ctx context.Context, filter string, limit int) ([]models.Interaction, error) {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()

	query := `SELECT i.id, p.string, im.string, r.string
		FROM interactions i
		JOIN context c ON c.id = i.context
		JOIN string_pool p ON p.id = c.prompt
		JOIN string_pool im ON im.id = c.images
		JOIN string_pool r ON r.id = c.reply
		WHERE ? = '' OR instr(p.string, ?) > 0
		ORDER BY i.id`
	args := []any{filter, filter}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := c.conn.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	var out []models.Interaction
	for rows.Next() {
		var it models.Interaction
		var imgs string
		if err := rows.Scan(&it.ID, &it.Prompt, &imgs, &it.Reply); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		if it.Images, err = decodeImages(imgs); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
