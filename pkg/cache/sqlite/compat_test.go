package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/parley/pkg/llmerr"
	"github.com/pario-ai/parley/pkg/models"
)

// seedFile writes the given statements to a fresh SQLite file outside any
// Registry.
func seedFile(t *testing.T, stmts ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seeded.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return path
}

func countMaster(t *testing.T, path, kind string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = ?`, kind).Scan(&n))
	return n
}

// A file as written by another client of the format: JSON text uses ", "
// and ": " separators.
const existingRows = `
INSERT INTO string_pool VALUES(1,'Hello');
INSERT INTO string_pool VALUES(2,'[]');
INSERT INTO string_pool VALUES(3,'World');
INSERT INTO string_pool VALUES(4,'Hello2');
INSERT INTO string_pool VALUES(5,'World2');
INSERT INTO string_pool VALUES(6,'Hello!');
INSERT INTO string_pool VALUES(7,'["foo.png"]');
INSERT INTO string_pool VALUES(8,'Wombat');
INSERT INTO string_pool VALUES(9,'...');
INSERT INTO string_pool VALUES(10,'{"model": "modal"}');
INSERT INTO string_pool VALUES(11,'Hello!..2');
INSERT INTO string_pool VALUES(12,'Wombat..2');
INSERT INTO string_pool VALUES(13,'Wombat (Again)');
INSERT INTO context VALUES(1,1,2,3,NULL);
INSERT INTO context VALUES(2,4,2,5,1);
INSERT INTO context VALUES(3,6,7,8,2);
INSERT INTO context VALUES(4,11,7,12,2);
INSERT INTO context VALUES(5,6,7,13,2);
INSERT INTO interactions VALUES(1,9,3,10);
INSERT INTO interactions VALUES(2,9,4,10);
INSERT INTO interactions VALUES(3,9,5,10);
`

func TestPooledJSONText(t *testing.T) {
	tests := []struct {
		name string
		got  func() (string, error)
		want string
	}{
		{"no images", func() (string, error) { return encodeImages(nil) }, `[]`},
		{"images", func() (string, error) { return encodeImages([]string{"a", "b"}) }, `["a", "b"]`},
		{"no parameters", func() (string, error) { return encodeParameters(nil) }, `{}`},
		{"model", func() (string, error) { return encodeParameters(map[string]any{"model": "modal"}) }, `{"model": "modal"}`},
		{"nested", func() (string, error) {
			return encodeParameters(map[string]any{
				"model":   "m",
				"format":  "json",
				"options": map[string]any{"temperature": 0.5, "seed": 3, "stop": []string{"x"}, "raw": true, "none": nil},
			})
		}, `{"format": "json", "model": "m", "options": {"none": null, "raw": true, "seed": 3, "stop": ["x"], "temperature": 0.5}}`},
		{"escapes", func() (string, error) {
			return encodeParameters(map[string]any{"p": "café \U0001F600 <a&b> \"q\"\\\n\t\x01"})
		}, `{"p": "caf\u00e9 \ud83d\ude00 <a&b> \"q\"\\\n\t\u0001"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.got()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	images, err := decodeImages(`["a", "b"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, images)
}

func TestReplaysExistingFile(t *testing.T) {
	ctx := context.Background()
	path := seedFile(t, createSchema, existingRows)

	reg := NewRegistry(nil)
	t.Cleanup(func() { _ = reg.Close() })
	c, err := reg.Open(ctx, path, ModeRead)
	require.NoError(t, err)

	history := []models.Exchange{
		{Prompt: "Hello", Reply: "World"},
		{Prompt: "Hello2", Reply: "World2"},
	}
	params := map[string]any{"model": "modal"}

	all, err := c.Lookup(ctx, Query{System: "...", Context: history, Images: []string{"foo.png"}, Parameters: params})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"Wombat", "Wombat..2", "Wombat (Again)"}, []string{all[0].Reply, all[1].Reply, all[2].Reply})
	assert.Equal(t, []string{"foo.png"}, all[0].Images)

	key := Key{System: "...", Context: history, Prompt: "Hello!", Images: []string{"foo.png"}, Parameters: params}
	it, ok, err := c.Next(ctx, key, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, it.ID)
	assert.Equal(t, "Wombat", it.Reply)

	rec, err := c.Load(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "...", rec.System)
	assert.Equal(t, history, []models.Exchange{
		{Prompt: rec.Context[0].Prompt, Reply: rec.Context[0].Reply},
		{Prompt: rec.Context[1].Prompt, Reply: rec.Context[1].Reply},
	})
	assert.Equal(t, "Wombat (Again)", rec.Exchange.Reply)
	assert.Equal(t, "modal", rec.Parameters["model"])
	require.NoError(t, c.Close())

	// Appending reuses the pooled strings and the matching context row.
	w, err := reg.Open(ctx, path, ModeAppendCreate)
	require.NoError(t, err)
	defer w.Close()
	_, err = w.Insert(ctx, key, "Wombat")
	require.NoError(t, err)
	stats, err := w.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Interactions)
	assert.EqualValues(t, 5, stats.Contexts)
	assert.EqualValues(t, 13, stats.Strings)
}

func TestReadModeLeavesFileUnchanged(t *testing.T) {
	ctx := context.Background()
	// The cache tables without any of their indexes.
	path := seedFile(t,
		`CREATE TABLE string_pool (id INTEGER PRIMARY KEY, string TEXT NOT NULL UNIQUE)`,
		`CREATE TABLE context (id INTEGER PRIMARY KEY, prompt INTEGER NOT NULL, images INTEGER NOT NULL, reply INTEGER NOT NULL, context INTEGER)`,
		`CREATE TABLE interactions (id INTEGER PRIMARY KEY, system INTEGER, context INTEGER, parameters INTEGER NOT NULL)`,
	)
	before := countMaster(t, path, "index")

	reg := NewRegistry(nil)
	t.Cleanup(func() { _ = reg.Close() })
	r, err := reg.Open(ctx, path, ModeRead)
	require.NoError(t, err)
	_, ok, err := r.Next(ctx, Key{Prompt: "p"}, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, countMaster(t, path, "index"), "read mode runs no migration")

	// A writer sharing the session brings the schema up to date.
	w, err := reg.Open(ctx, path, ModeAppendCreate)
	require.NoError(t, err)
	assert.Same(t, r.conn, w.conn)
	_, err = w.Insert(ctx, Key{Prompt: "p"}, "r")
	require.NoError(t, err)
	assert.Greater(t, countMaster(t, path, "index"), before)

	it, ok, err := r.Next(ctx, Key{Prompt: "p"}, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r", it.Reply)
}

func TestReadModeRejectsForeignFile(t *testing.T) {
	path := seedFile(t, `CREATE TABLE notes (body TEXT)`)

	reg := NewRegistry(nil)
	t.Cleanup(func() { _ = reg.Close() })
	_, err := reg.Open(context.Background(), path, ModeRead)
	require.Error(t, err)
	assert.True(t, llmerr.IsKind(err, llmerr.Configuration))
	assert.Equal(t, 1, countMaster(t, path, "table"), "no cache tables were created")
}

func TestInsertUsed(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t, ModeAppendCreate)
	key := Key{Prompt: "p"}

	id, err := c.InsertUsed(ctx, key, "r")
	require.NoError(t, err)

	_, ok, err := c.Next(ctx, key, true)
	require.NoError(t, err)
	assert.False(t, ok, "a reply marked used is not replayed in this session")

	got, err := c.Lookup(ctx, Query{Prompt: ptr("p")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Blacklisted)
}
