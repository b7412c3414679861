package postgres

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatchat/internal/storage"
	"github.com/chatchat/internal/storage/storetest"
	"github.com/chatchat/migrations"
)

func TestMapErr(t *testing.T) {
	denied := mapErr(&pgconn.PgError{Code: "42501", Message: "permission denied for table tree_nodes"})
	assert.True(t, storage.IsPermissionDenied(denied))

	other := &pgconn.PgError{Code: "23505"}
	assert.Same(t, error(other), mapErr(other))

	plain := errors.New("conn reset")
	assert.Equal(t, plain, mapErr(plain))
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := fs.Glob(migrations.Files, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	data, err := migrations.Files.ReadFile(names[0])
	require.NoError(t, err)
	sql := string(data)
	assert.True(t, strings.Contains(sql, "tree_nodes"))
	assert.True(t, strings.Contains(sql, "tree_on_disconnect"))
}

// testPool подключается к DATABASE_URL; без неё интеграционные тесты пропускаются.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	cfg, err := pgxpool.ParseConfig(url)
	require.NoError(t, err)
	cfg.MaxConns = 16
	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func TestStore_StoreContract(t *testing.T) {
	pool := testPool(t)
	storetest.Run(t, storetest.Backend{
		Connect: func(t *testing.T) storage.Store {
			s, err := New(context.Background(), pool)
			require.NoError(t, err)
			return s
		},
	})
}

func TestStore_ReapAppliesOrphanedOnDisconnect(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s, err := New(ctx, pool)
	require.NoError(t, err)
	defer s.Close()

	parent := "chat-rooms/" + uuid.NewString() + "/users"
	node := parent + "/u1"
	require.NoError(t, s.Set(ctx, node, map[string]any{"name": "Ann", "isOnline": true}))

	// строка соединения, которого нет в pg_stat_activity
	_, err = pool.Exec(ctx, onDisconnectSQL, uuid.NewString(), int32(-1), node,
		`{"isOnline":false,"lastSeen":{".sv":"timestamp"}}`)
	require.NoError(t, err)

	n, err := s.Reap(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	snap, err := s.Get(ctx, parent)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	rec := snap.Children[0].Value.(map[string]any)
	assert.Equal(t, "Ann", rec["name"])
	assert.Equal(t, false, rec["isOnline"])
	lastSeen, ok := rec["lastSeen"].(float64)
	require.True(t, ok, "lastSeen resolved, got %#v", rec["lastSeen"])
	assert.Greater(t, lastSeen, 0.0)

	// уже забранная строка второй раз не применяется
	require.NoError(t, s.Update(ctx, node, map[string]any{"isOnline": true}))
	_, err = s.Reap(ctx)
	require.NoError(t, err)
	snap, err = s.Get(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, true, snap.Children[0].Value.(map[string]any)["isOnline"])
}

func TestStore_OwnOnDisconnectSurvivesOnlyUntilClose(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s, err := New(ctx, pool)
	require.NoError(t, err)

	node := "chat-rooms/" + uuid.NewString() + "/users/u1"
	require.NoError(t, s.OnDisconnectUpdate(ctx, node, map[string]any{"isOnline": false}))

	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM tree_on_disconnect WHERE session_id = $1`, s.sessionID).Scan(&pending))
	assert.Equal(t, 1, pending)

	// живое соединение Reap не трогает
	_, err = s.Reap(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM tree_on_disconnect WHERE session_id = $1`, s.sessionID).Scan(&pending))
	assert.Equal(t, 1, pending)

	require.NoError(t, s.Close())
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM tree_on_disconnect WHERE session_id = $1`, s.sessionID).Scan(&pending))
	assert.Equal(t, 0, pending)
}
