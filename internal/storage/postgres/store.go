// Package postgres хранит дерево в таблице tree_nodes; изменения рассылаются через LISTEN/NOTIFY.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatchat/internal/logger"
	"github.com/chatchat/internal/storage"
	"github.com/chatchat/migrations"
)

const (
	notifyChannel = "tree_changes"
	// SQLSTATE insufficient_privilege
	codeInsufficientPrivilege = "42501"
)

const (
	upsertSQL = `INSERT INTO tree_nodes (parent, key, value) VALUES ($1, $2, $3::jsonb)
ON CONFLICT (parent, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	mergeSQL = `INSERT INTO tree_nodes (parent, key, value) VALUES ($1, $2, $3::jsonb)
ON CONFLICT (parent, key) DO UPDATE SET
    value = CASE WHEN jsonb_typeof(tree_nodes.value) = 'object'
                 THEN tree_nodes.value || EXCLUDED.value ELSE EXCLUDED.value END,
    updated_at = now()`
	notifySQL       = `SELECT pg_notify($1, $2)`
	serverTimeSQL   = `SELECT extract(epoch from clock_timestamp())::float8`
	selectSQL       = `SELECT key, value FROM tree_nodes WHERE parent = $1 ORDER BY key`
	onDisconnectSQL = `INSERT INTO tree_on_disconnect (session_id, backend_pid, path, fields) VALUES ($1, $2, $3, $4::jsonb)
ON CONFLICT (session_id, path) DO UPDATE SET fields = tree_on_disconnect.fields || EXCLUDED.fields`
	claimOwnSQL    = `DELETE FROM tree_on_disconnect WHERE session_id = $1 RETURNING path, fields`
	claimOrphanSQL = `DELETE FROM tree_on_disconnect
WHERE backend_pid NOT IN (SELECT pid FROM pg_stat_activity) RETURNING path, fields`
)

// Store: соединение клиента с деревом в Postgres. Пул принадлежит вызывающему.
type Store struct {
	pool      *pgxpool.Pool
	sessionID string

	listenConn *pgxpool.Conn
	listenPID  uint32
	cancel     context.CancelFunc
	done       chan struct{}

	fetchMu sync.Mutex

	mu     sync.Mutex
	closed bool
	feeds  map[string]map[*storage.Feed]struct{}
}

var _ storage.Store = (*Store)(nil)

// Migrate применяет встроенные миграции по порядку имён.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("run migration %s: %w", name, err)
		}
	}
	logger.Info("migrations applied")
	return nil
}

// New захватывает отдельное соединение под LISTEN; его PID помечает on-disconnect записи.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres listen: %w", mapErr(err))
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:       pool,
		sessionID:  uuid.NewString(),
		listenConn: conn,
		listenPID:  conn.Conn().PgConn().PID(),
		cancel:     cancel,
		done:       make(chan struct{}),
		feeds:      make(map[string]map[*storage.Feed]struct{}),
	}
	go s.listenLoop(loopCtx)
	return s, nil
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeInsufficientPrivilege {
		return fmt.Errorf("%w: %s", storage.ErrPermissionDenied, pgErr.Message)
	}
	return err
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) listenLoop(ctx context.Context) {
	defer close(s.done)
	for {
		n, err := s.listenConn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("postgres listen: %v", err)
			s.cancelAll(mapErr(err))
			return
		}
		s.refresh(ctx, n.Payload)
	}
}

// refresh перечитывает коллекцию и отдаёт снимок её подписчикам.
// fetchMu упорядочивает чтения, чтобы старый снимок не обогнал новый.
func (s *Store) refresh(ctx context.Context, path string) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	feeds := s.feedsFor(path)
	if len(feeds) == 0 {
		return
	}
	snap, err := s.Get(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		for _, f := range feeds {
			f.Cancel(err)
		}
		return
	}
	for _, f := range feeds {
		f.Publish(snap)
	}
}

func (s *Store) feedsFor(path string) []*storage.Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.Feed, 0, len(s.feeds[path]))
	for f := range s.feeds[path] {
		out = append(out, f)
	}
	return out
}

func (s *Store) cancelAll(err error) {
	s.mu.Lock()
	var all []*storage.Feed
	for _, set := range s.feeds {
		for f := range set {
			all = append(all, f)
		}
	}
	s.mu.Unlock()
	for _, f := range all {
		f.Cancel(err)
	}
}

func (s *Store) Listen(path string, onSnapshot func(storage.Snapshot), onCancel func(error)) (storage.Listener, error) {
	if err := storage.CheckPath(path); err != nil {
		return nil, err
	}
	var feed *storage.Feed
	feed = storage.NewFeed(onSnapshot, onCancel, func() {
		s.mu.Lock()
		delete(s.feeds[path], feed)
		if len(s.feeds[path]) == 0 {
			delete(s.feeds, path)
		}
		s.mu.Unlock()
	})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		feed.Stop()
		return nil, storage.ErrClosed
	}
	if s.feeds[path] == nil {
		s.feeds[path] = make(map[*storage.Feed]struct{})
	}
	s.feeds[path][feed] = struct{}{}
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.refresh(ctx, path)
	}()
	return feed, nil
}

func (s *Store) Get(ctx context.Context, path string) (storage.Snapshot, error) {
	if err := storage.CheckPath(path); err != nil {
		return storage.Snapshot{}, err
	}
	if s.isClosed() {
		return storage.Snapshot{}, storage.ErrClosed
	}
	rows, err := s.pool.Query(ctx, selectSQL, path)
	if err != nil {
		return storage.Snapshot{}, mapErr(err)
	}
	defer rows.Close()
	snap := storage.Snapshot{Path: path}
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return storage.Snapshot{}, fmt.Errorf("postgres.Get scan: %w", err)
		}
		var val any
		if err := json.Unmarshal(raw, &val); err != nil {
			logger.Errorf("postgres decode %s/%s: %v", path, key, err)
			continue
		}
		snap.Children = append(snap.Children, storage.Child{Key: key, Value: val})
	}
	if err := rows.Err(); err != nil {
		return storage.Snapshot{}, mapErr(err)
	}
	return snap, nil
}

func (s *Store) Push(ctx context.Context, path string, value map[string]any) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("postgres.Push: %w", err)
	}
	key := id.String()
	if err := s.Set(ctx, storage.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Set(ctx context.Context, path string, value map[string]any) error {
	if s.isClosed() {
		return storage.ErrClosed
	}
	return s.write(ctx, upsertSQL, path, value)
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	if s.isClosed() {
		return storage.ErrClosed
	}
	return s.write(ctx, mergeSQL, path, fields)
}

// write выполняет запись и pg_notify в одной транзакции: подписчики узнают об изменении только после коммита.
func (s *Store) write(ctx context.Context, query, path string, fields map[string]any) error {
	parent, key, err := storage.Split(path)
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if storage.NeedsServerTime(fields) {
			var now float64
			if err := tx.QueryRow(ctx, serverTimeSQL).Scan(&now); err != nil {
				return err
			}
			fields = storage.ResolveServerValues(fields, now)
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, query, parent, key, string(data)); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, notifySQL, notifyChannel, parent)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres write %s: %w", path, mapErr(err))
	}
	return nil
}

func (s *Store) OnDisconnectUpdate(ctx context.Context, path string, fields map[string]any) error {
	if _, _, err := storage.Split(path); err != nil {
		return err
	}
	if s.isClosed() {
		return storage.ErrClosed
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("postgres.OnDisconnectUpdate: %w", err)
	}
	if _, err := s.pool.Exec(ctx, onDisconnectSQL, s.sessionID, int32(s.listenPID), path, string(data)); err != nil {
		return fmt.Errorf("postgres.OnDisconnectUpdate: %w", mapErr(err))
	}
	return nil
}

// fire применяет забранные (уже удалённые) on-disconnect строки.
func (s *Store) fire(ctx context.Context, query string, args ...any) (int, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return 0, mapErr(err)
	}
	type op struct {
		path   string
		fields map[string]any
	}
	var ops []op
	for rows.Next() {
		var o op
		var raw []byte
		if err := rows.Scan(&o.path, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		if err := json.Unmarshal(raw, &o.fields); err != nil {
			logger.Errorf("postgres on-disconnect %s: %v", o.path, err)
			continue
		}
		ops = append(ops, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, mapErr(err)
	}
	for _, o := range ops {
		if err := s.write(ctx, mergeSQL, o.path, o.fields); err != nil {
			return 0, err
		}
	}
	return len(ops), nil
}

// Reap применяет on-disconnect записи соединений, которых больше нет в pg_stat_activity
// (клиент упал, не закрыв Store).
func (s *Store) Reap(ctx context.Context) (int, error) {
	if s.isClosed() {
		return 0, storage.ErrClosed
	}
	return s.fire(ctx, claimOrphanSQL)
}

// RunReaper вызывает Reap каждые interval до отмены ctx.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Reap(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, storage.ErrClosed) {
					logger.Errorf("postgres reap: %v", err)
				}
				continue
			}
			if n > 0 {
				logger.Infof("postgres reap: applied %d on-disconnect updates", n)
			}
		}
	}
}

// Close применяет свои on-disconnect, снимает подписки и отпускает соединение LISTEN.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	var all []*storage.Feed
	for _, set := range s.feeds {
		for f := range set {
			all = append(all, f)
		}
	}
	s.mu.Unlock()
	for _, f := range all {
		f.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, fireErr := s.fire(ctx, claimOwnSQL, s.sessionID)

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	s.listenConn.Release()
	if fireErr != nil {
		return fmt.Errorf("postgres close: %w", fireErr)
	}
	return nil
}
