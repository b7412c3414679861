// Package memory: дерево в памяти процесса. Используется в тестах и в режиме без внешнего хранилища.
// Одно Tree разделяют несколько Conn, как несколько клиентов разделяют удалённую базу.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatchat/internal/model"
	"github.com/chatchat/internal/storage"
)

// Op: вид доступа для правил Deny.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

type rule struct {
	op     Op
	prefix string
}

// Tree хранит коллекции: путь коллекции -> ключ -> запись.
type Tree struct {
	mu        sync.RWMutex
	nodes     map[string]map[string]map[string]any
	listeners map[string]map[*storage.Feed]*Conn
	rules     []rule
	writes    int
	clock     func() time.Time
}

func NewTree() *Tree {
	return &Tree{
		nodes:     make(map[string]map[string]map[string]any),
		listeners: make(map[string]map[*storage.Feed]*Conn),
		clock:     time.Now,
	}
}

// SetClock подменяет часы хранилища (ServerTimestamp).
func (t *Tree) SetClock(clock func() time.Time) {
	t.mu.Lock()
	t.clock = clock
	t.mu.Unlock()
}

// Connect открывает новое соединение клиента.
func (t *Tree) Connect() *Conn {
	return &Conn{
		tree:    t,
		id:      uuid.NewString(),
		feeds:   make(map[*storage.Feed]struct{}),
		pending: make(map[string]map[string]any),
	}
}

// Deny запрещает op для всех путей внутри prefix.
// Запрет чтения отменяет активные подписки с ErrPermissionDenied, как при отзыве прав.
func (t *Tree) Deny(op Op, prefix string) {
	t.mu.Lock()
	t.rules = append(t.rules, rule{op: op, prefix: prefix})
	if op == OpRead {
		for path, feeds := range t.listeners {
			if !storage.HasPrefix(path, prefix) {
				continue
			}
			for f := range feeds {
				f.Cancel(fmt.Errorf("%w: read %s", storage.ErrPermissionDenied, prefix))
			}
		}
	}
	t.mu.Unlock()
}

// Allow снимает все правила Deny.
func (t *Tree) Allow() {
	t.mu.Lock()
	t.rules = nil
	t.mu.Unlock()
}

// Writes: число применённых записей (Set/Update/Push и сработавших on-disconnect).
func (t *Tree) Writes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.writes
}

// Record возвращает копию записи по пути дочернего узла.
func (t *Tree) Record(path string) (map[string]any, bool) {
	parent, key, err := storage.Split(path)
	if err != nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.nodes[parent][key]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

// Put записывает узел в обход правил и соединений (заготовка данных в тестах).
func (t *Tree) Put(path string, value map[string]any) error {
	return t.write(path, value, false)
}

func (t *Tree) denied(op Op, path string) bool {
	for _, r := range t.rules {
		if r.op == op && storage.HasPrefix(path, r.prefix) {
			return true
		}
	}
	return false
}

func (t *Tree) now() float64 {
	return model.EpochSeconds(t.clock())
}

// write применяет запись и рассылает снимок коллекции подписчикам.
func (t *Tree) write(path string, fields map[string]any, merge bool) error {
	parent, key, err := storage.Split(path)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.denied(OpWrite, path) {
		t.mu.Unlock()
		return fmt.Errorf("%w: write %s", storage.ErrPermissionDenied, path)
	}
	fields = storage.ResolveServerValues(fields, t.now())
	coll, ok := t.nodes[parent]
	if !ok {
		coll = make(map[string]map[string]any)
		t.nodes[parent] = coll
	}
	rec := coll[key]
	if !merge || rec == nil {
		rec = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		rec[k] = cloneValue(v)
	}
	coll[key] = rec
	t.writes++
	t.publishLocked(parent)
	t.mu.Unlock()
	return nil
}

// publishLocked рассылает снимок коллекции под t.mu: порядок снимков у подписчиков
// совпадает с порядком записей. Feed.Publish не блокируется.
func (t *Tree) publishLocked(path string) {
	feeds := t.listeners[path]
	if len(feeds) == 0 {
		return
	}
	snap := t.snapshotLocked(path)
	for f := range feeds {
		f.Publish(snap)
	}
}

func (t *Tree) snapshotLocked(path string) storage.Snapshot {
	children := make(map[string]any, len(t.nodes[path]))
	for k, rec := range t.nodes[path] {
		children[k] = cloneRecord(rec)
	}
	return storage.NewSnapshot(path, children)
}

func (t *Tree) removeFeed(path string, f *storage.Feed) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners[path], f)
	if len(t.listeners[path]) == 0 {
		delete(t.listeners, path)
	}
}

// Conn: соединение одного клиента. Реализует storage.Store.
type Conn struct {
	tree *Tree
	id   string

	mu       sync.Mutex
	closed   bool
	feeds    map[*storage.Feed]struct{}
	pending  map[string]map[string]any
	pendingK []string
}

var _ storage.Store = (*Conn)(nil)

// ID: идентификатор соединения.
func (c *Conn) ID() string { return c.id }

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Listen(path string, onSnapshot func(storage.Snapshot), onCancel func(error)) (storage.Listener, error) {
	if err := storage.CheckPath(path); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, storage.ErrClosed
	}
	c.mu.Unlock()

	var feed *storage.Feed
	feed = storage.NewFeed(onSnapshot, onCancel, func() {
		c.tree.removeFeed(path, feed)
		c.mu.Lock()
		delete(c.feeds, feed)
		c.mu.Unlock()
	})
	c.mu.Lock()
	c.feeds[feed] = struct{}{}
	c.mu.Unlock()

	t := c.tree
	t.mu.Lock()
	if t.denied(OpRead, path) {
		t.mu.Unlock()
		feed.Cancel(fmt.Errorf("%w: read %s", storage.ErrPermissionDenied, path))
		return feed, nil
	}
	if t.listeners[path] == nil {
		t.listeners[path] = make(map[*storage.Feed]*Conn)
	}
	t.listeners[path][feed] = c
	feed.Publish(t.snapshotLocked(path))
	t.mu.Unlock()
	return feed, nil
}

func (c *Conn) Get(ctx context.Context, path string) (storage.Snapshot, error) {
	if err := storage.CheckPath(path); err != nil {
		return storage.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	if c.isClosed() {
		return storage.Snapshot{}, storage.ErrClosed
	}
	t := c.tree
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.denied(OpRead, path) {
		return storage.Snapshot{}, fmt.Errorf("%w: read %s", storage.ErrPermissionDenied, path)
	}
	return t.snapshotLocked(path), nil
}

func (c *Conn) Push(ctx context.Context, path string, value map[string]any) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("memory.Push: %w", err)
	}
	key := id.String()
	if err := c.Set(ctx, storage.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (c *Conn) Set(ctx context.Context, path string, value map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return storage.ErrClosed
	}
	return c.tree.write(path, value, false)
}

func (c *Conn) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return storage.ErrClosed
	}
	return c.tree.write(path, fields, true)
}

// OnDisconnectUpdate регистрирует слияние fields в path при закрытии соединения.
// Повторная регистрация для того же пути дополняет поля.
func (c *Conn) OnDisconnectUpdate(ctx context.Context, path string, fields map[string]any) error {
	if _, _, err := storage.Split(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.tree.mu.RLock()
	denied := c.tree.denied(OpWrite, path)
	c.tree.mu.RUnlock()
	if denied {
		return fmt.Errorf("%w: write %s", storage.ErrPermissionDenied, path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return storage.ErrClosed
	}
	rec, ok := c.pending[path]
	if !ok {
		rec = make(map[string]any, len(fields))
		c.pending[path] = rec
		c.pendingK = append(c.pendingK, path)
	}
	for k, v := range fields {
		rec[k] = v
	}
	return nil
}

// Close: штатное отключение: срабатывают on-disconnect, подписки снимаются.
func (c *Conn) Close() error {
	ops, feeds, ok := c.shutdown()
	if !ok {
		return nil
	}
	for _, f := range feeds {
		f.Stop()
	}
	for _, op := range ops {
		if err := c.tree.write(op.path, op.fields, true); err != nil {
			return fmt.Errorf("memory.Close: on-disconnect %s: %w", op.path, err)
		}
	}
	return nil
}

// Drop: обрыв без штатного закрытия. On-disconnect не срабатывают.
func (c *Conn) Drop() {
	_, feeds, _ := c.shutdown()
	for _, f := range feeds {
		f.Stop()
	}
}

type pendingOp struct {
	path   string
	fields map[string]any
}

func (c *Conn) shutdown() ([]pendingOp, []*storage.Feed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, false
	}
	c.closed = true
	ops := make([]pendingOp, 0, len(c.pendingK))
	for _, p := range c.pendingK {
		ops = append(ops, pendingOp{path: p, fields: c.pending[p]})
	}
	c.pending, c.pendingK = nil, nil
	feeds := make([]*storage.Feed, 0, len(c.feeds))
	for f := range c.feeds {
		feeds = append(feeds, f)
	}
	return ops, feeds, true
}

func cloneRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneRecord(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}
