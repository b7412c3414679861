package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chatchat/internal/logger"
	"github.com/chatchat/internal/storage"
)

// Раскладка ключей:
//
//	{prefix}:tree:{collection}       hash: ключ ребёнка -> JSON записи
//	{prefix}:changes:{collection}    канал pub/sub, сообщение = путь коллекции
//	{prefix}:ondisconnect:{connID}   hash: путь узла -> JSON полей для слияния при закрытии
const (
	maxUpdateRetries = 5
	// onDisconnectTTL: хвост on-disconnect не висит вечно, если клиент упал.
	onDisconnectTTL = 24 * time.Hour
)

type Client struct {
	cli    *redis.Client
	prefix string
	connID string

	mu     sync.Mutex
	closed bool
	feeds  map[*storage.Feed]struct{}
}

var _ storage.Store = (*Client)(nil)

func New(ctx context.Context, url, prefix string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{
		cli:    cli,
		prefix: prefix,
		connID: uuid.NewString(),
		feeds:  make(map[*storage.Feed]struct{}),
	}, nil
}

func (c *Client) treeKey(path string) string { return c.prefix + ":tree:" + path }
func (c *Client) channel(path string) string { return c.prefix + ":changes:" + path }
func (c *Client) onDisconnectKey() string    { return c.prefix + ":ondisconnect:" + c.connID }

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// mapErr переводит NOPERM (ACL Redis) в storage.ErrPermissionDenied.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "NOPERM") {
		return fmt.Errorf("%w: %v", storage.ErrPermissionDenied, err)
	}
	return err
}

// Listen подписывается на канал изменений коллекции и на каждое уведомление
// перечитывает коллекцию целиком. Первый снимок уходит сразу после подтверждения подписки.
func (c *Client) Listen(path string, onSnapshot func(storage.Snapshot), onCancel func(error)) (storage.Listener, error) {
	if err := storage.CheckPath(path); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, storage.ErrClosed
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	sub := c.cli.Subscribe(ctx, c.channel(path))
	var feed *storage.Feed
	feed = storage.NewFeed(onSnapshot, onCancel, func() {
		cancel()
		if err := sub.Close(); err != nil {
			logger.Errorf("redis unsubscribe %s: %v", path, err)
		}
		c.mu.Lock()
		delete(c.feeds, feed)
		c.mu.Unlock()
	})
	c.mu.Lock()
	c.feeds[feed] = struct{}{}
	c.mu.Unlock()

	go c.pump(ctx, path, sub, feed)
	return feed, nil
}

func (c *Client) pump(ctx context.Context, path string, sub *redis.PubSub, feed *storage.Feed) {
	// ждём подтверждения SUBSCRIBE, иначе изменение между чтением и подпиской потеряется
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			feed.Cancel(mapErr(err))
		}
		return
	}
	ch := sub.Channel()
	if !c.deliver(ctx, path, feed) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				feed.Cancel(storage.ErrClosed)
				return
			}
			if !c.deliver(ctx, path, feed) {
				return
			}
		}
	}
}

func (c *Client) deliver(ctx context.Context, path string, feed *storage.Feed) bool {
	snap, err := c.Get(ctx, path)
	if err != nil {
		if ctx.Err() == nil {
			feed.Cancel(err)
		}
		return false
	}
	feed.Publish(snap)
	return true
}

func (c *Client) Get(ctx context.Context, path string) (storage.Snapshot, error) {
	if err := storage.CheckPath(path); err != nil {
		return storage.Snapshot{}, err
	}
	if c.isClosed() {
		return storage.Snapshot{}, storage.ErrClosed
	}
	raw, err := c.cli.HGetAll(ctx, c.treeKey(path)).Result()
	if err != nil {
		return storage.Snapshot{}, mapErr(err)
	}
	return decodeHash(path, raw), nil
}

// decodeHash разбирает значения hash. Битый JSON остаётся строкой: декодеры записей его отбросят.
func decodeHash(path string, raw map[string]string) storage.Snapshot {
	children := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal([]byte(v), &val); err != nil {
			logger.Errorf("redis decode %s/%s: %v", path, k, err)
			val = v
		}
		children[k] = val
	}
	return storage.NewSnapshot(path, children)
}

func (c *Client) Push(ctx context.Context, path string, value map[string]any) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("redis.Push: %w", err)
	}
	key := id.String()
	if err := c.Set(ctx, storage.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (c *Client) Set(ctx context.Context, path string, value map[string]any) error {
	parent, key, err := storage.Split(path)
	if err != nil {
		return err
	}
	if c.isClosed() {
		return storage.ErrClosed
	}
	value, err = c.resolve(ctx, value)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redis.Set: %w", err)
	}
	_, err = c.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.treeKey(parent), key, data)
		pipe.Publish(ctx, c.channel(parent), parent)
		return nil
	})
	return mapErr(err)
}

// Update сливает поля в запись под WATCH, повторяя при конкурентной записи.
func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	if c.isClosed() {
		return storage.ErrClosed
	}
	return c.merge(ctx, path, fields)
}

func (c *Client) merge(ctx context.Context, path string, fields map[string]any) error {
	parent, key, err := storage.Split(path)
	if err != nil {
		return err
	}
	fields, err = c.resolve(ctx, fields)
	if err != nil {
		return err
	}
	hkey := c.treeKey(parent)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, hkey, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		data, err := mergeJSON(cur, fields)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hkey, key, data)
			pipe.Publish(ctx, c.channel(parent), parent)
			return nil
		})
		return err
	}
	for i := 0; i < maxUpdateRetries; i++ {
		err = c.cli.Watch(ctx, txf, hkey)
		if !errors.Is(err, redis.TxFailedErr) {
			return mapErr(err)
		}
	}
	return fmt.Errorf("redis.Update %s: %w", path, err)
}

// mergeJSON накладывает fields на сохранённую запись. Не-объект заменяется целиком.
func mergeJSON(current string, fields map[string]any) ([]byte, error) {
	rec := map[string]any{}
	if current != "" {
		var prev any
		if err := json.Unmarshal([]byte(current), &prev); err == nil {
			if m, ok := prev.(map[string]any); ok {
				rec = m
			}
		}
	}
	for k, v := range fields {
		rec[k] = v
	}
	return json.Marshal(rec)
}

// resolve подставляет время сервера Redis (TIME) вместо ServerTimestamp.
func (c *Client) resolve(ctx context.Context, fields map[string]any) (map[string]any, error) {
	if !storage.NeedsServerTime(fields) {
		return fields, nil
	}
	now, err := c.cli.Time(ctx).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	return storage.ResolveServerValues(fields, float64(now.UnixNano())/float64(time.Second)), nil
}

// OnDisconnectUpdate сохраняет поля в hash соединения; Close применяет их.
// Маркер ServerTimestamp сериализуется как есть и разрешается в момент срабатывания.
func (c *Client) OnDisconnectUpdate(ctx context.Context, path string, fields map[string]any) error {
	if _, _, err := storage.Split(path); err != nil {
		return err
	}
	if c.isClosed() {
		return storage.ErrClosed
	}
	key := c.onDisconnectKey()
	prev, err := c.cli.HGet(ctx, key, path).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return mapErr(err)
	}
	data, err := mergeJSON(prev, fields)
	if err != nil {
		return fmt.Errorf("redis.OnDisconnectUpdate: %w", err)
	}
	_, err = c.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, path, data)
		pipe.Expire(ctx, key, onDisconnectTTL)
		return nil
	})
	return mapErr(err)
}

// Close применяет on-disconnect этого соединения, снимает подписки и закрывает клиент.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	feeds := make([]*storage.Feed, 0, len(c.feeds))
	for f := range c.feeds {
		feeds = append(feeds, f)
	}
	c.mu.Unlock()

	for _, f := range feeds {
		f.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	if err := c.fireOnDisconnect(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.cli.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Client) fireOnDisconnect(ctx context.Context) error {
	key := c.onDisconnectKey()
	ops, err := c.cli.HGetAll(ctx, key).Result()
	if err != nil {
		return mapErr(err)
	}
	for path, raw := range ops {
		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			logger.Errorf("redis on-disconnect %s: %v", path, err)
			continue
		}
		if err := c.merge(ctx, path, fields); err != nil {
			return fmt.Errorf("redis on-disconnect %s: %w", path, err)
		}
	}
	return mapErr(c.cli.Del(ctx, key).Err())
}

// FlushDB очищает текущую БД Redis (для сброса дерева в тестовых окружениях).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
