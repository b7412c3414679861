// Package storage описывает удалённое дерево, к которому привязан клиент:
// подписка на коллекцию со снимками, запись дочерних узлов, on-disconnect и разовое чтение.
// Реализации: memory.Tree (тесты, -dev), redis.Client, postgres.Store.
package storage

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrPermissionDenied: хранилище отказало в чтении или записи.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrClosed: соединение с хранилищем закрыто.
	ErrClosed = errors.New("store closed")
	// ErrInvalidPath: путь пустой или содержит запрещённые символы.
	ErrInvalidPath = errors.New("invalid path")
)

// IsPermissionDenied сообщает, что ошибка: отказ в доступе со стороны хранилища.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// Store: клиент удалённого дерева. Listen и Get адресуют коллекцию,
// Set/Update/OnDisconnectUpdate адресуют дочерний узел коллекции.
// Колбэки Listen вызываются на горутинах реализации, не на горутине вызывающего.
type Store interface {
	Listen(path string, onSnapshot func(Snapshot), onCancel func(error)) (Listener, error)
	Get(ctx context.Context, path string) (Snapshot, error)
	Push(ctx context.Context, path string, value map[string]any) (string, error)
	Set(ctx context.Context, path string, value map[string]any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	OnDisconnectUpdate(ctx context.Context, path string, fields map[string]any) error
	Close() error
}

// Listener: подписка на коллекцию. Stop идемпотентен.
type Listener interface {
	Stop()
}

// Child: дочерний узел коллекции. Value: декодированный JSON (обычно map[string]any).
type Child struct {
	Key   string
	Value any
}

// Snapshot: полная копия коллекции на момент доставки, дети отсортированы по ключу.
type Snapshot struct {
	Path     string
	Children []Child
}

// NewSnapshot собирает снимок из map, сортируя ключи.
func NewSnapshot(path string, children map[string]any) Snapshot {
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	snap := Snapshot{Path: path, Children: make([]Child, 0, len(keys))}
	for _, k := range keys {
		snap.Children = append(snap.Children, Child{Key: k, Value: children[k]})
	}
	return snap
}

// Len: число детей.
func (s Snapshot) Len() int { return len(s.Children) }
