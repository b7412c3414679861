package storage

import (
	"fmt"
	"strings"
)

// forbidden: символы, недопустимые в сегменте пути.
const forbidden = ".#$[]"

// Join склеивает сегменты в путь вида a/b/c.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// CheckPath проверяет путь: непустые сегменты без запрещённых символов.
func CheckPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
		if strings.ContainsAny(seg, forbidden) {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// Split делит путь дочернего узла на коллекцию и ключ.
func Split(path string) (parent, key string, err error) {
	if err := CheckPath(path); err != nil {
		return "", "", err
	}
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("%w: %q has no parent", ErrInvalidPath, path)
	}
	return path[:idx], path[idx+1:], nil
}

// HasPrefix сообщает, лежит ли path внутри prefix (по границам сегментов).
func HasPrefix(path, prefix string) bool {
	if prefix == "" || path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}
