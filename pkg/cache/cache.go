package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrCacheMiss = errors.New("cache: key not found")
)

// Store is the key/value, list and pub/sub surface used by exporters.
type Store interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel string, value interface{}) error
	PushCapped(ctx context.Context, key string, value interface{}, max int64) error
	Range(ctx context.Context, key string, n int64) ([]string, error)
	Close() error
}

// RangeTyped reads up to n list entries and unmarshals each into T. Entries
// that are not valid JSON are skipped.
func RangeTyped[T any](ctx context.Context, s Store, key string, n int64) ([]T, error) {
	raw, err := s.Range(ctx, key, n)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func encode(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal value: %w", err)
		}
		return b, nil
	}
}
