package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listStore struct {
	Store
	items []string
	err   error
}

func (s listStore) Range(context.Context, string, int64) ([]string, error) {
	return s.items, s.err
}

func TestRangeTypedSkipsInvalidEntries(t *testing.T) {
	s := listStore{items: []string{`{"n":1}`, `oops`, `{"n":3}`}}
	got, err := RangeTyped[struct{ N int }](context.Background(), s, "k", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[1].N)

	_, err = RangeTyped[struct{}](context.Background(), listStore{err: errors.New("down")}, "k", 1)
	assert.Error(t, err)
}

func TestEncode(t *testing.T) {
	b, err := encode("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", string(b))

	b, err = encode(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))

	_, err = encode(make(chan int))
	assert.Error(t, err)
}

func TestKeyWrapping(t *testing.T) {
	c := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "mp")
	defer c.Close()
	assert.Equal(t, "mp:risk:latest", c.wrapKey("risk:latest"))
	assert.Equal(t, []string{"mp:a", "mp:b"}, c.wrapKeys("a", "b"))

	bare := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "")
	defer bare.Close()
	assert.Equal(t, "k", bare.wrapKey("k"))
}

func TestNewRedisCacheFailsWithoutServer(t *testing.T) {
	_, err := NewRedisCache(WithRedisAddr("127.0.0.1:1"), WithPingTimeout(200*time.Millisecond))
	assert.Error(t, err)
}
