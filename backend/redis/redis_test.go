package redis

import (
	"os"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/reservehq/holdflow/backend"
	"github.com/reservehq/holdflow/backend/test"
)

func Test_RedisBackend(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	test.StoreTest(t, func() backend.Backend {
		client := redis.NewClient(&redis.Options{
			Addr: addr,
		})

		return NewRedisBackend(client)
	}, nil)
}
