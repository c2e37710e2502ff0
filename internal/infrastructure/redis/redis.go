package redis

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type RedisClient struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient connects lazily to host:port. A zero ttl keeps widget
// keys until they are cleared.
func NewRedisClient(host, port, password string, db int, ttl time.Duration) *RedisClient {
	addr := fmt.Sprintf("%s:%s", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisClient{client: client, ttl: ttl}
}
