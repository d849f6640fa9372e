package redisx

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// New builds a client with short timeouts: an unreachable Redis has to fail fast
// so the lock can fall back to Postgres within one request.
func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		MaxRetries:   -1,
	})
}
