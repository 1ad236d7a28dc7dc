// Package redis implements store.Store on Redis via go-redis/v9. Each
// entry is a Hash; each group keeps a Sorted Set of message ids scored by
// release instant, which gives ordered listing and an O(1) count.
//
// The caller owns the Redis client lifecycle; the store never closes it:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
//
// The Redis store does not implement pending.Transactor. A wrapped release
// that fails re-adds the entry instead.
package redis
