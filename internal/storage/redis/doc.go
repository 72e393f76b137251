// Package redis wraps go-redis for the selection cache and shares client
// construction with the Redis task queue.
package redis
