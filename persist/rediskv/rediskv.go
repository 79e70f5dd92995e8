// Package rediskv is a persist.KV backed by Redis.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key, such as "asxwatch:".
	Prefix string
}

// KV implements persist.KV.
type KV struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection with a PING.
func New(cfg Config) (*KV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &KV{client: client, prefix: cfg.Prefix}, nil
}

// Get implements persist.KV.
func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := k.client.Get(ctx, k.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// Set implements persist.KV. Values never expire.
func (k *KV) Set(ctx context.Context, key, val string) error {
	return k.client.Set(ctx, k.prefix+key, val, 0).Err()
}

// Remove implements persist.KV.
func (k *KV) Remove(ctx context.Context, key string) error {
	return k.client.Del(ctx, k.prefix+key).Err()
}

// Close closes the Redis connection.
func (k *KV) Close() error {
	return k.client.Close()
}
