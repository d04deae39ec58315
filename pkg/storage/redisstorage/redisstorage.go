// Package redisstorage implements storage.Backend on Redis: the entry
// lives under a string key, and every write is also published on a
// pub/sub channel so watchers receive each write in order, diff
// included.
package redisstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/inkwell/inkstore/pkg/storage"
)

// Backend stores entries as "inkstore:entry:{key}" and publishes writes
// on "inkstore:sync:{key}".
type Backend struct {
	client *redis.Client
	prefix string
}

// Open connects using a redis:// URL, e.g. redis://localhost:6379/0.
func Open(ctx context.Context, redisURL string) (*Backend, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client), nil
}

// New wraps an existing client. The backend owns the client and closes
// it with Close.
func New(client *redis.Client) *Backend {
	return &Backend{client: client, prefix: "inkstore"}
}

func (b *Backend) entryKey(key string) string {
	return fmt.Sprintf("%s:entry:%s", b.prefix, key)
}

func (b *Backend) channel(key string) string {
	return fmt.Sprintf("%s:sync:%s", b.prefix, key)
}

// Read returns the latest entry for key.
func (b *Backend) Read(ctx context.Context, key string) (storage.Entry, bool, error) {
	data, err := b.client.Get(ctx, b.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.Entry{}, false, nil
	}
	if err != nil {
		return storage.Entry{}, false, err
	}
	var e storage.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return storage.Entry{}, false, fmt.Errorf("decode entry: %w", err)
	}
	return e, true, nil
}

// Write stores the entry and publishes it to watchers.
func (b *Backend) Write(ctx context.Context, key string, e storage.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if err := b.client.Set(ctx, b.entryKey(key), data, 0).Err(); err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel(key), data).Err()
}

// Watch subscribes to the key's channel and delivers every published
// write until ctx is canceled.
func (b *Backend) Watch(ctx context.Context, key string, fn func(storage.Entry)) error {
	sub := b.client.Subscribe(ctx, b.channel(key))
	// Wait for the subscription to be live so writes after Watch
	// returns are never missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	go func() {
		for msg := range sub.Channel() {
			var e storage.Entry
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				slog.Warn("redis watch: bad entry", "key", key, "err", err)
				continue
			}
			fn(e)
		}
	}()
	return nil
}

// Close closes the underlying client.
func (b *Backend) Close() error { return b.client.Close() }

// Compile-time interface check.
var _ storage.Backend = (*Backend)(nil)
