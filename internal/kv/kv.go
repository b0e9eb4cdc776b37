// Package kv implements the simple key/value persistence contract the queue
// store is written against: GetItem, SetItem, RemoveItem.
//
// Every SetItem replaces the whole value atomically; readers never observe a
// partially written value.
package kv

import (
	"context"
	"fmt"
)

// Store is a durable string key/value store.
type Store interface {
	// GetItem returns the stored value and whether the key exists.
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	DataDir     string // file and sqlite
	RedisAddr   string
	RedisDB     int
	RedisPrefix string
}

// Open constructs the configured backend.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendFile:
		return NewFile(opts.DataDir)
	case BackendSQLite:
		return OpenSQLite(opts.DataDir)
	case BackendRedis:
		return NewRedis(opts.RedisAddr, opts.RedisDB, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
