// Package kvstore provides the durable key-value storage that backs the
// operation queue, migration state and retention bookkeeping.
package kvstore

import (
	"context"
	"database/sql"
	"fmt"

	json "github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
)

// Store is a durable byte-value store addressed by string keys. Writers
// always replace the whole value for a key.
type Store interface {
	// Get returns the value for key, or nil when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	Close() error
}

// GetJSON decodes the value at key into dest. It reports false when the
// key is absent.
func GetJSON(ctx context.Context, s Store, key string, dest interface{}) (bool, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, apperrors.Wrap(apperrors.ErrLocalStore, "decode "+key, err)
	}
	return true, nil
}

// SetJSON encodes value and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "encode "+key, err)
	}
	return s.Set(ctx, key, data)
}

// Options selects and configures a backend.
type Options struct {
	// Backend is one of badger, sqlite, redis or memory.
	Backend   string
	Path      string
	RedisAddr string
	RedisDB   int
	Prefix    string
	// DB is the sqlite handle used by the sqlite backend.
	DB *sql.DB
}

// Open builds the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "badger", "":
		if opts.Path == "" {
			return nil, apperrors.New(apperrors.ErrInvalid, "badger kv store needs a path")
		}
		return NewBadgerStore(opts.Path)
	case "sqlite":
		if opts.DB == nil {
			return nil, apperrors.New(apperrors.ErrInvalid, "sqlite kv store needs a database")
		}
		return NewSQLiteStore(ctx, opts.DB)
	case "redis":
		return NewRedisStore(ctx, opts.RedisAddr, opts.RedisDB, opts.Prefix)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown kv backend %q", opts.Backend))
	}
}

func storeErr(op, key string, err error) error {
	return apperrors.Wrap(apperrors.ErrLocalStore, fmt.Sprintf("kv %s %s", op, key), err)
}
