package storage

import (
	"context"
	"errors"
)

var (
	ErrNotInteger    = errors.New("value is not an integer or out of range")
	ErrInvalidBackup = errors.New("backup is not a JSON object")
	ErrEmptyKey      = errors.New("empty keys are not supported")
)

// Update describes a change to one key.
type Update struct {
	Key   []byte
	Event string
}

type Store interface {
	Set(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Del(ctx context.Context, keys ...[]byte) (int64, error)
	Exists(ctx context.Context, keys ...[]byte) (int64, error)
	Incr(ctx context.Context, key []byte) (int64, error)

	Restore(values []byte) error
	Backup() ([]byte, error)

	ListenToUpdates() <-chan *Update

	Close() error
}
