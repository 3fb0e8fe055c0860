package storage

import "errors"

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("storage: store closed")

// KeyValueStore is a durable, key-ordered byte store.
//
// Get reports ok=false (and no error) when the key has never been written.
// Scan visits keys with the given prefix in ascending order; returning a
// non-nil error from fn stops the scan and is returned as is.
type KeyValueStore interface {
	Get(key string) (value []byte, ok bool, err error)
	Put(key string, value []byte) error
	Scan(prefix string, fn func(key string, value []byte) error) error
	Close() error
}
