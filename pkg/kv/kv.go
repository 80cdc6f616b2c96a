// Package kv provides a small key-value store interface with hierarchical
// path-based keys. Keys are string slices (e.g. ["session", "<id>"]) encoded
// with ':' as separator.
//
// Two implementations are provided: an in-memory store for tests and a
// BadgerDB-backed store for durable session archives. Open selects one from
// a URL ("memory://" or "badger:///path").
package kv

import (
	"errors"
	"fmt"
	"strings"

	"context"
	"iter"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

const sep = ':'

// Key is a hierarchical path represented as a slice of string segments.
// Segments must not contain the ':' separator.
type Key []string

// String returns the key encoded with ':' as separator.
func (k Key) String() string {
	return strings.Join(k, string(sep))
}

func encode(k Key) []byte {
	return []byte(k.String())
}

func decode(b []byte) Key {
	return Key(strings.Split(string(b), string(sep)))
}

// Entry is a key-value pair returned by List.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the interface for a key-value store with path-based keys.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair. Overwrites any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. No error if the key does not exist.
	Delete(ctx context.Context, key Key) error

	// List iterates over all entries whose key starts with the given prefix,
	// in lexicographic order of the encoded key.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// Close releases store resources.
	Close() error
}

// Open opens a store from a URL like "badger:///path/to/dir" or "memory://".
func Open(url string) (Store, error) {
	switch {
	case strings.HasPrefix(url, "badger://"):
		dir := strings.TrimPrefix(url, "badger://")
		return NewBadger(BadgerOptions{Dir: dir, Logger: silentLogger{}})
	case url == "memory://":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("kv: unsupported store URL scheme: %s", url)
	}
}
