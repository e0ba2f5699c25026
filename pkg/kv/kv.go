// Package kv is the persistence layer behind memory, emotion state,
// subscribers, watchlists and telemetry. Values are JSON documents keyed by
// string. Three backends implement Store: a JSON file with atomic replace
// (the default), an SQLite bucket and a Postgres bucket.
package kv

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Store is a string-keyed map of JSON values.
type Store interface {
	// Get decodes the value at key into v. It reports false when the key
	// is absent, leaving v untouched.
	Get(key string, v any) (bool, error)

	// Put encodes v as JSON and stores it at key. The write is durable
	// when Put returns.
	Put(key string, v any) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys lists every key in sorted order.
	Keys() ([]string, error)

	Close() error
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// CorruptFunc is told about a store file that failed to parse at open. The
// file has already been moved to quarantine and the store starts empty.
type CorruptFunc func(path, quarantine string, cause error)

func encode(key string, v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("kv: encode %q: %w", key, err)
	}
	return b, nil
}

func decode(key string, raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("kv: decode %q: %w", key, err)
	}
	return nil
}
