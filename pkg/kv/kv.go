// Package kv provides the key-value substrate under persona memory and the
// session index. Keys are hierarchical path segments (e.g. ["persona", "host-1"])
// encoded with a configurable separator (default ':').
//
// Two implementations are provided: a BadgerDB-backed store for production and
// an in-memory store for tests.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// Key is a hierarchical path represented as string segments.
// Key{"persona", "host-1"} encodes to "persona:host-1" with the default
// separator. Segments must not contain the separator character.
type Key []string

// String renders the key with ':' for display and logs.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// Entry is a key-value pair, as returned by List and consumed by BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a key-value store with path-based keys.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair, overwriting any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key Key) error

	// List iterates entries whose key starts with the given prefix, in
	// lexicographic order of the encoded key. An empty prefix lists all.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet atomically stores multiple entries.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete atomically removes multiple keys.
	BatchDelete(ctx context.Context, keys []Key) error

	// Close releases resources held by the store.
	Close() error
}

// DefaultSeparator joins key segments in the encoded form.
const DefaultSeparator byte = ':'

// Options configures key encoding shared by all Store implementations.
type Options struct {
	// Separator overrides DefaultSeparator when non-zero.
	Separator byte
}

func (o *Options) sep() byte {
	if o != nil && o.Separator != 0 {
		return o.Separator
	}
	return DefaultSeparator
}

// encode joins the segments with the separator.
func (o *Options) encode(k Key) []byte {
	var b strings.Builder
	n := 0
	for _, seg := range k {
		n += len(seg) + 1
	}
	b.Grow(n)
	for i, seg := range k {
		if i > 0 {
			b.WriteByte(o.sep())
		}
		b.WriteString(seg)
	}
	return []byte(b.String())
}

// decode splits an encoded key back into segments.
func (o *Options) decode(b []byte) Key {
	return Key(strings.Split(string(b), string(o.sep())))
}

// listPrefix returns the encoded prefix with a trailing separator so that
// prefix ["a","b"] matches "a:b:c" but not "a:bc". An empty prefix returns
// nil, meaning scan everything.
func (o *Options) listPrefix(prefix Key) []byte {
	if len(prefix) == 0 {
		return nil
	}
	return append(o.encode(prefix), o.sep())
}
