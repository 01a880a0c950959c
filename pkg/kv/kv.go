// Package kv provides the key-value contract backing the job store.
//
// Keys are hierarchical string segments (e.g. ["job", "abc123"]) joined
// with ':' in storage, matching the key scheme the records were born with
// ("job:{id}", "result:{id}", "user:jobs:{uid}"). A NATS JetStream KV
// implementation serves multi-process deployments, a Badger-backed one
// serves single-process ones, and an in-memory one serves tests. Set
// semantics (membership tracking) are expressed as
// prefix ranges: member m of set S is the key S + [m] with an empty value.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// Separator joins key segments in the encoded representation.
const Separator byte = ':'

// Key is a hierarchical path represented as a slice of string segments.
// Segments must not contain the separator character.
type Key []string

// String returns the encoded form, e.g. Key{"job", "42"} -> "job:42".
func (k Key) String() string { return strings.Join(k, string(Separator)) }

// Append returns a new key with extra segments appended.
func (k Key) Append(segs ...string) Key {
	out := make(Key, 0, len(k)+len(segs))
	out = append(out, k...)
	return append(out, segs...)
}

// Entry is a key-value pair yielded by List.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the key-value contract. All values expire only if written
// with a non-zero TTL; Set never expires.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if absent
	// (or expired).
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair without expiry, overwriting any
	// existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// SetTTL stores a key-value pair that expires after ttl. A zero ttl
	// behaves like Set.
	SetTTL(ctx context.Context, key Key, value []byte, ttl time.Duration) error

	// Delete removes a key. No error if the key does not exist.
	Delete(ctx context.Context, key Key) error

	// List iterates over all entries strictly below the given prefix,
	// in lexicographic order of the encoded key.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// Close releases any resources held by the store.
	Close() error
}

func encode(k Key) []byte {
	n := 0
	for i, seg := range k {
		if i > 0 {
			n++
		}
		n += len(seg)
	}
	buf := make([]byte, 0, n)
	for i, seg := range k {
		if i > 0 {
			buf = append(buf, Separator)
		}
		buf = append(buf, seg...)
	}
	return buf
}

func decode(b []byte) Key {
	parts := strings.Split(string(b), string(Separator))
	return Key(parts)
}
