package kv

import (
	"context"
	"errors"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// natsKeySep replaces Separator in bucket keys; NATS KV key names do not
// allow ':'.
const natsKeySep = "."

// NATSOptions configures a NATS-backed Store.
type NATSOptions struct {
	Conn *nats.Conn

	// RecordsBucket holds expiring entries (SetTTL writes). Expiry is a
	// bucket-level property in JetStream KV, so RecordsTTL governs every
	// entry here and the per-call ttl is ignored.
	RecordsBucket string
	RecordsTTL    time.Duration

	// MetaBucket holds non-expiring entries (Set writes): tracking sets
	// and the reload token.
	MetaBucket string
}

// NATSKV implements Store over two JetStream KeyValue buckets, letting
// separate processes share one logical store through the NATS server
// they are already connected to. Badger cannot be shared across
// processes; this can.
type NATSKV struct {
	records nats.KeyValue
	meta    nats.KeyValue
}

// NewNATS opens (or creates) the two buckets.
func NewNATS(opts NATSOptions) (*NATSKV, error) {
	js, err := opts.Conn.JetStream()
	if err != nil {
		return nil, err
	}
	records, err := openBucket(js, opts.RecordsBucket, opts.RecordsTTL)
	if err != nil {
		return nil, err
	}
	meta, err := openBucket(js, opts.MetaBucket, 0)
	if err != nil {
		return nil, err
	}
	return &NATSKV{records: records, meta: meta}, nil
}

func openBucket(js nats.JetStreamContext, bucket string, ttl time.Duration) (nats.KeyValue, error) {
	b, err := js.KeyValue(bucket)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, err
	}
	return js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, TTL: ttl})
}

func natsKey(key Key) string { return strings.Join(key, natsKeySep) }

// Get checks the expiring bucket first, then the durable one.
func (n *NATSKV) Get(_ context.Context, key Key) ([]byte, error) {
	k := natsKey(key)
	for _, b := range []nats.KeyValue{n.records, n.meta} {
		entry, err := b.Get(k)
		if err == nil {
			return entry.Value(), nil
		}
		if !errors.Is(err, nats.ErrKeyNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// Set writes to the durable bucket.
func (n *NATSKV) Set(_ context.Context, key Key, value []byte) error {
	_, err := n.meta.Put(natsKey(key), value)
	return err
}

// SetTTL writes to the expiring bucket. The bucket TTL applies; the
// per-call ttl carried for other backends is ignored.
func (n *NATSKV) SetTTL(_ context.Context, key Key, value []byte, _ time.Duration) error {
	_, err := n.records.Put(natsKey(key), value)
	return err
}

// Delete purges the key from both buckets.
func (n *NATSKV) Delete(_ context.Context, key Key) error {
	k := natsKey(key)
	for _, b := range []nats.KeyValue{n.records, n.meta} {
		if err := b.Purge(k); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

// List walks both buckets and yields entries under the prefix in
// lexicographic order.
func (n *NATSKV) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	pfx := natsKey(prefix) + natsKeySep
	return func(yield func(Entry, error) bool) {
		var matched []string
		seen := make(map[string]bool)
		for _, b := range []nats.KeyValue{n.records, n.meta} {
			keys, err := b.Keys()
			if errors.Is(err, nats.ErrNoKeysFound) {
				continue
			}
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, k := range keys {
				if strings.HasPrefix(k, pfx) && !seen[k] {
					seen[k] = true
					matched = append(matched, k)
				}
			}
		}
		sort.Strings(matched)

		for _, k := range matched {
			entry, err := n.records.Get(k)
			if errors.Is(err, nats.ErrKeyNotFound) {
				entry, err = n.meta.Get(k)
			}
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				yield(Entry{}, err)
				return
			}
			e := Entry{Key: Key(strings.Split(k, natsKeySep)), Value: entry.Value()}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Close is a no-op; the underlying connection is owned by the caller.
func (n *NATSKV) Close() error { return nil }
