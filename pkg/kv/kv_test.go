package kv

import (
	"context"
	"testing"
	"time"
)

func TestKeyString(t *testing.T) {
	tests := []struct {
		key  Key
		want string
	}{
		{Key{"job", "42"}, "job:42"},
		{Key{"user", "jobs", "u1", "j1"}, "user:jobs:u1:j1"},
		{Key{"faiss", "reload"}, "faiss:reload"},
	}
	for _, tt := range tests {
		if got := tt.key.String(); got != tt.want {
			t.Errorf("Key%v.String() = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestKeyAppendDoesNotAlias(t *testing.T) {
	base := Key{"jobs", "all"}
	a := base.Append("1")
	b := base.Append("2")
	if a.String() != "jobs:all:1" || b.String() != "jobs:all:2" {
		t.Fatalf("Append aliased: %v, %v", a, b)
	}
}

// storeUnderTest runs the contract tests against any Store
// implementation.
func storeUnderTest(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		if _, err := store.Get(ctx, Key{"nope"}); err != ErrNotFound {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	})

	t.Run("set get delete", func(t *testing.T) {
		key := Key{"job", "a"}
		if err := store.Set(ctx, key, []byte("v1")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, err := store.Get(ctx, key)
		if err != nil || string(got) != "v1" {
			t.Fatalf("Get = %q, %v", got, err)
		}
		if err := store.Set(ctx, key, []byte("v2")); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		got, _ = store.Get(ctx, key)
		if string(got) != "v2" {
			t.Fatalf("overwrite lost: %q", got)
		}
		if err := store.Delete(ctx, key); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := store.Get(ctx, key); err != ErrNotFound {
			t.Fatalf("after delete: want ErrNotFound, got %v", err)
		}
		// Deleting again is not an error.
		if err := store.Delete(ctx, key); err != nil {
			t.Fatalf("double delete: %v", err)
		}
	})

	t.Run("list prefix", func(t *testing.T) {
		for _, id := range []string{"c", "a", "b"} {
			if err := store.Set(ctx, Key{"jobs", "all", id}, []byte("1")); err != nil {
				t.Fatalf("Set %s: %v", id, err)
			}
		}
		// A sibling prefix must not bleed into the listing.
		store.Set(ctx, Key{"jobs", "allx", "z"}, []byte("1"))

		var got []string
		for entry, err := range store.List(ctx, Key{"jobs", "all"}) {
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			got = append(got, entry.Key[len(entry.Key)-1])
		}
		want := []string{"a", "b", "c"}
		if len(got) != len(want) {
			t.Fatalf("List = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("List = %v, want %v", got, want)
			}
		}
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemory()
	defer store.Close()
	storeUnderTest(t, store)
}

func TestBadgerStore(t *testing.T) {
	store, err := NewBadger(BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	defer store.Close()
	storeUnderTest(t, store)
}

func TestMemoryTTLExpiry(t *testing.T) {
	store := NewMemory()
	now := time.Now()
	store.now = func() time.Time { return now }

	ctx := context.Background()
	key := Key{"result", "r1"}
	if err := store.SetTTL(ctx, key, []byte("v"), time.Hour); err != nil {
		t.Fatalf("SetTTL: %v", err)
	}
	if _, err := store.Get(ctx, key); err != nil {
		t.Fatalf("before expiry: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := store.Get(ctx, key); err != ErrNotFound {
		t.Fatalf("after expiry: want ErrNotFound, got %v", err)
	}

	// A rewrite refreshes the window.
	if err := store.SetTTL(ctx, key, []byte("v"), time.Hour); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := store.Get(ctx, key); err != nil {
		t.Fatalf("after refresh: %v", err)
	}
}

func TestBadgerTTL(t *testing.T) {
	store, err := NewBadger(BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.SetTTL(ctx, Key{"result", "r1"}, []byte("v"), time.Second); err != nil {
		t.Fatalf("SetTTL: %v", err)
	}
	if _, err := store.Get(ctx, Key{"result", "r1"}); err != nil {
		t.Fatalf("within TTL: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)
	if _, err := store.Get(ctx, Key{"result", "r1"}); err != ErrNotFound {
		t.Fatalf("after TTL: want ErrNotFound, got %v", err)
	}
}
