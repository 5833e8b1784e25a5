package kv_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/kv"
)

// backends lists the Store implementations under test. Both must satisfy the
// same contract; badger runs in memory-only mode.
func backends(t *testing.T) map[string]kv.Store {
	t.Helper()
	b, err := kv.NewBadger(kv.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	m := kv.NewMemory(nil)
	t.Cleanup(func() {
		b.Close()
		m.Close()
	})
	return map[string]kv.Store{"memory": m, "badger": b}
}

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := kv.Key{"persona", "host-1"}

			_, err := s.Get(ctx, key)
			if !errors.Is(err, kv.ErrNotFound) {
				t.Fatalf("Get absent: expected ErrNotFound, got %v", err)
			}

			if err := s.Set(ctx, key, []byte("tone=warm")); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := s.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "tone=warm" {
				t.Fatalf("Get = %q, want %q", got, "tone=warm")
			}

			if err := s.Set(ctx, key, []byte("tone=calm")); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			got, _ = s.Get(ctx, key)
			if string(got) != "tone=calm" {
				t.Fatalf("Get after overwrite = %q, want %q", got, "tone=calm")
			}

			if err := s.Delete(ctx, key); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
				t.Fatalf("Get after delete: expected ErrNotFound, got %v", err)
			}

			if err := s.Delete(ctx, kv.Key{"no", "such", "key"}); err != nil {
				t.Fatalf("Delete absent: %v", err)
			}
		})
	}
}

func TestListPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			entries := []kv.Entry{
				{Key: kv.Key{"persona", "host-1"}, Value: []byte("p1")},
				{Key: kv.Key{"persona", "host-2"}, Value: []byte("p2")},
				{Key: kv.Key{"session", "host-1", "s-001"}, Value: []byte("a")},
				{Key: kv.Key{"session", "host-1", "s-002"}, Value: []byte("b")},
				{Key: kv.Key{"session", "host-10", "s-001"}, Value: []byte("c")},
			}
			if err := s.BatchSet(ctx, entries); err != nil {
				t.Fatalf("BatchSet: %v", err)
			}

			// Prefix must match whole segments: "host-1" not "host-10".
			var got []string
			for e, err := range s.List(ctx, kv.Key{"session", "host-1"}) {
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				got = append(got, e.Key.String()+"="+string(e.Value))
			}
			want := []string{
				"session:host-1:s-001=a",
				"session:host-1:s-002=b",
			}
			if !slices.Equal(got, want) {
				t.Fatalf("List session:host-1 = %v, want %v", got, want)
			}

			got = nil
			for e, err := range s.List(ctx, nil) {
				if err != nil {
					t.Fatalf("List all: %v", err)
				}
				got = append(got, e.Key.String())
			}
			if len(got) != len(entries) {
				t.Fatalf("List all: got %d entries, want %d: %v", len(got), len(entries), got)
			}
			if !slices.IsSorted(got) {
				t.Fatalf("List all not sorted: %v", got)
			}

			// Early break must not panic or leak.
			for range s.List(ctx, nil) {
				break
			}
		})
	}
}

func TestBatchDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			entries := []kv.Entry{
				{Key: kv.Key{"session", "host-1", "s-001"}, Value: []byte("a")},
				{Key: kv.Key{"session", "host-1", "s-002"}, Value: []byte("b")},
				{Key: kv.Key{"session", "host-2", "s-001"}, Value: []byte("c")},
			}
			if err := s.BatchSet(ctx, entries); err != nil {
				t.Fatalf("BatchSet: %v", err)
			}

			var doomed []kv.Key
			for e, err := range s.List(ctx, kv.Key{"session", "host-1"}) {
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				doomed = append(doomed, e.Key)
			}
			if err := s.BatchDelete(ctx, doomed); err != nil {
				t.Fatalf("BatchDelete: %v", err)
			}

			var left []string
			for e, err := range s.List(ctx, kv.Key{"session"}) {
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				left = append(left, e.Key.String())
			}
			if want := []string{"session:host-2:s-001"}; !slices.Equal(left, want) {
				t.Fatalf("after BatchDelete: %v, want %v", left, want)
			}
		})
	}
}

func TestValueIsolation(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemory(nil)
	defer s.Close()

	key := kv.Key{"persona", "host-1"}
	val := []byte("original")
	if err := s.Set(ctx, key, val); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val[0] = 'X'

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "original" {
		t.Fatalf("stored value mutated through caller slice: %q", got)
	}
	got[0] = 'Y'
	got2, _ := s.Get(ctx, key)
	if string(got2) != "original" {
		t.Fatalf("stored value mutated through returned slice: %q", got2)
	}
}
