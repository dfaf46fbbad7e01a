package cache

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func TestMemory_SetGet(t *testing.T) {
	t.Parallel()

	m := NewMemory(time.Minute, 8)
	ctx := context.Background()

	chunks := [][]byte{[]byte("a"), []byte("b")}
	m.Set(ctx, "hello", chunks)

	got, ok := m.Get(ctx, "hello")
	if !ok {
		t.Fatal("Get: want hit")
	}
	if len(got) != 2 || string(got[0]) != "a" || string(got[1]) != "b" {
		t.Errorf("chunks: got %q", got)
	}
	if _, ok := m.Get(ctx, "missing"); ok {
		t.Error("Get on absent key: want miss")
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	t.Parallel()

	m := NewMemory(time.Minute, 8)
	base := time.Unix(1000, 0)
	m.now = func() time.Time { return base }

	ctx := context.Background()
	m.Set(ctx, "k", [][]byte{[]byte("x")})

	base = base.Add(59 * time.Second)
	if _, ok := m.Get(ctx, "k"); !ok {
		t.Fatal("entry expired before its TTL")
	}

	base = base.Add(2 * time.Second)
	if _, ok := m.Get(ctx, "k"); ok {
		t.Fatal("entry survived past its TTL")
	}
	if m.Len() != 0 {
		t.Errorf("expired entry not removed, len=%d", m.Len())
	}
}

func TestMemory_LRUEviction(t *testing.T) {
	t.Parallel()

	m := NewMemory(time.Minute, 3)
	ctx := context.Background()

	for i := range 3 {
		m.Set(ctx, strconv.Itoa(i), [][]byte{{byte(i)}})
	}
	// Touch "0" so "1" becomes the least recently used.
	if _, ok := m.Get(ctx, "0"); !ok {
		t.Fatal("warm-up read failed")
	}

	m.Set(ctx, "3", [][]byte{[]byte("new")})

	if _, ok := m.Get(ctx, "1"); ok {
		t.Error("least recently used entry was not evicted")
	}
	for _, k := range []string{"0", "2", "3"} {
		if _, ok := m.Get(ctx, k); !ok {
			t.Errorf("entry %q evicted unexpectedly", k)
		}
	}
	if m.Len() != 3 {
		t.Errorf("len: want 3, got %d", m.Len())
	}
}

func TestMemory_SetReplacesEntry(t *testing.T) {
	t.Parallel()

	m := NewMemory(time.Minute, 8)
	ctx := context.Background()

	m.Set(ctx, "k", [][]byte{[]byte("old")})
	m.Set(ctx, "k", [][]byte{[]byte("new")})

	got, ok := m.Get(ctx, "k")
	if !ok || len(got) != 1 || string(got[0]) != "new" {
		t.Errorf("replacement failed: %q ok=%v", got, ok)
	}
	if m.Len() != 1 {
		t.Errorf("len: want 1, got %d", m.Len())
	}
}
