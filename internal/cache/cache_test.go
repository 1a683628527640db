package cache

import (
	"context"
	"testing"
	"time"
)

type page struct {
	Items []string `json:"items"`
	Total int      `json:"total"`
}

func TestMemoryInvalidateDropsNamespaceOnly(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute)

	c.Set(ctx, Key("products", "cement", "1"), page{Items: []string{"a"}, Total: 1})
	c.Set(ctx, Key("suppliers", "all"), page{Items: []string{"s"}, Total: 1})

	var got page
	if !c.Get(ctx, Key("products", "cement", "1"), &got) {
		t.Fatal("expected cached products page")
	}
	if got.Total != 1 || got.Items[0] != "a" {
		t.Fatalf("unexpected cached value: %+v", got)
	}

	c.Invalidate(ctx, "products")
	if c.Get(ctx, Key("products", "cement", "1"), &got) {
		t.Fatal("products namespace should be invalidated")
	}
	if !c.Get(ctx, Key("suppliers", "all"), &got) {
		t.Fatal("suppliers namespace should survive")
	}
}

func TestMemoryEntriesExpire(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Millisecond)
	c.Set(ctx, Key("products"), page{Total: 3})
	time.Sleep(5 * time.Millisecond)

	var got page
	if c.Get(ctx, Key("products"), &got) {
		t.Fatal("expired entry should not be returned")
	}
}

func TestMemorySetBoundsEntries(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewMemory(time.Minute)
	c.now = func() time.Time { return clock }
	c.maxEntries = 3

	c.Set(ctx, Key("products", "a"), page{Total: 1})
	c.Set(ctx, Key("products", "b"), page{Total: 2})
	clock = clock.Add(2 * time.Minute)
	c.Set(ctx, Key("products", "c"), page{Total: 3})
	clock = clock.Add(time.Second)
	c.Set(ctx, Key("products", "d"), page{Total: 4})
	if got := c.Len(); got != 2 {
		t.Fatalf("expired entries should be swept on insert, have %d", got)
	}

	clock = clock.Add(time.Second)
	c.Set(ctx, Key("products", "e"), page{Total: 5})
	clock = clock.Add(time.Second)
	c.Set(ctx, Key("products", "f"), page{Total: 6})
	if got := c.Len(); got != 3 {
		t.Fatalf("cache should stay at its bound, have %d", got)
	}
	var got page
	if c.Get(ctx, Key("products", "c"), &got) {
		t.Fatal("soonest-expiring entry should have been evicted")
	}
	if !c.Get(ctx, Key("products", "f"), &got) || got.Total != 6 {
		t.Fatalf("newest entry should be cached, got %+v", got)
	}
}
