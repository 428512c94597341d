package redis

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	client, mr := setupTestRedis(t)
	return NewCache(client, zap.NewNop(), time.Minute), mr
}

func TestKey_Deterministic(t *testing.T) {
	a := Key("notifications:list", "u1", "c1", url.Values{"limit": {"20"}, "cursor": {"x"}})
	b := Key("notifications:list", "u1", "c1", url.Values{"cursor": {"x"}, "limit": {"20"}})
	if a != b {
		t.Fatalf("param order changed the key: %s vs %s", a, b)
	}
	if a != "cache:notifications:list:c1:u1?cursor=x&limit=20" {
		t.Errorf("unexpected key %s", a)
	}
	if got := Key("notifications:unread", "u1", "c1", nil); got != "cache:notifications:unread:c1:u1" {
		t.Errorf("unexpected key without params %s", got)
	}
}

func TestCache_GetSetDelete(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	if res := cache.Get(ctx, "k"); res.Status != Miss {
		t.Fatalf("expected miss, got %s", res.Status)
	}

	if !cache.Set(ctx, "k", map[string]int{"n": 1}, 0) {
		t.Fatal("set failed")
	}
	res := cache.Get(ctx, "k")
	if res.Status != Hit || string(res.Value) != `{"n":1}` {
		t.Fatalf("expected hit with value, got %s %q", res.Status, res.Value)
	}

	if ttl := mr.TTL("k"); ttl != time.Minute {
		t.Errorf("expected default ttl, got %s", ttl)
	}

	if !cache.Delete(ctx, "k") {
		t.Fatal("delete failed")
	}
	if res := cache.Get(ctx, "k"); res.Status != Miss {
		t.Fatalf("expected miss after delete, got %s", res.Status)
	}
}

func TestCache_DeletePattern(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	prefix := UserPrefix("notifications:list", "u1", "c1")
	for i := 0; i < 250; i++ {
		mr.Set(fmt.Sprintf("%s?limit=%d", prefix, i), "[]")
	}
	mr.Set(UserPrefix("notifications:list", "u2", "c1"), "[]")

	deleted, ok := cache.DeletePattern(ctx, prefix+"*")
	if !ok {
		t.Fatal("expected pattern delete to succeed")
	}
	if deleted != 250 {
		t.Errorf("expected 250 keys deleted, got %d", deleted)
	}
	if !mr.Exists(UserPrefix("notifications:list", "u2", "c1")) {
		t.Error("other user's entry must survive")
	}
}

func TestCache_InvalidateUser(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	list := Key("notifications:list", "u1", "c1", url.Values{"limit": {"20"}})
	unread := Key("notifications:unread", "u1", "c1", nil)
	channels := Key("channels:list", "u1", "c1", nil)
	for _, k := range []string{list, unread, channels} {
		mr.Set(k, "1")
	}

	if !cache.InvalidateUser(ctx, "u1", "c1", "notifications:list", "notifications:unread") {
		t.Fatal("expected invalidation to succeed")
	}
	if mr.Exists(list) || mr.Exists(unread) {
		t.Error("notification entries should be gone")
	}
	if !mr.Exists(channels) {
		t.Error("namespaces not named must survive")
	}
}

func TestGetOrSet_CacheAside(t *testing.T) {
	cache, _ := setupTestCache(t)
	ctx := context.Background()

	calls := 0
	fetch := func(context.Context) (int, error) {
		calls++
		return 42, nil
	}

	v, status, err := GetOrSet(ctx, cache, "answer", 0, fetch)
	if err != nil || v != 42 || status != Miss {
		t.Fatalf("first call: v=%d status=%s err=%v", v, status, err)
	}

	v, status, err = GetOrSet(ctx, cache, "answer", 0, fetch)
	if err != nil || v != 42 || status != Hit {
		t.Fatalf("second call: v=%d status=%s err=%v", v, status, err)
	}
	if calls != 1 {
		t.Errorf("expected fetch once, got %d", calls)
	}
}

func TestGetOrSet_NilNotStored(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	_, _, err := GetOrSet(ctx, cache, "nothing", 0, func(context.Context) (*string, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mr.Exists("nothing") {
		t.Error("nil result must not be cached")
	}
}

func TestGetOrSet_FetchError(t *testing.T) {
	cache, mr := setupTestCache(t)
	boom := errors.New("db down")

	_, _, err := GetOrSet(context.Background(), cache, "k", 0, func(context.Context) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if mr.Exists("k") {
		t.Error("failed fetch must not be cached")
	}
}

func TestGetOrSet_InvalidatedDuringFetchNotStored(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()
	key := Key("notifications:unread", "u1", "c1", nil)

	// A write lands and invalidates while the read is still querying the
	// source, so the value it fetched may predate the write.
	v, status, err := GetOrSet(ctx, cache, key, 0, func(ctx context.Context) (int, error) {
		cache.InvalidateUser(ctx, "u1", "c1", "notifications:unread")
		return 3, nil
	})
	if err != nil || v != 3 || status != Miss {
		t.Fatalf("expected fetched value on miss, got v=%d status=%s err=%v", v, status, err)
	}
	if mr.Exists(key) {
		t.Fatal("value fetched across an invalidation must not be cached")
	}

	v, _, err = GetOrSet(ctx, cache, key, 0, func(context.Context) (int, error) {
		return 4, nil
	})
	if err != nil || v != 4 {
		t.Fatalf("refill: v=%d err=%v", v, err)
	}
	if got, _ := mr.Get(key); got != "4" {
		t.Errorf("expected the fresh value to be cached, got %q", got)
	}
	if ttl := mr.TTL(key); ttl != time.Minute {
		t.Errorf("expected default ttl on fill, got %s", ttl)
	}
}

func TestCache_InvalidateUserKeepsGeneration(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	cache.InvalidateUser(ctx, "u1", "c1", "notifications:list")
	cache.InvalidateUser(ctx, "u1", "c1", "notifications:list")

	gk := generationKey(Key("notifications:list", "u1", "c1", url.Values{"limit": {"20"}}))
	if got, _ := mr.Get(gk); got != "2" {
		t.Errorf("expected generation 2 after two invalidations, got %q", got)
	}
	if gk != generationKey(UserPrefix("notifications:list", "u1", "c1")) {
		t.Error("query keys and the user prefix must share a generation")
	}
}

func TestCache_Unavailable(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()
	mr.Close()

	if res := cache.Get(ctx, "k"); res.Status != Unavailable {
		t.Errorf("expected unavailable, got %s", res.Status)
	}
	if cache.Set(ctx, "k", 1, 0) {
		t.Error("set should report false when store is down")
	}
	if cache.Delete(ctx, "k") {
		t.Error("delete should report false when store is down")
	}
	if _, ok := cache.DeletePattern(ctx, "*"); ok {
		t.Error("pattern delete should report false when store is down")
	}

	v, status, err := GetOrSet(ctx, cache, "k", 0, func(context.Context) (string, error) {
		return "from source", nil
	})
	if err != nil || v != "from source" || status != Unavailable {
		t.Errorf("expected pass-through, got v=%q status=%s err=%v", v, status, err)
	}
}

func TestCache_NilClient(t *testing.T) {
	cache := NewCache(nil, zap.NewNop(), time.Minute)
	if res := cache.Get(context.Background(), "k"); res.Status != Unavailable {
		t.Errorf("expected unavailable, got %s", res.Status)
	}
}
