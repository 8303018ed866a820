package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/l0p7/escrowcache/internal/escrow"
)

var testAccount = escrow.AccountContext{Container: "com.apple.security.keychain", Context: "defaultContext", Account: "alice"}

func sampleEntry(fetchedAt time.Time) Entry {
	tiers := escrow.Partition([]escrow.Record{
		{BottleID: "bottle-full", Tier: escrow.TierFullyViable, Payload: []byte{0x01}},
		{BottleID: "bottle-partial", Tier: escrow.TierPartiallyViable, Payload: []byte{0x02}},
		{Tier: escrow.TierLegacy, Metadata: escrow.Metadata{SerialNumber: "legacy-1"}},
	})
	return Entry{Tiers: tiers, FetchedAt: fetchedAt, FilterMode: escrow.FilterUnknown}
}

func TestMemoryStoreLoadSave(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	got, ok, err := store.Load(ctx, testAccount)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok || got.Populated() {
		t.Fatalf("expected empty store miss, got %#v", got)
	}

	entry := sampleEntry(time.Now().UTC())
	if err := store.Save(ctx, testAccount, entry); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err = store.Load(ctx, testAccount)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok || !got.Populated() {
		t.Fatalf("expected populated entry")
	}
	if len(got.FullyViable) != 1 || len(got.PartiallyViable) != 1 || len(got.Legacy) != 1 {
		t.Fatalf("unexpected tiers: %#v", got.Tiers)
	}

	size, err := store.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}

	if err := store.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemoryStoreIsolatesSnapshots(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	entry := sampleEntry(time.Now().UTC())
	if err := store.Save(ctx, testAccount, entry); err != nil {
		t.Fatalf("save: %v", err)
	}
	entry.FullyViable[0].BottleID = "mutated"

	got, _, err := store.Load(ctx, testAccount)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.FullyViable[0].BottleID != "bottle-full" {
		t.Fatalf("caller mutation leaked into store: %q", got.FullyViable[0].BottleID)
	}
	got.FullyViable[0].BottleID = "mutated-again"

	again, _, _ := store.Load(ctx, testAccount)
	if again.FullyViable[0].BottleID != "bottle-full" {
		t.Fatalf("loaded entry aliases stored entry")
	}
}

func TestMemoryStoreReset(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.Save(ctx, testAccount, sampleEntry(time.Now().UTC())); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Reset(ctx, testAccount); err != nil {
		t.Fatalf("reset: %v", err)
	}

	got, ok, err := store.Load(ctx, testAccount)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected reset entry to be present")
	}
	if got.Populated() || !got.Empty() {
		t.Fatalf("expected empty tiers after reset, got %#v", got)
	}
	if got.Legacy == nil || got.PartiallyViable == nil || got.FullyViable == nil {
		t.Fatalf("expected non-nil empty tiers after reset")
	}
}

func TestMemoryStoreSeparatesAccounts(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	other := testAccount
	other.Account = "bob"

	if err := store.Save(ctx, testAccount, sampleEntry(time.Now().UTC())); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, ok, err := store.Load(ctx, other)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected other account to miss")
	}
}

func TestRedisStoreLoadSave(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	store, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	ctx := context.Background()

	fetchedAt := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Save(ctx, testAccount, sampleEntry(fetchedAt)); err != nil {
		t.Fatalf("save: %v", err)
	}

	key := DefaultNamespace + ":" + testAccount.Key()
	if !server.Exists(key) {
		t.Fatalf("expected key %q in redis", key)
	}
	if ttl := server.TTL(key); ttl != 0 {
		t.Fatalf("expected persisted entry without expiry, got %s", ttl)
	}

	got, ok, err := store.Load(ctx, testAccount)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected redis hit")
	}
	if !got.FetchedAt.Equal(fetchedAt) || got.FilterMode != escrow.FilterUnknown {
		t.Fatalf("unexpected entry header: %#v", got)
	}
	if got.FullyViable[0].BottleID != "bottle-full" || string(got.PartiallyViable[0].Payload) != "\x02" {
		t.Fatalf("unexpected tiers: %#v", got.Tiers)
	}
	if got.Legacy[0].Metadata.SerialNumber != "legacy-1" {
		t.Fatalf("unexpected legacy record: %#v", got.Legacy[0])
	}

	server.FastForward(48 * time.Hour)
	if _, ok, err := store.Load(ctx, testAccount); err != nil || !ok {
		t.Fatalf("expected entry to survive server clock advance: ok=%v err=%v", ok, err)
	}

	if size, err := store.Size(ctx); err != nil {
		t.Fatalf("size: %v", err)
	} else if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}

	if err := store.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRedisStoreResetAndMiss(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	store, err := NewRedis(RedisConfig{Address: server.Addr(), Namespace: "test"})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer store.Close(context.Background())
	ctx := context.Background()

	got, ok, err := store.Load(ctx, testAccount)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok || got.Populated() {
		t.Fatalf("expected miss on empty redis")
	}

	if err := store.Save(ctx, testAccount, sampleEntry(time.Now().UTC())); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Reset(ctx, testAccount); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, ok, err = store.Load(ctx, testAccount)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok || got.Populated() || !got.Empty() {
		t.Fatalf("expected empty entry after reset, got %#v", got)
	}
	if !server.Exists("test:" + testAccount.Key()) {
		t.Fatalf("expected namespaced key")
	}
}

func TestRedisStoreSurvivesReconnect(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()
	ctx := context.Background()

	first, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	if err := first.Save(ctx, testAccount, sampleEntry(time.Now().UTC())); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := first.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer second.Close(ctx)
	got, ok, err := second.Load(ctx, testAccount)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok || got.Len() != 3 {
		t.Fatalf("expected entry to persist across clients, got %#v", got)
	}
}

func TestRedisStoreRejectsMissingAddress(t *testing.T) {
	if _, err := NewRedis(RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestRedisStoreRejectsCorruptEntry(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	store, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer store.Close(context.Background())

	if err := server.Set(DefaultNamespace+":"+testAccount.Key(), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := store.Load(context.Background(), testAccount); err == nil {
		t.Fatalf("expected unmarshal error")
	}
}
