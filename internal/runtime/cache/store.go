package cache

import (
	"context"
	"time"

	"github.com/l0p7/escrowcache/internal/escrow"
)

// DefaultNamespace prefixes every persisted entry key.
const DefaultNamespace = "escrowcache:v1"

// Entry is the persisted state of one account context: the three tiers from a
// single fetch plus the time and filter of that fetch. A zero FetchedAt marks
// an empty (never fetched or invalidated) entry.
type Entry struct {
	escrow.Tiers
	FetchedAt  time.Time         `json:"fetchedAt"`
	FilterMode escrow.FilterMode `json:"filterMode"`
}

// EmptyEntry returns the reset state with all tiers empty.
func EmptyEntry() Entry {
	return Entry{Tiers: escrow.Partition(nil)}
}

// Populated reports whether the entry reflects a completed fetch.
func (e Entry) Populated() bool { return !e.FetchedAt.IsZero() }

// Clone deep-copies the entry.
func (e Entry) Clone() Entry {
	return Entry{Tiers: e.Tiers.Clone(), FetchedAt: e.FetchedAt, FilterMode: e.FilterMode}
}

// Store persists one Entry per account context. Save and Reset replace the
// whole entry in one write; readers never observe a mix of two fetches.
type Store interface {
	Load(ctx context.Context, acct escrow.AccountContext) (Entry, bool, error)
	Save(ctx context.Context, acct escrow.AccountContext, entry Entry) error
	Reset(ctx context.Context, acct escrow.AccountContext) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

func entryKey(namespace string, acct escrow.AccountContext) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + ":" + acct.Key()
}
