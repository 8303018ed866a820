package viability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/l0p7/escrowcache/internal/escrow"
	"github.com/l0p7/escrowcache/internal/metrics"
	"github.com/l0p7/escrowcache/internal/runtime/cache"
)

// DefaultTimeout is the entry lifetime used when none is configured.
const DefaultTimeout = 24 * time.Hour

// DefaultFetchTimeout bounds one shared remote fetch. The fetch outlives the
// caller that started it, so it needs a deadline of its own.
const DefaultFetchTimeout = 2 * time.Minute

// Fetcher retrieves the account's escrow records from the trust service.
type Fetcher interface {
	FetchEscrowRecords(ctx context.Context, acct escrow.AccountContext, filter escrow.FilterMode) ([]escrow.RawRecord, error)
}

// Platform describes the escrow capabilities of the device class the cache runs for.
type Platform struct {
	SupportsEscrowRecords  bool
	SupportsLegacyProtocol bool
}

// DefaultFilter is the filter applied when callers do not name one.
func (p Platform) DefaultFilter() escrow.FilterMode {
	if p.SupportsLegacyProtocol {
		return escrow.FilterUnknown
	}
	return escrow.FilterByOctagonOnly
}

type Options struct {
	Store      cache.Store
	Fetcher    Fetcher
	Classifier escrow.Classifier
	Timeout    time.Duration
	// FetchTimeout bounds a shared fetch; DefaultFetchTimeout when zero.
	FetchTimeout time.Duration
	Platform     Platform
	Metrics      *metrics.Recorder
	Now          func() time.Time
}

// Cache serves viability-tiered escrow records per account context, fetching
// from the trust service only when the stored entry is stale.
type Cache struct {
	logger     *slog.Logger
	store      cache.Store
	fetcher    Fetcher
	classifier escrow.Classifier
	platform   Platform
	metrics    *metrics.Recorder
	now        func() time.Time

	fetchTimeout time.Duration
	group        singleflight.Group

	mu        sync.Mutex
	timeout   time.Duration
	overrides map[string]time.Duration
	lanes     map[string]*lane
}

// lane is a one-slot semaphore for one account context. refs counts holders
// and waiters; the lane leaves the map when it drops to zero.
type lane struct {
	slot chan struct{}
	refs int
}

func New(logger *slog.Logger, opts Options) (*Cache, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("viability: fetcher required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	store := opts.Store
	if store == nil {
		store = cache.NewMemory()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &Cache{
		logger:       logger.With(slog.String("agent", "viability")),
		store:        store,
		fetcher:      opts.Fetcher,
		classifier:   opts.Classifier,
		platform:     opts.Platform,
		metrics:      opts.Metrics,
		now:          now,
		fetchTimeout: fetchTimeout,
		timeout:      timeout,
		overrides:    make(map[string]time.Duration),
		lanes:        make(map[string]*lane),
	}, nil
}

// Platform returns the capabilities the cache was constructed with.
func (c *Cache) Platform() Platform { return c.platform }

// Timeout reports the entry lifetime in effect for acct.
func (c *Cache) Timeout(acct escrow.AccountContext) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.overrides[acct.Key()]; ok {
		return d
	}
	return c.timeout
}

// DefaultTimeout reports the lifetime applied to contexts without an override.
func (c *Cache) DefaultTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// Size reports how many contexts the store holds.
func (c *Cache) Size(ctx context.Context) (int64, error) {
	return c.store.Size(ctx)
}

// Close releases the underlying store.
func (c *Cache) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}

// SetDefaultTimeout replaces the lifetime applied to contexts without an override.
func (c *Cache) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// SetTimeout overrides the entry lifetime for one context. A non-positive
// duration removes the override.
func (c *Cache) SetTimeout(acct escrow.AccountContext, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		delete(c.overrides, acct.Key())
		return
	}
	c.overrides[acct.Key()] = d
}

// Entry returns the stored state for acct without fetching.
func (c *Cache) Entry(ctx context.Context, acct escrow.AccountContext) (cache.Entry, error) {
	if err := acct.Validate(); err != nil {
		return cache.Entry{}, err
	}
	entry, _, err := c.store.Load(ctx, acct)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("viability: load entry: %w", err)
	}
	return entry, nil
}

// FetchViableRecords returns the account's records ordered fully viable,
// partially viable, then legacy. The stored entry is served while fresh;
// otherwise one remote fetch replaces it. Concurrent callers for the same
// context share a single fetch.
func (c *Cache) FetchViableRecords(ctx context.Context, acct escrow.AccountContext, filter escrow.FilterMode, force bool) ([]escrow.Record, error) {
	entry, err := c.FetchEntry(ctx, acct, filter, force)
	if err != nil {
		return nil, err
	}
	return entry.Records(), nil
}

// FetchEntry is FetchViableRecords returning the whole entry, so the records
// and their FetchedAt always come from the same fetch.
//
// A shared fetch is detached from the caller that started it: a caller whose
// ctx ends stops waiting, while the fetch continues for the others under
// the fetch timeout.
func (c *Cache) FetchEntry(ctx context.Context, acct escrow.AccountContext, filter escrow.FilterMode, force bool) (cache.Entry, error) {
	if err := acct.Validate(); err != nil {
		return cache.Entry{}, err
	}

	if !force {
		entry, err := c.loadEntry(ctx, acct)
		if err != nil {
			return cache.Entry{}, err
		}
		outcome := c.freshness(acct, entry, filter)
		c.metrics.ObserveCacheLookup(outcome)
		if outcome == metrics.CacheLookupHit {
			return entry, nil
		}
	} else {
		c.metrics.ObserveCacheLookup(metrics.CacheLookupStale)
	}

	key := acct.Key() + "|" + filter.String() + "|" + strconv.FormatBool(force)
	ch := c.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.refresh(fetchCtx, acct, filter, force)
	})
	select {
	case <-ctx.Done():
		return cache.Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return cache.Entry{}, res.Err
		}
		return res.Val.(cache.Entry).Clone(), nil
	}
}

// Invalidate resets the context's entry to three empty tiers. It never fetches.
func (c *Cache) Invalidate(ctx context.Context, acct escrow.AccountContext) error {
	if err := acct.Validate(); err != nil {
		return err
	}
	release, err := c.acquire(ctx, acct)
	if err != nil {
		return err
	}
	defer release()
	if err := c.store.Reset(ctx, acct); err != nil {
		return fmt.Errorf("viability: reset entry: %w", err)
	}
	c.logger.LogAttrs(ctx, slog.LevelInfo, "escrow cache invalidated", slog.String("account", acct.Key()))
	return nil
}

// Preload warms the cache for acct with an unforced, unfiltered fetch. It is
// a no-op on platforms that cannot use escrow records.
func (c *Cache) Preload(ctx context.Context, acct escrow.AccountContext) error {
	if !c.platform.SupportsEscrowRecords {
		c.logger.LogAttrs(ctx, slog.LevelDebug, "escrow preload skipped",
			slog.String("account", acct.Key()),
			slog.String("reason", "platform does not support escrow records"),
		)
		return nil
	}
	records, err := c.FetchViableRecords(ctx, acct, escrow.FilterUnknown, false)
	if err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "escrow preload failed",
			slog.String("account", acct.Key()),
			slog.String("error", err.Error()),
		)
		return err
	}
	c.logger.LogAttrs(ctx, slog.LevelInfo, "escrow preload complete",
		slog.String("account", acct.Key()),
		slog.Int("records", len(records)),
	)
	return nil
}

// refresh runs inside the singleflight group and holds the context lane for
// the whole fetch and store.
func (c *Cache) refresh(ctx context.Context, acct escrow.AccountContext, filter escrow.FilterMode, force bool) (cache.Entry, error) {
	release, err := c.acquire(ctx, acct)
	if err != nil {
		return cache.Entry{}, err
	}
	defer release()

	if !force {
		// a fetch that held the lane before us may already have refreshed the entry
		entry, err := c.loadEntry(ctx, acct)
		if err != nil {
			return cache.Entry{}, err
		}
		if c.freshness(acct, entry, filter) == metrics.CacheLookupHit {
			return entry, nil
		}
	}

	fetchID := uuid.NewString()
	logger := c.logger.With(
		slog.String("fetch_id", fetchID),
		slog.String("account", acct.Key()),
		slog.String("filter", filter.String()),
		slog.Bool("force", force),
	)

	start := time.Now()
	raws, err := c.fetcher.FetchEscrowRecords(ctx, acct, filter)
	duration := time.Since(start)
	if err != nil {
		c.metrics.ObserveFetch(filter.String(), metrics.FetchError, duration)
		logger.LogAttrs(ctx, slog.LevelWarn, "escrow fetch failed",
			slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
			slog.String("error", err.Error()),
		)
		return cache.Entry{}, escrow.Transport(err)
	}
	c.metrics.ObserveFetch(filter.String(), metrics.FetchSuccess, duration)

	tiers := c.classifier.ClassifyAll(raws)
	entry := cache.Entry{
		Tiers:      tiers,
		FetchedAt:  c.now().UTC(),
		FilterMode: filter,
	}
	if err := c.store.Save(ctx, acct, entry); err != nil {
		return cache.Entry{}, fmt.Errorf("viability: save entry: %w", err)
	}

	counts := tiers.Counts()
	c.metrics.SetRecordCounts(counts)
	logger.LogAttrs(ctx, slog.LevelInfo, "escrow fetch complete",
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
		slog.Int("fully_viable", counts[escrow.TierFullyViable.String()]),
		slog.Int("partially_viable", counts[escrow.TierPartiallyViable.String()]),
		slog.Int("legacy", counts[escrow.TierLegacy.String()]),
	)
	return entry, nil
}

func (c *Cache) loadEntry(ctx context.Context, acct escrow.AccountContext) (cache.Entry, error) {
	entry, _, err := c.store.Load(ctx, acct)
	if err != nil {
		c.metrics.ObserveCacheLookup(metrics.CacheLookupError)
		return cache.Entry{}, fmt.Errorf("viability: load entry: %w", err)
	}
	return entry, nil
}

func (c *Cache) freshness(acct escrow.AccountContext, entry cache.Entry, filter escrow.FilterMode) metrics.CacheLookupOutcome {
	if !entry.Populated() {
		return metrics.CacheLookupMiss
	}
	if entry.FilterMode != filter {
		return metrics.CacheLookupStale
	}
	if c.now().Sub(entry.FetchedAt) > c.Timeout(acct) {
		return metrics.CacheLookupStale
	}
	return metrics.CacheLookupHit
}

// acquire takes the context's lane, a one-slot semaphore that serializes
// fetch-and-store and invalidation for one account context.
func (c *Cache) acquire(ctx context.Context, acct escrow.AccountContext) (func(), error) {
	key := acct.Key()
	c.mu.Lock()
	l, ok := c.lanes[key]
	if !ok {
		l = &lane{slot: make(chan struct{}, 1)}
		c.lanes[key] = l
	}
	l.refs++
	c.mu.Unlock()

	select {
	case l.slot <- struct{}{}:
		return func() {
			<-l.slot
			c.dropLane(key, l)
		}, nil
	case <-ctx.Done():
		c.dropLane(key, l)
		return nil, ctx.Err()
	}
}

func (c *Cache) dropLane(key string, l *lane) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.refs--
	if l.refs == 0 && c.lanes[key] == l {
		delete(c.lanes, key)
	}
}

// laneCount reports how many contexts currently hold or await a lane.
func (c *Cache) laneCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lanes)
}
