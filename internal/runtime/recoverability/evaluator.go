package recoverability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/l0p7/escrowcache/internal/escrow"
	"github.com/l0p7/escrowcache/internal/metrics"
)

// TrustEvaluator answers which views of a record the local trust state can recover.
type TrustEvaluator interface {
	RecoverableViews(ctx context.Context, acct escrow.AccountContext, md escrow.Metadata) ([]string, error)
}

// Evaluator reports TLK recoverability for individual escrow records. It does
// not consult or modify the viability cache.
type Evaluator struct {
	logger  *slog.Logger
	trust   TrustEvaluator
	metrics *metrics.Recorder
}

// Result is the outcome for one record of a batch evaluation.
type Result struct {
	Record escrow.Record
	Views  []string
	Err    error
}

func New(logger *slog.Logger, trust TrustEvaluator, rec *metrics.Recorder) (*Evaluator, error) {
	if trust == nil {
		return nil, errors.New("recoverability: trust evaluator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		logger:  logger.With(slog.String("agent", "recoverability")),
		trust:   trust,
		metrics: rec,
	}, nil
}

// TLKRecoverability returns the sorted set of views whose TLKs the record
// could restore. An empty set is a successful answer; escrow.ErrNoTrust is
// returned when the local trust state cannot vouch for the record.
func (e *Evaluator) TLKRecoverability(ctx context.Context, acct escrow.AccountContext, record escrow.Record) ([]string, error) {
	if err := acct.Validate(); err != nil {
		return nil, err
	}
	views, err := e.trust.RecoverableViews(ctx, acct, record.Metadata)
	if err != nil {
		attrs := []slog.Attr{
			slog.String("account", acct.Key()),
			slog.String("bottle_id", record.BottleID),
			slog.String("error", err.Error()),
		}
		if errors.Is(err, escrow.ErrNoTrust) {
			e.metrics.ObserveRecoverability(metrics.RecoverabilityNoTrust)
			e.logger.LogAttrs(ctx, slog.LevelInfo, "tlk recoverability unavailable", attrs...)
			return nil, err
		}
		e.metrics.ObserveRecoverability(metrics.RecoverabilityError)
		e.logger.LogAttrs(ctx, slog.LevelWarn, "tlk recoverability failed", attrs...)
		return nil, fmt.Errorf("recoverability: %w", err)
	}

	views = normalizeViews(views)
	if len(views) == 0 {
		e.metrics.ObserveRecoverability(metrics.RecoverabilityNone)
	} else {
		e.metrics.ObserveRecoverability(metrics.RecoverabilityRecoverable)
	}
	e.logger.LogAttrs(ctx, slog.LevelDebug, "tlk recoverability evaluated",
		slog.String("account", acct.Key()),
		slog.String("bottle_id", record.BottleID),
		slog.Any("views", views),
	)
	return views, nil
}

// TLKRecoverabilityBytes decodes record bytes previously returned by the
// viability cache and evaluates them.
func (e *Evaluator) TLKRecoverabilityBytes(ctx context.Context, acct escrow.AccountContext, data []byte) ([]string, error) {
	record, err := escrow.Unmarshal(data)
	if err != nil {
		e.metrics.ObserveRecoverability(metrics.RecoverabilityError)
		return nil, err
	}
	return e.TLKRecoverability(ctx, acct, record)
}

// EvaluateAll evaluates each record independently; one failure does not affect the others.
func (e *Evaluator) EvaluateAll(ctx context.Context, acct escrow.AccountContext, records []escrow.Record) []Result {
	results := make([]Result, 0, len(records))
	for _, rec := range records {
		views, err := e.TLKRecoverability(ctx, acct, rec)
		results = append(results, Result{Record: rec, Views: views, Err: err})
	}
	return results
}

func normalizeViews(views []string) []string {
	out := make([]string, 0, len(views))
	seen := make(map[string]struct{}, len(views))
	for _, v := range views {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
