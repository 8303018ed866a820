package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/escrowcache/internal/config"
	"github.com/l0p7/escrowcache/internal/escrow"
	"github.com/l0p7/escrowcache/internal/runtime/recoverability"
	"github.com/l0p7/escrowcache/internal/runtime/viability"
	"github.com/l0p7/escrowcache/internal/templates"
)

const (
	maxRecordBytes     = 1 << 20
	resumeConcurrency  = 4
	requestIDHeader    = "X-Request-ID"
	defaultContentType = "application/json"
)

type Options struct {
	Viability      *viability.Cache
	Recoverability *recoverability.Evaluator
	Reporter       *templates.Reporter
	Now            func() time.Time
}

// Manager ties account lifecycle events to the viability cache and exposes
// the cache and the recoverability evaluator over HTTP.
type Manager struct {
	logger         *slog.Logger
	viability      *viability.Cache
	recoverability *recoverability.Evaluator
	now            func() time.Time

	mu       sync.RWMutex
	reporter *templates.Reporter
}

func NewManager(logger *slog.Logger, opts Options) (*Manager, error) {
	if opts.Viability == nil {
		return nil, errors.New("runtime: viability cache required")
	}
	if opts.Recoverability == nil {
		return nil, errors.New("runtime: recoverability evaluator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	reporter := opts.Reporter
	if reporter == nil {
		r, err := templates.NewReporter("", "")
		if err != nil {
			return nil, err
		}
		reporter = r
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		logger:         logger.With(slog.String("agent", "manager")),
		viability:      opts.Viability,
		recoverability: opts.Recoverability,
		now:            now,
		reporter:       reporter,
	}, nil
}

func (m *Manager) Close(ctx context.Context) error {
	return m.viability.Close(ctx)
}

// SignIn warms the cache for a freshly signed-in account.
func (m *Manager) SignIn(ctx context.Context, acct escrow.AccountContext) error {
	if err := acct.Validate(); err != nil {
		return err
	}
	m.logger.LogAttrs(ctx, slog.LevelInfo, "account signed in", slog.String("account", acct.Key()))
	return m.viability.Preload(ctx, acct)
}

// SignOut drops every cached record for the account.
func (m *Manager) SignOut(ctx context.Context, acct escrow.AccountContext) error {
	if err := m.viability.Invalidate(ctx, acct); err != nil {
		return err
	}
	m.viability.SetTimeout(acct, 0)
	m.logger.LogAttrs(ctx, slog.LevelInfo, "account signed out", slog.String("account", acct.Key()))
	return nil
}

// Resume preloads the accounts that were signed in before a restart. Entries
// still fresh in a persistent store are served without a remote fetch.
// Failures are collected so one unreachable account does not block the rest.
func (m *Manager) Resume(ctx context.Context, accounts []escrow.AccountContext) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resumeConcurrency)
	for _, acct := range accounts {
		g.Go(func() error {
			if err := m.SignIn(gctx, acct); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", acct.Key(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ApplyConfig installs the reloadable subset of cfg.
func (m *Manager) ApplyConfig(ctx context.Context, cfg config.Config) {
	timeout := cfg.Escrow.CacheTimeout()
	m.viability.SetDefaultTimeout(timeout)

	reporter, err := templates.NewReporter(cfg.Server.Templates.TemplatesFolder, cfg.Server.Templates.ReportTemplate)
	if err != nil {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "report template reload failed", slog.String("error", err.Error()))
	} else {
		m.mu.Lock()
		m.reporter = reporter
		m.mu.Unlock()
	}

	m.logger.LogAttrs(ctx, slog.LevelInfo, "configuration applied",
		slog.Duration("cache_timeout", timeout),
		slog.String("report_template", m.currentReporter().Name()),
	)
}

func (m *Manager) currentReporter() *templates.Reporter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reporter
}

type recordsResponse struct {
	Account   string         `json:"account"`
	Filter    string         `json:"filter"`
	FetchedAt *time.Time     `json:"fetchedAt,omitempty"`
	Tiers     map[string]int `json:"tiers"`
	Records   [][]byte       `json:"records"`
}

// ServeRecords answers GET with the account's viable records and DELETE by
// invalidating the account's entry.
func (m *Manager) ServeRecords(w http.ResponseWriter, r *http.Request, acct escrow.AccountContext) {
	if err := acct.Validate(); err != nil {
		m.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.Method == http.MethodDelete {
		if err := m.viability.Invalidate(r.Context(), acct); err != nil {
			m.writeFailure(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	query := r.URL.Query()
	filter := m.viability.Platform().DefaultFilter()
	if raw := query.Get("filter"); raw != "" {
		parsed, err := escrow.ParseFilterMode(raw)
		if err != nil {
			m.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = parsed
	}
	force := false
	if raw := query.Get("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			m.WriteError(w, http.StatusBadRequest, fmt.Sprintf("force must be a boolean, got %q", raw))
			return
		}
		force = parsed
	}

	entry, err := m.viability.FetchEntry(r.Context(), acct, filter, force)
	if err != nil {
		m.writeFailure(w, r, err)
		return
	}
	records := entry.Records()

	resp := recordsResponse{
		Account: acct.Key(),
		Filter:  filter.String(),
		Tiers:   entry.Counts(),
		Records: make([][]byte, 0, len(records)),
	}
	for _, rec := range records {
		data, err := rec.Marshal()
		if err != nil {
			m.writeFailure(w, r, err)
			return
		}
		resp.Records = append(resp.Records, data)
	}
	if entry.Populated() {
		fetchedAt := entry.FetchedAt.UTC()
		resp.FetchedAt = &fetchedAt
	}
	m.writeJSON(w, http.StatusOK, resp)
}

// ServeReport renders the diagnostics report for the account's stored entry.
func (m *Manager) ServeReport(w http.ResponseWriter, r *http.Request, acct escrow.AccountContext) {
	if err := acct.Validate(); err != nil {
		m.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := m.viability.Entry(r.Context(), acct)
	if err != nil {
		m.writeFailure(w, r, err)
		return
	}
	var buf strings.Builder
	err = m.currentReporter().Write(&buf, templates.ReportInput{
		Account:    acct,
		Tiers:      entry.Tiers,
		FilterMode: entry.FilterMode,
		FetchedAt:  entry.FetchedAt,
		Timeout:    m.viability.Timeout(acct),
		Now:        m.now(),
	})
	if err != nil {
		m.logger.LogAttrs(r.Context(), slog.LevelError, "report render failed", slog.String("error", err.Error()))
		m.WriteError(w, http.StatusInternalServerError, "report render failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, buf.String())
}

type timeoutRequest struct {
	Seconds int `json:"seconds"`
}

type timeoutResponse struct {
	Account        string `json:"account"`
	TimeoutSeconds int64  `json:"timeoutSeconds"`
}

// ServeTimeout reports (GET) or overrides (PUT) the account's cache lifetime.
// A PUT with seconds <= 0 restores the configured default.
func (m *Manager) ServeTimeout(w http.ResponseWriter, r *http.Request, acct escrow.AccountContext) {
	if err := acct.Validate(); err != nil {
		m.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.Method == http.MethodPut {
		var req timeoutRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
			m.WriteError(w, http.StatusBadRequest, "body must be {\"seconds\": <int>}")
			return
		}
		m.viability.SetTimeout(acct, time.Duration(req.Seconds)*time.Second)
		m.logger.LogAttrs(r.Context(), slog.LevelInfo, "cache timeout updated",
			slog.String("account", acct.Key()),
			slog.Int("seconds", req.Seconds),
		)
	}
	m.writeJSON(w, http.StatusOK, timeoutResponse{
		Account:        acct.Key(),
		TimeoutSeconds: int64(m.viability.Timeout(acct) / time.Second),
	})
}

type recoverabilityResponse struct {
	Views []string `json:"views"`
}

// ServeRecoverability evaluates the record bytes in the request body.
func (m *Manager) ServeRecoverability(w http.ResponseWriter, r *http.Request, acct escrow.AccountContext) {
	if err := acct.Validate(); err != nil {
		m.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRecordBytes+1))
	if err != nil {
		m.WriteError(w, http.StatusBadRequest, "unable to read record")
		return
	}
	if len(data) > maxRecordBytes {
		m.WriteError(w, http.StatusRequestEntityTooLarge, "record too large")
		return
	}
	views, err := m.recoverability.TLKRecoverabilityBytes(r.Context(), acct, data)
	if err != nil {
		m.writeFailure(w, r, err)
		return
	}
	if views == nil {
		views = []string{}
	}
	m.writeJSON(w, http.StatusOK, recoverabilityResponse{Views: views})
}

// ServeSignIn preloads the account. Preload failures are logged by the cache
// and never fail the sign-in itself.
func (m *Manager) ServeSignIn(w http.ResponseWriter, r *http.Request, acct escrow.AccountContext) {
	if err := acct.Validate(); err != nil {
		m.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	_ = m.SignIn(r.Context(), acct)
	w.WriteHeader(http.StatusNoContent)
}

func (m *Manager) ServeSignOut(w http.ResponseWriter, r *http.Request, acct escrow.AccountContext) {
	if err := acct.Validate(); err != nil {
		m.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := m.SignOut(r.Context(), acct); err != nil {
		m.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeHealth reports cache size and the effective platform settings.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	size, err := m.viability.Size(r.Context())
	if err != nil {
		m.logger.Error("cache size query failed", slog.Any("error", err))
		status = "degraded"
		size = 0
	}
	platform := m.viability.Platform()
	m.writeJSON(w, http.StatusOK, map[string]any{
		"status":              status,
		"cacheEntries":        size,
		"cacheTimeoutSeconds": int64(m.viability.DefaultTimeout() / time.Second),
		"defaultFilter":       platform.DefaultFilter().String(),
		"platform": map[string]bool{
			"supportsEscrowRecords":  platform.SupportsEscrowRecords,
			"supportsLegacyProtocol": platform.SupportsLegacyProtocol,
		},
		"observedAt": m.now().UTC(),
	})
}

// WriteError emits a JSON error payload.
func (m *Manager) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	m.writeJSON(w, status, map[string]any{"error": message})
}

type domainErrorResponse struct {
	Domain  string `json:"domain"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// writeFailure maps domain errors onto HTTP statuses.
func (m *Manager) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var domainErr *escrow.Error
	switch {
	case errors.As(err, &domainErr):
		m.writeJSON(w, http.StatusConflict, domainErrorResponse{
			Domain:  domainErr.Domain,
			Code:    domainErr.Code,
			Message: domainErr.Message,
		})
	case errors.Is(err, escrow.ErrInvalidRecord):
		m.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrTransport):
		m.WriteError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		m.WriteError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away; nothing useful to send
		m.logger.LogAttrs(r.Context(), slog.LevelDebug, "request cancelled", slog.String("path", r.URL.Path))
	default:
		m.logger.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		m.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

func (m *Manager) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", defaultContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		m.logger.Error("response encode failed", slog.Any("error", err))
	}
}
