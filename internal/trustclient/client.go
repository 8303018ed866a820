package trustclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/escrowcache/internal/escrow"
)

const maxResponseBytes = 8 << 20

// HTTPDoer is the subset of *http.Client the client depends on.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

type Options struct {
	BaseURL  string
	Timeout  time.Duration
	Retry    RetryConfig
	MaxPages int
	Client   HTTPDoer
}

// Client fetches escrow records from the trust service over JSON/HTTP.
type Client struct {
	logger   *slog.Logger
	base     *url.URL
	client   HTTPDoer
	retry    RetryConfig
	maxPages int
}

type recordsPage struct {
	Records []escrow.RawRecord `json:"records"`
	Next    string             `json:"next,omitempty"`
}

// ErrIncompleteListing marks a fetch that could not reach the last page.
var ErrIncompleteListing = errors.New("incomplete record listing")

// StatusError reports a non-2xx answer from the trust service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("trustclient: http %d", e.StatusCode)
	}
	return fmt.Sprintf("trustclient: http %d: %s", e.StatusCode, e.Body)
}

func New(logger *slog.Logger, opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("trustclient: base url required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("trustclient: base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("trustclient: unsupported scheme %q", base.Scheme)
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 16
	}
	return &Client{
		logger:   logger.With(slog.String("agent", "trustclient")),
		base:     base,
		client:   client,
		retry:    opts.Retry.withDefaults(),
		maxPages: maxPages,
	}, nil
}

// FetchEscrowRecords returns every record the trust service holds for acct
// under filter, following pagination cursors. Each page is retried with
// backoff; the first page failure that exhausts retries fails the fetch. A
// result cut short by the page limit or a cursor loop is an error, never a
// partial record set.
func (c *Client) FetchEscrowRecords(ctx context.Context, acct escrow.AccountContext, filter escrow.FilterMode) ([]escrow.RawRecord, error) {
	next := c.recordsURL(acct, filter)
	visited := make(map[string]struct{})
	records := make([]escrow.RawRecord, 0)

	for page := 0; next != ""; page++ {
		if page >= c.maxPages {
			return nil, fmt.Errorf("trustclient: %w: more than %d pages", ErrIncompleteListing, c.maxPages)
		}
		if _, seen := visited[next]; seen {
			return nil, fmt.Errorf("trustclient: %w: cursor loop at %s", ErrIncompleteListing, next)
		}
		visited[next] = struct{}{}

		var body recordsPage
		target := next
		err := withRetry(ctx, c.retry, func(ctx context.Context) error {
			var err error
			body, err = c.getPage(ctx, target)
			return err
		})
		if err != nil {
			return nil, err
		}
		records = append(records, body.Records...)

		next = ""
		if cursor := strings.TrimSpace(body.Next); cursor != "" {
			resolved, err := c.resolveNext(target, cursor)
			if err != nil {
				return nil, err
			}
			next = resolved
		}
	}

	c.logger.LogAttrs(ctx, slog.LevelDebug, "escrow records fetched",
		slog.String("account", acct.Key()),
		slog.String("filter", filter.String()),
		slog.Int("records", len(records)),
	)
	return records, nil
}

func (c *Client) recordsURL(acct escrow.AccountContext, filter escrow.FilterMode) string {
	u := *c.base
	prefix := strings.TrimRight(u.Path, "/")
	rawPrefix := strings.TrimRight(u.EscapedPath(), "/")
	u.Path = prefix + "/v1/escrow/" + acct.Container + "/" + acct.Context + "/" + acct.Account + "/records"
	u.RawPath = rawPrefix + "/v1/escrow/" +
		url.PathEscape(acct.Container) + "/" +
		url.PathEscape(acct.Context) + "/" +
		url.PathEscape(acct.Account) + "/records"
	q := u.Query()
	q.Set("filter", filter.String())
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) resolveNext(current, cursor string) (string, error) {
	ref, err := url.Parse(cursor)
	if err != nil {
		return "", fmt.Errorf("trustclient: next cursor: %w", err)
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("trustclient: page url: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) getPage(ctx context.Context, target string) (recordsPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return recordsPage{}, permanent(fmt.Errorf("trustclient: build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return recordsPage{}, fmt.Errorf("trustclient: request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return recordsPage{}, fmt.Errorf("trustclient: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return recordsPage{}, statusErr
		}
		return recordsPage{}, permanent(statusErr)
	}

	var page recordsPage
	if err := json.Unmarshal(payload, &page); err != nil {
		return recordsPage{}, permanent(fmt.Errorf("trustclient: decode response: %w", err))
	}
	return page, nil
}
