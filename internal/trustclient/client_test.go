package trustclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/escrowcache/internal/escrow"
)

var acct = escrow.AccountContext{Container: "com.apple.security.keychain", Context: "defaultContext", Account: "alice/1"}

var fastRetry = RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiple: 2}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestFetchEscrowRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/escrow/com.apple.security.keychain/defaultContext/alice%2F1/records", r.URL.EscapedPath())
		require.Equal(t, "octagon-only", r.URL.Query().Get("filter"))
		writeJSON(t, w, map[string]any{"records": []map[string]any{
			{"bottleId": "b1", "metadata": map[string]any{"viability": "full", "peerId": "peer-1"}, "payload": "AQI="},
			{"metadata": map[string]any{"serialNumber": "legacy"}},
		}})
	}))
	defer srv.Close()

	client, err := New(nil, Options{BaseURL: srv.URL + "/api/", Retry: fastRetry})
	require.NoError(t, err)

	records, err := client.FetchEscrowRecords(context.Background(), acct, escrow.FilterByOctagonOnly)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "b1", records[0].BottleID)
	require.Equal(t, []byte{0x01, 0x02}, records[0].Payload)
	require.Equal(t, "peer-1", records[0].Metadata.PeerID)
	require.False(t, records[1].HasBottle())
}

func TestFetchEscrowRecordsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"records": []any{}})
	}))
	defer srv.Close()

	client, err := New(nil, Options{BaseURL: srv.URL, Retry: fastRetry})
	require.NoError(t, err)
	records, err := client.FetchEscrowRecords(context.Background(), acct, escrow.FilterUnknown)
	require.NoError(t, err)
	require.NotNil(t, records)
	require.Empty(t, records)
}

func pagedServer(t *testing.T, pages int, loopAt int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if raw := r.URL.Query().Get("page"); raw != "" {
			n, err := strconv.Atoi(raw)
			require.NoError(t, err)
			page = n
		}
		body := map[string]any{"records": []map[string]any{{"bottleId": "b" + strconv.Itoa(page)}}}
		switch {
		case loopAt > 0 && page >= loopAt:
			body["next"] = "?page=" + strconv.Itoa(loopAt)
		case page < pages:
			body["next"] = "?page=" + strconv.Itoa(page+1)
		}
		writeJSON(t, w, body)
	}))
}

func TestFetchEscrowRecordsFollowsPagination(t *testing.T) {
	srv := pagedServer(t, 3, 0)
	defer srv.Close()

	client, err := New(nil, Options{BaseURL: srv.URL, Retry: fastRetry})
	require.NoError(t, err)
	records, err := client.FetchEscrowRecords(context.Background(), acct, escrow.FilterUnknown)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "b3", records[2].BottleID)
}

func TestFetchEscrowRecordsRejectsTruncatedListing(t *testing.T) {
	tests := []struct {
		name     string
		pages    int
		loopAt   int
		maxPages int
		contains string
	}{
		{name: "more pages than the limit", pages: 3, maxPages: 2, contains: "more than 2 pages"},
		{name: "cursor loop", pages: 5, loopAt: 2, maxPages: 16, contains: "cursor loop"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			srv := pagedServer(t, tc.pages, tc.loopAt)
			defer srv.Close()

			client, err := New(nil, Options{BaseURL: srv.URL, Retry: fastRetry, MaxPages: tc.maxPages})
			require.NoError(t, err)
			records, err := client.FetchEscrowRecords(context.Background(), acct, escrow.FilterUnknown)
			require.ErrorIs(t, err, ErrIncompleteListing)
			require.ErrorContains(t, err, tc.contains)
			require.Nil(t, records)
		})
	}
}

func TestFetchEscrowRecordsExactPageLimit(t *testing.T) {
	srv := pagedServer(t, 2, 0)
	defer srv.Close()

	client, err := New(nil, Options{BaseURL: srv.URL, Retry: fastRetry, MaxPages: 2})
	require.NoError(t, err)
	records, err := client.FetchEscrowRecords(context.Background(), acct, escrow.FilterUnknown)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestFetchEscrowRecordsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, map[string]any{"records": []map[string]any{{"bottleId": "b1"}}})
	}))
	defer srv.Close()

	client, err := New(nil, Options{BaseURL: srv.URL, Retry: fastRetry})
	require.NoError(t, err)
	records, err := client.FetchEscrowRecords(context.Background(), acct, escrow.FilterUnknown)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchEscrowRecordsGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := New(nil, Options{BaseURL: srv.URL, Retry: fastRetry})
	require.NoError(t, err)
	_, err = client.FetchEscrowRecords(context.Background(), acct, escrow.FilterUnknown)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchEscrowRecordsDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown account", http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := New(nil, Options{BaseURL: srv.URL, Retry: fastRetry})
	require.NoError(t, err)
	_, err = client.FetchEscrowRecords(context.Background(), acct, escrow.FilterUnknown)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.Contains(t, statusErr.Error(), "unknown account")
	require.EqualValues(t, 1, calls.Load())
}

func TestFetchEscrowRecordsRejectsMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	client, err := New(nil, Options{BaseURL: srv.URL, Retry: fastRetry})
	require.NoError(t, err)
	_, err = client.FetchEscrowRecords(context.Background(), acct, escrow.FilterUnknown)
	require.ErrorContains(t, err, "decode response")
}

func TestFetchEscrowRecordsHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := New(nil, Options{BaseURL: srv.URL, Retry: RetryConfig{MaxAttempts: 10, InitialDelay: time.Second}})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.FetchEscrowRecords(ctx, acct, escrow.FilterUnknown)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewValidatesBaseURL(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
	_, err = New(nil, Options{BaseURL: "ftp://example.test"})
	require.Error(t, err)
	_, err = New(nil, Options{BaseURL: "http://[::1"})
	require.Error(t, err)
}

func TestCalculateBackoffCaps(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffMultiple: 2}
	require.Equal(t, 100*time.Millisecond, calculateBackoff(0, cfg))
	require.Equal(t, 200*time.Millisecond, calculateBackoff(1, cfg))
	require.Equal(t, 300*time.Millisecond, calculateBackoff(2, cfg))
}

func TestRetryConfigDefaults(t *testing.T) {
	cfg := RetryConfig{}.withDefaults()
	require.Equal(t, DefaultRetryConfig.MaxAttempts, cfg.MaxAttempts)
	require.Equal(t, DefaultRetryConfig.MaxDelay, cfg.MaxDelay)
	require.Equal(t, DefaultRetryConfig.BackoffMultiple, cfg.BackoffMultiple)
}
