package server

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/l0p7/escrowcache/internal/escrow"
)

// AccountHandler serves one account-scoped route.
type AccountHandler func(http.ResponseWriter, *http.Request, escrow.AccountContext)

// ManagerHTTP is the surface the router needs from the runtime manager.
type ManagerHTTP interface {
	ServeRecords(http.ResponseWriter, *http.Request, escrow.AccountContext)
	ServeReport(http.ResponseWriter, *http.Request, escrow.AccountContext)
	ServeTimeout(http.ResponseWriter, *http.Request, escrow.AccountContext)
	ServeRecoverability(http.ResponseWriter, *http.Request, escrow.AccountContext)
	ServeSignIn(http.ResponseWriter, *http.Request, escrow.AccountContext)
	ServeSignOut(http.ResponseWriter, *http.Request, escrow.AccountContext)
	ServeHealth(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
	Instrument(string, http.HandlerFunc) http.HandlerFunc
}

type accountRoute struct {
	methods []string
	serve   func(ManagerHTTP) AccountHandler
}

var accountRoutes = map[string]accountRoute{
	"escrow-records": {
		methods: []string{http.MethodGet, http.MethodDelete},
		serve:   func(m ManagerHTTP) AccountHandler { return m.ServeRecords },
	},
	"escrow-records/report": {
		methods: []string{http.MethodGet},
		serve:   func(m ManagerHTTP) AccountHandler { return m.ServeReport },
	},
	"escrow-records/timeout": {
		methods: []string{http.MethodGet, http.MethodPut},
		serve:   func(m ManagerHTTP) AccountHandler { return m.ServeTimeout },
	},
	"recoverability": {
		methods: []string{http.MethodPost},
		serve:   func(m ManagerHTTP) AccountHandler { return m.ServeRecoverability },
	},
	"sign-in": {
		methods: []string{http.MethodPost},
		serve:   func(m ManagerHTTP) AccountHandler { return m.ServeSignIn },
	},
	"sign-out": {
		methods: []string{http.MethodPost},
		serve:   func(m ManagerHTTP) AccountHandler { return m.ServeSignOut },
	},
}

// NewHandler dispatches health and account-scoped routes to the manager.
// Account paths have the form /v1/accounts/{container}/{context}/{account}/{route};
// each identifier is a single path-escaped segment.
func NewHandler(m ManagerHTTP) http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "manager unavailable", http.StatusServiceUnavailable)
		})
	}
	health := m.Instrument("healthz", m.ServeHealth)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.Trim(r.URL.Path, "/") {
		case "health", "healthz":
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				methodNotAllowed(m, w, []string{http.MethodGet, http.MethodHead})
				return
			}
			health(w, r)
			return
		}

		acct, name, ok := parseAccountRoute(r.URL.EscapedPath())
		if !ok {
			http.NotFound(w, r)
			return
		}
		route, known := accountRoutes[name]
		if !known {
			http.NotFound(w, r)
			return
		}
		if !slices.Contains(route.methods, r.Method) {
			methodNotAllowed(m, w, route.methods)
			return
		}
		serve := route.serve(m)
		m.Instrument(name, func(w http.ResponseWriter, r *http.Request) {
			serve(w, r, acct)
		})(w, r)
	})
}

func methodNotAllowed(m ManagerHTTP, w http.ResponseWriter, allowed []string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	m.WriteError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method not allowed, use %s", strings.Join(allowed, " or ")))
}

func parseAccountRoute(escapedPath string) (escrow.AccountContext, string, bool) {
	trimmed := strings.Trim(escapedPath, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 6 || parts[0] != "v1" || parts[1] != "accounts" {
		return escrow.AccountContext{}, "", false
	}
	ids := make([]string, 3)
	for i := range ids {
		segment, err := url.PathUnescape(parts[2+i])
		if err != nil || strings.TrimSpace(segment) == "" {
			return escrow.AccountContext{}, "", false
		}
		ids[i] = segment
	}
	route := strings.ToLower(strings.Join(parts[5:], "/"))
	return escrow.AccountContext{Container: ids[0], Context: ids[1], Account: ids[2]}, route, true
}
