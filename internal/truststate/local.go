package truststate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/l0p7/escrowcache/internal/escrow"
)

// Seed describes trust state installed for an account at startup.
type Seed struct {
	Account      escrow.AccountContext
	PeerID       string
	TrustedPeers []string
}

// State is a snapshot of one account's trust circle as seen by the local device.
type State struct {
	CircleID     string
	PeerID       string
	Member       bool
	TrustedPeers []string
}

type accountState struct {
	circleID string
	peerID   string
	member   bool
	trusted  map[string]struct{}
}

// Local keeps trust state in memory. It answers which views of an escrow
// record the local device could recover given the peers it currently trusts.
type Local struct {
	logger *slog.Logger
	views  map[string]struct{}

	mu       sync.RWMutex
	accounts map[string]*accountState
}

// NewLocal returns an evaluator limited to the given platform views. An empty
// view list accepts every view a record carries.
func NewLocal(logger *slog.Logger, views []string) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	var allowed map[string]struct{}
	if len(views) > 0 {
		allowed = make(map[string]struct{}, len(views))
		for _, view := range views {
			if v := strings.TrimSpace(view); v != "" {
				allowed[v] = struct{}{}
			}
		}
	}
	return &Local{
		logger:   logger.With(slog.String("agent", "truststate")),
		views:    allowed,
		accounts: make(map[string]*accountState),
	}
}

// Apply installs seeds, each establishing a circle with the seed's trusted peers.
func (l *Local) Apply(ctx context.Context, seeds []Seed) error {
	for _, seed := range seeds {
		if _, err := l.Establish(ctx, seed.Account, seed.PeerID); err != nil {
			return err
		}
		for _, peer := range seed.TrustedPeers {
			if err := l.Join(ctx, seed.Account, peer); err != nil {
				return err
			}
		}
	}
	return nil
}

// Establish creates a new circle for acct with the local peer as its only
// trusted member. An empty peerID is replaced by a generated one.
func (l *Local) Establish(ctx context.Context, acct escrow.AccountContext, peerID string) (State, error) {
	if err := acct.Validate(); err != nil {
		return State{}, err
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		peerID = uuid.NewString()
	}
	st := &accountState{
		circleID: uuid.NewString(),
		peerID:   peerID,
		member:   true,
		trusted:  map[string]struct{}{peerID: {}},
	}

	l.mu.Lock()
	l.accounts[acct.Key()] = st
	snapshot := st.snapshot()
	l.mu.Unlock()

	l.logger.LogAttrs(ctx, slog.LevelInfo, "trust circle established",
		slog.String("account", acct.Key()),
		slog.String("circle_id", snapshot.CircleID),
		slog.String("peer_id", peerID),
	)
	return snapshot, nil
}

// Join admits peerID into the account's circle.
func (l *Local) Join(ctx context.Context, acct escrow.AccountContext, peerID string) error {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return errors.New("truststate: peer id required")
	}
	l.mu.Lock()
	st, ok := l.accounts[acct.Key()]
	if !ok || !st.member {
		l.mu.Unlock()
		return escrow.NoTrust("local device is not in a trust circle")
	}
	st.trusted[peerID] = struct{}{}
	l.mu.Unlock()

	l.logger.LogAttrs(ctx, slog.LevelInfo, "peer joined trust circle",
		slog.String("account", acct.Key()),
		slog.String("peer_id", peerID),
	)
	return nil
}

// Leave removes the local device from the account's circle. Its trusted set is dropped.
func (l *Local) Leave(ctx context.Context, acct escrow.AccountContext) error {
	l.mu.Lock()
	st, ok := l.accounts[acct.Key()]
	if ok {
		st.member = false
		st.trusted = map[string]struct{}{}
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("truststate: no trust state for %s", acct.Key())
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "left trust circle", slog.String("account", acct.Key()))
	return nil
}

// ResetAndEstablish discards the account's circle and every peer it trusted,
// then establishes a fresh circle under a new local peer identity.
func (l *Local) ResetAndEstablish(ctx context.Context, acct escrow.AccountContext) (State, error) {
	return l.Establish(ctx, acct, "")
}

// State returns the account's current trust snapshot.
func (l *Local) State(acct escrow.AccountContext) (State, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.accounts[acct.Key()]
	if !ok {
		return State{}, false
	}
	return st.snapshot(), true
}

// Forget drops any trust state held for acct.
func (l *Local) Forget(acct escrow.AccountContext) {
	l.mu.Lock()
	delete(l.accounts, acct.Key())
	l.mu.Unlock()
}

// RecoverableViews reports the views whose TLK shares in md the local device
// can recover. The record must originate from a peer the device currently trusts.
func (l *Local) RecoverableViews(_ context.Context, acct escrow.AccountContext, md escrow.Metadata) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st, ok := l.accounts[acct.Key()]
	if !ok || !st.member {
		return nil, escrow.NoTrust("local device is not in a trust circle")
	}
	peer := strings.TrimSpace(md.PeerID)
	if peer == "" {
		return nil, escrow.NoTrust("record carries no peer identity")
	}
	if _, trusted := st.trusted[peer]; !trusted {
		return nil, escrow.NoTrust(fmt.Sprintf("record peer %s is not trusted", peer))
	}

	seen := make(map[string]struct{}, len(md.KeyShares))
	views := make([]string, 0, len(md.KeyShares))
	for _, share := range md.KeyShares {
		view := strings.TrimSpace(share.View)
		if view == "" {
			continue
		}
		if sender := strings.TrimSpace(share.SenderPeerID); sender != "" {
			if _, trusted := st.trusted[sender]; !trusted {
				continue
			}
		}
		if l.views != nil {
			if _, ok := l.views[view]; !ok {
				continue
			}
		}
		if _, dup := seen[view]; dup {
			continue
		}
		seen[view] = struct{}{}
		views = append(views, view)
	}
	sort.Strings(views)
	return views, nil
}

func (s *accountState) snapshot() State {
	peers := make([]string, 0, len(s.trusted))
	for peer := range s.trusted {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return State{CircleID: s.circleID, PeerID: s.peerID, Member: s.member, TrustedPeers: peers}
}
