package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gentmat/bore-control/pkg/clock"
	"github.com/gentmat/bore-control/pkg/errdefs"
	"github.com/gentmat/bore-control/pkg/types"
)

// MemoryStore is an in-memory Store used for development mode and tests.
// Transition serialization is provided by a single mutex instead of row locks.
type MemoryStore struct {
	clock         clock.Clock
	mu            sync.Mutex
	users         map[string]*types.User
	usersByEmail  map[string]string
	instances     map[string]*types.Instance
	tunnelTokens  map[string]*types.TunnelToken
	refreshTokens map[string]*types.RefreshToken
	health        map[string][]*types.HealthSample
	history       map[string][]*types.StatusHistoryEntry
	relays        map[string]*types.Relay
	waitlist      map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clock.Real())
}

// NewMemoryStoreWithClock creates an in-memory store that stamps rows from
// the given clock, used by tests that advance time manually.
func NewMemoryStoreWithClock(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:         clk,
		users:         make(map[string]*types.User),
		usersByEmail:  make(map[string]string),
		instances:     make(map[string]*types.Instance),
		tunnelTokens:  make(map[string]*types.TunnelToken),
		refreshTokens: make(map[string]*types.RefreshToken),
		health:        make(map[string][]*types.HealthSample),
		history:       make(map[string][]*types.StatusHistoryEntry),
		relays:        make(map[string]*types.Relay),
		waitlist:      make(map[string]time.Time),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func (s *MemoryStore) JoinWaitlist(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waitlist[email]; !ok {
		s.waitlist[email] = s.clock.Now().UTC()
	}
	return nil
}

// User operations

func (s *MemoryStore) CreateUser(ctx context.Context, user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByEmail[user.Email]; ok {
		return errdefs.Conflict("already exists")
	}
	if _, ok := s.users[user.ID]; ok {
		return errdefs.Conflict("already exists")
	}
	u := *user
	s.users[u.ID] = &u
	s.usersByEmail[u.Email] = u.ID
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, errdefs.NotFound("user not found")
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usersByEmail[email]
	if !ok {
		return nil, errdefs.NotFound("user not found")
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemoryStore) UpdateUserPlan(ctx context.Context, userID string, plan types.PlanType, expires *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return errdefs.NotFound("user not found")
	}
	u.Plan = plan
	u.PlanExpires = expires
	return nil
}

// Instance operations

func (s *MemoryStore) CreateInstance(ctx context.Context, inst *types.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return errdefs.Conflict("already exists")
	}
	cp := *inst
	s.instances[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, errdefs.NotFound("instance not found")
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) ListInstancesByUser(ctx context.Context, userID string) ([]*types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Instance
	for _, inst := range s.instances {
		if inst.UserID == userID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListInstancesByStatuses(ctx context.Context, statuses ...types.InstanceStatus) ([]*types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[types.InstanceStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*types.Instance
	for _, inst := range s.instances {
		if want[inst.Status] {
			cp := *inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteInstance(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return errdefs.NotFound("instance not found")
	}
	delete(s.instances, id)
	delete(s.health, id)
	delete(s.history, id)
	for tok, t := range s.tunnelTokens {
		if t.InstanceID == id {
			delete(s.tunnelTokens, tok)
		}
	}
	return nil
}

func (s *MemoryStore) TransitionInstance(ctx context.Context, id string, fn func(*types.Instance) (*InstancePatch, error)) (*types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, errdefs.NotFound("instance not found")
	}
	work := *inst
	patch, err := fn(&work)
	if err != nil {
		return nil, err
	}
	if patch == nil {
		cp := work
		return &cp, nil
	}

	now := s.clock.Now().UTC()
	changed := patch.ChangesStatus(work.Status)
	patch.Apply(&work, now)

	if patch.Rotate != nil || patch.RevokeToken {
		for tok, t := range s.tunnelTokens {
			if t.InstanceID == id {
				delete(s.tunnelTokens, tok)
			}
		}
	}
	if patch.Rotate != nil {
		s.tunnelTokens[patch.Rotate.Token] = &types.TunnelToken{
			Token:      patch.Rotate.Token,
			InstanceID: id,
			UserID:     work.UserID,
			ExpiresAt:  patch.Rotate.ExpiresAt,
			CreatedAt:  now,
		}
	}
	if changed {
		s.history[id] = append(s.history[id], &types.StatusHistoryEntry{
			InstanceID: id,
			Timestamp:  now,
			Status:     work.Status,
			Reason:     work.StatusReason,
		})
	}

	stored := work
	s.instances[id] = &stored
	cp := work
	return &cp, nil
}

// Tunnel token operations

func (s *MemoryStore) SaveTunnelToken(ctx context.Context, token *types.TunnelToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.tunnelTokens[cp.Token] = &cp
	return nil
}

func (s *MemoryStore) GetTunnelToken(ctx context.Context, token string) (*types.TunnelToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tunnelTokens[token]
	if !ok {
		return nil, errdefs.NotFound("token not found")
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) DeleteTunnelToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tunnelTokens, token)
	return nil
}

func (s *MemoryStore) DeleteInstanceTokens(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, t := range s.tunnelTokens {
		if t.InstanceID == instanceID {
			delete(s.tunnelTokens, tok)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteUserTunnelTokens(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, t := range s.tunnelTokens {
		if t.UserID == userID {
			delete(s.tunnelTokens, tok)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteExpiredTunnelTokens(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for tok, t := range s.tunnelTokens {
		if t.ExpiresAt.Before(now) {
			delete(s.tunnelTokens, tok)
			n++
		}
	}
	return n, nil
}

// Refresh token operations

func (s *MemoryStore) SaveRefreshToken(ctx context.Context, token *types.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.refreshTokens[cp.Token] = &cp
	return nil
}

func (s *MemoryStore) GetRefreshToken(ctx context.Context, token string) (*types.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refreshTokens[token]
	if !ok {
		return nil, errdefs.NotFound("refresh token not found")
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) DeleteRefreshToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refreshTokens[token]; !ok {
		return errdefs.NotFound("refresh token not found")
	}
	delete(s.refreshTokens, token)
	return nil
}

func (s *MemoryStore) DeleteUserRefreshTokens(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, t := range s.refreshTokens {
		if t.UserID == userID {
			delete(s.refreshTokens, tok)
		}
	}
	return nil
}

// Health samples

func (s *MemoryStore) SaveHealthSample(ctx context.Context, sample *types.HealthSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sample
	s.health[cp.InstanceID] = append(s.health[cp.InstanceID], &cp)
	return nil
}

func (s *MemoryStore) LatestHealthSample(ctx context.Context, instanceID string) (*types.HealthSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := s.health[instanceID]
	if len(samples) == 0 {
		return nil, errdefs.NotFound("no health samples")
	}
	cp := *samples[len(samples)-1]
	return &cp, nil
}

// Status history

func (s *MemoryStore) ListStatusHistory(ctx context.Context, instanceID string, limit int) ([]*types.StatusHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.history[instanceID]
	var out []*types.StatusHistoryEntry
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *entries[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Relay operations

func (s *MemoryStore) UpsertRelay(ctx context.Context, relay *types.Relay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *relay
	if existing, ok := s.relays[cp.ID]; ok {
		cp.CurrentLoad = existing.CurrentLoad
		cp.CurrentBW = existing.CurrentBW
	}
	s.relays[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) SetRelayStatus(ctx context.Context, relayID string, status types.RelayStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relays[relayID]
	if !ok {
		return errdefs.NotFound("relay not found")
	}
	r.Status = status
	r.LastHealthCheck = at
	return nil
}

func (s *MemoryStore) UpdateRelayLoad(ctx context.Context, relayID string, load int, bwMbps float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relays[relayID]
	if !ok {
		return errdefs.NotFound("relay not found")
	}
	r.CurrentLoad = load
	r.CurrentBW = bwMbps
	return nil
}

func (s *MemoryStore) ListRelays(ctx context.Context) ([]*types.Relay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Relay, 0, len(s.relays))
	for _, r := range s.relays {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Aggregates

func (s *MemoryStore) CountActiveTunnels(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, inst := range s.instances {
		if inst.Connected() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountUserActiveTunnels(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, inst := range s.instances {
		if inst.UserID != userID {
			continue
		}
		if inst.Connected() || inst.Status == types.StatusStarting {
			n++
		}
	}
	return n, nil
}
