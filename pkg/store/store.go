package store

import (
	"context"
	"time"

	"github.com/gentmat/bore-control/pkg/types"
)

// Store defines the persistence interface for the control plane
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	UpdateUserPlan(ctx context.Context, userID string, plan types.PlanType, expires *time.Time) error

	// Instance operations
	CreateInstance(ctx context.Context, inst *types.Instance) error
	GetInstance(ctx context.Context, id string) (*types.Instance, error)
	ListInstancesByUser(ctx context.Context, userID string) ([]*types.Instance, error)
	ListInstancesByStatuses(ctx context.Context, statuses ...types.InstanceStatus) ([]*types.Instance, error)
	DeleteInstance(ctx context.Context, id string) error

	// TransitionInstance loads the instance under a row lock, invokes fn, and
	// applies the returned patch in the same transaction. Status history is
	// appended automatically whenever the patch changes the status. A nil
	// patch commits nothing and returns the instance as loaded.
	TransitionInstance(ctx context.Context, id string, fn func(*types.Instance) (*InstancePatch, error)) (*types.Instance, error)

	// Tunnel token operations
	SaveTunnelToken(ctx context.Context, token *types.TunnelToken) error
	GetTunnelToken(ctx context.Context, token string) (*types.TunnelToken, error)
	DeleteTunnelToken(ctx context.Context, token string) error
	DeleteInstanceTokens(ctx context.Context, instanceID string) error
	DeleteUserTunnelTokens(ctx context.Context, userID string) error
	DeleteExpiredTunnelTokens(ctx context.Context, now time.Time) (int64, error)

	// Refresh token operations
	SaveRefreshToken(ctx context.Context, token *types.RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (*types.RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, token string) error
	DeleteUserRefreshTokens(ctx context.Context, userID string) error

	// Health samples
	SaveHealthSample(ctx context.Context, sample *types.HealthSample) error
	LatestHealthSample(ctx context.Context, instanceID string) (*types.HealthSample, error)

	// Status history
	ListStatusHistory(ctx context.Context, instanceID string, limit int) ([]*types.StatusHistoryEntry, error)

	// Relay operations
	UpsertRelay(ctx context.Context, relay *types.Relay) error
	SetRelayStatus(ctx context.Context, relayID string, status types.RelayStatus, at time.Time) error
	UpdateRelayLoad(ctx context.Context, relayID string, load int, bwMbps float64) error
	ListRelays(ctx context.Context) ([]*types.Relay, error)

	// Aggregates
	CountActiveTunnels(ctx context.Context) (int, error)
	CountUserActiveTunnels(ctx context.Context, userID string) (int, error)

	// Waitlist
	JoinWaitlist(ctx context.Context, email string) error

	Ping(ctx context.Context) error
	Close() error
}

// TokenRotation instructs TransitionInstance to mint a new tunnel token for
// the instance, replacing any previous one, in the same transaction as the
// status change.
type TokenRotation struct {
	Token     string
	ExpiresAt time.Time
}

// InstancePatch describes the set of changes to apply to an instance inside
// TransitionInstance. Pointer fields are applied when non-nil; Clear flags
// null out their columns.
type InstancePatch struct {
	Status          *types.InstanceStatus
	StatusReason    *string
	Name            *string
	TunnelConnected *bool
	AssignedRelay   *string
	PublicURL       *string
	RemotePort      *int

	// ClearEndpoint nulls public_url and remote_port.
	ClearEndpoint bool
	// ClearRelay nulls assigned_relay.
	ClearRelay bool
	// ClearToken nulls current_token and token_expires_at on the instance.
	ClearToken bool

	// Rotate replaces the instance's tunnel token. It implies revoking any
	// previously issued token rows for the instance.
	Rotate *TokenRotation
	// RevokeToken deletes issued token rows for the instance without
	// minting a replacement. Usually paired with ClearToken.
	RevokeToken bool
}

// Apply mutates inst in place according to the patch. UpdatedAt is stamped
// with now. It does not touch token rows; those are the store's job.
func (p *InstancePatch) Apply(inst *types.Instance, now time.Time) {
	if p.Status != nil {
		inst.Status = *p.Status
	}
	if p.StatusReason != nil {
		inst.StatusReason = *p.StatusReason
	}
	if p.Name != nil {
		inst.Name = *p.Name
	}
	if p.TunnelConnected != nil {
		inst.TunnelConnected = *p.TunnelConnected
	}
	if p.AssignedRelay != nil {
		inst.AssignedRelay = p.AssignedRelay
	}
	if p.PublicURL != nil {
		inst.PublicURL = p.PublicURL
	}
	if p.RemotePort != nil {
		inst.RemotePort = p.RemotePort
	}
	if p.ClearEndpoint {
		inst.PublicURL = nil
		inst.RemotePort = nil
	}
	if p.ClearRelay {
		inst.AssignedRelay = nil
	}
	if p.ClearToken {
		inst.CurrentToken = nil
		inst.TokenExpiresAt = nil
	}
	if p.Rotate != nil {
		tok := p.Rotate.Token
		exp := p.Rotate.ExpiresAt
		inst.CurrentToken = &tok
		inst.TokenExpiresAt = &exp
	}
	inst.UpdatedAt = now
}

// ChangesStatus reports whether the patch moves the instance to a different
// status than from.
func (p *InstancePatch) ChangesStatus(from types.InstanceStatus) bool {
	return p.Status != nil && *p.Status != from
}
