package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/gentmat/bore-control/pkg/clock"
	"github.com/gentmat/bore-control/pkg/errdefs"
	"github.com/gentmat/bore-control/pkg/log"
	"github.com/gentmat/bore-control/pkg/metrics"
	"github.com/gentmat/bore-control/pkg/store"
	"github.com/gentmat/bore-control/pkg/types"
)

// LimitsFunc resolves the quota for a plan
type LimitsFunc func(plan types.PlanType) types.PlanLimits

// Verdict is the answer a relay receives when it presents a tunnel token.
// Valid reports whether the credential itself checks out; UsageAllowed can
// be false for a valid token whose owner may no longer use the service.
type Verdict struct {
	Valid          bool           `json:"valid"`
	UsageAllowed   bool           `json:"usageAllowed"`
	UserID         string         `json:"userId,omitempty"`
	InstanceID     string         `json:"instanceId,omitempty"`
	PlanType       types.PlanType `json:"planType,omitempty"`
	MaxConcurrent  int            `json:"maxConcurrentTunnels,omitempty"`
	MaxBandwidthGB int64          `json:"maxBandwidthGb,omitempty"`
	Message        string         `json:"message,omitempty"`
}

// Broker mints, validates, and revokes tunnel tokens
type Broker struct {
	store     store.Store
	limitsFor LimitsFunc
	ttl       time.Duration
	clock     clock.Clock
}

// NewBroker creates a token broker. Tokens expire after ttl.
func NewBroker(st store.Store, limitsFor LimitsFunc, ttl time.Duration, clk clock.Clock) *Broker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Broker{store: st, limitsFor: limitsFor, ttl: ttl, clock: clk}
}

// Mint generates a fresh opaque token and its expiry
func (b *Broker) Mint() (store.TokenRotation, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return store.TokenRotation{}, errdefs.Internal("generate token: %v", err)
	}
	return store.TokenRotation{
		Token:     hex.EncodeToString(buf),
		ExpiresAt: b.clock.Now().Add(b.ttl),
	}, nil
}

// TTL returns the configured token lifetime
func (b *Broker) TTL() time.Duration { return b.ttl }

// Validate resolves a presented token to a verdict. Tokens are single use:
// a successful validation consumes the token row. Invalid and expired
// tokens yield a negative verdict, not an error; errors are reserved for
// backend failures.
func (b *Broker) Validate(ctx context.Context, raw string) (*Verdict, error) {
	reject := func(msg string) *Verdict {
		return &Verdict{Valid: false, Message: msg}
	}

	if raw == "" {
		return reject("missing token"), nil
	}

	tok, err := b.store.GetTunnelToken(ctx, raw)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return reject("invalid or expired token"), nil
		}
		return nil, err
	}

	now := b.clock.Now()
	if tok.ExpiresAt.Before(now) {
		if derr := b.store.DeleteTunnelToken(ctx, raw); derr != nil {
			log.WithInstanceID(tok.InstanceID).Warn().Err(derr).Msg("failed to delete expired token")
		}
		return reject("invalid or expired token"), nil
	}

	user, err := b.store.GetUser(ctx, tok.UserID)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return reject("invalid or expired token"), nil
		}
		return nil, err
	}

	// Consume the token; a relay presents it exactly once.
	if err := b.store.DeleteTunnelToken(ctx, raw); err != nil {
		log.WithInstanceID(tok.InstanceID).Warn().Err(err).Msg("failed to consume token")
	}

	limits := b.limitsFor(user.Plan)
	verdict := &Verdict{
		Valid:          true,
		UsageAllowed:   true,
		UserID:         user.ID,
		InstanceID:     tok.InstanceID,
		PlanType:       user.Plan,
		MaxConcurrent:  limits.MaxConcurrent,
		MaxBandwidthGB: limits.MaxBandwidthGB,
	}
	if user.PlanExpired(now) {
		verdict.UsageAllowed = false
		verdict.Message = "plan expired, renew to reconnect"
	}
	return verdict, nil
}

// Revoke deletes all issued tokens for an instance
func (b *Broker) Revoke(ctx context.Context, instanceID string) error {
	return b.store.DeleteInstanceTokens(ctx, instanceID)
}

// ReapExpired deletes tokens past their expiry and returns how many went
func (b *Broker) ReapExpired(ctx context.Context) (int64, error) {
	n, err := b.store.DeleteExpiredTunnelTokens(ctx, b.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.TokensReaped.Add(float64(n))
		log.WithComponent("token").Debug().Int64("count", n).Msg("reaped expired tunnel tokens")
	}
	return n, nil
}
