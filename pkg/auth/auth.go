package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/mail"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/gentmat/bore-control/pkg/clock"
	"github.com/gentmat/bore-control/pkg/errdefs"
	"github.com/gentmat/bore-control/pkg/log"
	"github.com/gentmat/bore-control/pkg/store"
	"github.com/gentmat/bore-control/pkg/types"
)

const (
	issuer   = "bore-control"
	audience = "bore-client"

	minPasswordLen = 8
)

// Claims is the JWT payload for access tokens
type Claims struct {
	jwt.RegisteredClaims
	IsAdmin bool `json:"adm,omitempty"`
}

// TokenPair is issued on signup, login, and refresh
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// Manager handles accounts and credentials
type Manager struct {
	store         store.Store
	secret        []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	trialDuration time.Duration
	clock         clock.Clock
}

// NewManager creates an auth manager
func NewManager(st store.Store, secret string, accessTTL, refreshTTL, trialDuration time.Duration, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		store:         st,
		secret:        []byte(secret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		trialDuration: trialDuration,
		clock:         clk,
	}
}

// Signup creates an account on the trial plan and issues the first token
// pair. The trial clock starts immediately.
func (m *Manager) Signup(ctx context.Context, email, password, name string) (*types.User, *TokenPair, error) {
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, nil, errdefs.Validation("invalid email address")
	}
	if len(password) < minPasswordLen {
		return nil, nil, errdefs.Validation("password must be at least %d characters", minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, errdefs.Internal("hash password: %v", err)
	}

	now := m.clock.Now()
	trialEnd := now.Add(m.trialDuration)
	user := &types.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		Name:         name,
		Plan:         types.PlanTrial,
		PlanExpires:  &trialEnd,
		CreatedAt:    now,
	}
	if err := m.store.CreateUser(ctx, user); err != nil {
		if errdefs.IsKind(err, errdefs.KindConflict) {
			return nil, nil, errdefs.Conflict("an account with this email already exists")
		}
		return nil, nil, err
	}

	pair, err := m.issuePair(ctx, user)
	if err != nil {
		return nil, nil, err
	}

	log.WithUserID(user.ID).Info().Str("email", email).Msg("account created")
	return user, pair, nil
}

// Login verifies credentials and issues a token pair. An expired plan does
// not block login; it only blocks tunnel usage.
func (m *Manager) Login(ctx context.Context, email, password string) (*types.User, *TokenPair, error) {
	user, err := m.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, nil, errdefs.InvalidCredentials("invalid email or password")
		}
		return nil, nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, errdefs.InvalidCredentials("invalid email or password")
	}

	pair, err := m.issuePair(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Refresh rotates a refresh token: the presented token is consumed and a
// fresh pair is issued. A reused or expired refresh token is rejected.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	stored, err := m.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, errdefs.InvalidToken("invalid refresh token")
		}
		return nil, err
	}
	if stored.ExpiresAt.Before(m.clock.Now()) {
		_ = m.store.DeleteRefreshToken(ctx, refreshToken)
		return nil, errdefs.InvalidToken("refresh token expired")
	}

	user, err := m.store.GetUser(ctx, stored.UserID)
	if err != nil {
		return nil, err
	}

	if err := m.store.DeleteRefreshToken(ctx, refreshToken); err != nil {
		return nil, err
	}
	return m.issuePair(ctx, user)
}

// Logout revokes a single refresh token
func (m *Manager) Logout(ctx context.Context, refreshToken string) error {
	err := m.store.DeleteRefreshToken(ctx, refreshToken)
	if errdefs.IsKind(err, errdefs.KindNotFound) {
		return nil
	}
	return err
}

// LogoutAll revokes every refresh token the user holds, along with any
// outstanding tunnel tokens so relays reject the old credentials too.
func (m *Manager) LogoutAll(ctx context.Context, userID string) error {
	if err := m.store.DeleteUserRefreshTokens(ctx, userID); err != nil {
		return err
	}
	return m.store.DeleteUserTunnelTokens(ctx, userID)
}

// ParseAccess validates an access token and returns its claims
func (m *Manager) ParseAccess(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(m.clock.Now),
	)
	if err != nil {
		return nil, errdefs.InvalidToken("invalid access token").WithCause(err)
	}
	return claims, nil
}

// ClaimPlan upgrades the user to a paid plan. Paid plans do not expire;
// claiming the trial plan restarts the trial window.
func (m *Manager) ClaimPlan(ctx context.Context, userID string, plan types.PlanType) (*types.User, error) {
	if _, ok := types.DefaultPlanLimits[plan]; !ok {
		return nil, errdefs.Validation("unknown plan %q", plan)
	}

	var expires *time.Time
	if plan == types.PlanTrial {
		trialEnd := m.clock.Now().Add(m.trialDuration)
		expires = &trialEnd
	}
	if err := m.store.UpdateUserPlan(ctx, userID, plan, expires); err != nil {
		return nil, err
	}

	log.WithUserID(userID).Info().Str("plan", string(plan)).Msg("plan changed")
	return m.store.GetUser(ctx, userID)
}

func (m *Manager) issuePair(ctx context.Context, user *types.User) (*TokenPair, error) {
	now := m.clock.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   user.ID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
		},
		IsAdmin: user.IsAdmin,
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, errdefs.Internal("sign access token: %v", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, errdefs.Internal("generate refresh token: %v", err)
	}
	refresh := hex.EncodeToString(buf)
	if err := m.store.SaveRefreshToken(ctx, &types.RefreshToken{
		Token:     refresh,
		UserID:    user.ID,
		ExpiresAt: now.Add(m.refreshTTL),
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(m.accessTTL.Seconds()),
	}, nil
}
