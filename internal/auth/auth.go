// Package auth handles signup, login and bearer-token authentication.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tradedesk/trading-engine/internal/model"
	"github.com/tradedesk/trading-engine/internal/store"
	"github.com/tradedesk/trading-engine/internal/wallet"
)

// DefaultTokenTTL is the lifetime of an issued token.
const DefaultTokenTTL = 7 * 24 * time.Hour

const minPasswordLen = 8

// Service issues and verifies tokens and manages credentials.
type Service struct {
	store    store.Store
	secret   []byte
	ttl      time.Duration
	currency string
	now      func() time.Time
}

// NewService creates an auth service signing tokens with secret.
func NewService(st store.Store, secret string, ttl time.Duration, currency string) *Service {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{
		store:    st,
		secret:   []byte(secret),
		ttl:      ttl,
		currency: currency,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SignupRequest is the body of a signup.
type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// LoginRequest is the body of a login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is returned on signup and login.
type Session struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      *model.User `json:"user"`
}

// Signup registers a user, creates the wallet and returns a session.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*Session, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email", model.ErrInvalidRequest)
	}
	if len(req.Password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", model.ErrInvalidRequest, minPasswordLen)
	}
	name := strings.TrimSpace(req.FullName)
	if name == "" {
		return nil, fmt.Errorf("%w: full_name is required", model.ErrInvalidRequest)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	u := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		FullName:     name,
		CreatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	// A wallet missing here is created lazily on first balance read.
	if err := s.store.InTx(ctx, func(tx store.Tx) error {
		return wallet.EnsureWallet(ctx, tx, u.ID, s.currency, now)
	}); err != nil {
		slog.Warn("wallet creation at signup failed", "user_id", u.ID, "err", err)
	}

	slog.Info("user signed up", "user_id", u.ID)
	return s.session(u)
}

// Login verifies credentials. Unknown email and wrong password are
// indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	u, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: invalid credentials", model.ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		return nil, fmt.Errorf("%w: invalid credentials", model.ErrUnauthorized)
	}
	return s.session(u)
}

// Me returns the user behind userID.
func (s *Service) Me(ctx context.Context, userID string) (*model.User, error) {
	return s.store.GetUser(ctx, userID)
}

func (s *Service) session(u *model.User) (*Session, error) {
	token, exp, err := s.IssueToken(u.ID)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: exp, User: u}, nil
}

// IssueToken signs an HS256 token whose subject is userID.
func (s *Service) IssueToken(userID string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// ParseToken validates a token and returns its subject.
func (s *Service) ParseToken(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid or expired token", model.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", model.ErrUnauthorized)
	}
	return claims.Subject, nil
}
