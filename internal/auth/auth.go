// Package auth implements the bearer API-key scheme of spec §6:
// "Authorization: TOKEN <api_key>". An api_key is a signed JWT
// carrying {sub: user_id, role}; the JWT's signature alone cannot be
// revoked, so every request also checks the key's row in the api_key
// table for a hash match and a null revoked_at, giving "unknown key"
// detection a self-contained JWT cannot provide. Grounded on
// raphalbongso-wager-marketplace's chi + golang-jwt server.
package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"rubxchange/internal/apierr"
	"rubxchange/internal/models"
)

// Service issues and verifies API keys.
type Service struct {
	db     *sql.DB
	secret []byte
}

// New constructs a Service signing/verifying tokens with secret.
func New(db *sql.DB, secret []byte) *Service {
	return &Service{db: db, secret: secret}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Register creates a new user with role RoleUser and issues an API
// key for it. Returns the plaintext token — it is never recoverable
// again, only its hash is stored.
func (s *Service) Register(ctx context.Context) (*models.User, string, error) {
	return s.createUser(ctx, models.RoleUser)
}

// Bootstrap ensures at least one admin user exists, creating one and
// returning its plaintext token if none is found yet. It is idempotent
// and meant to be called once at startup from an operator-controlled
// code path, not exposed over HTTP.
func (s *Service) Bootstrap(ctx context.Context) (string, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user WHERE role = ?`, models.RoleAdmin).Scan(&count); err != nil {
		return "", fmt.Errorf("auth: count admins: %w", err)
	}
	if count > 0 {
		return "", nil
	}
	_, token, err := s.createUser(ctx, models.RoleAdmin)
	return token, err
}

func (s *Service) createUser(ctx context.Context, role models.Role) (*models.User, string, error) {
	u := &models.User{ID: uuid.New(), Role: role, CreatedAt: time.Now()}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO user (id, role, created_at) VALUES (?, ?, ?)`, u.ID.String(), u.Role, u.CreatedAt); err != nil {
		return nil, "", fmt.Errorf("auth: create user: %w", err)
	}

	token, err := s.sign(u.ID, u.Role)
	if err != nil {
		return nil, "", err
	}

	key := &models.ApiKey{ID: uuid.New(), UserID: u.ID, TokenHash: hashToken(token), IssuedAt: time.Now()}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO api_key (id, user_id, token_hash, issued_at) VALUES (?, ?, ?, ?)
	`, key.ID.String(), key.UserID.String(), key.TokenHash, key.IssuedAt); err != nil {
		return nil, "", fmt.Errorf("auth: store api key: %w", err)
	}

	return u, token, nil
}

func (s *Service) sign(userID uuid.UUID, role models.Role) (string, error) {
	claims := jwt.MapClaims{
		"sub":  userID.String(),
		"role": string(role),
		"iat":  time.Now().Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return tok, nil
}

// Principal is the authenticated identity of a request.
type Principal struct {
	UserID uuid.UUID
	Role   models.Role
}

// Verify checks a raw token's signature and its api_key row, and
// returns the authenticated Principal. A missing/malformed header is
// the caller's responsibility to reject before calling Verify.
func (s *Service) Verify(ctx context.Context, rawToken string) (*Principal, error) {
	token, err := jwt.Parse(rawToken, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apierr.New(apierr.KindUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apierr.New(apierr.KindUnauthorized, "invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	roleStr, _ := claims["role"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, apierr.New(apierr.KindUnauthorized, "invalid token subject")
	}

	var revokedAt sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT revoked_at FROM api_key WHERE user_id = ? AND token_hash = ?
	`, userID.String(), hashToken(rawToken)).Scan(&revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.New(apierr.KindUnauthorized, "unknown api key")
		}
		return nil, fmt.Errorf("auth: lookup api key: %w", err)
	}
	if revokedAt.Valid {
		return nil, apierr.New(apierr.KindUnauthorized, "revoked api key")
	}

	return &Principal{UserID: userID, Role: models.Role(roleStr)}, nil
}
