package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/wahub-id/wahub/internal/db"
	"github.com/wahub-id/wahub/internal/quota"
)

var (
	ErrEmailTaken         = errors.New("user_already_exists")
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrNotVerified        = errors.New("email_not_verified")
	ErrAlreadyVerified    = errors.New("email_already_verified")
	ErrUserNotFound       = errors.New("user_not_found")
	// ErrBadToken covers unknown and expired verification or reset tokens.
	ErrBadToken = errors.New("invalid or expired token")
)

const tokenTTL = time.Hour

type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Role       string    `json:"role"`
	IsVerified bool      `json:"isVerified"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Service handles account lifecycle. Verifying an email both activates the
// account and seeds its starter credit grant.
type Service struct {
	DB     *db.DB
	Ledger *quota.Ledger
	Tokens *TokenManager
	Mailer Mailer
	Grant  int // credits seeded on email verification
	Log    *logrus.Logger
}

// Register creates an unverified account and mails the verification token.
func (s *Service) Register(ctx context.Context, name, email, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	token, err := randomToken()
	if err != nil {
		return err
	}

	_, err = s.DB.Pool.Exec(ctx, `
		INSERT INTO users(name, email, password_hash, verification_token, verify_expires)
		VALUES($1,$2,$3,$4,$5)
	`, name, email, string(hash), token, time.Now().Add(tokenTTL))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	if err != nil {
		return err
	}

	if err := s.Mailer.SendVerification(ctx, email, token); err != nil {
		s.Log.WithError(err).WithField("email", email).Error("failed to send verification email")
	}
	return nil
}

// VerifyEmail consumes a verification token, activates the account, and
// seeds the initial quota. Token reuse fails because the first use clears it.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	var userID string
	err := s.DB.Pool.QueryRow(ctx, `
		UPDATE users SET is_verified=true, verification_token=NULL, verify_expires=NULL
		WHERE verification_token=$1 AND verify_expires > now()
		RETURNING id
	`, token).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrBadToken
	}
	if err != nil {
		return err
	}

	if err := s.Ledger.Create(ctx, userID, s.Grant); err != nil && !errors.Is(err, quota.ErrAlreadyExists) {
		return fmt.Errorf("seed quota: %w", err)
	}
	s.Log.WithField("userId", userID).Info("email verified, quota seeded")
	return nil
}

// RequestEmailVerification re-issues the token for an unverified account.
func (s *Service) RequestEmailVerification(ctx context.Context, email string) error {
	var verified bool
	err := s.DB.Pool.QueryRow(ctx, `SELECT is_verified FROM users WHERE email=$1`, email).Scan(&verified)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}
	if verified {
		return ErrAlreadyVerified
	}

	token, err := randomToken()
	if err != nil {
		return err
	}
	if _, err := s.DB.Pool.Exec(ctx,
		`UPDATE users SET verification_token=$1, verify_expires=$2 WHERE email=$3`,
		token, time.Now().Add(tokenTTL), email); err != nil {
		return err
	}
	return s.Mailer.SendVerification(ctx, email, token)
}

// Login checks the password and returns a token pair for verified accounts.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, error) {
	var (
		userID, hash string
		verified     bool
	)
	err := s.DB.Pool.QueryRow(ctx,
		`SELECT id, password_hash, is_verified FROM users WHERE email=$1`, email).
		Scan(&userID, &hash, &verified)
	if errors.Is(err, pgx.ErrNoRows) {
		return TokenPair{}, ErrInvalidCredentials
	}
	if err != nil {
		return TokenPair{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return TokenPair{}, ErrInvalidCredentials
	}
	if !verified {
		return TokenPair{}, ErrNotVerified
	}
	return s.Tokens.IssuePair(userID, email)
}

// Refresh exchanges a valid refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	claims, err := s.Tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return "", err
	}
	access, err := s.Tokens.issue(claims.Subject, claims.Email, tokenTypeAccess, s.Tokens.accessTTL)
	if err != nil {
		return "", err
	}
	return access, nil
}

// RequestPasswordReset issues a reset token for an existing account.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	token, err := randomToken()
	if err != nil {
		return err
	}
	tag, err := s.DB.Pool.Exec(ctx,
		`UPDATE users SET reset_token=$1, reset_expires=$2 WHERE email=$3`,
		token, time.Now().Add(tokenTTL), email)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return s.Mailer.SendPasswordReset(ctx, email, token)
}

// ResetPassword consumes a reset token and replaces the password.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	tag, err := s.DB.Pool.Exec(ctx, `
		UPDATE users SET password_hash=$1, reset_token=NULL, reset_expires=NULL
		WHERE reset_token=$2 AND reset_expires > now()
	`, string(hash), token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBadToken
	}
	return nil
}

// GetUser loads a user's profile.
func (s *Service) GetUser(ctx context.Context, userID string) (User, error) {
	var u User
	err := s.DB.Pool.QueryRow(ctx,
		`SELECT id, name, email, role, is_verified, created_at FROM users WHERE id=$1`, userID).
		Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.IsVerified, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
