package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/wahub-id/wahub/internal/auth"
	database "github.com/wahub-id/wahub/internal/db"
	"github.com/wahub-id/wahub/internal/quota"
)

type captureMailer struct {
	mu           sync.Mutex
	verification map[string]string // email -> token
	reset        map[string]string
}

func newCaptureMailer() *captureMailer {
	return &captureMailer{verification: map[string]string{}, reset: map[string]string{}}
}

func (m *captureMailer) SendVerification(ctx context.Context, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verification[email] = token
	return nil
}

func (m *captureMailer) SendPasswordReset(ctx context.Context, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset[email] = token
	return nil
}

func (m *captureMailer) verificationToken(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verification[email]
}

func (m *captureMailer) resetToken(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reset[email]
}

func newService(t *testing.T) (*auth.Service, *captureMailer, *quota.Ledger) {
	pg := database.StartTestPostgres(t)
	ledger := quota.NewLedger(pg)
	mailer := newCaptureMailer()
	svc := &auth.Service{
		DB:     pg,
		Ledger: ledger,
		Tokens: auth.NewTokenManager("test-secret", time.Minute, time.Hour),
		Mailer: mailer,
		Grant:  25,
		Log:    logrus.New(),
	}
	return svc, mailer, ledger
}

func TestRegisterVerifyLoginFlow(t *testing.T) {
	svc, mailer, ledger := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "acme", "a@test.dev", "s3cret"))

	// Unverified accounts cannot log in.
	_, err := svc.Login(ctx, "a@test.dev", "s3cret")
	require.ErrorIs(t, err, auth.ErrNotVerified)

	token := mailer.verificationToken("a@test.dev")
	require.NotEmpty(t, token)
	require.NoError(t, svc.VerifyEmail(ctx, token))

	pair, err := svc.Login(ctx, "a@test.dev", "s3cret")
	require.NoError(t, err)
	claims, err := svc.Tokens.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)

	// Verification seeds the starter grant.
	b, err := ledger.GetBalance(ctx, claims.Subject)
	require.NoError(t, err)
	require.Equal(t, 25, b.Balance)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "acme", "a@test.dev", "s3cret"))
	require.ErrorIs(t, svc.Register(ctx, "acme", "a@test.dev", "other"), auth.ErrEmailTaken)
}

func TestLoginWrongPassword(t *testing.T) {
	svc, mailer, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "acme", "a@test.dev", "s3cret"))
	require.NoError(t, svc.VerifyEmail(ctx, mailer.verificationToken("a@test.dev")))

	_, err := svc.Login(ctx, "a@test.dev", "wrong")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody@test.dev", "wrong")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestVerifyEmailTokenSingleUse(t *testing.T) {
	svc, mailer, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "acme", "a@test.dev", "s3cret"))
	token := mailer.verificationToken("a@test.dev")

	require.NoError(t, svc.VerifyEmail(ctx, token))
	require.ErrorIs(t, svc.VerifyEmail(ctx, token), auth.ErrBadToken)
	require.ErrorIs(t, svc.VerifyEmail(ctx, "bogus"), auth.ErrBadToken)
}

func TestRequestEmailVerificationReissuesToken(t *testing.T) {
	svc, mailer, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "acme", "a@test.dev", "s3cret"))
	first := mailer.verificationToken("a@test.dev")

	require.NoError(t, svc.RequestEmailVerification(ctx, "a@test.dev"))
	second := mailer.verificationToken("a@test.dev")
	require.NotEqual(t, first, second)

	// Old token is dead, new one works.
	require.ErrorIs(t, svc.VerifyEmail(ctx, first), auth.ErrBadToken)
	require.NoError(t, svc.VerifyEmail(ctx, second))

	require.ErrorIs(t, svc.RequestEmailVerification(ctx, "a@test.dev"), auth.ErrAlreadyVerified)
	require.ErrorIs(t, svc.RequestEmailVerification(ctx, "nobody@test.dev"), auth.ErrUserNotFound)
}

func TestRefreshIssuesNewAccessToken(t *testing.T) {
	svc, mailer, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "acme", "a@test.dev", "s3cret"))
	require.NoError(t, svc.VerifyEmail(ctx, mailer.verificationToken("a@test.dev")))
	pair, err := svc.Login(ctx, "a@test.dev", "s3cret")
	require.NoError(t, err)

	access, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	claims, err := svc.Tokens.VerifyAccess(access)
	require.NoError(t, err)
	require.Equal(t, "a@test.dev", claims.Email)

	_, err = svc.Refresh(ctx, pair.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestPasswordResetFlow(t *testing.T) {
	svc, mailer, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "acme", "a@test.dev", "s3cret"))
	require.NoError(t, svc.VerifyEmail(ctx, mailer.verificationToken("a@test.dev")))

	require.ErrorIs(t, svc.RequestPasswordReset(ctx, "nobody@test.dev"), auth.ErrUserNotFound)
	require.NoError(t, svc.RequestPasswordReset(ctx, "a@test.dev"))

	token := mailer.resetToken("a@test.dev")
	require.NotEmpty(t, token)
	require.NoError(t, svc.ResetPassword(ctx, token, "n3w-pass"))
	require.ErrorIs(t, svc.ResetPassword(ctx, token, "again"), auth.ErrBadToken)

	_, err := svc.Login(ctx, "a@test.dev", "s3cret")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = svc.Login(ctx, "a@test.dev", "n3w-pass")
	require.NoError(t, err)
}
