package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wahub-id/wahub/internal/auth"
)

func TestIssueAndVerifyPair(t *testing.T) {
	tm := auth.NewTokenManager("test-secret", time.Minute, time.Hour)

	pair, err := tm.IssuePair("user-1", "a@test.dev")
	require.NoError(t, err)
	require.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	claims, err := tm.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "a@test.dev", claims.Email)

	claims, err = tm.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
}

func TestTokenTypesAreNotInterchangeable(t *testing.T) {
	tm := auth.NewTokenManager("test-secret", time.Minute, time.Hour)
	pair, err := tm.IssuePair("user-1", "a@test.dev")
	require.NoError(t, err)

	_, err = tm.VerifyAccess(pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = tm.VerifyRefresh(pair.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestExpiredTokenRejected(t *testing.T) {
	tm := auth.NewTokenManager("test-secret", -time.Minute, time.Hour)
	pair, err := tm.IssuePair("user-1", "a@test.dev")
	require.NoError(t, err)

	_, err = tm.VerifyAccess(pair.AccessToken)
	require.ErrorIs(t, err, auth.ErrExpiredToken)
}

func TestWrongSecretRejected(t *testing.T) {
	tm := auth.NewTokenManager("test-secret", time.Minute, time.Hour)
	other := auth.NewTokenManager("other-secret", time.Minute, time.Hour)

	pair, err := tm.IssuePair("user-1", "a@test.dev")
	require.NoError(t, err)

	_, err = other.VerifyAccess(pair.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}
