package auth

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Mailer delivers account emails. The default implementation just logs the
// links; wire an SMTP or API backend for production.
type Mailer interface {
	SendVerification(ctx context.Context, email, token string) error
	SendPasswordReset(ctx context.Context, email, token string) error
}

type LogMailer struct {
	Log *logrus.Logger
}

func (m *LogMailer) SendVerification(ctx context.Context, email, token string) error {
	m.Log.WithFields(logrus.Fields{"email": email, "token": token}).Info("verification email")
	return nil
}

func (m *LogMailer) SendPasswordReset(ctx context.Context, email, token string) error {
	m.Log.WithFields(logrus.Fields{"email": email, "token": token}).Info("password reset email")
	return nil
}
