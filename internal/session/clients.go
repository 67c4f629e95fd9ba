package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wahub-id/wahub/internal/db"
)

type Status string

const (
	// StatusInitializing covers the window between a connect call and the
	// ready event, including QR pairing.
	StatusInitializing Status = "INITIALIZING"
	StatusConnected    Status = "CONNECTED"
	// StatusDisconnected is resumable: session material stays on disk and a
	// later connect can pick it up without re-pairing.
	StatusDisconnected Status = "DISCONNECTED"
	// StatusLogout is terminal: the pairing is gone and the session
	// directory has been removed. Reconnecting starts from a fresh QR.
	StatusLogout Status = "LOGOUT"
)

var ErrClientNotFound = errors.New("client_not_found")

type Client struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Status     Status     `json:"status"`
	LastActive *time.Time `json:"lastActive,omitempty"`
	LastQRCode *string    `json:"lastQrCode,omitempty"`
	Session    *string    `json:"session,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Store persists the 1:1 user→client rows. The row is soft state: it outlives
// the in-memory handle and records the last known lifecycle status.
type Store struct {
	DB *db.DB
}

func NewStore(database *db.DB) *Store { return &Store{DB: database} }

const clientCols = `id, user_id, status, last_active, last_qr_code, session, created_at, updated_at`

func scanClient(row pgx.Row) (Client, error) {
	var c Client
	err := row.Scan(&c.ID, &c.UserID, &c.Status, &c.LastActive, &c.LastQRCode, &c.Session, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Client{}, ErrClientNotFound
	}
	return c, err
}

func (s *Store) FindByUser(ctx context.Context, userID string) (Client, error) {
	return scanClient(s.DB.Pool.QueryRow(ctx,
		`SELECT `+clientCols+` FROM clients WHERE user_id=$1`, userID))
}

// GetOrCreate returns the user's client row, creating it in INITIALIZING on
// first connect.
func (s *Store) GetOrCreate(ctx context.Context, userID string) (Client, error) {
	c, err := s.FindByUser(ctx, userID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrClientNotFound) {
		return Client{}, err
	}
	return scanClient(s.DB.Pool.QueryRow(ctx, `
		INSERT INTO clients(user_id, status, last_active)
		VALUES($1, 'INITIALIZING', now())
		ON CONFLICT (user_id) DO UPDATE SET updated_at = now()
		RETURNING `+clientCols, userID))
}

// Update applies a partial mutation to a client row. Event handlers call this
// best-effort: a failed write is logged by the caller and never blocks the
// lifecycle transition.
type Update struct {
	Status       *Status
	QRCode       *string
	ClearQR      bool
	TouchActive  bool
	Session      *string
	ClearSession bool
}

func (s *Store) Update(ctx context.Context, clientID string, upd Update) error {
	q := `UPDATE clients SET updated_at = now()`
	args := []any{clientID}
	idx := 2

	if upd.Status != nil {
		q += fmt.Sprintf(", status=$%d", idx)
		args = append(args, *upd.Status)
		idx++
	}
	if upd.QRCode != nil {
		q += fmt.Sprintf(", last_qr_code=$%d", idx)
		args = append(args, *upd.QRCode)
		idx++
	} else if upd.ClearQR {
		q += ", last_qr_code=NULL"
	}
	if upd.TouchActive {
		q += ", last_active=now()"
	}
	if upd.Session != nil {
		q += fmt.Sprintf(", session=$%d", idx)
		args = append(args, *upd.Session)
		idx++
	} else if upd.ClearSession {
		q += ", session=NULL"
	}

	tag, err := s.DB.Pool.Exec(ctx, q+` WHERE id=$1`, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClientNotFound
	}
	return nil
}
