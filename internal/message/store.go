package message

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
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

var ErrNotFound = errors.New("message_not_found")

type Message struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId"`
	Number    string    `json:"number"`
	Content   string    `json:"content"`
	MediaURL  *string   `json:"mediaUrl,omitempty"`
	Status    Status    `json:"status"`
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists outbound message records. Records are the audit trail: the
// dispatch engine writes each one exactly one terminal status and nothing
// ever deletes them.
type Store struct {
	DB *db.DB
}

func NewStore(database *db.DB) *Store { return &Store{DB: database} }

// CreateBatch inserts one PENDING record per recipient in a single
// transaction. Numbers are normalized on the way in.
func (s *Store) CreateBatch(ctx context.Context, clientID string, numbers []string, content string, mediaURL *string) ([]Message, error) {
	if len(numbers) == 0 {
		return nil, fmt.Errorf("empty recipient list")
	}

	out := make([]Message, 0, len(numbers))
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		for _, number := range numbers {
			m := Message{
				ClientID: clientID,
				Number:   NormalizePhone(number),
				Content:  content,
				MediaURL: mediaURL,
				Status:   StatusPending,
			}
			err := tx.QueryRow(ctx, `
				INSERT INTO messages(client_id, number, content, media_url, status)
				VALUES($1,$2,$3,$4,'PENDING')
				RETURNING id, created_at
			`, clientID, m.Number, content, mediaURL).Scan(&m.ID, &m.CreatedAt)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateStatus writes the terminal outcome for one record. Safe against
// double invocation: last write wins.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, reason string) error {
	var errVal *string
	if reason != "" {
		errVal = &reason
	}
	tag, err := s.DB.Pool.Exec(ctx,
		`UPDATE messages SET status=$2, error=$3 WHERE id=$1`, id, status, errVal)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a page of a client's messages, newest first, with the total
// count for pagination.
func (s *Store) List(ctx context.Context, clientID string, status *Status, page, limit int) ([]Message, int, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	q := `SELECT id, client_id, number, content, media_url, status, error, created_at
	      FROM messages WHERE client_id=$1`
	cq := `SELECT COUNT(*) FROM messages WHERE client_id=$1`
	args := []any{clientID}
	if status != nil {
		q += ` AND status=$2`
		cq += ` AND status=$2`
		args = append(args, *status)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, (page-1)*limit)

	var total int
	if err := s.DB.Pool.QueryRow(ctx, cq, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.DB.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ClientID, &m.Number, &m.Content, &m.MediaURL, &m.Status, &m.Error, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// Get fetches one message, scoped to the owning user.
func (s *Store) Get(ctx context.Context, id, userID string) (Message, error) {
	var m Message
	err := s.DB.Pool.QueryRow(ctx, `
		SELECT m.id, m.client_id, m.number, m.content, m.media_url, m.status, m.error, m.created_at
		FROM messages m
		JOIN clients c ON c.id = m.client_id
		WHERE m.id=$1 AND c.user_id=$2
	`, id, userID).Scan(&m.ID, &m.ClientID, &m.Number, &m.Content, &m.MediaURL, &m.Status, &m.Error, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}
