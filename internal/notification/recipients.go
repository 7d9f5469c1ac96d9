package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRecipients reads email addresses from the contacts table.
type PgRecipients struct {
	pool *pgxpool.Pool
}

func NewPgRecipients(pool *pgxpool.Pool) *PgRecipients {
	return &PgRecipients{pool: pool}
}

func (r *PgRecipients) Email(ctx context.Context, userID string) (string, error) {
	var email *string
	err := r.pool.QueryRow(ctx, `SELECT email FROM contacts WHERE user_id = $1`, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && (email == nil || *email == "")) {
		return "", ErrNoAddress
	}
	if err != nil {
		return "", fmt.Errorf("query contact %s: %w", userID, err)
	}
	return *email, nil
}

// StaticRecipients is a fixed address book.
type StaticRecipients map[string]string

func (s StaticRecipients) Email(_ context.Context, userID string) (string, error) {
	if addr, ok := s[userID]; ok && addr != "" {
		return addr, nil
	}
	return "", ErrNoAddress
}
