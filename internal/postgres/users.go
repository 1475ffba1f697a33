package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mathgame-leaderboard/internal/domain"
)

// Exists checks if an account exists
func (r *Repository) Exists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking user existence: %w", err)
	}
	return exists, nil
}

// LookupMany returns the accounts among userIDs that still exist
func (r *Repository) LookupMany(ctx context.Context, userIDs []string) (map[string]domain.UserAccount, error) {
	out := make(map[string]domain.UserAccount, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id::text, username, COALESCE(avatar_url, '') FROM users WHERE id = ANY($1::uuid[])`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("looking up users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarURL); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading users: %w", err)
	}
	return out, nil
}

// UpsertUsers inserts or refreshes accounts in one batch
func (r *Repository) UpsertUsers(ctx context.Context, users []domain.UserAccount) error {
	if len(users) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO users (id, username, avatar_url)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (id)
		DO UPDATE SET username = $2, avatar_url = NULLIF($3, '')
	`
	for _, u := range users {
		batch.Queue(query, u.ID, u.Username, u.AvatarURL)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range users {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch upserting users: %w", err)
		}
	}
	return nil
}

// DeleteUser removes an account; its aggregate goes with it
func (r *Repository) DeleteUser(ctx context.Context, userID string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrInvalidUser
	}
	return nil
}
