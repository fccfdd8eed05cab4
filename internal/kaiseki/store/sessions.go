package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Session is one row of the session registry. The registry is metadata
// only; session state itself lives in per-session JSON files whose path is
// recorded in StatePath.
type Session struct {
	Key            string
	DescriptorHash uint64
	Status         string
	StatePath      string
	LastUsedAt     sql.NullTime
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertSession inserts or refreshes the registry row for a session. The
// descriptor hash is stored in SQLite's signed INTEGER column; the cast is
// reversed on read.
func (s *Store) UpsertSession(ctx context.Context, key string, descriptorHash uint64, status, statePath string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, descriptor_hash, status, state_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			descriptor_hash = excluded.descriptor_hash,
			status = excluded.status,
			state_path = excluded.state_path,
			updated_at = excluded.updated_at
	`, key, int64(descriptorHash), status, statePath, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", key, err)
	}
	return nil
}

// TouchSession records the last time a session operation completed.
func (s *Store) TouchSession(ctx context.Context, key string, lastUsed time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_used_at = ?, updated_at = ? WHERE key = ?
	`, lastUsed, time.Now(), key)
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", key, err)
	}
	return nil
}

// UpdateSessionStatus sets the lifecycle status of a session row.
func (s *Store) UpdateSessionStatus(ctx context.Context, key, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ? WHERE key = ?
	`, status, time.Now(), key)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check session update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session not found: %s", key)
	}
	return nil
}

// DeleteSession removes a session row. Deleting an unknown key is not an
// error; teardown paths call this unconditionally.
func (s *Store) DeleteSession(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}

// GetSession retrieves a session row by key
func (s *Store) GetSession(ctx context.Context, key string) (*Session, error) {
	sess := &Session{}
	var hash int64
	err := s.db.QueryRowContext(ctx, `
		SELECT key, descriptor_hash, status, state_path, last_used_at, created_at, updated_at
		FROM sessions
		WHERE key = ?
	`, key).Scan(
		&sess.Key, &hash, &sess.Status, &sess.StatePath,
		&sess.LastUsedAt, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	sess.DescriptorHash = uint64(hash)
	return sess, nil
}

// ListSessions returns all session rows, most recently updated first
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, descriptor_hash, status, state_path, last_used_at, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		var hash int64
		if err := rows.Scan(
			&sess.Key, &hash, &sess.Status, &sess.StatePath,
			&sess.LastUsedAt, &sess.CreatedAt, &sess.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.DescriptorHash = uint64(hash)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SessionCount returns the number of tracked sessions
func (s *Store) SessionCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}
