package security

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Store defines the persistence interface for gateway state.
type Store interface {
	InsertKey(ctx context.Context, key Key) error
	RetireKey(ctx context.Context, keyID string, at time.Time) error
	ListKeys(ctx context.Context) ([]Key, error)
	IsDenied(ctx context.Context, fingerprint string) (bool, error)
	AddDenial(ctx context.Context, fingerprint, reason string) error
	RecordToken(ctx context.Context, tokenID, serviceName string, scopes []string, issuedAt, expiresAt time.Time) error
}

// SQLiteStore implements Store over the gateway SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewStore creates a SQLite-backed gateway store.
func NewStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// InsertKey persists a new encryption key.
func (s *SQLiteStore) InsertKey(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO encryption_keys (key_id, key, created_at) VALUES (?, ?, ?)`,
		key.ID, key.Material, key.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting key: %w", err)
	}
	return nil
}

// RetireKey marks a key retired at the given time. Retired keys decrypt until
// their grace period lapses.
func (s *SQLiteStore) RetireKey(ctx context.Context, keyID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE encryption_keys SET retired_at = ? WHERE key_id = ? AND retired_at IS NULL`,
		at.UTC().Format(time.RFC3339), keyID,
	)
	if err != nil {
		return fmt.Errorf("retiring key %s: %w", keyID, err)
	}
	return nil
}

// ListKeys returns all keys, newest first.
func (s *SQLiteStore) ListKeys(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key_id, key, created_at, retired_at FROM encryption_keys ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		var createdAt string
		var retiredAt sql.NullString
		if err := rows.Scan(&k.ID, &k.Material, &createdAt, &retiredAt); err != nil {
			return nil, fmt.Errorf("scanning key row: %w", err)
		}
		k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
		if retiredAt.Valid {
			k.RetiredAt, _ = time.Parse(time.RFC3339, retiredAt.String) //nolint:errcheck // format is controlled
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// IsDenied reports whether a certificate fingerprint is denylisted.
func (s *SQLiteStore) IsDenied(ctx context.Context, fingerprint string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cert_denylist WHERE fingerprint = ?`, fingerprint,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking denylist: %w", err)
	}
	return count > 0, nil
}

// AddDenial puts a certificate fingerprint on the denylist.
func (s *SQLiteStore) AddDenial(ctx context.Context, fingerprint, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cert_denylist (fingerprint, reason, added_at) VALUES (?, ?, ?)`,
		fingerprint, reason, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("adding denial: %w", err)
	}
	return nil
}

// RecordToken appends an issued-token audit row. Raw tokens are never stored.
func (s *SQLiteStore) RecordToken(ctx context.Context, tokenID, serviceName string, scopes []string, issuedAt, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issued_tokens (token_id, service_name, scopes, issued_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		tokenID, serviceName, strings.Join(scopes, " "),
		issuedAt.UTC().Format(time.RFC3339), expiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording token: %w", err)
	}
	return nil
}
