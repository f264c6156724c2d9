package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcpfleet/mcpfleet/internal/domain/service"
)

const (
	// keyPrefix marks generated management keys so operators can recognise
	// them in configuration and logs.
	keyPrefix = "mf_"

	// keyRandomBytes is the entropy of a generated key (32 hex characters).
	keyRandomBytes = 16
)

// APIKey is an issued management key. The secret itself is never stored;
// only its SHA-256 hash survives issuance.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Hash      string     `json:"-"`
	Active    bool       `json:"active"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// HashKey returns the hex-encoded SHA-256 digest of a plaintext key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// IssueKey generates a new API key, stores its hash, and returns the
// plaintext exactly once. Key format: mf_ + 32 random hex characters.
func (s *Store) IssueKey(ctx context.Context, name string) (plaintext string, key *APIKey, err error) {
	b := make([]byte, keyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	plaintext = keyPrefix + hex.EncodeToString(b)

	key = &APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		Hash:      HashKey(plaintext),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, hash, active, created_at) VALUES (?, ?, ?, 1, ?)`,
		key.ID, key.Name, key.Hash, key.CreatedAt)
	if err != nil {
		return "", nil, fmt.Errorf("store api key: %w", err)
	}
	return plaintext, key, nil
}

// VerifyKey looks up an active key by the hash of the presented plaintext
// and touches its last-used timestamp. Returns service.ErrUnauthorized for
// unknown or inactive keys.
func (s *Store) VerifyKey(ctx context.Context, plaintext string) (*APIKey, error) {
	hash := HashKey(plaintext)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, hash, active, last_used, created_at FROM api_keys WHERE hash = ?`, hash)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, service.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("verify api key: %w", err)
	}
	// Defense in depth: the SELECT already matched on hash.
	if subtle.ConstantTimeCompare([]byte(key.Hash), []byte(hash)) != 1 || !key.Active {
		return nil, service.ErrUnauthorized
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used = ? WHERE id = ?`, now, key.ID); err != nil {
		s.logger.Warn("failed to update api key last_used", "id", key.ID, "error", err)
	}
	key.LastUsed = &now
	return key, nil
}

// ListKeys returns all issued keys, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, hash, active, last_used, created_at FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("list api keys: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeKey deactivates a key without deleting its audit trail.
func (s *Store) RevokeKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke api key %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("api key %s: %w", id, service.ErrNotFound)
	}
	return nil
}

// HasActiveKeys reports whether any active key exists. Used to decide
// whether initial-setup mode may bypass authentication.
func (s *Store) HasActiveKeys(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys WHERE active = 1`).Scan(&n); err != nil {
		return false, fmt.Errorf("count api keys: %w", err)
	}
	return n > 0, nil
}

func scanKey(row rowScanner) (*APIKey, error) {
	var (
		key      APIKey
		active   int
		lastUsed sql.NullTime
	)
	if err := row.Scan(&key.ID, &key.Name, &key.Hash, &active, &lastUsed, &key.CreatedAt); err != nil {
		return nil, err
	}
	key.Active = active != 0
	if lastUsed.Valid {
		t := lastUsed.Time
		key.LastUsed = &t
	}
	return &key, nil
}
