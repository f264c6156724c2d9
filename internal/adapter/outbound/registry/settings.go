package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mcpfleet/mcpfleet/internal/domain/service"
)

// GetSetting returns the value stored under key. Encrypted values are the
// collaborator's concern; the core receives whatever the store holds.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %s: %w", key, service.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a plaintext value under key with the given category.
func (s *Store) SetSetting(ctx context.Context, key, value, category string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, encrypted, category) VALUES (?, ?, 0, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, category = excluded.category`,
		key, value, category)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
