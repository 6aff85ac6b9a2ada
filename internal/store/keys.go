package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/browserd/browserd/internal/model"
)

// GetAPIKey resolves a key by its secret value. Inactive and expired keys
// resolve to ErrUnauthorized.
func (s *Store) GetAPIKey(keyValue string) (*model.APIKey, error) {
	row := s.db.QueryRow(`
		SELECT id, key_value, name, created_at, last_used, is_active,
			rate_limit_per_minute, total_requests, scopes, expires_at,
			COALESCE(webhook_url, ''), COALESCE(notes, '')
		FROM api_keys WHERE key_value = ?`, keyValue)

	var k model.APIKey
	var lastUsed, expiresAt sql.NullTime
	err := row.Scan(&k.ID, &k.KeyValue, &k.Name, &k.CreatedAt, &lastUsed, &k.IsActive,
		&k.RateLimitPerMinute, &k.TotalRequests, &k.Scopes, &expiresAt,
		&k.WebhookURL, &k.Notes)
	if err == sql.ErrNoRows {
		return nil, model.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("resolving api key: %w", err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsed = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		k.ExpiresAt = &t
	}
	if !k.IsActive {
		return nil, model.ErrUnauthorized
	}
	if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) {
		return nil, model.ErrUnauthorized
	}
	return &k, nil
}

// TouchAPIKey bumps usage counters for a resolved key.
func (s *Store) TouchAPIKey(id int64) error {
	_, err := s.db.Exec(`
		UPDATE api_keys SET last_used = ?, total_requests = total_requests + 1
		WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touching api key %d: %w", id, err)
	}
	return nil
}

// CreateAPIKey inserts a new key and returns its id.
func (s *Store) CreateAPIKey(keyValue, name, scopes string, rateLimit int) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO api_keys (key_value, name, created_at, scopes, rate_limit_per_minute)
		VALUES (?, ?, ?, ?, ?)`,
		keyValue, name, time.Now().UTC(), scopes, rateLimit)
	if err != nil {
		return 0, fmt.Errorf("creating api key %q: %w", name, err)
	}
	return res.LastInsertId()
}

// EnsureAdminKey makes sure the configured admin key exists with the admin
// scope. Idempotent; called once at startup.
func (s *Store) EnsureAdminKey(keyValue string) (int64, error) {
	if k, err := s.GetAPIKey(keyValue); err == nil {
		return k.ID, nil
	}
	id, err := s.CreateAPIKey(keyValue, "admin", "admin", 600)
	if err != nil {
		return 0, fmt.Errorf("bootstrapping admin key: %w", err)
	}
	return id, nil
}
