package store

import (
	"context"
	"fmt"
)

func (s *SQLStore) migrations() []string {
	// MySQL has no CREATE INDEX IF NOT EXISTS, so its indexes are declared
	// inline with the table.
	if s.dialect == DialectMySQL {
		return []string{
			`CREATE TABLE IF NOT EXISTS api_keys (
				key_hash VARCHAR(64) NOT NULL PRIMARY KEY,
				key_prefix VARCHAR(32) NOT NULL,
				user_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				permissions TEXT NOT NULL,
				ip_whitelist TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				expires_at BIGINT NULL,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				last_used_at BIGINT NULL,
				usage_count BIGINT NOT NULL DEFAULT 0,
				INDEX idx_api_keys_user_id (user_id)
			)`,
			`CREATE TABLE IF NOT EXISTS api_usage_log (
				id VARCHAR(36) NOT NULL PRIMARY KEY,
				key_hash VARCHAR(64) NOT NULL,
				client_ip VARCHAR(64) NOT NULL DEFAULT '',
				endpoint VARCHAR(255) NOT NULL DEFAULT '',
				ts BIGINT NOT NULL,
				response_code INTEGER NOT NULL,
				INDEX idx_usage_key_ts (key_hash, ts)
			)`,
			`CREATE TABLE IF NOT EXISTS classifications (
				id VARCHAR(36) NOT NULL PRIMARY KEY,
				user_id VARCHAR(255) NOT NULL,
				key_hash VARCHAR(64) NOT NULL,
				image_name VARCHAR(255) NOT NULL DEFAULT '',
				content_type VARCHAR(128) NOT NULL DEFAULT '',
				predictions TEXT NOT NULL,
				model VARCHAR(255) NOT NULL DEFAULT '',
				processing_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL,
				INDEX idx_classifications_user (user_id, created_at)
			)`,
		}
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_hash VARCHAR(64) NOT NULL PRIMARY KEY,
			key_prefix VARCHAR(32) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			permissions TEXT NOT NULL DEFAULT '',
			ip_whitelist TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			expires_at BIGINT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_used_at BIGINT,
			usage_count BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id)`,

		`CREATE TABLE IF NOT EXISTS api_usage_log (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			key_hash VARCHAR(64) NOT NULL,
			client_ip VARCHAR(64) NOT NULL DEFAULT '',
			endpoint VARCHAR(255) NOT NULL DEFAULT '',
			ts BIGINT NOT NULL,
			response_code INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_key_ts ON api_usage_log(key_hash, ts)`,

		`CREATE TABLE IF NOT EXISTS classifications (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			key_hash VARCHAR(64) NOT NULL,
			image_name VARCHAR(255) NOT NULL DEFAULT '',
			content_type VARCHAR(128) NOT NULL DEFAULT '',
			predictions TEXT NOT NULL DEFAULT '[]',
			model VARCHAR(255) NOT NULL DEFAULT '',
			processing_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_classifications_user ON classifications(user_id, created_at)`,
	}
}

// Migrate creates the schema if it does not exist. It is idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, m := range s.migrations() {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
