package store

import (
	"fmt"
	"strings"
)

// dialect holds the few DDL fragments that differ between backends.
type dialect struct {
	text      string // unbounded text
	shortText string // indexed text (mysql needs a length for index columns)
	boolean   string
	timestamp string
}

func (s *Store) dialect() dialect {
	switch s.driver {
	case "postgres":
		return dialect{text: "TEXT", shortText: "TEXT", boolean: "BOOLEAN", timestamp: "TIMESTAMPTZ"}
	case "mysql":
		return dialect{text: "TEXT", shortText: "VARCHAR(191)", boolean: "BOOLEAN", timestamp: "DATETIME(6)"}
	default:
		return dialect{text: "TEXT", shortText: "TEXT", boolean: "BOOLEAN", timestamp: "TIMESTAMP"}
	}
}

func (s *Store) migrate() error {
	d := s.dialect()

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS admins (
			id {SHORT} PRIMARY KEY,
			email {SHORT} UNIQUE NOT NULL,
			password_hash {TEXT} NOT NULL,
			name {TEXT} NOT NULL,
			is_active {BOOL} NOT NULL,
			last_login_at {TS} NULL,
			created_at {TS} NOT NULL,
			updated_at {TS} NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id {SHORT} PRIMARY KEY,
			owner_id {SHORT} NOT NULL,
			name {TEXT} NOT NULL,
			hashed_secret {SHORT} UNIQUE NOT NULL,
			prefix {SHORT} NOT NULL,
			key_start {SHORT} NOT NULL,
			enabled {BOOL} NOT NULL,
			expires_at {TS} NULL,
			permissions_json {TEXT} NOT NULL,
			rate_limit_enabled {BOOL} NOT NULL,
			rate_limit_max BIGINT NOT NULL,
			rate_limit_window_ms BIGINT NOT NULL,
			request_count BIGINT NOT NULL,
			last_request {TS} NULL,
			remaining BIGINT NULL,
			refill_amount BIGINT NOT NULL,
			refill_interval_ms BIGINT NOT NULL,
			last_refill_at {TS} NULL,
			metadata_json {TEXT} NOT NULL,
			created_at {TS} NOT NULL,
			updated_at {TS} NOT NULL
		)`,

		// Candidate lookup narrows by the non-secret start prefix.
		`CREATE INDEX IF NOT EXISTS idx_api_keys_start ON api_keys (key_start)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys (owner_id)`,
	}

	replacer := strings.NewReplacer(
		"{TEXT}", d.text,
		"{SHORT}", d.shortText,
		"{BOOL}", d.boolean,
		"{TS}", d.timestamp,
	)

	for _, m := range migrations {
		q := replacer.Replace(m)
		if _, err := s.db.Exec(q); err != nil {
			// MySQL predates CREATE INDEX IF NOT EXISTS; a duplicate index
			// on re-migration is a no-op.
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, q)
		}
	}
	return nil
}
