package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

// migration represents a single schema migration step.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations.
// Each migration is applied exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: agents, knowledge_entries, clients, turns, replies",
		SQL: `
		CREATE TABLE IF NOT EXISTS agents (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			name          TEXT NOT NULL,
			model         TEXT DEFAULT '',
			system_prompt TEXT DEFAULT '',
			temperature   REAL DEFAULT 0,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS knowledge_entries (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id    INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			brief       TEXT NOT NULL,
			question    TEXT DEFAULT '',
			embedding   TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_knowledge_agent ON knowledge_entries(agent_id);

		CREATE TABLE IF NOT EXISTS clients (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			jid         TEXT NOT NULL UNIQUE,
			name        TEXT DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS turns (
			id          TEXT PRIMARY KEY,
			client_id   INTEGER NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
			agent_id    INTEGER NOT NULL,
			kind        TEXT NOT NULL DEFAULT 'text',
			content     TEXT NOT NULL,
			media_url   TEXT DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_turns_client ON turns(client_id, created_at);

		CREATE TABLE IF NOT EXISTS replies (
			turn_id     TEXT PRIMARY KEY REFERENCES turns(id) ON DELETE CASCADE,
			content     TEXT NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		`,
	},
	{
		Version:     2,
		Description: "v2: per-agent nucleus sampling and repetition penalties",
		SQL: `
		ALTER TABLE agents ADD COLUMN top_p REAL DEFAULT 0;
		ALTER TABLE agents ADD COLUMN frequency_penalty REAL DEFAULT 0;
		ALTER TABLE agents ADD COLUMN presence_penalty REAL DEFAULT 0;
		`,
	},
}

// RunMigrations applies all pending schema migrations.
// It uses a schema_version table to track which migrations have been applied.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion := 0
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration",
			"version", m.Version,
			"description", m.Description,
		)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			// ALTER TABLE ADD COLUMN fails when the column already exists,
			// which happens on upgrades from a pre-versioned database.
			// Re-try each statement individually.
			logger.Warn("migration SQL partially failed (may be expected for upgrades)",
				"version", m.Version,
				"err", err,
			)
			if err := applyMigrationStatements(db, m, logger); err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec(
				"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
				m.Version, m.Description,
			); err != nil {
				tx.Rollback()
				return fmt.Errorf("record migration v%d: %w", m.Version, err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit migration v%d: %w", m.Version, err)
			}
		}

		logger.Info("migration applied", "version", m.Version)
	}

	return nil
}

// applyMigrationStatements applies each SQL statement individually, ignoring
// "duplicate column" or "table already exists" errors for idempotency.
func applyMigrationStatements(db *sql.DB, m migration, logger *slog.Logger) error {
	for _, stmt := range strings.Split(m.SQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			errStr := strings.ToLower(err.Error())
			if strings.Contains(errStr, "duplicate column") ||
				strings.Contains(errStr, "already exists") {
				logger.Debug("migration statement skipped (already applied)", "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}

	if _, err := db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err != nil {
		return 0, nil // table doesn't exist => version 0
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
