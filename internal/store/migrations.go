package store

import (
	"fmt"

	"go.uber.org/zap"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	const createMigrationsTableSQL = `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	s.logger.Debug("current schema version", zap.Int("version", currentVersion))

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE jobs (
					id TEXT PRIMARY KEY,
					type TEXT NOT NULL,
					backup_name TEXT NOT NULL,
					status TEXT DEFAULT 'running',
					start_time DATETIME NOT NULL,
					end_time DATETIME
				);

				CREATE TABLE fragments (
					job_id TEXT NOT NULL,
					agent_id TEXT NOT NULL,
					fragment_id TEXT NOT NULL,
					status TEXT NOT NULL,
					attempts INTEGER DEFAULT 0,
					updated_at DATETIME NOT NULL,
					PRIMARY KEY(job_id, agent_id, fragment_id),
					FOREIGN KEY(job_id) REFERENCES jobs(id)
				);
			`,
		},
		{
			version: 2,
			sql: `
				ALTER TABLE jobs ADD COLUMN corrupted BOOLEAN DEFAULT 0;
				ALTER TABLE fragments ADD COLUMN bytes_sent INTEGER DEFAULT 0;
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("running migration", zap.Int("version", mig.version))
			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}
	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}
	return nil
}
