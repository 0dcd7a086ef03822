// Package migrate brings a world database up to the current schema. The
// SQL files under sql/ are embedded into the binary so a fresh workspace
// needs nothing beyond the executable.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Migration is one embedded schema step. The numeric filename prefix is the
// version; steps apply in version order.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

func loadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	var steps []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		body, err := schemaFS.ReadFile("sql/" + entry.Name())
		if err != nil {
			return nil, err
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return nil, fmt.Errorf("migration %s: filename needs a numeric version prefix: %w", entry.Name(), err)
		}
		steps = append(steps, Migration{
			Version: version,
			Name:    entry.Name(),
			UpSQL:   string(body),
		})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	return steps, nil
}

// Migrate applies every step newer than the recorded schema version. All
// steps share one transaction, so a failed migration leaves the database at
// the version it started from.
func Migrate(db *sql.DB) error {
	steps, err := loadMigrations()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		current = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, step := range steps {
		if step.Version <= current {
			continue
		}
		if _, err := tx.Exec(step.UpSQL); err != nil {
			return fmt.Errorf("apply %s: %w", step.Name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, step.Version); err != nil {
			return fmt.Errorf("record version %d: %w", step.Version, err)
		}
		current = step.Version
	}
	return tx.Commit()
}
