package database

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/sentinel/internal/apperr"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type migration struct {
	version  int
	name     string
	sql      string
	checksum string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	migs := make([]migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseMigrationFilename(entry.Name())
		if err != nil {
			return nil, err
		}

		content, err := migrationFiles.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		sum := sha256.Sum256(content)
		migs = append(migs, migration{
			version:  version,
			name:     name,
			sql:      string(content),
			checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	return migs, nil
}

func parseMigrationFilename(filename string) (int, string, error) {
	base := strings.TrimSuffix(filename, ".sql")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("migration filename %q must be <version>_<name>.sql", filename)
	}
	version, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("migration filename %q has a non-numeric version: %w", filename, err)
	}
	return version, parts[1], nil
}

const migrationsTableDDL = `
CREATE TABLE IF NOT EXISTS _migrations (
	version     INTEGER PRIMARY KEY,
	name        TEXT NOT NULL,
	checksum    TEXT NOT NULL,
	applied_at  TEXT NOT NULL
);`

// Migrate applies every embedded migration not yet recorded in _migrations,
// in ascending version order, each inside its own transaction. Before the
// first pending migration runs, a "pre_migration" backup is taken. A
// migration already recorded with a mismatched checksum aborts the whole run
// with a DATABASE_ERROR-flavoured apperr — the on-disk schema history must
// never silently diverge from the embedded migration set.
func (db *DB) Migrate() error {
	if _, err := db.conn.Exec(migrationsTableDDL); err != nil {
		return apperr.Wrap(apperr.KindDatabase, "failed to create migrations table", err)
	}

	migs, err := loadMigrations()
	if err != nil {
		return apperr.Wrap(apperr.KindDatabase, "failed to load migrations", err)
	}

	applied := map[int]string{}
	rows, err := db.conn.Query("SELECT version, checksum FROM _migrations")
	if err != nil {
		return apperr.Wrap(apperr.KindDatabase, "failed to read migration history", err)
	}
	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			rows.Close()
			return apperr.Wrap(apperr.KindDatabase, "failed to scan migration history", err)
		}
		applied[version] = checksum
	}
	rows.Close()

	var pending []migration
	for _, m := range migs {
		if checksum, ok := applied[m.version]; ok {
			if checksum != m.checksum {
				return apperr.New(apperr.KindDatabase, fmt.Sprintf(
					"migration %d (%s) checksum mismatch: schema history has diverged from the embedded migration",
					m.version, m.name))
			}
			continue
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	if _, err := db.Backup("pre_migration"); err != nil {
		return apperr.Wrap(apperr.KindDatabase, "pre-migration backup failed", err)
	}

	for _, m := range pending {
		if err := db.applyMigration(m); err != nil {
			return apperr.Wrap(apperr.KindDatabase, fmt.Sprintf("migration %d (%s) failed", m.version, m.name), err)
		}
	}

	return nil
}

func (db *DB) applyMigration(m migration) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	if _, err := tx.Exec(m.sql); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO _migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)",
		m.version, m.name, m.checksum, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
