package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"classbridge/api/internal/logger"
)

// migrationLockKey serializes migrations across gateway replicas.
const migrationLockKey = "classbridge_schema_migrations"

var migrationFile = regexp.MustCompile(`^(\d+_[^.]+)\.(up|down)\.sql$`)

type migration struct {
	version string
	up      string
	down    string
}

func discoverMigrations(migrationsDir string) ([]migration, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	byVersion := map[string]*migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		m, ok := byVersion[match[1]]
		if !ok {
			m = &migration{version: match[1]}
			byVersion[match[1]] = m
		}
		path := filepath.Join(migrationsDir, entry.Name())
		if match[2] == "up" {
			m.up = path
		} else {
			m.down = path
		}
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

// ApplyMigrations runs every pending up migration in version order, each in
// its own transaction.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	migrations, err := discoverMigrations(migrationsDir)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		for _, m := range migrations {
			if m.up == "" {
				continue
			}
			migrated, err := isMigrated(ctx, conn, m.version)
			if err != nil {
				return err
			}
			if migrated {
				continue
			}
			if err := runMigration(ctx, conn, m.version, m.up,
				`INSERT INTO schema_migrations(version) VALUES($1)`); err != nil {
				return err
			}
			logger.Log.Info("migration applied", "version", m.version)
		}
		return nil
	})
}

// RollbackMigrations runs the down migration of every applied version, newest
// first.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	migrations, err := discoverMigrations(migrationsDir)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		for i := len(migrations) - 1; i >= 0; i-- {
			m := migrations[i]
			migrated, err := isMigrated(ctx, conn, m.version)
			if err != nil {
				return err
			}
			if !migrated {
				continue
			}
			if m.down == "" {
				return fmt.Errorf("rollback %s: no down migration", m.version)
			}
			if err := runMigration(ctx, conn, m.version, m.down,
				`DELETE FROM schema_migrations WHERE version = $1`); err != nil {
				return err
			}
			logger.Log.Info("migration rolled back", "version", m.version)
		}
		return nil
	})
}

func withMigrationLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, migrationLockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock(hashtext($1))`, migrationLockKey)
	}()

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func runMigration(ctx context.Context, conn *sql.Conn, version, path, record string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if body := strings.TrimSpace(string(contents)); body != "" {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			return fmt.Errorf("execute migration %s: %w", filepath.Base(path), err)
		}
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, conn *sql.Conn, version string) (bool, error) {
	var exists bool
	err := conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
