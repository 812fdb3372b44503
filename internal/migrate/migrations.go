package migrate

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// Migration is one embedded sql/NNN_name.sql file.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

func loadMigrations(fsys fs.FS) ([]Migration, error) {
	files, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, err
	}
	var migrations []Migration
	seen := map[int]string{}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid migration filename %s", f.Name())
		}
		if prev, ok := seen[v]; ok {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, f.Name(), v)
		}
		seen[v] = f.Name()
		data, err := fs.ReadFile(fsys, "sql/"+f.Name())
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{Version: v, Name: f.Name(), UpSQL: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Migrate applies the embedded migrations the database has not seen yet,
// all inside one transaction.
func Migrate(db *sql.DB) error {
	_, err := apply(db, migrationsFS)
	return err
}

// apply returns the migrations it ran.
func apply(db *sql.DB, fsys fs.FS) ([]Migration, error) {
	migrations, err := loadMigrations(fsys)
	if err != nil {
		return nil, err
	}
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations(
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL
);`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	current, err := currentVersion(tx)
	if err != nil {
		return nil, err
	}

	var ran []Migration
	now := time.Now().UTC().Format(time.RFC3339)
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if _, err := tx.Exec(m.UpSQL); err != nil {
			return nil, fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version, name, applied_at) VALUES (?, ?, ?)`, m.Version, m.Name, now); err != nil {
			return nil, fmt.Errorf("record migration %s: %w", m.Name, err)
		}
		ran = append(ran, m)
	}
	return ran, tx.Commit()
}

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

func currentVersion(q queryer) (int, error) {
	var v sql.NullInt64
	err := q.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&v)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Version reports the highest applied migration, 0 for a fresh database.
func Version(db *sql.DB) (int, error) {
	var exists int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'`).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}
	return currentVersion(db)
}
