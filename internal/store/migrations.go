package store

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/rendis/replaykit/pkg/schema"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migration is one versioned script, named NNN_name.sql.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// loadMigrations reads every script in fsys/dir ordered by version.
func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read migrations: %v", err).WithCause(err)
	}
	var out []migration
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".sql")
		num, name, ok := strings.Cut(base, "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil || version <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "migration %q is not named NNN_name.sql", e.Name())
		}
		if prev, dup := seen[version]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "migrations %q and %q share version %d", prev, e.Name(), version)
		}
		seen[version] = e.Name()
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "read migration %s: %v", e.Name(), err).WithCause(err)
		}
		out = append(out, migration{Version: version, Name: name, SQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// runMigrations applies, each in its own transaction, the scripts newer than
// the version recorded in schema_version.
func runMigrations(ctx context.Context, db *sql.DB, migrations []migration) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return storeErr("create schema_version", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return storeErr("read schema_version", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin migration "+strconv.Itoa(m.Version), err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, ignoreDone(tx.Rollback()))
		}
	}()
	for _, stmt := range splitStatements(m.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storeErr("migration "+strconv.Itoa(m.Version)+" ("+m.Name+")", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		return storeErr("record migration "+strconv.Itoa(m.Version), err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit migration "+strconv.Itoa(m.Version), err)
	}
	return nil
}

func ignoreDone(err error) error {
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

func storeErr(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

// splitStatements drops "--" comments and splits what is left on semicolons.
// Quoted text is kept as is, so semicolons and dashes inside literals survive.
func splitStatements(script string) []string {
	var (
		stmts   []string
		cur     strings.Builder
		quote   rune
		comment bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case comment:
			if r == '\n' {
				comment = false
				cur.WriteRune(r)
			}
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			comment = true
		case r == ';':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return stmts
}
