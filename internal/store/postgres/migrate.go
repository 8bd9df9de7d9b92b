package postgres

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

const (
	gooseUpMarker   = "-- +goose Up"
	gooseDownMarker = "-- +goose Down"

	migrationLockKey = "therapia:migrations"
)

// schemaMigration is one row of the _migrations ledger.
type schemaMigration struct {
	bun.BaseModel `bun:"table:_migrations,alias:m"`

	Version   int       `bun:"version,pk"`
	Name      string    `bun:"name,notnull"`
	AppliedAt time.Time `bun:"applied_at,notnull,default:current_timestamp"`
}

type migration struct {
	Version    int
	Name       string
	Statements []string
}

// ApplyMigrations applies every pending migration in dir and returns how many ran.
// Files are named <version>_<name>.sql and only their goose Up section is executed.
// Each migration runs in its own transaction together with its _migrations row, so a
// failed file leaves no partial schema and a rerun skips what is already recorded.
func ApplyMigrations(ctx context.Context, db bun.IDB, dir string) (int, error) {
	migs, err := loadMigrations(dir)
	if err != nil {
		return 0, err
	}

	if _, err := db.NewCreateTable().
		Model((*schemaMigration)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return 0, fmt.Errorf("create _migrations table: %w", err)
	}

	var recorded []schemaMigration
	if err := db.NewSelect().Model(&recorded).Column("version").Scan(ctx); err != nil {
		return 0, fmt.Errorf("query applied migrations: %w", err)
	}
	applied := make(map[int]bool, len(recorded))
	for _, r := range recorded {
		applied[r.Version] = true
	}

	count := 0
	for _, m := range migs {
		if applied[m.Version] {
			continue
		}
		ran, err := applyMigration(ctx, db, m)
		if err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		if ran {
			count++
		}
	}
	return count, nil
}

// applyMigration reports false when another process recorded the version first.
func applyMigration(ctx context.Context, db bun.IDB, m migration) (bool, error) {
	ran := false
	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", migrationLockKey).Exec(ctx); err != nil {
			return err
		}
		exists, err := tx.NewSelect().
			Model((*schemaMigration)(nil)).
			Where("version = ?", m.Version).
			Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		for _, stmt := range m.Statements {
			if _, err := tx.NewRaw(stmt).Exec(ctx); err != nil {
				return err
			}
		}

		_, err = tx.NewInsert().
			Model(&schemaMigration{Version: m.Version, Name: m.Name, AppliedAt: time.Now().UTC()}).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
		ran = true
		return nil
	})
	return ran, err
}

// loadMigrations reads dir sorted by version. Files without a numeric prefix are ignored.
func loadMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory %s: %w", dir, err)
	}

	seen := make(map[int]string)
	var out []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			continue
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, name, version)
		}
		seen[version] = name

		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", name, err)
		}
		stmts, err := upStatements(string(content))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, migration{Version: version, Name: name, Statements: stmts})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// upStatements returns the statements between the Up marker and the Down marker.
// Statements are split on ';', so dollar-quoted bodies are not supported.
func upStatements(content string) ([]string, error) {
	_, up, ok := strings.Cut(content, gooseUpMarker)
	if !ok {
		return nil, fmt.Errorf("missing %q marker", gooseUpMarker)
	}
	up, _, _ = strings.Cut(up, gooseDownMarker)

	var stmts []string
	for _, part := range strings.Split(up, ";") {
		if s := strings.TrimSpace(part); s != "" {
			stmts = append(stmts, s)
		}
	}
	if len(stmts) == 0 {
		return nil, fmt.Errorf("empty up section")
	}
	return stmts, nil
}
