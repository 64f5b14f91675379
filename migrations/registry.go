// Package migrations exposes the embedded entitlement ledger schema, one
// filesystem per SQL dialect, and applies it through go-persistence-bun.
package migrations

import (
	"context"
	"io/fs"
	"slices"
	"strings"

	persistence "github.com/goliatone/go-persistence-bun"
	purchases "github.com/goliatone/go-purchases"
	"github.com/goliatone/go-purchases/core"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	rootPath = "data/sql/migrations"
)

// LedgerTables are created by the up migrations of every dialect.
var LedgerTables = []string{"purchase_entitlements", "purchase_catalogs"}

// Dialects returns the dialects that ship a ledger schema.
func Dialects() []string {
	return []string{DialectPostgres, DialectSQLite}
}

// NormalizeDialect maps driver names ("sqlite3", "pq", "postgresql") onto a
// dialect. Unknown names come back empty.
func NormalizeDialect(name string) string {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case DialectSQLite, "sqlite3":
		return DialectSQLite
	case DialectPostgres, "pq", "postgresql", "pg":
		return DialectPostgres
	default:
		return ""
	}
}

// ForDialect returns the migration files for dialect. The embedded tree is
// used unless root is given; root must hold data/sql/migrations.
func ForDialect(dialect string, root ...fs.FS) (fs.FS, error) {
	normalized := NormalizeDialect(dialect)
	if normalized == "" {
		return nil, core.NewBadInputError("migrations: unsupported dialect", map[string]any{
			"dialect":   dialect,
			"supported": Dialects(),
		})
	}

	tree := purchases.GetMigrationsFS()
	if len(root) > 0 && root[0] != nil {
		tree = root[0]
	}
	path := rootPath
	if normalized == DialectSQLite {
		path += "/sqlite"
	}
	sub, err := fs.Sub(tree, path)
	if err != nil {
		return nil, core.NewInternalError(err, "migrations: resolve "+path)
	}
	matches, err := fs.Glob(sub, "*.up.sql")
	if err != nil {
		return nil, core.NewInternalError(err, "migrations: glob "+path)
	}
	if len(matches) == 0 {
		return nil, core.NewConfigError(nil, "migrations: no up migrations found", map[string]any{
			"dialect": normalized,
			"path":    path,
		})
	}
	return sub, nil
}

// Pending lists the up migration file names for dialect in apply order.
func Pending(dialect string) ([]string, error) {
	fsys, err := ForDialect(dialect)
	if err != nil {
		return nil, err
	}
	matches, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, core.NewInternalError(err, "migrations: glob up migrations")
	}
	slices.Sort(matches)
	return matches, nil
}

// Apply registers the ledger schema for dialect on client and runs every
// pending migration.
func Apply(ctx context.Context, client *persistence.Client, dialect string) error {
	if client == nil {
		return core.NewBadInputError("migrations: persistence client is required", nil)
	}
	fsys, err := ForDialect(dialect)
	if err != nil {
		return err
	}
	client.RegisterSQLMigrations(fsys)
	if err := client.Migrate(ctx); err != nil {
		return core.NewInternalError(err, "migrations: apply ledger schema")
	}
	return nil
}
