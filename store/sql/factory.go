package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Open connects to driver and wraps the connection in a bun.DB with the
// matching dialect. "sqlite" and "pq" are accepted as aliases.
func Open(driver string, dsn string) (*bun.DB, error) {
	driver = normalizeDriver(driver)
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}
	var dialect schema.Dialect
	switch driver {
	case DriverSQLite:
		dialect = sqlitedialect.New()
	case DriverPostgres:
		dialect = pgdialect.New()
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	return bun.NewDB(sqlDB, dialect), nil
}

// NewLedgerFromPersistence builds a Ledger on the bun.DB held by a
// go-persistence-bun client.
func NewLedgerFromPersistence(client *persistence.Client) (*Ledger, error) {
	db, err := resolveBunDB(client)
	if err != nil {
		return nil, err
	}
	return NewLedger(db)
}

func normalizeDriver(driver string) string {
	switch strings.TrimSpace(strings.ToLower(driver)) {
	case "sqlite", DriverSQLite:
		return DriverSQLite
	case "pq", "postgresql", DriverPostgres:
		return DriverPostgres
	default:
		return strings.TrimSpace(strings.ToLower(driver))
	}
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case *persistence.Client:
		if typed == nil {
			return nil, fmt.Errorf("sqlstore: persistence client is required")
		}
		if db := typed.DB(); db != nil {
			return db, nil
		}
		return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
