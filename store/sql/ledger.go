package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-purchases/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Ledger persists settled entitlements and the last published catalog.
// Entries are keyed by purchase token; only the newest catalog per platform
// is kept.
type Ledger struct {
	db       *bun.DB
	entries  repository.Repository[*entitlementRecord]
	catalogs repository.Repository[*catalogRecord]
	now      func() time.Time
}

func NewLedger(db *bun.DB) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	entries := repository.NewRepository[*entitlementRecord](db, entitlementHandlers())
	if validator, ok := entries.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid entitlement repository wiring: %w", err)
		}
	}
	catalogs := repository.NewRepository[*catalogRecord](db, catalogHandlers())
	if validator, ok := catalogs.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid catalog repository wiring: %w", err)
		}
	}
	return &Ledger{
		db:       db,
		entries:  entries,
		catalogs: catalogs,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (l *Ledger) SaveEntry(ctx context.Context, entry core.EntitlementEntry) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("sqlstore: ledger is not configured")
	}
	token := strings.TrimSpace(entry.Purchase.Token)
	if token == "" {
		return fmt.Errorf("sqlstore: purchase token is required")
	}
	entry.Purchase.Token = token
	now := l.now()

	return l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current := &entitlementRecord{}
		err := tx.NewSelect().
			Model(current).
			Where("?TableAlias.token = ?", token).
			Limit(1).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			record := newEntitlementRecord(entry, now)
			record.ID = uuid.NewString()
			_, createErr := l.entries.CreateTx(ctx, tx, record)
			return createErr
		}
		if err != nil {
			return err
		}
		current.apply(entry, now)
		_, err = tx.NewUpdate().
			Model(current).
			Where("id = ?", current.ID).
			Exec(ctx)
		return err
	})
}

// LoadEntries returns every persisted entry, newest purchase first.
func (l *Ledger) LoadEntries(ctx context.Context) ([]core.EntitlementEntry, error) {
	if l == nil || l.entries == nil {
		return nil, fmt.Errorf("sqlstore: ledger is not configured")
	}
	records, _, err := l.entries.List(ctx,
		repository.OrderBy("purchase_time_millis DESC"),
		repository.OrderBy("token ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.EntitlementEntry, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// SaveCatalog replaces the stored catalog for the snapshot's platform.
func (l *Ledger) SaveCatalog(ctx context.Context, snapshot core.CatalogSnapshot) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("sqlstore: ledger is not configured")
	}
	record := newCatalogRecord(snapshot, l.now())
	record.ID = uuid.NewString()

	return l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*catalogRecord)(nil)).
			Where("platform = ?", record.Platform).
			Exec(ctx); err != nil {
			return err
		}
		_, err := l.catalogs.CreateTx(ctx, tx, record)
		return err
	})
}

// LoadCatalog returns the most recently fetched catalog. The boolean is
// false when nothing has been saved yet.
func (l *Ledger) LoadCatalog(ctx context.Context) (core.CatalogSnapshot, bool, error) {
	if l == nil || l.db == nil {
		return core.CatalogSnapshot{}, false, fmt.Errorf("sqlstore: ledger is not configured")
	}
	record := &catalogRecord{}
	err := l.db.NewSelect().
		Model(record).
		OrderExpr("?TableAlias.fetched_at DESC").
		OrderExpr("?TableAlias.created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return core.CatalogSnapshot{}, false, nil
	}
	if err != nil {
		return core.CatalogSnapshot{}, false, err
	}
	return record.toDomain(), true, nil
}

func (l *Ledger) DB() *bun.DB {
	if l == nil {
		return nil
	}
	return l.db
}
