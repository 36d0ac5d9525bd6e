package store

import (
	"context"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
)

const (
	getRecordQuery    = `SELECT id, value FROM warelay_store WHERE category=$1 AND id IN (%s)`
	getAllRecordQuery = `SELECT id, value FROM warelay_store WHERE category=$1`
	putRecordQuery    = `
		INSERT INTO warelay_store (category, id, value) VALUES ($1, $2, $3)
		ON CONFLICT (category, id) DO UPDATE SET value=excluded.value
	`
	deleteRecordQuery = `DELETE FROM warelay_store WHERE category=$1 AND id=$2`
	listIDsQuery      = `SELECT id FROM warelay_store WHERE category=$1`
)

var upgradeTable = dbutil.UpgradeTable{}

func init() {
	upgradeTable.Register(-1, 1, 0, "Initial schema", dbutil.TxnModeOn, func(ctx context.Context, db *dbutil.Database) error {
		_, err := db.Exec(ctx, `
			CREATE TABLE warelay_store (
				category TEXT NOT NULL,
				id       TEXT NOT NULL,
				value    BLOB NOT NULL,
				PRIMARY KEY (category, id)
			)
		`)
		return err
	})
}

// SQLStore is a KeyStore backed by go.mau.fi/util/dbutil, with SQLite as the
// concrete driver (github.com/mattn/go-sqlite3).
type SQLStore struct {
	db *dbutil.Database
}

// NewSQLStore opens (and upgrades) a SQLite-backed store at the given DSN,
// e.g. "file:warelay.db?_txlock=immediate".
func NewSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := dbutil.NewWithDialect(dsn, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.UpgradeTable = upgradeTable
	if err := db.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("store: upgrade schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// NewSQLStoreFromDB wraps an already-opened, already-upgraded database,
// letting the caller share a connection pool across multiple stores.
func NewSQLStoreFromDB(db *dbutil.Database) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Get(ctx context.Context, category Category, ids []string) (map[string][]byte, error) {
	if !IsAllowedCategory(category) {
		return nil, ErrUnknownCategory
	}
	out := make(map[string][]byte, len(ids))

	var query string
	args := []any{string(category)}
	if len(ids) == 0 {
		query = getAllRecordQuery
	} else {
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = fmt.Sprintf("$%d", i+2)
			args = append(args, id)
		}
		query = fmt.Sprintf(getRecordQuery, joinPlaceholders(placeholders))
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", category, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var value []byte
		if err := rows.Scan(&id, &value); err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", category, err)
		}
		out[id] = value
	}
	return out, rows.Err()
}

func joinPlaceholders(placeholders []string) string {
	out := placeholders[0]
	for _, p := range placeholders[1:] {
		out += ", " + p
	}
	return out
}

func (s *SQLStore) Set(ctx context.Context, data map[Category]map[string][]byte) error {
	if err := validateCategories(data); err != nil {
		return err
	}
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for category, ids := range data {
			for id, value := range ids {
				var err error
				if value == nil {
					_, err = s.db.Exec(ctx, deleteRecordQuery, string(category), id)
				} else {
					_, err = s.db.Exec(ctx, putRecordQuery, string(category), id, value)
				}
				if err != nil {
					return fmt.Errorf("store: write %s/%s: %w", category, id, err)
				}
			}
		}
		return nil
	})
}

func (s *SQLStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.DoTxn(ctx, nil, fn)
}

func (s *SQLStore) ListIDs(ctx context.Context, category Category) ([]string, error) {
	if !IsAllowedCategory(category) {
		return nil, ErrUnknownCategory
	}
	rows, err := s.db.Query(ctx, listIDsQuery, string(category))
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", category, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", category, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

var (
	_ KeyStore  = (*SQLStore)(nil)
	_ KeyLister = (*SQLStore)(nil)
)
