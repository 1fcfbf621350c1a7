package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"a2a-coordinator/internal/domain"
)

// timeLayout is fixed width so updated_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteOptions configures a SQLiteStore.
type SQLiteOptions struct {
	Path   string
	Bus    domain.EventBus
	Clock  domain.Clock
	Logger *slog.Logger
}

// SQLiteStore keeps every table in a single records table keyed by
// (table_name, id) with the document stored as JSON text.
type SQLiteStore struct {
	db   *sql.DB
	feed *feed
}

// NewSQLiteStore opens (or creates) the database at opts.Path and migrates it.
func NewSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between concurrent upserts.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &SQLiteStore{db: db, feed: newFeed(opts.Bus, opts.Clock, opts.Logger)}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			table_name TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (table_name, id)
		);
		CREATE INDEX IF NOT EXISTS idx_records_updated ON records (table_name, updated_at);
	`)
	return err
}

// Close ends subscriptions and closes the database.
func (s *SQLiteStore) Close() error {
	s.feed.close()
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Upsert inserts or replaces rec by ID.
func (s *SQLiteStore) Upsert(ctx context.Context, table string, rec domain.Record) error {
	if rec.ID == "" {
		return domain.NewDomainError("SQLiteStore.Upsert", domain.ErrInvalidInput, "record id is required")
	}
	if !json.Valid(rec.Data) {
		return domain.NewDomainError("SQLiteStore.Upsert", domain.ErrInvalidInput, "record data is not valid JSON")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.feed.clock.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM records WHERE table_name = ? AND id = ?", table, rec.ID).Scan(&exists)
	op := domain.ChangeUpdate
	if errors.Is(err, sql.ErrNoRows) {
		op = domain.ChangeInsert
	} else if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (table_name, id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (table_name, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		table, rec.ID, string(rec.Data), rec.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", table, rec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	s.feed.emit(ctx, domain.ChangeEvent{Table: table, Op: op, Record: rec})
	return nil
}

var filterKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Query returns matching records ordered by update time. Filter values are
// compared with json_extract on the top-level field.
func (s *SQLiteStore) Query(ctx context.Context, table string, filter domain.Filter) ([]domain.Record, error) {
	var (
		where = []string{"table_name = ?"}
		args  = []any{table}
	)
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !filterKey.MatchString(k) {
			return nil, domain.NewDomainError("SQLiteStore.Query", domain.ErrInvalidInput, fmt.Sprintf("filter key %q", k))
		}
		v, err := sqlValue(filter[k])
		if err != nil {
			return nil, domain.NewDomainError("SQLiteStore.Query", domain.ErrInvalidInput, err.Error())
		}
		where = append(where, "json_extract(data, ?) = ?")
		args = append(args, "$."+k, v)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, data, updated_at FROM records WHERE "+strings.Join(where, " AND ")+" ORDER BY updated_at, id",
		args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var (
			rec     domain.Record
			data    string
			updated string
		)
		if err := rows.Scan(&rec.ID, &data, &updated); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Data = json.RawMessage(data)
		rec.UpdatedAt, _ = time.Parse(timeLayout, updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// sqlValue maps a filter value onto what json_extract returns for it. The
// value goes through JSON first so named string and number types work.
func sqlValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var g any
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	switch x := g.(type) {
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string, float64:
		return x, nil
	default:
		return nil, fmt.Errorf("unsupported filter value %T", v)
	}
}

// Subscribe streams changes made through this store until ctx is done.
func (s *SQLiteStore) Subscribe(ctx context.Context, table string, op domain.ChangeOp) (<-chan domain.ChangeEvent, error) {
	return s.feed.subscribe(ctx, table, op)
}
