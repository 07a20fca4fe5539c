// Package postgres provides Postgres-backed persistence for fetch outcomes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fetchgate/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "fetch_outcomes"

// Config controls the Postgres connection pool used for outcome rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type txPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// OutcomeStore writes outcome rows into Postgres.
type OutcomeStore struct {
	pool  txPool
	table string
}

// NewOutcomeStore connects to Postgres using cfg.
func NewOutcomeStore(ctx context.Context, cfg Config) (*OutcomeStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &OutcomeStore{pool: pool, table: table}, nil
}

// NewOutcomeStoreWithPool builds a store from an existing pool (primarily for testing).
func NewOutcomeStoreWithPool(pool txPool, table string) (*OutcomeStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &OutcomeStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *OutcomeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the outcome table when it does not exist.
func (s *OutcomeStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id      UUID        NOT NULL,
	request_id  TEXT        NOT NULL,
	url         TEXT        NOT NULL,
	site        TEXT        NOT NULL,
	kind        TEXT        NOT NULL,
	attempts    INTEGER     NOT NULL,
	status_code INTEGER     NOT NULL,
	bytes       BIGINT      NOT NULL,
	duration_ms BIGINT      NOT NULL,
	error       TEXT,
	resolved_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, request_id)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure outcome schema: %w", err)
	}
	return nil
}

// InsertOutcomes writes records in a single transaction. Rows already present
// for the same run and request are left untouched.
func (s *OutcomeStore) InsertOutcomes(ctx context.Context, records []store.OutcomeRecord) (err error) {
	if s == nil || s.pool == nil {
		return errors.New("outcome store is not configured")
	}
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	request_id,
	url,
	site,
	kind,
	attempts,
	status_code,
	bytes,
	duration_ms,
	error,
	resolved_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
) ON CONFLICT (run_id, request_id) DO NOTHING`, s.table)

	for _, rec := range records {
		if rec.RequestID == "" {
			return errors.New("record request id is required")
		}
		if _, err = tx.Exec(ctx, query,
			rec.RunID,
			rec.RequestID,
			rec.URL,
			rec.Site,
			rec.Kind,
			rec.Attempts,
			rec.StatusCode,
			rec.Bytes,
			rec.Duration.Milliseconds(),
			rec.Error,
			rec.ResolvedAt,
		); err != nil {
			return fmt.Errorf("insert outcome %s: %w", rec.RequestID, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outcome tx: %w", err)
	}
	return nil
}
