package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	recordBaseline   = "baseline"
	recordAlertState = "alert_state"

	createRecordsSQL = `CREATE TABLE IF NOT EXISTS records (
        name       text PRIMARY KEY,
        payload    jsonb NOT NULL,
        updated_at timestamptz NOT NULL DEFAULT now()
    );`

	upsertRecordSQL = `INSERT INTO records (name, payload, updated_at)
    VALUES ($1, $2, now())
    ON CONFLICT (name) DO UPDATE
    SET payload = EXCLUDED.payload,
        updated_at = EXCLUDED.updated_at;`

	selectRecordSQL = `SELECT payload FROM records WHERE name = $1;`
)

// PoolConfig encapsulates PostgreSQL connectivity.
type PoolConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// PostgresStore keeps the singleton records as JSONB rows keyed by name.
// Row replacement is atomic, which satisfies the crash-consistency
// requirement the file engine meets with rename.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a pgx pool into a Store and ensures the schema.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, ErrNotConfigured
	}
	if _, err := pool.Exec(ctx, createRecordsSQL); err != nil {
		return nil, &PersistenceError{Op: "ensure schema", Err: err}
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (p *PostgresStore) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

// LoadBaseline reads the baseline row, or (nil, nil) when absent.
func (p *PostgresStore) LoadBaseline(ctx context.Context) (*Baseline, error) {
	var baseline Baseline
	ok, err := p.load(ctx, recordBaseline, &baseline)
	if err != nil || !ok {
		return nil, err
	}
	return &baseline, nil
}

// SaveBaseline upserts the baseline row.
func (p *PostgresStore) SaveBaseline(ctx context.Context, baseline Baseline) error {
	return p.save(ctx, recordBaseline, baseline)
}

// LoadAlertState reads the alert state row, or (nil, nil) when absent.
func (p *PostgresStore) LoadAlertState(ctx context.Context) (*AlertState, error) {
	var state AlertState
	ok, err := p.load(ctx, recordAlertState, &state)
	if err != nil || !ok {
		return nil, err
	}
	return &state, nil
}

// SaveAlertState upserts the alert state row.
func (p *PostgresStore) SaveAlertState(ctx context.Context, state AlertState) error {
	return p.save(ctx, recordAlertState, state)
}

func (p *PostgresStore) load(ctx context.Context, name string, out interface{}) (bool, error) {
	if p == nil || p.pool == nil {
		return false, ErrNotConfigured
	}

	var payload []byte
	err := p.pool.QueryRow(ctx, selectRecordSQL, name).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, &PersistenceError{Op: fmt.Sprintf("load %s", name), Err: err}
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return false, &PersistenceError{Op: fmt.Sprintf("decode %s", name), Err: err}
	}
	return true, nil
}

func (p *PostgresStore) save(ctx context.Context, name string, record interface{}) error {
	if p == nil || p.pool == nil {
		return ErrNotConfigured
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return &PersistenceError{Op: fmt.Sprintf("encode %s", name), Err: err}
	}

	if _, err := p.pool.Exec(ctx, upsertRecordSQL, name, payload); err != nil {
		return &PersistenceError{Op: fmt.Sprintf("save %s", name), Err: err}
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
