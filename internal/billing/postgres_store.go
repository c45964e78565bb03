package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists bill records in a PostgreSQL table. Updates of one
// bill are serialized with a transaction-scoped advisory lock on its id.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createBillsTableSQL = `
CREATE TABLE IF NOT EXISTS bills (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    record JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS bills_status_idx ON bills (status);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createBillsTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, billID string) (*BillRecord, error) {
	return getRecord(ctx, p.pool, billID)
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRecord(ctx context.Context, q pgQuerier, billID string) (*BillRecord, error) {
	var blob []byte
	err := q.QueryRow(ctx, `SELECT record FROM bills WHERE id = $1`, billID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec BillRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("decode bill %s: %w", billID, err)
	}
	return &rec, nil
}

func (p *PostgresStore) Update(ctx context.Context, billID string, fn UpdateFunc) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, billID); err != nil {
		return fmt.Errorf("lock bill %s: %w", billID, err)
	}

	current, err := getRecord(ctx, tx, billID)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil || next == nil {
		return err
	}

	blob, err := json.Marshal(next)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO bills (id, status, record, created_at, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    record = EXCLUDED.record,
    updated_at = now()
`, billID, string(next.Status), blob, next.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) List(ctx context.Context) ([]BillRecord, error) {
	rows, err := p.pool.Query(ctx, `SELECT record FROM bills ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BillRecord
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var rec BillRecord
		if err := json.Unmarshal(blob, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
