package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rcourtman/subledger/internal/billing/ledger"
)

const pgUniqueViolation = "23505"

// PostgresStore is the multi-node durable store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the ledger tables if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ledger_entries (
    user_id TEXT NOT NULL,
    seq BIGINT NOT NULL,
    entry_id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    payload JSONB NOT NULL,
    PRIMARY KEY (user_id, seq)
);`,
		`CREATE TABLE IF NOT EXISTS subscription_index (
    subscription_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    order_id TEXT NOT NULL DEFAULT '',
    price_id TEXT NOT NULL DEFAULT '',
    platform TEXT NOT NULL DEFAULT ''
);`,
		`CREATE TABLE IF NOT EXISTS invoice_index (
    invoice_id TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL REFERENCES subscription_index (subscription_id)
);`,
		`CREATE INDEX IF NOT EXISTS idx_subscription_index_user ON subscription_index (user_id);`,
		`CREATE TABLE IF NOT EXISTS deferred_notifications (
    user_id TEXT NOT NULL,
    key TEXT NOT NULL,
    payload JSONB NOT NULL,
    first_seen TIMESTAMPTZ NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    expired BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (user_id, key)
);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, userID string, expectedSeq int64, entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := checkSequence(userID, expectedSeq, entries); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM ledger_entries WHERE user_id = $1`, userID,
	).Scan(&current); err != nil {
		return fmt.Errorf("read ledger head: %w", err)
	}
	if current != expectedSeq {
		return ErrSequenceConflict
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		payload, err := encodeEntry(e)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO ledger_entries (user_id, seq, entry_id, kind, recorded_at, payload)
VALUES ($1, $2, $3, $4, $5, $6)`, userID, e.Seq, e.ID, string(e.Kind()), e.At, payload)
	}
	subs, invoices := indexUpdates(entries)
	for _, ref := range subs {
		batch.Queue(`INSERT INTO subscription_index (subscription_id, user_id, order_id, price_id, platform)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (subscription_id) DO UPDATE SET
    order_id = CASE WHEN subscription_index.order_id = '' THEN EXCLUDED.order_id ELSE subscription_index.order_id END,
    price_id = CASE WHEN subscription_index.price_id = '' THEN EXCLUDED.price_id ELSE subscription_index.price_id END`,
			ref.SubscriptionID, ref.UserID, ref.OrderID, ref.PriceID, string(ref.Platform))
	}
	for _, inv := range invoices {
		batch.Queue(`INSERT INTO invoice_index (invoice_id, subscription_id) VALUES ($1, $2)
ON CONFLICT (invoice_id) DO NOTHING`, inv.invoiceID, inv.subscriptionID)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrSequenceConflict
		}
		return fmt.Errorf("append ledger entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, userID string) ([]ledger.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM ledger_entries WHERE user_id = $1 ORDER BY seq ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e, err := decodeEntry(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) LookupSubscription(ctx context.Context, subscriptionID string) (*ledger.SubscriptionRef, error) {
	row := s.pool.QueryRow(ctx, `SELECT subscription_id, user_id, order_id, price_id, platform
FROM subscription_index WHERE subscription_id = $1`, subscriptionID)
	return scanPgRef(row)
}

func (s *PostgresStore) LookupInvoice(ctx context.Context, invoiceID string) (*ledger.SubscriptionRef, error) {
	row := s.pool.QueryRow(ctx, `SELECT s.subscription_id, s.user_id, s.order_id, s.price_id, s.platform
FROM invoice_index i JOIN subscription_index s ON s.subscription_id = i.subscription_id
WHERE i.invoice_id = $1`, invoiceID)
	return scanPgRef(row)
}

func (s *PostgresStore) SaveDeferred(ctx context.Context, userID string, rec DeferredRecord) error {
	if _, err := s.pool.Exec(ctx, `INSERT INTO deferred_notifications (user_id, key, payload, first_seen, attempts, expired)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, key) DO UPDATE SET
    payload = EXCLUDED.payload,
    attempts = EXCLUDED.attempts,
    expired = EXCLUDED.expired`,
		userID, rec.Key, rec.Payload, rec.FirstSeen, rec.Attempts, rec.Expired,
	); err != nil {
		return fmt.Errorf("save deferred notification %s: %w", rec.Key, err)
	}
	return nil
}

func (s *PostgresStore) DeleteDeferred(ctx context.Context, userID, key string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM deferred_notifications WHERE user_id = $1 AND key = $2`, userID, key,
	); err != nil {
		return fmt.Errorf("delete deferred notification %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) LoadDeferred(ctx context.Context, userID string) ([]DeferredRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, payload, first_seen, attempts, expired
FROM deferred_notifications WHERE user_id = $1 ORDER BY first_seen, key`, userID)
	if err != nil {
		return nil, fmt.Errorf("load deferred notifications: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DeferredRecord, error) {
		var rec DeferredRecord
		err := row.Scan(&rec.Key, &rec.Payload, &rec.FirstSeen, &rec.Attempts, &rec.Expired)
		rec.FirstSeen = rec.FirstSeen.UTC()
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("load deferred notifications: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) DeferredUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM deferred_notifications WHERE NOT expired ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list deferred users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list deferred users: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func scanPgRef(row pgx.Row) (*ledger.SubscriptionRef, error) {
	var ref ledger.SubscriptionRef
	var platform string
	err := row.Scan(&ref.SubscriptionID, &ref.UserID, &ref.OrderID, &ref.PriceID, &platform)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription ref: %w", err)
	}
	ref.Platform = ledger.Platform(platform)
	return &ref, nil
}
