package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rcourtman/subledger/internal/billing/ledger"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-node durable store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the ledger database in dir.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	dbPath := filepath.Join(dir, "ledger.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		user_id     TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		entry_id    TEXT NOT NULL UNIQUE,
		kind        TEXT NOT NULL,
		recorded_at INTEGER NOT NULL,
		payload     TEXT NOT NULL,
		PRIMARY KEY (user_id, seq)
	);
	CREATE TABLE IF NOT EXISTS subscription_index (
		subscription_id TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		order_id        TEXT NOT NULL DEFAULT '',
		price_id        TEXT NOT NULL DEFAULT '',
		platform        TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS invoice_index (
		invoice_id      TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL REFERENCES subscription_index(subscription_id)
	);
	CREATE INDEX IF NOT EXISTS idx_subscription_index_user ON subscription_index(user_id);
	CREATE TABLE IF NOT EXISTS deferred_notifications (
		user_id    TEXT NOT NULL,
		key        TEXT NOT NULL,
		payload    TEXT NOT NULL,
		first_seen INTEGER NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		expired    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, key)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, userID string, expectedSeq int64, entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := checkSequence(userID, expectedSeq, entries); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM ledger_entries WHERE user_id = ?`, userID,
	).Scan(&current); err != nil {
		return fmt.Errorf("read ledger head: %w", err)
	}
	if current != expectedSeq {
		return ErrSequenceConflict
	}

	for _, e := range entries {
		payload, err := encodeEntry(e)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (user_id, seq, entry_id, kind, recorded_at, payload)
			VALUES (?, ?, ?, ?, ?, ?)`,
			userID, e.Seq, e.ID, string(e.Kind()), e.At.UnixMilli(), string(payload),
		); err != nil {
			return fmt.Errorf("insert ledger entry %d: %w", e.Seq, err)
		}
	}

	subs, invoices := indexUpdates(entries)
	for _, ref := range subs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subscription_index (subscription_id, user_id, order_id, price_id, platform)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(subscription_id) DO UPDATE SET
				order_id = CASE WHEN subscription_index.order_id = '' THEN excluded.order_id ELSE subscription_index.order_id END,
				price_id = CASE WHEN subscription_index.price_id = '' THEN excluded.price_id ELSE subscription_index.price_id END`,
			ref.SubscriptionID, ref.UserID, ref.OrderID, ref.PriceID, string(ref.Platform),
		); err != nil {
			return fmt.Errorf("index subscription %s: %w", ref.SubscriptionID, err)
		}
	}
	for _, inv := range invoices {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_index (invoice_id, subscription_id) VALUES (?, ?)
			ON CONFLICT(invoice_id) DO NOTHING`,
			inv.invoiceID, inv.subscriptionID,
		); err != nil {
			return fmt.Errorf("index invoice %s: %w", inv.invoiceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, userID string) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM ledger_entries WHERE user_id = ? ORDER BY seq ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e, err := decodeEntry([]byte(payload))
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

func (s *SQLiteStore) LookupSubscription(ctx context.Context, subscriptionID string) (*ledger.SubscriptionRef, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subscription_id, user_id, order_id, price_id, platform
		FROM subscription_index WHERE subscription_id = ?`, subscriptionID)
	return scanRef(row)
}

func (s *SQLiteStore) LookupInvoice(ctx context.Context, invoiceID string) (*ledger.SubscriptionRef, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.subscription_id, s.user_id, s.order_id, s.price_id, s.platform
		FROM invoice_index i JOIN subscription_index s ON s.subscription_id = i.subscription_id
		WHERE i.invoice_id = ?`, invoiceID)
	return scanRef(row)
}

func (s *SQLiteStore) SaveDeferred(ctx context.Context, userID string, rec DeferredRecord) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO deferred_notifications (user_id, key, payload, first_seen, attempts, expired)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			payload = excluded.payload,
			attempts = excluded.attempts,
			expired = excluded.expired`,
		userID, rec.Key, string(rec.Payload), rec.FirstSeen.UnixMilli(), rec.Attempts, rec.Expired,
	); err != nil {
		return fmt.Errorf("save deferred notification %s: %w", rec.Key, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteDeferred(ctx context.Context, userID, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM deferred_notifications WHERE user_id = ? AND key = ?`, userID, key,
	); err != nil {
		return fmt.Errorf("delete deferred notification %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) LoadDeferred(ctx context.Context, userID string) ([]DeferredRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, payload, first_seen, attempts, expired
		FROM deferred_notifications WHERE user_id = ? ORDER BY first_seen, key`, userID)
	if err != nil {
		return nil, fmt.Errorf("load deferred notifications: %w", err)
	}
	defer rows.Close()

	var out []DeferredRecord
	for rows.Next() {
		var rec DeferredRecord
		var payload string
		var firstSeen int64
		if err := rows.Scan(&rec.Key, &payload, &firstSeen, &rec.Attempts, &rec.Expired); err != nil {
			return nil, fmt.Errorf("scan deferred notification: %w", err)
		}
		rec.Payload = []byte(payload)
		rec.FirstSeen = time.UnixMilli(firstSeen).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deferred notifications: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeferredUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM deferred_notifications WHERE expired = 0 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list deferred users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deferred user: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRef(row rowScanner) (*ledger.SubscriptionRef, error) {
	var ref ledger.SubscriptionRef
	var platform string
	err := row.Scan(&ref.SubscriptionID, &ref.UserID, &ref.OrderID, &ref.PriceID, &platform)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription ref: %w", err)
	}
	ref.Platform = ledger.Platform(platform)
	return &ref, nil
}
