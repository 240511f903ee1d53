package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/guardline-labs/secureop/pkg/contracts"
)

// SQLStore is a database-backed TxStore. It works against SQLite
// (modernc.org/sqlite) and Postgres (lib/pq); the two differ only in
// placeholder style and the nonce upsert.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// NewSQLiteStore opens (or creates) a SQLite-backed store at the given DSN,
// e.g. "file:secureop.db" or ":memory:".
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an already-open database handle (used by the Postgres
// path and by tests with a mock driver).
func NewSQLStore(db *sql.DB, postgres bool) (*SQLStore, error) {
	s := &SQLStore{db: db, postgres: postgres}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.postgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	queries := []string{
		fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS transactions (
		tx_id %s,
		requester TEXT NOT NULL,
		target TEXT NOT NULL,
		value BIGINT NOT NULL DEFAULT 0,
		operation_type TEXT NOT NULL,
		operation_name TEXT NOT NULL,
		execution_options BYTEA,
		requested_at TIMESTAMP NOT NULL,
		release_time TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		resolved_at TIMESTAMP
	)`, serial),
		`
	CREATE TABLE IF NOT EXISTS meta_nonces (
		signer TEXT NOT NULL,
		nonce BIGINT NOT NULL,
		consumed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (signer, nonce)
	)`,
	}
	for _, q := range queries {
		if !s.postgres {
			q = strings.ReplaceAll(q, "BYTEA", "BLOB")
		}
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *SQLStore) Append(ctx context.Context, rec *contracts.TxRecord) (uint64, error) {
	query := `
        INSERT INTO transactions
            (requester, target, value, operation_type, operation_name,
             execution_options, requested_at, release_time, status)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		string(rec.Requester.Normalize()), string(rec.Target.Normalize()),
		int64(rec.Value), string(rec.OperationType), rec.OperationName,
		rec.ExecutionOptions, rec.RequestedAt.UTC(), rec.ReleaseTime.UTC(),
		string(rec.Status),
	}

	if s.postgres {
		var id int64
		err := s.db.QueryRowContext(ctx, s.rebind(query)+" RETURNING tx_id", args...).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert transaction: %w", err)
		}
		rec.TxID = uint64(id)
		return rec.TxID, nil
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("transaction id: %w", err)
	}
	rec.TxID = uint64(id)
	return rec.TxID, nil
}

const txColumns = `tx_id, requester, target, value, operation_type, operation_name,
	execution_options, requested_at, release_time, status, resolved_at`

func (s *SQLStore) Get(ctx context.Context, txID uint64) (*contracts.TxRecord, error) {
	query := s.rebind(`SELECT ` + txColumns + ` FROM transactions WHERE tx_id = ?`)
	row := s.db.QueryRowContext(ctx, query, int64(txID))
	rec, err := scanTxRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLStore) UpdateStatus(ctx context.Context, txID uint64, expect, to contracts.TxStatus, resolvedAt time.Time) error {
	var resolved any
	if to.Resolved() {
		resolved = resolvedAt.UTC()
	}
	query := s.rebind(`UPDATE transactions SET status = ?, resolved_at = ? WHERE tx_id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query, string(to), resolved, int64(txID), string(expect))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, txID); getErr != nil {
			return getErr
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, offset, count int) ([]*contracts.TxRecord, error) {
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + txColumns + ` FROM transactions ORDER BY tx_id`
	var args []any
	switch {
	case count > 0:
		query += ` LIMIT ? OFFSET ?`
		args = []any{count, offset}
	case s.postgres:
		// Postgres rejects a negative LIMIT; ALL means unbounded.
		query += ` LIMIT ALL OFFSET ?`
		args = []any{offset}
	default:
		// SQLite only accepts OFFSET after a LIMIT; -1 means unbounded.
		query += ` LIMIT -1 OFFSET ?`
		args = []any{offset}
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.TxRecord
	for rows.Next() {
		rec, err := scanTxRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

func (s *SQLStore) ConsumeNonce(ctx context.Context, signer contracts.Address, nonce uint64) error {
	query := s.rebind(`INSERT INTO meta_nonces (signer, nonce, consumed_at) VALUES (?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, string(signer.Normalize()), int64(nonce), time.Now().UTC())
	if err != nil {
		// Primary-key violation means the nonce was spent.
		if isDuplicateKey(err) {
			return ErrNonceUsed
		}
		return fmt.Errorf("consume nonce: %w", err)
	}
	return nil
}

// isDuplicateKey reports whether err is a unique or primary-key constraint
// violation from either supported driver. The string check remains as a
// fallback for drivers that do not expose typed errors.
func isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

func (s *SQLStore) NextNonce(ctx context.Context, signer contracts.Address) (uint64, error) {
	query := s.rebind(`SELECT COALESCE(MAX(nonce)+1, 0) FROM meta_nonces WHERE signer = ?`)
	var next int64
	if err := s.db.QueryRowContext(ctx, query, string(signer.Normalize())).Scan(&next); err != nil {
		return 0, fmt.Errorf("next nonce: %w", err)
	}
	return uint64(next), nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTxRecord(row rowScanner) (*contracts.TxRecord, error) {
	var (
		rec        contracts.TxRecord
		txID       int64
		value      int64
		requester  string
		target     string
		opType     string
		status     string
		resolvedAt sql.NullTime
	)
	err := row.Scan(&txID, &requester, &target, &value, &opType, &rec.OperationName,
		&rec.ExecutionOptions, &rec.RequestedAt, &rec.ReleaseTime, &status, &resolvedAt)
	if err != nil {
		return nil, err
	}
	rec.TxID = uint64(txID)
	rec.Value = uint64(value)
	rec.Requester = contracts.Address(requester)
	rec.Target = contracts.Address(target)
	rec.OperationType = contracts.OperationTypeID(opType)
	rec.Status = contracts.TxStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	return &rec, nil
}
