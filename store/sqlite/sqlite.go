/*
Package sqlite provides a SQLite-backed implementation of the settlement stores.

PURPOSE:
  Implements settlement.RecordStore and settlement.PendingStore on SQLite.
  It backs the service in single-node deployments and serves the record
  store protocol mounted under /store, which other instances reach through
  the recordstore client.

INTERFACES IMPLEMENTED:
  settlement.RecordStore:  users, lot positions, the transaction ledger
  settlement.PendingStore: settlements queued for background completion

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements on the transactions table (Reset excepted)
  - Corrections are new transactions

CONDITIONAL WRITES:
  UpdateUser:        WHERE version = expected, bumps version and inserts
                     the credit key in the same SQL transaction
  UpdateLastEarning: WHERE last_earning_date IS expected
  A write that matches no row is re-read to tell ErrConcurrentModification
  from not-found.

KEY TABLES:
  users:            cached balance, totals, version
  applied_credits:  one row per (user_id, credit_key), written with the balance
  lot_positions:    one row per (user_id, lot_id)
  transactions:     immutable ledger, idempotency_key UNIQUE
  pending_cascades: one row per source transaction

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of SQLite's own locking.

USAGE:
  store, err := sqlite.New("./settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  coord := settlement.NewCoordinator(settlement.CoordinatorConfig{Store: store, Pending: store})

SEE ALSO:
  - settlement/store.go: interface definitions
  - settlement/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/AzimPower/investpro-sub001/settlement"
)

var (
	_ settlement.RecordStore  = (*Store)(nil)
	_ settlement.PendingStore = (*Store)(nil)
)

// Store implements the settlement storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		balance TEXT NOT NULL DEFAULT '0',
		total_earned TEXT NOT NULL DEFAULT '0',
		referred_by TEXT,
		account_status TEXT NOT NULL DEFAULT 'active',
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Balance credits already applied, written with the balance they moved.
	CREATE TABLE IF NOT EXISTS applied_credits (
		user_id TEXT NOT NULL,
		credit_key TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		PRIMARY KEY (user_id, credit_key)
	);

	CREATE INDEX IF NOT EXISTS idx_users_referred_by
		ON users(referred_by) WHERE referred_by IS NOT NULL;

	CREATE TABLE IF NOT EXISTS lot_positions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		lot_id TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		last_earning_date TEXT,
		created_at TEXT NOT NULL
	);

	-- The earning key is (user, lot, day), so a user holds one position per lot.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_user_lot
		ON lot_positions(user_id, lot_id);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		lot_id TEXT,
		description TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user
		ON transactions(user_id, seq);
	CREATE INDEX IF NOT EXISTS idx_transactions_type
		ON transactions(tx_type);

	CREATE TABLE IF NOT EXISTS pending_cascades (
		id TEXT PRIMARY KEY,
		source_transaction_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		lot_position_id TEXT NOT NULL,
		lot_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		claim_day TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_pending_unresolved
		ON pending_cascades(created_at) WHERE resolved_at IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// USERS
// =============================================================================

// SaveUser inserts or replaces a user record. Account creation lives outside
// this service; this is used by seeding and the store protocol.
func (s *Store) SaveUser(ctx context.Context, u settlement.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO users (id, balance, total_earned, referred_by, account_status, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			balance = excluded.balance,
			total_earned = excluded.total_earned,
			referred_by = excluded.referred_by,
			account_status = excluded.account_status,
			version = excluded.version
	`
	_, err := s.db.ExecContext(ctx, query,
		u.ID,
		u.Balance.String(),
		u.TotalEarned.String(),
		nullString(string(u.ReferredBy)),
		statusOrDefault(u.AccountStatus),
		u.Version,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id settlement.UserID) (settlement.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getUser(ctx, id)
}

func (s *Store) getUser(ctx context.Context, id settlement.UserID) (settlement.User, error) {
	var (
		u          settlement.User
		referredBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, balance, total_earned, referred_by, account_status, version
		FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Balance, &u.TotalEarned, &referredBy, &u.AccountStatus, &u.Version)

	if errors.Is(err, sql.ErrNoRows) {
		return settlement.User{}, fmt.Errorf("%w: %s", settlement.ErrUserNotFound, id)
	}
	if err != nil {
		return settlement.User{}, unavailable("get user", err)
	}
	u.ReferredBy = settlement.UserID(referredBy.String)
	return u, nil
}

// ListUsers returns every user ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]settlement.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM users ORDER BY id")
	if err != nil {
		return nil, unavailable("list users", err)
	}
	var ids []settlement.UserID
	for rows.Next() {
		var id settlement.UserID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	users := make([]settlement.User, 0, len(ids))
	for _, id := range ids {
		u, err := s.getUser(ctx, id)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

// UpdateUser writes balance and totals if the stored version still equals
// ExpectedVersion, and records CreditKey in the same transaction.
func (s *Store) UpdateUser(ctx context.Context, upd settlement.UserUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("update user", err)
	}
	defer tx.Rollback()

	if upd.CreditKey != "" {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO applied_credits (user_id, credit_key, applied_at) VALUES (?, ?, ?)",
			upd.ID, upd.CreditKey, time.Now().UTC().Format(time.RFC3339Nano))
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: credit %s already applied to %s",
				settlement.ErrDuplicateIdempotencyKey, upd.CreditKey, upd.ID)
		}
		if err != nil {
			return unavailable("update user", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE users
		SET balance = ?, total_earned = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		upd.Balance.String(), upd.TotalEarned.String(), upd.ID, upd.ExpectedVersion,
	)
	if err != nil {
		return unavailable("update user", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if err := tx.Commit(); err != nil {
			return unavailable("update user", err)
		}
		return nil
	}
	tx.Rollback()

	current, err := s.getUser(ctx, upd.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: user %s at version %d, expected %d",
		settlement.ErrConcurrentModification, upd.ID, current.Version, upd.ExpectedVersion)
}

// HasCredit reports whether key was applied to the user's balance.
func (s *Store) HasCredit(ctx context.Context, userID settlement.UserID, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM applied_credits WHERE user_id = ? AND credit_key = ?",
		userID, key,
	).Scan(&n)
	if err != nil {
		return false, unavailable("has credit", err)
	}
	return n > 0, nil
}

// =============================================================================
// LOT POSITIONS
// =============================================================================

// SaveLotPosition inserts or replaces a lot position. Purchases live outside
// this service; this is used by seeding and the store protocol.
func (s *Store) SaveLotPosition(ctx context.Context, p settlement.LotPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO lot_positions (id, user_id, lot_id, active, last_earning_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			lot_id = excluded.lot_id,
			active = excluded.active,
			last_earning_date = excluded.last_earning_date
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.UserID, p.LotID, p.Active,
		nullString(p.LastEarningDate.String()),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: user %s already holds a position on lot %s",
				settlement.ErrValidationFailed, p.UserID, p.LotID)
		}
		return fmt.Errorf("failed to save lot position: %w", err)
	}
	return nil
}

func (s *Store) GetLotPosition(ctx context.Context, id settlement.LotPositionID) (settlement.LotPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p        settlement.LotPosition
		lastDate sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, lot_id, active, last_earning_date FROM lot_positions WHERE id = ?", id,
	).Scan(&p.ID, &p.UserID, &p.LotID, &p.Active, &lastDate)

	if errors.Is(err, sql.ErrNoRows) {
		return settlement.LotPosition{}, fmt.Errorf("%w: %s", settlement.ErrLotPositionNotFound, id)
	}
	if err != nil {
		return settlement.LotPosition{}, unavailable("get lot position", err)
	}
	if p.LastEarningDate, err = settlement.ParseDay(lastDate.String); err != nil {
		return settlement.LotPosition{}, err
	}
	return p, nil
}

// UpdateLastEarning moves the claim date of the (user, lot) position if it
// still equals ExpectedLastEarningDate. A zero expected date matches NULL.
func (s *Store) UpdateLastEarning(ctx context.Context, upd settlement.LastEarningUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE lot_positions SET last_earning_date = ?
		WHERE user_id = ? AND lot_id = ? AND last_earning_date IS ?`,
		upd.LastEarningDate.String(), upd.UserID, upd.LotID,
		nullString(upd.ExpectedLastEarningDate.String()),
	)
	if err != nil {
		return unavailable("update last earning", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current sql.NullString
	err = s.db.QueryRowContext(ctx,
		"SELECT last_earning_date FROM lot_positions WHERE user_id = ? AND lot_id = ?",
		upd.UserID, upd.LotID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: user %s lot %s", settlement.ErrLotPositionNotFound, upd.UserID, upd.LotID)
	}
	if err != nil {
		return unavailable("update last earning", err)
	}
	return fmt.Errorf("%w: user %s lot %s last earning %q, expected %q",
		settlement.ErrConcurrentModification, upd.UserID, upd.LotID, current.String, upd.ExpectedLastEarningDate)
}

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

// AppendTransaction adds a transaction to the ledger.
func (s *Store) AppendTransaction(ctx context.Context, tx settlement.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
		(id, user_id, tx_type, amount, status, lot_id, description, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.UserID,
		tx.Type,
		tx.Amount.String(),
		tx.Status,
		nullString(string(tx.LotID)),
		nullString(tx.Description),
		nullString(tx.IdempotencyKey),
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "idempotency_key") {
				return settlement.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("%w: transaction id %s already exists", settlement.ErrValidationFailed, tx.ID)
		}
		return unavailable("append transaction", err)
	}
	return nil
}

func (s *Store) FindTransactionByKey(ctx context.Context, userID settlement.UserID, key string) (settlement.Transaction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs, err := s.queryTransactions(ctx, transactionColumns+`
		WHERE user_id = ? AND idempotency_key = ?`, userID, key)
	if err != nil {
		return settlement.Transaction{}, false, err
	}
	if len(txs) == 0 {
		return settlement.Transaction{}, false, nil
	}
	return txs[0], true, nil
}

// ListTransactions returns a user's transactions in append order.
func (s *Store) ListTransactions(ctx context.Context, userID settlement.UserID) ([]settlement.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTransactions(ctx, transactionColumns+`
		WHERE user_id = ? ORDER BY seq ASC`, userID)
}

// GetAllTransactions returns the most recent transactions (for admin view).
func (s *Store) GetAllTransactions(ctx context.Context, limit int) ([]settlement.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	return s.queryTransactions(ctx, transactionColumns+`
		ORDER BY seq DESC LIMIT ?`, limit)
}

const transactionColumns = `
	SELECT id, user_id, tx_type, amount, status, lot_id, description, idempotency_key, created_at
	FROM transactions`

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]settlement.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query transactions", err)
	}
	defer rows.Close()

	var transactions []settlement.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (settlement.Transaction, error) {
	var (
		tx             settlement.Transaction
		lotID          sql.NullString
		description    sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&tx.ID, &tx.UserID, &tx.Type, &tx.Amount, &tx.Status,
		&lotID, &description, &idempotencyKey, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.LotID = settlement.LotID(lotID.String)
	tx.Description = description.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return tx, nil
}

// =============================================================================
// PENDING CASCADES
// =============================================================================

// EnqueuePending records a settlement for background completion. A second
// enqueue for the same source transaction reopens the existing row.
func (s *Store) EnqueuePending(ctx context.Context, p settlement.PendingCascade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_cascades
		(id, source_transaction_id, user_id, lot_position_id, lot_id, amount, claim_day, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(source_transaction_id) DO UPDATE SET
			last_error = excluded.last_error,
			resolved_at = NULL`,
		p.ID, p.SourceTransactionID, p.UserID, p.LotPositionID, p.LotID,
		p.Amount.String(), p.ClaimDay.String(),
		nullString(p.LastError),
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return unavailable("enqueue pending", err)
	}
	return nil
}

// ListPending returns unresolved entries, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]settlement.PendingCascade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, source_transaction_id, user_id, lot_position_id, lot_id, amount,
		       claim_day, attempts, last_error, created_at
		FROM pending_cascades
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC, id ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list pending", err)
	}
	defer rows.Close()

	var result []settlement.PendingCascade
	for rows.Next() {
		var (
			p         settlement.PendingCascade
			claimDay  string
			lastError sql.NullString
			createdAt string
		)
		if err := rows.Scan(&p.ID, &p.SourceTransactionID, &p.UserID, &p.LotPositionID, &p.LotID,
			&p.Amount, &claimDay, &p.Attempts, &lastError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending cascade: %w", err)
		}
		if p.ClaimDay, err = settlement.ParseDay(claimDay); err != nil {
			return nil, err
		}
		p.LastError = lastError.String
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) ResolvePending(ctx context.Context, id string) error {
	return s.updatePending(ctx, id,
		"UPDATE pending_cascades SET resolved_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339Nano), id)
}

func (s *Store) RecordPendingAttempt(ctx context.Context, id string, lastErr string) error {
	return s.updatePending(ctx, id,
		"UPDATE pending_cascades SET attempts = attempts + 1, last_error = ? WHERE id = ?",
		nullString(lastErr), id)
}

func (s *Store) updatePending(ctx context.Context, id, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable("update pending", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending settlement %s not found", id)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"pending_cascades", "transactions", "lot_positions", "applied_credits", "users"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func statusOrDefault(s string) string {
	if s == "" {
		return "active"
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// unavailable marks driver failures (locked database, I/O errors, context
// expiry) as transient so the coordinator retries them.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", settlement.ErrStoreUnavailable, op, err)
}
