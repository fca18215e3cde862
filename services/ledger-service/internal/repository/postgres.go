package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Rohianon/equishare-portfolio-ledger/pkg/database"
)

// =============================================================================
// Postgres Store
// =============================================================================
// NUMERIC columns are selected as ::text and scanned into decimal.Decimal;
// writes pass decimal.String(). Per-user work locks the wallet_accounts row
// FOR UPDATE, so two mutations for the same user never interleave while
// different users proceed in parallel.
// =============================================================================

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) WithUserTx(ctx context.Context, userID string, fn func(tx LedgerTx) error) error {
	return database.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO wallet_accounts (user_id, balance)
			VALUES ($1, 0)
			ON CONFLICT (user_id) DO NOTHING
		`, userID); err != nil {
			return fmt.Errorf("failed to ensure wallet: %w", err)
		}

		var locked string
		if err := tx.QueryRow(ctx, `
			SELECT user_id FROM wallet_accounts WHERE user_id = $1 FOR UPDATE
		`, userID).Scan(&locked); err != nil {
			return fmt.Errorf("failed to lock wallet: %w", err)
		}

		return fn(&pgLedgerTx{tx: tx, userID: userID})
	})
}

type pgLedgerTx struct {
	tx     pgx.Tx
	userID string
}

func (t *pgLedgerTx) UserID() string { return t.userID }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// nullable maps empty strings to NULL
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
