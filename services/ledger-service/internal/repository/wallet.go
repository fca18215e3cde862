package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
)

const walletTxColumns = `
	id, user_id, action, amount::text, resulting_balance::text,
	COALESCE(method, ''), COALESCE(reference, ''), COALESCE(idempotency_key, ''),
	metadata, created_at`

func scanWalletTx(row pgx.Row) (*types.WalletTransaction, error) {
	var t types.WalletTransaction
	var metadata []byte
	if err := row.Scan(
		&t.ID, &t.UserID, &t.Action, &t.Amount, &t.ResultingBalance,
		&t.Method, &t.Reference, &t.IdempotencyKey, &metadata, &t.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &t, nil
}

func getWallet(ctx context.Context, q querier, userID string, forUpdate bool) (*types.WalletAccount, error) {
	sql := `SELECT user_id, balance::text, created_at, updated_at FROM wallet_accounts WHERE user_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	var w types.WalletAccount
	err := q.QueryRow(ctx, sql, userID).Scan(&w.UserID, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &types.WalletAccount{UserID: userID, Balance: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

func findWalletTx(ctx context.Context, q querier, userID, key string) (*types.WalletTransaction, error) {
	t, err := scanWalletTx(q.QueryRow(ctx, `
		SELECT `+walletTxColumns+`
		FROM wallet_transactions WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find wallet transaction: %w", err)
	}
	return t, nil
}

func (t *pgLedgerTx) GetWallet(ctx context.Context) (*types.WalletAccount, error) {
	return getWallet(ctx, t.tx, t.userID, false)
}

func (t *pgLedgerTx) SetWalletBalance(ctx context.Context, balance decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE wallet_accounts SET balance = $1, updated_at = NOW() WHERE user_id = $2
	`, balance.String(), t.userID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) FindWalletTransaction(ctx context.Context, key string) (*types.WalletTransaction, error) {
	return findWalletTx(ctx, t.tx, t.userID, key)
}

func (t *pgLedgerTx) InsertWalletTransaction(ctx context.Context, wt *types.WalletTransaction) error {
	if wt.ID == "" {
		wt.ID = uuid.New().String()
	}
	if wt.CreatedAt.IsZero() {
		wt.CreatedAt = time.Now().UTC()
	}
	wt.UserID = t.userID

	var metadata []byte
	if len(wt.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(wt.Metadata); err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO wallet_transactions
			(id, user_id, action, amount, resulting_balance, method, reference, idempotency_key, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, wt.ID, wt.UserID, string(wt.Action), wt.Amount.String(), wt.ResultingBalance.String(),
		nullable(wt.Method), nullable(wt.Reference), nullable(wt.IdempotencyKey), metadata, wt.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert wallet transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*types.WalletAccount, error) {
	return getWallet(ctx, s.db, userID, false)
}

func (s *PostgresStore) FindWalletTransaction(ctx context.Context, userID, key string) (*types.WalletTransaction, error) {
	return findWalletTx(ctx, s.db, userID, key)
}

func (s *PostgresStore) ListWalletTransactions(ctx context.Context, userID string, limit, offset int) ([]types.WalletTransaction, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM wallet_transactions WHERE user_id = $1
	`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count wallet transactions: %w", err)
	}

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+walletTxColumns+`
		FROM wallet_transactions WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list wallet transactions: %w", err)
	}
	defer rows.Close()

	txs := make([]types.WalletTransaction, 0, limit)
	for rows.Next() {
		t, err := scanWalletTx(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan wallet transaction: %w", err)
		}
		txs = append(txs, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list wallet transactions: %w", err)
	}
	return txs, total, nil
}
