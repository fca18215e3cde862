package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
)

const positionColumns = `
	id, user_id, symbol, total_shares::text, average_cost::text,
	total_cost::text, realized_pnl::text, created_at, updated_at`

const tradeColumns = `
	id, user_id, symbol, side, shares::text, price::text, total::text,
	realized_pnl::text, COALESCE(note, ''), COALESCE(idempotency_key, ''), executed_at`

func scanPosition(row pgx.Row) (*types.Position, error) {
	var p types.Position
	err := row.Scan(
		&p.ID, &p.UserID, &p.Symbol, &p.TotalShares, &p.AverageCost,
		&p.TotalCost, &p.RealizedPnL, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanTrade(row pgx.Row) (*types.Trade, error) {
	var t types.Trade
	err := row.Scan(
		&t.ID, &t.UserID, &t.Symbol, &t.Side, &t.Shares, &t.Price, &t.Total,
		&t.RealizedPnL, &t.Note, &t.IdempotencyKey, &t.ExecutedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// emptyPosition is what a never-traded symbol looks like
func emptyPosition(userID, symbol string) *types.Position {
	return &types.Position{
		UserID:      userID,
		Symbol:      symbol,
		TotalShares: decimal.Zero,
		AverageCost: decimal.Zero,
		TotalCost:   decimal.Zero,
		RealizedPnL: decimal.Zero,
	}
}

func getPosition(ctx context.Context, q querier, userID, symbol string) (*types.Position, error) {
	p, err := scanPosition(q.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM positions WHERE user_id = $1 AND symbol = $2
	`, userID, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return emptyPosition(userID, symbol), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return p, nil
}

func findTrade(ctx context.Context, q querier, userID, key string) (*types.Trade, error) {
	t, err := scanTrade(q.QueryRow(ctx, `
		SELECT `+tradeColumns+`
		FROM trades WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find trade: %w", err)
	}
	return t, nil
}

func (t *pgLedgerTx) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
	return getPosition(ctx, t.tx, t.userID, symbol)
}

func (t *pgLedgerTx) SavePosition(ctx context.Context, p *types.Position) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.UserID = t.userID
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := t.tx.Exec(ctx, `
		INSERT INTO positions (id, user_id, symbol, total_shares, average_cost, total_cost, realized_pnl, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, symbol) DO UPDATE SET
			total_shares = EXCLUDED.total_shares,
			average_cost = EXCLUDED.average_cost,
			total_cost = EXCLUDED.total_cost,
			realized_pnl = EXCLUDED.realized_pnl,
			updated_at = EXCLUDED.updated_at
	`, p.ID, p.UserID, p.Symbol, p.TotalShares.String(), p.AverageCost.String(),
		p.TotalCost.String(), p.RealizedPnL.String(), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) FindTrade(ctx context.Context, key string) (*types.Trade, error) {
	return findTrade(ctx, t.tx, t.userID, key)
}

func (t *pgLedgerTx) InsertTrade(ctx context.Context, tr *types.Trade) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.ExecutedAt.IsZero() {
		tr.ExecutedAt = time.Now().UTC()
	}
	tr.UserID = t.userID

	_, err := t.tx.Exec(ctx, `
		INSERT INTO trades (id, user_id, symbol, side, shares, price, total, realized_pnl, note, idempotency_key, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, tr.ID, tr.UserID, tr.Symbol, string(tr.Side), tr.Shares.String(), tr.Price.String(),
		tr.Total.String(), tr.RealizedPnL.String(), nullable(tr.Note), nullable(tr.IdempotencyKey), tr.ExecutedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) EnsureSecurity(ctx context.Context, symbol string) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO securities (id, symbol, name)
		VALUES ($1, $2, $2)
		ON CONFLICT (symbol) DO NOTHING
	`, uuid.New().String(), symbol)
	if err != nil {
		return fmt.Errorf("failed to ensure security: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, symbol string) (*types.Position, error) {
	return getPosition(ctx, s.db, userID, symbol)
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string, openOnly bool) ([]types.Position, error) {
	sql := `SELECT ` + positionColumns + ` FROM positions WHERE user_id = $1`
	if openOnly {
		sql += ` AND total_shares > 0`
	}
	sql += ` ORDER BY symbol ASC`

	rows, err := s.db.Query(ctx, sql, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var positions []types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	return positions, nil
}

func (s *PostgresStore) FindTrade(ctx context.Context, userID, key string) (*types.Trade, error) {
	return findTrade(ctx, s.db, userID, key)
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string, limit int) ([]types.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades WHERE user_id = $1
		ORDER BY executed_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []types.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}
