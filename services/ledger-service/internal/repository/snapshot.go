package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
)

const snapshotColumns = `
	id, user_id, taken_at, total_portfolio_value::text, market_value::text,
	cost_basis::text, total_return::text, total_return_pct::text,
	wallet_balance::text, holdings_count, details`

func scanSnapshot(row pgx.Row) (*types.PortfolioSnapshot, error) {
	var s types.PortfolioSnapshot
	var details []byte
	if err := row.Scan(
		&s.ID, &s.UserID, &s.TakenAt, &s.TotalPortfolioValue, &s.MarketValue,
		&s.CostBasis, &s.TotalReturn, &s.TotalReturnPct,
		&s.WalletBalance, &s.HoldingsCount, &details,
	); err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &s.Details); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot details: %w", err)
		}
	}
	return &s, nil
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, userID string) (*types.PortfolioSnapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM portfolio_snapshots WHERE user_id = $1
		ORDER BY taken_at DESC LIMIT 1
	`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *types.PortfolioSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}

	var details []byte
	if len(snap.Details) > 0 {
		var err error
		if details, err = json.Marshal(snap.Details); err != nil {
			return fmt.Errorf("failed to encode snapshot details: %w", err)
		}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO portfolio_snapshots
			(id, user_id, taken_at, total_portfolio_value, market_value, cost_basis,
			 total_return, total_return_pct, wallet_balance, holdings_count, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, snap.ID, snap.UserID, snap.TakenAt, snap.TotalPortfolioValue.String(), snap.MarketValue.String(),
		snap.CostBasis.String(), snap.TotalReturn.String(), snap.TotalReturnPct.String(),
		snap.WalletBalance.String(), snap.HoldingsCount, details)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns snapshots in [from, to] in ascending time order.
// A zero from means from the beginning.
func (s *PostgresStore) ListSnapshots(ctx context.Context, userID string, from, to time.Time) ([]types.PortfolioSnapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+snapshotColumns+`
		FROM portfolio_snapshots
		WHERE user_id = $1 AND taken_at >= $2 AND taken_at <= $3
		ORDER BY taken_at ASC
	`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []types.PortfolioSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snaps, nil
}
