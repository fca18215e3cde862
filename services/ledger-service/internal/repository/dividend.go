package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Rohianon/equishare-portfolio-ledger/pkg/database"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
)

const securityColumns = `
	id, symbol, name, exchange, currency, dividend_frequency, next_ex_date,
	ttm_dividend_per_share::text, created_at, updated_at`

const actionColumns = `
	a.id, a.security_id, a.symbol, a.type, a.ex_date, a.record_date, a.pay_date,
	a.amount_per_share::text, a.currency, a.status, a.created_at, a.updated_at`

const payoutColumns = `
	p.id, p.corporate_action_id, p.user_id, a.symbol, p.quantity_on_record_date::text,
	p.gross_amount::text, p.tax_withheld::text, p.net_amount::text, p.status,
	COALESCE(p.wallet_transaction_id::text, ''), COALESCE(p.failure_reason, ''),
	p.paid_at, p.created_at, p.updated_at`

func scanAction(row pgx.Row, extra ...any) (*types.CorporateAction, error) {
	var a types.CorporateAction
	dest := []any{
		&a.ID, &a.SecurityID, &a.Symbol, &a.Type, &a.ExDate, &a.RecordDate, &a.PayDate,
		&a.AmountPerShare, &a.Currency, &a.Status, &a.CreatedAt, &a.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &a, nil
}

func payoutDest(p *types.DividendPayout) []any {
	return []any{
		&p.ID, &p.CorporateActionID, &p.UserID, &p.Symbol, &p.QuantityOnRecordDate,
		&p.GrossAmount, &p.TaxWithheld, &p.NetAmount, &p.Status,
		&p.WalletTransactionID, &p.FailureReason, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt,
	}
}

func (s *PostgresStore) UpsertSecurity(ctx context.Context, sec *types.Security) (*types.Security, error) {
	if sec.ID == "" {
		sec.ID = uuid.New().String()
	}

	var out types.Security
	err := s.db.QueryRow(ctx, `
		INSERT INTO securities (id, symbol, name, exchange, currency, dividend_frequency, next_ex_date, ttm_dividend_per_share)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), securities.name),
			currency = EXCLUDED.currency,
			dividend_frequency = EXCLUDED.dividend_frequency,
			next_ex_date = COALESCE(EXCLUDED.next_ex_date, securities.next_ex_date),
			ttm_dividend_per_share = EXCLUDED.ttm_dividend_per_share,
			updated_at = NOW()
		RETURNING `+securityColumns,
		sec.ID, sec.Symbol, sec.Name, sec.Exchange, sec.Currency, sec.DividendFrequency,
		sec.NextExDate, sec.TTMDividendPerShare.String(),
	).Scan(
		&out.ID, &out.Symbol, &out.Name, &out.Exchange, &out.Currency, &out.DividendFrequency,
		&out.NextExDate, &out.TTMDividendPerShare, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert security: %w", err)
	}
	return &out, nil
}

func (s *PostgresStore) InsertCorporateAction(ctx context.Context, a *types.CorporateAction) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = types.ActionPending
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO corporate_actions
			(id, security_id, symbol, type, ex_date, record_date, pay_date, amount_per_share, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (security_id, ex_date) DO NOTHING
		RETURNING created_at, updated_at
	`, a.ID, a.SecurityID, a.Symbol, a.Type, a.ExDate, a.RecordDate, a.PayDate,
		a.AmountPerShare.String(), a.Currency, string(a.Status),
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert corporate action: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ListSnapshotCandidates(ctx context.Context, asOf time.Time) ([]types.CorporateAction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+actionColumns+`
		FROM corporate_actions a
		WHERE a.status = 'PENDING' AND a.record_date <= $1
		ORDER BY a.record_date ASC, a.id ASC
	`, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot candidates: %w", err)
	}
	defer rows.Close()

	var actions []types.CorporateAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan corporate action: %w", err)
		}
		actions = append(actions, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list snapshot candidates: %w", err)
	}
	return actions, nil
}

func (s *PostgresStore) SnapshotAction(ctx context.Context, actionID string, build BuildPayouts) (int, error) {
	created := 0
	err := database.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		var status, symbol string
		err := tx.QueryRow(ctx, `
			SELECT status, symbol FROM corporate_actions WHERE id = $1 FOR UPDATE
		`, actionID).Scan(&status, &symbol)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock corporate action: %w", err)
		}
		if types.ActionStatus(status) != types.ActionPending {
			return ErrStatusChanged
		}

		rows, err := tx.Query(ctx, `
			SELECT `+positionColumns+`
			FROM positions WHERE symbol = $1 AND total_shares > 0
			ORDER BY user_id ASC
		`, symbol)
		if err != nil {
			return fmt.Errorf("failed to list holders: %w", err)
		}
		holders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Position, error) {
			p, err := scanPosition(row)
			if err != nil {
				return types.Position{}, err
			}
			return *p, nil
		})
		if err != nil {
			return fmt.Errorf("failed to scan holders: %w", err)
		}

		for _, p := range build(holders) {
			if p.ID == "" {
				p.ID = uuid.New().String()
			}
			tag, err := tx.Exec(ctx, `
				INSERT INTO dividend_payouts
					(id, corporate_action_id, user_id, quantity_on_record_date, gross_amount, tax_withheld, net_amount, status)
				VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING')
				ON CONFLICT (corporate_action_id, user_id) DO NOTHING
			`, p.ID, actionID, p.UserID, p.QuantityOnRecordDate.String(), p.GrossAmount.String(),
				p.TaxWithheld.String(), p.NetAmount.String())
			if err != nil {
				return fmt.Errorf("failed to insert payout: %w", err)
			}
			created += int(tag.RowsAffected())
		}

		if _, err := tx.Exec(ctx, `
			UPDATE corporate_actions SET status = 'SNAPSHOTTED', updated_at = NOW()
			WHERE id = $1 AND status = 'PENDING'
		`, actionID); err != nil {
			return fmt.Errorf("failed to advance corporate action: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

func (s *PostgresStore) ListSettlementCandidates(ctx context.Context, asOf time.Time, includeFailed bool) ([]types.SettlementItem, error) {
	statuses := []string{string(types.PayoutPending)}
	if includeFailed {
		statuses = append(statuses, string(types.PayoutFailed))
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+payoutColumns+`, `+actionColumns+`
		FROM dividend_payouts p
		JOIN corporate_actions a ON a.id = p.corporate_action_id
		WHERE p.status = ANY($1) AND a.status = 'SNAPSHOTTED' AND a.pay_date <= $2
		ORDER BY a.pay_date ASC, p.id ASC
	`, statuses, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlement candidates: %w", err)
	}
	defer rows.Close()

	var items []types.SettlementItem
	for rows.Next() {
		var item types.SettlementItem
		a, err := scanAction(rowPrefix{rows, payoutDest(&item.Payout)})
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement candidate: %w", err)
		}
		item.Action = *a
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list settlement candidates: %w", err)
	}
	return items, nil
}

// rowPrefix scans leading columns into prefix and the rest into the
// destinations passed to Scan
type rowPrefix struct {
	row    pgx.Row
	prefix []any
}

func (r rowPrefix) Scan(dest ...any) error {
	return r.row.Scan(append(r.prefix, dest...)...)
}

func (s *PostgresStore) MarkPayoutPaid(ctx context.Context, p *types.DividendPayout) (bool, error) {
	paidAt := time.Now().UTC()
	if p.PaidAt != nil {
		paidAt = *p.PaidAt
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE dividend_payouts SET
			status = 'PAID',
			gross_amount = $2, tax_withheld = $3, net_amount = $4,
			wallet_transaction_id = $5, paid_at = $6, failure_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'FAILED')
	`, p.ID, p.GrossAmount.String(), p.TaxWithheld.String(), p.NetAmount.String(),
		nullable(p.WalletTransactionID), paidAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark payout paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkPayoutFailed(ctx context.Context, payoutID, reason string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE dividend_payouts SET status = 'FAILED', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING', 'FAILED')
	`, payoutID, reason)
	if err != nil {
		return false, fmt.Errorf("failed to mark payout failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompletePaidActions(ctx context.Context, asOf time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE corporate_actions a SET status = 'PAID', updated_at = NOW()
		WHERE a.status = 'SNAPSHOTTED' AND a.pay_date <= $1
		AND NOT EXISTS (
			SELECT 1 FROM dividend_payouts p
			WHERE p.corporate_action_id = a.id AND p.status <> 'PAID'
		)
	`, asOf)
	if err != nil {
		return 0, fmt.Errorf("failed to complete corporate actions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListUpcomingForUser(ctx context.Context, userID string, from time.Time) ([]types.UpcomingDividend, error) {
	rows, err := s.db.Query(ctx, `
		SELECT a.id, a.symbol, a.ex_date, a.record_date, a.pay_date,
			a.amount_per_share::text, a.currency, pos.total_shares::text
		FROM corporate_actions a
		JOIN positions pos ON pos.symbol = a.symbol AND pos.user_id = $1 AND pos.total_shares > 0
		WHERE a.status = 'PENDING' AND a.ex_date >= $2
		ORDER BY a.ex_date ASC, a.symbol ASC
	`, userID, from)
	if err != nil {
		return nil, fmt.Errorf("failed to list upcoming dividends: %w", err)
	}
	defer rows.Close()

	var upcoming []types.UpcomingDividend
	for rows.Next() {
		var u types.UpcomingDividend
		if err := rows.Scan(
			&u.CorporateActionID, &u.Symbol, &u.ExDate, &u.RecordDate, &u.PayDate,
			&u.AmountPerShare, &u.Currency, &u.Shares,
		); err != nil {
			return nil, fmt.Errorf("failed to scan upcoming dividend: %w", err)
		}
		u.EstimatedGross = u.Shares.Mul(u.AmountPerShare).Round(2)
		upcoming = append(upcoming, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list upcoming dividends: %w", err)
	}
	return upcoming, nil
}

func (s *PostgresStore) ListPayoutHistory(ctx context.Context, userID string, limit int) ([]types.PayoutHistoryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+payoutColumns+`, a.ex_date, a.pay_date, a.amount_per_share::text, a.currency
		FROM dividend_payouts p
		JOIN corporate_actions a ON a.id = p.corporate_action_id
		WHERE p.user_id = $1
		ORDER BY a.pay_date DESC, p.created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payout history: %w", err)
	}
	defer rows.Close()

	var history []types.PayoutHistoryItem
	for rows.Next() {
		var h types.PayoutHistoryItem
		dest := append(payoutDest(&h.DividendPayout), &h.ExDate, &h.PayDate, &h.AmountPerShare, &h.Currency)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list payout history: %w", err)
	}
	return history, nil
}
