package trade

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/Rohianon/equishare-portfolio-ledger/pkg/errors"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/events"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/logger"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/metrics"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/repository"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/wallet"
)

const (
	eventSource = "ledger-service"
	tradeMethod = "Trade"
	maxShareDP  = 6
	maxPriceDP  = 4
)

type Input struct {
	Symbol         string
	Side           types.Side
	Shares         decimal.Decimal
	Price          decimal.Decimal
	Note           string
	IdempotencyKey string
}

type Result struct {
	Position      *types.Position
	Trade         *types.Trade
	WalletBalance decimal.Decimal
	Replayed      bool
}

// Engine applies trades to positions and settles the cash leg in the same
// per-user transaction
type Engine struct {
	store     repository.LedgerStore
	wallet    *wallet.Service
	publisher events.Publisher
	notifier  wallet.Notifier
}

func NewEngine(store repository.LedgerStore, walletSvc *wallet.Service, publisher events.Publisher) *Engine {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Engine{store: store, wallet: walletSvc, publisher: publisher}
}

func (e *Engine) SetNotifier(n wallet.Notifier) {
	e.notifier = n
}

func validate(in Input) (Input, error) {
	in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
	in.Side = types.Side(strings.ToLower(strings.TrimSpace(string(in.Side))))
	in.Note = strings.TrimSpace(in.Note)

	if in.Symbol == "" {
		return in, apperrors.Validation(apperrors.ReasonInvalidSymbol)
	}
	if in.Side != types.SideBuy && in.Side != types.SideSell {
		return in, apperrors.Validation(apperrors.ReasonInvalidSide)
	}
	if !in.Shares.IsPositive() || !in.Shares.Equal(in.Shares.Round(maxShareDP)) {
		return in, apperrors.Validation(apperrors.ReasonInvalidShares)
	}
	if !in.Price.IsPositive() || !in.Price.Equal(in.Price.Round(maxPriceDP)) {
		return in, apperrors.Validation(apperrors.ReasonInvalidPrice)
	}
	if !cashTotal(in.Shares, in.Price).IsPositive() {
		return in, apperrors.Validation(apperrors.ReasonInvalidAmount)
	}
	return in, nil
}

// ApplyTrade executes one buy or sell. The position, trade row, wallet
// balance and wallet transaction commit together.
func (e *Engine) ApplyTrade(ctx context.Context, userID string, in Input) (*Result, error) {
	in, err := validate(in)
	if err != nil {
		metrics.RecordTrade(string(in.Side), "rejected")
		return nil, err
	}

	var (
		res      Result
		walletTx *types.WalletTransaction
	)
	err = e.store.WithUserTx(ctx, userID, func(tx repository.LedgerTx) error {
		if in.IdempotencyKey != "" {
			existing, err := tx.FindTrade(ctx, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				return e.replay(ctx, tx, existing, &res)
			}
		}

		pos, err := tx.GetPosition(ctx, in.Symbol)
		if err != nil {
			return err
		}

		total := cashTotal(in.Shares, in.Price)
		next := *pos
		realized := decimal.Zero
		switch in.Side {
		case types.SideBuy:
			next = applyBuy(next, in.Shares, total)
		case types.SideSell:
			if next, realized, err = applySell(next, in.Shares, total); err != nil {
				return err
			}
		}

		trade := &types.Trade{
			ID:             uuid.New().String(),
			Symbol:         in.Symbol,
			Side:           in.Side,
			Shares:         in.Shares,
			Price:          in.Price,
			Total:          total,
			RealizedPnL:    realized,
			Note:           in.Note,
			IdempotencyKey: in.IdempotencyKey,
		}

		entry := wallet.Entry{
			Action:    types.ActionTradeSell,
			Amount:    trade.Total,
			Method:    tradeMethod,
			Reference: trade.ID,
		}
		if in.Side == types.SideBuy {
			entry.Action = types.ActionTradeBuy
			entry.Debit = true
		}
		walletTx, err = e.wallet.Post(ctx, tx, entry)
		if err != nil {
			return err
		}

		if pos.ID == "" {
			if err := tx.EnsureSecurity(ctx, in.Symbol); err != nil {
				return err
			}
		}
		if err := tx.SavePosition(ctx, &next); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		res = Result{Position: &next, Trade: trade, WalletBalance: walletTx.ResultingBalance}
		return nil
	})

	if errors.Is(err, repository.ErrDuplicateKey) && in.IdempotencyKey != "" {
		err = e.store.WithUserTx(ctx, userID, func(tx repository.LedgerTx) error {
			existing, err := tx.FindTrade(ctx, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing == nil {
				return repository.ErrDuplicateKey
			}
			return e.replay(ctx, tx, existing, &res)
		})
	}
	if err != nil {
		metrics.RecordTrade(string(in.Side), "rejected")
		return nil, apperrors.Persistence(err)
	}

	if res.Replayed {
		metrics.RecordTrade(string(in.Side), "replayed")
		return &res, nil
	}

	metrics.RecordTrade(string(in.Side), "success")
	logger.WithContext(ctx).Info().
		Str("user_id", userID).
		Str("trade_id", res.Trade.ID).
		Str("symbol", in.Symbol).
		Str("side", string(in.Side)).
		Str("shares", in.Shares.String()).
		Str("price", in.Price.String()).
		Str("realized_pnl", res.Trade.RealizedPnL.String()).
		Str("balance", res.WalletBalance.StringFixed(2)).
		Msg("Trade executed")

	e.publish(ctx, userID, &res)
	e.wallet.PublishTransaction(ctx, walletTx)
	if e.notifier != nil {
		e.notifier.Notify(userID)
	}
	return &res, nil
}

func (e *Engine) replay(ctx context.Context, tx repository.LedgerTx, existing *types.Trade, res *Result) error {
	pos, err := tx.GetPosition(ctx, existing.Symbol)
	if err != nil {
		return err
	}
	w, err := tx.GetWallet(ctx)
	if err != nil {
		return err
	}
	*res = Result{Position: pos, Trade: existing, WalletBalance: w.Balance, Replayed: true}
	return nil
}

func (e *Engine) publish(ctx context.Context, userID string, res *Result) {
	event := events.NewEvent(events.EventTypeTradeExecuted, eventSource, events.TradeExecutedPayload{
		TradeID:      res.Trade.ID,
		UserID:       userID,
		Symbol:       res.Trade.Symbol,
		Side:         string(res.Trade.Side),
		Shares:       res.Trade.Shares,
		Price:        res.Trade.Price,
		Amount:       res.Trade.Total,
		RealizedPnL:  res.Trade.RealizedPnL,
		SharesAfter:  res.Position.TotalShares,
		AvgCostAfter: res.Position.AverageCost,
		BalanceAfter: res.WalletBalance,
		ExecutedAt:   res.Trade.ExecutedAt,
	})
	if err := e.publisher.Publish(ctx, events.TopicTradeExecuted, userID, event); err != nil {
		logger.WithContext(ctx).Warn().Err(err).Str("trade_id", res.Trade.ID).Msg("Failed to publish trade event")
	}
}

// Positions returns the user's open positions
func (e *Engine) Positions(ctx context.Context, userID string) ([]types.Position, error) {
	positions, err := e.store.ListPositions(ctx, userID, true)
	if err != nil {
		return nil, apperrors.Persistence(err)
	}
	return positions, nil
}

// Trades returns trade history, newest first
func (e *Engine) Trades(ctx context.Context, userID string, limit int) ([]types.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	trades, err := e.store.ListTrades(ctx, userID, limit)
	if err != nil {
		return nil, apperrors.Persistence(err)
	}
	return trades, nil
}
