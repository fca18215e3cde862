package wallet

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "github.com/Rohianon/equishare-portfolio-ledger/pkg/errors"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/events"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/logger"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/metrics"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/repository"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
)

const (
	eventSource = "ledger-service"

	// dividendKeyPrefix namespaces system credit keys away from client keys
	dividendKeyPrefix = "dividend:"
)

// DefaultCap is the maximum balance a wallet may hold
var DefaultCap = decimal.NewFromInt(1_000_000)

// Notifier is told about every committed balance change
type Notifier interface {
	Notify(userID string)
}

type Options struct {
	IdempotencyKey string
	Method         string
}

// CreditOptions describe a system credit such as a dividend
type CreditOptions struct {
	Action         types.WalletAction
	Reference      string
	IdempotencyKey string
	Metadata       map[string]string
}

// Entry is one balance movement posted inside an open ledger transaction
type Entry struct {
	Action         types.WalletAction
	Amount         decimal.Decimal
	Debit          bool
	Method         string
	Reference      string
	IdempotencyKey string
	Metadata       map[string]string
}

type Result struct {
	Balance     decimal.Decimal
	Transaction *types.WalletTransaction
	Replayed    bool
}

type Service struct {
	store     repository.LedgerStore
	publisher events.Publisher
	cap       decimal.Decimal
	notifier  Notifier
}

func NewService(store repository.LedgerStore, publisher events.Publisher, balanceCap decimal.Decimal) *Service {
	if !balanceCap.IsPositive() {
		balanceCap = DefaultCap
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Service{store: store, publisher: publisher, cap: balanceCap}
}

// DividendKey is the idempotency key of the credit for one payout
func DividendKey(payoutID string) string {
	return dividendKeyPrefix + payoutID
}

func validateKey(key string) error {
	if strings.HasPrefix(key, dividendKeyPrefix) {
		return apperrors.Validation(apperrors.ReasonReservedKey)
	}
	return nil
}

func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) Cap() decimal.Decimal {
	return s.cap
}

// ValidateAmount checks a user-supplied amount before anything is read
func (s *Service) ValidateAmount(action types.WalletAction, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperrors.Validation(apperrors.ReasonInvalidAmount)
	}
	if !amount.Equal(amount.Round(2)) {
		return apperrors.Validation(apperrors.ReasonAmountTooManyDecimals)
	}
	if action == types.ActionDeposit && amount.GreaterThan(s.cap) {
		return apperrors.Validation(apperrors.ReasonAmountExceedsCap)
	}
	return nil
}

func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal, opts Options) (*Result, error) {
	if err := s.ValidateAmount(types.ActionDeposit, amount); err != nil {
		metrics.RecordWalletTransaction(string(types.ActionDeposit), "rejected")
		return nil, err
	}
	if err := validateKey(opts.IdempotencyKey); err != nil {
		metrics.RecordWalletTransaction(string(types.ActionDeposit), "rejected")
		return nil, err
	}
	return s.apply(ctx, userID, Entry{
		Action:         types.ActionDeposit,
		Amount:         amount,
		Method:         methodOrDefault(opts.Method),
		IdempotencyKey: opts.IdempotencyKey,
	})
}

func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, opts Options) (*Result, error) {
	if err := s.ValidateAmount(types.ActionWithdraw, amount); err != nil {
		metrics.RecordWalletTransaction(string(types.ActionWithdraw), "rejected")
		return nil, err
	}
	if err := validateKey(opts.IdempotencyKey); err != nil {
		metrics.RecordWalletTransaction(string(types.ActionWithdraw), "rejected")
		return nil, err
	}
	return s.apply(ctx, userID, Entry{
		Action:         types.ActionWithdraw,
		Amount:         amount,
		Debit:          true,
		Method:         methodOrDefault(opts.Method),
		IdempotencyKey: opts.IdempotencyKey,
	})
}

// Credit posts a system credit. Only the cap is enforced; amounts come
// from internal computation and are already rounded.
func (s *Service) Credit(ctx context.Context, userID string, amount decimal.Decimal, opts CreditOptions) (*Result, error) {
	if !amount.IsPositive() {
		return nil, apperrors.Validation(apperrors.ReasonInvalidAmount)
	}
	action := opts.Action
	if action == "" {
		action = types.ActionDividend
	}
	return s.apply(ctx, userID, Entry{
		Action:         action,
		Amount:         amount,
		Method:         "System",
		Reference:      opts.Reference,
		IdempotencyKey: opts.IdempotencyKey,
		Metadata:       opts.Metadata,
	})
}

func (s *Service) apply(ctx context.Context, userID string, entry Entry) (*Result, error) {
	var result Result
	err := s.store.WithUserTx(ctx, userID, func(tx repository.LedgerTx) error {
		if entry.IdempotencyKey != "" {
			existing, err := tx.FindWalletTransaction(ctx, entry.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				result = Result{Balance: existing.ResultingBalance, Transaction: existing, Replayed: true}
				return nil
			}
		}

		wt, err := s.Post(ctx, tx, entry)
		if err != nil {
			return err
		}
		result = Result{Balance: wt.ResultingBalance, Transaction: wt}
		return nil
	})

	if errors.Is(err, repository.ErrDuplicateKey) {
		existing, findErr := s.store.FindWalletTransaction(ctx, userID, entry.IdempotencyKey)
		if findErr == nil && existing != nil {
			result = Result{Balance: existing.ResultingBalance, Transaction: existing, Replayed: true}
			err = nil
		}
	}
	if err != nil {
		metrics.RecordWalletTransaction(string(entry.Action), "rejected")
		return nil, apperrors.Persistence(err)
	}

	if result.Replayed {
		metrics.RecordWalletTransaction(string(entry.Action), "replayed")
		logger.WithContext(ctx).Info().
			Str("user_id", userID).
			Str("idempotency_key", entry.IdempotencyKey).
			Str("transaction_id", result.Transaction.ID).
			Msg("Wallet transaction replayed")
		return &result, nil
	}

	metrics.RecordWalletTransaction(string(entry.Action), "success")
	logger.WithContext(ctx).Info().
		Str("user_id", userID).
		Str("action", string(entry.Action)).
		Str("amount", entry.Amount.StringFixed(2)).
		Str("balance", result.Balance.StringFixed(2)).
		Str("transaction_id", result.Transaction.ID).
		Msg("Wallet transaction committed")

	s.PublishTransaction(ctx, result.Transaction)
	s.notify(userID)
	return &result, nil
}

// Post applies entry to the wallet inside tx and records the transaction.
// The resulting balance must stay within [0, cap].
func (s *Service) Post(ctx context.Context, tx repository.LedgerTx, entry Entry) (*types.WalletTransaction, error) {
	w, err := tx.GetWallet(ctx)
	if err != nil {
		return nil, err
	}

	balance := w.Balance.Add(entry.Amount)
	if entry.Debit {
		balance = w.Balance.Sub(entry.Amount)
	}
	if balance.IsNegative() {
		return nil, apperrors.ErrInsufficientFunds.WithDetails(
			"Available: " + w.Balance.StringFixed(2) + ", Required: " + entry.Amount.StringFixed(2))
	}
	if balance.GreaterThan(s.cap) {
		return nil, apperrors.Validation(apperrors.ReasonBalanceExceedsCap)
	}

	if err := tx.SetWalletBalance(ctx, balance); err != nil {
		return nil, err
	}

	wt := &types.WalletTransaction{
		Action:           entry.Action,
		Amount:           entry.Amount,
		ResultingBalance: balance,
		Method:           entry.Method,
		Reference:        entry.Reference,
		IdempotencyKey:   entry.IdempotencyKey,
		Metadata:         entry.Metadata,
	}
	if err := tx.InsertWalletTransaction(ctx, wt); err != nil {
		return nil, err
	}
	return wt, nil
}

// PublishTransaction emits the wallet transaction event. Failures are logged only.
func (s *Service) PublishTransaction(ctx context.Context, wt *types.WalletTransaction) {
	event := events.NewEvent(events.EventTypeWalletTransaction, eventSource, events.WalletTransactionPayload{
		TransactionID:  wt.ID,
		UserID:         wt.UserID,
		Action:         string(wt.Action),
		Amount:         wt.Amount,
		BalanceAfter:   wt.ResultingBalance,
		IdempotencyKey: wt.IdempotencyKey,
		CreatedAt:      wt.CreatedAt,
	})
	if err := s.publisher.Publish(ctx, events.TopicWalletTransaction, wt.UserID, event); err != nil {
		logger.WithContext(ctx).Warn().Err(err).Str("transaction_id", wt.ID).Msg("Failed to publish wallet event")
	}
}

// notify tells the notifier the user's balance moved
func (s *Service) notify(userID string) {
	if s.notifier != nil {
		s.notifier.Notify(userID)
	}
}

func (s *Service) Balance(ctx context.Context, userID string) (*types.WalletBalance, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, apperrors.Persistence(err)
	}
	return &types.WalletBalance{Balance: w.Balance, Cap: s.cap}, nil
}

// Transactions returns one page of history, newest first
func (s *Service) Transactions(ctx context.Context, userID string, page, perPage int) ([]types.WalletTransaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	txs, total, err := s.store.ListWalletTransactions(ctx, userID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, apperrors.Persistence(err)
	}
	return txs, total, nil
}

func methodOrDefault(method string) string {
	if method == "" {
		return types.DefaultMethod
	}
	return method
}
