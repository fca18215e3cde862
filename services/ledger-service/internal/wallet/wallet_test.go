package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	apperrors "github.com/Rohianon/equishare-portfolio-ledger/pkg/errors"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/events"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/repository"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type countingNotifier struct {
	mu    sync.Mutex
	users []string
}

func (n *countingNotifier) Notify(userID string) {
	n.mu.Lock()
	n.users = append(n.users, userID)
	n.mu.Unlock()
}

func newTestService() (*Service, *repository.MemoryStore, *events.Recorder) {
	store := repository.NewMemoryStore()
	rec := events.NewRecorder()
	return NewService(store, rec, DefaultCap), store, rec
}

func TestDeposit_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name   string
		amount string
		reason string
	}{
		{"zero", "0", apperrors.ReasonInvalidAmount},
		{"negative", "-5", apperrors.ReasonInvalidAmount},
		{"three decimals", "10.005", apperrors.ReasonAmountTooManyDecimals},
		{"over cap", "1000000.01", apperrors.ReasonAmountExceedsCap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Deposit(ctx, "u1", d(tt.amount), Options{})
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("error = %v, want ErrValidation", err)
			}
			if got := apperrors.Reason(err); got != tt.reason {
				t.Errorf("reason = %s, want %s", got, tt.reason)
			}
		})
	}
}

func TestReservedIdempotencyKey(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	// A client deposit must not claim the key of a future payout credit
	key := DividendKey("payout-9")
	if _, err := svc.Deposit(ctx, "u1", d("5"), Options{IdempotencyKey: key}); apperrors.Reason(err) != apperrors.ReasonReservedKey {
		t.Fatalf("Deposit() error = %v, want %s", err, apperrors.ReasonReservedKey)
	}
	if _, err := svc.Withdraw(ctx, "u1", d("5"), Options{IdempotencyKey: key}); apperrors.Reason(err) != apperrors.ReasonReservedKey {
		t.Fatalf("Withdraw() error = %v, want %s", err, apperrors.ReasonReservedKey)
	}

	res, err := svc.Credit(ctx, "u1", d("7.5"), CreditOptions{
		Action:         types.ActionDividend,
		Reference:      "payout-9",
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("Credit() error = %v", err)
	}
	if res.Replayed || !res.Balance.Equal(d("7.5")) {
		t.Errorf("credit replayed=%v balance=%s, want a fresh 7.5 credit", res.Replayed, res.Balance)
	}
}

func TestDeposit_BalanceCap(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, "u1", d("1000000"), Options{}); err != nil {
		t.Fatalf("deposit to cap error = %v", err)
	}
	_, err := svc.Deposit(ctx, "u1", d("0.01"), Options{})
	if apperrors.Reason(err) != apperrors.ReasonBalanceExceedsCap {
		t.Fatalf("error = %v, want balance_exceeds_cap", err)
	}

	bal, _ := svc.Balance(ctx, "u1")
	if !bal.Balance.Equal(d("1000000")) {
		t.Errorf("balance = %s, want unchanged 1000000", bal.Balance)
	}
	if !bal.Cap.Equal(DefaultCap) {
		t.Errorf("cap = %s", bal.Cap)
	}
}

func TestDepositWithdraw(t *testing.T) {
	svc, _, rec := newTestService()
	notifier := &countingNotifier{}
	svc.SetNotifier(notifier)
	ctx := context.Background()

	res, err := svc.Deposit(ctx, "u1", d("100.50"), Options{})
	if err != nil {
		t.Fatalf("Deposit() error = %v", err)
	}
	if !res.Balance.Equal(d("100.5")) || res.Replayed {
		t.Errorf("Deposit() = %s replayed=%v", res.Balance, res.Replayed)
	}
	if res.Transaction.Method != types.DefaultMethod {
		t.Errorf("Method = %s, want %s", res.Transaction.Method, types.DefaultMethod)
	}

	res, err = svc.Withdraw(ctx, "u1", d("40.25"), Options{Method: "Bank"})
	if err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if !res.Balance.Equal(d("60.25")) {
		t.Errorf("balance = %s, want 60.25", res.Balance)
	}
	if !res.Transaction.ResultingBalance.Equal(res.Balance) {
		t.Error("transaction should carry the resulting balance")
	}

	if n := len(rec.Events(events.TopicWalletTransaction)); n != 2 {
		t.Errorf("published %d wallet events, want 2", n)
	}
	if len(notifier.users) != 2 {
		t.Errorf("notified %d times, want 2", len(notifier.users))
	}
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, "u1", d("10"), Options{}); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Withdraw(ctx, "u1", d("10.01"), Options{})
	if !errors.Is(err, apperrors.ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}

	txs, total, _ := svc.Transactions(ctx, "u1", 1, 10)
	if total != 1 || len(txs) != 1 {
		t.Errorf("transactions = %d, want 1", total)
	}
}

func TestDeposit_IdempotentReplay(t *testing.T) {
	svc, _, rec := newTestService()
	ctx := context.Background()

	first, err := svc.Deposit(ctx, "u1", d("25"), Options{IdempotencyKey: "dep-1"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Deposit(ctx, "u1", d("25"), Options{IdempotencyKey: "dep-1"})
	if err != nil {
		t.Fatal(err)
	}

	if !second.Replayed {
		t.Error("second call should be a replay")
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Error("replay should return the original transaction")
	}
	if !second.Balance.Equal(d("25")) {
		t.Errorf("balance = %s, want 25", second.Balance)
	}

	bal, _ := svc.Balance(ctx, "u1")
	if !bal.Balance.Equal(d("25")) {
		t.Errorf("stored balance = %s, want 25", bal.Balance)
	}
	if n := len(rec.Events(events.TopicWalletTransaction)); n != 1 {
		t.Errorf("replay must not publish, got %d events", n)
	}
}

func TestDeposit_ConcurrentSameKey(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	replays := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Deposit(ctx, "u1", d("5"), Options{IdempotencyKey: "once"})
			if err != nil {
				t.Errorf("Deposit() error = %v", err)
				return
			}
			if res.Replayed {
				mu.Lock()
				replays++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if replays != 19 {
		t.Errorf("replays = %d, want 19", replays)
	}
	bal, _ := svc.Balance(ctx, "u1")
	if !bal.Balance.Equal(d("5")) {
		t.Errorf("balance = %s, want 5", bal.Balance)
	}
}

func TestDeposit_ConcurrentDistinct(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Deposit(ctx, "u1", d("1.25"), Options{}); err != nil {
				t.Errorf("Deposit() error = %v", err)
			}
		}()
	}
	wg.Wait()

	bal, _ := svc.Balance(ctx, "u1")
	if !bal.Balance.Equal(d("50")) {
		t.Errorf("balance = %s, want 50", bal.Balance)
	}
}

func TestCredit(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	opts := CreditOptions{
		Action:         types.ActionDividend,
		Reference:      "payout-1",
		IdempotencyKey: DividendKey("payout-1"),
		Metadata:       map[string]string{"symbol": "KO"},
	}
	res, err := svc.Credit(ctx, "u1", d("12"), opts)
	if err != nil {
		t.Fatalf("Credit() error = %v", err)
	}
	if res.Transaction.Action != types.ActionDividend || res.Transaction.Reference != "payout-1" {
		t.Errorf("transaction = %+v", res.Transaction)
	}
	if res.Transaction.Metadata["symbol"] != "KO" {
		t.Error("metadata should be stored")
	}

	again, err := svc.Credit(ctx, "u1", d("12"), opts)
	if err != nil || !again.Replayed {
		t.Fatalf("second Credit() = %+v, %v, want replay", again, err)
	}
	bal, _ := svc.Balance(ctx, "u1")
	if !bal.Balance.Equal(d("12")) {
		t.Errorf("balance = %s, want 12", bal.Balance)
	}
}

func TestTransactions_Pagination(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := svc.Deposit(ctx, "u1", decimal.NewFromInt(int64(i)), Options{}); err != nil {
			t.Fatal(err)
		}
	}

	page, total, err := svc.Transactions(ctx, "u1", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(page) != 1 || !page[0].Amount.Equal(d("1")) {
		t.Errorf("page 2 = %+v total=%d", page, total)
	}
}
