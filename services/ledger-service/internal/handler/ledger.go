package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/Rohianon/equishare-portfolio-ledger/pkg/errors"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/response"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/trade"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/wallet"
)

// ApplyTrade records a buy or sell at the caller's price
// POST /api/v1/trade
func (h *Handler) ApplyTrade(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	var req types.TradeRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.ErrBadRequest.WithDetails("invalid request body")
	}

	res, err := h.trades.ApplyTrade(c.UserContext(), uid, trade.Input{
		Symbol:         req.Symbol,
		Side:           types.Side(req.Side),
		Shares:         req.Shares,
		Price:          req.Price,
		Note:           req.Note,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		return err
	}
	h.touch(uid)

	body := types.TradeResponse{
		Position:      res.Position,
		Transaction:   res.Trade,
		WalletBalance: res.WalletBalance,
		Replayed:      res.Replayed,
	}
	if res.Replayed {
		return response.Success(c, body)
	}
	return response.Created(c, body)
}

// ListTrades returns trade history, newest first
// GET /api/v1/trades
func (h *Handler) ListTrades(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	trades, err := h.trades.Trades(c.UserContext(), uid, c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	if trades == nil {
		trades = []types.Trade{}
	}
	return response.Success(c, trades)
}

// GetWallet returns the balance and cap
// GET /api/v1/wallet
func (h *Handler) GetWallet(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	balance, err := h.wallet.Balance(c.UserContext(), uid)
	if err != nil {
		return err
	}
	return response.Success(c, balance)
}

// WalletAction deposits or withdraws cash
// POST /api/v1/wallet
func (h *Handler) WalletAction(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	var req types.WalletRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.ErrBadRequest.WithDetails("invalid request body")
	}

	opts := wallet.Options{
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Method:         req.Method,
	}

	var res *wallet.Result
	switch types.WalletAction(strings.ToLower(strings.TrimSpace(req.Action))) {
	case types.ActionDeposit:
		res, err = h.wallet.Deposit(c.UserContext(), uid, req.Amount, opts)
	case types.ActionWithdraw:
		res, err = h.wallet.Withdraw(c.UserContext(), uid, req.Amount, opts)
	default:
		return apperrors.Validation(apperrors.ReasonInvalidAction)
	}
	if err != nil {
		return err
	}
	h.touch(uid)

	body := types.WalletResponse{
		Balance:     res.Balance,
		Transaction: res.Transaction,
		Replayed:    res.Replayed,
	}
	if res.Replayed {
		return response.Success(c, body)
	}
	return response.Created(c, body)
}

// ListWalletTransactions returns one page of wallet history
// GET /api/v1/wallet/transactions
func (h *Handler) ListWalletTransactions(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	perPage := c.QueryInt("per_page", 20)
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	txs, total, err := h.wallet.Transactions(c.UserContext(), uid, page, perPage)
	if err != nil {
		return err
	}
	if txs == nil {
		txs = []types.WalletTransaction{}
	}
	return response.Paginated(c, txs, page, perPage, total)
}
