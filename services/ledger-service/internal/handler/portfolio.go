package handler

import (
	"github.com/gofiber/fiber/v2"

	apperrors "github.com/Rohianon/equishare-portfolio-ledger/pkg/errors"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/response"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/quote"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/valuation"
)

type PortfolioResponse struct {
	Positions []types.Position     `json:"positions"`
	Wallet    *types.WalletBalance `json:"wallet"`
	Valuation *valuation.Valuation `json:"valuation,omitempty"`
}

// GetPortfolio returns open positions and the wallet. With enrich (the
// default) it also marks the portfolio to market and records a snapshot.
// GET /api/v1/portfolio
func (h *Handler) GetPortfolio(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	ctx := c.UserContext()
	h.touch(uid)

	positions, err := h.trades.Positions(ctx, uid)
	if err != nil {
		return err
	}
	if positions == nil {
		positions = []types.Position{}
	}
	balance, err := h.wallet.Balance(ctx, uid)
	if err != nil {
		return err
	}

	resp := PortfolioResponse{Positions: positions, Wallet: balance}
	if c.QueryBool("enrich", true) {
		v, _, err := h.valuation.Refresh(ctx, uid)
		if err != nil {
			return err
		}
		resp.Valuation = v
	}
	return response.Success(c, resp)
}

// GetTimeseries returns portfolio value history
// GET /api/v1/portfolio/timeseries
func (h *Handler) GetTimeseries(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	h.touch(uid)

	series, err := h.valuation.Series(c.UserContext(), uid, c.Query("range"), c.Query("granularity"))
	if err != nil {
		return err
	}
	return response.Success(c, series)
}

// GetQuote resolves one symbol through the provider chain
// GET /api/v1/quotes/:symbol
func (h *Handler) GetQuote(c *fiber.Ctx) error {
	symbol := quote.NormalizeSymbol(c.Params("symbol"))
	if symbol == "" {
		return apperrors.Validation(apperrors.ReasonInvalidSymbol)
	}

	q, err := h.quotes.Resolve(c.UserContext(), symbol)
	if err != nil {
		return err
	}
	return response.Success(c, q)
}

// UpcomingDividends lists pending dividends on held symbols
// GET /api/v1/dividends/upcoming
func (h *Handler) UpcomingDividends(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	upcoming, err := h.dividends.Upcoming(c.UserContext(), uid)
	if err != nil {
		return err
	}
	if upcoming == nil {
		upcoming = []types.UpcomingDividend{}
	}
	return response.Success(c, upcoming)
}

// DividendHistory lists the caller's payouts, newest first
// GET /api/v1/dividends/history
func (h *Handler) DividendHistory(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	history, err := h.dividends.History(c.UserContext(), uid, c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	if history == nil {
		history = []types.PayoutHistoryItem{}
	}
	return response.Success(c, history)
}
