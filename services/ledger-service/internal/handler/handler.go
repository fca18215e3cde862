package handler

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/Rohianon/equishare-portfolio-ledger/pkg/errors"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/middleware"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/response"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/dividend"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/quote"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/trade"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/valuation"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/wallet"
)

const serviceName = "ledger-service"

// BatchRunner runs a named batch step
type BatchRunner interface {
	RunStep(ctx context.Context, step string, opts dividend.SettleOptions) (*types.BatchResult, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler handles ledger HTTP requests
type Handler struct {
	wallet    *wallet.Service
	trades    *trade.Engine
	dividends *dividend.Pipeline
	valuation *valuation.Engine
	quotes    *quote.Resolver
	batch     BatchRunner
	db        Pinger
}

type Deps struct {
	Wallet    *wallet.Service
	Trades    *trade.Engine
	Dividends *dividend.Pipeline
	Valuation *valuation.Engine
	Quotes    *quote.Resolver
	Batch     BatchRunner
	DB        Pinger
}

func New(d Deps) *Handler {
	return &Handler{
		wallet:    d.Wallet,
		trades:    d.Trades,
		dividends: d.Dividends,
		valuation: d.Valuation,
		quotes:    d.Quotes,
		batch:     d.Batch,
		db:        d.DB,
	}
}

// userID returns the authenticated user or 401
func userID(c *fiber.Ctx) (string, error) {
	id := middleware.GetUserID(c)
	if id == "" {
		return "", apperrors.ErrUnauthorized
	}
	return id, nil
}

// idempotencyKey prefers the body field, then the Idempotency-Key header
func idempotencyKey(c *fiber.Ctx, body string) string {
	if k := strings.TrimSpace(body); k != "" {
		return k
	}
	return strings.TrimSpace(c.Get("Idempotency-Key"))
}

// Health check
// GET /health
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "healthy", "service": serviceName})
}

// Ready reports whether the database answers
// GET /ready
func (h *Handler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		return apperrors.ErrServiceUnavailable.WithDetails("database unavailable").WithError(err)
	}
	return c.JSON(fiber.Map{"status": "ready", "service": serviceName})
}

// BatchStep runs one dividend pipeline step
// POST /internal/batch/:step
func (h *Handler) BatchStep(c *fiber.Ctx) error {
	opts := dividend.SettleOptions{RetryFailed: c.QueryBool("retry_failed", false)}
	res, err := h.batch.RunStep(c.UserContext(), c.Params("step"), opts)
	if err != nil {
		return err
	}
	return response.Success(c, res)
}

// touch marks the caller active so the valuation tick keeps their
// snapshots current
func (h *Handler) touch(userID string) {
	if h.valuation != nil {
		h.valuation.Active().Touch(userID)
	}
}
