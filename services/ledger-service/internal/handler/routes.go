package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Rohianon/equishare-portfolio-ledger/pkg/auth"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/metrics"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/middleware"
)

// Register mounts every ledger route on app
func (h *Handler) Register(app fiber.Router, jwtSecret string) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	app.Get("/metrics", metrics.Handler())

	api := app.Group("/api/v1", middleware.Auth(jwtSecret))

	api.Post("/trade", h.ApplyTrade)
	api.Get("/trades", h.ListTrades)

	api.Get("/wallet", h.GetWallet)
	api.Post("/wallet", h.WalletAction)
	api.Get("/wallet/transactions", h.ListWalletTransactions)

	api.Get("/portfolio", h.GetPortfolio)
	api.Get("/portfolio/timeseries", h.GetTimeseries)

	api.Get("/quotes/:symbol", h.GetQuote)

	api.Get("/dividends/upcoming", h.UpcomingDividends)
	api.Get("/dividends/history", h.DividendHistory)

	internal := app.Group("/internal", middleware.Auth(jwtSecret), middleware.RequireRole(auth.RoleService))
	internal.Post("/batch/:step", h.BatchStep)
}
