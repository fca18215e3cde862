package trade

import (
	"github.com/shopspring/decimal"

	apperrors "github.com/Rohianon/equishare-portfolio-ledger/pkg/errors"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
)

// Precision of stored quantities
const (
	costPlaces  = 8
	moneyPlaces = 4
	cashPlaces  = 2
)

// cashTotal is the wallet leg of a trade. Cost basis and realized P&L are
// derived from it, so a position's cost always matches the cash that moved.
func cashTotal(shares, price decimal.Decimal) decimal.Decimal {
	return shares.Mul(price).Round(cashPlaces)
}

// applyBuy folds a buy costing cost into p using a weighted average cost
func applyBuy(p types.Position, shares, cost decimal.Decimal) types.Position {
	p.TotalCost = p.TotalCost.Add(cost)
	p.TotalShares = p.TotalShares.Add(shares)
	p.AverageCost = p.TotalCost.Div(p.TotalShares).Round(costPlaces)
	return p
}

// applySell removes shares from p and returns the realized P&L of the
// sale: proceeds less the cost basis released. AverageCost never changes
// on a sell.
func applySell(p types.Position, shares, proceeds decimal.Decimal) (types.Position, decimal.Decimal, error) {
	if p.TotalShares.LessThan(shares) {
		return p, decimal.Zero, apperrors.ErrInsufficientShares.WithDetails(
			"Held: " + p.TotalShares.String() + ", Requested: " + shares.String())
	}

	released := p.TotalCost
	p.TotalShares = p.TotalShares.Sub(shares)
	if p.TotalShares.IsZero() {
		p.TotalCost = decimal.Zero
	} else {
		p.TotalCost = p.AverageCost.Mul(p.TotalShares).Round(moneyPlaces)
	}
	released = released.Sub(p.TotalCost)

	realized := proceeds.Sub(released)
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	return p, realized, nil
}
