package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/client"
	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/output"
)

var portfolioCmd = &cobra.Command{
	Use:   "portfolio",
	Short: "Positions and valuation",
}

var portfolioShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show positions, marked to market",
	RunE:  runPortfolioShow,
}

var timeseriesCmd = &cobra.Command{
	Use:   "timeseries",
	Short: "Portfolio value history",
	Long: `Portfolio value over a range (1h, 1d, 3d, 1w, 1m, 3m, 6m, 1y, all).

Granularity is "auto" (a fixed grid per range), "raw" (stored snapshots)
or a duration such as 15m.`,
	RunE: runTimeseries,
}

var (
	enrichFlag      bool
	rangeFlag       string
	granularityFlag string
)

func init() {
	rootCmd.AddCommand(portfolioCmd)
	portfolioCmd.AddCommand(portfolioShowCmd)
	portfolioCmd.AddCommand(timeseriesCmd)

	portfolioShowCmd.Flags().BoolVar(&enrichFlag, "enrich", true, "price holdings with live quotes")

	timeseriesCmd.Flags().StringVarP(&rangeFlag, "range", "r", "1d", "time range")
	timeseriesCmd.Flags().StringVarP(&granularityFlag, "granularity", "g", "auto", "auto, raw or a duration")
}

func runPortfolioShow(cmd *cobra.Command, args []string) error {
	c, err := requireAuth()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	p, err := c.Portfolio(ctx, enrichFlag)
	if err != nil {
		return err
	}

	if isJSON() {
		return output.JSON(p)
	}

	if p.Valuation != nil {
		printValuation(p.Valuation)
		return nil
	}

	output.Header("Positions")
	if len(p.Positions) == 0 {
		output.Info("No open positions")
	} else {
		rows := make([][]string, len(p.Positions))
		for i, pos := range p.Positions {
			rows[i] = []string{
				pos.Symbol,
				pos.TotalShares.String(),
				pos.AverageCost.StringFixed(4),
				pos.TotalCost.StringFixed(2),
				output.Signed(pos.RealizedPnL, ""),
			}
		}
		output.Table([]string{"Symbol", "Shares", "Avg Cost", "Cost Basis", "Realized"}, rows)
	}
	if p.Wallet != nil {
		output.KeyValue([][]string{{"Wallet", output.Money(p.Wallet.Balance)}})
	}
	return nil
}

func printValuation(v *client.Valuation) {
	output.Header("Portfolio")
	output.KeyValue([][]string{
		{"Total value", output.Money(v.TotalPortfolioValue)},
		{"Market value", v.MarketValue.StringFixed(2)},
		{"Cost basis", v.CostBasis.StringFixed(2)},
		{"Total return", output.Signed(v.TotalReturn, "") + " (" + output.Signed(v.TotalReturnPct, "%") + ")"},
		{"Wallet", v.WalletBalance.StringFixed(2)},
		{"Updated", v.LastUpdated.Local().Format(time.RFC1123)},
	})

	if len(v.Holdings) > 0 {
		output.Info("")
		rows := make([][]string, len(v.Holdings))
		for i, h := range v.Holdings {
			price := output.MutedStyle.Render("n/a")
			if h.CurrentPrice != nil {
				price = h.CurrentPrice.StringFixed(2)
				if h.Stale {
					price += output.WarningStyle.Render(" (stale)")
				}
			}
			rows[i] = []string{
				h.Symbol,
				h.Shares.String(),
				h.AverageCost.StringFixed(2),
				price,
				h.MarketValue.StringFixed(2),
				output.Signed(h.UnrealizedPnL, ""),
				output.Signed(h.UnrealizedPnLPct, "%"),
			}
		}
		output.Table([]string{"Symbol", "Shares", "Avg Cost", "Price", "Value", "P&L", "P&L %"}, rows)
	}

	if v.Degraded {
		output.Warning(fmt.Sprintf("No quote for %s, totals cover priced holdings only", strings.Join(v.MissingQuotes, ", ")))
	}
}

func runTimeseries(cmd *cobra.Command, args []string) error {
	c, err := requireAuth()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	s, err := c.Timeseries(ctx, rangeFlag, granularityFlag)
	if err != nil {
		return err
	}

	if isJSON() {
		return output.JSON(s)
	}

	output.Header(fmt.Sprintf("Portfolio value, %s (%s)", s.Range, s.Granularity))
	if len(s.Points) == 0 {
		output.Info("No snapshots in range")
		return nil
	}

	rows := make([][]string, len(s.Points))
	for i, p := range s.Points {
		rows[i] = []string{
			p.TakenAt.Local().Format("2006-01-02 15:04"),
			p.TotalPortfolioValue.StringFixed(2),
			p.MarketValue.StringFixed(2),
			output.Signed(p.TotalReturnPct, "%"),
		}
	}
	output.Table([]string{"Time", "Total", "Market", "Return"}, rows)
	return nil
}
