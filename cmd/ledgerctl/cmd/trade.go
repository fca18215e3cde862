package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/client"
	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/output"
)

var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "Record trades",
	Long:  "Record a buy or sell at a given price and list trade history.",
}

var buyCmd = &cobra.Command{
	Use:   "buy SYMBOL",
	Short: "Record a buy",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runTrade(cmd, "buy", args[0]) },
}

var sellCmd = &cobra.Command{
	Use:   "sell SYMBOL",
	Short: "Record a sell",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runTrade(cmd, "sell", args[0]) },
}

var tradeListCmd = &cobra.Command{
	Use:   "list",
	Short: "Trade history, newest first",
	RunE:  runTradeList,
}

var (
	sharesFlag string
	priceFlag  string
	noteFlag   string

	tradeLimitFlag int
)

func init() {
	rootCmd.AddCommand(tradeCmd)
	tradeCmd.AddCommand(buyCmd)
	tradeCmd.AddCommand(sellCmd)
	tradeCmd.AddCommand(tradeListCmd)

	for _, c := range []*cobra.Command{buyCmd, sellCmd} {
		c.Flags().StringVarP(&sharesFlag, "shares", "s", "", "number of shares")
		c.Flags().StringVarP(&priceFlag, "price", "p", "", "price per share")
		c.Flags().StringVarP(&noteFlag, "note", "n", "", "free-form note")
		c.Flags().StringVarP(&keyFlag, "key", "k", "", "idempotency key")
		_ = c.MarkFlagRequired("shares")
		_ = c.MarkFlagRequired("price")
	}

	tradeListCmd.Flags().IntVar(&tradeLimitFlag, "limit", 20, "number of trades")
}

func runTrade(cmd *cobra.Command, side, symbol string) error {
	c, err := requireAuth()
	if err != nil {
		return err
	}
	shares, err := parseDecimal("shares", sharesFlag)
	if err != nil {
		return err
	}
	price, err := parseDecimal("price", priceFlag)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	res, err := c.Trade(ctx, client.TradeRequest{
		Symbol:         strings.ToUpper(symbol),
		Side:           side,
		Shares:         shares,
		Price:          price,
		Note:           noteFlag,
		IdempotencyKey: keyFlag,
	})
	if err != nil {
		return err
	}

	if isJSON() {
		return output.JSON(res)
	}

	if res.Replayed {
		output.Warning("Already applied, showing the original result")
	} else {
		output.Success(fmt.Sprintf("%s %s %s @ %s", side, shares.String(), strings.ToUpper(symbol), price.StringFixed(2)))
	}

	pairs := [][]string{}
	if res.Transaction != nil {
		pairs = append(pairs,
			[]string{"Total", res.Transaction.Total.StringFixed(2)},
			[]string{"Realized P&L", output.Signed(res.Transaction.RealizedPnL, "")},
		)
	}
	if res.Position != nil {
		pairs = append(pairs,
			[]string{"Shares held", res.Position.TotalShares.String()},
			[]string{"Average cost", res.Position.AverageCost.StringFixed(4)},
		)
	}
	pairs = append(pairs, []string{"Wallet", output.Money(res.WalletBalance)})
	output.KeyValue(pairs)
	return nil
}

func runTradeList(cmd *cobra.Command, args []string) error {
	c, err := requireAuth()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	trades, err := c.Trades(ctx, tradeLimitFlag)
	if err != nil {
		return err
	}

	if isJSON() {
		return output.JSON(trades)
	}

	if len(trades) == 0 {
		output.Info("No trades found")
		return nil
	}

	output.Header("Trades")
	rows := make([][]string, len(trades))
	for i, t := range trades {
		rows[i] = []string{
			t.ExecutedAt.Local().Format("2006-01-02 15:04"),
			t.Symbol,
			t.Side,
			t.Shares.String(),
			t.Price.StringFixed(2),
			t.Total.StringFixed(2),
			output.Signed(t.RealizedPnL, ""),
		}
	}
	output.Table([]string{"Date", "Symbol", "Side", "Shares", "Price", "Total", "P&L"}, rows)
	return nil
}
