package cmd

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/client"
	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/output"
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Wallet commands",
	Long:  "Check the cash balance, deposit, withdraw and list wallet transactions.",
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show wallet balance",
	RunE:  runBalance,
}

var depositCmd = &cobra.Command{
	Use:   "deposit",
	Short: "Deposit cash",
	RunE:  func(cmd *cobra.Command, args []string) error { return runWalletAction(cmd, "deposit") },
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Withdraw cash",
	RunE:  func(cmd *cobra.Command, args []string) error { return runWalletAction(cmd, "withdraw") },
}

var transactionsCmd = &cobra.Command{
	Use:   "transactions",
	Short: "View transaction history",
	RunE:  runTransactions,
}

var (
	amountFlag string
	keyFlag    string
	methodFlag string
	pageFlag   int
	limitFlag  int
)

func init() {
	rootCmd.AddCommand(walletCmd)
	walletCmd.AddCommand(balanceCmd)
	walletCmd.AddCommand(depositCmd)
	walletCmd.AddCommand(withdrawCmd)
	walletCmd.AddCommand(transactionsCmd)

	for _, c := range []*cobra.Command{depositCmd, withdrawCmd} {
		c.Flags().StringVarP(&amountFlag, "amount", "a", "", "amount, at most 2 decimal places")
		c.Flags().StringVarP(&keyFlag, "key", "k", "", "idempotency key")
		c.Flags().StringVarP(&methodFlag, "method", "m", "", "payment method label")
		_ = c.MarkFlagRequired("amount")
	}

	transactionsCmd.Flags().IntVar(&pageFlag, "page", 1, "page number")
	transactionsCmd.Flags().IntVar(&limitFlag, "limit", 10, "items per page")
}

func parseDecimal(name, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q", name, value)
	}
	return d, nil
}

func runBalance(cmd *cobra.Command, args []string) error {
	c, err := requireAuth()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	balance, err := c.Wallet(ctx)
	if err != nil {
		return err
	}

	if isJSON() {
		return output.JSON(balance)
	}

	output.Header("Wallet Balance")
	output.KeyValue([][]string{
		{"Balance", output.Money(balance.Balance)},
		{"Cap", balance.Cap.StringFixed(2)},
	})
	return nil
}

func runWalletAction(cmd *cobra.Command, action string) error {
	c, err := requireAuth()
	if err != nil {
		return err
	}
	amount, err := parseDecimal("amount", amountFlag)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	res, err := c.WalletAction(ctx, client.WalletRequest{
		Action:         action,
		Amount:         amount,
		IdempotencyKey: keyFlag,
		Method:         methodFlag,
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
		output.Success(fmt.Sprintf("%s of %s done", action, amount.StringFixed(2)))
	}
	pairs := [][]string{{"Balance", output.Money(res.Balance)}}
	if res.Transaction != nil {
		pairs = append(pairs, []string{"Transaction", res.Transaction.ID})
	}
	output.KeyValue(pairs)
	return nil
}

func runTransactions(cmd *cobra.Command, args []string) error {
	c, err := requireAuth()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	resp, err := c.Transactions(ctx, pageFlag, limitFlag)
	if err != nil {
		return err
	}

	if isJSON() {
		return output.JSON(resp)
	}

	if len(resp.Items) == 0 {
		output.Info("No transactions found")
		return nil
	}

	output.Header("Transaction History")
	rows := make([][]string, len(resp.Items))
	for i, tx := range resp.Items {
		rows[i] = []string{
			shortID(tx.ID),
			output.FormatStatus(tx.Action),
			tx.Amount.StringFixed(2),
			tx.ResultingBalance.StringFixed(2),
			tx.CreatedAt.Local().Format("2006-01-02 15:04"),
		}
	}
	output.Table([]string{"ID", "Action", "Amount", "Balance", "Date"}, rows)
	output.Info(fmt.Sprintf("Page %d of %d (%d total)", resp.Pagination.Page, resp.Pagination.TotalPages, resp.Pagination.Total))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
