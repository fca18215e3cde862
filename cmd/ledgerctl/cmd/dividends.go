package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/output"
)

const dateLayout = "2006-01-02"

var dividendsCmd = &cobra.Command{
	Use:   "dividends",
	Short: "Dividend views",
}

var upcomingCmd = &cobra.Command{
	Use:   "upcoming",
	Short: "Announced dividends on symbols you hold",
	RunE:  runUpcoming,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Dividend payouts",
	RunE:  runHistory,
}

var historyLimitFlag int

func init() {
	rootCmd.AddCommand(dividendsCmd)
	dividendsCmd.AddCommand(upcomingCmd)
	dividendsCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVar(&historyLimitFlag, "limit", 50, "number of payouts")
}

func runUpcoming(cmd *cobra.Command, args []string) error {
	c, err := requireAuth()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	items, err := c.UpcomingDividends(ctx)
	if err != nil {
		return err
	}

	if isJSON() {
		return output.JSON(items)
	}

	if len(items) == 0 {
		output.Info("No upcoming dividends")
		return nil
	}

	output.Header("Upcoming Dividends")
	rows := make([][]string, len(items))
	for i, d := range items {
		rows[i] = []string{
			d.Symbol,
			d.ExDate.Format(dateLayout),
			d.PayDate.Format(dateLayout),
			d.AmountPerShare.String() + " " + d.Currency,
			d.Shares.String(),
			d.EstimatedGross.StringFixed(2),
		}
	}
	output.Table([]string{"Symbol", "Ex Date", "Pay Date", "Per Share", "Shares", "Estimate"}, rows)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	c, err := requireAuth()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	payouts, err := c.DividendHistory(ctx, historyLimitFlag)
	if err != nil {
		return err
	}

	if isJSON() {
		return output.JSON(payouts)
	}

	if len(payouts) == 0 {
		output.Info("No dividend payouts")
		return nil
	}

	output.Header("Dividend History")
	rows := make([][]string, len(payouts))
	for i, p := range payouts {
		paid := "-"
		if p.PaidAt != nil {
			paid = p.PaidAt.Local().Format(dateLayout)
		}
		rows[i] = []string{
			p.Symbol,
			p.QuantityOnRecordDate.String(),
			p.GrossAmount.StringFixed(2),
			p.TaxWithheld.StringFixed(2),
			p.NetAmount.StringFixed(2),
			output.FormatStatus(p.Status),
			paid,
		}
	}
	output.Table([]string{"Symbol", "Shares", "Gross", "Tax", "Net", "Status", "Paid"}, rows)

	for _, p := range payouts {
		if p.FailureReason != "" {
			output.Warning(p.Symbol + ": " + p.FailureReason)
		}
	}
	return nil
}
