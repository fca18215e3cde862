package cmd

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/output"
)

var quoteCmd = &cobra.Command{
	Use:   "quote SYMBOL",
	Short: "Latest quote for a symbol",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuote,
}

func init() {
	rootCmd.AddCommand(quoteCmd)
}

func runQuote(cmd *cobra.Command, args []string) error {
	c, err := requireAuth()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	q, err := c.Quote(ctx, strings.ToUpper(args[0]))
	if err != nil {
		return err
	}

	if isJSON() {
		return output.JSON(q)
	}

	source := q.Source
	if q.Stale {
		source += output.WarningStyle.Render(" (stale)")
	} else if q.Cached {
		source += " (cached)"
	}

	output.Header(q.Symbol)
	output.KeyValue([][]string{
		{"Price", output.Money(q.Price) + " " + q.Currency},
		{"Change", output.Signed(q.Change, "") + " (" + output.Signed(q.ChangePercent, "%") + ")"},
		{"Open", q.Open.StringFixed(2)},
		{"High", q.High.StringFixed(2)},
		{"Low", q.Low.StringFixed(2)},
		{"Prev close", q.PrevClose.StringFixed(2)},
		{"Source", source},
		{"Fetched", q.FetchedAt.Local().Format(time.RFC1123)},
	})
	return nil
}
