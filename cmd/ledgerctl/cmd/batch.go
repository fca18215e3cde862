package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/output"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run a dividend batch step",
	Long: `Run one step of the dividend pipeline on the service.
Requires a service token: ledgerctl token --service`,
}

var retryFailedFlag bool

func newBatchStepCmd(step, short string) *cobra.Command {
	return &cobra.Command{
		Use:   step,
		Short: short,
		RunE:  func(cmd *cobra.Command, args []string) error { return runBatch(cmd, step) },
	}
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.AddCommand(newBatchStepCmd("ingest", "Pull upcoming dividends from the calendar"))
	batchCmd.AddCommand(newBatchStepCmd("snapshot", "Freeze holders of actions at their record date"))

	settle := newBatchStepCmd("settle", "Credit payouts due today")
	settle.Flags().BoolVar(&retryFailedFlag, "retry-failed", false, "also retry FAILED payouts")
	batchCmd.AddCommand(settle)
}

func runBatch(cmd *cobra.Command, step string) error {
	c, err := requireAuth()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()

	res, err := c.RunBatch(ctx, step, retryFailedFlag)
	if err != nil {
		return err
	}

	if isJSON() {
		return output.JSON(res)
	}

	if res.Errors > 0 {
		output.Warning(fmt.Sprintf("%s finished with %d errors", step, res.Errors))
	} else {
		output.Success(step + " finished")
	}
	output.KeyValue([][]string{
		{"Processed", fmt.Sprint(res.Processed)},
		{"Created", fmt.Sprint(res.Created)},
		{"Skipped", fmt.Sprint(res.Skipped)},
		{"Errors", fmt.Sprint(res.Errors)},
		{"Duration", res.Duration.String()},
	})
	for _, m := range res.Messages {
		output.Info("  " + m)
	}
	return nil
}
