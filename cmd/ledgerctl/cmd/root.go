package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/auth"
	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/client"
	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/output"
)

const requestTimeout = 30 * time.Second

var (
	cfgFile string
	format  string

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))
)

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "ledgerctl - portfolio ledger from the terminal",
	Long: titleStyle.Render(`
╔═══════════════════════════════════════════════════════════╗
║  ledgerctl - EquiShare Portfolio Ledger                  ║
╚═══════════════════════════════════════════════════════════╝
`) + `
Record trades, move wallet cash, watch your portfolio value and
follow dividend payouts.

Get started:
  ledgerctl config set jwt_secret <secret>
  ledgerctl token --user <id>       Mint and store an access token
  ledgerctl wallet deposit -a 500   Fund the wallet
  ledgerctl trade buy AAPL --shares 2 --price 180
  ledgerctl portfolio show          Positions and valuation`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		output.Error(err.Error())
		return err
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.ledgerctl/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&format, "format", "f", "", "output format: table, json")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := auth.Dir()
		if err != nil {
			output.Error("Error: " + err.Error())
			os.Exit(1)
		}

		if err := os.MkdirAll(dir, 0700); err != nil {
			output.Error("Error creating config dir: " + err.Error())
		}

		viper.AddConfigPath(dir)
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetDefault("api_url", "http://localhost:8080")
	viper.SetDefault("format", "table")
	viper.SetDefault("jwt_secret", "")

	viper.SetEnvPrefix("LEDGERCTL")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

func getFormat() string {
	if format != "" {
		return format
	}
	return viper.GetString("format")
}

func isJSON() bool {
	return getFormat() == "json"
}

// requireAuth returns a client carrying the stored token
func requireAuth() (*client.Client, error) {
	token := auth.GetToken()
	if token == "" {
		return nil, fmt.Errorf("no valid token, run 'ledgerctl token --user <id>' first")
	}

	c := client.New(viper.GetString("api_url"))
	c.SetToken(token)
	return c, nil
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, requestTimeout)
}
