package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	pkgauth "github.com/Rohianon/equishare-portfolio-ledger/pkg/auth"

	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/auth"
	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/output"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint and store an access token",
	Long: `Sign a JWT with the configured jwt_secret and store it in
~/.ledgerctl/auth.json. Every other command sends it as a bearer token.

Use --service for a token that may run batch steps.`,
	RunE: runToken,
}

var tokenStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored token",
	RunE:  runTokenStatus,
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored token",
	RunE:  runTokenClear,
}

var (
	tokenUserFlag    string
	tokenServiceFlag bool
	tokenTTLFlag     time.Duration
	tokenPrintFlag   bool
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenStatusCmd)
	tokenCmd.AddCommand(tokenClearCmd)

	tokenCmd.Flags().StringVarP(&tokenUserFlag, "user", "u", "", "user id the token is issued for")
	tokenCmd.Flags().BoolVar(&tokenServiceFlag, "service", false, "issue a service token")
	tokenCmd.Flags().DurationVar(&tokenTTLFlag, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().BoolVar(&tokenPrintFlag, "print", false, "also print the raw token")
}

func runToken(cmd *cobra.Command, args []string) error {
	user := tokenUserFlag
	if user == "" {
		if tokenServiceFlag {
			user = "ledgerctl"
		} else {
			return fmt.Errorf("--user is required")
		}
	}

	issuer, err := pkgauth.NewTokenIssuer(viper.GetString("jwt_secret"), tokenTTLFlag)
	if err != nil {
		return fmt.Errorf("%w, run 'ledgerctl config set jwt_secret <secret>'", err)
	}

	role := pkgauth.RoleUser
	if tokenServiceFlag {
		role = pkgauth.RoleService
	}

	token, expiresAt, err := issuer.Issue(user, role)
	if err != nil {
		return err
	}

	stored := &auth.StoredAuth{
		AccessToken: token,
		ExpiresAt:   expiresAt,
		UserID:      user,
		Role:        role,
	}
	if err := auth.Save(stored); err != nil {
		return fmt.Errorf("could not save token: %w", err)
	}

	if isJSON() {
		return output.JSON(stored)
	}

	output.Success("Token stored")
	output.KeyValue([][]string{
		{"User", user},
		{"Role", role},
		{"Expires", expiresAt.Local().Format(time.RFC1123)},
	})
	if tokenPrintFlag {
		fmt.Fprintln(output.Out, token)
	}
	return nil
}

func runTokenStatus(cmd *cobra.Command, args []string) error {
	stored, err := auth.Load()
	if err != nil {
		return err
	}
	if stored == nil {
		output.Info("No token stored")
		return nil
	}

	if isJSON() {
		return output.JSON(map[string]any{
			"user_id":    stored.UserID,
			"role":       stored.Role,
			"expires_at": stored.ExpiresAt,
			"valid":      stored.Valid(time.Now()),
		})
	}

	status := output.SuccessStyle.Render("valid")
	if !stored.Valid(time.Now()) {
		status = output.ErrorStyle.Render("expired")
	}
	output.KeyValue([][]string{
		{"User", stored.UserID},
		{"Role", stored.Role},
		{"Expires", stored.ExpiresAt.Local().Format(time.RFC1123)},
		{"Status", status},
	})
	return nil
}

func runTokenClear(cmd *cobra.Command, args []string) error {
	if err := auth.Clear(); err != nil {
		return err
	}
	output.Success("Token removed")
	return nil
}
