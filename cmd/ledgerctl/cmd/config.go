package cmd

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/auth"
	"github.com/Rohianon/equishare-portfolio-ledger/cmd/ledgerctl/internal/output"
)

var configKeys = map[string]string{
	"api_url":    "Ledger service URL (default: http://localhost:8080)",
	"format":     "Default output format: table, json (default: table)",
	"jwt_secret": "HMAC secret shared with the service, used by 'token'",
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
	Long:  "View and modify CLI configuration.",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configuration",
	RunE:  runConfigList,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Long: `Set a configuration value.

Available keys:
  api_url     - Ledger service URL (default: http://localhost:8080)
  format      - Default output format: table, json (default: table)
  jwt_secret  - HMAC secret shared with the service`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
}

func sortedKeys() []string {
	keys := make([]string, 0, len(configKeys))
	for k := range configKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func displayValue(key string) string {
	v := viper.GetString(key)
	if key == "jwt_secret" && v != "" {
		return strings.Repeat("*", 8)
	}
	return v
}

func runConfigList(cmd *cobra.Command, args []string) error {
	if isJSON() {
		settings := map[string]string{}
		for _, k := range sortedKeys() {
			settings[k] = displayValue(k)
		}
		return output.JSON(settings)
	}

	output.Header("Configuration")
	rows := make([][]string, 0, len(configKeys))
	for _, k := range sortedKeys() {
		rows = append(rows, []string{k, displayValue(k), configKeys[k]})
	}
	output.Table([]string{"Key", "Value", "Description"}, rows)

	if viper.ConfigFileUsed() != "" {
		output.Info("")
		output.Info("Config file: " + viper.ConfigFileUsed())
	}
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if _, ok := configKeys[key]; !ok {
		return fmt.Errorf("unknown config key %q, valid keys: %s", key, strings.Join(sortedKeys(), ", "))
	}
	fmt.Fprintln(output.Out, viper.GetString(key))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	if _, ok := configKeys[key]; !ok {
		return fmt.Errorf("unknown config key %q, valid keys: %s", key, strings.Join(sortedKeys(), ", "))
	}
	if key == "format" && value != "table" && value != "json" {
		return fmt.Errorf("format must be 'table' or 'json'")
	}

	viper.Set(key, value)

	path, err := configPath()
	if err != nil {
		return err
	}
	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("could not save config: %w", err)
	}

	output.Success(fmt.Sprintf("Set %s = %s", key, displayValue(key)))
	return nil
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	dir, err := auth.Dir()
	if err != nil {
		return "", fmt.Errorf("could not find home directory: %w", err)
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}

	if isJSON() {
		return output.JSON(map[string]string{
			"config_file": path,
			"config_dir":  filepath.Dir(path),
		})
	}

	fmt.Fprintln(output.Out, path)
	return nil
}
